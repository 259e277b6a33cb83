package detect

import (
	"bytes"
	"fmt"
	"image/color"
	"image/jpeg"

	"github.com/cjeanneret/CamCore/internal/hw/sensor"
	"github.com/cjeanneret/CamCore/internal/logic/geometry"
)

// LumaScorer scores a frame by its mean brightness in [0, 1].
// It stands in for a detection model so the pipeline can run end to end.
type LumaScorer struct{}

func (LumaScorer) Score(fb *sensor.FrameBuffer) (float32, error) {
	if fb.Format != geometry.JPEG {
		v, err := geometry.MeanLuma(fb.Format, fb.Width, fb.Height, fb.Data)
		return float32(v), err
	}

	img, err := jpeg.Decode(bytes.NewReader(fb.Data))
	if err != nil {
		return 0, fmt.Errorf("decode jpeg: %w", err)
	}
	b := img.Bounds()
	if b.Empty() {
		return 0, nil
	}
	var sum uint64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += uint64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
		}
	}
	return float32(float64(sum) / float64(b.Dx()*b.Dy()) / 255), nil
}
