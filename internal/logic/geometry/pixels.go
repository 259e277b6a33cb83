package geometry

import (
	"fmt"
	"image"
	"image/color"
)

// Decode converts a raw uncompressed buffer into an image.
// RGB565 is big-endian, as the sensor emits it; YUV422 is YUYV ordered.
func Decode(format PixelFormat, width, height int, data []byte) (image.Image, error) {
	if err := CheckLength(format, width, height, len(data)); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, width, height)

	switch format {
	case Grayscale:
		img := image.NewGray(rect)
		copy(img.Pix, data)
		return img, nil

	case RGB888:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(data); i, j = i+3, j+4 {
			img.Pix[j] = data[i]
			img.Pix[j+1] = data[i+1]
			img.Pix[j+2] = data[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil

	case RGB565:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(data); i, j = i+2, j+4 {
			v := uint16(data[i])<<8 | uint16(data[i+1])
			r := uint8(v >> 11 & 0x1f)
			g := uint8(v >> 5 & 0x3f)
			b := uint8(v & 0x1f)
			img.Pix[j] = r<<3 | r>>2
			img.Pix[j+1] = g<<2 | g>>4
			img.Pix[j+2] = b<<3 | b>>2
			img.Pix[j+3] = 0xff
		}
		return img, nil

	case YUV422:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i+3 < len(data); i, j = i+4, j+8 {
			u, v := data[i+1], data[i+3]
			r, g, b := color.YCbCrToRGB(data[i], u, v)
			img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = r, g, b, 0xff
			r, g, b = color.YCbCrToRGB(data[i+2], u, v)
			img.Pix[j+4], img.Pix[j+5], img.Pix[j+6], img.Pix[j+7] = r, g, b, 0xff
		}
		return img, nil
	}

	return nil, fmt.Errorf("cannot decode %s pixels", format)
}

// MeanLuma returns the average luminance of a raw buffer in [0, 1].
func MeanLuma(format PixelFormat, width, height int, data []byte) (float64, error) {
	if format == Grayscale || format == YUV422 {
		if err := CheckLength(format, width, height, len(data)); err != nil {
			return 0, err
		}
		step := format.BytesPerPixel()
		var sum uint64
		for i := 0; i < len(data); i += step {
			sum += uint64(data[i])
		}
		n := len(data) / step
		if n == 0 {
			return 0, nil
		}
		return float64(sum) / float64(n) / 255, nil
	}

	img, err := Decode(format, width, height, data)
	if err != nil {
		return 0, err
	}
	rgba := img.(*image.RGBA)
	var sum uint64
	for i := 0; i < len(rgba.Pix); i += 4 {
		y, _, _ := color.RGBToYCbCr(rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2])
		sum += uint64(y)
	}
	n := len(rgba.Pix) / 4
	if n == 0 {
		return 0, nil
	}
	return float64(sum) / float64(n) / 255, nil
}
