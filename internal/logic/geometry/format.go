package geometry

import (
	"fmt"
	"strings"
)

// PixelFormat is the sensor output encoding.
type PixelFormat int

const (
	RGB565 PixelFormat = iota
	YUV422
	Grayscale
	RGB888
	JPEG
)

var formatNames = map[PixelFormat]string{
	RGB565:    "RGB565",
	YUV422:    "YUV422",
	Grayscale: "GRAYSCALE",
	RGB888:    "RGB888",
	JPEG:      "JPEG",
}

func (f PixelFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// BytesPerPixel returns the fixed pixel size of the format.
// Compressed formats return 0.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case RGB565, YUV422:
		return 2
	case Grayscale:
		return 1
	case RGB888:
		return 3
	default:
		return 0
	}
}

// Compressed reports whether buffer length depends on content.
func (f PixelFormat) Compressed() bool {
	return f == JPEG
}

// ParsePixelFormat parses a format name (case-insensitive).
func ParsePixelFormat(s string) (PixelFormat, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for f, name := range formatNames {
		if name == want {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format: %q", s)
}
