package geometry

import (
	"fmt"
	"strings"
)

// FrameSize is a named sensor geometry.
type FrameSize int

const (
	Size96x96 FrameSize = iota
	SizeQQVGA
	Size128x128
	SizeQCIF
	SizeHQVGA
	Size240x240
	SizeQVGA
	Size320x320
	SizeCIF
	SizeHVGA
	SizeVGA
	SizeSVGA
	SizeXGA
	SizeHD
	SizeSXGA
	SizeUXGA
)

// Dimensions is a width/height pair in pixels.
type Dimensions struct {
	Width  int
	Height int
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Pixels returns width*height.
func (d Dimensions) Pixels() int {
	return d.Width * d.Height
}

var frameSizes = []struct {
	name string
	dim  Dimensions
}{
	Size96x96:   {"96X96", Dimensions{96, 96}},
	SizeQQVGA:   {"QQVGA", Dimensions{160, 120}},
	Size128x128: {"128X128", Dimensions{128, 128}},
	SizeQCIF:    {"QCIF", Dimensions{176, 144}},
	SizeHQVGA:   {"HQVGA", Dimensions{240, 176}},
	Size240x240: {"240X240", Dimensions{240, 240}},
	SizeQVGA:    {"QVGA", Dimensions{320, 240}},
	Size320x320: {"320X320", Dimensions{320, 320}},
	SizeCIF:     {"CIF", Dimensions{400, 296}},
	SizeHVGA:    {"HVGA", Dimensions{480, 320}},
	SizeVGA:     {"VGA", Dimensions{640, 480}},
	SizeSVGA:    {"SVGA", Dimensions{800, 600}},
	SizeXGA:     {"XGA", Dimensions{1024, 768}},
	SizeHD:      {"HD", Dimensions{1280, 720}},
	SizeSXGA:    {"SXGA", Dimensions{1280, 1024}},
	SizeUXGA:    {"UXGA", Dimensions{1600, 1200}},
}

// Valid reports whether s is a known frame size.
func (s FrameSize) Valid() bool {
	return s >= 0 && int(s) < len(frameSizes)
}

func (s FrameSize) String() string {
	if !s.Valid() {
		return fmt.Sprintf("FrameSize(%d)", int(s))
	}
	return frameSizes[s].name
}

// Dimensions returns the pixel geometry of s. Unknown sizes return zero dimensions.
func (s FrameSize) Dimensions() Dimensions {
	if !s.Valid() {
		return Dimensions{}
	}
	return frameSizes[s].dim
}

// ParseFrameSize parses a frame size name such as "QVGA" or "96x96".
func ParseFrameSize(name string) (FrameSize, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for i, fs := range frameSizes {
		if fs.name == want {
			return FrameSize(i), nil
		}
	}
	return 0, fmt.Errorf("unknown frame size: %q", name)
}

// ExpectedLen returns the exact buffer length for an uncompressed frame.
// ok is false for compressed formats, whose length cannot be predicted.
func ExpectedLen(format PixelFormat, width, height int) (n int, ok bool) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return 0, false
	}
	return width * height * bpp, true
}

// CheckLength validates a buffer length against its geometry and format.
// Compressed formats only need a non-empty buffer.
func CheckLength(format PixelFormat, width, height, length int) error {
	want, ok := ExpectedLen(format, width, height)
	if !ok {
		if length <= 0 {
			return fmt.Errorf("empty %s buffer", format)
		}
		return nil
	}
	if length != want {
		return &LengthError{Expected: want, Got: length}
	}
	return nil
}

// LengthError reports a buffer whose length does not match its geometry.
type LengthError struct {
	Expected int
	Got      int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("frame buffer size mismatch: expected %d, got %d", e.Expected, e.Got)
}
