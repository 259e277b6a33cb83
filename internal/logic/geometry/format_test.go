package geometry

import "testing"

func TestPixelFormat_BytesPerPixel(t *testing.T) {
	cases := []struct {
		format PixelFormat
		bpp    int
		name   string
	}{
		{RGB565, 2, "RGB565"},
		{YUV422, 2, "YUV422"},
		{Grayscale, 1, "GRAYSCALE"},
		{RGB888, 3, "RGB888"},
		{JPEG, 0, "JPEG"},
	}
	for _, tc := range cases {
		if got := tc.format.BytesPerPixel(); got != tc.bpp {
			t.Errorf("%s.BytesPerPixel() = %d, want %d", tc.name, got, tc.bpp)
		}
		if got := tc.format.String(); got != tc.name {
			t.Errorf("String() = %q, want %q", got, tc.name)
		}
		parsed, err := ParsePixelFormat(tc.name)
		if err != nil || parsed != tc.format {
			t.Errorf("ParsePixelFormat(%q) = %v, %v", tc.name, parsed, err)
		}
	}
	if !JPEG.Compressed() || RGB565.Compressed() {
		t.Error("only JPEG is compressed")
	}
}

func TestParsePixelFormat_Unknown(t *testing.T) {
	if _, err := ParsePixelFormat("BAYER"); err == nil {
		t.Error("expected error for unknown format")
	}
	if got, err := ParsePixelFormat("grayscale"); err != nil || got != Grayscale {
		t.Errorf("lower-case name: got %v, %v", got, err)
	}
}
