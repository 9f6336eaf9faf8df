package imaging

import (
	"errors"
	"testing"

	"gocv.io/x/gocv"

	"discserver/internal/border"
)

// encodeSolid produces image bytes of a solid-color raster.
func encodeSolid(t *testing.T, size int, b, g, r float64, format Format) []byte {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(b, g, r, 0), size, size, gocv.MatTypeCV8UC3)
	defer img.Close()

	data, err := EncodeImage(img, format)
	if err != nil {
		t.Fatalf("EncodeImage failed: %v", err)
	}
	return data
}

func TestSniffFormat(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    Format
		wantErr bool
	}{
		{"jpeg magic", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, FormatJPEG, false},
		{"png magic", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}, FormatPNG, false},
		{"gif", []byte("GIF89a"), "", true},
		{"empty", nil, "", true},
		{"text", []byte("hello"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SniffFormat(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SniffFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SniffFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalize_Roundtrip(t *testing.T) {
	for _, format := range []Format{FormatPNG, FormatJPEG} {
		data := encodeSolid(t, 64, 10, 20, 200, format)

		mat, gotFormat, err := Normalize(data, "", 0)
		if err != nil {
			t.Fatalf("Normalize(%s) failed: %v", format, err)
		}
		if gotFormat != format {
			t.Errorf("Normalize() format = %q, want %q", gotFormat, format)
		}
		if mat.Rows() != 64 || mat.Cols() != 64 || mat.Channels() != 3 {
			t.Errorf("Normalize() raster = %dx%dx%d, want 64x64x3", mat.Cols(), mat.Rows(), mat.Channels())
		}
		mat.Close()
	}
}

func TestNormalize_Oversize(t *testing.T) {
	data := encodeSolid(t, 64, 0, 0, 0, FormatPNG)

	_, _, err := Normalize(data, "", int64(len(data))-1)
	if !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("Expected ErrImageTooLarge, got %v", err)
	}
}

func TestNormalize_UnsupportedFormat(t *testing.T) {
	_, _, err := Normalize([]byte("GIF89a...."), "", 0)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestNormalize_Undecodable(t *testing.T) {
	// Valid JPEG magic followed by garbage.
	data := append([]byte{0xFF, 0xD8, 0xFF}, []byte("definitely not a jpeg body")...)

	_, _, err := Normalize(data, "", 0)
	if !errors.Is(err, ErrUndecodable) {
		t.Errorf("Expected ErrUndecodable, got %v", err)
	}
}

func TestNormalize_ContentTypeMismatch(t *testing.T) {
	data := encodeSolid(t, 32, 0, 0, 0, FormatPNG)

	_, _, err := Normalize(data, "image/jpeg", 0)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat on mismatch, got %v", err)
	}

	mat, _, err := Normalize(data, "image/png", 0)
	if err != nil {
		t.Fatalf("Matching content type should pass, got %v", err)
	}
	mat.Close()
}

func TestApplyBorder_NilBorder(t *testing.T) {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 2, 3, 0), 50, 80, gocv.MatTypeCV8UC3)
	defer img.Close()

	out, err := ApplyBorder(img, nil)
	if err != nil {
		t.Fatalf("ApplyBorder(nil) failed: %v", err)
	}
	defer out.Close()

	if out.Rows() != 50 || out.Cols() != 80 {
		t.Errorf("Expected unchanged 80x50 raster, got %dx%d", out.Cols(), out.Rows())
	}
}

func TestApplyBorder_CircleMasksExterior(t *testing.T) {
	// Uniform gray canvas; after masking, pixels outside the circle are
	// white and the center keeps its value.
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 90, 90, 0), 200, 200, gocv.MatTypeCV8UC3)
	defer img.Close()

	b := border.Circle(100, 100, 60, 0.9)
	out, err := ApplyBorder(img, b)
	if err != nil {
		t.Fatalf("ApplyBorder failed: %v", err)
	}
	defer out.Close()

	if out.Rows() != 120 || out.Cols() != 120 {
		t.Fatalf("Expected 120x120 crop, got %dx%d", out.Cols(), out.Rows())
	}

	center := out.GetVecbAt(60, 60)
	if center[0] != 90 || center[1] != 90 || center[2] != 90 {
		t.Errorf("Center pixel changed: %v", center)
	}

	corner := out.GetVecbAt(1, 1)
	if corner[0] != 255 || corner[1] != 255 || corner[2] != 255 {
		t.Errorf("Corner pixel should be white, got %v", corner)
	}
}

func TestApplyBorder_ClampsToImage(t *testing.T) {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(50, 50, 50, 0), 100, 100, gocv.MatTypeCV8UC3)
	defer img.Close()

	// Circle hanging off the top-left corner.
	b := border.Circle(10, 10, 40, 0.9)
	out, err := ApplyBorder(img, b)
	if err != nil {
		t.Fatalf("ApplyBorder failed: %v", err)
	}
	defer out.Close()

	if out.Cols() != 50 || out.Rows() != 50 {
		t.Errorf("Expected clamped 50x50 crop, got %dx%d", out.Cols(), out.Rows())
	}
}

func TestApplyBorder_InvalidBorder(t *testing.T) {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 100, 100, gocv.MatTypeCV8UC3)
	defer img.Close()

	if _, err := ApplyBorder(img, border.Circle(50, 50, 0, 0.9)); err == nil {
		t.Error("Expected error for zero-radius border")
	}
}
