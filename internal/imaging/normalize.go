package imaging

import (
	"bytes"
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// Validation failures surfaced to the caller unchanged.
var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrImageTooLarge     = errors.New("image exceeds maximum size")
	ErrUndecodable       = errors.New("image could not be decoded")
)

// Format is the detected image container format, as a file extension.
type Format string

const (
	FormatJPEG Format = ".jpg"
	FormatPNG  Format = ".png"
)

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
)

// SniffFormat detects PNG or JPEG from the leading magic bytes.
func SniffFormat(data []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return FormatJPEG, nil
	case bytes.HasPrefix(data, pngMagic):
		return FormatPNG, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Normalize validates and decodes raw upload bytes into a BGR Mat with the
// scene upright. The claimed content type must agree with the sniffed
// format when provided. JPEG decoding applies the EXIF orientation hint;
// PNG alpha is composited over opaque white. The caller owns the Mat.
func Normalize(data []byte, contentType string, maxBytes int64) (gocv.Mat, Format, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return gocv.Mat{}, "", fmt.Errorf("%w: %d bytes (max %d)", ErrImageTooLarge, len(data), maxBytes)
	}

	format, err := SniffFormat(data)
	if err != nil {
		return gocv.Mat{}, "", err
	}
	if err := checkContentType(contentType, format); err != nil {
		return gocv.Mat{}, "", err
	}

	if format == FormatPNG {
		mat, err := decodePNG(data)
		return mat, format, err
	}
	mat, err := decodeJPEG(data)
	return mat, format, err
}

// decodeJPEG decodes with IMReadColor, which rotates per the EXIF
// orientation tag and yields 3-channel BGR.
func decodeJPEG(data []byte) (gocv.Mat, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.Mat{}, ErrUndecodable
	}
	return mat, nil
}

// decodePNG decodes with IMReadUnchanged to keep the alpha plane, then
// composites transparency over opaque white. PNG carries no EXIF
// orientation, so no rotation is lost by bypassing IMReadColor.
func decodePNG(data []byte) (gocv.Mat, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadUnchanged)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.Mat{}, ErrUndecodable
	}

	switch mat.Channels() {
	case 3:
		return mat, nil
	case 1:
		bgr := gocv.NewMat()
		gocv.CvtColor(mat, &bgr, gocv.ColorGrayToBGR)
		mat.Close()
		return bgr, nil
	case 4:
		bgr := compositeOverWhite(mat)
		mat.Close()
		return bgr, nil
	default:
		mat.Close()
		return gocv.Mat{}, fmt.Errorf("%w: unexpected channel count", ErrUndecodable)
	}
}

// compositeOverWhite alpha-blends a BGRA Mat over an opaque white
// background: out = 255 - alpha * (255 - channel).
func compositeOverWhite(bgra gocv.Mat) gocv.Mat {
	channels := gocv.Split(bgra)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()

	rows := bgra.Rows()
	cols := bgra.Cols()

	alpha := gocv.NewMat()
	defer alpha.Close()
	channels[3].ConvertToWithParams(&alpha, gocv.MatTypeCV32F, 1.0/255.0, 0)

	white := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), rows, cols, gocv.MatTypeCV32F)
	defer white.Close()

	blended := make([]gocv.Mat, 3)
	for i := 0; i < 3; i++ {
		ch := gocv.NewMat()
		channels[i].ConvertToWithParams(&ch, gocv.MatTypeCV32F, 1, 0)

		diff := gocv.NewMat()
		gocv.Subtract(white, ch, &diff)
		ch.Close()

		scaled := gocv.NewMat()
		gocv.Multiply(diff, alpha, &scaled)
		diff.Close()

		out := gocv.NewMat()
		gocv.Subtract(white, scaled, &out)
		scaled.Close()

		out8 := gocv.NewMat()
		out.ConvertTo(&out8, gocv.MatTypeCV8U)
		out.Close()
		blended[i] = out8
	}
	defer func() {
		for i := range blended {
			blended[i].Close()
		}
	}()

	bgr := gocv.NewMat()
	gocv.Merge(blended, &bgr)
	return bgr
}

func checkContentType(contentType string, format Format) error {
	if contentType == "" || contentType == "application/octet-stream" {
		return nil
	}
	want := "image/jpeg"
	if format == FormatPNG {
		want = "image/png"
	}
	if contentType != want {
		return fmt.Errorf("%w: content type %q does not match %s payload", ErrUnsupportedFormat, contentType, format)
	}
	return nil
}
