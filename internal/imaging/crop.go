package imaging

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"discserver/internal/border"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 0}

// ApplyBorder crops img to the border's bounding box and composites
// everything outside the border shape over opaque white. A nil border
// returns a clone of the input. The caller owns the returned Mat; the
// result is exactly the raster that gets both persisted and encoded.
func ApplyBorder(img gocv.Mat, b *border.Border) (gocv.Mat, error) {
	if b == nil {
		return img.Clone(), nil
	}
	if err := b.Validate(); err != nil {
		return gocv.Mat{}, err
	}

	box := b.BoundingBox(img.Cols(), img.Rows())
	if box.Empty() {
		return gocv.Mat{}, fmt.Errorf("border lies entirely outside the image")
	}

	region := img.Region(box)
	cropped := region.Clone()
	region.Close()
	defer cropped.Close()

	mask := shapeMask(b, box)
	defer mask.Close()

	// White canvas, disc interior copied on top through the mask.
	out := gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(255, 255, 255, 0),
		box.Dy(), box.Dx(), gocv.MatTypeCV8UC3,
	)
	cropped.CopyToWithMask(&out, mask)
	return out, nil
}

// shapeMask draws the border shape filled white on black, in coordinates
// local to the crop box.
func shapeMask(b *border.Border, box image.Rectangle) gocv.Mat {
	mask := gocv.Zeros(box.Dy(), box.Dx(), gocv.MatTypeCV8U)
	center := image.Pt(b.Center.X-box.Min.X, b.Center.Y-box.Min.Y)

	switch b.Type {
	case border.TypeCircle:
		gocv.Circle(&mask, center, b.Radius, white, -1)
	case border.TypeEllipse:
		gocv.Ellipse(&mask, center, image.Pt(b.Axes.Major, b.Axes.Minor), b.Angle, 0, 360, white, -1)
	}
	return mask
}

// EncodeImage serializes a Mat back to PNG or JPEG bytes for persistence.
func EncodeImage(img gocv.Mat, format Format) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.FileExt(format), img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}
