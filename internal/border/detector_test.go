package border

import (
	"image"
	"image/color"
	"math"
	"testing"

	"gocv.io/x/gocv"

	"discserver/internal/config"
	"discserver/internal/logger"
)

func testDetector(floor float64) *Detector {
	cfg := &config.Config{
		MinRadiusRatio:            0.25,
		MaxRadiusRatio:            1.0,
		BorderConfidenceThreshold: floor,
	}
	return NewDetector(cfg, logger.NewNop())
}

// syntheticDisc draws a filled dark circle on a white canvas.
func syntheticDisc(size, cx, cy, radius int) gocv.Mat {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), size, size, gocv.MatTypeCV8UC3)
	gocv.Circle(&img, image.Pt(cx, cy), radius, color.RGBA{R: 40, G: 90, B: 160, A: 0}, -1)
	return img
}

func TestDetect_CenteredDisc(t *testing.T) {
	img := syntheticDisc(400, 200, 200, 120)
	defer img.Close()

	d := testDetector(0.5)
	b := d.Detect(img)
	if b == nil {
		t.Fatal("Expected a border on a centered synthetic disc")
	}

	if b.Type != TypeCircle && b.Type != TypeEllipse {
		t.Fatalf("Unexpected border type %q", b.Type)
	}
	if dx, dy := b.Center.X-200, b.Center.Y-200; math.Hypot(float64(dx), float64(dy)) > 20 {
		t.Errorf("Center (%d, %d) too far from (200, 200)", b.Center.X, b.Center.Y)
	}
	if b.Confidence < 0.5 || b.Confidence > 1 {
		t.Errorf("Confidence %g outside expected range", b.Confidence)
	}
	if b.Type == TypeCircle && (b.Radius < 95 || b.Radius > 145) {
		t.Errorf("Radius %d too far from 120", b.Radius)
	}
}

func TestDetect_BlankImage(t *testing.T) {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 300, 300, gocv.MatTypeCV8UC3)
	defer img.Close()

	d := testDetector(0.5)
	if b := d.Detect(img); b != nil {
		t.Errorf("Expected no border on a blank image, got %+v", b)
	}
}

func TestDetect_EmptyMat(t *testing.T) {
	img := gocv.NewMat()
	defer img.Close()

	d := testDetector(0.5)
	if b := d.Detect(img); b != nil {
		t.Errorf("Expected no border on an empty Mat, got %+v", b)
	}
}

func TestDetect_ConfidenceFloor(t *testing.T) {
	// A floor above the center-proximity score of an off-center disc
	// must reject the detection.
	img := syntheticDisc(400, 120, 120, 110)
	defer img.Close()

	strict := testDetector(0.99)
	if b := strict.Detect(img); b != nil {
		t.Errorf("Expected rejection below floor 0.99, got confidence %g", b.Confidence)
	}
}

func TestCenterProximity(t *testing.T) {
	tests := []struct {
		name          string
		x, y          float64
		width, height int
		want          float64
	}{
		{"dead center", 100, 100, 200, 200, 1.0},
		{"corner", 0, 0, 200, 200, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := centerProximity(tt.x, tt.y, tt.width, tt.height)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("centerProximity(%g, %g) = %g, want %g", tt.x, tt.y, got, tt.want)
			}
		})
	}
}
