package border

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"discserver/internal/config"
	"discserver/internal/logger"
)

const (
	cannyHighThreshold  = 150 // param1 for Hough gradient voting
	houghAccumThreshold = 30  // accumulator votes required for a candidate
	minContourPoints    = 5   // fitEllipse needs at least 5 points
	minAspectRatio      = 0.7 // discs are near-circular, reject elongated fits
	minConvexity        = 0.8
	offImageMarginRatio = 0.05
)

// Detector locates the circular or elliptical outline of a disc in an
// image. Detection is best effort: a nil result means the full image
// should be used downstream.
type Detector struct {
	minRadiusRatio  float64
	maxRadiusRatio  float64
	confidenceFloor float64
	logger          *logger.Logger
}

// NewDetector creates a detector with radius bounds and confidence floor
// from configuration.
func NewDetector(cfg *config.Config, log *logger.Logger) *Detector {
	return &Detector{
		minRadiusRatio:  cfg.MinRadiusRatio,
		maxRadiusRatio:  cfg.MaxRadiusRatio,
		confidenceFloor: cfg.BorderConfidenceThreshold,
		logger:          log,
	}
}

// Detect runs the circle stage and, if it yields nothing above the
// confidence floor, the ellipse fallback. img must be a BGR Mat.
func (d *Detector) Detect(img gocv.Mat) *Border {
	if img.Empty() {
		return nil
	}

	if b := d.detectCircle(img); b != nil {
		return b
	}
	return d.detectEllipse(img)
}

// detectCircle runs Hough gradient voting over (x, y, r) triples.
func (d *Detector) detectCircle(img gocv.Mat) *Border {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(9, 9), 2, 2, gocv.BorderDefault)

	width := img.Cols()
	height := img.Rows()
	minDim := width
	if height < minDim {
		minDim = height
	}
	minRadius := int(d.minRadiusRatio * float64(minDim) / 2)
	maxRadius := int(d.maxRadiusRatio * float64(minDim) / 2)
	if minRadius < 1 {
		minRadius = 1
	}

	circles := gocv.NewMat()
	defer circles.Close()
	gocv.HoughCirclesWithParams(
		blurred,
		&circles,
		gocv.HoughGradient,
		1,                  // dp: accumulator at full resolution
		float64(minRadius), // minDist between candidate centers
		cannyHighThreshold,
		houghAccumThreshold,
		minRadius,
		maxRadius,
	)

	if circles.Empty() || circles.Cols() == 0 {
		d.logger.Info("No circles detected")
		return nil
	}

	best := d.selectBestCircle(circles, width, height)
	if best == nil {
		return nil
	}

	x, y, r := best[0], best[1], best[2]
	margin := offImageMarginRatio * float64(minDim)
	if float64(x) < -margin || float64(x) > float64(width)+margin ||
		float64(y) < -margin || float64(y) > float64(height)+margin {
		d.logger.Info("Circle center (%d, %d) off image, rejecting", x, y)
		return nil
	}
	if r < minRadius || r > maxRadius {
		return nil
	}

	confidence := centerProximity(float64(x), float64(y), width, height)
	if confidence < d.confidenceFloor {
		d.logger.Info("Circle confidence %.2f below floor %.2f", confidence, d.confidenceFloor)
		return nil
	}

	d.logger.Info("Circle detected: center=(%d, %d), radius=%d, confidence=%.2f", x, y, r, confidence)
	return Circle(x, y, r, confidence)
}

// selectBestCircle scores candidates by position (60%) and radius (40%),
// breaking ties toward the larger radius.
func (d *Detector) selectBestCircle(circles gocv.Mat, width, height int) []int {
	var best []int
	bestScore := -1.0

	maxDim := width
	if height > maxDim {
		maxDim = height
	}

	for i := 0; i < circles.Cols(); i++ {
		v := circles.GetVecfAt(0, i)
		if len(v) < 3 {
			continue
		}
		x := float64(v[0])
		y := float64(v[1])
		r := float64(v[2])

		positionScore := centerProximity(x, y, width, height)
		radiusScore := r / float64(maxDim)
		score := positionScore*0.6 + radiusScore*0.4

		if score > bestScore || (score == bestScore && best != nil && int(math.Round(r)) > best[2]) {
			bestScore = score
			best = []int{int(math.Round(x)), int(math.Round(y)), int(math.Round(r))}
		}
	}
	return best
}

// detectEllipse binarizes the image, extracts external contours, and fits
// an ellipse to each plausible one.
func (d *Detector) detectEllipse(img gocv.Mat) *Border {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	bin := gocv.NewMat()
	defer bin.Close()
	gocv.AdaptiveThreshold(blurred, &bin, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinaryInv, 11, 2)

	contours := gocv.FindContours(bin, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	if contours.Size() == 0 {
		d.logger.Info("No contours found for ellipse detection")
		return nil
	}

	width := img.Cols()
	height := img.Rows()
	minDim := width
	if height < minDim {
		minDim = height
	}
	minArea := math.Pi * math.Pow(d.minRadiusRatio*float64(minDim)/2, 2)
	imageArea := float64(width * height)

	var best *Border
	bestScore := 0.0
	bestArea := 0.0

	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		if contour.Size() < minContourPoints {
			continue
		}

		area := gocv.ContourArea(contour)
		if area < minArea {
			continue
		}
		if convexity(contour, area) < minConvexity {
			continue
		}

		fit := gocv.FitEllipse(contour)
		major := float64(fit.Width) / 2
		minor := float64(fit.Height) / 2
		if minor > major {
			major, minor = minor, major
		}
		if major <= 0 || minor/major < minAspectRatio {
			continue
		}

		positionScore := centerProximity(float64(fit.Center.X), float64(fit.Center.Y), width, height)
		sizeScore := area / imageArea
		score := positionScore*0.6 + sizeScore*0.4

		if score > bestScore || (score == bestScore && area > bestArea) {
			bestScore = score
			bestArea = area
			best = Ellipse(
				fit.Center.X, fit.Center.Y,
				int(math.Round(float64(fit.Width)/2)), int(math.Round(float64(fit.Height)/2)),
				fit.Angle, score,
			)
		}
	}

	if best == nil {
		d.logger.Info("No suitable ellipse found")
		return nil
	}
	if best.Confidence < d.confidenceFloor {
		d.logger.Info("Ellipse confidence %.2f below floor %.2f", best.Confidence, d.confidenceFloor)
		return nil
	}

	d.logger.Info("Ellipse detected: center=(%d, %d), axes=(%d, %d), angle=%.1f, confidence=%.2f",
		best.Center.X, best.Center.Y, best.Axes.Major, best.Axes.Minor, best.Angle, best.Confidence)
	return best
}

// convexity is the ratio of contour area to its convex hull area.
func convexity(contour gocv.PointVector, area float64) float64 {
	hull := gocv.NewMat()
	defer hull.Close()
	gocv.ConvexHull(contour, &hull, false, true)

	hullPoints := gocv.NewPointVectorFromMat(hull)
	defer hullPoints.Close()

	hullArea := gocv.ContourArea(hullPoints)
	if hullArea <= 0 {
		return 0
	}
	return area / hullArea
}

// centerProximity scores how close (x, y) is to the image center, 1 at
// the center and 0 at the corners.
func centerProximity(x, y float64, width, height int) float64 {
	centerX := float64(width) / 2
	centerY := float64(height) / 2
	distance := math.Hypot(x-centerX, y-centerY)
	maxDistance := math.Hypot(centerX, centerY)
	if maxDistance == 0 {
		return 0
	}
	return 1.0 - distance/maxDistance
}
