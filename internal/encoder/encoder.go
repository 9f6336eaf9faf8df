package encoder

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"

	"discserver/internal/logger"
)

// MaxDimension is the physical width of the embedding column. Encoders
// with a smaller native dimension are right-zero-padded; cosine
// similarity is invariant to the padding.
const MaxDimension = 768

// ErrDegenerateEmbedding marks a zero-norm output vector. Such embeddings
// carry no direction and must never be inserted into the store.
var ErrDegenerateEmbedding = errors.New("degenerate embedding: zero norm")

// Encoder turns an image into an L2-normalized feature vector of its
// native dimension. Embed is deterministic for a fixed input.
type Encoder interface {
	Name() string
	Dimension() int
	Embed(img gocv.Mat) ([]float32, error)
}

// preprocessSpec holds the per-backend input constants: square input edge
// and per-channel RGB normalization.
type preprocessSpec struct {
	inputEdge int
	mean      [3]float64
	std       [3]float64
}

// dnnEncoder runs an ONNX image tower through OpenCV's DNN module. The
// net is not reentrant, so Forward is serialized behind a mutex;
// inference dominates latency anyway and queueing is acceptable.
type dnnEncoder struct {
	name   string
	dim    int
	spec   preprocessSpec
	net    gocv.Net
	mu     sync.Mutex
	logger *logger.Logger
}

func (e *dnnEncoder) Name() string   { return e.name }
func (e *dnnEncoder) Dimension() int { return e.dim }

// Embed preprocesses the BGR Mat and runs the network. When the export
// returns the full token sequence instead of a pooled feature, the CLS
// token occupies the leading row, so reading the first Dimension floats
// covers both layouts.
func (e *dnnEncoder) Embed(img gocv.Mat) ([]float32, error) {
	if img.Empty() {
		return nil, fmt.Errorf("cannot embed empty image")
	}

	blob, err := preprocess(img, e.spec)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	e.mu.Lock()
	e.net.SetInput(blob, "")
	output := e.net.Forward("")
	e.mu.Unlock()
	defer output.Close()

	if output.Empty() || output.Total() < e.dim {
		return nil, fmt.Errorf("%s: network output has %d values, want at least %d", e.name, output.Total(), e.dim)
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read network output: %w", e.name, err)
	}

	vec := make([]float32, e.dim)
	copy(vec, data[:e.dim])
	return l2Normalize(vec)
}

// initNet loads an ONNX model and pins it to the requested target.
// The CUDA target falls back to CPU, with a warning, when unavailable.
func initNet(modelPath string, useCUDA bool, log *logger.Logger) (gocv.Net, error) {
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return gocv.Net{}, fmt.Errorf("failed to load network from %s", modelPath)
	}

	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return gocv.Net{}, fmt.Errorf("failed to set network backend: %w", err)
	}

	target := gocv.NetTargetCPU
	if useCUDA {
		target = gocv.NetTargetCUDA
	}
	if err := net.SetPreferableTarget(target); err != nil {
		if !useCUDA {
			net.Close()
			return gocv.Net{}, fmt.Errorf("failed to set network target: %w", err)
		}
		log.Warning("CUDA target unavailable, falling back to CPU: %v", err)
		if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
			net.Close()
			return gocv.Net{}, fmt.Errorf("failed to set network target: %w", err)
		}
	}

	return net, nil
}

// preprocess converts BGR to RGB, resizes the short edge to the input
// edge with Lanczos resampling, center-crops a square, scales to [0, 1],
// applies per-channel normalization, and packs an NCHW blob.
func preprocess(img gocv.Mat, spec preprocessSpec) (gocv.Mat, error) {
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(img, &rgb, gocv.ColorBGRToRGB)

	width := rgb.Cols()
	height := rgb.Rows()
	minDim := width
	if height < minDim {
		minDim = height
	}
	if minDim == 0 {
		return gocv.Mat{}, fmt.Errorf("cannot preprocess empty image")
	}

	scale := float64(spec.inputEdge) / float64(minDim)
	newW := int(math.Round(float64(width) * scale))
	newH := int(math.Round(float64(height) * scale))
	if newW < spec.inputEdge {
		newW = spec.inputEdge
	}
	if newH < spec.inputEdge {
		newH = spec.inputEdge
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(rgb, &resized, image.Pt(newW, newH), 0, 0, gocv.InterpolationLanczos4)

	cropRect := centerSquare(newW, newH, spec.inputEdge)
	region := resized.Region(cropRect)
	cropped := region.Clone()
	region.Close()
	defer cropped.Close()

	scaled := gocv.NewMat()
	defer scaled.Close()
	cropped.ConvertToWithParams(&scaled, gocv.MatTypeCV32FC3, 1.0/255.0, 0)

	meanMat := gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(spec.mean[0], spec.mean[1], spec.mean[2], 0),
		spec.inputEdge, spec.inputEdge, gocv.MatTypeCV32FC3,
	)
	defer meanMat.Close()
	stdMat := gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(spec.std[0], spec.std[1], spec.std[2], 0),
		spec.inputEdge, spec.inputEdge, gocv.MatTypeCV32FC3,
	)
	defer stdMat.Close()

	centered := gocv.NewMat()
	defer centered.Close()
	gocv.Subtract(scaled, meanMat, &centered)

	normalized := gocv.NewMat()
	defer normalized.Close()
	gocv.Divide(centered, stdMat, &normalized)

	blob := gocv.BlobFromImage(
		normalized, 1.0,
		image.Pt(spec.inputEdge, spec.inputEdge),
		gocv.NewScalar(0, 0, 0, 0),
		false, // channels already in RGB order
		false,
	)
	return blob, nil
}

// centerSquare returns a side x side rectangle centered in a width x
// height raster.
func centerSquare(width, height, side int) image.Rectangle {
	x := (width - side) / 2
	y := (height - side) / 2
	return image.Rect(x, y, x+side, y+side)
}

// l2Normalize scales vec to unit length in place. A zero-norm input
// yields the canonical zero vector and ErrDegenerateEmbedding.
func l2Normalize(vec []float32) ([]float32, error) {
	v64 := make([]float64, len(vec))
	for i, v := range vec {
		v64[i] = float64(v)
	}

	norm := floats.Norm(v64, 2)
	if norm < 1e-12 {
		for i := range vec {
			vec[i] = 0
		}
		return vec, ErrDegenerateEmbedding
	}

	for i := range vec {
		vec[i] = float32(v64[i] / norm)
	}
	return vec, nil
}

// PadToMax right-zero-pads a native vector to the physical column width.
func PadToMax(vec []float32) []float32 {
	if len(vec) >= MaxDimension {
		return vec[:MaxDimension]
	}
	padded := make([]float32, MaxDimension)
	copy(padded, vec)
	return padded
}
