package encoder

import (
	"fmt"
	"os"

	"discserver/internal/config"
	"discserver/internal/logger"
)

// DINOv2 base variant constants. The base variant emits a 768-dim CLS
// feature and therefore needs no padding; small (384) and large (1024)
// variants only change these numbers.
const (
	dinov2InputEdge = 224
	dinov2Dimension = 768
)

// NewDINOv2 loads the DINOv2 vision transformer from its ONNX export.
func NewDINOv2(cfg *config.Config, log *logger.Logger) (Encoder, error) {
	if _, err := os.Stat(cfg.DinoV2ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.DinoV2ModelPath)
	}

	net, err := initNet(cfg.DinoV2ModelPath, cfg.EncoderUseCUDA, log)
	if err != nil {
		return nil, err
	}

	log.Info("DINOv2 encoder initialized from %s", cfg.DinoV2ModelPath)
	return &dnnEncoder{
		name: config.EncoderDINOv2,
		dim:  dinov2Dimension,
		spec: preprocessSpec{
			// ImageNet normalization, per the published constants.
			inputEdge: dinov2InputEdge,
			mean:      [3]float64{0.485, 0.456, 0.406},
			std:       [3]float64{0.229, 0.224, 0.225},
		},
		net:    net,
		logger: log,
	}, nil
}
