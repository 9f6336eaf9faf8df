package encoder

import (
	"fmt"
	"os"

	"discserver/internal/config"
	"discserver/internal/logger"
)

// CLIP image tower constants (ViT-B/32 visual branch).
const (
	clipInputEdge = 224
	clipDimension = 512
)

// NewCLIP loads the CLIP visual tower from its ONNX export. Only the
// image branch is used; the text tower never ships with the model file.
func NewCLIP(cfg *config.Config, log *logger.Logger) (Encoder, error) {
	if _, err := os.Stat(cfg.ClipModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ClipModelPath)
	}

	net, err := initNet(cfg.ClipModelPath, cfg.EncoderUseCUDA, log)
	if err != nil {
		return nil, err
	}

	log.Info("CLIP encoder initialized from %s", cfg.ClipModelPath)
	return &dnnEncoder{
		name: config.EncoderCLIP,
		dim:  clipDimension,
		spec: preprocessSpec{
			inputEdge: clipInputEdge,
			mean:      [3]float64{0.48145466, 0.4578275, 0.40821073},
			std:       [3]float64{0.26862954, 0.26130258, 0.27577711},
		},
		net:    net,
		logger: log,
	}, nil
}
