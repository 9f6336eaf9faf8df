package encoder

import (
	"fmt"
	"sync"

	"discserver/internal/config"
	"discserver/internal/logger"
)

// The registry holds the single active encoder for the process. It is
// constructed lazily on first use and cached for the process lifetime;
// the store records each row's encoder name independently, so swapping
// the configured encoder between runs never invalidates stored rows.
var registry struct {
	mu     sync.Mutex
	active Encoder
	err    error
	done   bool
}

// Active returns the configured encoder, constructing it on first call.
// An unknown encoder type is a configuration error.
func Active(cfg *config.Config, log *logger.Logger) (Encoder, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.done {
		return registry.active, registry.err
	}

	switch cfg.EncoderType {
	case config.EncoderCLIP:
		registry.active, registry.err = NewCLIP(cfg, log)
	case config.EncoderDINOv2:
		registry.active, registry.err = NewDINOv2(cfg, log)
	default:
		registry.err = fmt.Errorf("unknown encoder type: %q", cfg.EncoderType)
	}
	registry.done = true
	return registry.active, registry.err
}

// Override installs enc as the active encoder, bypassing construction.
// Tests inject a fake encoder through this before first use of Active.
func Override(enc Encoder) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.active = enc
	registry.err = nil
	registry.done = true
}

// ResetRegistry clears the cached encoder so the next Active call
// constructs again. Test helper.
func ResetRegistry() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.active = nil
	registry.err = nil
	registry.done = false
}
