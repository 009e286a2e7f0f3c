package registry

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/go-logr/logr"
)

// Config names what the registry loads.
type Config struct {
	// Device is "auto", "cuda" or "cpu".
	Device          string
	Transmitter     string
	TextModel       string
	DiffusionConfig string
	// ModelDir holds one directory per model. Empty lets the backend resolve
	// models by name.
	ModelDir string
}

// StartupError is returned when the registry cannot be initialized.
type StartupError struct {
	// Step is the initialization step that failed.
	Step string
	Err  error
}

// Error implements error.
func (e *StartupError) Error() string {
	return fmt.Sprintf("registry %s: %s", e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *StartupError) Unwrap() error {
	return e.Err
}

// R holds the loaded models. It is immutable after Initialize returns.
type R struct {
	device      runtime.Device
	transmitter *runtime.Model
	textModel   *runtime.Model
	diffusion   runtime.DiffusionConfig
}

// Initialize selects the device and loads the transmitter, the text model
// and the diffusion config.
func Initialize(ctx context.Context, backend runtime.Backend, c Config, logger logr.Logger) (*R, error) {
	log := logger.WithName("registry")

	device, err := runtime.ParseDevice(c.Device)
	if err != nil {
		return nil, &StartupError{Step: "select device", Err: err}
	}
	if device == runtime.DeviceAuto {
		if device, err = backend.DetectDevice(ctx); err != nil {
			return nil, &StartupError{Step: "select device", Err: err}
		}
	}
	log.Info("Selected device", "device", device)

	load := func(name string) (*runtime.Model, error) {
		var path string
		if c.ModelDir != "" {
			path = filepath.Join(c.ModelDir, name)
		}
		m, err := backend.LoadModel(ctx, name, device, path)
		if err != nil {
			return nil, &StartupError{Step: fmt.Sprintf("load model %q", name), Err: err}
		}
		return m, nil
	}

	xm, err := load(c.Transmitter)
	if err != nil {
		return nil, err
	}
	text, err := load(c.TextModel)
	if err != nil {
		return nil, err
	}
	if text.LatentDim <= 0 {
		return nil, &StartupError{
			Step: fmt.Sprintf("load model %q", c.TextModel),
			Err:  fmt.Errorf("invalid latent dim %d", text.LatentDim),
		}
	}
	diffusion, err := backend.LoadConfig(ctx, c.DiffusionConfig)
	if err != nil {
		return nil, &StartupError{Step: fmt.Sprintf("load config %q", c.DiffusionConfig), Err: err}
	}

	log.Info("Initialized",
		"transmitter", xm.Name,
		"textModel", text.Name,
		"latentDim", text.LatentDim,
		"diffusion", c.DiffusionConfig,
	)
	return &R{
		device:      device,
		transmitter: xm,
		textModel:   text,
		diffusion:   *diffusion,
	}, nil
}

// Device returns the device the models run on.
func (r *R) Device() runtime.Device {
	return r.device
}

// Transmitter returns the latent-to-mesh model.
func (r *R) Transmitter() *runtime.Model {
	return r.transmitter
}

// TextModel returns the text-conditioned generative model.
func (r *R) TextModel() *runtime.Model {
	return r.textModel
}

// Diffusion returns a copy of the diffusion config.
func (r *R) Diffusion() runtime.DiffusionConfig {
	return r.diffusion
}
