package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/registry"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/go-logr/logr"
)

// DefaultGuidanceScale is the classifier-free guidance scale used for generation.
const DefaultGuidanceScale = 15.0

// DefaultSamplingOptions is the fixed sampler configuration.
var DefaultSamplingOptions = runtime.SampleOptions{
	Progress:     false,
	ClipDenoised: true,
	UseFP16:      true,
	UseKarras:    true,
	KarrasSteps:  64,
	SigmaMin:     1e-3,
	SigmaMax:     160,
	SChurn:       0,
}

// ErrInvalidInput is wrapped by errors returned for invalid arguments.
var ErrInvalidInput = errors.New("invalid input")

// New creates a new pipeline.
func New(r *registry.R, backend runtime.Backend, logger logr.Logger) *P {
	return &P{
		registry: r,
		backend:  backend,
		logger:   logger.WithName("pipeline"),
	}
}

// P turns prompts into latents.
type P struct {
	registry *registry.R
	backend  runtime.Backend
	logger   logr.Logger
}

// SampleLatents samples batchSize latents conditioned on the prompt.
func (p *P) SampleLatents(ctx context.Context, prompt string, batchSize int, guidanceScale float64) ([]runtime.Latent, error) {
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt must not be empty", ErrInvalidInput)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be at least 1", ErrInvalidInput)
	}
	if guidanceScale <= 0 {
		return nil, fmt.Errorf("%w: guidance scale must be greater than 0", ErrInvalidInput)
	}

	texts := make([]string, batchSize)
	for i := range texts {
		texts[i] = prompt
	}
	req := &runtime.SampleRequest{
		Model:         p.registry.TextModel(),
		Diffusion:     p.registry.Diffusion(),
		BatchSize:     batchSize,
		GuidanceScale: guidanceScale,
		Texts:         texts,
		Options:       DefaultSamplingOptions,
	}

	log := logr.FromContextOrDiscard(ctx)
	log.V(1).Info("Sampling latents", "batchSize", batchSize, "guidanceScale", guidanceScale)
	latents, err := p.backend.SampleLatents(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sample latents: %w", err)
	}
	if len(latents) != batchSize {
		return nil, fmt.Errorf("sample latents: got %d latents for batch size %d", len(latents), batchSize)
	}
	return latents, nil
}
