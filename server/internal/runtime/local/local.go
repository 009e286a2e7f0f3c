// Package local implements an in-process CPU runtime backend.
//
// The backend does not host real networks. It runs a Karras-schedule sampler
// over a prompt-conditioned denoiser and decodes latents into implicit
// surfaces that are meshed with dual contouring. It is meant for development
// and tests on machines without the model runtime.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// Model names understood by the backend.
const (
	ModelTransmitter = "transmitter"
	ModelDecoder     = "decoder"
	ModelText300M    = "text300M"
	ModelImage300M   = "image300M"

	// ConfigDiffusion is the name of the built-in diffusion configuration.
	ConfigDiffusion = "diffusion"
)

// Options configures the Backend.
type Options struct {
	// LatentDim is the size of sampled latents.
	LatentDim int
	// MeshCells is the resolution of the dual contouring grid along the
	// longest side of the surface bounds.
	MeshCells int
	// ConfigDir is searched for "<name>.yaml" diffusion configs. Optional.
	ConfigDir string
	// Seed makes the sampling noise reproducible when non-zero.
	Seed uint64
}

// New creates a new Backend.
func New(opts Options, logger logr.Logger) (*Backend, error) {
	if opts.LatentDim < minLatentDim {
		return nil, fmt.Errorf("latent dim must be at least %d", minLatentDim)
	}
	if opts.MeshCells <= 0 {
		return nil, fmt.Errorf("mesh cells must be greater than 0")
	}
	return &Backend{
		opts:   opts,
		logger: logger.WithName("local"),
	}, nil
}

// Backend is a runtime.Backend running on the CPU.
type Backend struct {
	opts   Options
	logger logr.Logger
}

var _ runtime.Backend = (*Backend)(nil)

// DetectDevice always returns the CPU.
func (b *Backend) DetectDevice(ctx context.Context) (runtime.Device, error) {
	return runtime.DeviceCPU, nil
}

// LoadModel loads the named model.
func (b *Backend) LoadModel(ctx context.Context, name string, device runtime.Device, path string) (*runtime.Model, error) {
	switch name {
	case ModelTransmitter, ModelDecoder, ModelText300M, ModelImage300M:
	default:
		return nil, fmt.Errorf("unknown model %q", name)
	}
	if device != runtime.DeviceCPU {
		return nil, fmt.Errorf("device %q is not available", device)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("checkpoint for %q: %s", name, err)
		}
	}
	b.logger.Info("Loaded model", "name", name, "device", device, "path", path)
	return &runtime.Model{
		Name:      name,
		Device:    device,
		LatentDim: b.opts.LatentDim,
	}, nil
}

// LoadConfig reads the named diffusion config from the config directory,
// either "<name>/config.yaml" or "<name>.yaml". The built-in diffusion
// config is used when neither exists.
func (b *Backend) LoadConfig(ctx context.Context, name string) (*runtime.DiffusionConfig, error) {
	if b.opts.ConfigDir != "" {
		for _, path := range []string{
			filepath.Join(b.opts.ConfigDir, name, "config.yaml"),
			filepath.Join(b.opts.ConfigDir, name+".yaml"),
		} {
			c, err := readConfig(path)
			if err != nil {
				return nil, err
			}
			if c != nil {
				return c, nil
			}
		}
	}
	if name != ConfigDiffusion {
		return nil, fmt.Errorf("unknown config %q", name)
	}
	return &runtime.DiffusionConfig{
		Schedule:  "exp",
		Timesteps: 1024,
		MeanType:  "x_start",
		VarType:   "fixed_small",
		LossType:  "mse",
		SigmaData: defaultSigmaData,
	}, nil
}

// readConfig returns nil if the file does not exist.
func readConfig(path string) (*runtime.DiffusionConfig, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %s", path, err)
	}
	var c runtime.DiffusionConfig
	if err := yaml.Unmarshal(bs, &c); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %s", path, err)
	}
	if c.SigmaData <= 0 {
		c.SigmaData = defaultSigmaData
	}
	return &c, nil
}

// SampleLatents samples one latent per text.
func (b *Backend) SampleLatents(ctx context.Context, req *runtime.SampleRequest) ([]runtime.Latent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Model.Name != ModelText300M {
		return nil, fmt.Errorf("model %q does not take text conditioning", req.Model.Name)
	}
	if !req.Options.UseKarras {
		return nil, fmt.Errorf("only the karras sampler is supported")
	}

	s := &sampler{
		dim:       req.Model.LatentDim,
		sigmaData: req.Diffusion.SigmaData,
		guidance:  req.GuidanceScale,
		opts:      req.Options,
		logger:    b.logger,
	}
	if s.sigmaData <= 0 {
		s.sigmaData = defaultSigmaData
	}

	latents := make([]runtime.Latent, req.BatchSize)
	for i, text := range req.Texts {
		l, err := s.sample(ctx, text, b.noiseSource(i))
		if err != nil {
			return nil, err
		}
		latents[i] = l
	}
	return latents, nil
}

// DecodeMesh decodes the latent into a mesh.
func (b *Backend) DecodeMesh(ctx context.Context, transmitter *runtime.Model, latent runtime.Latent) (*mesh.TriMesh, error) {
	if transmitter == nil {
		return nil, fmt.Errorf("transmitter must be set")
	}
	switch transmitter.Name {
	case ModelTransmitter, ModelDecoder:
	default:
		return nil, fmt.Errorf("model %q cannot decode latents", transmitter.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := decode(latent, b.opts.MeshCells)
	if err != nil {
		return nil, err
	}
	b.logger.V(2).Info("Decoded mesh", "vertices", len(m.Vertices), "faces", len(m.Faces))
	return m, nil
}
