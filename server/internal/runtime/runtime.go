package runtime

import (
	"context"
	"fmt"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
)

// Device is a compute device that models are placed on.
type Device string

const (
	// DeviceAuto selects an accelerator if one is available, and the CPU otherwise.
	DeviceAuto Device = "auto"
	// DeviceCUDA is a CUDA accelerator.
	DeviceCUDA Device = "cuda"
	// DeviceCPU is a general-purpose processor.
	DeviceCPU Device = "cpu"
)

// ParseDevice parses a device name. The empty string is DeviceAuto.
func ParseDevice(s string) (Device, error) {
	switch d := Device(s); d {
	case "":
		return DeviceAuto, nil
	case DeviceAuto, DeviceCUDA, DeviceCPU:
		return d, nil
	default:
		return "", fmt.Errorf("unknown device: %q", s)
	}
}

// Model is a handle to a network loaded by a backend.
type Model struct {
	Name   string `json:"name"`
	Device Device `json:"device"`
	// LatentDim is the size of the latents produced (or consumed) by the model.
	LatentDim int `json:"latent_dim"`
}

// DiffusionConfig is the configuration of the diffusion process.
type DiffusionConfig struct {
	Schedule  string `yaml:"schedule" json:"schedule"`
	Timesteps int    `yaml:"timesteps" json:"timesteps"`
	MeanType  string `yaml:"mean_type" json:"mean_type"`
	VarType   string `yaml:"var_type" json:"var_type"`
	LossType  string `yaml:"loss_type" json:"loss_type"`
	// SigmaData is the standard deviation of the data distribution used for
	// the Karras preconditioning.
	SigmaData float64 `yaml:"sigma_data" json:"sigma_data"`
}

// Latent is a latent vector produced by diffusion sampling.
type Latent []float32

// SampleOptions are the options of the diffusion sampler.
type SampleOptions struct {
	Progress     bool    `json:"progress"`
	ClipDenoised bool    `json:"clip_denoised"`
	UseFP16      bool    `json:"use_fp16"`
	UseKarras    bool    `json:"use_karras"`
	KarrasSteps  int     `json:"karras_steps"`
	SigmaMin     float64 `json:"sigma_min"`
	SigmaMax     float64 `json:"sigma_max"`
	SChurn       float64 `json:"s_churn"`
}

// SampleRequest is a request to sample latents.
type SampleRequest struct {
	Model         *Model
	Diffusion     DiffusionConfig
	BatchSize     int
	GuidanceScale float64
	// Texts holds one conditioning text per batch element.
	Texts   []string
	Options SampleOptions
}

// Validate validates the request.
func (r *SampleRequest) Validate() error {
	if r.Model == nil {
		return fmt.Errorf("model must be set")
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("batch size must be greater than 0")
	}
	if len(r.Texts) != r.BatchSize {
		return fmt.Errorf("got %d texts for batch size %d", len(r.Texts), r.BatchSize)
	}
	if r.GuidanceScale <= 0 {
		return fmt.Errorf("guidance scale must be greater than 0")
	}
	if r.Options.UseKarras && r.Options.KarrasSteps <= 0 {
		return fmt.Errorf("karras steps must be greater than 0")
	}
	if r.Options.SigmaMin <= 0 || r.Options.SigmaMax <= r.Options.SigmaMin {
		return fmt.Errorf("invalid sigma range [%v, %v]", r.Options.SigmaMin, r.Options.SigmaMax)
	}
	return nil
}

// Backend hosts the generative networks and runs sampling and decoding.
type Backend interface {
	// DetectDevice returns DeviceCUDA if an accelerator is available, and DeviceCPU otherwise.
	DetectDevice(ctx context.Context) (Device, error)
	// LoadModel loads the named model on the device. path is the local checkpoint
	// location; an empty path lets the backend resolve the name itself.
	LoadModel(ctx context.Context, name string, device Device, path string) (*Model, error)
	// LoadConfig loads the named diffusion configuration.
	LoadConfig(ctx context.Context, name string) (*DiffusionConfig, error)
	// SampleLatents runs diffusion sampling and returns one latent per batch element.
	SampleLatents(ctx context.Context, req *SampleRequest) ([]Latent, error)
	// DecodeMesh decodes a latent into a triangle mesh with the transmitter.
	DecodeMesh(ctx context.Context, transmitter *Model, latent Latent) (*mesh.TriMesh, error)
}
