package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
)

// NewFakeBackend returns a FakeBackend that produces a single triangle per latent.
func NewFakeBackend(device Device) *FakeBackend {
	return &FakeBackend{
		device:    device,
		latentDim: 4,
	}
}

// FakeBackend is a fake implementation of Backend.
type FakeBackend struct {
	device    Device
	latentDim int

	// LoadErr is returned from LoadModel for the model of the key.
	LoadErr map[string]error
	// ConfigErr is returned from LoadConfig.
	ConfigErr error
	// SampleErr is returned from SampleLatents.
	SampleErr error
	// DecodeErr is returned from DecodeMesh.
	DecodeErr error
	// SampleHook is called at the beginning of SampleLatents.
	SampleHook func(ctx context.Context) error
	// ExtraLatents is the number of latents returned on top of the batch size.
	ExtraLatents int

	mu          sync.Mutex
	loaded      []string
	sampleCalls int
	decodeCalls int
}

// DetectDevice returns the device given at construction.
func (b *FakeBackend) DetectDevice(ctx context.Context) (Device, error) {
	return b.device, nil
}

// LoadModel records the model name.
func (b *FakeBackend) LoadModel(ctx context.Context, name string, device Device, path string) (*Model, error) {
	if err, ok := b.LoadErr[name]; ok {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = append(b.loaded, name)
	return &Model{Name: name, Device: device, LatentDim: b.latentDim}, nil
}

// LoadConfig returns a fixed configuration.
func (b *FakeBackend) LoadConfig(ctx context.Context, name string) (*DiffusionConfig, error) {
	if b.ConfigErr != nil {
		return nil, b.ConfigErr
	}
	return &DiffusionConfig{Schedule: "exp", Timesteps: 1024, SigmaData: 0.5}, nil
}

// SampleLatents returns latents derived from the batch index.
func (b *FakeBackend) SampleLatents(ctx context.Context, req *SampleRequest) ([]Latent, error) {
	b.mu.Lock()
	b.sampleCalls++
	b.mu.Unlock()

	if b.SampleHook != nil {
		if err := b.SampleHook(ctx); err != nil {
			return nil, err
		}
	}
	if b.SampleErr != nil {
		return nil, b.SampleErr
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var ls []Latent
	for i := 0; i < req.BatchSize+b.ExtraLatents; i++ {
		l := make(Latent, req.Model.LatentDim)
		for j := range l {
			l[j] = float32(i + 1)
		}
		ls = append(ls, l)
	}
	return ls, nil
}

// DecodeMesh returns a triangle scaled by the first latent value.
func (b *FakeBackend) DecodeMesh(ctx context.Context, transmitter *Model, latent Latent) (*mesh.TriMesh, error) {
	b.mu.Lock()
	b.decodeCalls++
	b.mu.Unlock()

	if b.DecodeErr != nil {
		return nil, b.DecodeErr
	}
	if len(latent) == 0 {
		return nil, fmt.Errorf("empty latent")
	}
	s := float64(latent[0])
	return &mesh.TriMesh{
		Vertices: []mesh.Vec3{{}, {X: s}, {Y: s}},
		Faces:    [][3]int{{0, 1, 2}},
	}, nil
}

// LoadedModels returns the names of the loaded models in order.
func (b *FakeBackend) LoadedModels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.loaded...)
}

// SampleCalls returns the number of SampleLatents calls.
func (b *FakeBackend) SampleCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sampleCalls
}

// DecodeCalls returns the number of DecodeMesh calls.
func (b *FakeBackend) DecodeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decodeCalls
}
