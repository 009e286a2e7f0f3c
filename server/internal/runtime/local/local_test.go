package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	testutil "github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/test"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, opts Options) *Backend {
	if opts.LatentDim == 0 {
		opts.LatentDim = 128
	}
	if opts.MeshCells == 0 {
		opts.MeshCells = 16
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	b, err := New(opts, testutil.NewTestLogger(t))
	require.NoError(t, err)
	return b
}

func defaultOptions() runtime.SampleOptions {
	return runtime.SampleOptions{
		ClipDenoised: true,
		UseFP16:      true,
		UseKarras:    true,
		KarrasSteps:  16,
		SigmaMin:     1e-3,
		SigmaMax:     160,
	}
}

func TestNew(t *testing.T) {
	_, err := New(Options{LatentDim: 10, MeshCells: 16}, testutil.NewTestLogger(t))
	assert.Error(t, err)
	_, err = New(Options{LatentDim: 128}, testutil.NewTestLogger(t))
	assert.Error(t, err)
}

func TestLoadModel(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()

	m, err := b.LoadModel(ctx, ModelText300M, runtime.DeviceCPU, "")
	require.NoError(t, err)
	want := &runtime.Model{Name: ModelText300M, Device: runtime.DeviceCPU, LatentDim: 128}
	assert.Empty(t, cmp.Diff(want, m))

	_, err = b.LoadModel(ctx, "unknown", runtime.DeviceCPU, "")
	assert.Error(t, err)

	_, err = b.LoadModel(ctx, ModelTransmitter, runtime.DeviceCUDA, "")
	assert.Error(t, err)

	_, err = b.LoadModel(ctx, ModelTransmitter, runtime.DeviceCPU, filepath.Join(t.TempDir(), "missing.pt"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "transmitter.pt")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0644))
	_, err = b.LoadModel(ctx, ModelTransmitter, runtime.DeviceCPU, path)
	assert.NoError(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(`
schedule: cosine
timesteps: 64
mean_type: epsilon
`), 0644)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "downloaded"), 0755))
	err = os.WriteFile(filepath.Join(dir, "downloaded", "config.yaml"), []byte("timesteps: 32\nsigma_data: 0.8\n"), 0644)
	require.NoError(t, err)
	b := newTestBackend(t, Options{ConfigDir: dir})
	ctx := context.Background()

	c, err := b.LoadConfig(ctx, ConfigDiffusion)
	require.NoError(t, err)
	assert.Equal(t, "exp", c.Schedule)
	assert.Equal(t, 1024, c.Timesteps)
	assert.Equal(t, defaultSigmaData, c.SigmaData)

	c, err = b.LoadConfig(ctx, "custom")
	require.NoError(t, err)
	want := &runtime.DiffusionConfig{
		Schedule:  "cosine",
		Timesteps: 64,
		MeanType:  "epsilon",
		SigmaData: defaultSigmaData,
	}
	assert.Empty(t, cmp.Diff(want, c))

	c, err = b.LoadConfig(ctx, "downloaded")
	require.NoError(t, err)
	assert.Equal(t, 32, c.Timesteps)
	assert.Equal(t, 0.8, c.SigmaData)

	_, err = b.LoadConfig(ctx, "other")
	assert.Error(t, err)
}

func TestKarrasSigmas(t *testing.T) {
	sigmas := karrasSigmas(64, 1e-3, 160)
	require.Len(t, sigmas, 65)
	assert.InDelta(t, 160, sigmas[0], 1e-9)
	assert.InDelta(t, 1e-3, sigmas[63], 1e-12)
	assert.Equal(t, 0.0, sigmas[64])
	for i := 1; i < len(sigmas); i++ {
		assert.Less(t, sigmas[i], sigmas[i-1])
	}
}

func TestSampleLatents(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()
	model, err := b.LoadModel(ctx, ModelText300M, runtime.DeviceCPU, "")
	require.NoError(t, err)

	req := &runtime.SampleRequest{
		Model:         model,
		Diffusion:     runtime.DiffusionConfig{SigmaData: defaultSigmaData},
		BatchSize:     2,
		GuidanceScale: 15,
		Texts:         []string{"a red chair", "a red chair"},
		Options:       defaultOptions(),
	}
	ls, err := b.SampleLatents(ctx, req)
	require.NoError(t, err)
	require.Len(t, ls, 2)
	for _, l := range ls {
		assert.Len(t, l, model.LatentDim)
		for _, v := range l {
			assert.LessOrEqual(t, v, float32(1+1e-6))
			assert.GreaterOrEqual(t, v, float32(-1-1e-6))
		}
	}

	// Same seed, same prompt and index produce the same latent.
	again, err := b.SampleLatents(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ls[0], again[0])
	assert.NotEqual(t, ls[0], ls[1])
}

func TestSampleLatents_Errors(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()
	text, err := b.LoadModel(ctx, ModelText300M, runtime.DeviceCPU, "")
	require.NoError(t, err)
	image, err := b.LoadModel(ctx, ModelImage300M, runtime.DeviceCPU, "")
	require.NoError(t, err)

	newReq := func() *runtime.SampleRequest {
		return &runtime.SampleRequest{
			Model:         text,
			BatchSize:     1,
			GuidanceScale: 15,
			Texts:         []string{"a cube"},
			Options:       defaultOptions(),
		}
	}

	req := newReq()
	req.Model = image
	_, err = b.SampleLatents(ctx, req)
	assert.Error(t, err)

	req = newReq()
	req.Options.UseKarras = false
	_, err = b.SampleLatents(ctx, req)
	assert.Error(t, err)

	req = newReq()
	req.Texts = nil
	_, err = b.SampleLatents(ctx, req)
	assert.Error(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = b.SampleLatents(cctx, newReq())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPromptTarget(t *testing.T) {
	a := promptTarget("a red chair", 32)
	assert.Equal(t, a, promptTarget("a red chair", 32))
	assert.NotEqual(t, a, promptTarget("a blue table", 32))
	for _, v := range a {
		assert.LessOrEqual(t, v, targetScale)
		assert.GreaterOrEqual(t, v, -targetScale)
	}
}

func TestDecodeMesh(t *testing.T) {
	b := newTestBackend(t, Options{})
	ctx := context.Background()
	text, err := b.LoadModel(ctx, ModelText300M, runtime.DeviceCPU, "")
	require.NoError(t, err)
	xm, err := b.LoadModel(ctx, ModelTransmitter, runtime.DeviceCPU, "")
	require.NoError(t, err)

	ls, err := b.SampleLatents(ctx, &runtime.SampleRequest{
		Model:         text,
		Diffusion:     runtime.DiffusionConfig{SigmaData: defaultSigmaData},
		BatchSize:     1,
		GuidanceScale: 15,
		Texts:         []string{"a red chair"},
		Options:       defaultOptions(),
	})
	require.NoError(t, err)

	m, err := b.DecodeMesh(ctx, xm, ls[0])
	require.NoError(t, err)
	assert.NoError(t, m.Validate())
	assert.True(t, m.HasVertexColors())
	for _, c := range m.Colors {
		assert.True(t, c.R >= 0 && c.R <= 1 && c.G >= 0 && c.G <= 1 && c.B >= 0 && c.B <= 1)
	}

	_, err = b.DecodeMesh(ctx, text, ls[0])
	assert.Error(t, err)
	_, err = b.DecodeMesh(ctx, xm, ls[0][:minLatentDim-1])
	assert.Error(t, err)
}

func TestBlobField(t *testing.T) {
	latent := make(runtime.Latent, minLatentDim)
	blobs, err := blobsFromLatent(latent)
	require.NoError(t, err)
	require.Len(t, blobs, minBlobs)

	// A zero latent places every blob at the origin with the middle radius.
	f := newBlobField(blobs)
	r := minRadius + radiusRange/2
	assert.Less(t, f.Evaluate(blobs[0].center), -r+smoothK)
	bb := f.BoundingBox()
	assert.InDelta(t, -(r + boxPad), bb.Min.X, 1e-9)
	assert.InDelta(t, r+boxPad, bb.Max.Z, 1e-9)
}
