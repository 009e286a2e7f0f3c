package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
	testutil "github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/test"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is a sidecar that becomes ready after a number of requests.
type fakeRuntime struct {
	unavailable atomic.Int32

	mu         sync.Mutex
	lastSample map[string]any
}

func (f *fakeRuntime) sample() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSample
}

func (f *fakeRuntime) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	ready := func(w http.ResponseWriter) bool {
		if f.unavailable.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return false
		}
		return true
	}
	mux.HandleFunc("GET /v1/device", func(w http.ResponseWriter, r *http.Request) {
		if !ready(w) {
			return
		}
		_, _ = w.Write([]byte(`{"device":"cuda"}`))
	})
	mux.HandleFunc("POST /v1/models/load", func(w http.ResponseWriter, r *http.Request) {
		if !ready(w) {
			return
		}
		var req struct {
			Name   string `json:"name"`
			Device string `json:"device"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Name == "missing" {
			http.Error(w, "no such model", http.StatusNotFound)
			return
		}
		assert.Equal(t, "cuda", req.Device)
		_ = json.NewEncoder(w).Encode(map[string]any{"name": req.Name, "latent_dim": 3})
	})
	mux.HandleFunc("GET /v1/configs/{name}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"schedule": "exp", "timesteps": 1024, "sigma_data": 0.5})
	})
	mux.HandleFunc("POST /v1/sample", func(w http.ResponseWriter, r *http.Request) {
		req := map[string]any{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.lastSample = req
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"latents": []string{
				EncodeLatent(runtime.Latent{1, 2, 3}),
				EncodeLatent(runtime.Latent{4, 5, 6}),
			},
		})
	})
	mux.HandleFunc("POST /v1/decode", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Latent string `json:"latent"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		l, err := DecodeLatent(req.Latent)
		assert.NoError(t, err)
		if len(l) == 0 || l[0] < 0 {
			_, _ = w.Write([]byte(`{"vertices":[[0,0,0]],"faces":[[0,1,2]]}`))
			return
		}
		_, _ = w.Write([]byte(`{"vertices":[[0,0,0],[1,0,0],[0,1,0]],"faces":[[0,1,2]],"colors":[[1,0,0],[0,1,0],[0,0,1]]}`))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeRuntime) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{
		Address:        srv.Listener.Addr().String(),
		RequestTimeout: 5 * time.Second,
		LoadRetryCount: 5,
		RetryInterval:  time.Millisecond,
	}, testutil.NewTestLogger(t))
	require.NoError(t, err)
	return c
}

func TestLoad_RetriesUntilReady(t *testing.T) {
	f := &fakeRuntime{}
	f.unavailable.Store(3)
	c := newTestClient(t, f)
	ctx := context.Background()

	d, err := c.DetectDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, runtime.DeviceCUDA, d)

	m, err := c.LoadModel(ctx, "text300M", d, "")
	require.NoError(t, err)
	want := &runtime.Model{Name: "text300M", Device: runtime.DeviceCUDA, LatentDim: 3}
	assert.Empty(t, cmp.Diff(want, m))

	cfg, err := c.LoadConfig(ctx, "diffusion")
	require.NoError(t, err)
	assert.Equal(t, "exp", cfg.Schedule)
	assert.Equal(t, 0.5, cfg.SigmaData)
}

func TestLoad_RetryExceeded(t *testing.T) {
	f := &fakeRuntime{}
	f.unavailable.Store(100)
	c := newTestClient(t, f)

	_, err := c.DetectDevice(context.Background())
	assert.Error(t, err)
}

func TestLoadModel_NotFound(t *testing.T) {
	c := newTestClient(t, &fakeRuntime{})

	_, err := c.LoadModel(context.Background(), "missing", runtime.DeviceCUDA, "")
	assert.ErrorContains(t, err, "status 404")
}

func TestSampleLatents(t *testing.T) {
	f := &fakeRuntime{}
	c := newTestClient(t, f)

	ls, err := c.SampleLatents(context.Background(), &runtime.SampleRequest{
		Model:         &runtime.Model{Name: "text300M", LatentDim: 3},
		BatchSize:     2,
		GuidanceScale: 15,
		Texts:         []string{"a red chair", "a red chair"},
		Options: runtime.SampleOptions{
			UseKarras:   true,
			KarrasSteps: 64,
			SigmaMin:    1e-3,
			SigmaMax:    160,
		},
	})
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff([]runtime.Latent{{1, 2, 3}, {4, 5, 6}}, ls))

	req := f.sample()
	assert.Equal(t, "text300M", req["model"])
	assert.Equal(t, 2.0, req["batch_size"])
	assert.Equal(t, 64.0, req["karras_steps"])
	assert.Equal(t, true, req["use_karras"])
}

func TestDecodeMesh(t *testing.T) {
	c := newTestClient(t, &fakeRuntime{})
	xm := &runtime.Model{Name: "transmitter"}

	m, err := c.DecodeMesh(context.Background(), xm, runtime.Latent{1, 2, 3})
	require.NoError(t, err)
	want := &mesh.TriMesh{
		Vertices: []mesh.Vec3{{}, {X: 1}, {Y: 1}},
		Faces:    [][3]int{{0, 1, 2}},
		Colors:   []mesh.Color{{R: 1}, {G: 1}, {B: 1}},
	}
	assert.Empty(t, cmp.Diff(want, m))

	_, err = c.DecodeMesh(context.Background(), xm, runtime.Latent{-1})
	assert.ErrorContains(t, err, "invalid mesh")
}

func TestSampleLatents_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	// Unblock the handler before Close waits for it.
	defer close(release)
	c, err := NewClient(Options{Address: srv.URL, RequestTimeout: time.Minute}, testutil.NewTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.SampleLatents(ctx, &runtime.SampleRequest{
		Model:         &runtime.Model{Name: "text300M"},
		BatchSize:     1,
		GuidanceScale: 15,
		Texts:         []string{"x"},
		Options:       runtime.SampleOptions{UseKarras: true, KarrasSteps: 1, SigmaMin: 1, SigmaMax: 2},
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil)
}

func TestLatentCodec(t *testing.T) {
	l := runtime.Latent{0, -1.5, 3.25, 1e-7}
	got, err := DecodeLatent(EncodeLatent(l))
	require.NoError(t, err)
	assert.Equal(t, l, got)

	_, err = DecodeLatent("AAA=")
	assert.Error(t, err)
	_, err = DecodeLatent("!")
	assert.Error(t, err)
}
