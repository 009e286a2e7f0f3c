// Package remote implements a runtime backend that talks to a model runtime
// sidecar over JSON/HTTP.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/httputil"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/go-logr/logr"
)

// Options configures the Client.
type Options struct {
	// Address is the runtime address, either "host:port" or a URL.
	Address string
	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
	// LoadRetryCount is the number of attempts for device detection and
	// model/config loading.
	LoadRetryCount int
	// RetryInterval is the wait between load attempts.
	RetryInterval time.Duration
}

// StatusError is returned when the runtime responds with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("runtime returned status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// NewClient creates a new Client.
func NewClient(opts Options, logger logr.Logger) (*Client, error) {
	addr := opts.Address
	if addr == "" {
		return nil, fmt.Errorf("address must be set")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address: %s", err)
	}
	return &Client{
		base:   *base,
		client: &http.Client{},
		opts:   opts,
		logger: logger.WithName("remote"),
	}, nil
}

// Client is a runtime.Backend backed by a model runtime sidecar.
type Client struct {
	base   url.URL
	client *http.Client
	opts   Options
	logger logr.Logger
}

var _ runtime.Backend = (*Client)(nil)

// DetectDevice asks the runtime which device it runs on.
func (c *Client) DetectDevice(ctx context.Context) (runtime.Device, error) {
	var resp struct {
		Device string `json:"device"`
	}
	if err := c.load(ctx, http.MethodGet, "/v1/device", nil, &resp); err != nil {
		return "", fmt.Errorf("detect device: %s", err)
	}
	d, err := runtime.ParseDevice(resp.Device)
	if err != nil {
		return "", err
	}
	if d == runtime.DeviceAuto {
		return "", fmt.Errorf("runtime reported no concrete device")
	}
	return d, nil
}

// LoadModel asks the runtime to load a model.
func (c *Client) LoadModel(ctx context.Context, name string, device runtime.Device, path string) (*runtime.Model, error) {
	req := struct {
		Name   string         `json:"name"`
		Device runtime.Device `json:"device"`
		Path   string         `json:"path,omitempty"`
	}{
		Name:   name,
		Device: device,
		Path:   path,
	}
	var resp struct {
		Name      string `json:"name"`
		LatentDim int    `json:"latent_dim"`
	}
	if err := c.load(ctx, http.MethodPost, "/v1/models/load", req, &resp); err != nil {
		return nil, fmt.Errorf("load model %q: %s", name, err)
	}
	if resp.Name != "" && resp.Name != name {
		return nil, fmt.Errorf("load model %q: runtime loaded %q", name, resp.Name)
	}
	c.logger.Info("Loaded model", "name", name, "device", device, "latentDim", resp.LatentDim)
	return &runtime.Model{
		Name:      name,
		Device:    device,
		LatentDim: resp.LatentDim,
	}, nil
}

// LoadConfig fetches the named diffusion config.
func (c *Client) LoadConfig(ctx context.Context, name string) (*runtime.DiffusionConfig, error) {
	var resp runtime.DiffusionConfig
	if err := c.load(ctx, http.MethodGet, "/v1/configs/"+url.PathEscape(name), nil, &resp); err != nil {
		return nil, fmt.Errorf("load config %q: %s", name, err)
	}
	return &resp, nil
}

// SampleLatents runs diffusion sampling on the runtime.
func (c *Client) SampleLatents(ctx context.Context, req *runtime.SampleRequest) ([]runtime.Latent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sreq := struct {
		Model         string                  `json:"model"`
		Diffusion     runtime.DiffusionConfig `json:"diffusion"`
		BatchSize     int                     `json:"batch_size"`
		GuidanceScale float64                 `json:"guidance_scale"`
		Texts         []string                `json:"texts"`
		runtime.SampleOptions
	}{
		Model:         req.Model.Name,
		Diffusion:     req.Diffusion,
		BatchSize:     req.BatchSize,
		GuidanceScale: req.GuidanceScale,
		Texts:         req.Texts,
		SampleOptions: req.Options,
	}
	var resp struct {
		Latents []string `json:"latents"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/sample", sreq, &resp); err != nil {
		return nil, fmt.Errorf("sample: %s", err)
	}

	latents := make([]runtime.Latent, len(resp.Latents))
	for i, s := range resp.Latents {
		l, err := DecodeLatent(s)
		if err != nil {
			return nil, fmt.Errorf("sample: latent %d: %s", i, err)
		}
		latents[i] = l
	}
	return latents, nil
}

type decodeResponse struct {
	Vertices [][3]float64 `json:"vertices"`
	Faces    [][3]int     `json:"faces"`
	Colors   [][3]float64 `json:"colors,omitempty"`
}

// DecodeMesh decodes a latent on the runtime.
func (c *Client) DecodeMesh(ctx context.Context, transmitter *runtime.Model, latent runtime.Latent) (*mesh.TriMesh, error) {
	if transmitter == nil {
		return nil, fmt.Errorf("transmitter must be set")
	}
	dreq := struct {
		Model  string `json:"model"`
		Latent string `json:"latent"`
	}{
		Model:  transmitter.Name,
		Latent: EncodeLatent(latent),
	}
	var resp decodeResponse
	if err := c.call(ctx, http.MethodPost, "/v1/decode", dreq, &resp); err != nil {
		return nil, fmt.Errorf("decode: %s", err)
	}
	m := resp.toMesh()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("decode: invalid mesh: %s", err)
	}
	return m, nil
}

func (r *decodeResponse) toMesh() *mesh.TriMesh {
	m := &mesh.TriMesh{
		Vertices: make([]mesh.Vec3, len(r.Vertices)),
		Faces:    r.Faces,
	}
	for i, v := range r.Vertices {
		m.Vertices[i] = mesh.Vec3{X: v[0], Y: v[1], Z: v[2]}
	}
	if len(r.Colors) > 0 {
		m.Colors = make([]mesh.Color, len(r.Colors))
		for i, c := range r.Colors {
			m.Colors[i] = mesh.Color{R: c[0], G: c[1], B: c[2]}
		}
	}
	return m
}

// load sends a request that is retried while the runtime is unavailable.
func (c *Client) load(ctx context.Context, method, path string, req, resp any) error {
	data, err := marshal(req)
	if err != nil {
		return err
	}
	hresp, err := httputil.SendHTTPRequestWithRetry(
		ctx,
		c.client,
		c.url(path),
		method,
		data,
		func(status int, err error) (bool, error) {
			ok, rerr := httputil.RetryOnUnavailable(status, err)
			if ok {
				c.logger.V(1).Info("Runtime not ready, retrying", "path", path, "status", status, "error", err)
			}
			return ok, rerr
		},
		httputil.RetryOptions{
			RequestTimeout: c.opts.RequestTimeout,
			RetryInterval:  c.opts.RetryInterval,
			RetryCount:     c.opts.LoadRetryCount,
		},
	)
	if err != nil {
		return err
	}
	return unmarshal(hresp, resp)
}

// call sends a single request.
func (c *Client) call(ctx context.Context, method, path string, req, resp any) error {
	data, err := marshal(req)
	if err != nil {
		return err
	}
	hresp, err := httputil.Send(ctx, c.client, c.url(path), method, data, c.opts.RequestTimeout)
	if err != nil {
		return err
	}
	return unmarshal(hresp, resp)
}

func (c *Client) url(path string) url.URL {
	u := c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u
}

func marshal(req any) ([]byte, error) {
	if req == nil {
		return nil, nil
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %s", err)
	}
	return data, nil
}

func unmarshal(hresp *httputil.Response, resp any) error {
	if hresp.StatusCode < 200 || hresp.StatusCode >= 300 {
		return &StatusError{StatusCode: hresp.StatusCode, Body: string(hresp.Body)}
	}
	if err := json.Unmarshal(hresp.Body, resp); err != nil {
		return fmt.Errorf("decode response: %s", err)
	}
	return nil
}
