package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/generator"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/health"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/monitoring"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/rate"
	"github.com/go-logr/logr"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// statusClientClosedRequest is returned when the client goes away before the
// response is ready. It is only visible in logs and metrics.
const statusClientClosedRequest = 499

type meshGenerator interface {
	Generate(ctx context.Context, req generator.Request) (*generator.Response, error)
}

type rateLimiter interface {
	Take(ctx context.Context, key string) (*rate.Result, error)
	ClientKey(req *http.Request) string
}

// New creates a server.
func New(
	g meshGenerator,
	ratelimiter rateLimiter,
	m monitoring.MetricsMonitoring,
	probes *health.ProbeHandler,
	requestTimeout time.Duration,
	logger logr.Logger,
) *S {
	return &S{
		generator:      g,
		ratelimiter:    ratelimiter,
		metricsMonitor: m,
		probes:         probes,
		requestTimeout: requestTimeout,
		logger:         logger.WithName("server"),
	}
}

// S is a server.
type S struct {
	generator      meshGenerator
	ratelimiter    rateLimiter
	metricsMonitor monitoring.MetricsMonitoring
	probes         *health.ProbeHandler

	requestTimeout time.Duration

	logger logr.Logger
}

// RegisterHandlers registers the HTTP routes to the mux.
func (s *S) RegisterHandlers(mux *runtime.ServeMux) error {
	mux.Handle("POST", runtime.MustPattern(runtime.NewPattern(1, []int{2, 0}, []string{"generate"}, "")), s.Generate)
	if err := mux.HandlePath("GET", "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		s.probes.Liveness(w, r)
	}); err != nil {
		return err
	}
	return mux.HandlePath("GET", "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		s.probes.Readiness(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *S) httpError(w http.ResponseWriter, msg string, code int) {
	if code == statusClientClosedRequest {
		// Nobody reads the body.
		return
	}
	s.writeJSON(w, errorResponse{Error: msg}, code)
}

func (s *S) writeJSON(w http.ResponseWriter, v any, code int) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error(err, "Failed to marshal response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		s.logger.Error(err, "Failed to write response")
	}
}
