package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/generator"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/infprocessor"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/rate"
)

// maxRequestBodySize bounds the size of a generation request body.
const maxRequestBodySize = 1 << 20

type generateRequest struct {
	Prompt    string `json:"prompt"`
	SavePath  string `json:"save_path"`
	BatchSize *int   `json:"batch_size"`
}

type generateResponse struct {
	// FilePath is set when exactly one file was produced.
	FilePath  string   `json:"file_path,omitempty"`
	FilePaths []string `json:"file_paths"`
}

// Generate generates meshes from a prompt and writes them to files.
func (s *S) Generate(
	w http.ResponseWriter,
	req *http.Request,
	pathParams map[string]string,
) {
	st := time.Now()
	code := s.generate(w, req)
	s.metricsMonitor.ObserveGenerationLatency(code, time.Since(st))
}

func (s *S) generate(w http.ResponseWriter, req *http.Request) int {
	res, err := s.ratelimiter.Take(req.Context(), s.ratelimiter.ClientKey(req))
	if err != nil {
		s.httpError(w, err.Error(), http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	rate.SetRateLimitHTTPHeaders(w, res)
	if !res.Allowed {
		s.httpError(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return http.StatusTooManyRequests
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodySize))
	if err != nil {
		s.httpError(w, err.Error(), http.StatusBadRequest)
		return http.StatusBadRequest
	}
	var genReq generateRequest
	if err := json.Unmarshal(body, &genReq); err != nil {
		s.httpError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return http.StatusBadRequest
	}
	batchSize := 1
	if genReq.BatchSize != nil {
		batchSize = *genReq.BatchSize
	}

	ctx := req.Context()
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	resp, err := s.generator.Generate(ctx, generator.Request{
		Prompt:    genReq.Prompt,
		BatchSize: batchSize,
		SavePath:  genReq.SavePath,
	})
	if err != nil {
		code := s.statusCode(req, err)
		if code >= http.StatusInternalServerError {
			s.logger.Error(err, "Failed to generate", "code", code)
		} else {
			s.logger.V(1).Info("Rejected request", "code", code, "reason", err.Error())
		}
		s.httpError(w, err.Error(), code)
		return code
	}

	out := generateResponse{FilePaths: resp.Paths}
	if len(resp.Paths) == 1 {
		out.FilePath = resp.Paths[0]
	}
	s.writeJSON(w, out, http.StatusOK)
	return http.StatusOK
}

func (s *S) statusCode(req *http.Request, err error) int {
	var (
		verr *generator.ValidationError
		ferr *generator.FilesystemError
		merr *generator.ModelExecutionError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, infprocessor.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.As(err, &ferr), errors.As(err, &merr):
		return http.StatusInternalServerError
	case req.Context().Err() != nil:
		s.logger.Info("Client closed the connection", "error", err.Error())
		return statusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
