package admin

import (
	"encoding/json"
	"net/http"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/infprocessor"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/registry"
	"github.com/go-logr/logr"
)

// NewHandler returns a new admin handler.
func NewHandler(
	infProcessor *infprocessor.P,
	r *registry.R,
	logger logr.Logger,
) *Handler {
	return &Handler{
		infProcessor: infProcessor,
		registry:     r,
		logger:       logger.WithName("admin"),
	}
}

// Handler handles admin requests.
type Handler struct {
	infProcessor *infprocessor.P
	registry     *registry.R
	logger       logr.Logger
}

// ModelsStatus describes the loaded models.
type ModelsStatus struct {
	Device      string `json:"device"`
	Transmitter string `json:"transmitter"`
	TextModel   string `json:"textModel"`
	LatentDim   int    `json:"latentDim"`
	Schedule    string `json:"diffusionSchedule"`
}

// Status is the admin status dump.
type Status struct {
	Models    ModelsStatus        `json:"models"`
	Processor *infprocessor.Status `json:"processor"`
}

// AdminHandler writes the status as JSON.
func (h *Handler) AdminHandler(resp http.ResponseWriter, _ *http.Request) {
	s := Status{
		Models: ModelsStatus{
			Device:      string(h.registry.Device()),
			Transmitter: h.registry.Transmitter().Name,
			TextModel:   h.registry.TextModel().Name,
			LatentDim:   h.registry.TextModel().LatentDim,
			Schedule:    h.registry.Diffusion().Schedule,
		},
		Processor: h.infProcessor.DumpStatus(),
	}
	b, err := json.Marshal(s)
	if err != nil {
		http.Error(resp, err.Error(), http.StatusInternalServerError)
		return
	}

	resp.Header().Set("Content-Type", "application/json")
	if _, err := resp.Write(b); err != nil {
		h.logger.Error(err, "Failed to write response")
	}
}

// Mux returns the admin routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", h.AdminHandler)
	return mux
}
