package health

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// NewProbeHandler returns a new ProbeHandler.
func NewProbeHandler(logger logr.Logger) *ProbeHandler {
	return &ProbeHandler{
		logger: logger.WithName("health"),
	}
}

type probe interface {
	IsReady() (bool, string)
}

// ProbeHandler aggregates readiness probes.
type ProbeHandler struct {
	probes []probe
	logger logr.Logger
}

// AddProbe adds a readiness probe.
func (h *ProbeHandler) AddProbe(p probe) {
	h.probes = append(h.probes, p)
}

// Liveness reports that the process is serving.
func (h *ProbeHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	h.write(w)
}

// Readiness reports whether every probe is ready.
func (h *ProbeHandler) Readiness(w http.ResponseWriter, _ *http.Request) {
	var msgs []string
	for _, p := range h.probes {
		if ok, msg := p.IsReady(); !ok {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) > 0 {
		http.Error(w, strings.Join(msgs, ","), http.StatusServiceUnavailable)
		return
	}
	h.write(w)
}

func (h *ProbeHandler) write(w http.ResponseWriter) {
	if _, err := fmt.Fprint(w, "ok"); err != nil {
		h.logger.Error(err, "Failed to write health response")
	}
}

// NewFlag returns a probe that is ready once Set is called.
func NewFlag(name string) *Flag {
	return &Flag{name: name}
}

// Flag is a probe toggled by its owner.
type Flag struct {
	name  string
	ready atomic.Bool
}

// Set marks the probe ready or not ready.
func (f *Flag) Set(ready bool) {
	f.ready.Store(ready)
}

// IsReady implements probe.
func (f *Flag) IsReady() (bool, string) {
	if f.ready.Load() {
		return true, ""
	}
	return false, fmt.Sprintf("%s is not ready", f.name)
}
