package handler

import (
	"encoding/json"
	"net/http"

	"pipeviz/internal/pipeline"
)

type StatusHandler struct {
	reg *pipeline.Registry
}

func NewStatusHandler(reg *pipeline.Registry) *StatusHandler {
	return &StatusHandler{reg: reg}
}

// HandleStatus is the liveness endpoint polled by dashboards.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g := h.reg.Graph()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "online",
		"message":      "Pipeline monitoring server is running",
		"pipelines":    len(h.reg.List()),
		"graphVersion": g.Version(),
		"steps":        g.Len(),
	})
}
