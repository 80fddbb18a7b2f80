package handler

import (
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/query-gateway/internal/backend"
)

type HealthResponse struct {
	Status   string           `json:"status"`
	Backends []backend.Status `json:"backends"`
}

// Health reports "ok" when every backend is healthy and "degraded" otherwise.
// The gateway itself is up either way.
func Health(logger *slog.Logger, backends ...*backend.Backend) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Backends: make([]backend.Status, 0, len(backends))}
		for _, b := range backends {
			st := b.Status()
			if !st.Healthy {
				resp.Status = "degraded"
			}
			resp.Backends = append(resp.Backends, st)
		}
		writeJSON(w, logger, http.StatusOK, resp)
	}
}
