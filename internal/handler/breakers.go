package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/angeloszaimis/query-gateway/internal/circuitbreaker"
)

type BreakerHandler struct {
	logger   *slog.Logger
	registry *circuitbreaker.Registry
}

func NewBreakerHandler(logger *slog.Logger, registry *circuitbreaker.Registry) *BreakerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerHandler{logger: logger, registry: registry}
}

func (h *BreakerHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.registry.GetAllStatus(r.Context()))
}

func (h *BreakerHandler) ResetAll(w http.ResponseWriter, r *http.Request) {
	h.registry.ResetAll(r.Context())
	h.logger.Info("All circuit breakers reset", slog.String("from", extractClientIP(r)))
	writeJSON(w, h.logger, http.StatusOK, h.registry.GetAllStatus(r.Context()))
}

func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := h.registry.ResetBreaker(r.Context(), name); err != nil {
		if errors.Is(err, circuitbreaker.ErrBreakerNotFound) {
			writeError(w, h.logger, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("Circuit breaker reset",
		slog.String("service", name),
		slog.String("from", extractClientIP(r)))
	writeJSON(w, h.logger, http.StatusOK, h.registry.GetBreaker(name).Status(r.Context()))
}

// Events returns recent breaker events, oldest first. limit=0 or no limit
// returns everything retained.
func (h *BreakerHandler) Events(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, h.logger, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	writeJSON(w, h.logger, http.StatusOK, h.registry.Events().Recent(limit))
}
