package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/query-gateway/internal/orchestrator"
	"github.com/angeloszaimis/query-gateway/internal/tracing"
	"github.com/angeloszaimis/query-gateway/internal/transport"
)

const maxQueryBody = 10 << 20

// Factory builds the orchestrator for one request.
type Factory func() (*orchestrator.Orchestrator, error)

type QueryRequest struct {
	Query       string                 `json:"query"`
	Attachments []transport.Attachment `json:"attachments,omitempty"`
}

type QueryResponse struct {
	orchestrator.QueryState
	Stats orchestrator.Stats `json:"stats"`
}

type QueryHandler struct {
	logger          *slog.Logger
	newOrchestrator Factory
	timeout         time.Duration
}

func NewQueryHandler(logger *slog.Logger, factory Factory, timeout time.Duration) *QueryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryHandler{
		logger:          logger,
		newOrchestrator: factory,
		timeout:         timeout,
	}
}

// ServeHTTP runs one logical query to a terminal state. A client that goes
// away stops the query.
func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxQueryBody)).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, h.logger, http.StatusBadRequest, orchestrator.ErrEmptyQuery.Error())
		return
	}

	o, err := h.newOrchestrator()
	if err != nil {
		h.logger.Error("Failed to build orchestrator", slog.Any("err", err))
		writeError(w, h.logger, http.StatusInternalServerError, "query gateway misconfigured")
		return
	}

	if tc, ok := tracing.Extract(r.Header); ok {
		o.UseTrace(tc)
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	if err := o.SendQuery(ctx, req.Query, req.Attachments); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	state, err := o.Wait(ctx)
	if err != nil {
		o.Stop(context.WithoutCancel(ctx))
		state = o.State()

		if errors.Is(r.Context().Err(), context.Canceled) {
			h.logger.Info("Client went away, query stopped",
				slog.String("trace_id", state.TraceID))
			return
		}
	}

	if tc, err := tracing.Parse(state.Traceparent); err == nil {
		tc.Inject(w.Header())
	}
	writeJSON(w, h.logger, statusFor(state, err), QueryResponse{QueryState: state, Stats: o.Stats()})
}

func statusFor(state orchestrator.QueryState, waitErr error) int {
	switch {
	case waitErr != nil:
		return http.StatusGatewayTimeout
	case state.Phase == orchestrator.PhaseCompleted:
		return http.StatusOK
	case state.Phase == orchestrator.PhaseAwaitingClarification:
		return http.StatusAccepted
	case state.Phase == orchestrator.PhaseFailed:
		return http.StatusBadGateway
	default:
		return http.StatusGatewayTimeout
	}
}
