package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/query-gateway/internal/backend"
	"github.com/angeloszaimis/query-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/query-gateway/internal/handler"
	"github.com/angeloszaimis/query-gateway/internal/metrics"
)

func setupRouter(
	log *slog.Logger,
	factory handler.Factory,
	registry *circuitbreaker.Registry,
	collector *metrics.Collector,
	queryTimeout time.Duration,
	backends ...*backend.Backend,
) http.Handler {
	mux := http.NewServeMux()

	breakers := handler.NewBreakerHandler(log, registry)

	mux.Handle("POST /v1/query", handler.NewQueryHandler(log, factory, queryTimeout))
	mux.HandleFunc("GET /v1/breakers", breakers.List)
	mux.HandleFunc("POST /v1/breakers/reset", breakers.ResetAll)
	mux.HandleFunc("POST /v1/breakers/{name}/reset", breakers.Reset)
	mux.HandleFunc("GET /v1/events", breakers.Events)
	mux.HandleFunc("GET /metrics", collector.Handler())
	mux.HandleFunc("GET /health", handler.Health(log, backends...))

	return handler.Logging(log, mux)
}
