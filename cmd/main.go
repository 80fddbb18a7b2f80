package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angeloszaimis/query-gateway/config"
	"github.com/angeloszaimis/query-gateway/internal/backend"
	"github.com/angeloszaimis/query-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/query-gateway/internal/classifier"
	"github.com/angeloszaimis/query-gateway/internal/events"
	"github.com/angeloszaimis/query-gateway/internal/handler"
	"github.com/angeloszaimis/query-gateway/internal/healthcheck"
	"github.com/angeloszaimis/query-gateway/internal/httpserver"
	"github.com/angeloszaimis/query-gateway/internal/metrics"
	"github.com/angeloszaimis/query-gateway/internal/orchestrator"
	"github.com/angeloszaimis/query-gateway/internal/retry"
	"github.com/angeloszaimis/query-gateway/internal/transport/jobs"
	"github.com/angeloszaimis/query-gateway/internal/transport/sse"
	"github.com/angeloszaimis/query-gateway/pkg/logger"
	"github.com/angeloszaimis/query-gateway/pkg/redis"
)

func main() {
	if err := loadDotEnv(".env"); err != nil {
		slog.Error("failed to load .env", slog.Any("err", err))
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := newStateStore(ctx, cfg.StateStore)
	if err != nil {
		log.Error("Failed to initialize breaker state store",
			slog.String("type", cfg.StateStore.Type),
			slog.Any("err", err))
		os.Exit(1)
	}
	defer closeStore()

	registry := newRegistry(cfg, store, logger.Component(log, "circuitbreaker"))

	collector := metrics.NewCollector(1000, logger.Component(log, "metrics"))
	collector.Start(ctx)
	collector.Watch(ctx, registry.Events())

	backends, err := initializeBackends(ctx, cfg, logger.Component(log, "healthcheck"), collector)
	if err != nil {
		log.Error("Failed to initialize backends", slog.Any("err", err))
		os.Exit(1)
	}

	factory := newFactory(cfg, registry, collector, logger.Component(log, "orchestrator"))
	router := setupRouter(log, factory, registry, collector, cfg.Server.QueryTimeoutDuration(), backends...)

	srv, err := httpserver.New(cfg.Server.Address, router,
		httpserver.WithWriteTimeout(cfg.Server.QueryTimeoutDuration()+10*time.Second))
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)

	go func() {
		log.Info("Query gateway listening",
			slog.String("address", cfg.Server.Address),
			slog.String("streaming", cfg.Streaming.URL),
			slog.String("jobs", cfg.Jobs.URL),
			slog.String("state_store", cfg.StateStore.Type))
		srvErrCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting query gateway", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

// loadDotEnv loads path into the environment if it exists. Variables that
// are already set win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// newStateStore returns the breaker state store and a func releasing it.
func newStateStore(ctx context.Context, cfg config.StateStoreConfig) (circuitbreaker.Store, func(), error) {
	if cfg.Type != config.StoreRedis {
		return circuitbreaker.NewMemoryStore(), func() {}, nil
	}

	client, err := redis.Config{
		URL:          cfg.RedisURL,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	}.New(ctx)
	if err != nil {
		return nil, nil, err
	}

	return newRedisStore(client, cfg), func() { _ = client.Close() }, nil
}

func newRedisStore(client goredis.Cmdable, cfg config.StateStoreConfig) *circuitbreaker.RedisStore {
	return circuitbreaker.NewRedisStore(client,
		circuitbreaker.WithKeyPrefix(cfg.KeyPrefix),
		circuitbreaker.WithRecordTTL(cfg.TTLDuration()))
}

func newRegistry(cfg *config.Config, store circuitbreaker.Store, log *slog.Logger) *circuitbreaker.Registry {
	return circuitbreaker.NewRegistry(
		circuitbreaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeoutDuration(),
		},
		circuitbreaker.WithStore(store),
		circuitbreaker.WithEventLog(events.NewLog(cfg.Events.Capacity)),
		circuitbreaker.WithLogger(log),
	)
}

func initializeBackends(ctx context.Context, cfg *config.Config, log *slog.Logger, collector *metrics.Collector) ([]*backend.Backend, error) {
	streaming, err := backend.Parse(backend.NameStreaming, cfg.Streaming.URL)
	if err != nil {
		return nil, err
	}
	jobsBackend, err := backend.Parse(backend.NameJobs, cfg.Jobs.URL)
	if err != nil {
		return nil, err
	}

	onChange := func(b *backend.Backend, healthy bool) {
		collector.Emit(metrics.MetricEvent{
			Type:    metrics.EventHealthChanged,
			Backend: b.Name(),
			Healthy: healthy,
		})
	}

	backends := []*backend.Backend{streaming, jobsBackend}
	for _, b := range backends {
		go healthcheck.HealthCheck(ctx, b, cfg.HealthCheck.IntervalDuration(), log,
			healthcheck.WithOnChange(onChange))
	}

	return backends, nil
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()

	oc.AsyncThreshold = cfg.Routing.AsyncThreshold
	oc.StreamingService = backend.NameStreaming
	oc.JobService = backend.NameJobs
	oc.Exemption = retry.BreakerExemption{ExemptGatewayTimeouts: cfg.Breaker.ExemptGatewayTimeouts}
	if len(cfg.Streaming.ErrorMarkers) > 0 {
		oc.ErrorMarkers = cfg.Streaming.ErrorMarkers
	}
	oc.Track = jobs.TrackConfig{
		Interval:    cfg.Jobs.PollIntervalDuration(),
		MaxFailures: cfg.Jobs.MaxPollFailures,
	}

	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.Retry.MaxRetries
	rc.InitialDelay = cfg.Retry.InitialDelayDuration()
	rc.BackoffMultiplier = cfg.Retry.BackoffMultiplier
	rc.MaxDelay = cfg.Retry.MaxDelayDuration()
	rc.JitterFactor = cfg.Retry.JitterFactor
	rc.ColdStartDelay = cfg.Retry.ColdStartDelayDuration()
	if len(cfg.Retry.RetryablePatterns) > 0 {
		rc.RetryablePatterns = cfg.Retry.RetryablePatterns
	}
	if len(cfg.Retry.ColdStartPatterns) > 0 {
		rc.ColdStartPatterns = cfg.Retry.ColdStartPatterns
	}
	oc.Retry = rc

	return oc
}

// newFactory builds one orchestrator per request. The transports, registry
// and collector are shared.
func newFactory(cfg *config.Config, registry *circuitbreaker.Registry, collector *metrics.Collector, log *slog.Logger) handler.Factory {
	oc := orchestratorConfig(cfg)
	cls := classifier.New(cfg.Routing.ForceAsyncKeywords)

	streaming := sse.New(cfg.Streaming.URL,
		sse.WithHTTPClient(&http.Client{Timeout: cfg.Streaming.TimeoutDuration()}),
		sse.WithLogger(log))
	jobClient := jobs.New(cfg.Jobs.URL,
		jobs.WithHTTPClient(&http.Client{Timeout: cfg.Jobs.TimeoutDuration()}),
		jobs.WithLogger(log))

	return func() (*orchestrator.Orchestrator, error) {
		return orchestrator.New(oc, orchestrator.Deps{
			Classifier: cls,
			Streaming:  streaming,
			Jobs:       jobClient,
			Registry:   registry,
			Observer:   collector,
			Logger:     log,
			Rand:       rand.Float64,
		})
	}
}
