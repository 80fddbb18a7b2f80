package healthcheck

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/query-gateway/internal/backend"
)

// ChangeFunc is called when a backend's health flips.
type ChangeFunc func(b *backend.Backend, healthy bool)

type Option func(*options)

type options struct {
	client   *http.Client
	onChange ChangeFunc
	now      func() time.Time
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

func WithOnChange(fn ChangeFunc) Option {
	return func(o *options) {
		o.onChange = fn
	}
}

// HealthCheck probes b every interval until ctx is done. The first probe
// runs immediately.
func HealthCheck(
	ctx context.Context,
	b *backend.Backend,
	interval time.Duration,
	logger *slog.Logger,
	opts ...Option,
) {
	o := options{
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		check(ctx, b, o, logger)

		select {
		case <-ctx.Done():
			logger.Info("Health check stopped",
				slog.String("backend", b.Name()))
			return
		case <-ticker.C:
		}
	}
}

// Probe performs a single health request against b.
func Probe(ctx context.Context, client *http.Client, b *backend.Backend) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.HealthURL(), nil)
	if err != nil {
		return err
	}

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", res.StatusCode)
	}
	return nil
}

func check(ctx context.Context, b *backend.Backend, o options, logger *slog.Logger) {
	start := o.now()
	err := Probe(ctx, o.client, b)
	if ctx.Err() != nil {
		return
	}

	healthy := err == nil
	if healthy {
		b.RecordLatency(o.now().Sub(start))
	}

	if !b.SetHealthy(healthy, err, o.now()) {
		return
	}

	if healthy {
		logger.Info("Backend is back up",
			slog.String("backend", b.Name()),
			slog.String("url", b.URL().String()))
	} else {
		logger.Warn("Backend is down",
			slog.String("backend", b.Name()),
			slog.String("url", b.URL().String()),
			slog.Any("err", err))
	}

	if o.onChange != nil {
		o.onChange(b, healthy)
	}
}
