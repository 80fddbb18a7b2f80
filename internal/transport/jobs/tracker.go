package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/angeloszaimis/query-gateway/internal/transport"
)

var ErrTrackingFailed = errors.New("progress tracking failed")

type TrackConfig struct {
	// Interval is the minimum gap between two progress polls.
	Interval time.Duration
	// MaxFailures consecutive poll errors end tracking.
	MaxFailures int
}

func (c TrackConfig) normalized() TrackConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxFailures < 1 {
		c.MaxFailures = 1
	}
	return c
}

// Track polls jobID until it reaches a terminal stage, reporting every
// successful poll to onProgress. It returns the terminal progress, ctx's
// error, or ErrTrackingFailed after too many consecutive poll errors.
func Track(ctx context.Context, jt transport.JobTransport, jobID string, cfg TrackConfig, onProgress func(transport.Progress)) (transport.Progress, error) {
	cfg = cfg.normalized()
	limiter := rate.NewLimiter(rate.Every(cfg.Interval), 1)

	failures := 0
	var lastErr error

	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return transport.Progress{}, ctxErr
			}
			return transport.Progress{}, err
		}

		p, err := jt.Progress(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return transport.Progress{}, ctx.Err()
			}

			failures++
			lastErr = err
			if failures >= cfg.MaxFailures {
				return transport.Progress{}, fmt.Errorf("%w after %d attempts: %w", ErrTrackingFailed, failures, lastErr)
			}
			continue
		}

		failures = 0
		if onProgress != nil {
			onProgress(p)
		}
		if p.Stage.Terminal() {
			return p, nil
		}
	}
}
