package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/angeloszaimis/query-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/query-gateway/internal/events"
	"github.com/angeloszaimis/query-gateway/internal/orchestrator"
)

type EventType string

const (
	EventQueryCompleted EventType = "query_completed"
	EventBreaker        EventType = "breaker"
	EventHealthChanged  EventType = "health_changed"
)

type MetricEvent struct {
	Type      EventType
	Timestamp time.Time

	// query_completed
	Channel  string
	Outcome  string
	Duration time.Duration
	Retries  int
	Fallback bool

	// breaker
	Service     string
	BreakerType events.Type

	// health_changed
	Backend string
	Healthy bool
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues event without blocking; a full buffer drops it.
func (c *Collector) Emit(event MetricEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
		c.metrics.RecordDropped()
	}
}

// ObserveQuery records a terminal query outcome.
func (c *Collector) ObserveQuery(out orchestrator.Outcome) {
	c.Emit(MetricEvent{
		Type:     EventQueryCompleted,
		Channel:  string(out.Channel),
		Outcome:  string(out.Phase),
		Duration: out.Duration,
		Retries:  out.Retries,
		Fallback: out.Source == circuitbreaker.SourceFallback,
	})
}

// Watch forwards breaker events from log until ctx is done.
func (c *Collector) Watch(ctx context.Context, log *events.Log) {
	ch, unsubscribe := log.Subscribe(64)

	go func() {
		defer unsubscribe()
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				c.Emit(MetricEvent{
					Type:        EventBreaker,
					Timestamp:   e.Timestamp,
					Service:     e.Service,
					BreakerType: e.Type,
				})
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventQueryCompleted:
		c.metrics.RecordQuery(event.Channel, event.Outcome, event.Duration, event.Retries, event.Fallback)

	case EventBreaker:
		c.metrics.RecordBreakerEvent(event.Service, event.BreakerType)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Backend, event.Healthy, event.Timestamp)

	default:
		c.logger.Debug("Unknown metric event", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
