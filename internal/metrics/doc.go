// Package metrics aggregates gateway metrics off the request path.
//
// A Collector receives MetricEvents through a buffered channel and folds them
// into Metrics from a single goroutine:
//   - terminal query outcomes per channel, with latency percentiles (P50, P95, P99)
//   - circuit breaker transitions, forwarded from the breaker event log by Watch
//   - backend health reported by the health checker
//
// Emit never blocks; events that do not fit the buffer are counted as dropped.
// The Collector implements orchestrator.Observer, so it can be handed straight
// to the orchestrator.
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//	collector.Watch(ctx, registry.Events())
//
//	http.Handle("/metrics", collector.Handler())
package metrics
