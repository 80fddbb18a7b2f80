package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/angeloszaimis/query-gateway/internal/events"
)

// maxSamples bounds the latency window kept per channel.
const maxSamples = 1000

type Metrics struct {
	mutex       sync.RWMutex
	queries     map[string]map[string]int64
	retries     map[string]int64
	fallbacks   map[string]int64
	latencies   map[string][]time.Duration
	breakers    map[string]map[events.Type]int64
	lastEvent   map[string]events.Type
	health      map[string]bool
	healthSince map[string]time.Time
	dropped     int64
	startTime   time.Time
}

type Snapshot struct {
	TotalQueries  int64                     `json:"total_queries"`
	Uptime        time.Duration             `json:"uptime"`
	DroppedEvents int64                     `json:"dropped_events"`
	Channels      map[string]ChannelMetrics `json:"channels"`
	Breakers      map[string]BreakerMetrics `json:"breakers"`
	Backends      map[string]BackendHealth  `json:"backends"`
}

type ChannelMetrics struct {
	Queries    int64            `json:"queries"`
	Outcomes   map[string]int64 `json:"outcomes"`
	Retries    int64            `json:"retries"`
	Fallbacks  int64            `json:"fallbacks"`
	AvgLatency time.Duration    `json:"avg_latency"`
	P50Latency time.Duration    `json:"p50_latency"`
	P95Latency time.Duration    `json:"p95_latency"`
	P99Latency time.Duration    `json:"p99_latency"`
}

type BreakerMetrics struct {
	Events    map[events.Type]int64 `json:"events"`
	LastEvent events.Type           `json:"last_event"`
}

type BackendHealth struct {
	Healthy bool      `json:"healthy"`
	Since   time.Time `json:"since"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		queries:     make(map[string]map[string]int64),
		retries:     make(map[string]int64),
		fallbacks:   make(map[string]int64),
		latencies:   make(map[string][]time.Duration),
		breakers:    make(map[string]map[events.Type]int64),
		lastEvent:   make(map[string]events.Type),
		health:      make(map[string]bool),
		healthSince: make(map[string]time.Time),
		startTime:   time.Now(),
	}
}

// RecordQuery counts one terminal query outcome on channel.
func (m *Metrics) RecordQuery(channel, outcome string, latency time.Duration, retries int, fallback bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.queries[channel] == nil {
		m.queries[channel] = make(map[string]int64)
	}
	m.queries[channel][outcome]++
	m.retries[channel] += int64(retries)
	if fallback {
		m.fallbacks[channel]++
	}

	m.latencies[channel] = append(m.latencies[channel], latency)
	if len(m.latencies[channel]) > maxSamples {
		m.latencies[channel] = m.latencies[channel][1:]
	}
}

func (m *Metrics) RecordBreakerEvent(service string, t events.Type) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.breakers[service] == nil {
		m.breakers[service] = make(map[events.Type]int64)
	}
	m.breakers[service][t]++
	m.lastEvent[service] = t
}

// UpdateHealthStatus records a backend's health; Since only moves on a change.
func (m *Metrics) UpdateHealthStatus(backend string, healthy bool, at time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	prev, known := m.health[backend]
	if !known || prev != healthy {
		m.healthSince[backend] = at
	}
	m.health[backend] = healthy
}

func (m *Metrics) RecordDropped() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dropped++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:        time.Since(m.startTime),
		DroppedEvents: m.dropped,
		Channels:      make(map[string]ChannelMetrics, len(m.queries)),
		Breakers:      make(map[string]BreakerMetrics, len(m.breakers)),
		Backends:      make(map[string]BackendHealth, len(m.health)),
	}

	for channel, outcomes := range m.queries {
		cm := ChannelMetrics{
			Outcomes:  make(map[string]int64, len(outcomes)),
			Retries:   m.retries[channel],
			Fallbacks: m.fallbacks[channel],
		}
		for outcome, n := range outcomes {
			cm.Outcomes[outcome] = n
			cm.Queries += n
		}
		snap.TotalQueries += cm.Queries

		if durations := m.latencies[channel]; len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			cm.AvgLatency = average(sorted)
			cm.P50Latency = percentile(sorted, 0.50)
			cm.P95Latency = percentile(sorted, 0.95)
			cm.P99Latency = percentile(sorted, 0.99)
		}

		snap.Channels[channel] = cm
	}

	for service, counts := range m.breakers {
		bm := BreakerMetrics{
			Events:    make(map[events.Type]int64, len(counts)),
			LastEvent: m.lastEvent[service],
		}
		for t, n := range counts {
			bm.Events[t] = n
		}
		snap.Breakers[service] = bm
	}

	for backend, healthy := range m.health {
		snap.Backends[backend] = BackendHealth{Healthy: healthy, Since: m.healthSince[backend]}
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
