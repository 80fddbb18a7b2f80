package backend

import (
	"net/url"
	"sync"
	"time"
)

const (
	NameStreaming = "streaming"
	NameJobs      = "jobs"
)

const ewmaAlpha = 0.2

// Backend is safe for concurrent use.
type Backend struct {
	name        string
	url         *url.URL
	mutex       sync.Mutex
	isHealthy   bool
	lastChecked time.Time
	ewmaLatency time.Duration
	hasEWMA     bool
	lastErr     string
}

// Status is a point-in-time view of a Backend.
type Status struct {
	Name        string        `json:"name"`
	URL         string        `json:"url"`
	Healthy     bool          `json:"healthy"`
	LastChecked time.Time     `json:"last_checked,omitempty"`
	Latency     time.Duration `json:"latency"`
	LastError   string        `json:"last_error,omitempty"`
}

// New creates a Backend that is assumed healthy until a probe says otherwise.
func New(name string, u *url.URL) *Backend {
	return &Backend{
		name:      name,
		url:       u,
		isHealthy: true,
	}
}

// Parse is New with a raw URL.
func Parse(name, rawURL string) (*Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return New(name, u), nil
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) URL() *url.URL {
	return b.url
}

// HealthURL resolves the backend's /health endpoint.
func (b *Backend) HealthURL() string {
	return b.url.ResolveReference(&url.URL{Path: "/health"}).String()
}

func (b *Backend) IsHealthy() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.isHealthy
}

// SetHealthy records a probe result and reports whether health changed.
// err is the probe failure, if any.
func (b *Backend) SetHealthy(healthy bool, err error, at time.Time) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.lastChecked = at
	b.lastErr = ""
	if err != nil {
		b.lastErr = err.Error()
	}

	if b.isHealthy == healthy {
		return false
	}
	b.isHealthy = healthy
	return true
}

// RecordLatency folds a probe duration into the moving average.
func (b *Backend) RecordLatency(d time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		b.ewmaLatency = d
		b.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	b.ewmaLatency = time.Duration((1-ewmaAlpha)*float64(b.ewmaLatency) + ewmaAlpha*float64(d))
}

func (b *Backend) Latency() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.ewmaLatency
}

func (b *Backend) Status() Status {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return Status{
		Name:        b.name,
		URL:         b.url.String(),
		Healthy:     b.isHealthy,
		LastChecked: b.lastChecked,
		Latency:     b.ewmaLatency,
		LastError:   b.lastErr,
	}
}
