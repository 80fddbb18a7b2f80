package events

import (
	"sync"
	"time"
)

type Type string

const (
	TypeOpen      Type = "open"
	TypeClose     Type = "close"
	TypeHalfOpen  Type = "half_open"
	TypeSuccess   Type = "success"
	TypeFailure   Type = "failure"
	TypeFailover  Type = "failover"
	TypeRateLimit Type = "rate_limit"
)

// DefaultCapacity is used when NewLog is given a non-positive capacity.
const DefaultCapacity = 100

// Event is immutable once emitted.
type Event struct {
	Type      Type           `json:"type"`
	Service   string         `json:"service"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type Log struct {
	mutex       sync.RWMutex
	ring        []Event
	next        int
	size        int
	subscribers map[int]*subscriber
	nextSubID   int
	dropped     uint64
	now         func() time.Time
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Log{
		ring:        make([]Event, capacity),
		subscribers: make(map[int]*subscriber),
		now:         time.Now,
	}
}

// Emit records the event and delivers it to every subscriber that has room.
func (l *Log) Emit(event Event) {
	if l == nil {
		return
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if len(event.Details) > 0 {
		details := make(map[string]any, len(event.Details))
		for k, v := range event.Details {
			details[k] = v
		}
		event.Details = details
	}

	l.ring[l.next] = event
	l.next = (l.next + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}

	for _, sub := range l.subscribers {
		select {
		case sub.ch <- event:
		default:
			l.dropped++
		}
	}
}

// Recent returns up to n of the most recent events, oldest first.
// n <= 0 returns everything retained.
func (l *Log) Recent(n int) []Event {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if n <= 0 || n > l.size {
		n = l.size
	}

	out := make([]Event, 0, n)
	start := (l.next - n + len(l.ring)) % len(l.ring)
	for i := 0; i < n; i++ {
		out = append(out, l.ring[(start+i)%len(l.ring)])
	}

	return out
}

// Subscribe registers a listener with the given channel buffer. The returned
// function unsubscribes and closes the channel; calling it twice is harmless.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	id := l.nextSubID
	l.nextSubID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	l.subscribers[id] = sub

	return sub.ch, func() {
		l.mutex.Lock()
		defer l.mutex.Unlock()

		if sub.closed {
			return
		}
		sub.closed = true
		delete(l.subscribers, id)
		close(sub.ch)
	}
}

func (l *Log) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.size
}

func (l *Log) Capacity() int {
	return len(l.ring)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (l *Log) Dropped() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.dropped
}
