package circuitbreaker

import (
	"context"
	"sync"
	"time"
)

// Record is the persisted part of a breaker. HALF_OPEN is never stored; it is
// derived from LastFailure and the reset timeout at read time.
type Record struct {
	Service     string    `json:"service"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
}

// Store holds breaker records so that several gateway instances can share them.
type Store interface {
	GetState(ctx context.Context, service string) (Record, bool, error)
	SetState(ctx context.Context, service string, record Record) error
	IncrementFailures(ctx context.Context, service string, at time.Time) (Record, error)
	ResetState(ctx context.Context, service string) error
}

// MemoryStore is the in-process default. Records are not shared between processes.
type MemoryStore struct {
	mutex   sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) GetState(_ context.Context, service string) (Record, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.records[service]
	return rec, ok, nil
}

func (s *MemoryStore) SetState(_ context.Context, service string, record Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record.Service = service
	s.records[service] = record
	return nil
}

func (s *MemoryStore) IncrementFailures(_ context.Context, service string, at time.Time) (Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec := s.records[service]
	rec.Service = service
	rec.Failures++
	rec.LastFailure = at
	s.records[service] = rec
	return rec, nil
}

func (s *MemoryStore) ResetState(_ context.Context, service string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.records, service)
	return nil
}

var _ Store = (*MemoryStore)(nil)
