package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKeyPrefix = "circuit:"

	fieldState       = "state"
	fieldFailures    = "failures"
	fieldLastFailure = "last_failure_ms"
)

// RedisStore keeps one hash per service so every gateway instance sees the
// same failure count.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

type RedisStoreOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRecordTTL expires idle records; zero keeps them forever.
func WithRecordTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

func NewRedisStore(rdb redis.Cmdable, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: DefaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(service string) string {
	return s.prefix + service
}

func (s *RedisStore) GetState(ctx context.Context, service string) (Record, bool, error) {
	values, err := s.rdb.HGetAll(ctx, s.key(service)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, wrapRedis("get", service, err)
	}
	if len(values) == 0 {
		return Record{}, false, nil
	}

	rec, err := decodeRecord(service, values[fieldState], values[fieldFailures], values[fieldLastFailure])
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) SetState(ctx context.Context, service string, record Record) error {
	key := s.key(service)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldState, record.State.String(),
			fieldFailures, record.Failures,
			fieldLastFailure, unixMillis(record.LastFailure),
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return wrapRedis("set", service, err)
	}
	return nil
}

func (s *RedisStore) IncrementFailures(ctx context.Context, service string, at time.Time) (Record, error) {
	key := s.key(service)

	var (
		failures *redis.IntCmd
		state    *redis.SliceCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		failures = pipe.HIncrBy(ctx, key, fieldFailures, 1)
		pipe.HSet(ctx, key, fieldLastFailure, unixMillis(at))
		state = pipe.HMGet(ctx, key, fieldState)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return Record{}, wrapRedis("increment", service, err)
	}

	rec := Record{
		Service:     service,
		State:       StateClosed,
		Failures:    int(failures.Val()),
		LastFailure: at,
	}
	if vals := state.Val(); len(vals) == 1 {
		if str, ok := vals[0].(string); ok {
			_ = rec.State.UnmarshalText([]byte(str))
		}
	}
	return rec, nil
}

func (s *RedisStore) ResetState(ctx context.Context, service string) error {
	if err := s.rdb.Del(ctx, s.key(service)).Err(); err != nil {
		return wrapRedis("reset", service, err)
	}
	return nil
}

func decodeRecord(service, state, failures, lastFailure string) (Record, error) {
	rec := Record{Service: service, State: StateClosed}
	_ = rec.State.UnmarshalText([]byte(state))

	if failures != "" {
		n, err := strconv.Atoi(failures)
		if err != nil {
			return Record{}, fmt.Errorf("redis store: decode %s failures %q: %w", service, failures, err)
		}
		rec.Failures = n
	}

	if lastFailure != "" {
		ms, err := strconv.ParseInt(lastFailure, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("redis store: decode %s last failure %q: %w", service, lastFailure, err)
		}
		if ms > 0 {
			rec.LastFailure = time.UnixMilli(ms)
		}
	}

	return rec, nil
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func wrapRedis(op, service string, err error) error {
	return fmt.Errorf("redis store: %s %s: %w", op, service, err)
}

var _ Store = (*RedisStore)(nil)
