// Package inredis stores bucket state in Redis so many processes can share
// one token budget. The refill+acquire cycle runs inside a Lua script,
// which makes concurrent acquires on the same key atomic without any
// client-side locking.
package inredis

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LazyMechanic/tocket"
)

//go:embed acquire.lua
var acquireScript string

// Ran via EVALSHA after the first call loads it into the script cache.
var script = redis.NewScript(acquireScript)

const (
	defaultPrefix = "tocket:"
	defaultTTL    = time.Hour

	modeExact = 0
	modeDrain = 1
)

// Storage implements tocket.Storage on top of Redis.
//
// Bucket state lives in a hash per key with fields "tokens" and
// "last_refill" (seconds since epoch), expiring after the configured TTL so
// idle keys do not leak. Every key uses the storage's limit; concurrency
// safety is delegated to Redis running the script atomically.
type Storage struct {
	client redis.Cmdable
	limit  tocket.Limit
	clock  tocket.Clock
	prefix string
	ttl    time.Duration
}

// Option configures a Storage.
type Option func(*Storage)

// WithPrefix replaces the default "tocket:" key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Storage) {
		s.prefix = prefix
	}
}

// WithTTL sets how long an idle key's state survives in Redis.
func WithTTL(ttl time.Duration) Option {
	return func(s *Storage) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces the time source, mainly for tests.
func WithClock(c tocket.Clock) Option {
	return func(s *Storage) {
		if c != nil {
			s.clock = c
		}
	}
}

// New creates a Redis-backed storage. The client may be a single-node,
// sentinel or cluster client; anything able to run scripts works.
func New(client redis.Cmdable, limit tocket.Limit, opts ...Option) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("inredis: nil redis client")
	}
	if err := limit.Validate(); err != nil {
		return nil, err
	}

	s := &Storage{
		client: client,
		limit:  limit,
		clock:  tocket.SystemClock(),
		prefix: defaultPrefix,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TryAcquire implements tocket.Storage.
func (s *Storage) TryAcquire(ctx context.Context, key string, amount uint64) (tocket.Decision, error) {
	if amount == 0 || amount > s.limit.Capacity {
		return tocket.Decision{}, tocket.ErrInvalidAmount
	}

	granted, retryAfter, _, err := s.run(ctx, key, amount, modeExact)
	if err != nil {
		return tocket.Decision{}, err
	}
	if granted {
		return tocket.Decision{Granted: true}, nil
	}
	return tocket.Decision{RetryAfter: retryAfter}, nil
}

// TryAcquireUpTo drains up to amount whole tokens from key's bucket and
// reports how many were taken.
func (s *Storage) TryAcquireUpTo(ctx context.Context, key string, amount uint64) (uint64, error) {
	_, _, taken, err := s.run(ctx, key, amount, modeDrain)
	return taken, err
}

func (s *Storage) run(ctx context.Context, key string, amount uint64, mode int) (granted bool, retryAfter time.Duration, taken uint64, err error) {
	now := float64(s.clock.Now().UnixMicro()) / 1e6

	res, err := script.Run(ctx, s.client,
		[]string{s.prefix + key},
		s.limit.Capacity,
		s.limit.RefillRate,
		now,
		amount,
		mode,
		int64(s.ttl/time.Second),
	).Result()
	if err != nil {
		return false, 0, 0, fmt.Errorf("%w: %v", tocket.ErrStorageUnavailable, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, 0, 0, fmt.Errorf("inredis: unexpected script reply %v", res)
	}

	grantedInt, _ := vals[0].(int64)
	waitSeconds := toFloat(vals[1])
	takenInt, _ := vals[2].(int64)

	return grantedInt == 1,
		time.Duration(waitSeconds * float64(time.Second)),
		uint64(takenInt),
		nil
}

func toFloat(v interface{}) float64 {
	switch v := v.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

var _ tocket.Storage = (*Storage)(nil)
