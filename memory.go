package tocket

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryStorage keeps one lock-guarded bucket per key in a process-local
// map. Keys never contend with each other: the map lock covers only lookup
// and insertion, refill+acquire runs under the individual bucket's lock.
//
// Unknown keys are auto-provisioned with the default limit. With
// WithStrictKeys the storage instead returns ErrUnknownKey until the key is
// provisioned through Configure.
type MemoryStorage struct {
	clock        Clock
	defaultLimit Limit
	strict       bool

	mu      sync.RWMutex
	buckets map[string]*lockedBucket
}

type lockedBucket struct {
	mu sync.Mutex
	b  *bucket
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithClock replaces the time source, mainly for tests.
func WithClock(c Clock) MemoryOption {
	return func(s *MemoryStorage) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithStrictKeys disables auto-provisioning. TryAcquire on a key that was
// not configured explicitly returns ErrUnknownKey.
func WithStrictKeys() MemoryOption {
	return func(s *MemoryStorage) {
		s.strict = true
	}
}

// NewMemoryStorage creates an in-memory storage whose auto-provisioned
// buckets use defaultLimit.
func NewMemoryStorage(defaultLimit Limit, opts ...MemoryOption) (*MemoryStorage, error) {
	if err := defaultLimit.Validate(); err != nil {
		return nil, err
	}

	s := &MemoryStorage{
		clock:        SystemClock(),
		defaultLimit: defaultLimit,
		buckets:      make(map[string]*lockedBucket),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Configure provisions key with its own limit. An existing bucket is reset
// to a full bucket at the new limit.
func (s *MemoryStorage) Configure(key string, limit Limit) error {
	if err := limit.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key] = &lockedBucket{b: newBucket(limit, s.clock.Now())}
	return nil
}

// TryAcquire implements Storage.
func (s *MemoryStorage) TryAcquire(_ context.Context, key string, amount uint64) (Decision, error) {
	lb, err := s.bucketFor(key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("acquire rejected")
		return Decision{}, err
	}

	lb.mu.Lock()
	dec, err := lb.b.tryAcquire(s.clock.Now(), amount)
	lb.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Uint64("amount", amount).Msg("acquire rejected")
		return Decision{}, err
	}

	log.Debug().
		Str("key", key).
		Uint64("amount", amount).
		Bool("granted", dec.Granted).
		Dur("retry_after", dec.RetryAfter).
		Msg("acquire decided")
	return dec, nil
}

// TryAcquireUpTo drains up to amount whole tokens from key's bucket and
// reports how many were taken. Zero taken is a valid outcome.
func (s *MemoryStorage) TryAcquireUpTo(_ context.Context, key string, amount uint64) (uint64, error) {
	lb, err := s.bucketFor(key)
	if err != nil {
		return 0, err
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.b.acquireUpTo(s.clock.Now(), amount), nil
}

// State returns a read-only snapshot of key's bucket. The second return
// value is false when the key has never been seen.
func (s *MemoryStorage) State(key string) (State, bool) {
	s.mu.RLock()
	lb, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return State{}, false
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.b.state(s.clock.Now()), true
}

// bucketFor resolves the bucket owning key, creating it at the default
// limit unless the storage is strict.
func (s *MemoryStorage) bucketFor(key string) (*lockedBucket, error) {
	s.mu.RLock()
	lb, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return lb, nil
	}

	if s.strict {
		return nil, ErrUnknownKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another caller may have provisioned the key while the read lock was
	// released.
	if lb, ok := s.buckets[key]; ok {
		return lb, nil
	}
	lb = &lockedBucket{b: newBucket(s.defaultLimit, s.clock.Now())}
	s.buckets[key] = lb
	return lb, nil
}

var _ Storage = (*MemoryStorage)(nil)
