// Package tocket implements token bucket admission control over
// interchangeable storage backends.
//
// A bucket holds up to Capacity tokens and refills continuously at
// RefillRate tokens per second. Each TryAcquire call consumes the requested
// amount when the balance covers it, otherwise the call is denied together
// with a hint telling the caller how long to wait before retrying.
//
// Backends with the same TryAcquire API:
//
//   - MemoryStorage: process-local buckets behind per-key mutexes. Fast,
//     dependency-free, suitable for single-instance deployments and tests.
//   - inredis.Storage: bucket state in Redis, refilled and debited inside a
//     Lua script so many processes can share one budget.
//   - distributed.Client: speaks a framed binary protocol to a
//     distributed.Server that owns the authoritative buckets.
//
// A denied acquire is a normal Decision, not an error. Errors report caller
// bugs (ErrInvalidAmount, ErrUnknownKey) or backend failures
// (ErrStorageUnavailable).
package tocket

import (
	"context"
	"fmt"
	"time"
)

// Storage is the capability every backend implements. Operations on
// distinct keys never interfere; concurrent operations on the same key are
// applied in some total order, so jointly they can never overdraw the
// bucket's capacity.
type Storage interface {
	// TryAcquire attempts to take amount tokens from the bucket named by
	// key. It never blocks on token availability.
	TryAcquire(ctx context.Context, key string, amount uint64) (Decision, error)
}

// Limit describes one bucket's budget.
type Limit struct {
	// Capacity is the maximum number of tokens the bucket can hold.
	Capacity uint64
	// RefillRate is how many tokens are added per second. Refill is
	// continuous, fractions accumulate between calls.
	RefillRate float64
}

// Validate fails fast on budgets that can never admit anything.
func (l Limit) Validate() error {
	if l.Capacity == 0 {
		return fmt.Errorf("tocket: limit capacity must be positive")
	}
	if l.RefillRate <= 0 {
		return fmt.Errorf("tocket: limit refill rate must be positive, got %f", l.RefillRate)
	}
	return nil
}

// Decision is the outcome of a TryAcquire call.
type Decision struct {
	// Granted reports whether the tokens were consumed.
	Granted bool
	// RetryAfter is zero when granted. When denied it is the minimum wait
	// until the bucket's balance reaches the requested amount, assuming no
	// competing consumers.
	RetryAfter time.Duration
}

// State is a read-only snapshot of one bucket. Observing state never
// mutates it: two reads at the same timestamp report the same balance.
type State struct {
	Capacity   uint64
	Available  float64
	RefillRate float64
	LastRefill time.Time
}
