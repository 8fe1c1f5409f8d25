package tocket

import "time"

// bucket holds the refill state for a single key. It is not safe for
// concurrent use; the owning storage guards each bucket with its own lock.
type bucket struct {
	capacity   uint64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

func newBucket(limit Limit, now time.Time) *bucket {
	return &bucket{
		capacity:   limit.Capacity,
		tokens:     float64(limit.Capacity),
		refillRate: limit.RefillRate,
		lastRefill: now,
	}
}

// tokensAt reports the balance the bucket would hold at the given time
// without committing the refill. Elapsed time is clamped to zero when the
// clock moved backwards, so regression never mints or burns tokens.
func (b *bucket) tokensAt(now time.Time) float64 {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < 0 {
		elapsed = 0
	}
	refilled := b.tokens + elapsed.Seconds()*b.refillRate
	if refilled > float64(b.capacity) {
		refilled = float64(b.capacity)
	}
	return refilled
}

// tryAcquire refills the bucket up to now and takes amount tokens if the
// balance covers it. Refill and debit commit together; a denied acquire
// leaves the state untouched and reports the minimum wait until the balance
// would reach amount.
func (b *bucket) tryAcquire(now time.Time, amount uint64) (Decision, error) {
	if amount == 0 || amount > b.capacity {
		return Decision{}, ErrInvalidAmount
	}

	refilled := b.tokensAt(now)
	if refilled >= float64(amount) {
		b.tokens = refilled - float64(amount)
		b.lastRefill = now
		return Decision{Granted: true}, nil
	}

	missing := float64(amount) - refilled
	wait := time.Duration(missing / b.refillRate * float64(time.Second))
	return Decision{RetryAfter: wait}, nil
}

// acquireUpTo drains up to amount whole tokens and reports how many were
// taken. Taking zero is a valid outcome, so the drain itself never fails.
func (b *bucket) acquireUpTo(now time.Time, amount uint64) uint64 {
	refilled := b.tokensAt(now)

	taken := uint64(refilled)
	if taken > amount {
		taken = amount
	}

	b.tokens = refilled - float64(taken)
	b.lastRefill = now
	return taken
}

func (b *bucket) state(now time.Time) State {
	return State{
		Capacity:   b.capacity,
		Available:  b.tokensAt(now),
		RefillRate: b.refillRate,
		LastRefill: b.lastRefill,
	}
}
