package tocket

import "time"

// Clock is the time source storage backends use for refill math.
// Production code uses SystemClock; tests inject their own to make
// time-dependent behavior deterministic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
