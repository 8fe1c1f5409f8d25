package distributed

import (
	"fmt"
	"time"

	"github.com/LazyMechanic/tocket"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 5 * time.Second
	defaultAttempts       = 3
	defaultBackoff        = 100 * time.Millisecond
)

type serverOptions struct {
	maxFrame  uint32
	clock     tocket.Clock
	strict    bool
	keyLimits map[string]tocket.Limit
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		maxFrame:  DefaultMaxFrameSize,
		keyLimits: make(map[string]tocket.Limit),
	}
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// WithServerMaxFrameSize bounds incoming and outgoing frames, header
// included.
func WithServerMaxFrameSize(n uint32) ServerOption {
	return func(o *serverOptions) {
		o.maxFrame = n
	}
}

// WithServerClock replaces the server's time source, mainly for tests.
func WithServerClock(c tocket.Clock) ServerOption {
	return func(o *serverOptions) {
		o.clock = c
	}
}

// WithKeyLimit provisions key with its own budget instead of the server's
// default limit.
func WithKeyLimit(key string, limit tocket.Limit) ServerOption {
	return func(o *serverOptions) {
		o.keyLimits[key] = limit
	}
}

// WithServerStrictKeys makes the server reject keys that were not
// provisioned through WithKeyLimit, answering with an unknown-key error
// instead of auto-creating a bucket at the default limit.
func WithServerStrictKeys() ServerOption {
	return func(o *serverOptions) {
		o.strict = true
	}
}

type clientOptions struct {
	maxFrame       uint32
	dialTimeout    time.Duration
	requestTimeout time.Duration
	attempts       int
	backoff        time.Duration
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		maxFrame:       DefaultMaxFrameSize,
		dialTimeout:    defaultDialTimeout,
		requestTimeout: defaultRequestTimeout,
		attempts:       defaultAttempts,
		backoff:        defaultBackoff,
	}
}

func (o clientOptions) validate() error {
	if o.dialTimeout <= 0 {
		return fmt.Errorf("distributed: dial timeout must be positive, got %s", o.dialTimeout)
	}
	if o.requestTimeout <= 0 {
		return fmt.Errorf("distributed: request timeout must be positive, got %s", o.requestTimeout)
	}
	if o.attempts < 1 {
		return fmt.Errorf("distributed: attempt count must be at least 1, got %d", o.attempts)
	}
	if o.backoff < 0 {
		return fmt.Errorf("distributed: backoff must not be negative, got %s", o.backoff)
	}
	return nil
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithClientMaxFrameSize bounds incoming and outgoing frames, header
// included.
func WithClientMaxFrameSize(n uint32) ClientOption {
	return func(o *clientOptions) {
		o.maxFrame = n
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.dialTimeout = d
	}
}

// WithRequestTimeout bounds a single acquire attempt. The timeout applies
// per attempt, not cumulatively across retries.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.requestTimeout = d
	}
}

// WithRetry sets how many attempts a call makes before failing with
// tocket.ErrStorageUnavailable and the delay before the second attempt.
// The delay doubles after every failed attempt.
func WithRetry(attempts int, backoff time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.attempts = attempts
		o.backoff = backoff
	}
}
