package distributed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/LazyMechanic/tocket"
)

// Client implements tocket.Storage over a connection to a Server.
//
// Requests are pipelined: any number of acquires may be in flight on one
// connection, each carrying a fresh correlation id. A single reader
// goroutine demultiplexes responses back to their waiters, so out-of-order
// responses are fine. Connection errors and per-attempt timeouts trigger a
// bounded redial-and-resend retry; when attempts are exhausted the call
// fails with tocket.ErrStorageUnavailable. A logical rejection from the
// server is surfaced as-is and never retried.
type Client struct {
	addr  string
	codec *Codec
	opts  clientOptions

	correlation atomic.Uint64

	mu      sync.Mutex // guards conn, pending, closed
	conn    net.Conn
	pending map[uint64]chan *AcquireResponse
	closed  bool

	writeMu sync.Mutex // serializes frame writes on the shared connection
}

// NewClient creates a client for the server at addr. The connection is
// established lazily on the first acquire.
func NewClient(addr string, opts ...ClientOption) (*Client, error) {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	codec, err := NewCodec(o.maxFrame)
	if err != nil {
		return nil, err
	}

	return &Client{
		addr:    addr,
		codec:   codec,
		opts:    o,
		pending: make(map[uint64]chan *AcquireResponse),
	}, nil
}

// TryAcquire implements tocket.Storage. The request timeout applies per
// attempt; the backoff before each redial doubles. Caller cancellation
// abandons the in-flight request, but a debit the server already committed
// is not refunded.
func (c *Client) TryAcquire(ctx context.Context, key string, amount uint64) (tocket.Decision, error) {
	backoff := c.opts.backoff
	var lastErr error

	for attempt := 1; attempt <= c.opts.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return tocket.Decision{}, ctx.Err()
			}
			backoff *= 2
		}

		dec, err := c.tryOnce(ctx, key, amount)
		if err == nil {
			return dec, nil
		}
		if fatal(err) {
			return tocket.Decision{}, err
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt).Str("key", key).Msg("acquire attempt failed")
	}

	return tocket.Decision{}, fmt.Errorf("%w: %d attempts failed: %v",
		tocket.ErrStorageUnavailable, c.opts.attempts, lastErr)
}

// Close tears down the connection and fails all in-flight requests.
// Subsequent calls return ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- nil
	}
	return nil
}

func (c *Client) tryOnce(ctx context.Context, key string, amount uint64) (tocket.Decision, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return tocket.Decision{}, err
	}

	req := &AcquireRequest{
		CorrelationID: c.correlation.Add(1),
		Key:           key,
		Amount:        amount,
	}

	// Register before writing so a fast response cannot race the
	// registration.
	ch := make(chan *AcquireResponse, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return tocket.Decision{}, ErrClientClosed
	}
	c.pending[req.CorrelationID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.codec.WriteRequest(conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(req.CorrelationID)
		c.failConn(conn)
		return tocket.Decision{}, fmt.Errorf("%w: %v", errConnectionLost, err)
	}

	timer := time.NewTimer(c.opts.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return tocket.Decision{}, errConnectionLost
		}
		return translate(resp)
	case <-timer.C:
		c.unregister(req.CorrelationID)
		// The server went quiet; the next attempt starts from a fresh
		// connection.
		c.failConn(conn)
		return tocket.Decision{}, errAttemptTimeout
	case <-ctx.Done():
		c.unregister(req.CorrelationID)
		return tocket.Decision{}, ctx.Err()
	}
}

// ensureConn returns the live connection, dialing a new one if needed. The
// dial honors ctx and runs outside c.mu so a slow connect neither outlives
// the caller's cancellation nor blocks pipelined requests on the existing
// connection.
func (c *Client) ensureConn(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.opts.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errConnectionLost, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClientClosed
	}
	if c.conn != nil {
		// Another caller finished its dial first; use that connection.
		conn.Close()
		return c.conn, nil
	}
	c.conn = conn
	go c.readLoop(conn)
	log.Debug().Str("addr", c.addr).Msg("connected to tocket server")
	return conn, nil
}

// readLoop demultiplexes responses to their waiters until the connection
// dies.
func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		msg, err := c.codec.ReadMessage(reader)
		if err != nil {
			c.failConn(conn)
			return
		}

		resp, ok := msg.(*AcquireResponse)
		if !ok {
			log.Warn().Str("addr", c.addr).Msg("server sent a request frame, closing connection")
			c.failConn(conn)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.CorrelationID]
		if ok {
			delete(c.pending, resp.CorrelationID)
		}
		c.mu.Unlock()
		if !ok {
			// The waiter timed out or was cancelled; nothing to refund
			// client-side.
			log.Debug().Uint64("correlation_id", resp.CorrelationID).Msg("response for abandoned request")
			continue
		}
		ch <- resp
	}
}

// failConn closes conn and fails every request still pending on it. All
// in-flight requests belong to the current connection, so draining the
// whole table is correct.
func (c *Client) failConn(conn net.Conn) {
	conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- nil
	}
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func translate(resp *AcquireResponse) (tocket.Decision, error) {
	switch resp.Outcome {
	case OutcomeGranted:
		return tocket.Decision{Granted: true}, nil
	case OutcomeDenied:
		return tocket.Decision{RetryAfter: resp.RetryAfter}, nil
	case OutcomeError:
		switch resp.Kind {
		case ErrKindInvalidAmount:
			return tocket.Decision{}, tocket.ErrInvalidAmount
		case ErrKindUnknownKey:
			return tocket.Decision{}, tocket.ErrUnknownKey
		default:
			return tocket.Decision{}, fmt.Errorf("%w: %s", ErrServerError, resp.Kind)
		}
	default:
		return tocket.Decision{}, fmt.Errorf("%w: outcome %d", ErrMalformedFrame, resp.Outcome)
	}
}

// fatal reports whether err must be surfaced instead of retried: caller
// bugs, caller cancellation, logical rejections from the server and a
// closed client. Transport faults and attempt timeouts stay retryable.
func fatal(err error) bool {
	for _, target := range []error{
		tocket.ErrInvalidAmount,
		tocket.ErrUnknownKey,
		ErrServerError,
		ErrClientClosed,
		ErrMalformedFrame,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var _ tocket.Storage = (*Client)(nil)
