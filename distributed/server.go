package distributed

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/LazyMechanic/tocket"
)

// connState tracks where a connection is in its request/response loop.
type connState int

const (
	stateAwaitingFrame connState = iota
	stateProcessing
	stateResponding
	stateClosed
)

// Server owns the authoritative buckets and answers acquire requests over
// TCP. Each connection runs in its own goroutine; connections contending on
// the same key are serialized by that key's lock only, so one slow or
// broken connection never affects bucket state seen by the others.
type Server struct {
	storage *tocket.MemoryStorage
	codec   *Codec

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server whose auto-provisioned buckets use
// defaultLimit. Per-key budgets come from WithKeyLimit;
// WithServerStrictKeys turns off auto-provisioning entirely.
func NewServer(defaultLimit tocket.Limit, opts ...ServerOption) (*Server, error) {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(&o)
	}

	codec, err := NewCodec(o.maxFrame)
	if err != nil {
		return nil, err
	}

	var memOpts []tocket.MemoryOption
	if o.clock != nil {
		memOpts = append(memOpts, tocket.WithClock(o.clock))
	}
	if o.strict {
		memOpts = append(memOpts, tocket.WithStrictKeys())
	}
	storage, err := tocket.NewMemoryStorage(defaultLimit, memOpts...)
	if err != nil {
		return nil, err
	}
	for key, limit := range o.keyLimits {
		if err := storage.Configure(key, limit); err != nil {
			return nil, err
		}
	}

	return &Server{
		storage: storage,
		codec:   codec,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Storage exposes the server's bucket state for local inspection.
func (s *Server) Storage() *tocket.MemoryStorage { return s.storage }

// ListenAndServe binds addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until Close. It takes ownership of the
// listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("tocket server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			log.Error().Err(err).Msg("accept failed")
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

// Close stops accepting, closes live connections and waits for their
// goroutines to finish. Bucket state is retained until the process exits.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	log.Info().Msg("tocket server stopped")
	return err
}

// handleConn drives one connection through its state machine:
// awaitingFrame -> processing -> responding -> awaitingFrame, looping until
// the peer disconnects or the stream turns out corrupt. Any exit path only
// tears down this connection.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	l := log.With().
		Str("conn_id", uuid.NewString()).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	l.Debug().Msg("connection accepted")

	var (
		state  = stateAwaitingFrame
		reader = bufio.NewReader(conn)
		req    *AcquireRequest
		resp   *AcquireResponse
	)
	for state != stateClosed {
		switch state {
		case stateAwaitingFrame:
			req, state = s.awaitFrame(reader, l)
		case stateProcessing:
			resp = s.process(req, l)
			state = stateResponding
		case stateResponding:
			if err := s.codec.WriteResponse(conn, resp); err != nil {
				l.Warn().Err(err).Msg("response write failed, closing connection")
				state = stateClosed
				continue
			}
			state = stateAwaitingFrame
		}
	}

	l.Debug().Msg("connection closed")
}

func (s *Server) awaitFrame(r io.Reader, l zerolog.Logger) (*AcquireRequest, connState) {
	msg, err := s.codec.ReadMessage(r)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			// Clean disconnect.
		case errors.Is(err, ErrChecksumMismatch), errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrMalformedFrame):
			l.Warn().Err(err).Msg("protocol violation, closing connection")
		default:
			l.Warn().Err(err).Msg("read failed, closing connection")
		}
		return nil, stateClosed
	}

	req, ok := msg.(*AcquireRequest)
	if !ok {
		l.Warn().Msg("peer sent a response frame, closing connection")
		return nil, stateClosed
	}
	return req, stateProcessing
}

// process is the single point of bucket mutation. The bucket's lock is
// taken inside the storage for the refill+acquire computation only, never
// across I/O.
func (s *Server) process(req *AcquireRequest, l zerolog.Logger) *AcquireResponse {
	resp := &AcquireResponse{CorrelationID: req.CorrelationID}

	dec, err := s.storage.TryAcquire(context.Background(), req.Key, req.Amount)
	switch {
	case errors.Is(err, tocket.ErrInvalidAmount):
		resp.Outcome = OutcomeError
		resp.Kind = ErrKindInvalidAmount
	case errors.Is(err, tocket.ErrUnknownKey):
		resp.Outcome = OutcomeError
		resp.Kind = ErrKindUnknownKey
	case err != nil:
		l.Error().Err(err).Str("key", req.Key).Msg("storage failed")
		resp.Outcome = OutcomeError
		resp.Kind = ErrKindInternal
	case dec.Granted:
		resp.Outcome = OutcomeGranted
	default:
		resp.Outcome = OutcomeDenied
		resp.RetryAfter = dec.RetryAfter
	}

	l.Debug().
		Uint64("correlation_id", req.CorrelationID).
		Str("key", req.Key).
		Uint64("amount", req.Amount).
		Uint8("outcome", resp.Outcome).
		Msg("request processed")
	return resp
}
