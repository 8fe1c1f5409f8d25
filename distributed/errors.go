package distributed

import "errors"

var (
	// ErrFrameTooLarge is returned when a frame header declares a payload
	// bigger than the configured maximum. The payload is never read, which
	// keeps a corrupt or hostile length field from exhausting memory.
	ErrFrameTooLarge = errors.New("distributed: frame exceeds size limit")

	// ErrChecksumMismatch is returned when the payload's CRC32 does not
	// match the frame header. The stream is considered desynchronized and
	// the connection is closed; no byte-level resynchronization is
	// attempted.
	ErrChecksumMismatch = errors.New("distributed: frame checksum mismatch")

	// ErrMalformedFrame is returned when a frame passes the checksum but
	// its payload does not parse as a known message.
	ErrMalformedFrame = errors.New("distributed: malformed frame")

	// ErrClientClosed is returned by calls made after Client.Close.
	ErrClientClosed = errors.New("distributed: client closed")

	// errConnectionLost marks a transient transport fault; the client's
	// retry policy handles it.
	errConnectionLost = errors.New("distributed: connection lost")

	// errAttemptTimeout marks a per-attempt request timeout.
	errAttemptTimeout = errors.New("distributed: request timed out")

	// ErrServerError is returned when the server reports an ErrKindInternal
	// rejection.
	ErrServerError = errors.New("distributed: server error")
)
