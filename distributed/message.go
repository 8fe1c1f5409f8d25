// Package distributed provides a client/server pair that keeps one
// authoritative token bucket state per key reachable from multiple
// processes over TCP, using a framed, checksummed binary wire protocol.
package distributed

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Message type tags, the first payload byte of every frame.
const (
	tagAcquireRequest  byte = 0x01
	tagAcquireResponse byte = 0x02
)

// Outcome codes carried by an AcquireResponse.
const (
	OutcomeGranted byte = 0
	OutcomeDenied  byte = 1
	OutcomeError   byte = 2
)

// ErrorKind identifies a logical rejection returned by the server. It
// reflects a property of the request, not a transient fault, so clients
// surface it to the caller instead of retrying.
type ErrorKind byte

const (
	ErrKindInvalidAmount ErrorKind = 1
	ErrKindUnknownKey    ErrorKind = 2
	ErrKindInternal      ErrorKind = 3
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindInvalidAmount:
		return "invalid amount"
	case ErrKindUnknownKey:
		return "unknown key"
	case ErrKindInternal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Message is a decoded wire message, either *AcquireRequest or
// *AcquireResponse.
type Message interface {
	isMessage()
}

// AcquireRequest asks the server to take Amount tokens from the bucket
// named by Key. CorrelationID is assigned by the client and echoed back in
// the response, unique per in-flight request on a connection.
type AcquireRequest struct {
	CorrelationID uint64
	Key           string
	Amount        uint64
}

func (*AcquireRequest) isMessage() {}

// AcquireResponse carries the outcome for the request with the same
// correlation id. RetryAfter is meaningful only for OutcomeDenied, Kind
// only for OutcomeError.
type AcquireResponse struct {
	CorrelationID uint64
	Outcome       byte
	RetryAfter    time.Duration
	Kind          ErrorKind
}

func (*AcquireResponse) isMessage() {}

// Body layout, all integers big-endian:
//
//	request:  correlation_id u64 | key_len u16 | key bytes | amount u64
//	response: correlation_id u64 | outcome u8 | retry_after_ms u64 (denied)
//	                                          | error kind  u8  (error)

func appendRequestBody(buf []byte, req *AcquireRequest) ([]byte, error) {
	if len(req.Key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrMalformedFrame)
	}
	if len(req.Key) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: key of %d bytes exceeds %d", ErrMalformedFrame, len(req.Key), math.MaxUint16)
	}

	buf = binary.BigEndian.AppendUint64(buf, req.CorrelationID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(req.Key)))
	buf = append(buf, req.Key...)
	buf = binary.BigEndian.AppendUint64(buf, req.Amount)
	return buf, nil
}

func decodeRequestBody(body []byte) (*AcquireRequest, error) {
	if len(body) < 8+2 {
		return nil, fmt.Errorf("%w: request body of %d bytes", ErrMalformedFrame, len(body))
	}

	req := &AcquireRequest{CorrelationID: binary.BigEndian.Uint64(body[0:8])}
	keyLen := int(binary.BigEndian.Uint16(body[8:10]))
	if keyLen == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrMalformedFrame)
	}
	if len(body) != 8+2+keyLen+8 {
		return nil, fmt.Errorf("%w: request body of %d bytes, want %d for key of %d bytes",
			ErrMalformedFrame, len(body), 8+2+keyLen+8, keyLen)
	}

	req.Key = string(body[10 : 10+keyLen])
	req.Amount = binary.BigEndian.Uint64(body[10+keyLen:])
	return req, nil
}

func appendResponseBody(buf []byte, resp *AcquireResponse) ([]byte, error) {
	buf = binary.BigEndian.AppendUint64(buf, resp.CorrelationID)
	buf = append(buf, resp.Outcome)

	switch resp.Outcome {
	case OutcomeGranted:
	case OutcomeDenied:
		buf = binary.BigEndian.AppendUint64(buf, uint64(resp.RetryAfter/time.Millisecond))
	case OutcomeError:
		buf = append(buf, byte(resp.Kind))
	default:
		return nil, fmt.Errorf("%w: unknown outcome %d", ErrMalformedFrame, resp.Outcome)
	}
	return buf, nil
}

func decodeResponseBody(body []byte) (*AcquireResponse, error) {
	if len(body) < 8+1 {
		return nil, fmt.Errorf("%w: response body of %d bytes", ErrMalformedFrame, len(body))
	}

	resp := &AcquireResponse{
		CorrelationID: binary.BigEndian.Uint64(body[0:8]),
		Outcome:       body[8],
	}

	switch resp.Outcome {
	case OutcomeGranted:
		if len(body) != 9 {
			return nil, fmt.Errorf("%w: granted response body of %d bytes", ErrMalformedFrame, len(body))
		}
	case OutcomeDenied:
		if len(body) != 9+8 {
			return nil, fmt.Errorf("%w: denied response body of %d bytes", ErrMalformedFrame, len(body))
		}
		resp.RetryAfter = time.Duration(binary.BigEndian.Uint64(body[9:])) * time.Millisecond
	case OutcomeError:
		if len(body) != 9+1 {
			return nil, fmt.Errorf("%w: error response body of %d bytes", ErrMalformedFrame, len(body))
		}
		resp.Kind = ErrorKind(body[9])
	default:
		return nil, fmt.Errorf("%w: unknown outcome %d", ErrMalformedFrame, resp.Outcome)
	}
	return resp, nil
}
