package distributed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"math"
	"strings"
	"testing"
	"time"
)

func mustCodec(t *testing.T, maxFrame uint32) *Codec {
	t.Helper()
	c, err := NewCodec(maxFrame)
	if err != nil {
		t.Fatalf("NewCodec(%d) failed: %v", maxFrame, err)
	}
	return c
}

func TestNewCodecValidation(t *testing.T) {
	for _, n := range []uint32{0, 1, headerSize, MinFrameSize - 1} {
		if _, err := NewCodec(n); err == nil {
			t.Errorf("NewCodec(%d): expected max frame below %d to be rejected", n, MinFrameSize)
		}
	}
	if _, err := NewCodec(MinFrameSize); err != nil {
		t.Errorf("NewCodec(%d) should be accepted: %v", MinFrameSize, err)
	}
}

func TestCodecRequestRoundTrip(t *testing.T) {
	codec := mustCodec(t, 128*1024)

	tests := []struct {
		name string
		req  AcquireRequest
	}{
		{"simple", AcquireRequest{CorrelationID: 1, Key: "k", Amount: 1}},
		{"zero amount", AcquireRequest{CorrelationID: 42, Key: "api", Amount: 0}},
		{"max amount", AcquireRequest{CorrelationID: math.MaxUint64, Key: "api", Amount: math.MaxUint64}},
		{"max key", AcquireRequest{CorrelationID: 7, Key: strings.Repeat("x", math.MaxUint16), Amount: 3}},
		{"binary key", AcquireRequest{CorrelationID: 9, Key: "\x00\xff\x10", Amount: 12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := codec.WriteRequest(&buf, &tt.req); err != nil {
				t.Fatalf("WriteRequest failed: %v", err)
			}

			msg, err := codec.ReadMessage(&buf)
			if err != nil {
				t.Fatalf("ReadMessage failed: %v", err)
			}
			got, ok := msg.(*AcquireRequest)
			if !ok {
				t.Fatalf("decoded %T, want *AcquireRequest", msg)
			}
			if *got != tt.req {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *got, tt.req)
			}
		})
	}
}

func TestCodecResponseRoundTrip(t *testing.T) {
	codec := mustCodec(t, DefaultMaxFrameSize)

	tests := []struct {
		name string
		resp AcquireResponse
	}{
		{"granted", AcquireResponse{CorrelationID: 1, Outcome: OutcomeGranted}},
		{"denied", AcquireResponse{CorrelationID: 2, Outcome: OutcomeDenied, RetryAfter: 1500 * time.Millisecond}},
		{"denied zero wait", AcquireResponse{CorrelationID: 3, Outcome: OutcomeDenied}},
		{"invalid amount", AcquireResponse{CorrelationID: 4, Outcome: OutcomeError, Kind: ErrKindInvalidAmount}},
		{"unknown key", AcquireResponse{CorrelationID: 5, Outcome: OutcomeError, Kind: ErrKindUnknownKey}},
		{"internal", AcquireResponse{CorrelationID: math.MaxUint64, Outcome: OutcomeError, Kind: ErrKindInternal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := codec.WriteResponse(&buf, &tt.resp); err != nil {
				t.Fatalf("WriteResponse failed: %v", err)
			}

			msg, err := codec.ReadMessage(&buf)
			if err != nil {
				t.Fatalf("ReadMessage failed: %v", err)
			}
			got, ok := msg.(*AcquireResponse)
			if !ok {
				t.Fatalf("decoded %T, want *AcquireResponse", msg)
			}
			if *got != tt.resp {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *got, tt.resp)
			}
		})
	}
}

// Flipping any single bit of the payload must be caught by the checksum.
func TestCodecBitFlipDetection(t *testing.T) {
	codec := mustCodec(t, DefaultMaxFrameSize)

	var buf bytes.Buffer
	req := AcquireRequest{CorrelationID: 0xDEADBEEF, Key: "bucket", Amount: 10}
	if err := codec.WriteRequest(&buf, &req); err != nil {
		t.Fatalf("WriteRequest failed: %v", err)
	}
	frame := buf.Bytes()

	for i := headerSize; i < len(frame); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(frame))
			copy(corrupted, frame)
			corrupted[i] ^= 1 << bit

			_, err := codec.ReadMessage(bytes.NewReader(corrupted))
			if !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("flip of byte %d bit %d: expected ErrChecksumMismatch, got %v", i, bit, err)
			}
		}
	}
}

func TestCodecFrameTooLarge(t *testing.T) {
	codec := mustCodec(t, 64)

	// Read side: the declared length alone must trip the limit, the
	// payload is never consumed. Lengths near MaxUint32 would wrap a
	// naive headerSize+length comparison, so they get their own cases.
	for _, length := range []uint32{1 << 30, math.MaxUint32, math.MaxUint32 - 4} {
		header := make([]byte, headerSize)
		binary.BigEndian.PutUint32(header[0:4], length)
		_, err := codec.ReadMessage(bytes.NewReader(header))
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("expected ErrFrameTooLarge for declared length %#x, got %v", length, err)
		}
	}

	// Write side: an encodable message that does not fit is refused.
	err := codec.WriteRequest(io.Discard, &AcquireRequest{CorrelationID: 1, Key: strings.Repeat("x", 100), Amount: 1})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge on write, got %v", err)
	}
}

// rawFrame builds a frame with a valid length and checksum around an
// arbitrary payload.
func rawFrame(payload []byte) []byte {
	frame := make([]byte, 0, headerSize+len(payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(payload))
	return append(frame, payload...)
}

func TestCodecMalformedFrames(t *testing.T) {
	codec := mustCodec(t, DefaultMaxFrameSize)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"unknown type tag", []byte{0x7F, 1, 2, 3}},
		{"truncated request body", []byte{tagAcquireRequest, 1, 2, 3}},
		{"empty request key", append([]byte{tagAcquireRequest}, make([]byte, 8+2+8)...)},
		{"truncated response body", []byte{tagAcquireResponse, 1, 2}},
		{"unknown outcome", append([]byte{tagAcquireResponse}, append(make([]byte, 8), 0xEE)...)},
		{"denied without retry field", append([]byte{tagAcquireResponse}, append(make([]byte, 8), OutcomeDenied)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.ReadMessage(bytes.NewReader(rawFrame(tt.payload)))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}

	t.Run("zero length", func(t *testing.T) {
		_, err := codec.ReadMessage(bytes.NewReader(make([]byte, headerSize)))
		if !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("expected ErrMalformedFrame for zero-length payload, got %v", err)
		}
	})
}

func TestCodecTruncatedStream(t *testing.T) {
	codec := mustCodec(t, DefaultMaxFrameSize)

	var buf bytes.Buffer
	if err := codec.WriteRequest(&buf, &AcquireRequest{CorrelationID: 1, Key: "k", Amount: 1}); err != nil {
		t.Fatalf("WriteRequest failed: %v", err)
	}
	frame := buf.Bytes()

	for _, cut := range []int{1, headerSize - 1, headerSize, len(frame) - 1} {
		_, err := codec.ReadMessage(bytes.NewReader(frame[:cut]))
		if err == nil {
			t.Errorf("truncation at %d bytes: expected an error", cut)
		}
	}
}

func TestCodecWriteEmptyKeyRejected(t *testing.T) {
	codec := mustCodec(t, DefaultMaxFrameSize)
	err := codec.WriteRequest(io.Discard, &AcquireRequest{CorrelationID: 1, Amount: 1})
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame for an empty key, got %v", err)
	}
}
