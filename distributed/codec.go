package distributed

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout:
//
//	[0:4)  length   u32 big-endian, = 1 (type tag) + body length
//	[4:8)  checksum u32 big-endian, CRC32 (IEEE) over bytes [8 .. 8+length)
//	[8:9)  type tag u8
//	[9:..] message body
const (
	headerSize = 8

	// MinFrameSize is the smallest valid frame: header plus type tag.
	MinFrameSize = headerSize + 1

	// DefaultMaxFrameSize bounds a whole frame including its header.
	DefaultMaxFrameSize = 64 * 1024
)

// Codec encodes acquire requests and responses into checksummed frames and
// decodes them back with corruption detection. The same codec handles both
// message kinds, disambiguated by the type tag. A Codec holds no stream
// state and is safe for concurrent use on distinct streams.
type Codec struct {
	maxFrame uint32
}

// NewCodec creates a codec rejecting frames larger than maxFrame bytes,
// header included. maxFrame below MinFrameSize fails fast.
func NewCodec(maxFrame uint32) (*Codec, error) {
	if maxFrame < MinFrameSize {
		return nil, fmt.Errorf("distributed: max frame size %d below minimum %d", maxFrame, MinFrameSize)
	}
	return &Codec{maxFrame: maxFrame}, nil
}

// WriteRequest frames and writes one acquire request.
func (c *Codec) WriteRequest(w io.Writer, req *AcquireRequest) error {
	body, err := appendRequestBody(nil, req)
	if err != nil {
		return err
	}
	return c.writeFrame(w, tagAcquireRequest, body)
}

// WriteResponse frames and writes one acquire response.
func (c *Codec) WriteResponse(w io.Writer, resp *AcquireResponse) error {
	body, err := appendResponseBody(nil, resp)
	if err != nil {
		return err
	}
	return c.writeFrame(w, tagAcquireResponse, body)
}

func (c *Codec) writeFrame(w io.Writer, tag byte, body []byte) error {
	if uint64(len(body))+1 > uint64(c.maxFrame-headerSize) {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, headerSize+1+len(body), c.maxFrame)
	}
	length := uint32(1 + len(body))

	frame := make([]byte, 0, headerSize+length)
	frame = binary.BigEndian.AppendUint32(frame, length)
	frame = append(frame, 0, 0, 0, 0) // checksum backfilled below
	frame = append(frame, tag)
	frame = append(frame, body...)
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(frame[headerSize:]))

	_, err := w.Write(frame)
	return err
}

// ReadMessage reads exactly one frame and decodes its message. A declared
// length beyond the configured maximum fails with ErrFrameTooLarge before
// any payload byte is read. A checksum mismatch fails with
// ErrChecksumMismatch; the caller must treat the stream as desynchronized
// and close it. I/O errors are returned as-is.
func (c *Codec) ReadMessage(r io.Reader) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length payload", ErrMalformedFrame)
	}
	// Compared against the payload budget rather than headerSize+length,
	// which would wrap for lengths near MaxUint32 and wave the frame
	// through to the allocation below.
	if length > c.maxFrame-headerSize {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, uint64(headerSize)+uint64(length), c.maxFrame)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if got := crc32.ChecksumIEEE(payload); got != sum {
		return nil, fmt.Errorf("%w: calculated %#x, frame carries %#x", ErrChecksumMismatch, got, sum)
	}

	switch payload[0] {
	case tagAcquireRequest:
		return decodeRequestBody(payload[1:])
	case tagAcquireResponse:
		return decodeResponseBody(payload[1:])
	default:
		return nil, fmt.Errorf("%w: unknown type tag %#x", ErrMalformedFrame, payload[0])
	}
}
