package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Shape A: length-prefixed framing for a continuous byte stream (e.g. a
// hijacked HTTP connection). Each frame is:
//
//	u32 length (LE, counts itself + tag + payload) | u8 tag | payload
//
// minHeaderLen is the smallest legal value of the length field: the four
// length bytes plus the one tag byte, with no payload.
const minHeaderLen = 5

// EncodeFrame renders m as a complete Shape A frame.
func EncodeFrame(m Message) []byte {
	payload := encodePayload(m)
	length := minHeaderLen + len(payload)

	buf := make([]byte, length)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.Tag())
	copy(buf[5:], payload)

	return buf
}

// DecodeFrame attempts to decode one Shape A frame from the front of buf.
// It returns ErrIncomplete (with consumed == 0) when buf does not yet hold
// a full frame; callers should buffer more bytes and retry. consumed is
// the number of bytes the frame occupied when decoding succeeds or when
// the frame's payload is rejected; it is 0 when the length field itself is
// below minHeaderLen, since no frame boundary can be derived from it.
func DecodeFrame(buf []byte) (msg Message, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, ErrIncomplete
	}

	length := binary.LittleEndian.Uint32(buf[0:4])
	if length < minHeaderLen {
		return nil, 0, ErrUnexpectedMessageLen
	}

	if uint32(len(buf)) < length {
		return nil, 0, ErrIncomplete
	}

	tag := Tag(buf[4])
	payload := buf[5:length]

	m, err := decodeMessage(tag, payload)
	if err != nil {
		return nil, int(length), err
	}

	return m, int(length), nil
}

// StreamReader decodes a sequence of Shape A frames from an io.Reader.
type StreamReader struct {
	r   *bufio.Reader
	buf []byte
}

// NewStreamReader wraps r for Shape A decoding.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: bufio.NewReader(r)}
}

// ReadMessage blocks until one full frame is available and returns it.
func (s *StreamReader) ReadMessage() (Message, error) {
	for {
		if m, consumed, err := DecodeFrame(s.buf); err != ErrIncomplete {
			if err == nil {
				s.buf = s.buf[consumed:]
			} else if consumed > 0 {
				// A malformed-but-delimited frame: still skip past it so
				// the stream can be resynchronized by the caller's error
				// handling (typically: send Error, close).
				s.buf = s.buf[consumed:]
			}

			return m, err
		}

		chunk := make([]byte, 4096)

		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}

		if err != nil {
			if n == 0 {
				return nil, fmt.Errorf("wire: read: %w", err)
			}
		}
	}
}

// StreamWriter encodes Shape A frames to an io.Writer.
type StreamWriter struct{ w io.Writer }

// NewStreamWriter wraps w for Shape A encoding.
func NewStreamWriter(w io.Writer) *StreamWriter { return &StreamWriter{w: w} }

// WriteMessage encodes and writes m as a single frame.
func (s *StreamWriter) WriteMessage(m Message) error {
	if _, err := s.w.Write(EncodeFrame(m)); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}

	return nil
}
