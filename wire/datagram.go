package wire

import "fmt"

// Shape B: one complete message-framed datagram (e.g. one WebSocket binary
// frame) is exactly:
//
//	payload | u8 tag
//
// The tag is the *last* byte so the leading 64-bit fields of MemQuery and
// friends stay naturally aligned within the buffer ahead of the trailing
// discriminator.

// EncodeDatagram renders m as a complete Shape B datagram.
func EncodeDatagram(m Message) []byte {
	payload := encodePayload(m)

	buf := make([]byte, len(payload)+1)
	copy(buf, payload)
	buf[len(payload)] = byte(m.Tag())

	return buf
}

// DecodeDatagram decodes one complete Shape B datagram.
func DecodeDatagram(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	tag := Tag(frame[len(frame)-1])
	payload := frame[:len(frame)-1]

	return decodeMessage(tag, payload)
}

// DatagramTransport is the minimal surface Shape B needs from a
// message-framed connection: one binary frame in, one binary frame out.
// *github.com/pascaldekloe/websocket.Conn satisfies it via the adapter in
// the orchestrator package.
type DatagramTransport interface {
	// ReadBinary blocks for the next complete message and reports whether
	// it was a binary frame (Shape B requires every frame to be binary).
	ReadBinary() (frame []byte, binary bool, err error)
	// WriteBinary sends frame as one complete binary message.
	WriteBinary(frame []byte) error
}

// DatagramReader decodes Shape B messages from a DatagramTransport.
type DatagramReader struct{ t DatagramTransport }

// NewDatagramReader wraps t for Shape B decoding.
func NewDatagramReader(t DatagramTransport) *DatagramReader { return &DatagramReader{t: t} }

// ReadMessage blocks for and decodes the next datagram.
func (d *DatagramReader) ReadMessage() (Message, error) {
	frame, binary, err := d.t.ReadBinary()
	if err != nil {
		return nil, fmt.Errorf("wire: read: %w", err)
	}

	if !binary {
		return nil, ErrUnexpectedTransportFrame
	}

	return DecodeDatagram(frame)
}

// DatagramWriter encodes Shape B messages to a DatagramTransport.
type DatagramWriter struct{ t DatagramTransport }

// NewDatagramWriter wraps t for Shape B encoding.
func NewDatagramWriter(t DatagramTransport) *DatagramWriter { return &DatagramWriter{t: t} }

// WriteMessage encodes and sends m as one datagram.
func (d *DatagramWriter) WriteMessage(m Message) error {
	if err := d.t.WriteBinary(EncodeDatagram(m)); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}

	return nil
}
