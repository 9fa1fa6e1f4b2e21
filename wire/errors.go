package wire

import (
	"errors"
	"fmt"
)

// Codec-level errors. They are reported locally; an Error frame sent to the
// peer carries a migration error-kind name, not these strings.
var (
	// ErrIncomplete is returned by the low-level stream decoder when fewer
	// bytes are buffered than the frame's declared length — "need more
	// bytes", not a malformed frame.
	ErrIncomplete = errors.New("wire: incomplete frame")

	ErrUnexpectedMessageLen     = errors.New("wire: unexpected message length")
	ErrUtf8                     = errors.New("wire: non-UTF-8 text payload")
	ErrEmptyFrame               = errors.New("wire: empty datagram frame")
	ErrUnexpectedTransportFrame = errors.New("wire: unexpected transport frame")
)

// InvalidMessageTypeError reports an unrecognized tag byte.
type InvalidMessageTypeError struct{ Got uint8 }

func (e *InvalidMessageTypeError) Error() string {
	return fmt.Sprintf("wire: invalid message type %d", e.Got)
}

// DeserializeError wraps a failure to parse a Serialized/Error text payload
// into its structured form (preamble, device list, error kind).
type DeserializeError struct{ Msg string }

func (e *DeserializeError) Error() string { return "wire: deserialize: " + e.Msg }
