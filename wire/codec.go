package wire

import (
	"encoding/binary"
	"unicode/utf8"
)

// encodePayload serializes m's payload (everything after the tag byte) in
// the shared little-endian layout used by both wire shapes. It never
// fails: Message values are always well-formed by construction.
func encodePayload(m Message) []byte {
	switch v := m.(type) {
	case MsgOkay, MsgMemDone:
		return nil
	case MsgError:
		return []byte(v.Kind)
	case MsgSerialized:
		return []byte(v.Text)
	case MsgBlob:
		return v.Data
	case MsgPage:
		return v.Data
	case MsgMemQuery:
		return putStartEnd(v.Start, v.End)
	case MsgMemEnd:
		return putStartEnd(v.Start, v.End)
	case MsgMemOffer:
		return putStartEndBitmap(v.Start, v.End, v.Bitmap)
	case MsgMemFetch:
		return putStartEndBitmap(v.Start, v.End, v.Bitmap)
	case MsgMemXfer:
		return putStartEndBitmap(v.Start, v.End, v.Bitmap)
	default:
		panic("wire: unhandled message type in encodePayload")
	}
}

func putStartEnd(start, end uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], start)
	binary.LittleEndian.PutUint64(b[8:16], end)

	return b
}

func putStartEndBitmap(start, end uint64, bitmap []byte) []byte {
	b := make([]byte, 16+len(bitmap))
	binary.LittleEndian.PutUint64(b[0:8], start)
	binary.LittleEndian.PutUint64(b[8:16], end)
	copy(b[16:], bitmap)

	return b
}

// decodeMessage decodes a tag byte plus its payload into a Message,
// applying each variant's length-validation rules. Both wire shapes
// share this logic; they differ only in how the (tag, payload) pair is
// delimited on the wire.
func decodeMessage(tag Tag, payload []byte) (Message, error) {
	switch tag {
	case TagOkay:
		if len(payload) != 0 {
			return nil, ErrUnexpectedMessageLen
		}

		return MsgOkay{}, nil

	case TagMemDone:
		if len(payload) != 0 {
			return nil, ErrUnexpectedMessageLen
		}

		return MsgMemDone{}, nil

	case TagError:
		text, err := decodeText(payload)
		if err != nil {
			return nil, err
		}

		return MsgError{Kind: text}, nil

	case TagSerialized:
		text, err := decodeText(payload)
		if err != nil {
			return nil, err
		}

		return MsgSerialized{Text: text}, nil

	case TagBlob:
		return MsgBlob{Data: cloneBytes(payload)}, nil

	case TagPage:
		if len(payload) != PageSize {
			return nil, ErrUnexpectedMessageLen
		}

		return MsgPage{Data: cloneBytes(payload)}, nil

	case TagMemQuery:
		start, end, err := getStartEnd(payload)
		if err != nil {
			return nil, err
		}

		return MsgMemQuery{Start: start, End: end}, nil

	case TagMemEnd:
		start, end, err := getStartEnd(payload)
		if err != nil {
			return nil, err
		}

		return MsgMemEnd{Start: start, End: end}, nil

	case TagMemOffer:
		start, end, bitmap, err := getStartEndBitmap(payload)
		if err != nil {
			return nil, err
		}

		return MsgMemOffer{Start: start, End: end, Bitmap: bitmap}, nil

	case TagMemFetch:
		start, end, bitmap, err := getStartEndBitmap(payload)
		if err != nil {
			return nil, err
		}

		return MsgMemFetch{Start: start, End: end, Bitmap: bitmap}, nil

	case TagMemXfer:
		start, end, bitmap, err := getStartEndBitmap(payload)
		if err != nil {
			return nil, err
		}

		return MsgMemXfer{Start: start, End: end, Bitmap: bitmap}, nil

	default:
		return nil, &InvalidMessageTypeError{Got: uint8(tag)}
	}
}

func decodeText(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", ErrUtf8
	}

	return string(payload), nil
}

func getStartEnd(payload []byte) (start, end uint64, err error) {
	if len(payload) != 16 {
		return 0, 0, ErrUnexpectedMessageLen
	}

	return binary.LittleEndian.Uint64(payload[0:8]), binary.LittleEndian.Uint64(payload[8:16]), nil
}

func getStartEndBitmap(payload []byte) (start, end uint64, bitmap []byte, err error) {
	if len(payload) < 16 {
		return 0, 0, nil, ErrUnexpectedMessageLen
	}

	start = binary.LittleEndian.Uint64(payload[0:8])
	end = binary.LittleEndian.Uint64(payload[8:16])

	return start, end, cloneBytes(payload[16:]), nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	c := make([]byte, len(b))
	copy(c, b)

	return c
}
