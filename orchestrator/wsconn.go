package orchestrator

import (
	"github.com/pascaldekloe/websocket"

	"github.com/bhyve-go/propolis-migrate/wire"
)

// wsTransport adapts a *websocket.Conn (the retrieval pack's from-scratch
// RFC 6455 implementation) to wire.DatagramTransport, so Shape B frames can
// travel as whole WebSocket binary messages.
type wsTransport struct {
	conn *websocket.Conn
}

// newWSTransport wraps conn for Shape B framing.
func newWSTransport(conn *websocket.Conn) wire.DatagramTransport {
	return &wsTransport{conn: conn}
}

// ReadBinary reads one complete WebSocket message. Conn.Read spans frames
// of a single message; ReadMode's final flag (only true once the frame's
// payload is fully drained) marks the end, mirroring the accumulate-until-
// final loop the library's own tests use to reconstruct fragmented
// messages.
func (t *wsTransport) ReadBinary() ([]byte, bool, error) {
	var buf []byte

	chunk := make([]byte, 4096)

	for {
		n, err := t.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		if err != nil {
			return nil, false, err
		}

		opcode, final := t.conn.ReadMode()
		if final {
			return buf, opcode == websocket.Binary, nil
		}
	}
}

// WriteBinary sends frame as one unfragmented binary WebSocket message.
func (t *wsTransport) WriteBinary(frame []byte) error {
	t.conn.WriteFinal(websocket.Binary)

	_, err := t.conn.Write(frame)

	return err
}
