package orchestrator

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // required by RFC 6455's handshake digest, not used for security
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/pascaldekloe/websocket"

	"github.com/bhyve-go/propolis-migrate/wire"
)

// wsHandshakeGUID is RFC 6455's fixed challenge salt, the client-side twin
// of httpws.Upgrade's own copy.
var wsHandshakeGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// DialMigrateStart performs the destination-initiated migrate-start
// request: it PUTs body to addr's "/instances/{id}/migrate/start", carrying
// an RFC 6455
// Upgrade handshake with LocalToken() as the requested Sec-WebSocket-
// Protocol, and on a 101 response returns a wire.Transport ready for
// dest.Run. httpws (the retrieval pack's websocket library) only
// implements the server half of the handshake — Conn.Write never masks
// and Conn.Read requires every frame masked, which is backwards for a
// client — so the client frame encoding below is a small, from-scratch
// mirror of it: mask on send, require unmasked on receive.
func DialMigrateStart(addr string, id, migrationID fmt.Stringer, body []byte) (wire.Transport, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: dial: %w", err)
	}

	conn, err := net.Dial("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: dial: %w", err)
	}

	var keyRaw [16]byte
	if _, err := rand.Read(keyRaw[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("orchestrator: dial: %w", err)
	}

	key := base64.StdEncoding.EncodeToString(keyRaw[:])
	path := fmt.Sprintf("/instances/%s/migrate/start", id)

	req, err := http.NewRequest(http.MethodPut, "http://"+u.Host+path, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("orchestrator: dial: %w", err)
	}

	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Protocol", LocalToken())
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("orchestrator: dial: write request: %w", err)
	}

	if _, err := conn.Write(body); err != nil {
		conn.Close()
		return nil, fmt.Errorf("orchestrator: dial: write body: %w", err)
	}

	br := bufio.NewReader(conn)

	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("orchestrator: dial: read response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("orchestrator: dial: want 101, got %s", resp.Status)
	}

	if err := validateAccept(key, resp.Header.Get("Sec-WebSocket-Accept")); err != nil {
		conn.Close()
		return nil, err
	}

	if token, err := negotiateToken([]string{resp.Header.Get("Sec-WebSocket-Protocol")}); err != nil {
		conn.Close()
		return nil, err
	} else if token != LocalToken() {
		conn.Close()
		return nil, fmt.Errorf("orchestrator: dial: unexpected protocol %q", token)
	}

	return wire.NewDatagram(&clientWSTransport{conn: conn, r: br}), nil
}

func validateAccept(key, accept string) error {
	digest := sha1.New() //nolint:gosec
	digest.Write([]byte(key))
	digest.Write(wsHandshakeGUID)
	want := base64.StdEncoding.EncodeToString(digest.Sum(nil))

	if want != accept {
		return fmt.Errorf("orchestrator: dial: Sec-WebSocket-Accept mismatch: got %q, want %q", accept, want)
	}

	return nil
}

// clientWSTransport is a minimal client-role RFC 6455 framer satisfying
// wire.DatagramTransport: outgoing frames are masked (required of clients),
// incoming frames must not be (required of servers).
type clientWSTransport struct {
	conn net.Conn
	r    *bufio.Reader
}

// WriteBinary sends frame as one unfragmented, masked binary message.
func (t *clientWSTransport) WriteBinary(frame []byte) error {
	header := make([]byte, 2, 14)
	header[0] = byte(websocket.Binary) | 0x80 // FIN + opcode

	switch {
	case len(frame) < 126:
		header[1] = byte(len(frame)) | 0x80 // MASK
	case len(frame) < 1<<16:
		header[1] = 126 | 0x80
		header = append(header, 0, 0)
		binary.BigEndian.PutUint16(header[2:4], uint16(len(frame)))
	default:
		header[1] = 127 | 0x80
		header = append(header, make([]byte, 8)...)
		binary.BigEndian.PutUint64(header[2:10], uint64(len(frame)))
	}

	var maskKey [4]byte
	if _, err := rand.Read(maskKey[:]); err != nil {
		return fmt.Errorf("orchestrator: ws write: %w", err)
	}

	header = append(header, maskKey[:]...)

	masked := make([]byte, len(frame))
	for i, b := range frame {
		masked[i] = b ^ maskKey[i%4]
	}

	if _, err := t.conn.Write(header); err != nil {
		return fmt.Errorf("orchestrator: ws write: %w", err)
	}

	if _, err := t.conn.Write(masked); err != nil {
		return fmt.Errorf("orchestrator: ws write: %w", err)
	}

	return nil
}

// ReadBinary reads one complete (possibly fragmented) message, rejecting
// any frame that carries the mask bit: a spec-compliant server never
// masks its frames.
func (t *clientWSTransport) ReadBinary() ([]byte, bool, error) {
	var buf []byte

	var opcode byte

	for {
		head, err := t.readN(2)
		if err != nil {
			return nil, false, err
		}

		final := head[0]&0x80 != 0
		frameOpcode := head[0] & 0x0f
		masked := head[1]&0x80 != 0
		size := uint64(head[1] & 0x7f)

		if masked {
			return nil, false, fmt.Errorf("orchestrator: ws read: server frame unexpectedly masked")
		}

		switch size {
		case 126:
			ext, err := t.readN(2)
			if err != nil {
				return nil, false, err
			}

			size = uint64(binary.BigEndian.Uint16(ext))
		case 127:
			ext, err := t.readN(8)
			if err != nil {
				return nil, false, err
			}

			size = binary.BigEndian.Uint64(ext)
		}

		payload, err := t.readN(int(size))
		if err != nil {
			return nil, false, err
		}

		if frameOpcode != byte(websocket.Continuation) || opcode == 0 {
			if opcode == 0 {
				opcode = frameOpcode
			}
		}

		buf = append(buf, payload...)

		if final {
			return buf, opcode == byte(websocket.Binary), nil
		}
	}
}

func (t *clientWSTransport) readN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return nil, fmt.Errorf("orchestrator: ws read: %w", err)
	}

	return buf, nil
}
