package dest_test

import (
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/bhyve-go/propolis-migrate/dest"
	"github.com/bhyve-go/propolis-migrate/guestctx"
	"github.com/bhyve-go/propolis-migrate/migration"
	"github.com/bhyve-go/propolis-migrate/preamble"
	"github.com/bhyve-go/propolis-migrate/wire"
)

// scriptedTransport is a wire.Transport fake whose ReadMessage replays a
// fixed inbound queue and whose WriteMessage just records what dest sent,
// for unit-testing dest.Run against a hand-scripted peer.
type scriptedTransport struct {
	in  []wire.Message
	out []wire.Message
}

func (s *scriptedTransport) ReadMessage() (wire.Message, error) {
	if len(s.in) == 0 {
		return nil, io.EOF
	}

	m := s.in[0]
	s.in = s.in[1:]

	return m, nil
}

func (s *scriptedTransport) WriteMessage(m wire.Message) error {
	s.out = append(s.out, m)

	return nil
}

func preambleText(t *testing.T, nvcpus int) string {
	t.Helper()

	vcpus := make([]uint32, nvcpus)
	for i := range vcpus {
		vcpus[i] = uint32(i)
	}

	pre := &preamble.Preamble{VCPUs: vcpus}

	text, err := pre.Encode()
	if err != nil {
		t.Fatalf("preamble.Encode: %v", err)
	}

	return text
}

// TestRunDeviceStateUnknownDevice confirms the destination rejects a
// device-state frame naming an instance absent from its local inventory
// rather than silently dropping it.
func TestRunDeviceStateUnknownDevice(t *testing.T) {
	t.Parallel()

	devices, err := json.Marshal([]migration.Device{{InstanceName: "ghost0", Payload: "{}"}})
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}

	tr := &scriptedTransport{in: []wire.Message{
		wire.MsgSerialized{Text: preambleText(t, 1)}, // Sync
		wire.MsgMemEnd{Start: 0, End: wire.EndOfAddressSpace}, // RamPush: no offers
		wire.MsgSerialized{Text: string(devices)}, // Device
		wire.MsgOkay{},
	}}

	mem := guestctx.NewFakeMemory(0, 4096)
	handle := guestctx.NewFakeHandle(1)
	inv := guestctx.NewFakeInventory() // empty: "ghost0" cannot resolve

	mctx := migration.New(uuid.New(), migration.RoleDestination, nil)

	err = dest.Run(mctx, tr, mem, handle, inv)
	if err == nil {
		t.Fatal("dest.Run: want error, got nil")
	}

	var kind migration.Kind
	if !errors.As(err, &kind) || kind.Wire() != "UnknownDevice" {
		t.Fatalf("dest.Run error = %v, want an UnknownDevice Kind", err)
	}

	if mctx.Phase() != migration.PhaseError {
		t.Errorf("Phase() = %s, want Error", mctx.Phase())
	}
}

// TestRunRamPushInvalidBitmap confirms the destination validates every
// MemOffer bitmap before trusting it, rejecting one whose bit count
// doesn't match the page range it claims to describe.
func TestRunRamPushInvalidBitmap(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{in: []wire.Message{
		wire.MsgSerialized{Text: preambleText(t, 1)},
		wire.MsgMemOffer{Start: 0, End: 2 * 4096, Bitmap: []byte{0xFF, 0xFF, 0xFF}}, // way too many bits
	}}

	mem := guestctx.NewFakeMemory(0, 2*4096)
	handle := guestctx.NewFakeHandle(1)
	inv := guestctx.NewFakeInventory()

	mctx := migration.New(uuid.New(), migration.RoleDestination, nil)

	err := dest.Run(mctx, tr, mem, handle, inv)
	if err == nil {
		t.Fatal("dest.Run: want error, got nil")
	}

	if mctx.Phase() != migration.PhaseError {
		t.Errorf("Phase() = %s, want Error", mctx.Phase())
	}
}

// TestRunFinishToleratesMissingFinalAck confirms Finish still resumes the
// guest and reports success even when the peer's closing Okay never
// arrives, per the documented best-effort handling of that last read.
func TestRunFinishToleratesMissingFinalAck(t *testing.T) {
	t.Parallel()

	devices, err := json.Marshal([]migration.Device{})
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}

	tr := &scriptedTransport{in: []wire.Message{
		wire.MsgSerialized{Text: preambleText(t, 1)},             // Sync
		wire.MsgMemEnd{Start: 0, End: wire.EndOfAddressSpace},     // RamPush: no offers
		wire.MsgSerialized{Text: string(devices)},                 // Device
		wire.MsgOkay{},                                            // Device ack
		wire.MsgOkay{},                                            // Arch ack
		wire.MsgMemEnd{Start: 0, End: wire.EndOfAddressSpace},     // RamPull
		// Finish's closing Okay is deliberately never queued.
	}}

	mem := guestctx.NewFakeMemory(0, 4096)
	handle := guestctx.NewFakeHandle(1)

	if err := handle.BeginPause(); err != nil {
		t.Fatalf("BeginPause: %v", err)
	}

	inv := guestctx.NewFakeInventory()

	mctx := migration.New(uuid.New(), migration.RoleDestination, nil)

	if err := dest.Run(mctx, tr, mem, handle, inv); err != nil {
		t.Fatalf("dest.Run: %v", err)
	}

	if mctx.Phase() != migration.PhaseFinish {
		t.Errorf("Phase() = %s, want Finish", mctx.Phase())
	}

	if handle.Paused() {
		t.Error("handle still paused, want resumed despite missing final ack")
	}
}
