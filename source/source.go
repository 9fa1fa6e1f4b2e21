// Package source drives the source half of the migration state machine:
// Sync, RamPush, Pause, Device, Arch, RamPull, Finish. It generalizes
// gokvm's vmm.MigrateTo, restructured from a one-shot
// full-memory-then-dirty-rounds loop into a symmetric query/offer/fetch
// precopy exchange with the destination.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bhyve-go/propolis-migrate/bitmap"
	"github.com/bhyve-go/propolis-migrate/guestctx"
	"github.com/bhyve-go/propolis-migrate/migration"
	"github.com/bhyve-go/propolis-migrate/preamble"
	"github.com/bhyve-go/propolis-migrate/wire"
)

// chunkBytes is the precopy scan granularity: 4096 bitmap bytes * 8
// bits/byte * 4096 bytes/page = 128 MiB of guest address space per
// offer/fetch round.
const chunkBytes = 4096 * 8 * 4096

// pauseTimeout bounds how long a single device gets to confirm it has
// quiesced before the pause is abandoned.
const pauseTimeout = 2 * time.Second

var (
	errUnexpectedMessage = errors.New("source: unexpected message for current phase")
	errBadMemQuery       = errors.New("source: malformed MemQuery")
	errInvalidBitmap     = errors.New("source: invalid bitmap")
)

// Run executes one full source-side migration over t, against the given
// local collaborators, sending pre as the initial Preamble. It returns
// nil only after the peer has acknowledged Finish; any error leaves mctx
// in PhaseError with the cause recorded (migration.Context.Err).
func Run(
	ctx context.Context,
	mctx *migration.Context,
	t wire.Transport,
	mem guestctx.Memory,
	handle guestctx.Handle,
	inv guestctx.Inventory,
	pre *preamble.Preamble,
) (err error) {
	pausedBegun := false

	defer func() {
		if err == nil {
			return
		}

		mctx.Fail(err)
		sendError(t, err)

		if pausedBegun {
			if rerr := handle.Resume(); rerr != nil {
				mctx.Log.Printf("migration %s: resume after abort failed: %v", mctx.MigrationID, rerr)
			}
		}
	}()

	if err = runSync(mctx, t, pre); err != nil {
		return err
	}

	mctx.Advance(migration.PhaseRamPush)

	if err = runRamPush(mctx, t, mem); err != nil {
		return err
	}

	mctx.Advance(migration.PhasePause)

	if err = runPause(ctx, mctx, handle, inv, &pausedBegun); err != nil {
		return err
	}

	mctx.Advance(migration.PhaseDevice)

	if err = runDeviceState(mctx, t, inv); err != nil {
		return err
	}

	mctx.Advance(migration.PhaseArch)

	if err = runArch(mctx, t); err != nil {
		return err
	}

	mctx.Advance(migration.PhaseRamPull)

	if err = runRamPull(mctx, t); err != nil {
		return err
	}

	mctx.Advance(migration.PhaseFinish)

	if err = runFinish(mctx, t, handle); err != nil {
		return err
	}

	return nil
}

func sendError(t wire.Transport, cause error) {
	var kind migration.Kind
	if !errors.As(cause, &kind) {
		kind = migration.KindPhase.With(cause.Error())
	}

	_ = t.WriteMessage(wire.MsgError{Kind: kind.Wire()})
}

// runSync sends the preamble and waits for the destination's acknowledgement.
func runSync(mctx *migration.Context, t wire.Transport, pre *preamble.Preamble) error {
	text, err := pre.Encode()
	if err != nil {
		return err
	}

	if err := t.WriteMessage(wire.MsgSerialized{Text: text}); err != nil {
		return err
	}

	msg, err := t.ReadMessage()
	if err != nil {
		return err
	}

	if _, ok := msg.(wire.MsgOkay); !ok {
		return fmt.Errorf("%w: Sync: want Okay, got %s", errUnexpectedMessage, msg.Tag())
	}

	mctx.Log.Printf("migration %s: preamble acknowledged", mctx.MigrationID)

	return nil
}

// runRamPush answers the destination's memory query with dirty-bitmap
// offers chunk by chunk, then serves whichever pages it fetches back.
func runRamPush(mctx *migration.Context, t wire.Transport, mem guestctx.Memory) error {
	vmmStart, vmmEnd := mem.Bounds()

	msg, err := t.ReadMessage()
	if err != nil {
		return err
	}

	query, ok := msg.(wire.MsgMemQuery)
	if !ok {
		return fmt.Errorf("%w: RamPush: want MemQuery, got %s", errUnexpectedMessage, msg.Tag())
	}

	if query.Start%bitmap.PageSize != 0 {
		return fmt.Errorf("%w: start %#x not page-aligned", errBadMemQuery, query.Start)
	}

	if query.End != wire.EndOfAddressSpace && query.End%bitmap.PageSize != 0 {
		return fmt.Errorf("%w: end %#x not page-aligned", errBadMemQuery, query.End)
	}

	reqEnd := query.End
	if reqEnd == wire.EndOfAddressSpace {
		reqEnd = vmmEnd
	}

	gpaLo := maxU64(vmmStart, query.Start)
	gpaHi := minU64(vmmEnd, reqEnd)

	for chunkStart := gpaLo; chunkStart < gpaHi; chunkStart += chunkBytes {
		chunkEnd := minU64(chunkStart+chunkBytes, gpaHi)
		nbytes := bitmapBytesFor(chunkStart, chunkEnd)

		buf := make([]byte, nbytes)
		if err := mem.TrackDirty(chunkStart, buf); err != nil {
			return fmt.Errorf("source: TrackDirty: %w", err)
		}

		if bitmap.Popcount(buf) == 0 {
			continue
		}

		if err := t.WriteMessage(wire.MsgMemOffer{Start: chunkStart, End: chunkEnd, Bitmap: buf}); err != nil {
			return err
		}
	}

	if err := t.WriteMessage(wire.MsgMemEnd{Start: query.Start, End: query.End}); err != nil {
		return err
	}

	for {
		msg, err := t.ReadMessage()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case wire.MsgMemFetch:
			if !bitmap.Validate(m.Start, m.End, m.Bitmap) {
				return fmt.Errorf("%w: MemFetch [%#x,%#x)", errInvalidBitmap, m.Start, m.End)
			}

			if err := sendFetchedPages(t, mem, m.Start, m.End, m.Bitmap); err != nil {
				return err
			}

		case wire.MsgMemDone:
			return nil

		default:
			return fmt.Errorf("%w: RamPush: got %s", errUnexpectedMessage, msg.Tag())
		}
	}
}

func sendFetchedPages(t wire.Transport, mem guestctx.Memory, start, end uint64, bits []byte) error {
	if err := t.WriteMessage(wire.MsgMemXfer{Start: start, End: end, Bitmap: bits}); err != nil {
		return err
	}

	var outerErr error

	bitmap.IterateSet(start, end, bits, func(addr uint64) bool {
		page := make([]byte, wire.PageSize)
		if outerErr = mem.ReadPage(addr, page); outerErr != nil {
			return false
		}

		if outerErr = t.WriteMessage(wire.MsgPage{Data: page}); outerErr != nil {
			return false
		}

		return true
	})

	return outerErr
}

// runPause begins the VM-level pause and waits for every device to confirm
// it has quiesced. pausedBegun is set to true as soon as BeginPause
// succeeds, so the caller resumes the guest on any later abort even if a
// device times out partway through quiesce.
func runPause(
	ctx context.Context,
	mctx *migration.Context,
	handle guestctx.Handle,
	inv guestctx.Inventory,
	pausedBegun *bool,
) error {
	if err := handle.BeginPause(); err != nil {
		return fmt.Errorf("source: BeginPause: %w", err)
	}

	*pausedBegun = true

	for _, dev := range inv.PostOrder() {
		waitCtx, cancel := context.WithTimeout(ctx, pauseTimeout)
		err := dev.Quiesce(waitCtx)
		cancel()

		if err != nil {
			return migration.KindSourcePause.Withf("device %q did not pause: %v", dev.Name(), err)
		}
	}

	mctx.Log.Printf("migration %s: all devices quiesced", mctx.MigrationID)

	return nil
}

// runDeviceState exports each device's migration state in inventory
// pre-order and sends the resulting list to the destination.
func runDeviceState(mctx *migration.Context, t wire.Transport, inv guestctx.Inventory) error {
	var devices []migration.Device

	for _, dev := range inv.PreOrder() {
		switch dev.Capability() {
		case migration.NonMigratable:
			return migration.KindDeviceState.Withf("device %q is NonMigratable", dev.Name())

		case migration.Simple:
			continue

		case migration.Custom:
			payload, err := dev.Export()
			if err != nil {
				return migration.KindDeviceState.Withf("export %q: %v", dev.Name(), err)
			}

			devices = append(devices, migration.Device{InstanceName: dev.Name(), Payload: payload})
		}
	}

	encoded, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("source: encode device state: %w", err)
	}

	if err := t.WriteMessage(wire.MsgSerialized{Text: string(encoded)}); err != nil {
		return err
	}

	if err := t.WriteMessage(wire.MsgOkay{}); err != nil {
		return err
	}

	msg, err := t.ReadMessage()
	if err != nil {
		return err
	}

	if _, ok := msg.(wire.MsgOkay); !ok {
		return fmt.Errorf("%w: Device: want Okay, got %s", errUnexpectedMessage, msg.Tag())
	}

	mctx.Log.Printf("migration %s: exported state for %d devices", mctx.MigrationID, len(devices))

	return nil
}

// runArch is a reserved barrier for per-vCPU architectural register
// transfer; currently just an Okay exchange with no payload.
func runArch(mctx *migration.Context, t wire.Transport) error {
	msg, err := t.ReadMessage()
	if err != nil {
		return err
	}

	if _, ok := msg.(wire.MsgOkay); !ok {
		return fmt.Errorf("%w: Arch: want Okay, got %s", errUnexpectedMessage, msg.Tag())
	}

	return t.WriteMessage(wire.MsgOkay{})
}

// runRamPull is the post-pause clean-up round: the destination asks once
// more for the whole address space and the source answers with an empty
// MemEnd, since no writes can have happened since the guest was paused.
func runRamPull(mctx *migration.Context, t wire.Transport) error {
	msg, err := t.ReadMessage()
	if err != nil {
		return err
	}

	query, ok := msg.(wire.MsgMemQuery)
	if !ok || query.Start != 0 || query.End != wire.EndOfAddressSpace {
		return fmt.Errorf("%w: RamPull: want MemQuery(0,MAX), got %v", errUnexpectedMessage, msg)
	}

	mctx.Advance(migration.PhaseRamPushDirty)

	if err := t.WriteMessage(wire.MsgMemEnd{Start: 0, End: wire.EndOfAddressSpace}); err != nil {
		return err
	}

	msg, err = t.ReadMessage()
	if err != nil {
		return err
	}

	if _, ok := msg.(wire.MsgMemDone); !ok {
		return fmt.Errorf("%w: RamPull: want MemDone, got %s", errUnexpectedMessage, msg.Tag())
	}

	return nil
}

// runFinish exchanges a final Okay with the destination and halts the
// source guest for good.
func runFinish(mctx *migration.Context, t wire.Transport, handle guestctx.Handle) error {
	msg, err := t.ReadMessage()
	if err != nil {
		return err
	}

	if _, ok := msg.(wire.MsgOkay); !ok {
		return fmt.Errorf("%w: Finish: want Okay, got %s", errUnexpectedMessage, msg.Tag())
	}

	if err := t.WriteMessage(wire.MsgOkay{}); err != nil {
		return err
	}

	if err := handle.Halt(); err != nil {
		return fmt.Errorf("source: Halt: %w", err)
	}

	mctx.Log.Printf("migration %s: source halted", mctx.MigrationID)

	return nil
}

func bitmapBytesFor(start, end uint64) int {
	npages := (end - start) / bitmap.PageSize

	return int((npages + 7) / 8)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}
