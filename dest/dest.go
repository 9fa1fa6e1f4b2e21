// Package dest drives the destination half of the migration state
// machine, the mirror image of package source: it receives the
// Preamble, aggregates MemOffers into a want-bitmap, fetches pages in
// chunks, applies received device state, and finally releases the guest.
package dest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bhyve-go/propolis-migrate/bitmap"
	"github.com/bhyve-go/propolis-migrate/guestctx"
	"github.com/bhyve-go/propolis-migrate/migration"
	"github.com/bhyve-go/propolis-migrate/preamble"
	"github.com/bhyve-go/propolis-migrate/wire"
)

var errUnexpectedMessage = errors.New("dest: unexpected message for current phase")

// Run executes one full destination-side migration over t. handle must
// already wrap a freshly constructed, paused guest built from whatever
// configuration the orchestrator negotiated out of band; Run itself never
// constructs a guest, only drives the protocol against one.
func Run(
	mctx *migration.Context,
	t wire.Transport,
	mem guestctx.Memory,
	handle guestctx.Handle,
	inv guestctx.Inventory,
) (err error) {
	defer func() {
		if err != nil {
			mctx.Fail(err)
			_ = t.WriteMessage(wire.MsgError{Kind: errKind(err).Wire()})
		}
	}()

	var pre *preamble.Preamble

	if pre, err = runSync(mctx, t, handle); err != nil {
		return err
	}

	mctx.Advance(migration.PhaseRamPush)

	if err = runRamPush(mctx, t, mem, pre); err != nil {
		return err
	}

	mctx.Advance(migration.PhasePause)
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

func errKind(err error) migration.Kind {
	var kind migration.Kind
	if errors.As(err, &kind) {
		return kind
	}

	return migration.KindPhase.With(err.Error())
}

// runSync receives and validates the preamble, then acknowledges it.
func runSync(mctx *migration.Context, t wire.Transport, handle guestctx.Handle) (*preamble.Preamble, error) {
	msg, err := t.ReadMessage()
	if err != nil {
		return nil, err
	}

	serialized, ok := msg.(wire.MsgSerialized)
	if !ok {
		return nil, fmt.Errorf("%w: Sync: want Serialized, got %s", errUnexpectedMessage, msg.Tag())
	}

	pre, err := preamble.Decode(serialized.Text)
	if err != nil {
		return nil, migration.KindCodec.With(err.Error())
	}

	if err := pre.Validate(handle.VCPUCount()); err != nil {
		return nil, migration.KindInvalidInstanceState.With(err.Error())
	}

	if err := t.WriteMessage(wire.MsgOkay{}); err != nil {
		return nil, err
	}

	mctx.Log.Printf("migration %s: preamble validated, %d vcpus", mctx.MigrationID, len(pre.VCPUs))

	return pre, nil
}

// chunkBytes is the precopy scan granularity, matching source's own
// 128 MiB chunk window: 4096 bitmap bytes * 8 bits/byte * 4096 bytes/page.
const chunkBytes = 4096 * 8 * 4096

// runRamPush queries the whole guest address space, accumulates every
// MemOffer into a single growing dirty bitmap keyed from address 0 until
// MemEnd arrives, and only then scans that aggregate in 128 MiB chunks and
// fetches each non-zero one. This two-pass shape (accumulate fully, then
// fetch) is required: source's own RamPush phase writes every MemOffer and
// its closing MemEnd in one uninterrupted pass with no interleaved read
// (see source.runRamPush), so fetching inline off the first MemOffer would
// make both sides block on a write the other is never going to read.
func runRamPush(mctx *migration.Context, t wire.Transport, mem guestctx.Memory, pre *preamble.Preamble) error {
	if err := t.WriteMessage(wire.MsgMemQuery{Start: 0, End: wire.EndOfAddressSpace}); err != nil {
		return err
	}

	var agg []byte

	var highEnd uint64

	for {
		msg, err := t.ReadMessage()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case wire.MsgMemOffer:
			if !bitmap.Validate(m.Start, m.End, m.Bitmap) {
				return fmt.Errorf("dest: invalid MemOffer bitmap [%#x,%#x)", m.Start, m.End)
			}

			agg = mergeOffer(agg, m.Start, m.Bitmap)

			if m.End > highEnd {
				highEnd = m.End
			}

		case wire.MsgMemEnd:
			return fetchAggregate(t, mem, agg, highEnd)

		default:
			return fmt.Errorf("%w: RamPush: got %s", errUnexpectedMessage, msg.Tag())
		}
	}
}

// mergeOffer places offerBits at the byte offset start/PageSize/8 within
// agg, growing agg with zero bytes first if the offer extends past its
// current length. Offer chunks never overlap (source never re-offers a
// chunk within one RamPush round), so a plain copy is safe.
func mergeOffer(agg []byte, start uint64, offerBits []byte) []byte {
	byteOffset := int(start / bitmap.PageSize / 8)
	needed := byteOffset + len(offerBits)

	if len(agg) < needed {
		agg = append(agg, make([]byte, needed-len(agg))...)
	}

	copy(agg[byteOffset:needed], offerBits)

	return agg
}

// fetchAggregate scans agg, the accumulated dirty bitmap over [0,highEnd),
// in 128 MiB address chunks, sending one MemFetch per non-zero chunk, then
// signals MemDone once every chunk has been considered.
func fetchAggregate(t wire.Transport, mem guestctx.Memory, agg []byte, highEnd uint64) error {
	for chunkStart := uint64(0); chunkStart < highEnd; chunkStart += chunkBytes {
		chunkEnd := chunkStart + chunkBytes
		if chunkEnd > highEnd {
			chunkEnd = highEnd
		}

		byteOffset := int(chunkStart / bitmap.PageSize / 8)
		nbytes := bitmapBytesFor(chunkStart, chunkEnd)
		needed := byteOffset + nbytes

		if len(agg) < needed {
			agg = append(agg, make([]byte, needed-len(agg))...)
		}

		chunkBits := agg[byteOffset:needed]

		if bitmap.Popcount(chunkBits) == 0 {
			continue
		}

		if err := fetchChunk(t, mem, chunkStart, chunkEnd, chunkBits); err != nil {
			return err
		}
	}

	return t.WriteMessage(wire.MsgMemDone{})
}

func bitmapBytesFor(start, end uint64) int {
	npages := (end - start) / bitmap.PageSize

	return int((npages + 7) / 8)
}

func fetchChunk(t wire.Transport, mem guestctx.Memory, start, end uint64, want []byte) error {
	if err := t.WriteMessage(wire.MsgMemFetch{Start: start, End: end, Bitmap: want}); err != nil {
		return err
	}

	msg, err := t.ReadMessage()
	if err != nil {
		return err
	}

	xfer, ok := msg.(wire.MsgMemXfer)
	if !ok {
		return fmt.Errorf("%w: RamPush: want MemXfer, got %s", errUnexpectedMessage, msg.Tag())
	}

	if xfer.Start != start || xfer.End != end {
		return fmt.Errorf("dest: MemXfer range mismatch: got [%#x,%#x), want [%#x,%#x)",
			xfer.Start, xfer.End, start, end)
	}

	var writeErr error

	bitmap.IterateSet(start, end, xfer.Bitmap, func(addr uint64) bool {
		msg, err := t.ReadMessage()
		if err != nil {
			writeErr = err
			return false
		}

		page, ok := msg.(wire.MsgPage)
		if !ok {
			writeErr = fmt.Errorf("%w: RamPush: want Page, got %s", errUnexpectedMessage, msg.Tag())
			return false
		}

		if len(page.Data) != wire.PageSize {
			writeErr = fmt.Errorf("dest: page at %#x: got %d bytes, want %d", addr, len(page.Data), wire.PageSize)
			return false
		}

		if writeErr = mem.WritePage(addr, page.Data); writeErr != nil {
			return false
		}

		return true
	})

	return writeErr
}

// runDeviceState receives the exported device-state list, then applies it
// to each matching local device according to its migration capability.
func runDeviceState(mctx *migration.Context, t wire.Transport, inv guestctx.Inventory) error {
	msg, err := t.ReadMessage()
	if err != nil {
		return err
	}

	serialized, ok := msg.(wire.MsgSerialized)
	if !ok {
		return fmt.Errorf("%w: Device: want Serialized, got %s", errUnexpectedMessage, msg.Tag())
	}

	var devices []migration.Device
	if err := json.Unmarshal([]byte(serialized.Text), &devices); err != nil {
		return migration.KindCodec.With(err.Error())
	}

	msg, err = t.ReadMessage()
	if err != nil {
		return err
	}

	if _, ok := msg.(wire.MsgOkay); !ok {
		return fmt.Errorf("%w: Device: want Okay, got %s", errUnexpectedMessage, msg.Tag())
	}

	for _, d := range devices {
		dev, ok := inv.ByName(d.InstanceName)
		if !ok {
			return migration.UnknownDevice(d.InstanceName)
		}

		switch dev.Capability() {
		case migration.NonMigratable:
			return migration.KindDeviceState.Withf("device %q is NonMigratable", dev.Name())

		case migration.Simple:
			continue

		case migration.Custom:
			if err := dev.Import(d.Payload); err != nil {
				return migration.KindDeviceState.Withf("import %q: %v", d.InstanceName, err)
			}
		}
	}

	if err := t.WriteMessage(wire.MsgOkay{}); err != nil {
		return err
	}

	mctx.Log.Printf("migration %s: imported state for %d devices", mctx.MigrationID, len(devices))

	return nil
}

// runArch is the reserved architectural-state barrier, mirroring source's
// runArch from the other side.
func runArch(mctx *migration.Context, t wire.Transport) error {
	if err := t.WriteMessage(wire.MsgOkay{}); err != nil {
		return err
	}

	msg, err := t.ReadMessage()
	if err != nil {
		return err
	}

	if _, ok := msg.(wire.MsgOkay); !ok {
		return fmt.Errorf("%w: Arch: want Okay, got %s", errUnexpectedMessage, msg.Tag())
	}

	return nil
}

// runRamPull is a final, always-empty barrier query for any pages the
// source dirtied between its RamPush answer and Pause completing.
func runRamPull(mctx *migration.Context, t wire.Transport) error {
	if err := t.WriteMessage(wire.MsgMemQuery{Start: 0, End: wire.EndOfAddressSpace}); err != nil {
		return err
	}

	mctx.Advance(migration.PhaseRamPushDirty)

	msg, err := t.ReadMessage()
	if err != nil {
		return err
	}

	if _, ok := msg.(wire.MsgMemEnd); !ok {
		return fmt.Errorf("%w: RamPull: want MemEnd, got %s", errUnexpectedMessage, msg.Tag())
	}

	return t.WriteMessage(wire.MsgMemDone{})
}

// runFinish resumes the newly migrated guest. The final Okay read is
// best-effort: the source may already have halted and torn down the
// transport by the time it arrives, so a read failure or an unexpected
// reply here does not abort an otherwise-complete migration.
func runFinish(mctx *migration.Context, t wire.Transport, handle guestctx.Handle) error {
	if err := t.WriteMessage(wire.MsgOkay{}); err != nil {
		return err
	}

	if msg, err := t.ReadMessage(); err != nil {
		mctx.Log.Printf("migration %s: Finish: ignoring read error: %v", mctx.MigrationID, err)
	} else if _, ok := msg.(wire.MsgOkay); !ok {
		mctx.Log.Printf("migration %s: Finish: ignoring unexpected reply %s", mctx.MigrationID, msg.Tag())
	}

	if err := handle.Resume(); err != nil {
		return fmt.Errorf("dest: Resume: %w", err)
	}

	mctx.Log.Printf("migration %s: destination resumed", mctx.MigrationID)

	return nil
}
