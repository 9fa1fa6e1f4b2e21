// Package guestctx declares the contracts the migration core consumes
// from its collaborators: the guest-physical memory context, the
// hypervisor handle, and the device inventory. Real bhyve/KVM-backed
// implementations live outside this module; this package also provides
// deterministic in-process fakes (Fake*) good enough to drive the whole
// protocol end to end in tests.
package guestctx

import (
	"context"

	"github.com/bhyve-go/propolis-migrate/migration"
)

// Memory is the guest-physical memory context contract: bounds, page
// read/write, and dirty-page tracking over the guest address space.
type Memory interface {
	// Bounds returns the guest physical address range backed by RAM,
	// [start, end).
	Bounds() (start, end uint64)

	// ReadPage copies exactly len(buf) bytes starting at addr. buf must be
	// sized to a page (or a whole multiple of one).
	ReadPage(addr uint64, buf []byte) error

	// WritePage writes data at addr. len(data) must be a whole multiple of
	// the page size.
	WritePage(addr uint64, data []byte) error

	// TrackDirty atomically snapshots the dirty bits covering
	// [start, start+len(bitmap)*8*PageSize) into bitmap and clears them,
	// so the next call reports only newly dirtied pages. Implementations
	// that cannot provide this atomically must serialize guest writes
	// during the call.
	TrackDirty(start uint64, bitmap []byte) error
}

// Handle is the hypervisor handle contract: the operations the protocol
// needs to quiesce and release a guest, plus the vCPU count. It carries no
// architectural vCPU state; the protocol's Arch phase is a plain barrier.
type Handle interface {
	// BeginPause signals intent to stop the guest: vCPUs should stop
	// taking new work, but devices are quiesced independently (see
	// Inventory). Idempotent.
	BeginPause() error

	// Resume un-pauses a guest previously paused with BeginPause, without
	// having reached Halt. Used on an abort after a pause was begun.
	Resume() error

	// Halt terminates the guest. Terminal: called only on a successful
	// Finish.
	Halt() error

	// VCPUCount reports the number of vCPUs, used by the destination to
	// validate an incoming Preamble.
	VCPUCount() int
}

// DeviceHandle is one entry of the device inventory: a device plus its
// migration capability, a closed tagged union implemented as an enum with
// function pointers rather than a class hierarchy.
type DeviceHandle interface {
	Name() string
	Capability() migration.Capability

	// Quiesce blocks until the device confirms it is paused, or ctx is
	// done first. Called only on devices being quiesced; Simple/
	// NonMigratable devices may implement it as an immediate no-op.
	Quiesce(ctx context.Context) error

	// Export serializes device state. Called only when Capability() ==
	// Custom.
	Export() (string, error)

	// Import restores device state previously produced by Export on the
	// peer. Called only when Capability() == Custom.
	Import(payload string) error
}

// Inventory is the device inventory contract: ordered traversal suitable
// for topological quiesce (PostOrder) and topological restore (PreOrder).
type Inventory interface {
	PreOrder() []DeviceHandle
	PostOrder() []DeviceHandle

	// ByName looks up a device by instance name, used by the destination
	// applying received device state.
	ByName(name string) (DeviceHandle, bool)
}
