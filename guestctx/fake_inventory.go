package guestctx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bhyve-go/propolis-migrate/migration"
)

// FakeDevice is an in-process DeviceHandle whose quiesce delay and export
// payload are test-controlled, mirroring device.IODevice's style of a
// minimal struct satisfying a narrow interface.
type FakeDevice struct {
	name       string
	capability migration.Capability

	mu           sync.Mutex
	quiesceDelay time.Duration
	neverPauses  bool
	state        string
	imported     string
}

// NewFakeDevice creates a device with the given name and capability. For
// Custom devices, state is what Export returns until Import overwrites it.
func NewFakeDevice(name string, cap migration.Capability, state string) *FakeDevice {
	return &FakeDevice{name: name, capability: cap, state: state}
}

func (d *FakeDevice) Name() string                     { return d.name }
func (d *FakeDevice) Capability() migration.Capability { return d.capability }

// SetQuiesceDelay makes Quiesce block for delay before confirming paused.
// Used to exercise the source protocol's per-device pause timeout.
func (d *FakeDevice) SetQuiesceDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.quiesceDelay = delay
}

// NeverPauses makes Quiesce block until ctx is done, simulating a device
// that never confirms paused.
func (d *FakeDevice) NeverPauses() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.neverPauses = true
}

func (d *FakeDevice) Quiesce(ctx context.Context) error {
	d.mu.Lock()
	delay := d.quiesceDelay
	never := d.neverPauses
	d.mu.Unlock()

	if never {
		<-ctx.Done()

		return ctx.Err()
	}

	if delay == 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *FakeDevice) Export() (string, error) {
	if d.capability != migration.Custom {
		return "", fmt.Errorf("guestctx: Export called on non-Custom device %q", d.name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state, nil
}

func (d *FakeDevice) Import(payload string) error {
	if d.capability != migration.Custom {
		return fmt.Errorf("guestctx: Import called on non-Custom device %q", d.name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.imported = payload

	return nil
}

// Imported returns the payload last passed to Import, for test assertions.
func (d *FakeDevice) Imported() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.imported
}

// FakeInventory is an in-process Inventory over a fixed device list. Pre
// order is the construction order and post order is its reverse — tests
// that care about traversal order pass devices already arranged
// appropriately, the way a pci bus holds an ordered device list rather than
// a tree.
type FakeInventory struct {
	devices []DeviceHandle
}

// NewFakeInventory builds an inventory whose PreOrder traverses devices in
// the given order and whose PostOrder traverses them in reverse.
func NewFakeInventory(devices ...DeviceHandle) *FakeInventory {
	return &FakeInventory{devices: devices}
}

func (inv *FakeInventory) PreOrder() []DeviceHandle { return append([]DeviceHandle(nil), inv.devices...) }

func (inv *FakeInventory) PostOrder() []DeviceHandle {
	out := make([]DeviceHandle, len(inv.devices))
	for i, d := range inv.devices {
		out[len(inv.devices)-1-i] = d
	}

	return out
}

func (inv *FakeInventory) ByName(name string) (DeviceHandle, bool) {
	for _, d := range inv.devices {
		if d.Name() == name {
			return d, true
		}
	}

	return nil, false
}
