package orchestrator

import (
	"github.com/bhyve-go/propolis-migrate/guestctx"
	"github.com/bhyve-go/propolis-migrate/migration"
	"github.com/bhyve-go/propolis-migrate/preamble"
)

// DeviceSpec describes one entry of an InstanceSpec's device inventory: a
// name, its migration capability, and (for Custom devices) the state
// Export should hand back until an Import overwrites it.
type DeviceSpec struct {
	Name       string              `json:"name"`
	Capability migration.Capability `json:"capability"`
	State      string              `json:"state,omitempty"`
}

// InstanceSpec is the body of "PUT /instances/{id}": enough to build the
// collaborators an instance's migration tasks run against. A real
// deployment would plug in bhyve/KVM-backed Memory/Handle/Inventory here
// instead; this module only ships the guestctx fakes, so that's what
// NewInstanceFromSpec wires up.
type InstanceSpec struct {
	MemStart uint64       `json:"mem_start"`
	MemSize  int          `json:"mem_size"`
	NCPUs    int          `json:"ncpus"`
	Devices  []DeviceSpec `json:"devices"`
}

// NewInstanceFromSpec builds an Instance whose Mem/Handle/Inventory/
// Preamble are the guestctx fakes, configured from the given InstanceSpec.
func NewInstanceFromSpec(spec InstanceSpec) *Instance {
	mem := guestctx.NewFakeMemory(spec.MemStart, spec.MemSize)
	handle := guestctx.NewFakeHandle(spec.NCPUs)

	devices := make([]guestctx.DeviceHandle, len(spec.Devices))

	for i, d := range spec.Devices {
		devices[i] = guestctx.NewFakeDevice(d.Name, d.Capability, d.State)
	}

	inv := guestctx.NewFakeInventory(devices...)

	vcpus := make([]uint32, spec.NCPUs)
	for i := range vcpus {
		vcpus[i] = uint32(i)
	}

	pre := &preamble.Preamble{
		VCPUs: vcpus,
		Mem: []preamble.MemRegion{
			{Start: spec.MemStart, End: spec.MemStart + uint64(spec.MemSize), Type: preamble.MemRAM},
		},
	}

	return &Instance{
		Mem:       mem,
		Handle:    handle,
		Inventory: inv,
		Preamble:  pre,
	}
}
