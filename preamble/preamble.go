// Package preamble models the Preamble descriptor exchanged once,
// source→destination, at the start of a migration: the vCPU set, memory
// map, PCI topology, and I/O port map the destination needs before any
// memory or device-state exchange begins. It is carried on the wire as a
// single wire.MsgSerialized frame, encoded with encoding/json.
package preamble

import (
	"encoding/json"
	"fmt"
)

// MemRegionType classifies a region of the guest physical address space.
type MemRegionType string

const (
	MemRAM MemRegionType = "RAM"
	MemROM MemRegionType = "ROM"
	MemDev MemRegionType = "Dev"
	MemRes MemRegionType = "Res"
)

// MemRegion is one entry of the guest memory map.
type MemRegion struct {
	Start uint64        `json:"start"`
	End   uint64        `json:"end"`
	Type  MemRegionType `json:"type"`
}

// PciID identifies a PCI vendor/device pair.
type PciID struct {
	Vendor uint16 `json:"vendor"`
	Device uint16 `json:"device"`
}

// PciBdf is a PCI bus/device/function address.
type PciBdf struct {
	Bus      uint8 `json:"bus"`
	Device   uint8 `json:"device"`
	Function uint8 `json:"function"`
}

// PciEntry pairs a topology slot with the identity occupying it.
type PciEntry struct {
	ID  PciID  `json:"id"`
	Bdf PciBdf `json:"bdf"`
}

// DevPorts lists the I/O ports claimed by one device.
type DevPorts struct {
	Device uint32   `json:"device"`
	Ports  []uint16 `json:"ports"`
}

// Preamble is the complete initial descriptor a source sends a
// destination before any memory or device-state exchange begins.
type Preamble struct {
	VCPUs   []uint32   `json:"vcpus"`
	IOAPICs []uint32   `json:"ioapics"`
	Mem     []MemRegion `json:"mem"`
	PCI     []PciEntry  `json:"pci"`
	Ports   []DevPorts  `json:"ports"`
	Blobs   [][]byte    `json:"blobs"`
}

// Encode renders p as the text payload of a Serialized frame.
func (p *Preamble) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("preamble: encode: %w", err)
	}

	return string(b), nil
}

// Decode parses a Serialized frame's text payload into a Preamble.
func Decode(text string) (*Preamble, error) {
	var p Preamble
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, fmt.Errorf("preamble: decode: %w", err)
	}

	return &p, nil
}

// Validate checks the minimal compatibility constraint a destination
// requires before it accepts a Preamble: the vCPU count must match the
// locally built guest.
func (p *Preamble) Validate(localVCPUCount int) error {
	if len(p.VCPUs) != localVCPUCount {
		return fmt.Errorf("preamble: vcpu count mismatch: remote %d, local %d",
			len(p.VCPUs), localVCPUCount)
	}

	return nil
}
