// Package bitmap implements the memory bitmap algebra of the migration
// protocol: validating a (start,end,bitmap) triple against the page-range
// invariants it claims to describe, and iterating the set bits in
// ascending guest-address order.
//
// A bitmap describes the pages of a range [start,end) where
// npages = (end-start)/PageSize. It is stored LSB-first by byte; bit index
// i corresponds to guest address start + i*PageSize. Callers must never
// trust a remote bitmap without Validate.
package bitmap

import "math/bits"

// PageSize is the guest page size every bitmap bit corresponds to.
const PageSize = 4096

// Validate reports whether (start, end, bits) is a well-formed bitmap per
// the wire invariants: start and end are page-aligned, end > start, the
// bit count covers exactly npages plus at most 7 bits of byte padding, and
// any padding bits are zero.
func Validate(start, end uint64, bits_ []byte) bool {
	if start%PageSize != 0 || end%PageSize != 0 || end <= start {
		return false
	}

	npages := (end - start) / PageSize

	nbits := uint64(len(bits_)) * 8
	if nbits < npages || nbits > npages+7 {
		return false
	}

	return paddingIsZero(bits_, npages)
}

// paddingIsZero checks that every bit beyond the npages'th is clear.
func paddingIsZero(b []byte, npages uint64) bool {
	for i := npages; i < uint64(len(b))*8; i++ {
		byteIdx := i / 8
		bitIdx := i % 8

		if b[byteIdx]&(1<<bitIdx) != 0 {
			return false
		}
	}

	return true
}

// IterateSet calls yield once for every set bit in b, in ascending order,
// passing the guest address start+i*PageSize that bit represents. yield
// returning false stops iteration early. b is assumed already Validate'd
// against [start,end); IterateSet does not re-check padding.
func IterateSet(start, end uint64, b []byte, yield func(addr uint64) bool) {
	npages := (end - start) / PageSize

	for wordIdx := 0; wordIdx < len(b); wordIdx++ {
		word := b[wordIdx]
		if word == 0 {
			continue
		}

		base := uint64(wordIdx) * 8

		for word != 0 {
			bit := bits.TrailingZeros8(word)
			pageIdx := base + uint64(bit)

			if pageIdx >= npages {
				return
			}

			if !yield(start + pageIdx*PageSize) {
				return
			}

			word &^= 1 << uint(bit)
		}
	}
}

// Popcount returns the number of set bits across b, i.e. the number of
// addresses IterateSet would yield.
func Popcount(b []byte) int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount8(w)
	}

	return n
}

// Build constructs a valid bitmap over [start,end) with bits set at every
// address in addrs. Addresses outside the range are ignored. Useful for
// tests and for callers assembling an offer/fetch bitmap from a dirty set.
func Build(start, end uint64, addrs []uint64) []byte {
	npages := (end - start) / PageSize
	nbytes := (npages + 7) / 8

	b := make([]byte, nbytes)

	for _, addr := range addrs {
		if addr < start || addr >= end || (addr-start)%PageSize != 0 {
			continue
		}

		pageIdx := (addr - start) / PageSize
		b[pageIdx/8] |= 1 << (pageIdx % 8)
	}

	return b
}
