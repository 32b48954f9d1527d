package datastore

import "scrutiny-server/internal/protocol"

// MemoryPolicy is the device's special-region map, as published by
// internal/submodule's InfoPoller. Violations are rejected at submit time,
// never sent to the device. It is a plain value, copied into
// MemoryReader/MemoryWriter when DeviceHandler builds them after the info
// poll; SetPolicy replaces it wholesale on an existing reader or writer.
type MemoryPolicy struct {
	Readonly  []AddressRangeSpan
	Forbidden []AddressRangeSpan
}

// AddressRangeSpan is a half-open [Start, End) target-address range.
type AddressRangeSpan struct {
	Start, End protocol.Address
}

func overlaps(a, b AddressRangeSpan) bool {
	return a.Start < b.End && b.Start < a.End
}

// spanOf returns the half-open span covering every address a policy check
// must consider for a block of length bytes starting at addr. The
// touched-block test is inclusive on both endpoints: addr+len itself (one
// past the block's last data byte) is also a protected-range boundary the
// block must clear, not just addr+len-1. Expressed as a half-open span for
// the overlap test below, that means the span's exclusive end is
// addr+len+1.
func spanOf(addr protocol.Address, length int) AddressRangeSpan {
	return AddressRangeSpan{Start: addr, End: addr + protocol.Address(length) + 1}
}

// IsForbidden reports whether [addr, addr+length] (inclusive of addr+length,
// see spanOf) intersects any forbidden region.
func (p MemoryPolicy) IsForbidden(addr protocol.Address, length int) bool {
	s := spanOf(addr, length)
	for _, f := range p.Forbidden {
		if overlaps(s, f) {
			return true
		}
	}
	return false
}

// IsReadonly reports whether [addr, addr+length] (inclusive of addr+length,
// see spanOf) intersects any readonly region — checked only for writes, since reads of readonly memory are
// always permitted.
func (p MemoryPolicy) IsReadonly(addr protocol.Address, length int) bool {
	s := spanOf(addr, length)
	for _, r := range p.Readonly {
		if overlaps(s, r) {
			return true
		}
	}
	return false
}
