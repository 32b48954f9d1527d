// Package datastore is the container of watchable entries (Variable,
// Alias, RPV) plus the MemoryReader/MemoryWriter pollers that reconcile
// watched entries against device memory through internal/dispatcher.
//
// Concurrency discipline: exactly two goroutines touch the store — the
// core event loop and one API-facing goroutine. Each Entry carries its own
// mutex, and any code path locking several entries acquires them in
// ascending handle order, so per-entry locking never deadlocks and
// unrelated value reads don't funnel through one channel.
package datastore

import (
	"sync"

	"github.com/google/uuid"

	"scrutiny-server/internal/protocol"
)

// Kind is an entry's watchable category.
type Kind uint8

const (
	KindVariable Kind = iota
	KindAlias
	KindRPV
)

// DataType is the wire scalar type of a Variable/RPV/Alias-target value.
// MemoryReader/MemoryWriter only exercise the MemoryControl read/write
// block protocol, which addresses raw bytes; DataType tells the
// datastore how many bytes to request and how to decode them.
type DataType uint8

const (
	DataTypeU8 DataType = iota
	DataTypeU16
	DataTypeU32
	DataTypeU64
	DataTypeI8
	DataTypeI16
	DataTypeI32
	DataTypeI64
	DataTypeF32
	DataTypeF64
	DataTypeBool
)

// Size returns the wire width in bytes of one value of type t.
func (t DataType) Size() int {
	switch t {
	case DataTypeU8, DataTypeI8, DataTypeBool:
		return 1
	case DataTypeU16, DataTypeI16:
		return 2
	case DataTypeU32, DataTypeI32, DataTypeF32:
		return 4
	case DataTypeU64, DataTypeI64, DataTypeF64:
		return 8
	default:
		return 0
	}
}

// Endianness is a Variable's on-device byte order, independent of the wire
// frame's own (always big-endian) byte order: frame fields are always
// big-endian, but a target's native variables may be little-endian.
type Endianness uint8

const (
	BigEndian Endianness = iota
	LittleEndian
)

// Bitfield narrows a Variable's value to a sub-range of bits within its
// wire-sized value.
type Bitfield struct {
	Offset, Width uint8
}

// Handle is a server-chosen opaque entry identifier: a UUID string,
// distinct from the wire session_id.
type Handle string

// PendingWrite is a write that has been accepted but not yet confirmed by
// the device.
type PendingWrite struct {
	Bytes []byte
}

// Value is an entry's last-known value: the raw bytes as received plus a
// best-effort decoded scalar for convenience.
type Value struct {
	Bytes   []byte
	Decoded float64
	Valid   bool
}

// ValueUpdate is the payload published on the bus for each refreshed
// entry value.
type ValueUpdate struct {
	Handle      Handle
	Value       Value
	TimestampUs uint64
}

// Entry is one watchable item. Only the fields
// relevant to its Kind are meaningful.
type Entry struct {
	mu sync.Mutex

	Handle Handle
	Kind   Kind

	// Variable
	Address    protocol.Address
	DataType   DataType
	Endianness Endianness
	Bitfield   *Bitfield

	// Alias
	AliasTarget   Handle
	Gain, Offset  float64
	HasGainOffset bool

	// RPV
	RPVID uint16

	// Runtime
	Value        Value
	LastUpdateUs uint64
	PendingWrite *PendingWrite
	WatcherCount uint32
}

// Descriptor is the caller-supplied definition of what to watch; Watch
// deduplicates by its canonical key so repeated watches of the same
// address/RPV/alias share one Entry and one watcher count.
type Descriptor struct {
	Kind Kind

	Address    protocol.Address
	DataType   DataType
	Endianness Endianness
	Bitfield   *Bitfield

	AliasTarget   Handle
	Gain, Offset  float64
	HasGainOffset bool

	RPVID uint16
}

func (d Descriptor) key() string {
	switch d.Kind {
	case KindVariable:
		bf := 0
		if d.Bitfield != nil {
			bf = int(d.Bitfield.Offset)<<8 | int(d.Bitfield.Width)
		}
		return keyf("var", uint64(d.Address), uint64(d.DataType), uint64(d.Endianness), uint64(bf))
	case KindAlias:
		return keyf("alias", d.AliasTarget, d.Gain, d.Offset)
	case KindRPV:
		return keyf("rpv", uint64(d.RPVID), uint64(d.DataType))
	default:
		return keyf("unknown")
	}
}

func keyf(parts ...any) string {
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += "|"
		}
		s += toStr(p)
	}
	return s
}

func toStr(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case Handle:
		return string(x)
	case uint64:
		return uitoa(x)
	case float64:
		return ftoa(x)
	default:
		return ""
	}
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func ftoa(v float64) string {
	// Coarse, deterministic stringification sufficient for a dedup key
	// (not parsed back, never user-visible).
	scaled := int64(v * 1e6)
	neg := scaled < 0
	if neg {
		scaled = -scaled
	}
	s := uitoa(uint64(scaled))
	if neg {
		return "-" + s
	}
	return s
}

func newHandle() Handle { return Handle(uuid.NewString()) }
