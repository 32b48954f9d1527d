package datastore

import (
	"sort"
	"sync"

	"scrutiny-server/internal/protocol"
)

// Datastore is the container of all watched entries. The map
// itself is guarded by a coarse mutex (insert/remove/lookup are cheap and
// rare relative to value reads); each Entry's own mutex then guards its
// mutable Value/LastUpdateUs/PendingWrite fields, per the ascending-handle
// lock-ordering discipline documented in entry.go.
type Datastore struct {
	mapMu sync.Mutex
	byKey map[string]Handle
	byH   map[Handle]*Entry
}

func New() *Datastore {
	return &Datastore{
		byKey: make(map[string]Handle),
		byH:   make(map[Handle]*Entry),
	}
}

// Watch registers interest in d, creating a new Entry on first watch or
// incrementing WatcherCount on a dedup hit. An entry is created on first
// watch and lives until the last unwatch.
func (ds *Datastore) Watch(d Descriptor) Handle {
	ds.mapMu.Lock()
	defer ds.mapMu.Unlock()

	k := d.key()
	if h, ok := ds.byKey[k]; ok {
		e := ds.byH[h]
		e.mu.Lock()
		e.WatcherCount++
		e.mu.Unlock()
		return h
	}
	h := newHandle()
	e := &Entry{
		Handle:        h,
		Kind:          d.Kind,
		Address:       d.Address,
		DataType:      d.DataType,
		Endianness:    d.Endianness,
		Bitfield:      d.Bitfield,
		AliasTarget:   d.AliasTarget,
		Gain:          d.Gain,
		Offset:        d.Offset,
		HasGainOffset: d.HasGainOffset,
		RPVID:         d.RPVID,
		WatcherCount:  1,
	}
	ds.byKey[k] = h
	ds.byH[h] = e
	return h
}

// Unwatch decrements WatcherCount and removes the entry once it reaches
// zero. It is a no-op on an unknown handle.
func (ds *Datastore) Unwatch(h Handle) {
	ds.mapMu.Lock()
	defer ds.mapMu.Unlock()

	e, ok := ds.byH[h]
	if !ok {
		return
	}
	e.mu.Lock()
	e.WatcherCount--
	dead := e.WatcherCount == 0
	e.mu.Unlock()
	if dead {
		delete(ds.byH, h)
		for k, hh := range ds.byKey {
			if hh == h {
				delete(ds.byKey, k)
				break
			}
		}
	}
}

func (ds *Datastore) lookup(h Handle) *Entry {
	ds.mapMu.Lock()
	e := ds.byH[h]
	ds.mapMu.Unlock()
	return e
}

// Value returns an entry's current value, resolving Alias indirection by
// reading the target entry's Value (recursively, so an Alias of an Alias is
// followed to its end) and applying the alias's gain/offset: an Alias re-exposes another entry's value through an
// optional affine transform.
func (ds *Datastore) Value(h Handle) (Value, bool) {
	e := ds.lookup(h)
	if e == nil {
		return Value{}, false
	}
	e.mu.Lock()
	kind := e.Kind
	target := e.AliasTarget
	gain, offset, hasGO := e.Gain, e.Offset, e.HasGainOffset
	direct := e.Value
	e.mu.Unlock()

	if kind != KindAlias {
		return direct, direct.Valid
	}
	base, ok := ds.Value(target)
	if !ok || !base.Valid {
		return Value{}, false
	}
	if !hasGO {
		return base, true
	}
	return Value{Bytes: base.Bytes, Decoded: base.Decoded*gain + offset, Valid: true}, true
}

// SetValue updates a Variable/RPV entry's value and timestamp (called by
// MemoryReader on a fresh read response).
func (ds *Datastore) SetValue(h Handle, v Value, nowUs uint64) {
	e := ds.lookup(h)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.Value = v
	e.LastUpdateUs = nowUs
	e.mu.Unlock()
}

// QueueWrite stores a pending write for a Variable entry, to be drained by
// MemoryWriter. It returns false if the entry does not exist or is not a
// Variable (Alias/RPV writes are out of MemoryWriter's scope; see reader.go).
func (ds *Datastore) QueueWrite(h Handle, bytes []byte) bool {
	e := ds.lookup(h)
	if e == nil || e.Kind != KindVariable {
		return false
	}
	e.mu.Lock()
	e.PendingWrite = &PendingWrite{Bytes: append([]byte(nil), bytes...)}
	e.mu.Unlock()
	return true
}

// TakePendingWrite atomically removes and returns h's pending write, if any.
func (ds *Datastore) TakePendingWrite(h Handle) (*PendingWrite, bool) {
	e := ds.lookup(h)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	pw := e.PendingWrite
	e.PendingWrite = nil
	e.mu.Unlock()
	return pw, pw != nil
}

// EntryInfo is a copy of an entry's definitional fields, safe to hold
// outside the entry's lock.
type EntryInfo struct {
	Kind     Kind
	Address  protocol.Address
	DataType DataType
}

// EntrySnapshot returns a copy of h's definitional fields, or nil for an
// unknown handle.
func (ds *Datastore) EntrySnapshot(h Handle) *EntryInfo {
	e := ds.lookup(h)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	info := EntryInfo{Kind: e.Kind, Address: e.Address, DataType: e.DataType}
	e.mu.Unlock()
	return &info
}

// InvalidateAll marks every entry's value stale without touching watcher
// counts, used on phase regression: watched entries keep their watchers
// but their cached values become stale. Entry locks are taken one at
// a time under the map lock, the same order Watch uses.
func (ds *Datastore) InvalidateAll() {
	ds.mapMu.Lock()
	defer ds.mapMu.Unlock()
	for _, e := range ds.byH {
		e.mu.Lock()
		e.Value.Valid = false
		e.mu.Unlock()
	}
}

// WatchedVariables returns a stable, ascending-handle-ordered snapshot of
// every currently-watched Variable entry — the ordering MemoryReader
// relies on for its round-robin rotation and for lock
// acquisition order when a single poll cycle must touch several entries.
func (ds *Datastore) WatchedVariables() []*Entry {
	ds.mapMu.Lock()
	out := make([]*Entry, 0, len(ds.byH))
	for _, e := range ds.byH {
		if e.Kind == KindVariable {
			out = append(out, e)
		}
	}
	ds.mapMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}
