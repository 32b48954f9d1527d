package datastore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scrutiny-server/internal/codec"
	"scrutiny-server/internal/dispatcher"
	"scrutiny-server/internal/protocol"
)

func TestWatchDedupesIdenticalDescriptor(t *testing.T) {
	ds := New()
	d := Descriptor{Kind: KindVariable, Address: 0x100, DataType: DataTypeU16}
	h1 := ds.Watch(d)
	h2 := ds.Watch(d)
	require.Equal(t, h1, h2)
	require.Len(t, ds.WatchedVariables(), 1)
	require.EqualValues(t, 2, ds.byH[h1].WatcherCount)
}

func TestUnwatchRemovesOnLastRelease(t *testing.T) {
	ds := New()
	d := Descriptor{Kind: KindVariable, Address: 0x200, DataType: DataTypeU8}
	h := ds.Watch(d)
	ds.Watch(d)
	ds.Unwatch(h)
	require.Len(t, ds.WatchedVariables(), 1)
	ds.Unwatch(h)
	require.Len(t, ds.WatchedVariables(), 0)
}

func TestAliasAppliesGainOffset(t *testing.T) {
	ds := New()
	target := ds.Watch(Descriptor{Kind: KindVariable, Address: 0x10, DataType: DataTypeU8})
	ds.SetValue(target, Value{Bytes: []byte{10}, Decoded: 10, Valid: true}, 1)

	alias := ds.Watch(Descriptor{Kind: KindAlias, AliasTarget: target, Gain: 2, Offset: 5, HasGainOffset: true})
	v, ok := ds.Value(alias)
	require.True(t, ok)
	require.Equal(t, 25.0, v.Decoded) // 10*2+5
}

func TestInvalidateAllKeepsWatchersDropsValues(t *testing.T) {
	ds := New()
	h := ds.Watch(Descriptor{Kind: KindVariable, Address: 0x10, DataType: DataTypeU8})
	ds.SetValue(h, Value{Bytes: []byte{1}, Decoded: 1, Valid: true}, 1)

	ds.InvalidateAll()

	_, ok := ds.Value(h)
	require.False(t, ok)
	require.Len(t, ds.WatchedVariables(), 1)
	require.EqualValues(t, 1, ds.byH[h].WatcherCount)
}

func TestEntrySnapshotCopiesDefinition(t *testing.T) {
	ds := New()
	h := ds.Watch(Descriptor{Kind: KindVariable, Address: 0x42, DataType: DataTypeU16})
	info := ds.EntrySnapshot(h)
	require.NotNil(t, info)
	require.Equal(t, KindVariable, info.Kind)
	require.Equal(t, protocol.Address(0x42), info.Address)
	require.Equal(t, DataTypeU16, info.DataType)
	require.Nil(t, ds.EntrySnapshot(Handle("missing")))
}

func TestMemoryReaderNotifyFiresPerUpdatedEntry(t *testing.T) {
	ds := New()
	c := codec.NewV1()
	h := ds.Watch(Descriptor{Kind: KindVariable, Address: 0x10, DataType: DataTypeU8})

	r := NewMemoryReader(ds, c, protocol.AddressSize1, MemoryPolicy{}, 256, 256)
	var seen []ValueUpdate
	r.SetNotify(func(h Handle, v Value, ts uint64) {
		seen = append(seen, ValueUpdate{Handle: h, Value: v, TimestampUs: ts})
	})
	act := r.Poll(0)
	require.Equal(t, PollSend, act.Kind)

	respEnc := codec.NewReadResponseEncoder(protocol.AddressSize1, 256)
	require.True(t, respEnc.Write(codec.ReadResponseBlock{Address: 0x10, Length: 1, Data: []byte{7}}))
	r.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseOK, Data: respEnc.Bytes()}}, 100)

	require.Len(t, seen, 1)
	require.Equal(t, h, seen[0].Handle)
	require.Equal(t, 7.0, seen[0].Value.Decoded)
	require.EqualValues(t, 100, seen[0].TimestampUs)
}

func TestMemoryReaderBatchesAndUpdatesValues(t *testing.T) {
	ds := New()
	c := codec.NewV1()
	h1 := ds.Watch(Descriptor{Kind: KindVariable, Address: 0x10, DataType: DataTypeU8})
	h2 := ds.Watch(Descriptor{Kind: KindVariable, Address: 0x20, DataType: DataTypeU16})

	r := NewMemoryReader(ds, c, protocol.AddressSize1, MemoryPolicy{}, 256, 256)
	act := r.Poll(0)
	require.Equal(t, PollSend, act.Kind)

	respEnc := codec.NewReadResponseEncoder(protocol.AddressSize1, 256)
	require.True(t, respEnc.Write(codec.ReadResponseBlock{Address: 0x10, Length: 1, Data: []byte{7}}))
	require.True(t, respEnc.Write(codec.ReadResponseBlock{Address: 0x20, Length: 2, Data: []byte{0, 42}}))

	r.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseOK, Data: respEnc.Bytes()}}, 100)

	v1, ok := ds.Value(h1)
	require.True(t, ok)
	require.Equal(t, 7.0, v1.Decoded)
	v2, ok := ds.Value(h2)
	require.True(t, ok)
	require.Equal(t, 42.0, v2.Decoded)
}

func TestMemoryReaderSkipsForbiddenAddresses(t *testing.T) {
	ds := New()
	c := codec.NewV1()
	ds.Watch(Descriptor{Kind: KindVariable, Address: 0x10, DataType: DataTypeU8})
	policy := MemoryPolicy{Forbidden: []AddressRangeSpan{{Start: 0x10, End: 0x11}}}
	r := NewMemoryReader(ds, c, protocol.AddressSize1, policy, 256, 256)
	act := r.Poll(0)
	require.Equal(t, PollNone, act.Kind)
}

func TestMemoryWriterRejectsForbiddenLocally(t *testing.T) {
	ds := New()
	c := codec.NewV1()
	h := ds.Watch(Descriptor{Kind: KindVariable, Address: 0x10, DataType: DataTypeU8})
	ds.QueueWrite(h, []byte{9})

	policy := MemoryPolicy{Forbidden: []AddressRangeSpan{{Start: 0x10, End: 0x11}}}
	w := NewMemoryWriter(ds, c, protocol.AddressSize1, policy, 256, 256)
	w.Enqueue(h)
	act := w.Poll(0)
	require.Equal(t, PollNone, act.Kind)
	_, pending := ds.TakePendingWrite(h)
	require.False(t, pending)
}

func TestMemoryWriterHappyPath(t *testing.T) {
	ds := New()
	c := codec.NewV1()
	h := ds.Watch(Descriptor{Kind: KindVariable, Address: 0x10, DataType: DataTypeU8})
	ds.QueueWrite(h, []byte{9})

	w := NewMemoryWriter(ds, c, protocol.AddressSize1, MemoryPolicy{}, 256, 256)
	w.Enqueue(h)
	act := w.Poll(0)
	require.Equal(t, PollSend, act.Kind)

	respEnc := codec.NewWriteResponseEncoder(protocol.AddressSize1, 256)
	require.True(t, respEnc.Write(codec.WriteResponseBlock{Address: 0x10, Length: 1}))
	w.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseOK, Data: respEnc.Bytes()}})

	_, pending := ds.TakePendingWrite(h)
	require.False(t, pending)
}
