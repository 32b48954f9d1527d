package datastore

import (
	"scrutiny-server/internal/codec"
	"scrutiny-server/internal/dispatcher"
	"scrutiny-server/internal/priority"
	"scrutiny-server/internal/protocol"
)

// PollKind distinguishes a no-op poll from one that produced a request to
// submit, mirroring internal/submodule's Poll/Action shape: MemoryReader
// and MemoryWriter never touch the dispatcher directly, they only ever
// hand DeviceHandler a request to submit on their behalf.
type PollKind uint8

const (
	PollNone PollKind = iota
	PollSend
)

// PollAction is what MemoryReader/MemoryWriter return from Poll.
type PollAction struct {
	Kind      PollKind
	Request   protocol.Request
	Priority  int
	TimeoutUs int
}

const readTimeoutUs = 500_000

// MemoryReader periodically reconciles every
// watched Variable against device memory: it batches as many (address,
// length) blocks into one MemoryControl.Read request as will fit both the
// device's advertised RX buffer (the request's own size) and its TX buffer
// (the response the device will send back), picking whichever bound is
// tighter, and rotates its starting point through the watch list each cycle
// so no entry is starved by ones ahead of it in handle order.
type MemoryReader struct {
	ds       *Datastore
	c        *codec.V1
	addrSize protocol.AddressSize
	policy   MemoryPolicy
	rxBuf    int
	txBuf    int

	rotate int

	inFlight    bool
	batchOrder  []Handle

	notify func(Handle, Value, uint64)
}

func NewMemoryReader(ds *Datastore, c *codec.V1, addrSize protocol.AddressSize, policy MemoryPolicy, rxBuf, txBuf int) *MemoryReader {
	return &MemoryReader{ds: ds, c: c, addrSize: addrSize, policy: policy, rxBuf: rxBuf, txBuf: txBuf}
}

// SetPolicy replaces the forbidden/readonly region map of an existing
// reader.
func (r *MemoryReader) SetPolicy(p MemoryPolicy) { r.policy = p }

// SetNotify installs a hook fired after each entry's value is refreshed
// from a read response, carrying the handle, the new value and the update
// timestamp. DeviceHandler uses it to publish on_value_update events; a nil
// hook disables notification.
func (r *MemoryReader) SetNotify(fn func(Handle, Value, uint64)) { r.notify = fn }

func (r *MemoryReader) Poll(nowUs uint64) PollAction {
	if r.inFlight {
		return PollAction{Kind: PollNone}
	}
	entries := r.ds.WatchedVariables()
	if len(entries) == 0 {
		return PollAction{Kind: PollNone}
	}
	if r.rotate >= len(entries) {
		r.rotate = 0
	}

	reqEnc := codec.NewReadRequestEncoder(r.addrSize, r.rxBuf)
	respBudget := r.txBuf
	order := make([]Handle, 0, len(entries))

	n := len(entries)
	for i := 0; i < n; i++ {
		e := entries[(r.rotate+i)%n]
		e.mu.Lock()
		addr, dt := e.Address, e.DataType
		e.mu.Unlock()
		size := dt.Size()
		if size == 0 {
			continue
		}
		if r.policy.IsForbidden(addr, size) {
			continue
		}
		respSize := int(r.addrSize) + 2 + size
		if respBudget-respSize < 0 {
			break
		}
		if !reqEnc.Write(codec.ReadRequestBlock{Address: addr, Length: uint16(size)}) {
			break
		}
		respBudget -= respSize
		order = append(order, e.Handle)
	}
	if len(order) == 0 {
		// Nothing fit (or everything forbidden/zero-width): advance past the
		// head entry so a single unreadable entry never wedges the rotation.
		r.rotate = (r.rotate + 1) % n
		return PollAction{Kind: PollNone}
	}
	r.rotate = (r.rotate + len(order)) % n
	r.batchOrder = order
	r.inFlight = true

	req := protocol.Request{CommandId: protocol.CommandMemoryControl, SubfunctionId: protocol.MemoryControlRead, Data: reqEnc.Bytes()}
	return PollAction{Kind: PollSend, Request: req, Priority: priority.Normal, TimeoutUs: readTimeoutUs}
}

// HandleResult applies a completed read's response to every entry in the
// batch that was actually answered, matching each answered block to the
// batch entries at its address and width; a short or malformed response still
// updates whichever leading blocks parsed correctly (overflow truncation
// is a whole-block affair, never a half-written one).
func (r *MemoryReader) HandleResult(res dispatcher.Result, nowUs uint64) {
	order := r.batchOrder
	r.batchOrder = nil
	r.inFlight = false
	if res.Err != nil || res.Response.ResponseCode != protocol.ResponseOK {
		return
	}
	p := codec.NewReadResponseParser(res.Response.Data, r.addrSize)
	for {
		blk, ok := p.Next()
		if !ok {
			return
		}
		v := decodeBlockValue(blk.Data)
		for _, h := range order {
			info := r.ds.EntrySnapshot(h)
			if info == nil || info.Address != blk.Address || info.DataType.Size() != len(blk.Data) {
				continue
			}
			r.ds.SetValue(h, v, nowUs)
			if r.notify != nil {
				r.notify(h, v, nowUs)
			}
		}
	}
}

func decodeBlockValue(data []byte) Value {
	var dec float64
	switch len(data) {
	case 1:
		dec = float64(data[0])
	case 2:
		dec = float64(uint16(data[0])<<8 | uint16(data[1]))
	case 4:
		v := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
		dec = float64(v)
	case 8:
		var v uint64
		for _, b := range data {
			v = v<<8 | uint64(b)
		}
		dec = float64(v)
	}
	return Value{Bytes: append([]byte(nil), data...), Decoded: dec, Valid: true}
}
