package datastore

import (
	"scrutiny-server/internal/codec"
	"scrutiny-server/internal/dispatcher"
	"scrutiny-server/internal/priority"
	"scrutiny-server/internal/protocol"
)

const writeTimeoutUs = 500_000

// MemoryWriter drains pending writes FIFO, batching as many into one
// MemoryControl.Write request as the device's RX/TX buffers allow.
// Forbidden and readonly regions are rejected locally, before ever
// reaching the dispatcher, so a bad write never costs a round trip.
type MemoryWriter struct {
	ds       *Datastore
	c        *codec.V1
	addrSize protocol.AddressSize
	policy   MemoryPolicy
	rxBuf    int
	txBuf    int

	queue []Handle // FIFO of handles with a pending write, oldest first

	inFlight   bool
	batchOrder []Handle
}

func NewMemoryWriter(ds *Datastore, c *codec.V1, addrSize protocol.AddressSize, policy MemoryPolicy, rxBuf, txBuf int) *MemoryWriter {
	return &MemoryWriter{ds: ds, c: c, addrSize: addrSize, policy: policy, rxBuf: rxBuf, txBuf: txBuf}
}

func (w *MemoryWriter) SetPolicy(p MemoryPolicy) { w.policy = p }

// Enqueue appends h to the FIFO if it is not already queued; QueueWrite on
// the datastore must have been called first to stash the bytes.
func (w *MemoryWriter) Enqueue(h Handle) {
	for _, q := range w.queue {
		if q == h {
			return
		}
	}
	w.queue = append(w.queue, h)
}

func (w *MemoryWriter) Poll(nowUs uint64) PollAction {
	if w.inFlight {
		return PollAction{Kind: PollNone}
	}
	reqEnc := codec.NewWriteRequestEncoder(w.addrSize, w.rxBuf)
	respBudget := w.txBuf
	var order []Handle
	var remaining []Handle

	for i, h := range w.queue {
		e := w.ds.lookup(h)
		if e == nil {
			continue
		}
		e.mu.Lock()
		addr, dt, pw := e.Address, e.DataType, e.PendingWrite
		e.mu.Unlock()
		if pw == nil {
			continue
		}
		size := dt.Size()
		if size == 0 || len(pw.Bytes) != size {
			w.ds.TakePendingWrite(h) // drop a malformed write rather than wedge the FIFO
			continue
		}
		if w.policy.IsForbidden(addr, size) || w.policy.IsReadonly(addr, size) {
			w.ds.TakePendingWrite(h)
			continue
		}
		respSize := int(w.addrSize) + 2
		if respBudget-respSize < 0 {
			remaining = append(remaining, w.queue[i:]...)
			break
		}
		if !reqEnc.Write(codec.WriteRequestBlock{Address: addr, Length: uint16(size), Data: pw.Bytes}) {
			remaining = append(remaining, w.queue[i:]...)
			break
		}
		respBudget -= respSize
		order = append(order, h)
	}
	w.queue = remaining
	if len(order) == 0 {
		return PollAction{Kind: PollNone}
	}
	w.batchOrder = order
	w.inFlight = true
	req := protocol.Request{CommandId: protocol.CommandMemoryControl, SubfunctionId: protocol.MemoryControlWrite, Data: reqEnc.Bytes()}
	return PollAction{Kind: PollSend, Request: req, Priority: priority.Normal, TimeoutUs: writeTimeoutUs}
}

// HandleResult clears the taken-from-queue PendingWrite markers. Writes
// are fire-and-forget-once, not auto-retried; the caller must re-queue if
// it wants another attempt after a device rejection.
func (w *MemoryWriter) HandleResult(res dispatcher.Result) {
	order := w.batchOrder
	w.batchOrder = nil
	w.inFlight = false
	for _, h := range order {
		w.ds.TakePendingWrite(h)
	}
	_ = res
}
