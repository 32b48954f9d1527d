// Package dispatcher is the priority-ordered outbound request queue sitting
// between the submodules/DeviceHandler and the CommHandler. At
// most one request is ever in flight, matching the link's half-duplex
// constraint: Next releases the highest-priority, earliest-submitted
// request once the bitrate throttle allows it, and no further request is
// released until that one completes or times out.
//
// The scheduling data structure is a container/heap min-heap keyed by
// priority then insertion sequence. The Dispatcher is driven synchronously
// by Tick/Next calls from the core's single cooperative event loop, so
// there is no internal locking or wakeup channel.
package dispatcher

import (
	"container/heap"

	"scrutiny-server/internal/logx"
	"scrutiny-server/internal/protocol"
	"scrutiny-server/internal/protoerr"
	"scrutiny-server/internal/throttler"
)

var log = logx.New("dispatcher")

// Result is delivered to a request's callback exactly once, either with a
// Response or with a non-nil Err (link/timeout failure).
type Result struct {
	Response protocol.Response
	Err      error
}

// Callback receives a submitted request's outcome. It runs synchronously
// from within Tick or Complete, on the same goroutine that calls them.
type Callback func(Result)

type item struct {
	seq       uint64
	priority  int
	req       protocol.Request
	wire      []byte // pre-encoded frame, so wire size is known before Next
	timeoutUs uint64
	cb        Callback
	index     int
}

type reqHeap []*item

func (h reqHeap) Len() int { return len(h) }
func (h reqHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h reqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *reqHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	it.index = -1
	*h = old[:n-1]
	return it
}

type pending struct {
	item       *item
	deadlineUs uint64
}

// Dispatcher orders, throttles and times out outbound requests. It is not
// safe for concurrent use; the core loop owns it exclusively.
type Dispatcher struct {
	maxQueueLen   int
	maxQueueBytes int
	queuedBytes   int
	h             reqHeap
	seq           uint64
	th            *throttler.Throttler
	awaiting      *pending
	timeouts      int
}

// New returns a Dispatcher bounded to maxQueueLen queued (not yet in-flight)
// requests, with no cap on their total wire bytes, gated by th (pass throttler.New(0, 0) for no bitrate limit).
func New(maxQueueLen int, th *throttler.Throttler) *Dispatcher {
	return &Dispatcher{maxQueueLen: maxQueueLen, th: th}
}

// NewWithByteCap is New plus a cap on total queued (pre-in-flight) wire
// bytes; Submit fails Full when either cap would be exceeded.
func NewWithByteCap(maxQueueLen, maxQueueBytes int, th *throttler.Throttler) *Dispatcher {
	return &Dispatcher{maxQueueLen: maxQueueLen, maxQueueBytes: maxQueueBytes, th: th}
}

// Submit encodes req and enqueues it at priority (lower value = served
// first), ties broken by submission order. cb fires exactly once, either
// from a later Tick call (timeout) or a Complete call (response).
func (d *Dispatcher) Submit(req protocol.Request, priority int, timeoutUs uint64, cb Callback) (uint64, error) {
	if d.h.Len() >= d.maxQueueLen {
		return 0, protoerr.New(protoerr.ClassResourceQueueFull, "dispatcher.submit", "request queue full")
	}
	wire, err := req.Encode()
	if err != nil {
		return 0, protoerr.Wrap(protoerr.ClassEncodeTooLarge, "dispatcher.submit", err)
	}
	if d.maxQueueBytes > 0 && d.queuedBytes+len(wire) > d.maxQueueBytes {
		return 0, protoerr.New(protoerr.ClassResourceQueueFull, "dispatcher.submit", "queued byte cap exceeded")
	}
	d.seq++
	it := &item{seq: d.seq, priority: priority, req: req, wire: wire, timeoutUs: timeoutUs, cb: cb}
	d.queuedBytes += len(wire)
	heap.Push(&d.h, it)
	return it.seq, nil
}

// Next returns the next request ready to send, or ok==false if nothing is
// eligible yet: either a request is already in flight, the queue is empty,
// or the throttle has no budget for the head-of-line request's wire size
// right now.
func (d *Dispatcher) Next(nowUs uint64) (protocol.Request, uint64, bool) {
	if d.awaiting != nil || d.h.Len() == 0 {
		return protocol.Request{}, 0, false
	}
	top := d.h[0]
	if !d.th.Allow(nowUs, len(top.wire)) {
		return protocol.Request{}, 0, false
	}
	return top.req, top.seq, true
}

// MarkInFlight must be called once the CommHandler has accepted the request
// Next just returned, removing it from the queue and starting its timeout
// clock. A seq that no longer matches the queue head (Next's result is
// stale) is ignored.
func (d *Dispatcher) MarkInFlight(nowUs uint64, seq uint64) {
	if d.h.Len() == 0 || d.h[0].seq != seq {
		return
	}
	it := heap.Pop(&d.h).(*item)
	d.queuedBytes -= len(it.wire)
	d.th.Consume(nowUs, len(it.wire))
	d.awaiting = &pending{item: it, deadlineUs: nowUs + it.timeoutUs}
}

// Complete delivers a response for the in-flight request, returning true.
// seq must match the in-flight sequence and resp's (cmd, subfn) must match
// the request that was sent (response bit aside); on mismatch — a stray
// frame, or a late reply to a request that already timed out and lost its
// slot — the response is dropped with a warning, false is returned, and
// the outstanding request keeps waiting for its own reply or timeout.
func (d *Dispatcher) Complete(seq uint64, resp protocol.Response) bool {
	if d.awaiting == nil || d.awaiting.item.seq != seq {
		return false
	}
	req := d.awaiting.item.req
	if resp.CommandId.AsRequest() != req.CommandId || resp.SubfunctionId != req.SubfunctionId {
		log.Printf("dropping response %v.%d: outstanding request is %v.%d",
			resp.CommandId.AsRequest(), resp.SubfunctionId, req.CommandId, req.SubfunctionId)
		return false
	}
	p := d.awaiting
	d.awaiting = nil
	p.item.cb(Result{Response: resp})
	return true
}

// Tick expires the in-flight request if its deadline has passed. It must be
// called at least once per event loop iteration.
func (d *Dispatcher) Tick(nowUs uint64) {
	if d.awaiting == nil || nowUs < d.awaiting.deadlineUs {
		return
	}
	p := d.awaiting
	d.awaiting = nil
	d.timeouts++
	p.item.cb(Result{Err: protoerr.New(protoerr.ClassFrameTimeout, "dispatcher.tick", "request timed out")})
}

// Len reports the number of requests queued but not yet in flight.
func (d *Dispatcher) Len() int { return d.h.Len() }

// Timeouts reports the cumulative count of in-flight requests that expired
// without a matching response.
func (d *Dispatcher) Timeouts() int { return d.timeouts }

// InFlight reports whether a request is currently awaiting a response.
func (d *Dispatcher) InFlight() bool { return d.awaiting != nil }

// ThrottleTokens reports the bitrate token bucket's current balance in bits.
func (d *Dispatcher) ThrottleTokens(nowUs uint64) float64 { return d.th.Tokens(nowUs) }

// ResetThrottle refills the bitrate bucket to capacity; DeviceHandler
// calls it alongside CancelAll when tearing a session down so a new
// session never inherits a drained bucket.
func (d *Dispatcher) ResetThrottle(nowUs uint64) { d.th.Reset(nowUs) }

// CancelAll delivers err as a terminal result to every queued and in-flight
// request and empties the dispatcher. DeviceHandler calls this on entering
// DiscoveringDevice so no stale callback fires after a session has already
// been torn down.
func (d *Dispatcher) CancelAll(err error) {
	if d.awaiting != nil {
		p := d.awaiting
		d.awaiting = nil
		p.item.cb(Result{Err: err})
	}
	items := d.h
	d.h = nil
	d.queuedBytes = 0
	for _, it := range items {
		it.cb(Result{Err: err})
	}
}
