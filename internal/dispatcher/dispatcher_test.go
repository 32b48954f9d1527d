package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scrutiny-server/internal/protocol"
	"scrutiny-server/internal/protoerr"
	"scrutiny-server/internal/throttler"
)

func mkReq(cmd protocol.CommandId, subfn uint8) protocol.Request {
	return protocol.Request{CommandId: cmd, SubfunctionId: subfn}
}

func mkResp(req protocol.Request) protocol.Response {
	return protocol.Response{CommandId: req.CommandId.AsResponse(), SubfunctionId: req.SubfunctionId}
}

func TestDispatcher_PriorityOrdering(t *testing.T) {
	d := New(10, throttler.New(0, 0))
	var order []uint8

	_, err := d.Submit(mkReq(protocol.CommandGetInfo, 1), 5, 1000, func(r Result) { order = append(order, 1) })
	require.NoError(t, err)
	_, err = d.Submit(mkReq(protocol.CommandGetInfo, 2), 1, 1000, func(r Result) { order = append(order, 2) })
	require.NoError(t, err)
	_, err = d.Submit(mkReq(protocol.CommandGetInfo, 3), 1, 1000, func(r Result) { order = append(order, 3) })
	require.NoError(t, err)

	req, seq, ok := d.Next(0)
	require.True(t, ok)
	require.Equal(t, uint8(2), req.SubfunctionId) // priority 1, submitted first among priority-1 items
	d.MarkInFlight(0, seq)
	d.Complete(seq, mkResp(req))

	req, seq, ok = d.Next(0)
	require.True(t, ok)
	require.Equal(t, uint8(3), req.SubfunctionId)
	d.MarkInFlight(0, seq)
	d.Complete(seq, mkResp(req))

	req, seq, ok = d.Next(0)
	require.True(t, ok)
	require.Equal(t, uint8(1), req.SubfunctionId)
	d.MarkInFlight(0, seq)
	d.Complete(seq, mkResp(req))

	require.Equal(t, []uint8{2, 3, 1}, order)
}

func TestDispatcher_OnlyOneInFlight(t *testing.T) {
	d := New(10, throttler.New(0, 0))
	_, _ = d.Submit(mkReq(protocol.CommandGetInfo, 1), 0, 1000, func(Result) {})
	_, _ = d.Submit(mkReq(protocol.CommandGetInfo, 2), 0, 1000, func(Result) {})

	_, seq, ok := d.Next(0)
	require.True(t, ok)
	d.MarkInFlight(0, seq)

	_, _, ok = d.Next(0)
	require.False(t, ok, "a second request must not be released while one is in flight")
}

func TestDispatcher_Timeout(t *testing.T) {
	d := New(10, throttler.New(0, 0))
	var gotErr error
	_, err := d.Submit(mkReq(protocol.CommandGetInfo, 1), 0, 1000, func(r Result) { gotErr = r.Err })
	require.NoError(t, err)

	_, seq, ok := d.Next(0)
	require.True(t, ok)
	d.MarkInFlight(0, seq)

	d.Tick(999)
	require.Nil(t, gotErr)
	d.Tick(1000)
	require.Error(t, gotErr)
	require.Equal(t, protoerr.ClassFrameTimeout, protoerr.ClassOf(gotErr))
	require.False(t, d.InFlight())
}

func TestDispatcher_StrayResponseIgnored(t *testing.T) {
	d := New(10, throttler.New(0, 0))
	req := mkReq(protocol.CommandGetInfo, 1)
	seq, _ := d.Submit(req, 0, 1000, func(Result) {})
	require.False(t, d.Complete(seq, mkResp(req)), "completing before MarkInFlight must fail")
}

func TestDispatcher_MismatchedResponseKeepsWaiting(t *testing.T) {
	d := New(10, throttler.New(0, 0))
	fired := false
	reqA := mkReq(protocol.CommandGetInfo, 1)
	reqB := mkReq(protocol.CommandCommControl, 2)
	_, _ = d.Submit(reqA, 0, 1000, func(Result) {})
	_, _ = d.Submit(reqB, 0, 1000, func(r Result) { fired = true })

	// A goes in flight and times out without an answer.
	_, seqA, ok := d.Next(0)
	require.True(t, ok)
	d.MarkInFlight(0, seqA)
	d.Tick(1000)

	// B takes the slot, then A's answer finally limps in. It must not be
	// misattributed to B: B keeps waiting for its own reply.
	_, seqB, ok := d.Next(1000)
	require.True(t, ok)
	d.MarkInFlight(1000, seqB)
	require.False(t, d.Complete(seqB, mkResp(reqA)))
	require.False(t, fired)
	require.True(t, d.InFlight())

	// B's own reply completes normally.
	require.True(t, d.Complete(seqB, mkResp(reqB)))
	require.True(t, fired)
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := New(1, throttler.New(0, 0))
	_, err := d.Submit(mkReq(protocol.CommandGetInfo, 1), 0, 1000, func(Result) {})
	require.NoError(t, err)
	_, err = d.Submit(mkReq(protocol.CommandGetInfo, 2), 0, 1000, func(Result) {})
	require.Error(t, err)
	require.Equal(t, protoerr.ClassResourceQueueFull, protoerr.ClassOf(err))
}

func TestDispatcher_QueueByteCap(t *testing.T) {
	d := NewWithByteCap(10, 8, throttler.New(0, 0)) // first request alone is 8 bytes, fills the cap
	_, err := d.Submit(mkReq(protocol.CommandGetInfo, 1), 0, 1000, func(Result) {})
	require.NoError(t, err)
	_, err = d.Submit(mkReq(protocol.CommandGetInfo, 2), 0, 1000, func(Result) {})
	require.Error(t, err)
	require.Equal(t, protoerr.ClassResourceQueueFull, protoerr.ClassOf(err))
}

func TestDispatcher_CancelAll(t *testing.T) {
	d := New(10, throttler.New(0, 0))
	var errs []error
	_, _ = d.Submit(mkReq(protocol.CommandGetInfo, 1), 0, 1000, func(r Result) { errs = append(errs, r.Err) })
	_, seq, _ := d.Next(0)
	d.MarkInFlight(0, seq)
	_, _ = d.Submit(mkReq(protocol.CommandGetInfo, 2), 0, 1000, func(r Result) { errs = append(errs, r.Err) })

	sentinel := protoerr.New(protoerr.ClassSessionNoSession, "devicehandler", "session lost")
	d.CancelAll(sentinel)

	require.Len(t, errs, 2)
	require.Equal(t, sentinel, errs[0])
	require.Equal(t, sentinel, errs[1])
	require.Equal(t, 0, d.Len())
	require.False(t, d.InFlight())
}

func TestDispatcher_ThrottleBlocksNext(t *testing.T) {
	th := throttler.New(4, 4) // 16-bit bucket, an 8-byte request frame (64 bits) will exceed it
	d := New(10, th)
	_, err := d.Submit(mkReq(protocol.CommandGetInfo, 1), 0, 1000, func(Result) {})
	require.NoError(t, err)

	_, _, ok := d.Next(0)
	require.False(t, ok, "request frame (8 bytes = 64 bits) exceeds the 16-bit bucket")
}
