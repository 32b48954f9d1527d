package commhandler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scrutiny-server/internal/protocol"
)

func mustResponseFrame(t *testing.T, resp protocol.Response) []byte {
	t.Helper()
	b, err := resp.Encode()
	require.NoError(t, err)
	return b
}

func TestCommHandler_DiscoverHandshakeBytes(t *testing.T) {
	// A full discover-handshake response frame, byte for byte.
	resp := protocol.Response{
		CommandId:     protocol.CommandCommControl.AsResponse(),
		SubfunctionId: 1,
		ResponseCode:  protocol.ResponseOK,
		Data:          append(append([]byte{}, protocol.DiscoverMagic[:]...), 0xEE, 0xDD, 0xCC, 0xBB),
	}
	frame := mustResponseFrame(t, resp)

	h := New(256, 256, 50_000)
	h.ProcessData(0, frame)

	got, ok := h.TakeResponse()
	require.True(t, ok)
	require.Equal(t, resp.CommandId, got.CommandId)
	require.Equal(t, resp.SubfunctionId, got.SubfunctionId)
	require.Equal(t, resp.ResponseCode, got.ResponseCode)
	require.Equal(t, resp.Data, got.Data)
}

func TestCommHandler_FramingIdempotence(t *testing.T) {
	resp := protocol.Response{
		CommandId:     protocol.CommandGetInfo.AsResponse(),
		SubfunctionId: 1,
		ResponseCode:  protocol.ResponseOK,
		Data:          []byte{1, 0},
	}
	frame := mustResponseFrame(t, resp)

	allAtOnce := New(256, 256, 50_000)
	allAtOnce.ProcessData(0, frame)
	gotAll, okAll := allAtOnce.TakeResponse()

	oneByte := New(256, 256, 50_000)
	for i, b := range frame {
		oneByte.ProcessData(uint64(i), []byte{b})
	}
	gotOne, okOne := oneByte.TakeResponse()

	require.Equal(t, okAll, okOne)
	require.Equal(t, gotAll, gotOne)
}

func TestCommHandler_CRCRejectionDropsFrame(t *testing.T) {
	resp := protocol.Response{
		CommandId:     protocol.CommandGetInfo.AsResponse(),
		SubfunctionId: 1,
		ResponseCode:  protocol.ResponseOK,
		Data:          []byte{1, 0},
	}
	frame := mustResponseFrame(t, resp)

	for i := range frame {
		corrupted := append([]byte(nil), frame...)
		corrupted[i] ^= 0x01 // flip one bit
		h := New(256, 256, 50_000)
		h.ProcessData(0, corrupted)
		_, ok := h.TakeResponse()
		require.False(t, ok, "byte %d flip must be rejected", i)
		// A flipped length byte changes how many bytes the FSM expects:
		// 0x0102 exceeds the 256-byte RX buffer (RxError) and 0x0003 leaves
		// it one CRC byte short (WaitCrc). Every other flip fails the CRC
		// check and resets the FSM to WaitCmd.
		want := WaitCmd
		switch i {
		case 3:
			want = RxError
		case 4:
			want = WaitCrc
		}
		require.Equal(t, want, h.RxState(), "FSM state after flipping byte %d", i)
	}
}

func TestCommHandler_BufferOverflowThenTimeoutRecovers(t *testing.T) {
	h := New(4, 256, 1000) // rx buffer only 4 bytes
	// cmd, subfn, code, len=0x0010 (16, exceeds cap of 4)
	h.ProcessData(0, []byte{0x81, 1, 0, 0x00, 0x10})
	require.True(t, h.Overflowed())

	// More bytes while in Error are dropped.
	h.ProcessData(500, []byte{0xAA, 0xBB})
	require.True(t, h.Overflowed())

	// After the inter-byte timeout, a fresh well-formed frame is accepted.
	resp := protocol.Response{CommandId: protocol.CommandGetInfo.AsResponse(), SubfunctionId: 1, ResponseCode: protocol.ResponseOK, Data: []byte{1, 0}}
	frame := mustResponseFrame(t, resp)
	h.ProcessData(500+1001, frame)
	got, ok := h.TakeResponse()
	require.True(t, ok)
	require.Equal(t, resp.Data, got.Data)
}

func TestCommHandler_InterByteTimeoutResetsPartialFrame(t *testing.T) {
	h := New(256, 256, 1000)
	// Header + 2 of 8 data bytes of a discover response.
	h.ProcessData(0, []byte{0x82, 1, 0, 0x00, 0x08, 0xAA, 0xAA})
	require.Equal(t, WaitData, h.RxState())

	// Quiet period exceeds rx_timeout_us.
	resp := protocol.Response{CommandId: protocol.CommandGetInfo.AsResponse(), SubfunctionId: 1, ResponseCode: protocol.ResponseOK, Data: []byte{1, 0}}
	frame := mustResponseFrame(t, resp)
	h.ProcessData(0+1001, frame)

	got, ok := h.TakeResponse()
	require.True(t, ok, "the interrupted frame must be discarded and the trailing bytes parsed as a fresh one")
	require.Equal(t, resp.Data, got.Data)
}

func TestCommHandler_HalfDuplexDropsRxWhileTransmitting(t *testing.T) {
	h := New(256, 256, 50_000)
	req := protocol.Request{CommandId: protocol.CommandCommControl, SubfunctionId: 1}
	require.NoError(t, h.SendRequest(req))
	require.Equal(t, Transmitting, h.State())

	before := h.RxState()
	h.ProcessData(0, []byte{0x82, 1, 0, 0, 0})
	require.Equal(t, before, h.RxState(), "rx state must not mutate while transmitting")

	buf := make([]byte, 64)
	_ = h.PopData(buf) // buf is large enough to drain the whole frame in one pop
	require.Equal(t, 0, h.PendingTxBytes())
	require.Equal(t, Idle, h.State())
}

func TestCommHandler_SendRequestBusyWhileTransmitting(t *testing.T) {
	h := New(256, 256, 50_000)
	req := protocol.Request{CommandId: protocol.CommandCommControl, SubfunctionId: 1}
	require.NoError(t, h.SendRequest(req))
	err := h.SendRequest(req)
	require.Error(t, err)
}

func TestCommHandler_SendRequestOverflow(t *testing.T) {
	h := New(256, 4, 50_000)
	req := protocol.Request{CommandId: protocol.CommandMemoryControl, SubfunctionId: 1, Data: make([]byte, 10)}
	err := h.SendRequest(req)
	require.Error(t, err)
}

func TestCommHandler_PopDataDrainsInChunks(t *testing.T) {
	h := New(256, 256, 50_000)
	req := protocol.Request{CommandId: protocol.CommandCommControl, SubfunctionId: 1, Data: []byte{1, 2, 3, 4, 5}}
	require.NoError(t, h.SendRequest(req))

	var out []byte
	buf := make([]byte, 3)
	for h.State() == Transmitting {
		n := h.PopData(buf)
		out = append(out, buf[:n]...)
	}
	wire, err := req.Encode()
	require.NoError(t, err)
	require.Equal(t, wire, out)
	require.Equal(t, Idle, h.State())
}
