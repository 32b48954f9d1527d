package submodule

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"scrutiny-server/internal/codec"
	"scrutiny-server/internal/devicephase"
	"scrutiny-server/internal/dispatcher"
	"scrutiny-server/internal/protocol"
	"scrutiny-server/internal/timebase"
)

func TestSearcher_RetriesUntilMatch(t *testing.T) {
	c := codec.NewV1()
	s := NewSearcher(c, func() [4]byte { return [4]byte{0x11, 0x22, 0x33, 0x44} })
	s.Enable()

	act := s.Poll(0)
	require.Equal(t, ActionSend, act.Kind)

	data, err := c.EncodeDiscoverRequest([4]byte{0x11, 0x22, 0x33, 0x44})
	require.NoError(t, err)
	require.Equal(t, data, act.Request.Data)

	good := protocol.Response{
		CommandId:     protocol.CommandCommControl.AsResponse(),
		SubfunctionId: protocol.CommControlDiscover,
		ResponseCode:  protocol.ResponseOK,
		Data:          append(append([]byte{}, protocol.DiscoverMagic[:]...), 0xEE, 0xDD, 0xCC, 0xBB),
	}
	s.HandleResult(dispatcher.Result{Response: good})
	require.Equal(t, Done, s.Phase())
	require.True(t, s.Result().Responded)
}

func TestSearcher_BadChallengeResponseRetries(t *testing.T) {
	c := codec.NewV1()
	s := NewSearcher(c, func() [4]byte { return [4]byte{1, 2, 3, 4} })
	s.Enable()
	_ = s.Poll(0)

	bad := protocol.Response{
		CommandId:     protocol.CommandCommControl.AsResponse(),
		SubfunctionId: protocol.CommControlDiscover,
		ResponseCode:  protocol.ResponseOK,
		Data:          append(append([]byte{}, protocol.DiscoverMagic[:]...), 0, 0, 0, 0), // wrong, should be ~challenge
	}
	s.HandleResult(dispatcher.Result{Response: bad})
	require.Equal(t, SIdle, s.Phase())
}

func TestSessionInitializer_HappyPath(t *testing.T) {
	c := codec.NewV1()
	clk := timebase.NewFake()
	si := NewSessionInitializer(c, clk)
	si.Enable()

	act := si.Poll(0)
	require.Equal(t, ActionSend, act.Kind)
	require.Equal(t, protocol.CommControlConnect, act.Request.SubfunctionId)

	connResp := protocol.Response{ResponseCode: protocol.ResponseOK, Data: append(append([]byte{}, protocol.ConnectMagic[:]...), 0xDE, 0xAD, 0xBE, 0xEF)}
	si.HandleResult(dispatcher.Result{Response: connResp})
	require.Equal(t, SIdle, si.Phase())

	act = si.Poll(0)
	require.Equal(t, protocol.CommControlGetParams, act.Request.SubfunctionId)

	paramsData, err := (&codecGetParamsFixture{}).encode()
	require.NoError(t, err)
	paramsResp := protocol.Response{ResponseCode: protocol.ResponseOK, Data: paramsData}
	si.HandleResult(dispatcher.Result{Response: paramsResp})

	require.Equal(t, Done, si.Phase())
	require.Equal(t, uint32(0xDEADBEEF), si.Result().SessionID)
}

// codecGetParamsFixture builds a valid 16-byte GetParams response payload
// for tests without duplicating internal/codec's layout knowledge inline.
type codecGetParamsFixture struct{}

func (codecGetParamsFixture) encode() ([]byte, error) {
	buf := make([]byte, 16)
	// rx_buf=256 tx_buf=256 max_bitrate=115200 heartbeat_timeout=3_000_000 rx_timeout=50_000
	putU16 := func(off int, v uint16) { buf[off], buf[off+1] = byte(v>>8), byte(v) }
	putU32 := func(off int, v uint32) {
		buf[off] = byte(v >> 24)
		buf[off+1] = byte(v >> 16)
		buf[off+2] = byte(v >> 8)
		buf[off+3] = byte(v)
	}
	putU16(0, 256)
	putU16(2, 256)
	putU32(4, 115200)
	putU32(8, 3_000_000)
	putU32(12, 50_000)
	return buf, nil
}

func TestSessionInitializer_BusyRetriesWithoutFullRestart(t *testing.T) {
	c := codec.NewV1()
	clk := timebase.NewFake()
	si := NewSessionInitializer(c, clk)
	si.Enable()
	_ = si.Poll(0)

	si.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseBusy}})
	require.False(t, si.Failed())
	require.Equal(t, SIdle, si.Phase())

	// Not yet due.
	act := si.Poll(100)
	require.Equal(t, ActionNone, act.Kind)

	clk.Advance(1_000_000)
	act = si.Poll(600_000)
	require.Equal(t, ActionSend, act.Kind)
}

func TestSessionInitializer_InvalidRequestFullRestart(t *testing.T) {
	c := codec.NewV1()
	clk := timebase.NewFake()
	si := NewSessionInitializer(c, clk)
	si.Enable()
	_ = si.Poll(0)

	si.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseInvalidRequest}})
	require.True(t, si.Failed())
	require.Equal(t, devicephase.DiscoveringDevice, si.RegressAction(nil).RegressTo)
}

func TestHeartbeatGenerator_ThreeMissesLosesSession(t *testing.T) {
	c := codec.NewV1()
	clk := timebase.NewFake()
	seq := []uint16{0x1111, 0x2222, 0x3333}
	i := 0
	hb := NewHeartbeatGenerator(c, clk, 0xDEADBEEF, 900_000, func() uint16 { v := seq[i%len(seq)]; i++; return v })
	hb.Enable()

	errTimeout := errors.New("timed out")
	for n := 0; n < 3; n++ {
		act := hb.Poll(uint64(n) * 300_000)
		require.Equal(t, ActionSend, act.Kind)
		hb.HandleResult(dispatcher.Result{Err: errTimeout})
	}
	require.True(t, hb.SessionLost())
}

func TestHeartbeatGenerator_GoodReplyResetsMissCount(t *testing.T) {
	c := codec.NewV1()
	clk := timebase.NewFake()
	hb := NewHeartbeatGenerator(c, clk, 0xDEADBEEF, 900_000, func() uint16 { return 0x1234 })
	hb.Enable()

	act := hb.Poll(0)
	require.Equal(t, ActionSend, act.Kind)
	good := protocol.Response{ResponseCode: protocol.ResponseOK, Data: encodeHeartbeatResp(t, c, 0xDEADBEEF, 0x1234)}
	hb.HandleResult(dispatcher.Result{Response: good})
	require.False(t, hb.SessionLost())
}

func TestHeartbeatGenerator_SessionIDMismatchCountsAsMiss(t *testing.T) {
	c := codec.NewV1()
	clk := timebase.NewFake()
	hb := NewHeartbeatGenerator(c, clk, 0xDEADBEEF, 900_000, func() uint16 { return 0x1234 })
	hb.Enable()
	_ = hb.Poll(0)
	bad := protocol.Response{ResponseCode: protocol.ResponseOK, Data: encodeHeartbeatResp(t, c, 0xBADBAD00, 0x1234)}
	hb.HandleResult(dispatcher.Result{Response: bad})
	require.Equal(t, 1, hb.misses)
}

func encodeHeartbeatResp(t *testing.T, c *codec.V1, sessionID uint32, challenge uint16) []byte {
	t.Helper()
	buf := make([]byte, 6)
	buf[0] = byte(sessionID >> 24)
	buf[1] = byte(sessionID >> 16)
	buf[2] = byte(sessionID >> 8)
	buf[3] = byte(sessionID)
	resp := ^challenge
	buf[4] = byte(resp >> 8)
	buf[5] = byte(resp)
	return buf
}

func TestInfoPoller_FullSequence(t *testing.T) {
	c := codec.NewV1()
	p := NewInfoPoller(c)
	p.Enable()

	act := p.Poll(0)
	require.Equal(t, protocol.GetInfoProtocolVersion, act.Request.SubfunctionId)
	p.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseOK, Data: []byte{1, 0}}})

	act = p.Poll(0)
	require.Equal(t, protocol.GetInfoSoftwareId, act.Request.SubfunctionId)
	p.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseOK, Data: make([]byte, protocol.SoftwareIdLength)}})

	act = p.Poll(0)
	require.Equal(t, protocol.GetInfoSupportedFeatures, act.Request.SubfunctionId)
	p.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseOK, Data: []byte{4, 0xFF}}}) // address size 4, feature byte 0xFF

	act = p.Poll(0)
	require.Equal(t, protocol.GetInfoSpecialMemoryRegionCount, act.Request.SubfunctionId)
	p.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseOK, Data: []byte{1, 1}}}) // 1 readonly, 1 forbidden

	act = p.Poll(0)
	require.Equal(t, protocol.GetInfoSpecialMemoryRegionLoc, act.Request.SubfunctionId)
	locData := make([]byte, 2+2*4)
	locData[0], locData[1] = regionKindReadonly, 0
	locData[2+3] = 0x10 // start = 0x10
	locData[2+7] = 0x20 // end = 0x20
	p.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseOK, Data: locData}})

	act = p.Poll(0)
	locData2 := make([]byte, 2+2*4)
	locData2[0], locData2[1] = regionKindForbidden, 0
	locData2[2+3] = 0x30
	locData2[2+7] = 0x40
	p.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseOK, Data: locData2}})

	require.Equal(t, Done, p.Phase())
	info := p.Result()
	require.Equal(t, protocol.AddressSize(4), info.AddressSize)
	require.Len(t, info.ReadonlyRegions, 1)
	require.Len(t, info.ForbiddenRegions, 1)
	require.EqualValues(t, 0x10, info.ReadonlyRegions[0].Start)
	require.EqualValues(t, 0x20, info.ReadonlyRegions[0].End)
	require.EqualValues(t, 0x30, info.ForbiddenRegions[0].Start)
	require.EqualValues(t, 0x40, info.ForbiddenRegions[0].End)
}

func TestInfoPoller_BusyRegressesToConnecting(t *testing.T) {
	c := codec.NewV1()
	p := NewInfoPoller(c)
	p.Enable()
	_ = p.Poll(0)
	p.HandleResult(dispatcher.Result{Response: protocol.Response{ResponseCode: protocol.ResponseBusy}})
	require.True(t, p.Failed())
	require.Equal(t, devicephase.Connecting, p.RegressAction(nil).RegressTo)
}
