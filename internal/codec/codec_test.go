package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"scrutiny-server/internal/protocol"
)

func TestV1_DiscoverRoundTrip(t *testing.T) {
	c := NewV1()
	req, err := c.EncodeDiscoverRequest([4]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, protocol.DiscoverMagic[:], req[:4])

	respData := append(append([]byte{}, protocol.DiscoverMagic[:]...), 0xAA, 0xBB, 0xCC, 0xDD)
	resp, err := c.DecodeDiscoverResponse(respData)
	require.NoError(t, err)
	require.Equal(t, [4]byte{0xAA, 0xBB, 0xCC, 0xDD}, resp.ChallengeResponse)
}

func TestV1_DiscoverResponse_BadMagic(t *testing.T) {
	c := NewV1()
	bad := make([]byte, 8)
	_, err := c.DecodeDiscoverResponse(bad)
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.Equal(t, DecodeErrMagic, de.Kind)
}

func TestV1_DiscoverResponse_BadLength(t *testing.T) {
	c := NewV1()
	_, err := c.DecodeDiscoverResponse(make([]byte, 3))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.Equal(t, DecodeErrLength, de.Kind)
}

func TestV1_HeartbeatRoundTrip(t *testing.T) {
	c := NewV1()
	req, err := c.EncodeHeartbeatRequest(0x01020304, 0xBEEF)
	require.NoError(t, err)
	require.Len(t, req, 6)

	resp, err := c.DecodeHeartbeatResponse(req)
	require.NoError(t, err)
	require.Equal(t, uint32(0x01020304), resp.SessionID)
	require.Equal(t, uint16(0xBEEF), resp.ChallengeResponse)
}

func TestV1_GetParamsResponse(t *testing.T) {
	c := NewV1()
	data := []byte{
		0x01, 0x00, // rx_buffer_size = 256
		0x02, 0x00, // tx_buffer_size = 512
		0x00, 0x01, 0x00, 0x00, // max_bitrate_bps = 65536
		0x00, 0x00, 0x27, 0x10, // heartbeat_timeout_us = 10000
		0x00, 0x00, 0x13, 0x88, // rx_timeout_us = 5000
	}
	resp, err := c.DecodeGetParamsResponse(data)
	require.NoError(t, err)
	require.Equal(t, uint16(256), resp.RxBufferSize)
	require.Equal(t, uint16(512), resp.TxBufferSize)
	require.Equal(t, uint32(65536), resp.MaxBitrateBps)
	require.Equal(t, uint32(10000), resp.HeartbeatTimeoutUs)
	require.Equal(t, uint32(5000), resp.RxTimeoutUs)
}

func TestV1_ConnectRoundTrip(t *testing.T) {
	c := NewV1()
	req, err := c.EncodeConnectRequest()
	require.NoError(t, err)
	require.Equal(t, protocol.ConnectMagic[:], req)

	respData := append(append([]byte{}, protocol.ConnectMagic[:]...), 0, 0, 0, 42)
	resp, err := c.DecodeConnectResponse(respData)
	require.NoError(t, err)
	require.Equal(t, uint32(42), resp.SessionID)
}

func TestV1_DisconnectRoundTrip(t *testing.T) {
	c := NewV1()
	req, err := c.EncodeDisconnectRequest(7)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 7}, req)
	require.NoError(t, c.DecodeDisconnectResponse(nil))
	require.Error(t, c.DecodeDisconnectResponse([]byte{1}))
}

func TestV1_ProtocolVersionResponse(t *testing.T) {
	c := NewV1()
	resp, err := c.DecodeProtocolVersionResponse([]byte{1, 0})
	require.NoError(t, err)
	require.Equal(t, ProtocolVersionResponse{Major: 1, Minor: 0}, resp)
}

func TestV1_SoftwareIdResponse(t *testing.T) {
	c := NewV1()
	var want [protocol.SoftwareIdLength]byte
	for i := range want {
		want[i] = byte(i)
	}
	resp, err := c.DecodeSoftwareIdResponse(want[:])
	require.NoError(t, err)
	require.Equal(t, want, resp)

	_, err = c.DecodeSoftwareIdResponse(want[:len(want)-1])
	require.Error(t, err)
}

func TestV1_SpecialMemoryRegionLocationResponse(t *testing.T) {
	c := NewV1()
	data := []byte{1, 0, 0x00, 0x10, 0x00, 0x20}
	resp, err := c.DecodeSpecialMemoryRegionLocationResponse(data, protocol.AddressSize2)
	require.NoError(t, err)
	require.Equal(t, protocol.Address(0x10), resp.Start)
	require.Equal(t, protocol.Address(0x20), resp.End)
}

func TestV1_EncodeRespectsRxBufferSize(t *testing.T) {
	c := NewV1()
	c.RxBufferSize = 4
	_, err := c.EncodeHeartbeatRequest(1, 1)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestV1_UserCommandPassthrough(t *testing.T) {
	c := NewV1()
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	req, err := c.EncodeUserCommandRequest(payload)
	require.NoError(t, err)
	require.Equal(t, payload, req)
	resp, err := c.DecodeUserCommandResponse(payload)
	require.NoError(t, err)
	require.Equal(t, payload, resp)
}

func TestReadRequest_EncodeParseRoundTrip(t *testing.T) {
	enc := NewReadRequestEncoder(protocol.AddressSize4, 64)
	blocks := []ReadRequestBlock{
		{Address: 0x1000, Length: 4},
		{Address: 0x2000, Length: 16},
	}
	for _, b := range blocks {
		require.True(t, enc.Write(b))
	}
	require.False(t, enc.Overflow())

	p := NewReadRequestParser(enc.Bytes(), protocol.AddressSize4)
	var got []ReadRequestBlock
	for {
		b, ok := p.Next()
		if !ok {
			break
		}
		got = append(got, b)
	}
	require.False(t, p.Invalid())
	require.True(t, p.Finished())
	require.Equal(t, blocks, got)
}

func TestReadRequest_EncoderOverflowTruncatesToWholeBlocks(t *testing.T) {
	// each block is 4(addr)+2(len) = 6 bytes; max_size=10 fits one block only
	enc := NewReadRequestEncoder(protocol.AddressSize4, 10)
	require.True(t, enc.Write(ReadRequestBlock{Address: 1, Length: 1}))
	require.False(t, enc.Write(ReadRequestBlock{Address: 2, Length: 1}))
	require.True(t, enc.Overflow())
	require.Len(t, enc.Bytes(), 6)
}

func TestReadResponse_EncodeParseRoundTrip(t *testing.T) {
	enc := NewReadResponseEncoder(protocol.AddressSize2, 64)
	blocks := []ReadResponseBlock{
		{Address: 0x10, Length: 3, Data: []byte{1, 2, 3}},
		{Address: 0x20, Length: 2, Data: []byte{4, 5}},
	}
	for _, b := range blocks {
		require.True(t, enc.Write(b))
	}
	p := NewReadResponseParser(enc.Bytes(), protocol.AddressSize2)
	var got []ReadResponseBlock
	for {
		b, ok := p.Next()
		if !ok {
			break
		}
		got = append(got, b)
	}
	require.False(t, p.Invalid())
	require.Equal(t, blocks, got)

	size, ok := RequiredReadResponseBufferSize(enc.Bytes(), protocol.AddressSize2)
	require.True(t, ok)
	require.Equal(t, len(enc.Bytes()), size)
}

func TestReadResponse_ParserDetectsTruncatedData(t *testing.T) {
	// header claims length=10 but only 2 bytes of data follow
	buf := []byte{0x00, 0x01, 0x00, 0x0A, 0xAA, 0xBB}
	p := NewReadResponseParser(buf, protocol.AddressSize2)
	_, ok := p.Next()
	require.False(t, ok)
	require.True(t, p.Invalid())
}

func TestWriteRequest_EncodeParseRoundTrip(t *testing.T) {
	enc := NewWriteRequestEncoder(protocol.AddressSize4, 64)
	blocks := []WriteRequestBlock{
		{Address: 0x100, Length: 2, Data: []byte{0x11, 0x22}},
	}
	for _, b := range blocks {
		require.True(t, enc.Write(b))
	}
	p := NewWriteRequestParser(enc.Bytes(), protocol.AddressSize4)
	b, ok := p.Next()
	require.True(t, ok)
	require.Equal(t, blocks[0], b)
	require.True(t, p.Finished())
}

func TestWriteResponse_EncodeParseRoundTrip(t *testing.T) {
	enc := NewWriteResponseEncoder(protocol.AddressSize4, 64)
	blocks := []WriteResponseBlock{
		{Address: 0x100, Length: 2},
		{Address: 0x200, Length: 0},
	}
	for _, b := range blocks {
		require.True(t, enc.Write(b))
	}
	p := NewWriteResponseParser(enc.Bytes(), protocol.AddressSize4)
	var got []WriteResponseBlock
	for {
		b, ok := p.Next()
		if !ok {
			break
		}
		got = append(got, b)
	}
	require.Equal(t, blocks, got)
}
