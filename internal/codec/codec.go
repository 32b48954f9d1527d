// Package codec implements the pure (no I/O, no cross-call state except the
// streaming memory-block cursors) encode/decode of versioned Scrutiny
// request and response payloads. One Codec instance exists per protocol
// major.minor; internal/devicehandler picks the codec matching the
// session's negotiated version.
//
// Every Encode* returns the request/response *data* field only — the
// command id, sub-function id and CRC framing are the job of
// internal/protocol.Request/Response, kept deliberately out of this package
// so the codec never touches wire framing concerns.
package codec

import (
	"encoding/binary"
	"fmt"

	"scrutiny-server/internal/protocol"
)

// Version identifies a codec's protocol major.minor.
type Version struct {
	Major, Minor uint8
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// EncodeError is returned by Encode* functions.
type EncodeError struct {
	Op  string
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("codec: encode %s: %v", e.Op, e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

// ErrPayloadTooLarge is wrapped by EncodeError when the encoded data would
// exceed the device's advertised RX buffer size.
var ErrPayloadTooLarge = fmt.Errorf("codec: payload exceeds device rx buffer size")

// DecodeError is returned by Decode* functions.
type DecodeError struct {
	Op   string
	Kind DecodeErrorKind
}

type DecodeErrorKind uint8

const (
	DecodeErrLength DecodeErrorKind = iota
	DecodeErrMagic
	DecodeErrUnknownCmd
	DecodeErrUnknownSubfn
)

func (e *DecodeError) Error() string {
	switch e.Kind {
	case DecodeErrLength:
		return fmt.Sprintf("codec: decode %s: length", e.Op)
	case DecodeErrMagic:
		return fmt.Sprintf("codec: decode %s: magic", e.Op)
	case DecodeErrUnknownCmd:
		return fmt.Sprintf("codec: decode %s: unknown command", e.Op)
	default:
		return fmt.Sprintf("codec: decode %s: unknown subfunction", e.Op)
	}
}

func errLength(op string) error    { return &DecodeError{Op: op, Kind: DecodeErrLength} }
func errMagic(op string) error     { return &DecodeError{Op: op, Kind: DecodeErrMagic} }

// V1 is the protocol version 1.0 codec.
type V1 struct {
	// RxBufferSize is the device's advertised receive buffer size; Encode*
	// calls fail ErrPayloadTooLarge once the built request would exceed it.
	// Zero means "unknown yet" (no limit enforced — used before GetParams).
	RxBufferSize uint16
}

func NewV1() *V1 { return &V1{} }

func (c *V1) Version() Version { return Version{Major: 1, Minor: 0} }

func (c *V1) checkSize(op string, data []byte) error {
	if c.RxBufferSize != 0 && len(data) > int(c.RxBufferSize) {
		return &EncodeError{Op: op, Err: ErrPayloadTooLarge}
	}
	return nil
}

// ---- CommControl.Discover ----

func (c *V1) EncodeDiscoverRequest(challenge [4]byte) ([]byte, error) {
	data := make([]byte, 0, 8)
	data = append(data, protocol.DiscoverMagic[:]...)
	data = append(data, challenge[:]...)
	if err := c.checkSize("discover_request", data); err != nil {
		return nil, err
	}
	return data, nil
}

type DiscoverResponse struct {
	ChallengeResponse [4]byte
}

func (c *V1) DecodeDiscoverResponse(data []byte) (DiscoverResponse, error) {
	if len(data) != 8 {
		return DiscoverResponse{}, errLength("discover_response")
	}
	var magic [4]byte
	copy(magic[:], data[:4])
	if magic != protocol.DiscoverMagic {
		return DiscoverResponse{}, errMagic("discover_response")
	}
	var out DiscoverResponse
	copy(out.ChallengeResponse[:], data[4:8])
	return out, nil
}

// ---- CommControl.Heartbeat ----

func (c *V1) EncodeHeartbeatRequest(sessionID uint32, challenge uint16) ([]byte, error) {
	data := make([]byte, 6)
	binary.BigEndian.PutUint32(data[0:4], sessionID)
	binary.BigEndian.PutUint16(data[4:6], challenge)
	if err := c.checkSize("heartbeat_request", data); err != nil {
		return nil, err
	}
	return data, nil
}

type HeartbeatResponse struct {
	SessionID         uint32
	ChallengeResponse uint16
}

func (c *V1) DecodeHeartbeatResponse(data []byte) (HeartbeatResponse, error) {
	if len(data) != 6 {
		return HeartbeatResponse{}, errLength("heartbeat_response")
	}
	return HeartbeatResponse{
		SessionID:         binary.BigEndian.Uint32(data[0:4]),
		ChallengeResponse: binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// ---- CommControl.GetParams ----

func (c *V1) EncodeGetParamsRequest() ([]byte, error) { return nil, nil }

type GetParamsResponse struct {
	RxBufferSize      uint16
	TxBufferSize      uint16
	MaxBitrateBps     uint32
	HeartbeatTimeoutUs uint32
	RxTimeoutUs       uint32
}

func (c *V1) DecodeGetParamsResponse(data []byte) (GetParamsResponse, error) {
	if len(data) != 16 {
		return GetParamsResponse{}, errLength("get_params_response")
	}
	return GetParamsResponse{
		RxBufferSize:       binary.BigEndian.Uint16(data[0:2]),
		TxBufferSize:       binary.BigEndian.Uint16(data[2:4]),
		MaxBitrateBps:      binary.BigEndian.Uint32(data[4:8]),
		HeartbeatTimeoutUs: binary.BigEndian.Uint32(data[8:12]),
		RxTimeoutUs:        binary.BigEndian.Uint32(data[12:16]),
	}, nil
}

// ---- CommControl.Connect / Disconnect ----

func (c *V1) EncodeConnectRequest() ([]byte, error) {
	data := append([]byte(nil), protocol.ConnectMagic[:]...)
	if err := c.checkSize("connect_request", data); err != nil {
		return nil, err
	}
	return data, nil
}

type ConnectResponse struct {
	SessionID uint32
}

func (c *V1) DecodeConnectResponse(data []byte) (ConnectResponse, error) {
	if len(data) != 8 {
		return ConnectResponse{}, errLength("connect_response")
	}
	var magic [4]byte
	copy(magic[:], data[:4])
	if magic != protocol.ConnectMagic {
		return ConnectResponse{}, errMagic("connect_response")
	}
	return ConnectResponse{SessionID: binary.BigEndian.Uint32(data[4:8])}, nil
}

func (c *V1) EncodeDisconnectRequest(sessionID uint32) ([]byte, error) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, sessionID)
	if err := c.checkSize("disconnect_request", data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *V1) DecodeDisconnectResponse(data []byte) error {
	if len(data) != 0 {
		return errLength("disconnect_response")
	}
	return nil
}

// ---- GetInfo.* ----

func (c *V1) EncodeGetProtocolVersionRequest() ([]byte, error) { return nil, nil }

type ProtocolVersionResponse struct{ Major, Minor uint8 }

func (c *V1) DecodeProtocolVersionResponse(data []byte) (ProtocolVersionResponse, error) {
	if len(data) != 2 {
		return ProtocolVersionResponse{}, errLength("protocol_version_response")
	}
	return ProtocolVersionResponse{Major: data[0], Minor: data[1]}, nil
}

func (c *V1) EncodeGetSoftwareIdRequest() ([]byte, error) { return nil, nil }

func (c *V1) DecodeSoftwareIdResponse(data []byte) ([protocol.SoftwareIdLength]byte, error) {
	var out [protocol.SoftwareIdLength]byte
	if len(data) != protocol.SoftwareIdLength {
		return out, errLength("software_id_response")
	}
	copy(out[:], data)
	return out, nil
}

func (c *V1) EncodeGetSupportedFeaturesRequest() ([]byte, error) { return nil, nil }

// DecodeSupportedFeaturesResponse returns the raw feature bitmap; the bit
// layout is device-defined, so the codec passes it through unchanged
// rather than interpreting it.
func (c *V1) DecodeSupportedFeaturesResponse(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func (c *V1) EncodeGetSpecialMemoryRegionCountRequest() ([]byte, error) { return nil, nil }

type SpecialMemoryRegionCount struct{ Readonly, Forbidden uint8 }

func (c *V1) DecodeSpecialMemoryRegionCountResponse(data []byte) (SpecialMemoryRegionCount, error) {
	if len(data) != 2 {
		return SpecialMemoryRegionCount{}, errLength("special_memory_region_count_response")
	}
	return SpecialMemoryRegionCount{Readonly: data[0], Forbidden: data[1]}, nil
}

func (c *V1) EncodeGetSpecialMemoryRegionLocationRequest(kind, index uint8) ([]byte, error) {
	return []byte{kind, index}, nil
}

type SpecialMemoryRegionLocation struct {
	Type, Index uint8
	Start, End  protocol.Address
}

func (c *V1) DecodeSpecialMemoryRegionLocationResponse(data []byte, addrSize protocol.AddressSize) (SpecialMemoryRegionLocation, error) {
	want := 2 + 2*int(addrSize)
	if len(data) != want {
		return SpecialMemoryRegionLocation{}, errLength("special_memory_region_location_response")
	}
	start, err := protocol.GetAddress(data[2:2+int(addrSize)], addrSize)
	if err != nil {
		return SpecialMemoryRegionLocation{}, err
	}
	end, err := protocol.GetAddress(data[2+int(addrSize):], addrSize)
	if err != nil {
		return SpecialMemoryRegionLocation{}, err
	}
	return SpecialMemoryRegionLocation{Type: data[0], Index: data[1], Start: start, End: end}, nil
}

// ---- DataLogControl / UserCommand passthrough ----
//
// Neither family has a defined payload shape: both carry opaque bytes for
// an out-of-core consumer. The codec validates framing (via the caller's
// RX/TX size checks) and passes the bytes through unchanged.

func (c *V1) EncodeUserCommandRequest(data []byte) ([]byte, error) {
	out := append([]byte(nil), data...)
	if err := c.checkSize("user_command_request", out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *V1) DecodeUserCommandResponse(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func (c *V1) EncodeDataLogControlRequest(data []byte) ([]byte, error) {
	out := append([]byte(nil), data...)
	if err := c.checkSize("datalog_control_request", out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *V1) DecodeDataLogControlResponse(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}
