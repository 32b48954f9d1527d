package protocol

import (
	"encoding/binary"
	"fmt"
)

// Request is the server->device wire envelope.
//
//	cmd(1) subfn(1) len(2) data(len) crc(4)
type Request struct {
	CommandId      CommandId
	SubfunctionId  uint8
	Data           []byte
}

// Response is the device->server wire envelope.
//
//	cmd|0x80(1) subfn(1) code(1) len(2) data(len) crc(4)
type Response struct {
	CommandId      CommandId // already has ResponseBit set
	SubfunctionId  uint8
	ResponseCode   ResponseCode
	Data           []byte
}

// RequestHeaderLen is the length of a request header preceding its data (cmd, subfn, len_hi, len_lo).
const RequestHeaderLen = 4

// ResponseHeaderLen is the length of a response header preceding its data
// (cmd, subfn, code, len_hi, len_lo).
const ResponseHeaderLen = 5

// CrcLen is the width of the trailing CRC32 field.
const CrcLen = 4

// Encode serializes the request including its trailing CRC32.
func (r Request) Encode() ([]byte, error) {
	if r.CommandId.IsResponse() {
		return nil, fmt.Errorf("protocol: request command id %d has response bit set", r.CommandId)
	}
	if len(r.Data) > 0xFFFF {
		return nil, fmt.Errorf("protocol: request data length %d exceeds u16", len(r.Data))
	}
	out := make([]byte, 0, RequestHeaderLen+len(r.Data)+CrcLen)
	out = append(out, byte(r.CommandId), r.SubfunctionId)
	out = binary.BigEndian.AppendUint16(out, uint16(len(r.Data)))
	out = append(out, r.Data...)
	crc := Checksum(out)
	out = binary.BigEndian.AppendUint32(out, crc)
	return out, nil
}

// Encode serializes the response including its trailing CRC32.
func (r Response) Encode() ([]byte, error) {
	if !r.CommandId.IsResponse() {
		return nil, fmt.Errorf("protocol: response command id %d missing response bit", r.CommandId)
	}
	if len(r.Data) > 0xFFFF {
		return nil, fmt.Errorf("protocol: response data length %d exceeds u16", len(r.Data))
	}
	out := make([]byte, 0, ResponseHeaderLen+len(r.Data)+CrcLen)
	out = append(out, byte(r.CommandId), r.SubfunctionId, byte(r.ResponseCode))
	out = binary.BigEndian.AppendUint16(out, uint16(len(r.Data)))
	out = append(out, r.Data...)
	crc := Checksum(out)
	out = binary.BigEndian.AppendUint32(out, crc)
	return out, nil
}

// DecodeRequest parses a complete request frame (header+data+crc) and
// validates the CRC. It never partially trusts a bad-CRC frame.
func DecodeRequest(frame []byte) (Request, error) {
	if len(frame) < RequestHeaderLen+CrcLen {
		return Request{}, fmt.Errorf("protocol: request frame too short: %d bytes", len(frame))
	}
	dataLen := int(binary.BigEndian.Uint16(frame[2:4]))
	want := RequestHeaderLen + dataLen + CrcLen
	if len(frame) != want {
		return Request{}, fmt.Errorf("protocol: request frame length %d != expected %d", len(frame), want)
	}
	body := frame[:RequestHeaderLen+dataLen]
	gotCrc := binary.BigEndian.Uint32(frame[RequestHeaderLen+dataLen:])
	if Checksum(body) != gotCrc {
		return Request{}, ErrCRCMismatch
	}
	return Request{
		CommandId:     CommandId(frame[0]),
		SubfunctionId: frame[1],
		Data:          append([]byte(nil), frame[RequestHeaderLen:RequestHeaderLen+dataLen]...),
	}, nil
}

// DecodeResponse parses a complete response frame (header+data+crc) and
// validates the CRC.
func DecodeResponse(frame []byte) (Response, error) {
	if len(frame) < ResponseHeaderLen+CrcLen {
		return Response{}, fmt.Errorf("protocol: response frame too short: %d bytes", len(frame))
	}
	dataLen := int(binary.BigEndian.Uint16(frame[3:5]))
	want := ResponseHeaderLen + dataLen + CrcLen
	if len(frame) != want {
		return Response{}, fmt.Errorf("protocol: response frame length %d != expected %d", len(frame), want)
	}
	body := frame[:ResponseHeaderLen+dataLen]
	gotCrc := binary.BigEndian.Uint32(frame[ResponseHeaderLen+dataLen:])
	if Checksum(body) != gotCrc {
		return Response{}, ErrCRCMismatch
	}
	return Response{
		CommandId:     CommandId(frame[0]),
		SubfunctionId: frame[1],
		ResponseCode:  ResponseCode(frame[2]),
		Data:          append([]byte(nil), frame[ResponseHeaderLen:ResponseHeaderLen+dataLen]...),
	}, nil
}

// ErrCRCMismatch is returned when a decoded frame's trailing CRC32 does not
// match the computed checksum of the preceding bytes.
var ErrCRCMismatch = fmt.Errorf("protocol: crc mismatch")
