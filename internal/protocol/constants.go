// Package protocol defines the wire-level vocabulary of the Scrutiny
// protocol: command/response identifiers, response codes, the magic
// constants exchanged during discovery and connect, and the big-endian
// framing of the Request/Response envelopes.
//
// The package is pure data plus byte-level (de)serialization of the frame
// envelope; the per-(cmd,subfn) payload shapes live in internal/codec, which
// dispatches on the identifiers defined here.
package protocol

// CommandId identifies the command family of a request. The high bit (0x80)
// is reserved to mark a byte as belonging to a Response in the device->server
// direction, so a valid request CommandId is always in [0,127].
type CommandId uint8

const (
	CommandGetInfo        CommandId = 1
	CommandCommControl    CommandId = 2
	CommandMemoryControl  CommandId = 3
	CommandDataLogControl CommandId = 4
	CommandUserCommand    CommandId = 5
)

func (c CommandId) String() string {
	switch c {
	case CommandGetInfo:
		return "GetInfo"
	case CommandCommControl:
		return "CommControl"
	case CommandMemoryControl:
		return "MemoryControl"
	case CommandDataLogControl:
		return "DataLogControl"
	case CommandUserCommand:
		return "UserCommand"
	default:
		return "Unknown"
	}
}

// ResponseBit marks a CommandId byte as belonging to a response.
const ResponseBit CommandId = 0x80

// IsResponse reports whether the high bit is set.
func (c CommandId) IsResponse() bool { return c&ResponseBit != 0 }

// AsResponse / AsRequest flip the response bit.
func (c CommandId) AsResponse() CommandId { return c | ResponseBit }
func (c CommandId) AsRequest() CommandId  { return c &^ ResponseBit }

// CommControl sub-functions.
const (
	CommControlDiscover   uint8 = 1
	CommControlHeartbeat  uint8 = 2
	CommControlGetParams  uint8 = 3
	CommControlConnect    uint8 = 4
	CommControlDisconnect uint8 = 5
)

// GetInfo sub-functions, fixed here as the canonical v1.0 assignment; the
// device firmware must agree on this numbering.
const (
	GetInfoProtocolVersion           uint8 = 1
	GetInfoSoftwareId                uint8 = 2
	GetInfoSupportedFeatures         uint8 = 3
	GetInfoSpecialMemoryRegionCount  uint8 = 4
	GetInfoSpecialMemoryRegionLoc    uint8 = 5
)

// MemoryControl sub-functions.
const (
	MemoryControlRead  uint8 = 1
	MemoryControlWrite uint8 = 2
)

// ResponseCode is the device's outcome code for a processed request.
type ResponseCode uint8

const (
	ResponseOK                 ResponseCode = 0
	ResponseInvalidRequest     ResponseCode = 1
	ResponseUnsupportedFeature ResponseCode = 2
	ResponseOverflow           ResponseCode = 3
	ResponseBusy               ResponseCode = 4
	ResponseFailureToProceed   ResponseCode = 5
	ResponseForbidden          ResponseCode = 6
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseOK:
		return "OK"
	case ResponseInvalidRequest:
		return "InvalidRequest"
	case ResponseUnsupportedFeature:
		return "UnsupportedFeature"
	case ResponseOverflow:
		return "Overflow"
	case ResponseBusy:
		return "Busy"
	case ResponseFailureToProceed:
		return "FailureToProceed"
	case ResponseForbidden:
		return "Forbidden"
	default:
		return "Unknown"
	}
}

// SoftwareIdLength is the fixed length, in bytes, of the firmware-ID payload
// returned by GetInfo.SoftwareId, fixed at firmware compile time.
const SoftwareIdLength = 16

// DiscoverMagic and ConnectMagic are the literal 4-byte sequences the device
// matches against during the Discover and Connect handshakes.
// Implementations must treat them as opaque byte arrays, never as integers.
var (
	DiscoverMagic = [4]byte{0x7e, 0x18, 0xfc, 0x68}
	ConnectMagic  = [4]byte{0x82, 0x90, 0x22, 0x66}
)

// MinRxBufferSize / MaxRxBufferSize bound the CommHandler's fixed-size RX
// buffer: at least 32 bytes, at most the u16 length field's 65535.
const (
	MinRxBufferSize = 32
	MaxRxBufferSize = 65535
)
