// Package commhandler implements the half-duplex wire framer: a reception
// FSM that walks an inbound byte stream through
// WaitCmd -> WaitSubfn -> WaitCode -> WaitLen -> WaitData -> WaitCrc ->
// WaitProcess (or Error on overflow), CRC32 validation, and a transmit
// serializer that drains a pre-encoded frame one PopData call at a time.
//
// This is the server-side instance: it receives Response frames from the
// device and transmits Request frames. A Response carries one field a
// Request does not (response_code, between subfn and length), hence the
// WaitCode state the device-side mirror of this FSM would not have.
// internal/protocol supplies the frame byte layout and CRC32 this package
// validates against.
package commhandler

import (
	"scrutiny-server/internal/protoerr"
	"scrutiny-server/internal/protocol"
)

// State is the handler's overall half-duplex state.
type State uint8

const (
	Idle State = iota
	Receiving
	Transmitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Receiving:
		return "receiving"
	case Transmitting:
		return "transmitting"
	default:
		return "unknown"
	}
}

// RxState is the reception FSM's sub-state while assembling one frame.
type RxState uint8

const (
	WaitCmd RxState = iota
	WaitSubfn
	WaitCode
	WaitLen
	WaitData
	WaitCrc
	WaitProcess
	RxError
)

var errBusy = protoerr.New(protoerr.ClassResourceQueueFull, "commhandler.send_request", "handler is not idle")
var errOverflow = protoerr.New(protoerr.ClassResourceBufferOverflow, "commhandler.send_request", "payload exceeds tx buffer size")

// CommHandler assembles inbound Response frames and serializes outbound
// Request frames over a single half-duplex byte conduit. It is not safe
// for concurrent use; the core event loop owns it exclusively.
type CommHandler struct {
	rxBufferSize int    // cap on data_length for an inbound frame
	txBufferSize int    // cap on data_length for an outbound frame
	rxTimeoutUs  uint64 // inter-byte timeout applied uniformly across header/data/crc

	rx      RxState
	cmd     byte
	subfn   byte
	code    byte
	lenHi   byte
	dataLen int
	dataPos int
	data    []byte
	crcBuf  [4]byte
	crcPos  int

	lastByteUs uint64
	haveLast   bool

	ready   protocol.Response
	readyOK bool

	tx    []byte
	txPos int

	crcFailures int
	overflows   int
}

// New returns a CommHandler whose inbound data field may not exceed
// rxBufferSize bytes and outbound data field may not exceed txBufferSize
// bytes, resetting its RX FSM after rxTimeoutUs of silence mid-frame.
func New(rxBufferSize, txBufferSize int, rxTimeoutUs uint64) *CommHandler {
	return &CommHandler{
		rxBufferSize: rxBufferSize,
		txBufferSize: txBufferSize,
		rxTimeoutUs:  rxTimeoutUs,
	}
}

// State reports the overall half-duplex state: Transmitting while draining
// a queued frame, Receiving while a partial inbound frame is assembled,
// Idle otherwise.
func (h *CommHandler) State() State {
	switch {
	case h.txPos < len(h.tx):
		return Transmitting
	case h.rx != WaitCmd:
		return Receiving
	default:
		return Idle
	}
}

func (h *CommHandler) resetRx() {
	h.rx = WaitCmd
	h.dataLen = 0
	h.dataPos = 0
	h.data = nil
	h.crcPos = 0
	h.haveLast = false
}

// ProcessData feeds newly arrived bytes into the reception FSM. While
// Transmitting, the bytes are silently dropped (half-duplex). If the FSM is
// mid-frame and rxTimeoutUs has elapsed since the previous byte, it resets
// before consuming the new one, so a frame interrupted by a link hiccup
// never corrupts the next one.
func (h *CommHandler) ProcessData(nowUs uint64, data []byte) {
	if h.State() == Transmitting {
		return
	}
	for _, b := range data {
		if h.rx != WaitCmd && h.haveLast && nowUs-h.lastByteUs > h.rxTimeoutUs {
			h.resetRx()
		}
		h.haveLast = true
		h.lastByteUs = nowUs
		h.consume(b)
	}
}

func (h *CommHandler) consume(b byte) {
	switch h.rx {
	case WaitCmd:
		h.cmd = b
		h.rx = WaitSubfn
	case WaitSubfn:
		h.subfn = b
		h.rx = WaitCode
	case WaitCode:
		h.code = b
		h.rx = WaitLen
		h.dataPos = 0
	case WaitLen:
		if h.dataPos == 0 {
			h.lenHi = b
			h.dataPos = 1
			return
		}
		h.dataLen = int(h.lenHi)<<8 | int(b)
		h.dataPos = 0
		if h.rxBufferSize > 0 && h.dataLen > h.rxBufferSize {
			h.rx = RxError
			h.overflows++
			return
		}
		if h.dataLen == 0 {
			h.data = nil
			h.rx = WaitCrc
			h.crcPos = 0
			return
		}
		h.data = make([]byte, h.dataLen)
		h.rx = WaitData
	case WaitData:
		h.data[h.dataPos] = b
		h.dataPos++
		if h.dataPos == h.dataLen {
			h.rx = WaitCrc
			h.crcPos = 0
		}
	case WaitCrc:
		h.crcBuf[h.crcPos] = b
		h.crcPos++
		if h.crcPos == 4 {
			h.rx = WaitProcess
			h.finishFrame()
		}
	case RxError:
		// Stays in Error until the inter-byte timeout clears it in ProcessData.
	}
}

// finishFrame validates the CRC over the just-assembled header+data and, on
// success, stages the decoded Response for TakeResponse. A bad CRC silently
// resets the FSM with nothing surfaced; no response is emitted.
func (h *CommHandler) finishFrame() {
	body := make([]byte, 0, protocol.ResponseHeaderLen+h.dataLen)
	body = append(body, h.cmd, h.subfn, h.code, h.lenHi, byte(h.dataLen))
	body = append(body, h.data...)
	gotCrc := uint32(h.crcBuf[0])<<24 | uint32(h.crcBuf[1])<<16 | uint32(h.crcBuf[2])<<8 | uint32(h.crcBuf[3])
	valid := protocol.Checksum(body) == gotCrc
	h.resetRx()
	if !valid {
		h.crcFailures++
		return
	}
	h.ready = protocol.Response{
		CommandId:     protocol.CommandId(h.cmd),
		SubfunctionId: h.subfn,
		ResponseCode:  protocol.ResponseCode(h.code),
		Data:          append([]byte(nil), body[protocol.ResponseHeaderLen:]...),
	}
	h.readyOK = true
}

// TakeResponse returns and clears the most recently assembled, CRC-valid
// Response, if any.
func (h *CommHandler) TakeResponse() (protocol.Response, bool) {
	if !h.readyOK {
		return protocol.Response{}, false
	}
	r := h.ready
	h.ready = protocol.Response{}
	h.readyOK = false
	return r, true
}

// Overflowed reports whether the RX FSM is parked in Error after a
// data_length exceeding rxBufferSize. It clears only once the inter-byte
// timeout resets the FSM: a quiet period of rxTimeoutUs restores normal
// operation.
func (h *CommHandler) Overflowed() bool { return h.rx == RxError }

// RxState exposes the reception sub-state, mainly for tests asserting
// exact FSM position after a partial frame.
func (h *CommHandler) RxState() RxState { return h.rx }

// CRCFailures reports the cumulative count of frames discarded for a CRC32
// mismatch since construction.
func (h *CommHandler) CRCFailures() int { return h.crcFailures }

// Overflows reports the cumulative count of inbound frames whose declared
// data_length exceeded rxBufferSize.
func (h *CommHandler) Overflows() int { return h.overflows }

// ---- transmit path ----

// SendRequest queues req for transmission. It fails if the handler is not
// Idle (Busy) or if req's data would exceed txBufferSize (Overflow).
func (h *CommHandler) SendRequest(req protocol.Request) error {
	if h.State() != Idle {
		return errBusy
	}
	if h.txBufferSize > 0 && len(req.Data) > h.txBufferSize {
		return errOverflow
	}
	wire, err := req.Encode()
	if err != nil {
		return err
	}
	h.tx = wire
	h.txPos = 0
	return nil
}

// PopData copies up to len(buf) queued outbound bytes into buf, in wire
// order, returning the link to Idle once the last byte has been popped.
func (h *CommHandler) PopData(buf []byte) int {
	if h.txPos >= len(h.tx) {
		return 0
	}
	n := copy(buf, h.tx[h.txPos:])
	h.txPos += n
	if h.txPos >= len(h.tx) {
		h.tx = nil
		h.txPos = 0
	}
	return n
}

// PendingTxBytes reports how many outbound bytes remain queued.
func (h *CommHandler) PendingTxBytes() int { return len(h.tx) - h.txPos }
