package codec

import (
	"scrutiny-server/internal/protocol"
)

// This file implements the memory-block streaming parsers and encoders:
// a read-request is a concatenation of (address, length) tuples, a
// read-response is (address, length, bytes), a write-request is
// (address, length, bytes) and a write-response is (address, length).
//
// Every parser exposes Next/Finished/Invalid; every encoder exposes
// Write/Overflow. Overflow is recoverable: Bytes() returns only the whole
// blocks that fit, truncated at the last complete block — a partially
// written block is never emitted.

// ReadRequestBlock is one (address, length) tuple of a read request.
type ReadRequestBlock struct {
	Address protocol.Address
	Length  uint16
}

// ReadResponseBlock is one (address, length, data) tuple of a read response.
type ReadResponseBlock struct {
	Address protocol.Address
	Length  uint16
	Data    []byte
}

// WriteRequestBlock is one (address, length, data) tuple of a write request.
type WriteRequestBlock struct {
	Address protocol.Address
	Length  uint16
	Data    []byte
}

// WriteResponseBlock is one (address, length) tuple of a write response,
// acknowledging how much of the block the device actually wrote.
type WriteResponseBlock struct {
	Address protocol.Address
	Length  uint16
}

// ---- Read-request (server encodes, device would parse) ----

// ReadRequestEncoder packs ReadRequestBlock tuples into a byte buffer
// bounded by a maximum size (typically the device's RX buffer size).
type ReadRequestEncoder struct {
	addrSize protocol.AddressSize
	maxSize  int
	buf      []byte
	overflow bool
}

func NewReadRequestEncoder(addrSize protocol.AddressSize, maxSize int) *ReadRequestEncoder {
	return &ReadRequestEncoder{addrSize: addrSize, maxSize: maxSize, buf: make([]byte, 0, maxSize)}
}

func (e *ReadRequestEncoder) blockSize() int { return int(e.addrSize) + 2 }

// Write appends blk if it fits within the remaining budget. It returns false
// (and sets Overflow) the first time a block does not fit; the caller should
// stop offering further blocks once Write returns false.
func (e *ReadRequestEncoder) Write(blk ReadRequestBlock) bool {
	if len(e.buf)+e.blockSize() > e.maxSize {
		e.overflow = true
		return false
	}
	tmp := make([]byte, e.blockSize())
	_ = protocol.PutAddress(tmp[:e.addrSize], blk.Address, e.addrSize)
	tmp[e.addrSize] = byte(blk.Length >> 8)
	tmp[e.addrSize+1] = byte(blk.Length)
	e.buf = append(e.buf, tmp...)
	return true
}

func (e *ReadRequestEncoder) Overflow() bool { return e.overflow }
func (e *ReadRequestEncoder) Bytes() []byte  { return e.buf }

// ReadRequestParser walks the (address, length) tuples of a read request.
type ReadRequestParser struct {
	addrSize protocol.AddressSize
	buf      []byte
	pos      int
	invalid  bool
}

func NewReadRequestParser(buf []byte, addrSize protocol.AddressSize) *ReadRequestParser {
	return &ReadRequestParser{addrSize: addrSize, buf: buf}
}

func (p *ReadRequestParser) blockSize() int { return int(p.addrSize) + 2 }

func (p *ReadRequestParser) Finished() bool { return p.invalid || p.pos >= len(p.buf) }
func (p *ReadRequestParser) Invalid() bool  { return p.invalid }

// Next returns the next block, or ok==false once Finished(). A buffer whose
// length is not a whole multiple of the block size sets Invalid() and stops
// iteration at the last complete block.
func (p *ReadRequestParser) Next() (ReadRequestBlock, bool) {
	if p.invalid || p.pos >= len(p.buf) {
		return ReadRequestBlock{}, false
	}
	remaining := len(p.buf) - p.pos
	if remaining < p.blockSize() {
		p.invalid = true
		return ReadRequestBlock{}, false
	}
	addr, err := protocol.GetAddress(p.buf[p.pos:p.pos+int(p.addrSize)], p.addrSize)
	if err != nil {
		p.invalid = true
		return ReadRequestBlock{}, false
	}
	lenOff := p.pos + int(p.addrSize)
	length := uint16(p.buf[lenOff])<<8 | uint16(p.buf[lenOff+1])
	p.pos += p.blockSize()
	return ReadRequestBlock{Address: addr, Length: length}, true
}

// ---- Read-response (device would encode, server parses) ----

type ReadResponseEncoder struct {
	addrSize protocol.AddressSize
	maxSize  int
	buf      []byte
	overflow bool
}

func NewReadResponseEncoder(addrSize protocol.AddressSize, maxSize int) *ReadResponseEncoder {
	return &ReadResponseEncoder{addrSize: addrSize, maxSize: maxSize, buf: make([]byte, 0, maxSize)}
}

func (e *ReadResponseEncoder) Write(blk ReadResponseBlock) bool {
	size := int(e.addrSize) + 2 + len(blk.Data)
	if len(e.buf)+size > e.maxSize {
		e.overflow = true
		return false
	}
	tmp := make([]byte, int(e.addrSize)+2)
	_ = protocol.PutAddress(tmp[:e.addrSize], blk.Address, e.addrSize)
	tmp[e.addrSize] = byte(blk.Length >> 8)
	tmp[e.addrSize+1] = byte(blk.Length)
	e.buf = append(e.buf, tmp...)
	e.buf = append(e.buf, blk.Data...)
	return true
}

func (e *ReadResponseEncoder) Overflow() bool { return e.overflow }
func (e *ReadResponseEncoder) Bytes() []byte  { return e.buf }

// ReadResponseParser walks the (address, length, data) tuples of a read
// response, as seen by the server processing a MemoryControl.Read reply.
type ReadResponseParser struct {
	addrSize protocol.AddressSize
	buf      []byte
	pos      int
	invalid  bool
}

func NewReadResponseParser(buf []byte, addrSize protocol.AddressSize) *ReadResponseParser {
	return &ReadResponseParser{addrSize: addrSize, buf: buf}
}

func (p *ReadResponseParser) Finished() bool { return p.invalid || p.pos >= len(p.buf) }
func (p *ReadResponseParser) Invalid() bool  { return p.invalid }

func (p *ReadResponseParser) Next() (ReadResponseBlock, bool) {
	if p.invalid || p.pos >= len(p.buf) {
		return ReadResponseBlock{}, false
	}
	headerLen := int(p.addrSize) + 2
	if len(p.buf)-p.pos < headerLen {
		p.invalid = true
		return ReadResponseBlock{}, false
	}
	addr, err := protocol.GetAddress(p.buf[p.pos:p.pos+int(p.addrSize)], p.addrSize)
	if err != nil {
		p.invalid = true
		return ReadResponseBlock{}, false
	}
	lenOff := p.pos + int(p.addrSize)
	length := uint16(p.buf[lenOff])<<8 | uint16(p.buf[lenOff+1])
	dataStart := p.pos + headerLen
	dataEnd := dataStart + int(length)
	if dataEnd > len(p.buf) {
		p.invalid = true
		return ReadResponseBlock{}, false
	}
	data := append([]byte(nil), p.buf[dataStart:dataEnd]...)
	p.pos = dataEnd
	return ReadResponseBlock{Address: addr, Length: length, Data: data}, true
}

// RequiredReadResponseBufferSize sums the header+data size of every block
// in buf without mutating parse position, i.e. the device TX buffer space
// that read response occupies.
func RequiredReadResponseBufferSize(buf []byte, addrSize protocol.AddressSize) (int, bool) {
	p := NewReadResponseParser(buf, addrSize)
	total := 0
	for {
		blk, ok := p.Next()
		if !ok {
			break
		}
		total += int(addrSize) + 2 + len(blk.Data)
	}
	return total, !p.Invalid()
}

// ---- Write-request (server encodes, device would parse) ----

type WriteRequestEncoder struct {
	addrSize protocol.AddressSize
	maxSize  int
	buf      []byte
	overflow bool
}

func NewWriteRequestEncoder(addrSize protocol.AddressSize, maxSize int) *WriteRequestEncoder {
	return &WriteRequestEncoder{addrSize: addrSize, maxSize: maxSize, buf: make([]byte, 0, maxSize)}
}

func (e *WriteRequestEncoder) Write(blk WriteRequestBlock) bool {
	size := int(e.addrSize) + 2 + len(blk.Data)
	if len(e.buf)+size > e.maxSize {
		e.overflow = true
		return false
	}
	tmp := make([]byte, int(e.addrSize)+2)
	_ = protocol.PutAddress(tmp[:e.addrSize], blk.Address, e.addrSize)
	tmp[e.addrSize] = byte(blk.Length >> 8)
	tmp[e.addrSize+1] = byte(blk.Length)
	e.buf = append(e.buf, tmp...)
	e.buf = append(e.buf, blk.Data...)
	return true
}

func (e *WriteRequestEncoder) Overflow() bool { return e.overflow }
func (e *WriteRequestEncoder) Bytes() []byte  { return e.buf }

// WriteRequestParser walks the (address, length, data) tuples of a write
// request, mirroring ReadResponseParser's shape since both carry inline data.
type WriteRequestParser struct {
	addrSize protocol.AddressSize
	buf      []byte
	pos      int
	invalid  bool
}

func NewWriteRequestParser(buf []byte, addrSize protocol.AddressSize) *WriteRequestParser {
	return &WriteRequestParser{addrSize: addrSize, buf: buf}
}

func (p *WriteRequestParser) Finished() bool { return p.invalid || p.pos >= len(p.buf) }
func (p *WriteRequestParser) Invalid() bool  { return p.invalid }

func (p *WriteRequestParser) Next() (WriteRequestBlock, bool) {
	if p.invalid || p.pos >= len(p.buf) {
		return WriteRequestBlock{}, false
	}
	headerLen := int(p.addrSize) + 2
	if len(p.buf)-p.pos < headerLen {
		p.invalid = true
		return WriteRequestBlock{}, false
	}
	addr, err := protocol.GetAddress(p.buf[p.pos:p.pos+int(p.addrSize)], p.addrSize)
	if err != nil {
		p.invalid = true
		return WriteRequestBlock{}, false
	}
	lenOff := p.pos + int(p.addrSize)
	length := uint16(p.buf[lenOff])<<8 | uint16(p.buf[lenOff+1])
	dataStart := p.pos + headerLen
	dataEnd := dataStart + int(length)
	if dataEnd > len(p.buf) {
		p.invalid = true
		return WriteRequestBlock{}, false
	}
	data := append([]byte(nil), p.buf[dataStart:dataEnd]...)
	p.pos = dataEnd
	return WriteRequestBlock{Address: addr, Length: length, Data: data}, true
}

// ---- Write-response (device would encode, server parses) ----

type WriteResponseEncoder struct {
	addrSize protocol.AddressSize
	maxSize  int
	buf      []byte
	overflow bool
}

func NewWriteResponseEncoder(addrSize protocol.AddressSize, maxSize int) *WriteResponseEncoder {
	return &WriteResponseEncoder{addrSize: addrSize, maxSize: maxSize, buf: make([]byte, 0, maxSize)}
}

func (e *WriteResponseEncoder) blockSize() int { return int(e.addrSize) + 2 }

func (e *WriteResponseEncoder) Write(blk WriteResponseBlock) bool {
	if len(e.buf)+e.blockSize() > e.maxSize {
		e.overflow = true
		return false
	}
	tmp := make([]byte, e.blockSize())
	_ = protocol.PutAddress(tmp[:e.addrSize], blk.Address, e.addrSize)
	tmp[e.addrSize] = byte(blk.Length >> 8)
	tmp[e.addrSize+1] = byte(blk.Length)
	e.buf = append(e.buf, tmp...)
	return true
}

func (e *WriteResponseEncoder) Overflow() bool { return e.overflow }
func (e *WriteResponseEncoder) Bytes() []byte  { return e.buf }

// WriteResponseParser walks the (address, length) tuples of a write
// response, as seen by the server processing a MemoryControl.Write reply.
type WriteResponseParser struct {
	addrSize protocol.AddressSize
	buf      []byte
	pos      int
	invalid  bool
}

func NewWriteResponseParser(buf []byte, addrSize protocol.AddressSize) *WriteResponseParser {
	return &WriteResponseParser{addrSize: addrSize, buf: buf}
}

func (p *WriteResponseParser) blockSize() int { return int(p.addrSize) + 2 }
func (p *WriteResponseParser) Finished() bool { return p.invalid || p.pos >= len(p.buf) }
func (p *WriteResponseParser) Invalid() bool  { return p.invalid }

func (p *WriteResponseParser) Next() (WriteResponseBlock, bool) {
	if p.invalid || p.pos >= len(p.buf) {
		return WriteResponseBlock{}, false
	}
	if len(p.buf)-p.pos < p.blockSize() {
		p.invalid = true
		return WriteResponseBlock{}, false
	}
	addr, err := protocol.GetAddress(p.buf[p.pos:p.pos+int(p.addrSize)], p.addrSize)
	if err != nil {
		p.invalid = true
		return WriteResponseBlock{}, false
	}
	lenOff := p.pos + int(p.addrSize)
	length := uint16(p.buf[lenOff])<<8 | uint16(p.buf[lenOff+1])
	p.pos += p.blockSize()
	return WriteResponseBlock{Address: addr, Length: length}, true
}
