package devicehandler

import (
	"scrutiny-server/internal/codec"
	"scrutiny-server/internal/datastore"
	"scrutiny-server/internal/devicephase"
	"scrutiny-server/internal/dispatcher"
	"scrutiny-server/internal/link"
	"scrutiny-server/internal/priority"
	"scrutiny-server/internal/protoerr"
	"scrutiny-server/internal/protocol"
)

// The inbound API surface: read_memory, write_memory, write, user_command
// and configure_link. Every method here is callable from the API
// goroutine and never blocks: it pushes a command onto a bounded channel the
// core loop drains at the start of each Tick, and delivers the outcome
// through the caller-supplied reply closure. Reply closures run on the core
// goroutine; callers that need the result elsewhere hand in a closure that
// publishes to the bus or sends on their own channel.

type cmdKind uint8

const (
	cmdReadMemory cmdKind = iota
	cmdWriteMemory
	cmdWriteEntry
	cmdUserCommand
	cmdDisconnect
	cmdConfigureLink
)

type apiCommand struct {
	kind    cmdKind
	addr    protocol.Address
	length  uint16
	data    []byte
	handle  datastore.Handle
	subfn   uint8
	newLink *link.Managed
	onBytes func([]byte, error)
	onErr   func(error)
}

var errCmdQueueFull = protoerr.New(protoerr.ClassResourceQueueFull, "devicehandler.api", "command queue full")

// apiRequestTimeoutUs matches the default per-request dispatcher timeout.
const apiRequestTimeoutUs uint64 = 500_000

func (d *DeviceHandler) push(c apiCommand) error {
	select {
	case d.cmds <- c:
		return nil
	default:
		return errCmdQueueFull
	}
}

// ReadMemory requests length raw bytes at addr, outside the watch/poll
// machinery. reply fires exactly once on the core goroutine with the bytes
// or an error. Requires a live session.
func (d *DeviceHandler) ReadMemory(addr protocol.Address, length uint16, reply func([]byte, error)) error {
	return d.push(apiCommand{kind: cmdReadMemory, addr: addr, length: length, onBytes: reply})
}

// WriteMemory writes raw bytes at addr, subject to the forbidden/readonly
// region policy, which is enforced locally before any bytes reach the wire.
func (d *DeviceHandler) WriteMemory(addr protocol.Address, data []byte, reply func(error)) error {
	return d.push(apiCommand{kind: cmdWriteMemory, addr: addr, data: append([]byte(nil), data...), onErr: reply})
}

// WriteEntry queues a value write for a watched Variable entry, to be
// drained by MemoryWriter's FIFO on subsequent ticks. reply fires once the
// write has been accepted into the FIFO (or rejected by policy); device
// confirmation is not awaited, matching the fire-and-forget write model.
func (d *DeviceHandler) WriteEntry(h datastore.Handle, data []byte, reply func(error)) error {
	return d.push(apiCommand{kind: cmdWriteEntry, handle: h, data: append([]byte(nil), data...), onErr: reply})
}

// UserCommand sends an opaque UserCommand payload and replies with the
// device's opaque response data, a passthrough surfaced to an out-of-core
// consumer.
func (d *DeviceHandler) UserCommand(subfn uint8, data []byte, reply func([]byte, error)) error {
	return d.push(apiCommand{kind: cmdUserCommand, subfn: subfn, data: append([]byte(nil), data...), onBytes: reply})
}

// Disconnect sends an explicit CommControl.Disconnect for the live session
// and regresses to DiscoveringDevice once it resolves. Used for graceful
// shutdown.
func (d *DeviceHandler) Disconnect(reply func(error)) error {
	return d.push(apiCommand{kind: cmdDisconnect, onErr: reply})
}

// ConfigureLink swaps the active transport. The
// old link is closed, the new one opened, and the phase machine re-enters
// at LinkDown so the normal discover/connect sequence re-establishes state
// against the new transport.
func (d *DeviceHandler) ConfigureLink(l *link.Managed, reply func(error)) error {
	return d.push(apiCommand{kind: cmdConfigureLink, newLink: l, onErr: reply})
}

// drainCommands processes every queued API command. Called once per Tick,
// before the phase machinery, so a command's effect is visible within the
// same tick.
func (d *DeviceHandler) drainCommands(nowUs uint64) {
	for {
		select {
		case c := <-d.cmds:
			d.runCommand(nowUs, c)
		default:
			return
		}
	}
}

func noSession() error {
	return protoerr.New(protoerr.ClassSessionNoSession, "devicehandler.api", "no live session")
}

func (d *DeviceHandler) runCommand(nowUs uint64, c apiCommand) {
	switch c.kind {
	case cmdConfigureLink:
		d.runConfigureLink(nowUs, c)
		return
	case cmdDisconnect:
		d.runDisconnect(nowUs, c)
		return
	}

	// Everything below needs a live session and, for memory ops, a
	// completed info poll (the policy and address size come from it).
	if d.phase != devicephase.Connected {
		d.failCommand(c, noSession())
		return
	}
	switch c.kind {
	case cmdReadMemory:
		d.runReadMemory(c)
	case cmdWriteMemory:
		d.runWriteMemory(c)
	case cmdWriteEntry:
		d.runWriteEntry(c)
	case cmdUserCommand:
		d.runUserCommand(c)
	}
}

func (d *DeviceHandler) failCommand(c apiCommand, err error) {
	if c.onBytes != nil {
		c.onBytes(nil, err)
	} else if c.onErr != nil {
		c.onErr(err)
	}
}

func (d *DeviceHandler) runReadMemory(c apiCommand) {
	if d.reader == nil {
		c.onBytes(nil, noSession())
		return
	}
	if d.policy.IsForbidden(c.addr, int(c.length)) {
		c.onBytes(nil, protoerr.New(protoerr.ClassPolicyForbidden, "devicehandler.read_memory", "address range is forbidden"))
		return
	}
	enc := codec.NewReadRequestEncoder(d.deviceInfo.AddressSize, int(d.sessionResult.Params.RxBufferSize))
	respSize := int(d.deviceInfo.AddressSize) + 2 + int(c.length)
	if !enc.Write(codec.ReadRequestBlock{Address: c.addr, Length: c.length}) || respSize > int(d.sessionResult.Params.TxBufferSize) {
		c.onBytes(nil, protoerr.New(protoerr.ClassResourceBufferOverflow, "devicehandler.read_memory", "block exceeds device buffer size"))
		return
	}
	addrSize := d.deviceInfo.AddressSize
	req := protocol.Request{CommandId: protocol.CommandMemoryControl, SubfunctionId: protocol.MemoryControlRead, Data: enc.Bytes()}
	d.submitRaw(req, priority.Normal, apiRequestTimeoutUs, func(r dispatcher.Result) {
		if r.Err != nil {
			c.onBytes(nil, r.Err)
			return
		}
		if r.Response.ResponseCode != protocol.ResponseOK {
			c.onBytes(nil, protoerr.New(protoerr.ClassProtocol, "devicehandler.read_memory", r.Response.ResponseCode.String()))
			return
		}
		p := codec.NewReadResponseParser(r.Response.Data, addrSize)
		blk, ok := p.Next()
		if !ok {
			c.onBytes(nil, protoerr.New(protoerr.ClassDecodeLength, "devicehandler.read_memory", "empty read response"))
			return
		}
		c.onBytes(blk.Data, nil)
	})
}

func (d *DeviceHandler) runWriteMemory(c apiCommand) {
	if d.writer == nil {
		c.onErr(noSession())
		return
	}
	if d.policy.IsForbidden(c.addr, len(c.data)) {
		c.onErr(protoerr.New(protoerr.ClassPolicyForbidden, "devicehandler.write_memory", "address range is forbidden"))
		return
	}
	if d.policy.IsReadonly(c.addr, len(c.data)) {
		c.onErr(protoerr.New(protoerr.ClassPolicyReadonly, "devicehandler.write_memory", "address range is readonly"))
		return
	}
	enc := codec.NewWriteRequestEncoder(d.deviceInfo.AddressSize, int(d.sessionResult.Params.RxBufferSize))
	if !enc.Write(codec.WriteRequestBlock{Address: c.addr, Length: uint16(len(c.data)), Data: c.data}) {
		c.onErr(protoerr.New(protoerr.ClassResourceBufferOverflow, "devicehandler.write_memory", "block exceeds device rx buffer size"))
		return
	}
	req := protocol.Request{CommandId: protocol.CommandMemoryControl, SubfunctionId: protocol.MemoryControlWrite, Data: enc.Bytes()}
	d.submitRaw(req, priority.Normal, apiRequestTimeoutUs, func(r dispatcher.Result) {
		switch {
		case r.Err != nil:
			c.onErr(r.Err)
		case r.Response.ResponseCode != protocol.ResponseOK:
			c.onErr(protoerr.New(protoerr.ClassProtocol, "devicehandler.write_memory", r.Response.ResponseCode.String()))
		default:
			c.onErr(nil)
		}
	})
}

func (d *DeviceHandler) runWriteEntry(c apiCommand) {
	if d.writer == nil {
		c.onErr(noSession())
		return
	}
	e := d.ds.EntrySnapshot(c.handle)
	if e == nil || e.Kind != datastore.KindVariable {
		c.onErr(protoerr.New(protoerr.ClassProtocol, "devicehandler.write", "unknown handle or not a variable"))
		return
	}
	size := e.DataType.Size()
	if len(c.data) != size {
		c.onErr(protoerr.New(protoerr.ClassDecodeLength, "devicehandler.write", "value width does not match entry data type"))
		return
	}
	if d.policy.IsForbidden(e.Address, size) {
		c.onErr(protoerr.New(protoerr.ClassPolicyForbidden, "devicehandler.write", "entry address is forbidden"))
		return
	}
	if d.policy.IsReadonly(e.Address, size) {
		c.onErr(protoerr.New(protoerr.ClassPolicyReadonly, "devicehandler.write", "entry address is readonly"))
		return
	}
	if !d.ds.QueueWrite(c.handle, c.data) {
		c.onErr(protoerr.New(protoerr.ClassProtocol, "devicehandler.write", "entry vanished"))
		return
	}
	d.writer.Enqueue(c.handle)
	c.onErr(nil)
}

func (d *DeviceHandler) runUserCommand(c apiCommand) {
	data, err := d.c.EncodeUserCommandRequest(c.data)
	if err != nil {
		c.onBytes(nil, err)
		return
	}
	req := protocol.Request{CommandId: protocol.CommandUserCommand, SubfunctionId: c.subfn, Data: data}
	d.submitRaw(req, priority.Normal, apiRequestTimeoutUs, func(r dispatcher.Result) {
		switch {
		case r.Err != nil:
			c.onBytes(nil, r.Err)
		case r.Response.ResponseCode != protocol.ResponseOK:
			c.onBytes(nil, protoerr.New(protoerr.ClassProtocol, "devicehandler.user_command", r.Response.ResponseCode.String()))
		default:
			out, derr := d.c.DecodeUserCommandResponse(r.Response.Data)
			c.onBytes(out, derr)
		}
	})
}

func (d *DeviceHandler) runDisconnect(nowUs uint64, c apiCommand) {
	if d.phase != devicephase.Connected {
		d.failCommand(c, noSession())
		return
	}
	data, err := d.c.EncodeDisconnectRequest(d.sessionResult.SessionID)
	if err != nil {
		d.failCommand(c, err)
		return
	}
	req := protocol.Request{CommandId: protocol.CommandCommControl, SubfunctionId: protocol.CommControlDisconnect, Data: data}
	d.submitRaw(req, priority.Handshake, apiRequestTimeoutUs, func(r dispatcher.Result) {
		// Session ends whether or not the device acknowledged; the wire
		// attempt was best-effort; an explicit Disconnect destroys the
		// session unconditionally on our side.
		if c.onErr != nil {
			c.onErr(r.Err)
		}
		d.disconnecting = true
	})
}

func (d *DeviceHandler) runConfigureLink(nowUs uint64, c apiCommand) {
	if c.newLink == nil {
		d.failCommand(c, protoerr.New(protoerr.ClassLinkFatal, "devicehandler.configure_link", "nil link"))
		return
	}
	if c.newLink.ConfigHash() == d.lnk.ConfigHash() {
		if c.onErr != nil {
			c.onErr(nil)
		}
		return
	}
	_ = d.lnk.Close()
	d.lnk = c.newLink
	err := d.lnk.Open()
	d.lastCfg = 0
	d.enterLinkDown(nowUs)
	if c.onErr != nil {
		c.onErr(err)
	}
}
