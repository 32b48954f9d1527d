// Package api is the single API-thread boundary of the core: it subscribes
// to the well-known command topics on the eventbus and bridges them into the
// core — datastore operations directly (per-entry locking permits it), device
// operations through DeviceHandler's non-blocking command queue. Replies go
// back on each request message's ReplyTo topic as an Outcome, so the caller
// sees only the final per-call result — Ok(value) or Err(kind, message);
// internal retries and backoffs stay invisible.
package api

import (
	"context"

	"scrutiny-server/internal/datastore"
	"scrutiny-server/internal/devicehandler"
	"scrutiny-server/internal/eventbus"
	"scrutiny-server/internal/link"
	"scrutiny-server/internal/logx"
	"scrutiny-server/internal/protoerr"
	"scrutiny-server/internal/protocol"
)

var log = logx.New("api")

// Outcome is the reply payload for every command topic.
type Outcome struct {
	Value any
	Err   *Error
}

// Error is the user-visible error half of an Outcome.
type Error struct {
	Kind    protoerr.Class
	Message string
}

func ok(v any) Outcome { return Outcome{Value: v} }

func fail(err error) Outcome {
	return Outcome{Err: &Error{Kind: protoerr.ClassOf(err), Message: err.Error()}}
}

// Command payloads. Each is published on its matching eventbus.TopicAPI*
// topic via Connection.Request.

type WriteValueRequest struct {
	Handle datastore.Handle
	Bytes  []byte
}

type ReadMemoryRequest struct {
	Address protocol.Address
	Length  uint16
}

type WriteMemoryRequest struct {
	Address protocol.Address
	Data    []byte
}

type UserCommandRequest struct {
	Subfunction uint8
	Data        []byte
}

// Device is the slice of DeviceHandler the server drives. Satisfied by
// *devicehandler.DeviceHandler; tests substitute a fake.
type Device interface {
	ReadMemory(addr protocol.Address, length uint16, reply func([]byte, error)) error
	WriteMemory(addr protocol.Address, data []byte, reply func(error)) error
	WriteEntry(h datastore.Handle, data []byte, reply func(error)) error
	UserCommand(subfn uint8, data []byte, reply func([]byte, error)) error
	ConfigureLink(l *link.Managed, reply func(error)) error
}

// LinkBuilder turns a declarative link configuration into a constructed,
// managed link. nil disables configure_link.
type LinkBuilder func(cfg any) (*link.Managed, error)

// Server owns one bus connection and serves the command topics until its
// context is cancelled.
type Server struct {
	conn    *eventbus.Connection
	ds      *datastore.Datastore
	dev     Device
	buildLn LinkBuilder

	watch, unwatch, writeVal   *eventbus.Subscription
	readMem, writeMem, userCmd *eventbus.Subscription
	devInfo, cfgLink, infoFeed *eventbus.Subscription

	info     devicehandler.DeviceInfo
	haveInfo bool
}

// New wires a Server and subscribes its command topics, so a command
// published any time after New returns is never lost even if Run has not
// started consuming yet. buildLink may be nil when link hot-swap is not
// offered over the bus.
func New(conn *eventbus.Connection, ds *datastore.Datastore, dev Device, buildLink LinkBuilder) *Server {
	s := &Server{conn: conn, ds: ds, dev: dev, buildLn: buildLink}
	s.watch = conn.Subscribe(eventbus.TopicAPIWatch())
	s.unwatch = conn.Subscribe(eventbus.TopicAPIUnwatch())
	s.writeVal = conn.Subscribe(eventbus.TopicAPIWriteValue())
	s.readMem = conn.Subscribe(eventbus.TopicAPIReadMemory())
	s.writeMem = conn.Subscribe(eventbus.TopicAPIWriteMemory())
	s.userCmd = conn.Subscribe(eventbus.TopicAPIUserCommand())
	s.devInfo = conn.Subscribe(eventbus.TopicAPIDeviceInfo())
	s.cfgLink = conn.Subscribe(eventbus.TopicAPIConfigureLink())
	// Retained, so a Server constructed after the info poll still sees the
	// current DeviceInfo.
	s.infoFeed = conn.Subscribe(eventbus.TopicDeviceInfo())
	return s
}

// Run serves command topics until ctx is done. It is the single API
// goroutine permitted to touch the core; callers start it exactly once.
func (s *Server) Run(ctx context.Context) {
	defer s.conn.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.infoFeed.Channel():
			if info, okCast := m.Payload.(devicehandler.DeviceInfo); okCast {
				s.info = info
				s.haveInfo = true
			}
		case m := <-s.watch.Channel():
			s.handleWatch(m)
		case m := <-s.unwatch.Channel():
			s.handleUnwatch(m)
		case m := <-s.writeVal.Channel():
			s.handleWriteValue(m)
		case m := <-s.readMem.Channel():
			s.handleReadMemory(m)
		case m := <-s.writeMem.Channel():
			s.handleWriteMemory(m)
		case m := <-s.userCmd.Channel():
			s.handleUserCommand(m)
		case m := <-s.devInfo.Channel():
			s.handleDeviceInfo(m)
		case m := <-s.cfgLink.Channel():
			s.handleConfigureLink(m)
		}
	}
}

func (s *Server) reply(to *eventbus.Message, o Outcome) {
	s.conn.Reply(to, o, false)
}

func badPayload(op string) Outcome {
	return fail(protoerr.New(protoerr.ClassProtocol, op, "unexpected payload type"))
}

func (s *Server) handleWatch(m *eventbus.Message) {
	desc, okCast := m.Payload.(datastore.Descriptor)
	if !okCast {
		s.reply(m, badPayload("api.watch"))
		return
	}
	s.reply(m, ok(s.ds.Watch(desc)))
}

func (s *Server) handleUnwatch(m *eventbus.Message) {
	h, okCast := m.Payload.(datastore.Handle)
	if !okCast {
		s.reply(m, badPayload("api.unwatch"))
		return
	}
	s.ds.Unwatch(h)
	s.reply(m, ok(nil))
}

func (s *Server) handleWriteValue(m *eventbus.Message) {
	req, okCast := m.Payload.(WriteValueRequest)
	if !okCast {
		s.reply(m, badPayload("api.write"))
		return
	}
	err := s.dev.WriteEntry(req.Handle, req.Bytes, func(werr error) {
		if werr != nil {
			s.reply(m, fail(werr))
			return
		}
		s.reply(m, ok(nil))
	})
	if err != nil {
		s.reply(m, fail(err))
	}
}

func (s *Server) handleReadMemory(m *eventbus.Message) {
	req, okCast := m.Payload.(ReadMemoryRequest)
	if !okCast {
		s.reply(m, badPayload("api.read_memory"))
		return
	}
	err := s.dev.ReadMemory(req.Address, req.Length, func(data []byte, rerr error) {
		if rerr != nil {
			s.reply(m, fail(rerr))
			return
		}
		s.reply(m, ok(data))
	})
	if err != nil {
		s.reply(m, fail(err))
	}
}

func (s *Server) handleWriteMemory(m *eventbus.Message) {
	req, okCast := m.Payload.(WriteMemoryRequest)
	if !okCast {
		s.reply(m, badPayload("api.write_memory"))
		return
	}
	err := s.dev.WriteMemory(req.Address, req.Data, func(werr error) {
		if werr != nil {
			s.reply(m, fail(werr))
			return
		}
		s.reply(m, ok(nil))
	})
	if err != nil {
		s.reply(m, fail(err))
	}
}

func (s *Server) handleUserCommand(m *eventbus.Message) {
	req, okCast := m.Payload.(UserCommandRequest)
	if !okCast {
		s.reply(m, badPayload("api.user_command"))
		return
	}
	err := s.dev.UserCommand(req.Subfunction, req.Data, func(data []byte, uerr error) {
		if uerr != nil {
			s.reply(m, fail(uerr))
			return
		}
		s.reply(m, ok(data))
	})
	if err != nil {
		s.reply(m, fail(err))
	}
}

func (s *Server) handleDeviceInfo(m *eventbus.Message) {
	if !s.haveInfo {
		s.reply(m, fail(protoerr.New(protoerr.ClassSessionNoSession, "api.device_info", "no device info yet")))
		return
	}
	s.reply(m, ok(s.info))
}

func (s *Server) handleConfigureLink(m *eventbus.Message) {
	if s.buildLn == nil {
		s.reply(m, fail(protoerr.New(protoerr.ClassLinkFatal, "api.configure_link", "link reconfiguration not offered")))
		return
	}
	lnk, err := s.buildLn(m.Payload)
	if err != nil {
		s.reply(m, fail(err))
		return
	}
	log.Printf("reconfiguring link (hash %x)", lnk.ConfigHash())
	err = s.dev.ConfigureLink(lnk, func(cerr error) {
		if cerr != nil {
			s.reply(m, fail(cerr))
			return
		}
		s.reply(m, ok(nil))
	})
	if err != nil {
		s.reply(m, fail(err))
	}
}
