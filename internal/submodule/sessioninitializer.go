package submodule

import (
	"scrutiny-server/internal/codec"
	"scrutiny-server/internal/devicephase"
	"scrutiny-server/internal/dispatcher"
	"scrutiny-server/internal/priority"
	"scrutiny-server/internal/protocol"
	"scrutiny-server/internal/timebase"
)

// busyRetryDelayUs is how long SessionInitializer waits before retrying a
// step after a Busy response.
const busyRetryDelayUs = 500_000

type sessionStep uint8

const (
	stepConnect sessionStep = iota
	stepGetParams
)

// SessionResult is what a completed SessionInitializer hands upward: the
// device-assigned session id and negotiated transport parameters.
type SessionResult struct {
	SessionID uint32
	Params    codec.GetParamsResponse
}

// SessionInitializer runs the Connect + GetParams handshake. A Busy
// response retries the same step after busyRetryDelayUs; any other non-OK
// response code triggers a full restart back to DiscoveringDevice.
type SessionInitializer struct {
	c     *codec.V1
	clock timebase.Clock
	phase Phase
	step  sessionStep

	waitingUntilUs uint64
	waiting        bool

	sessionID uint32
	result    SessionResult
}

func NewSessionInitializer(c *codec.V1, clock timebase.Clock) *SessionInitializer {
	return &SessionInitializer{c: c, clock: clock, phase: Disabled}
}

func (s *SessionInitializer) Phase() Phase { return s.phase }

func (s *SessionInitializer) Enable() {
	s.phase = SIdle
	s.step = stepConnect
	s.waiting = false
	s.result = SessionResult{}
}

func (s *SessionInitializer) Disable() { s.phase = Disabled }

func (s *SessionInitializer) Poll(nowUs uint64) Action {
	if s.phase != SIdle {
		return none()
	}
	if s.waiting {
		if nowUs < s.waitingUntilUs {
			return none()
		}
		s.waiting = false
	}
	switch s.step {
	case stepConnect:
		data, err := s.c.EncodeConnectRequest()
		if err != nil {
			return none()
		}
		s.phase = InFlight
		req := protocol.Request{CommandId: protocol.CommandCommControl, SubfunctionId: protocol.CommControlConnect, Data: data}
		return send(req, priority.Handshake, DefaultRequestTimeoutUs)
	case stepGetParams:
		data, err := s.c.EncodeGetParamsRequest()
		if err != nil {
			return none()
		}
		s.phase = InFlight
		req := protocol.Request{CommandId: protocol.CommandCommControl, SubfunctionId: protocol.CommControlGetParams, Data: data}
		return send(req, priority.Handshake, DefaultRequestTimeoutUs)
	}
	return none()
}

func (s *SessionInitializer) HandleResult(r dispatcher.Result) {
	if s.phase != InFlight {
		return
	}
	if r.Err != nil {
		// Link-level timeout: retry the same step rather than a full
		// restart, since no protocol error code was ever returned.
		s.phase = SIdle
		return
	}
	if r.Response.ResponseCode == protocol.ResponseBusy {
		s.phase = SIdle
		s.waiting = true
		s.waitingUntilUs = s.clock.NowUs() + busyRetryDelayUs
		return
	}
	if r.Response.ResponseCode != protocol.ResponseOK {
		s.phase = Failed
		return
	}
	switch s.step {
	case stepConnect:
		cr, err := s.c.DecodeConnectResponse(r.Response.Data)
		if err != nil {
			s.phase = Failed
			return
		}
		s.sessionID = cr.SessionID
		s.step = stepGetParams
		s.phase = SIdle
	case stepGetParams:
		pr, err := s.c.DecodeGetParamsResponse(r.Response.Data)
		if err != nil {
			s.phase = Failed
			return
		}
		s.result = SessionResult{SessionID: s.sessionID, Params: pr}
		s.phase = Done
	}
}

// Failed reports whether the handshake needs a full restart to
// DiscoveringDevice.
func (s *SessionInitializer) Failed() bool { return s.phase == Failed }

// RegressAction builds the Action DeviceHandler submits when Failed() is
// true.
func (s *SessionInitializer) RegressAction(reason error) Action {
	return regress(devicephase.DiscoveringDevice, reason)
}

// Result returns the established session once Phase()==Done.
func (s *SessionInitializer) Result() SessionResult { return s.result }
