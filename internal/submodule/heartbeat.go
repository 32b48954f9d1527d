package submodule

import (
	"scrutiny-server/internal/codec"
	"scrutiny-server/internal/devicephase"
	"scrutiny-server/internal/dispatcher"
	"scrutiny-server/internal/priority"
	"scrutiny-server/internal/protocol"
	"scrutiny-server/internal/timebase"
)

// HeartbeatGenerator is the keep-alive submodule: it emits a Heartbeat
// every heartbeat_timeout/3 with a fresh 16-bit challenge, verifies the
// response's session_id and bitwise-NOT challenge response, and reports
// session loss after three consecutive misses or mismatches. Rolling
// challenges must differ from the previous value (to detect frozen
// responders) but need not be strictly increasing.
type HeartbeatGenerator struct {
	c         *codec.V1
	clock     timebase.Clock
	rng       func() uint16
	sessionID uint32
	periodUs  uint64

	phase        Phase
	lastSentUs   uint64
	haveSent     bool
	challenge    uint16
	haveLastChal bool
	misses       int
	totalMisses  int
}

// NewHeartbeatGenerator returns a HeartbeatGenerator for an active session,
// with heartbeatTimeoutUs taken from the negotiated GetParams value.
func NewHeartbeatGenerator(c *codec.V1, clock timebase.Clock, sessionID uint32, heartbeatTimeoutUs uint64, rng func() uint16) *HeartbeatGenerator {
	if rng == nil {
		rng = randChallenge16
	}
	period := heartbeatTimeoutUs / 3
	if period == 0 {
		period = 1
	}
	return &HeartbeatGenerator{c: c, clock: clock, rng: rng, sessionID: sessionID, periodUs: period, phase: Disabled}
}

func (h *HeartbeatGenerator) Phase() Phase { return h.phase }

func (h *HeartbeatGenerator) Enable() {
	h.phase = SIdle
	h.haveSent = false
	h.haveLastChal = false
	h.misses = 0
}

func (h *HeartbeatGenerator) Disable() { h.phase = Disabled }

func (h *HeartbeatGenerator) Poll(nowUs uint64) Action {
	if h.phase != SIdle {
		return none()
	}
	if h.haveSent && nowUs-h.lastSentUs < h.periodUs {
		return none()
	}
	challenge := h.rng()
	for h.haveLastChal && challenge == h.challenge {
		challenge = h.rng()
	}
	h.challenge = challenge
	h.haveLastChal = true
	data, err := h.c.EncodeHeartbeatRequest(h.sessionID, challenge)
	if err != nil {
		return none()
	}
	h.haveSent = true
	h.lastSentUs = nowUs
	h.phase = InFlight
	req := protocol.Request{CommandId: protocol.CommandCommControl, SubfunctionId: protocol.CommControlHeartbeat, Data: data}
	return send(req, priority.Heartbeat, DefaultRequestTimeoutUs)
}

func (h *HeartbeatGenerator) HandleResult(r dispatcher.Result) {
	if h.phase != InFlight {
		return
	}
	h.phase = SIdle
	if r.Err != nil {
		h.miss()
		return
	}
	if r.Response.ResponseCode != protocol.ResponseOK {
		h.miss()
		return
	}
	resp, err := h.c.DecodeHeartbeatResponse(r.Response.Data)
	if err != nil {
		h.miss()
		return
	}
	if resp.SessionID != h.sessionID {
		// A mismatched session_id must not refresh the heartbeat deadline,
		// i.e. counts as a miss.
		h.miss()
		return
	}
	if resp.ChallengeResponse != ^h.challenge {
		h.miss()
		return
	}
	h.misses = 0
}

func (h *HeartbeatGenerator) miss() { h.misses++; h.totalMisses++ }

// TotalMisses reports the cumulative count of missed or invalid heartbeats
// since the generator was created (Enable does not reset it), including
// ones that didn't reach three-in-a-row.
func (h *HeartbeatGenerator) TotalMisses() int { return h.totalMisses }

// SessionLost reports whether three consecutive heartbeats have failed.
func (h *HeartbeatGenerator) SessionLost() bool { return h.misses >= 3 }

// RegressAction builds the Action DeviceHandler submits once SessionLost()
// is true, regressing all the way to DiscoveringDevice: a lost session
// always restarts the full discover/connect sequence.
func (h *HeartbeatGenerator) RegressAction(reason error) Action {
	return regress(devicephase.DiscoveringDevice, reason)
}

func randChallenge16() uint16 {
	c := randChallenge4()
	return uint16(c[0])<<8 | uint16(c[1])
}
