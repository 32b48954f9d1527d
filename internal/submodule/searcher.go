package submodule

import (
	"scrutiny-server/internal/codec"
	"scrutiny-server/internal/dispatcher"
	"scrutiny-server/internal/priority"
	"scrutiny-server/internal/protocol"
)

// searchIntervalUs is how often the Searcher re-issues Discover while no
// device has answered.
const searchIntervalUs = 1_000_000

// DiscoveryInfo is what Searcher learns from a successful Discover
// round-trip: session-independent metadata confirming a device is present
// and responsive on the link.
type DiscoveryInfo struct {
	Responded bool
}

// Searcher is the Discover polling submodule. It retries forever until a
// device answers; it never fails outright (a missing device is not a
// protocol error, just silence).
type Searcher struct {
	c     *codec.V1
	rng   func() [4]byte
	phase Phase

	lastSentUs uint64
	haveSent   bool
	challenge  [4]byte

	result DiscoveryInfo
}

// NewSearcher returns a Searcher using codec c to encode Discover requests
// and rng to produce a fresh 4-byte challenge each attempt (defaults to a
// package-level pseudo-random source if rng is nil).
func NewSearcher(c *codec.V1, rng func() [4]byte) *Searcher {
	if rng == nil {
		rng = randChallenge4
	}
	return &Searcher{c: c, rng: rng, phase: Disabled}
}

func (s *Searcher) Phase() Phase { return s.phase }

// Enable arms the submodule; DeviceHandler calls this on entering
// DiscoveringDevice.
func (s *Searcher) Enable() {
	s.phase = SIdle
	s.haveSent = false
	s.result = DiscoveryInfo{}
}

func (s *Searcher) Disable() { s.phase = Disabled }

// Poll issues a Discover request at most once per searchIntervalUs, at
// Background priority so steady-state traffic always wins.
func (s *Searcher) Poll(nowUs uint64) Action {
	if s.phase == Disabled || s.phase == Done || s.phase == InFlight {
		return none()
	}
	if s.haveSent && nowUs-s.lastSentUs < searchIntervalUs {
		return none()
	}
	s.challenge = s.rng()
	data, err := s.c.EncodeDiscoverRequest(s.challenge)
	if err != nil {
		return none() // encode failure here is a programmer error, not a protocol one; just retry next interval
	}
	s.haveSent = true
	s.lastSentUs = nowUs
	s.phase = InFlight
	req := protocol.Request{CommandId: protocol.CommandCommControl, SubfunctionId: protocol.CommControlDiscover, Data: data}
	return send(req, priority.Background, DefaultRequestTimeoutUs)
}

// HandleResult verifies the challenge/response invariant
// (challenge_response[i] == ~challenge[i]) and, on success, transitions to
// Done; any failure (timeout, protocol error, bad challenge) returns to
// Idle so the next Poll retries indefinitely.
func (s *Searcher) HandleResult(r dispatcher.Result) {
	if s.phase != InFlight {
		return
	}
	if r.Err != nil {
		s.phase = SIdle
		return
	}
	if r.Response.ResponseCode != protocol.ResponseOK {
		s.phase = SIdle
		return
	}
	resp, err := s.c.DecodeDiscoverResponse(r.Response.Data)
	if err != nil {
		s.phase = SIdle
		return
	}
	for i := range s.challenge {
		if resp.ChallengeResponse[i] != ^s.challenge[i] {
			s.phase = SIdle
			return
		}
	}
	s.result = DiscoveryInfo{Responded: true}
	s.phase = Done
}

// Result returns the discovery outcome once Phase()==Done.
func (s *Searcher) Result() DiscoveryInfo { return s.result }

var randState uint64 = 0x9e3779b97f4a7c15

// randChallenge4 is a small splitmix64-derived default PRNG so Searcher
// doesn't require a caller-supplied source in production wiring; tests
// inject a deterministic rng instead.
func randChallenge4() [4]byte {
	randState += 0x9e3779b97f4a7c15
	z := randState
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z = z ^ (z >> 31)
	return [4]byte{byte(z), byte(z >> 8), byte(z >> 16), byte(z >> 24)}
}
