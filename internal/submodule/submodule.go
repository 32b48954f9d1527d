// Package submodule implements the four device-phase state machines:
// Searcher, SessionInitializer, HeartbeatGenerator and InfoPoller. Every
// submodule exposes Poll (what to do next) and HandleResult (the one
// closure DeviceHandler wires back into it when a submitted request
// resolves); none of them ever reach for the dispatcher, the link or each
// other directly, and none of them reference DeviceHandler — the handler
// calls Poll, submits what Poll returns, and routes the eventual
// dispatcher outcome back into HandleResult. Information flows upward only
// through return values.
package submodule

import (
	"scrutiny-server/internal/devicephase"
	"scrutiny-server/internal/protocol"
)

// Phase is a submodule's own lifecycle state: Disabled -> Idle -> InFlight
// -> Done|Failed.
type Phase uint8

const (
	Disabled Phase = iota
	SIdle
	InFlight
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Disabled:
		return "disabled"
	case SIdle:
		return "idle"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ActionKind tags what the caller should do in response to Poll.
type ActionKind uint8

const (
	// ActionNone: nothing to do this tick (already InFlight, or waiting on
	// a retry interval).
	ActionNone ActionKind = iota
	// ActionSend: submit Request at Priority with TimeoutUs, routing the
	// outcome back into the submodule's HandleResult.
	ActionSend
	// ActionDone: the submodule completed its job; DeviceHandler may
	// advance phase and read the submodule's result.
	ActionDone
	// ActionRegress: a protocol failure requires DeviceHandler to regress
	// to RegressTo, tearing down the session if applicable.
	ActionRegress
)

// Action is Poll's return value — the FSM's entire upward-flowing output.
type Action struct {
	Kind      ActionKind
	Request   protocol.Request
	Priority  int
	TimeoutUs uint64
	RegressTo devicephase.Phase
	Reason    error
}

func none() Action { return Action{Kind: ActionNone} }
func done() Action { return Action{Kind: ActionDone} }
func regress(to devicephase.Phase, reason error) Action {
	return Action{Kind: ActionRegress, RegressTo: to, Reason: reason}
}
func send(req protocol.Request, prio int, timeoutUs uint64) Action {
	return Action{Kind: ActionSend, Request: req, Priority: prio, TimeoutUs: timeoutUs}
}

// DefaultRequestTimeoutUs is the per-request dispatcher timeout submodules
// use unless a tighter one is specified.
const DefaultRequestTimeoutUs = 500_000
