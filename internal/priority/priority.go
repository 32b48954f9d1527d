// Package priority centralizes the dispatcher priority levels handed out
// by submodules and datastore pollers, so the numeric ordering lives in one
// place instead of being re-guessed at every call site. Submodules and
// pollers enqueue at named priority tiers; lower value wins.
package priority

const (
	// Handshake is for Connect/GetParams/Disconnect: session-critical,
	// always wins over steady-state traffic.
	Handshake = 0
	// Heartbeat keeps the session alive; must not starve behind memory traffic.
	Heartbeat = 1
	// Normal is read/write memory traffic.
	Normal = 2
	// Background is the Searcher's Discover polling, the lowest tier.
	Background = 3
)
