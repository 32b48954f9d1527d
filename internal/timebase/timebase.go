// Package timebase is the core's single source of "now", at the
// microsecond resolution the wire protocol's inter-byte and heartbeat
// timeouts are expressed in. Every submodule, the dispatcher and the
// reception FSM work from a Clock or from a nowUs reading taken from one,
// instead of calling time.Now() directly, so tests can drive them with a
// fake clock.
package timebase

import "time"

// Clock returns the current time as monotonic microseconds since an
// unspecified epoch. Only differences between two Clock readings are
// meaningful.
type Clock interface {
	NowUs() uint64
}

// System is the production Clock, backed by time.Now()'s monotonic reading.
type System struct {
	epoch time.Time
}

// NewSystem returns a System clock anchored at the time of construction.
func NewSystem() *System {
	return &System{epoch: time.Now()}
}

func (s *System) NowUs() uint64 {
	return uint64(time.Since(s.epoch).Microseconds())
}

// Fake is a manually-advanced Clock for deterministic tests.
type Fake struct {
	us uint64
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) NowUs() uint64 { return f.us }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.us += uint64(d.Microseconds())
}

// Set pins the fake clock to an absolute microsecond value.
func (f *Fake) Set(us uint64) { f.us = us }

// PeriodFromHz returns a microsecond period for a requested polling
// frequency. freqHz==0 is coerced to 1 to avoid division by zero.
func PeriodFromHz(freqHz uint32) uint64 {
	if freqHz == 0 {
		freqHz = 1
	}
	return uint64(1_000_000 / uint64(freqHz))
}
