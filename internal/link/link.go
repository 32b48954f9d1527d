// Package link implements the byte-oriented transport abstraction:
// a pure conduit with no framing, four real variants (Serial, UDP,
// TCP, RTT) plus an in-memory Dummy used by tests and simulators, and a
// Managed wrapper that classifies a variant's errors as Transient or Fatal
// and drives the close+reopen-with-backoff policy so DeviceHandler never
// has to know which transport is underneath.
package link

import (
	"time"

	"scrutiny-server/internal/protoerr"
)

// Kind names a configured transport.
type Kind string

const (
	KindSerial Kind = "serial"
	KindUDP    Kind = "udp"
	KindTCP    Kind = "tcp"
	KindRTT    Kind = "rtt"
	KindNone   Kind = "none"
)

// Link is the capability set every transport variant implements. No variant
// does any framing; CommHandler owns that layer entirely.
type Link interface {
	Open() error
	Close() error
	// ReadNonblocking copies up to len(buf) available bytes into buf without
	// blocking, returning 0, nil if none are currently available.
	ReadNonblocking(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Operational() bool
	// ConfigHash is an opaque value that changes iff the variant's
	// configuration changed, letting DeviceHandler detect a hot-swapped
	// configure_link call without comparing the variant's internals.
	ConfigHash() uint64
}

// Classifier maps a Link's error to Transient or Fatal. Each
// variant supplies its own: a closed socket and a bad serial baud rate fail
// differently.
type Classifier func(error) protoerr.Class

// backoffSteps is the exponential backoff schedule for transient errors,
// 50ms, 200ms, 1s, then capped at 5s.
var backoffSteps = []time.Duration{
	50 * time.Millisecond,
	200 * time.Millisecond,
	1 * time.Second,
	5 * time.Second,
}

// Managed wraps a Link with the reopen-on-transient-error policy. The core
// loop calls Tick once per iteration; Managed itself never spawns a
// goroutine or blocks, consistent with the single cooperative event loop
// on every exit path.
type Managed struct {
	inner     Link
	classify  Classifier
	down      bool
	fatal     bool
	fatalErr  error
	attempt   int
	nextRetry time.Time
	now       func() time.Time
}

// NewManaged wraps inner with classify's Transient/Fatal policy.
func NewManaged(inner Link, classify Classifier) *Managed {
	return &Managed{inner: inner, classify: classify, now: time.Now}
}

// Open opens the underlying link immediately, bypassing the backoff
// schedule (used for the initial open or an explicit reconnect request).
func (m *Managed) Open() error {
	err := m.inner.Open()
	m.handle(err)
	return err
}

func (m *Managed) handle(err error) {
	if err == nil {
		m.down = false
		m.attempt = 0
		return
	}
	switch m.classify(err) {
	case protoerr.ClassLinkFatal:
		m.fatal = true
		m.fatalErr = err
	default:
		m.down = true
		m.scheduleRetry()
	}
}

func (m *Managed) scheduleRetry() {
	idx := m.attempt
	if idx >= len(backoffSteps) {
		idx = len(backoffSteps) - 1
	}
	m.nextRetry = m.now().Add(backoffSteps[idx])
	if m.attempt < len(backoffSteps)-1 {
		m.attempt++
	}
	_ = m.inner.Close()
}

// Fatal reports whether a fatal error has surfaced; once true, Managed
// stops retrying and the caller (DeviceHandler) must transition to
// LinkDown and construct a fresh Managed if the operator reconfigures the
// link.
func (m *Managed) Fatal() (bool, error) { return m.fatal, m.fatalErr }

// Tick re-opens the link once its backoff deadline has passed. It is a
// no-op once Fatal() is true or the link is already operational.
func (m *Managed) Tick() {
	if m.fatal || !m.down {
		return
	}
	if m.now().Before(m.nextRetry) {
		return
	}
	err := m.inner.Open()
	m.handle(err)
}

// ReadNonblocking proxies to the inner link while operational; while down
// or fatal it returns 0 bytes without error, since DeviceHandler — not the
// reader — is responsible for acting on link state.
func (m *Managed) ReadNonblocking(buf []byte) (int, error) {
	if m.fatal || m.down {
		return 0, nil
	}
	n, err := m.inner.ReadNonblocking(buf)
	if err != nil {
		m.handle(err)
		return n, nil
	}
	return n, nil
}

// Write proxies to the inner link while operational.
func (m *Managed) Write(buf []byte) (int, error) {
	if m.fatal || m.down {
		return 0, nil
	}
	n, err := m.inner.Write(buf)
	if err != nil {
		m.handle(err)
		return n, nil
	}
	return n, nil
}

// Operational reports whether the link is currently usable.
func (m *Managed) Operational() bool {
	return !m.fatal && !m.down && m.inner.Operational()
}

// ConfigHash proxies to the inner link.
func (m *Managed) ConfigHash() uint64 { return m.inner.ConfigHash() }

// Close closes the underlying link.
func (m *Managed) Close() error { return m.inner.Close() }
