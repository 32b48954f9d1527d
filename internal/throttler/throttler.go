// Package throttler implements the bitrate token bucket the dispatcher
// consults before releasing a request onto the link: capacity
// is max_bitrate * T_window bits, refilling continuously at max_bitrate
// bits/s; Allow(nowUs, nbytes) reports false when the bucket holds fewer than 8*nbytes
// bits. The bucket is reset on session loss.
package throttler

import (
	"scrutiny-server/x/mathx"
)

// Throttler is a single token bucket measured in bits.
type Throttler struct {
	capacityBits float64
	rateBitsPerS float64
	tokens       float64
	lastUs       uint64
	initialized  bool
}

// New returns a Throttler whose capacity is maxBitrateBps*windowSeconds
// bits and whose refill rate is maxBitrateBps bits/s. A maxBitrateBps of 0
// disables throttling entirely: Allow always succeeds and Consume is a
// no-op, matching "no configured maximum bitrate".
func New(maxBitrateBps, windowSeconds float64) *Throttler {
	return &Throttler{capacityBits: maxBitrateBps * windowSeconds, rateBitsPerS: maxBitrateBps}
}

func (t *Throttler) refill(nowUs uint64) {
	if !t.initialized {
		t.tokens = t.capacityBits
		t.lastUs = nowUs
		t.initialized = true
		return
	}
	if nowUs <= t.lastUs {
		return
	}
	elapsedS := float64(nowUs-t.lastUs) / 1_000_000
	t.tokens = mathx.Clamp(t.tokens+elapsedS*t.rateBitsPerS, 0, t.capacityBits)
	t.lastUs = nowUs
}

// Allow reports whether nBytes may be sent right now without consuming
// tokens, so the dispatcher can peek before committing to pop a request off
// the priority queue.
func (t *Throttler) Allow(nowUs uint64, nBytes int) bool {
	if t.rateBitsPerS <= 0 {
		return true
	}
	t.refill(nowUs)
	return t.tokens >= float64(8*nBytes)
}

// Consume debits 8*nBytes bits from the bucket. Callers must have just
// checked Allow; Consume does not itself block or re-check.
func (t *Throttler) Consume(nowUs uint64, nBytes int) {
	if t.rateBitsPerS <= 0 {
		return
	}
	t.refill(nowUs)
	t.tokens = mathx.Clamp(t.tokens-float64(8*nBytes), 0, t.capacityBits)
}

// NextAvailableUs estimates the clock reading at which nBytes would be
// affordable, for a dispatcher that wants to schedule a retry instead of
// busy-polling Allow.
func (t *Throttler) NextAvailableUs(nowUs uint64, nBytes int) uint64 {
	if t.rateBitsPerS <= 0 {
		return nowUs
	}
	t.refill(nowUs)
	deficit := float64(8*nBytes) - t.tokens
	if deficit <= 0 {
		return nowUs
	}
	waitS := deficit / t.rateBitsPerS
	return nowUs + uint64(waitS*1_000_000)
}

// Tokens reports the bits currently available, refilling first so the
// reading reflects nowUs. Purely observational; it does not consume.
func (t *Throttler) Tokens(nowUs uint64) float64 {
	t.refill(nowUs)
	return t.tokens
}

// Reset refills the bucket to full capacity, called on session loss so a
// freshly (re)connected device doesn't inherit a drained bucket from a
// prior session.
func (t *Throttler) Reset(nowUs uint64) {
	t.tokens = t.capacityBits
	t.lastUs = nowUs
	t.initialized = true
}
