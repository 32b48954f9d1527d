package link

import (
	"errors"
	"hash/crc32"
	"io"

	"scrutiny-server/internal/protoerr"
)

// RTT wraps an already-open debug-probe channel (e.g. a SEGGER J-Link RTT
// client) as a byte-oriented Link. Unlike Serial/UDP/TCP this variant
// does not own or configure hardware itself — probe discovery and control
// vary per vendor and stay outside the core. RTT is the thin adapter that
// lets whatever probe channel the deployment wires in behave like every
// other Link.
type RTT struct {
	channel io.ReadWriteCloser
	name    string
	open    bool
	cfgHash uint64
}

// NewRTT wraps an already-constructed probe channel. Open/Close toggle
// this Link's local state; the channel's own lifecycle is the caller's
// responsibility since probe acquisition varies per vendor.
func NewRTT(name string, channel io.ReadWriteCloser) *RTT {
	return &RTT{channel: channel, name: name, cfgHash: uint64(crc32.ChecksumIEEE([]byte("rtt:" + name)))}
}

func (r *RTT) Open() error {
	r.open = true
	return nil
}

func (r *RTT) Close() error {
	r.open = false
	return r.channel.Close()
}

func (r *RTT) ReadNonblocking(buf []byte) (int, error) {
	if !r.open {
		return 0, nil
	}
	n, err := r.channel.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (r *RTT) Write(buf []byte) (int, error) {
	if !r.open {
		return 0, io.ErrClosedPipe
	}
	return r.channel.Write(buf)
}

func (r *RTT) Operational() bool { return r.open }

func (r *RTT) ConfigHash() uint64 { return r.cfgHash }

// ClassifyRTT treats every channel error as transient: a probe that has
// dropped its target connection is expected to recover on its own
// reconnect logic, which is outside this adapter's scope.
func ClassifyRTT(err error) protoerr.Class {
	if err == nil {
		return ""
	}
	return protoerr.ClassLinkTransient
}
