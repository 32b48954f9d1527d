package link

import (
	"hash/crc32"

	"scrutiny-server/x/shmring"
)

// Dummy is the in-memory loopback Link used by tests and by a simulated
// device. Two Dummy endpoints share a pair of SPSC rings: one endpoint's
// Write feeds the other's ReadNonblocking and vice versa. The ring's
// TryWriteFrom/TryReadInto span helpers are exactly the non-blocking
// byte-copy semantics this Link needs, so Dummy is a thin adapter rather
// than a reimplementation.
type Dummy struct {
	name    string
	tx      *shmring.Ring
	rx      *shmring.Ring
	open    bool
	cfgHash uint64
}

// NewDummyPair returns two Dummy endpoints wired back to back, each with a
// ring buffer of the given power-of-two size. Writes to a are readable from
// b and vice versa.
func NewDummyPair(name string, size int) (a, b *Dummy) {
	ab := shmring.New(size)
	ba := shmring.New(size)
	hash := uint64(crc32.ChecksumIEEE([]byte(name)))
	a = &Dummy{name: name + ":a", tx: ab, rx: ba, cfgHash: hash}
	b = &Dummy{name: name + ":b", tx: ba, rx: ab, cfgHash: hash}
	return a, b
}

func (d *Dummy) Open() error {
	d.open = true
	return nil
}

func (d *Dummy) Close() error {
	d.open = false
	return nil
}

func (d *Dummy) ReadNonblocking(buf []byte) (int, error) {
	if !d.open {
		return 0, nil
	}
	return d.rx.TryReadInto(buf), nil
}

func (d *Dummy) Write(buf []byte) (int, error) {
	if !d.open {
		return 0, nil
	}
	return d.tx.TryWriteFrom(buf), nil
}

func (d *Dummy) Operational() bool { return d.open }

func (d *Dummy) ConfigHash() uint64 { return d.cfgHash }
