package link

import (
	"errors"
	"hash/crc32"
	"io"
	"net"
	"time"

	"scrutiny-server/internal/protoerr"
)

// TCP is a TCP-stream Link variant. Datagram boundaries don't apply;
// TCP is stream-oriented
// to begin with, so the same "bytes concatenated" framing-agnosticism
// holds naturally here.
type TCP struct {
	addr    string
	dialer  net.Dialer
	conn    net.Conn
	cfgHash uint64
}

// NewTCP returns a TCP Link dialing addr (host:port) on Open.
func NewTCP(addr string) *TCP {
	return &TCP{addr: addr, cfgHash: uint64(crc32.ChecksumIEEE([]byte("tcp:" + addr)))}
}

func (t *TCP) Open() error {
	conn, err := t.dialer.Dial("tcp", t.addr)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *TCP) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCP) ReadNonblocking(buf []byte) (int, error) {
	if t.conn == nil {
		return 0, nil
	}
	_ = t.conn.SetReadDeadline(time.Now())
	n, err := t.conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (t *TCP) Write(buf []byte) (int, error) {
	if t.conn == nil {
		return 0, io.ErrClosedPipe
	}
	return t.conn.Write(buf)
}

func (t *TCP) Operational() bool { return t.conn != nil }

func (t *TCP) ConfigHash() uint64 { return t.cfgHash }

// ClassifyTCP maps a TCP error to Transient/Fatal: timeouts, resets and EOF
// are transient (the peer may come back); anything else — most commonly a
// malformed address rejected at dial time — is fatal.
func ClassifyTCP(err error) protoerr.Class {
	if err == nil {
		return ""
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return protoerr.ClassLinkTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return protoerr.ClassLinkTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return protoerr.ClassLinkTransient
	}
	return protoerr.ClassLinkFatal
}
