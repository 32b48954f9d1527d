package link

import (
	"errors"
	"hash/crc32"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"scrutiny-server/internal/protoerr"
)

// UDP is a datagram Link variant; datagram boundaries are
// ignored and bytes are simply concatenated across packets, matching a
// stream-oriented CommHandler reader.
//
// Socket tuning (SO_REUSEADDR, a larger receive buffer) is applied via a
// net.ListenConfig.Control callback operating on the raw fd through
// golang.org/x/sys/unix.
type UDP struct {
	laddr, raddr string
	rcvBufBytes  int
	conn         *net.UDPConn
	cfgHash      uint64
}

// NewUDP returns a UDP Link bound to laddr (host:port, empty for any) that
// sends to raddr.
func NewUDP(laddr, raddr string, rcvBufBytes int) *UDP {
	h := crc32.ChecksumIEEE([]byte("udp:" + laddr + ">" + raddr))
	return &UDP{laddr: laddr, raddr: raddr, rcvBufBytes: rcvBufBytes, cfgHash: uint64(h)}
}

func (u *UDP) Open() error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); e != nil {
					ctrlErr = e
					return
				}
				if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1); e != nil {
					ctrlErr = e
					return
				}
				if u.rcvBufBytes > 0 {
					if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, u.rcvBufBytes); e != nil {
						ctrlErr = e
					}
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	laddr := u.laddr
	if laddr == "" {
		laddr = ":0"
	}
	pc, err := lc.ListenPacket(nil, "udp", laddr)
	if err != nil {
		return err
	}
	conn := pc.(*net.UDPConn)
	if u.raddr != "" {
		raddr, err := net.ResolveUDPAddr("udp", u.raddr)
		if err != nil {
			_ = conn.Close()
			return err
		}
		if err := conn.Close(); err != nil {
			return err
		}
		conn, err = net.DialUDP("udp", nil, raddr)
		if err != nil {
			return err
		}
	}
	u.conn = conn
	return nil
}

func (u *UDP) Close() error {
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

func (u *UDP) ReadNonblocking(buf []byte) (int, error) {
	if u.conn == nil {
		return 0, nil
	}
	_ = u.conn.SetReadDeadline(time.Now())
	n, err := u.conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (u *UDP) Write(buf []byte) (int, error) {
	if u.conn == nil {
		return 0, io.ErrClosedPipe
	}
	return u.conn.Write(buf)
}

func (u *UDP) Operational() bool { return u.conn != nil }

func (u *UDP) ConfigHash() uint64 { return u.cfgHash }

// ClassifyUDP mirrors ClassifyTCP: network errors are transient (a missed
// datagram or a momentarily unreachable peer should trigger reopen rather
// than a full LinkDown), anything else is fatal.
func ClassifyUDP(err error) protoerr.Class {
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
	return protoerr.ClassLinkFatal
}
