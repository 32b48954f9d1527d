package link

import (
	"errors"
	"hash/crc32"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"scrutiny-server/internal/protoerr"
)

// Serial is a serial-port Link variant. Termios configuration (raw mode,
// baud rate, VMIN/VTIME) is driven directly through golang.org/x/sys/unix
// ioctls rather than an external serial library — the port needs nothing
// beyond raw mode and a baud rate.
type Serial struct {
	path    string
	baud    uint32
	file    *os.File
	cfgHash uint64
}

// NewSerial returns a Serial Link for the device at path at the given baud.
func NewSerial(path string, baud uint32) *Serial {
	h := crc32.ChecksumIEEE([]byte(path))
	return &Serial{path: path, baud: baud, cfgHash: uint64(h) ^ uint64(baud)}
}

func baudToTermiosConst(baud uint32) uint32 {
	switch baud {
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	case 230400:
		return unix.B230400
	default:
		return unix.B115200
	}
}

func (s *Serial) Open() error {
	f, err := os.OpenFile(s.path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return protoerr.Wrap(protoerr.ClassLinkFatal, "serial.open", err)
	}
	fd := int(f.Fd())

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		_ = f.Close()
		return protoerr.Wrap(protoerr.ClassLinkFatal, "serial.open", err)
	}

	// Raw mode: no echo, no canonical processing, no signal generation.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	bc := baudToTermiosConst(s.baud)
	t.Ispeed = bc
	t.Ospeed = bc
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0 // pure non-blocking read, matching ReadNonblocking's contract

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		_ = f.Close()
		return protoerr.Wrap(protoerr.ClassLinkFatal, "serial.open", err)
	}

	s.file = f
	return nil
}

func (s *Serial) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Serial) ReadNonblocking(buf []byte) (int, error) {
	if s.file == nil {
		return 0, nil
	}
	n, err := s.file.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (s *Serial) Write(buf []byte) (int, error) {
	if s.file == nil {
		return 0, io.ErrClosedPipe
	}
	return s.file.Write(buf)
}

func (s *Serial) Operational() bool { return s.file != nil }

func (s *Serial) ConfigHash() uint64 { return s.cfgHash }

// ClassifySerial treats any I/O error once the port has been opened as
// transient (most commonly the USB-serial adapter was unplugged and may
// return); a failure during Open's termios configuration is already
// wrapped Fatal by Open itself.
func ClassifySerial(err error) protoerr.Class {
	if err == nil {
		return ""
	}
	if c := protoerr.ClassOf(err); c == protoerr.ClassLinkFatal {
		return c
	}
	return protoerr.ClassLinkTransient
}
