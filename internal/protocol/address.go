package protocol

import "fmt"

// AddressSize is the target device's pointer width in bytes (1, 2, 4 or 8),
// announced during info poll. Wire encodings always use the announced width
// exactly, never the server's own pointer size.
type AddressSize uint8

const (
	AddressSize1 AddressSize = 1
	AddressSize2 AddressSize = 2
	AddressSize4 AddressSize = 4
	AddressSize8 AddressSize = 8
)

// Valid reports whether the size is one of the four supported widths.
func (s AddressSize) Valid() bool {
	switch s {
	case AddressSize1, AddressSize2, AddressSize4, AddressSize8:
		return true
	default:
		return false
	}
}

// Address is a target-space address. The value's meaningful width is given
// by the session's AddressSize; wire encodings are always big-endian and
// exactly that many bytes wide.
type Address uint64

// PutAddress writes v into dst (which must be len(dst) == int(size)) as a
// big-endian, size-byte integer.
func PutAddress(dst []byte, v Address, size AddressSize) error {
	if !size.Valid() {
		return fmt.Errorf("protocol: invalid address size %d", size)
	}
	if len(dst) != int(size) {
		return fmt.Errorf("protocol: address buffer length %d != size %d", len(dst), size)
	}
	for i := 0; i < int(size); i++ {
		shift := uint(int(size)-1-i) * 8
		dst[i] = byte(v >> shift)
	}
	return nil
}

// GetAddress reads a big-endian, size-byte address out of src.
func GetAddress(src []byte, size AddressSize) (Address, error) {
	if !size.Valid() {
		return 0, fmt.Errorf("protocol: invalid address size %d", size)
	}
	if len(src) != int(size) {
		return 0, fmt.Errorf("protocol: address buffer length %d != size %d", len(src), size)
	}
	var v Address
	for i := 0; i < int(size); i++ {
		v = v<<8 | Address(src[i])
	}
	return v, nil
}
