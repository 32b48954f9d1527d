package protocol

import "hash/crc32"

// The frame CRC32 covers every byte preceding it in the frame. The variant
// is pinned by the protocol's reference vector crc32([0x01..0x0A]) ==
// 622876539, which is the standard reflected CRC-32 (IEEE 802.3 / zlib)
// checksum — exactly what hash/crc32 implements.
var ieeeTable = crc32.MakeTable(crc32.IEEE)

// Checksum computes the frame CRC32 over a single contiguous buffer.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, ieeeTable)
}

// StreamingChecksum computes the same CRC32 over data delivered in
// arbitrarily sized chunks, matching Checksum(concat(chunks)) byte-for-byte
// for any chunking.
type StreamingChecksum struct {
	h uint32
}

// NewStreamingChecksum returns a fresh incremental CRC32 accumulator.
func NewStreamingChecksum() *StreamingChecksum {
	return &StreamingChecksum{}
}

// Write feeds another chunk of the frame into the running checksum.
func (s *StreamingChecksum) Write(p []byte) {
	s.h = crc32.Update(s.h, ieeeTable, p)
}

// Sum32 returns the checksum accumulated so far.
func (s *StreamingChecksum) Sum32() uint32 { return s.h }

// Reset clears the accumulator for reuse.
func (s *StreamingChecksum) Reset() { s.h = 0 }
