package writer

import "hash/crc32"

// Checksum sums finalized section bytes.
type Checksum interface {
	Sum32(data []byte) uint32
}

type ChecksumFunc func(data []byte) uint32

func (f ChecksumFunc) Sum32(data []byte) uint32 {
	return f(data)
}

// JamCRC is CRC-32 (IEEE) without the final inversion, the sum COFF section
// definitions carry.
var JamCRC Checksum = ChecksumFunc(func(data []byte) uint32 {
	return ^crc32.ChecksumIEEE(data)
})
