package util

import (
	"hash/crc32"
)

// Checksum utilities for data integrity validation.
// Packet metadata and running content CRCs use the IEEE polynomial; the
// content checksum pairs it with Castagnoli so bloom digests get two
// independent hashes.

var (
	crc32Table      = crc32.MakeTable(crc32.IEEE)
	castagnoliTable = crc32.MakeTable(crc32.Castagnoli)
)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// UpdateChecksum continues a running CRC32 with more data.
// A running checksum starts from zero.
func UpdateChecksum(running uint32, data []byte) uint32 {
	return crc32.Update(running, crc32Table, data)
}

// ContentChecksum identifies the content of a stored record. It is stable
// across identical key/value pairs regardless of where they are stored.
type ContentChecksum uint64

// High returns the IEEE half of the checksum
func (c ContentChecksum) High() uint32 { return uint32(c >> 32) }

// Low returns the Castagnoli half of the checksum
func (c ContentChecksum) Low() uint32 { return uint32(c) }

// ComputeContentChecksum computes the content checksum of a key and value
func ComputeContentChecksum(key, value []byte) ContentChecksum {
	hi := crc32.Update(crc32.Update(0, crc32Table, key), crc32Table, value)
	lo := crc32.Update(crc32.Update(0, castagnoliTable, key), castagnoliTable, value)
	return ContentChecksum(uint64(hi)<<32 | uint64(lo))
}
