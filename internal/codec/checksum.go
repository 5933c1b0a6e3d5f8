package codec

import (
	"encoding/binary"
	"hash/crc32"
)

// crc32Table is precomputed for the IEEE polynomial
var crc32Table = crc32.MakeTable(crc32.IEEE)

const checksumSize = 4

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// AppendChecksum appends a little-endian CRC32 of data to data
// Format: [data][checksum (4 bytes)]
func AppendChecksum(data []byte) []byte {
	return binary.LittleEndian.AppendUint32(data, ComputeChecksum(data))
}

// ValidateAndStripChecksum validates the trailer and returns data without it
func ValidateAndStripChecksum(framed []byte) ([]byte, bool) {
	if len(framed) < checksumSize {
		return nil, false
	}
	dataLen := len(framed) - checksumSize
	data := framed[:dataLen]
	expected := binary.LittleEndian.Uint32(framed[dataLen:])
	return data, ComputeChecksum(data) == expected
}
