package hash

import (
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Update extends crc by data. Update(0, a+b) == Update(Update(0, a), b).
func Update(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// Base64 renders sum the way object stores expect a checksum header:
// base64 of the big-endian bytes.
func Base64(sum uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], sum)
	return base64.StdEncoding.EncodeToString(b[:])
}
