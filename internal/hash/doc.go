// Package hash provides the CRC32-Castagnoli checksums used by dump
// manifests and checkpoint archives.
//
// One-shot:
//
//	sum := hash.CRC32C(data)
//
// Streaming across file chunks:
//
//	var sum uint32
//	sum = hash.Update(sum, chunk1)
//	sum = hash.Update(sum, chunk2)
package hash
