// Package mem provides aligned allocation and byte views over typed slices.
//
// Vector chunks are allocated 64-byte aligned so that records start on a
// cache line. AsBytes exposes a typed slice as raw little-endian bytes for
// file IO without copying.
package mem
