package mem

import (
	"unsafe"
)

// Alignment is the byte alignment of slices returned by Alloc.
const Alignment = 64

// AllocBytes allocates a byte slice of the given size with 64-byte alignment.
func AllocBytes(size int) []byte {
	if size <= 0 {
		return nil
	}

	buf := make([]byte, size+Alignment)
	addr := uintptr(unsafe.Pointer(&buf[0])) //nolint:gosec // alignment arithmetic
	offset := (Alignment - (addr & (Alignment - 1))) & (Alignment - 1)

	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}

// Alloc allocates n elements of T starting on a 64-byte boundary.
// T must be a fixed-size type without pointers.
func Alloc[T any](n int) []T {
	if n <= 0 {
		return nil
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	b := AllocBytes(n * size)
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n) //nolint:gosec // b is aligned for any T
}

// AsBytes returns the memory of s as a byte slice without copying.
func AsBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*size) //nolint:gosec // view over owned memory
}

// CopyFromBytes copies src into dst and returns the number of whole
// elements written.
func CopyFromBytes[T any](dst []T, src []byte) int {
	n := copy(AsBytes(dst), src)
	var zero T
	return n / int(unsafe.Sizeof(zero))
}
