package rawvec

import (
	"fmt"
	"unsafe"

	"github.com/hupe1980/rawvec/internal/mem"
)

// Element is the scalar type of a stored vector. Binary vectors pack eight
// bits per uint8.
type Element interface {
	float32 | uint8
}

// ElementKind names the element type of a store.
type ElementKind string

const (
	// KindFloat32 stores dimension float32 values per vector.
	KindFloat32 ElementKind = "float32"
	// KindBinary stores dimension bits per vector packed into dimension/8 bytes.
	KindBinary ElementKind = "binary"
)

// KindOf returns the ElementKind of T.
func KindOf[T Element]() ElementKind {
	var zero T
	if _, ok := any(zero).(float32); ok {
		return KindFloat32
	}
	return KindBinary
}

// ParseElementKind parses "float32" or "binary".
func ParseElementKind(s string) (ElementKind, error) {
	switch ElementKind(s) {
	case KindFloat32:
		return KindFloat32, nil
	case KindBinary:
		return KindBinary, nil
	default:
		return "", fmt.Errorf("unknown element kind %q", s)
	}
}

// VectorByteSize returns the record size in bytes for dim, or an
// *ErrInvalidDimension if dim is unusable for the kind.
func (k ElementKind) VectorByteSize(dim int) (int, error) {
	if dim <= 0 {
		return 0, &ErrInvalidDimension{Dimension: dim, Reason: "must be positive"}
	}
	switch k {
	case KindFloat32:
		return dim * 4, nil
	case KindBinary:
		if dim%8 != 0 {
			return 0, &ErrInvalidDimension{Dimension: dim, Reason: "binary dimension must be a multiple of 8"}
		}
		return dim / 8, nil
	default:
		return 0, fmt.Errorf("unknown element kind %q", k)
	}
}

// ElemsPerVector returns the number of T values in one record.
func (k ElementKind) ElemsPerVector(dim int) int {
	if k == KindBinary {
		return dim / 8
	}
	return dim
}

func elemSize[T Element]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// decode copies raw little-endian record bytes into a fresh []T.
func decode[T Element](raw []byte) []T {
	out := make([]T, len(raw)/elemSize[T]())
	mem.CopyFromBytes(out, raw)
	return out
}
