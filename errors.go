package rawvec

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidID is returned for a vid outside [0, VectorNum()).
	ErrInvalidID = errors.New("invalid vector id")
	// ErrNotFound is returned when a docid or vid has no stored vector.
	ErrNotFound = errors.New("not found")
	// ErrRange is returned by GetVectorHeader for an empty or out-of-bounds range.
	ErrRange = errors.New("invalid vector range")
	// ErrUnsupported is returned when a store cannot serve an operation.
	ErrUnsupported = errors.New("operation not supported by store")
	// ErrSourceDisabled is returned by GetSource when the store was
	// initialized without sources.
	ErrSourceDisabled = errors.New("source storage disabled")
	// ErrNotInitialized is returned when a store is used before Init.
	ErrNotInitialized = errors.New("raw vector not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("raw vector already initialized")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("raw vector closed")
	// ErrNotEmpty is returned by Load on a store that already holds vectors.
	ErrNotEmpty = errors.New("raw vector not empty")
	// ErrCapacityExceeded is returned when an add would exceed the
	// configured maximum vector count.
	ErrCapacityExceeded = errors.New("max vector size exceeded")
	// ErrDocIDOrder is returned when a docid is not greater than every
	// docid added before it.
	ErrDocIDOrder = errors.New("docid out of order")
	// ErrCorrupted is returned when dump files are truncated or malformed.
	ErrCorrupted = errors.New("dump corrupted")
	// ErrNonContiguous is returned when a dump range would leave a gap.
	ErrNonContiguous = errors.New("dump range not contiguous")
	// ErrConcurrentDump is returned when a dump overlaps another dump of the
	// same directory.
	ErrConcurrentDump = errors.New("concurrent dump")
	// ErrConfigMismatch is returned when a dump was written by a store with
	// a different configuration.
	ErrConfigMismatch = errors.New("store configuration mismatch")
	// ErrInvalidParams is returned for malformed or unknown store parameters.
	ErrInvalidParams = errors.New("invalid store params")
)

// ErrDimensionMismatch indicates a vector payload whose size does not match
// the store's record size.
type ErrDimensionMismatch struct {
	Expected int // bytes per record
	Actual   int // bytes supplied
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d bytes, got %d", e.Expected, e.Actual)
}

// ErrInvalidDimension indicates an unusable configured dimension.
type ErrInvalidDimension struct {
	Dimension int
	Reason    string
}

func (e *ErrInvalidDimension) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid dimension: %d", e.Dimension)
	}
	return fmt.Sprintf("invalid dimension %d: %s", e.Dimension, e.Reason)
}

// MissingIDsError lists the ids of a batch read that could not be resolved.
// It matches ErrNotFound with errors.Is.
type MissingIDsError struct {
	IDs []int
}

func (e *MissingIDsError) Error() string {
	return fmt.Sprintf("%d of the requested vectors not found: %v", len(e.IDs), e.IDs)
}

func (e *MissingIDsError) Is(target error) bool {
	return target == ErrNotFound
}

func corrupted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupted, fmt.Sprintf(format, args...))
}
