package mmap

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
)

var (
	// ErrTooLarge is returned for files that do not fit the address space.
	ErrTooLarge = errors.New("mmap: file too large")
	// ErrShortFile is returned by OpenRecords when a file does not hold the
	// expected records.
	ErrShortFile = errors.New("mmap: file does not match record layout")
)

// Mapping is a read-only view of a whole file.
type Mapping struct {
	data   []byte
	unmap  func([]byte) error
	closed atomic.Bool
}

// Open maps path for random access, as done for blobs served to readers.
// An empty file yields an empty Mapping without a system mapping.
func Open(path string) (*Mapping, error) {
	return open(path, false)
}

// OpenSequential maps path and hints the kernel that it is read front to
// back once, as during Load.
func OpenSequential(path string) (*Mapping, error) {
	return open(path, true)
}

// OpenRecords maps a record file sequentially and checks that it holds at
// least want bytes made of whole recSize records.
func OpenRecords(path string, recSize, want int64) (*Mapping, error) {
	m, err := OpenSequential(path)
	if err != nil {
		return nil, err
	}
	n := int64(m.Len())
	if n < want || (recSize > 1 && n%recSize != 0) {
		_ = m.Close()
		return nil, fmt.Errorf("%w: %s holds %d bytes, need %d in %d byte records", ErrShortFile, path, n, want, recSize)
	}
	return m, nil
}

func open(path string, sequential bool) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &Mapping{}, nil
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, size)
	}

	data, unmap, err := osMap(f, int(size))
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	if sequential {
		adviseSequential(data)
	}
	return &Mapping{data: data, unmap: unmap}, nil
}

// Bytes returns the mapped file, or nil after Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Len returns the file size.
func (m *Mapping) Len() int { return len(m.data) }

// Close unmaps the file. Later calls are no-ops.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) || m.data == nil {
		return nil
	}
	return m.unmap(m.data)
}
