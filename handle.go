package rawvec

import (
	"sync"
	"sync/atomic"
)

// Ownership tells whether a handle's memory belongs to the store or to the
// handle.
type Ownership uint8

const (
	// Borrowed data aliases store memory and must not be modified.
	Borrowed Ownership = iota
	// Owned data was copied for the caller.
	Owned
)

func (o Ownership) String() string {
	if o == Owned {
		return "owned"
	}
	return "borrowed"
}

// ScopedVector is a read handle over one vector or a contiguous range.
// Callers release it when done, usually with defer h.Release().
type ScopedVector[T Element] struct {
	data     []T
	own      Ownership
	pool     *bufferPool[T]
	released atomic.Bool
}

func borrowedVector[T Element](data []T) *ScopedVector[T] {
	return &ScopedVector[T]{data: data, own: Borrowed}
}

func ownedVector[T Element](data []T, pool *bufferPool[T]) *ScopedVector[T] {
	return &ScopedVector[T]{data: data, own: Owned, pool: pool}
}

// Data returns the elements. After Release it returns nil, or panics in
// builds with the rawvecdebug tag.
func (h *ScopedVector[T]) Data() []T {
	if h.released.Load() {
		if debugHandles {
			panic("rawvec: ScopedVector used after Release")
		}
		return nil
	}
	return h.data
}

// Len returns the number of elements.
func (h *ScopedVector[T]) Len() int {
	if h.released.Load() {
		return 0
	}
	return len(h.data)
}

// Ownership reports who owns the memory behind Data.
func (h *ScopedVector[T]) Ownership() Ownership { return h.own }

// Released reports whether Release was called.
func (h *ScopedVector[T]) Released() bool { return h.released.Load() }

// Release ends the handle's scope. It is idempotent and safe on nil.
func (h *ScopedVector[T]) Release() {
	if h == nil || h.released.Swap(true) {
		return
	}
	if h.own == Owned && h.pool != nil {
		h.pool.put(h.data)
	}
	h.data = nil
}

// ScopedVectors is the result of a batch read. Entries for ids that could
// not be resolved are nil.
type ScopedVectors[T Element] struct {
	items   []*ScopedVector[T]
	missing []int
}

// Len returns the number of requested ids.
func (s *ScopedVectors[T]) Len() int { return len(s.items) }

// At returns the handle for the i-th requested id, or nil if it is missing.
func (s *ScopedVectors[T]) At(i int) *ScopedVector[T] {
	if i < 0 || i >= len(s.items) {
		return nil
	}
	return s.items[i]
}

// Missing returns the ids that could not be resolved.
func (s *ScopedVectors[T]) Missing() []int { return s.missing }

// Release releases every handle in the batch.
func (s *ScopedVectors[T]) Release() {
	if s == nil {
		return
	}
	for _, h := range s.items {
		h.Release()
	}
}

// bufferPool recycles single-vector buffers for Owned handles.
type bufferPool[T Element] struct {
	n    int
	pool sync.Pool
}

func newBufferPool[T Element](n int) *bufferPool[T] {
	p := &bufferPool[T]{n: n}
	p.pool.New = func() any {
		buf := make([]T, n)
		return &buf
	}
	return p
}

func (p *bufferPool[T]) get() []T {
	return *(p.pool.Get().(*[]T))
}

func (p *bufferPool[T]) put(buf []T) {
	if cap(buf) != p.n {
		return
	}
	buf = buf[:p.n]
	p.pool.Put(&buf)
}
