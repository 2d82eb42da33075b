// Package memstore implements a resident RawVector backend. Records live in
// fixed-size chunks that are never resized, so readers borrow slices of
// them without copying.
package memstore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/internal/mem"
	"github.com/hupe1980/rawvec/resource"
)

// Type is the store type name used in field definitions.
const Type = "MemoryOnly"

// DefaultChunkVectors is the number of records per chunk.
const DefaultChunkVectors = 1024

// ParamChunkVectors is the store_param key overriding the chunk size.
const ParamChunkVectors = "segment_size"

type slot[T rawvec.Element] struct {
	data atomic.Pointer[[]T]
}

// Store keeps records in memory. Updates copy the affected chunk and
// publish the copy, so a borrowed slice never changes under its reader.
type Store[T rawvec.Element] struct {
	chunkVectors int
	epv          int
	chunkLen     int
	rc           *resource.Controller

	mu     sync.Mutex // serializes growth and updates
	chunks atomic.Pointer[[]*slot[T]]
	mem    atomic.Int64
}

var _ rawvec.Store[float32] = (*Store[float32])(nil)

// New creates a resident store. chunkVectors <= 0 selects
// DefaultChunkVectors; the segment_size store param overrides it at Init.
func New[T rawvec.Element](chunkVectors int) *Store[T] {
	if chunkVectors <= 0 {
		chunkVectors = DefaultChunkVectors
	}
	s := &Store[T]{chunkVectors: chunkVectors}
	empty := make([]*slot[T], 0)
	s.chunks.Store(&empty)
	return s
}

// InitStore implements rawvec.Store.
func (s *Store[T]) InitStore(cfg rawvec.StoreConfig) error {
	if err := cfg.Params.CheckKnown(ParamChunkVectors); err != nil {
		return err
	}
	n, ok, err := cfg.Params.Int(ParamChunkVectors)
	if err != nil {
		return err
	}
	if ok {
		if n <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", rawvec.ErrInvalidParams, ParamChunkVectors, n)
		}
		s.chunkVectors = n
	}
	if cfg.ElemsPerVector <= 0 {
		return &rawvec.ErrInvalidDimension{Dimension: cfg.Dimension, Reason: "no elements per vector"}
	}
	s.epv = cfg.ElemsPerVector
	s.chunkLen = s.chunkVectors * s.epv
	s.rc = cfg.Resource
	return nil
}

// ChunkVectors returns the number of records per chunk.
func (s *Store[T]) ChunkVectors() int { return s.chunkVectors }

func (s *Store[T]) chunkBytes() int64 {
	var zero T
	return int64(s.chunkLen) * int64(unsafe.Sizeof(zero))
}

// grow allocates every chunk needed to hold vid end-1. Memory is reserved
// up front so a failed reservation changes nothing.
func (s *Store[T]) grow(end int) error {
	need := (end + s.chunkVectors - 1) / s.chunkVectors
	current := *s.chunks.Load()
	if need <= len(current) {
		return nil
	}

	bytes := int64(need-len(current)) * s.chunkBytes()
	if err := s.rc.Reserve(bytes); err != nil {
		return fmt.Errorf("allocate %d chunks: %w", need-len(current), err)
	}

	grown := make([]*slot[T], need)
	copy(grown, current)
	for i := len(current); i < need; i++ {
		data := mem.Alloc[T](s.chunkLen)
		grown[i] = &slot[T]{}
		grown[i].data.Store(&data)
	}
	s.chunks.Store(&grown)
	s.mem.Add(bytes)
	return nil
}

func (s *Store[T]) write(vid int, data []T) error {
	if len(data) == 0 || len(data)%s.epv != 0 {
		return &rawvec.ErrDimensionMismatch{Expected: s.epv, Actual: len(data)}
	}
	if vid < 0 {
		return fmt.Errorf("%w: %d", rawvec.ErrInvalidID, vid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := len(data) / s.epv
	if err := s.grow(vid + k); err != nil {
		return err
	}
	chunks := *s.chunks.Load()
	for i := 0; i < k; {
		v := vid + i
		ci, off := v/s.chunkVectors, v%s.chunkVectors
		n := min(k-i, s.chunkVectors-off)
		dst := *chunks[ci].data.Load()
		copy(dst[off*s.epv:(off+n)*s.epv], data[i*s.epv:(i+n)*s.epv])
		i += n
	}
	return nil
}

// AddToStore implements rawvec.Store.
func (s *Store[T]) AddToStore(vid int, data []T) error {
	return s.write(vid, data)
}

// LoadVectors implements rawvec.Store.
func (s *Store[T]) LoadVectors(start int, data []T) error {
	return s.write(start, data)
}

// UpdateToStore implements rawvec.Store. Every chunk touched is copied,
// modified and published whole.
func (s *Store[T]) UpdateToStore(vid int, data []T) error {
	if len(data) == 0 || len(data)%s.epv != 0 {
		return &rawvec.ErrDimensionMismatch{Expected: s.epv, Actual: len(data)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := len(data) / s.epv
	chunks := *s.chunks.Load()
	if vid < 0 || (vid+k+s.chunkVectors-1)/s.chunkVectors > len(chunks) {
		return fmt.Errorf("%w: update of vids [%d, %d)", rawvec.ErrInvalidID, vid, vid+k)
	}

	for i := 0; i < k; {
		v := vid + i
		ci, off := v/s.chunkVectors, v%s.chunkVectors
		n := min(k-i, s.chunkVectors-off)

		if err := s.rc.Reserve(s.chunkBytes()); err != nil {
			return fmt.Errorf("copy chunk %d: %w", ci, err)
		}
		next := mem.Alloc[T](s.chunkLen)
		copy(next, *chunks[ci].data.Load())
		copy(next[off*s.epv:(off+n)*s.epv], data[i*s.epv:(i+n)*s.epv])
		chunks[ci].data.Store(&next)
		s.rc.ReleaseMemory(s.chunkBytes())
		i += n
	}
	return nil
}

// GetVector implements rawvec.Store. The result is always borrowed.
func (s *Store[T]) GetVector(vid int, _ []T) ([]T, bool, error) {
	chunks := *s.chunks.Load()
	ci, off := vid/s.chunkVectors, vid%s.chunkVectors
	if vid < 0 || ci >= len(chunks) {
		return nil, false, fmt.Errorf("%w: %d", rawvec.ErrNotFound, vid)
	}
	data := *chunks[ci].data.Load()
	lo := off * s.epv
	return data[lo : lo+s.epv : lo+s.epv], true, nil
}

// GetVectorHeader implements rawvec.Store. A range inside one chunk is
// borrowed; a range spanning chunks is copied.
func (s *Store[T]) GetVectorHeader(start, end int) ([]T, bool, error) {
	chunks := *s.chunks.Load()
	if start < 0 || end <= start || (end+s.chunkVectors-1)/s.chunkVectors > len(chunks) {
		return nil, false, fmt.Errorf("%w: [%d, %d)", rawvec.ErrRange, start, end)
	}

	first, last := start/s.chunkVectors, (end-1)/s.chunkVectors
	if first == last {
		data := *chunks[first].data.Load()
		lo, hi := (start%s.chunkVectors)*s.epv, ((end-1)%s.chunkVectors+1)*s.epv
		return data[lo:hi:hi], true, nil
	}

	out := make([]T, (end-start)*s.epv)
	for v := start; v < end; {
		ci, off := v/s.chunkVectors, v%s.chunkVectors
		n := min(end-v, s.chunkVectors-off)
		src := *chunks[ci].data.Load()
		copy(out[(v-start)*s.epv:], src[off*s.epv:(off+n)*s.epv])
		v += n
	}
	return out, false, nil
}

// GetStoreMemUsage implements rawvec.Store.
func (s *Store[T]) GetStoreMemUsage() int64 { return s.mem.Load() }

// Reset implements rawvec.Store.
func (s *Store[T]) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rc.ReleaseMemory(s.mem.Swap(0))
	empty := make([]*slot[T], 0)
	s.chunks.Store(&empty)
	return nil
}

// Close implements rawvec.Store.
func (s *Store[T]) Close() error { return s.Reset() }
