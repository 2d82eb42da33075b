// Package vidset provides a concurrent compressed set of vector ids backed
// by a Roaring bitmap.
//
// It records tombstoned vids (store writes that failed after allocation)
// and the dirty vids an asynchronous flusher still has to rewrite.
package vidset

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
)

// Set is a set of non-negative vids. It is safe for concurrent use.
type Set struct {
	mu sync.RWMutex
	rb *roaring.Bitmap
	n  atomic.Int64 // cardinality, readable without the lock
}

// New creates an empty set.
func New() *Set {
	return &Set{rb: roaring.New()}
}

// Add adds vid to the set.
func (s *Set) Add(vid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rb.CheckedAdd(uint32(vid)) {
		s.n.Add(1)
	}
}

// AddRange adds every vid in [start, end).
func (s *Set) AddRange(start, end int) {
	if end <= start {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rb.AddRange(uint64(start), uint64(end))
	s.n.Store(int64(s.rb.GetCardinality()))
}

// Remove removes vid from the set.
func (s *Set) Remove(vid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rb.CheckedRemove(uint32(vid)) {
		s.n.Add(-1)
	}
}

// Contains reports whether vid is in the set.
// An empty set answers without taking the lock.
func (s *Set) Contains(vid int) bool {
	if vid < 0 || s.n.Load() == 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rb.Contains(uint32(vid))
}

// Len returns the number of vids in the set.
func (s *Set) Len() int {
	return int(s.n.Load())
}

// Clear removes every vid.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rb.Clear()
	s.n.Store(0)
}

// TruncateFrom removes every vid >= from.
func (s *Set) TruncateFrom(from int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rb.RemoveRange(uint64(from), uint64(1)<<32)
	s.n.Store(int64(s.rb.GetCardinality()))
}

// InRange returns the sorted vids in [start, end).
func (s *Set) InRange(start, end int) []int {
	if end <= start || s.n.Load() == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int
	it := s.rb.Iterator()
	it.AdvanceIfNeeded(uint32(start))
	for it.HasNext() {
		v := int(it.Next())
		if v >= end {
			break
		}
		out = append(out, v)
	}
	return out
}

// All iterates over a snapshot of the set in ascending order.
func (s *Set) All() iter.Seq[int] {
	s.mu.RLock()
	snapshot := s.rb.Clone()
	s.mu.RUnlock()

	return func(yield func(int) bool) {
		it := snapshot.Iterator()
		for it.HasNext() {
			if !yield(int(it.Next())) {
				return
			}
		}
	}
}

// MarshalBinary encodes the set in the portable Roaring format.
func (s *Set) MarshalBinary() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rb.ToBytes()
}

// UnmarshalBinary replaces the set with the encoded Roaring bitmap.
func (s *Set) UnmarshalBinary(data []byte) error {
	rb := roaring.New()
	if len(data) > 0 {
		if err := rb.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("vidset: decode: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rb = rb
	s.n.Store(int64(rb.GetCardinality()))
	return nil
}

// MemBytes returns the in-memory size of the bitmap.
func (s *Set) MemBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(s.rb.GetSizeInBytes())
}
