// Package container implements the append-only tables behind the vid
// mapping and the source position index.
package container

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	segmentBits = 12
	segmentSize = 1 << segmentBits
	segmentMask = segmentSize - 1
)

// SegmentedArray is an index-addressed table that grows in fixed segments.
// Segments are never moved once allocated, so Get is lock-free and a slot
// written before an atomic publish is visible to readers after it.
type SegmentedArray[T any] struct {
	segments atomic.Pointer[[]*segment[T]]
	mu       sync.Mutex // serializes growth
}

type segment[T any] struct {
	items [segmentSize]T
}

// NewSegmentedArray creates an empty SegmentedArray.
func NewSegmentedArray[T any]() *SegmentedArray[T] {
	sa := &SegmentedArray[T]{}
	segments := make([]*segment[T], 0)
	sa.segments.Store(&segments)
	return sa
}

// Get returns the item at index. ok is false if the segment holding index
// was never allocated.
func (sa *SegmentedArray[T]) Get(index int) (T, bool) {
	var zero T
	if index < 0 {
		return zero, false
	}
	segments := *sa.segments.Load()
	segIdx := index >> segmentBits
	if segIdx >= len(segments) || segments[segIdx] == nil {
		return zero, false
	}
	return segments[segIdx].items[index&segmentMask], true
}

// Set stores value at index, allocating segments as needed.
// Callers serialize writes to the same index.
func (sa *SegmentedArray[T]) Set(index int, value T) {
	sa.ensure(index)
	segments := *sa.segments.Load()
	segments[index>>segmentBits].items[index&segmentMask] = value
}

// Grow ensures segments exist for every index below n. It reports how many
// bytes of new segments were allocated.
func (sa *SegmentedArray[T]) Grow(n int) int64 {
	if n <= 0 {
		return 0
	}
	before := sa.MemBytes()
	sa.ensure(n - 1)
	return sa.MemBytes() - before
}

func (sa *SegmentedArray[T]) ensure(index int) {
	segIdx := index >> segmentBits

	segments := *sa.segments.Load()
	if segIdx < len(segments) && segments[segIdx] != nil {
		return
	}

	sa.mu.Lock()
	defer sa.mu.Unlock()

	current := *sa.segments.Load()
	if segIdx < len(current) && current[segIdx] != nil {
		return
	}

	grown := make([]*segment[T], max(segIdx+1, len(current)))
	copy(grown, current)
	for i := range grown {
		if grown[i] == nil && i <= segIdx {
			grown[i] = &segment[T]{}
		}
	}
	sa.segments.Store(&grown)
}

// Segments returns the number of allocated segments.
func (sa *SegmentedArray[T]) Segments() int {
	return len(*sa.segments.Load())
}

// MemBytes returns the bytes held by allocated segments.
func (sa *SegmentedArray[T]) MemBytes() int64 {
	var zero T
	return int64(sa.Segments()) * segmentSize * int64(unsafe.Sizeof(zero))
}

// SegmentLen is the number of items per segment.
const SegmentLen = segmentSize
