// Package diskstore implements a disk-resident RawVector backend. New and
// updated records stay in a pending table until the RawVector's flusher has
// written them to the vector file in the root path. Persisted records are
// served through an LRU cache in front of positional reads.
package diskstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/internal/cache"
	"github.com/hupe1980/rawvec/internal/fs"
	"github.com/hupe1980/rawvec/internal/mem"
	"github.com/hupe1980/rawvec/resource"
)

// Type is the store type name used in field definitions.
const Type = "Disk"

// DefaultCacheSize is the cache budget when cache_size is unset.
const DefaultCacheSize = 64 << 20

type pending[T rawvec.Element] struct {
	data    []T
	version uint64
}

// Store is a flush-capable backend. All reads return owned copies.
type Store[T rawvec.Element] struct {
	epv  int
	vbs  int
	path string
	rc   *resource.Controller

	mu        sync.RWMutex
	pending   map[int]pending[T]
	version   uint64
	file      fs.File
	persisted int
	cache     *cache.LRU[int]

	pendingBytes atomic.Int64
}

var _ rawvec.Flushable[float32] = (*Store[float32])(nil)

// New creates a disk-resident store.
func New[T rawvec.Element]() *Store[T] {
	return &Store[T]{pending: make(map[int]pending[T])}
}

// InitStore implements rawvec.Store. It opens the root vector file.
func (s *Store[T]) InitStore(cfg rawvec.StoreConfig) error {
	if err := cfg.Params.CheckKnown(); err != nil {
		return err
	}
	capacity := int64(DefaultCacheSize)
	if cfg.Params.HasCacheSize() {
		capacity = cfg.Params.CacheSize
	}

	fsys := fs.OrDefault(cfg.FS)
	if err := fsys.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return fmt.Errorf("create root path: %w", err)
	}
	s.path = rawvec.VectorFile(cfg.RootPath, cfg.Name)
	f, err := fsys.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open vector file: %w", err)
	}

	s.file = f
	s.epv = cfg.ElemsPerVector
	s.vbs = cfg.VectorByteSize
	s.rc = cfg.Resource
	s.cache = cache.NewLRU[int](capacity, cfg.Resource)
	return nil
}

// CacheCapacity returns the cache budget in bytes.
func (s *Store[T]) CacheCapacity() int64 { return s.cache.Capacity() }

// CacheStats returns cache hits and misses.
func (s *Store[T]) CacheStats() (hits, misses int64) { return s.cache.Stats() }

// PendingCount returns the number of records not yet persisted.
func (s *Store[T]) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// put stages k records starting at vid. Memory for records without a
// pending copy is reserved first so a failure stages nothing.
func (s *Store[T]) put(vid int, data []T) error {
	if len(data) == 0 || len(data)%s.epv != 0 {
		return &rawvec.ErrDimensionMismatch{Expected: s.epv, Actual: len(data)}
	}
	if vid < 0 {
		return fmt.Errorf("%w: %d", rawvec.ErrInvalidID, vid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return rawvec.ErrClosed
	}

	k := len(data) / s.epv
	fresh := 0
	for i := range k {
		if _, ok := s.pending[vid+i]; !ok {
			fresh++
		}
	}
	bytes := int64(fresh * s.vbs)
	if err := s.rc.Reserve(bytes); err != nil {
		return fmt.Errorf("stage %d records: %w", k, err)
	}
	s.pendingBytes.Add(bytes)

	for i := range k {
		rec := make([]T, s.epv)
		copy(rec, data[i*s.epv:(i+1)*s.epv])
		s.version++
		s.pending[vid+i] = pending[T]{data: rec, version: s.version}
		s.cache.Invalidate(vid + i)
	}
	return nil
}

// AddToStore implements rawvec.Store.
func (s *Store[T]) AddToStore(vid int, data []T) error { return s.put(vid, data) }

// UpdateToStore implements rawvec.Store.
func (s *Store[T]) UpdateToStore(vid int, data []T) error { return s.put(vid, data) }

// LoadVectors implements rawvec.Store. Loaded records are staged and the
// flusher writes them to the root vector file.
func (s *Store[T]) LoadVectors(start int, data []T) error { return s.put(start, data) }

// GetVector implements rawvec.Store. It reads the pending copy, then the
// cache, then the vector file.
func (s *Store[T]) GetVector(vid int, buf []T) ([]T, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, false, rawvec.ErrClosed
	}

	buf = buf[:s.epv]
	if p, ok := s.pending[vid]; ok {
		copy(buf, p.data)
		return buf, false, nil
	}
	if b, ok := s.cache.Get(vid); ok {
		mem.CopyFromBytes(buf, b)
		return buf, false, nil
	}

	raw := mem.AsBytes(buf)
	if _, err := s.file.ReadAt(raw, int64(vid)*int64(s.vbs)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, false, fmt.Errorf("%w: vid %d not in vector file", rawvec.ErrNotFound, vid)
		}
		return nil, false, fmt.Errorf("read vid %d: %w", vid, err)
	}
	cached := make([]byte, len(raw))
	copy(cached, raw)
	s.cache.Set(vid, cached)
	return buf, false, nil
}

// GetVectorHeader implements rawvec.Store. Records are not contiguous in
// memory, so it always fails with rawvec.ErrUnsupported.
func (s *Store[T]) GetVectorHeader(int, int) ([]T, bool, error) {
	return nil, false, rawvec.ErrUnsupported
}

// PendingVector implements rawvec.Flushable.
func (s *Store[T]) PendingVector(vid int, buf []T) ([]T, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[vid]
	if !ok {
		return nil, 0, false
	}
	buf = buf[:s.epv]
	copy(buf, p.data)
	return buf, p.version, true
}

// Persisted implements rawvec.Flushable.
func (s *Store[T]) Persisted(vid int, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[vid]
	if !ok || p.version != version {
		return
	}
	delete(s.pending, vid)
	s.pendingBytes.Add(-int64(s.vbs))
	s.rc.ReleaseMemory(int64(s.vbs))
	if vid >= s.persisted {
		s.persisted = vid + 1
	}
}

// LoadPersisted implements rawvec.Flushable.
func (s *Store[T]) LoadPersisted(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return rawvec.ErrClosed
	}
	fi, err := s.file.Stat()
	if err != nil {
		return err
	}
	if want := int64(n) * int64(s.vbs); fi.Size() < want {
		return fmt.Errorf("%w: vector file holds %d bytes, need %d", rawvec.ErrCorrupted, fi.Size(), want)
	}
	s.persisted = n
	s.cache.InvalidateFunc(func(vid int) bool { return vid >= n })
	return nil
}

// PersistedCount returns the number of records known to be in the vector file.
func (s *Store[T]) PersistedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persisted
}

// GetStoreMemUsage implements rawvec.Store.
func (s *Store[T]) GetStoreMemUsage() int64 {
	return s.pendingBytes.Load() + s.cache.Size()
}

// Reset implements rawvec.Store. The vector file is kept; records past
// LoadPersisted are ignored.
func (s *Store[T]) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return rawvec.ErrClosed
	}
	s.cache.Reset()
	s.rc.ReleaseMemory(s.pendingBytes.Swap(0))
	s.pending = make(map[int]pending[T])
	s.persisted = 0
	return nil
}

// Close implements rawvec.Store.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.cache.Reset()
	s.rc.ReleaseMemory(s.pendingBytes.Swap(0))
	s.pending = make(map[int]pending[T])
	return err
}
