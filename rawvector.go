package rawvec

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/rawvec/internal/mem"
	"github.com/hupe1980/rawvec/internal/queue"
	"github.com/hupe1980/rawvec/internal/vidset"
)

const (
	stateNew int32 = iota
	stateReady
	stateClosed
)

// Field is the payload of one document for a vector field.
type Field struct {
	// Value holds k records of VectorByteSize bytes. k is 1 unless the
	// store was initialized for multi-valued documents.
	Value []byte
	// Source is optional opaque data attached to every vid of the add.
	Source []byte
}

// RawVector is the typed store of one vector field. It owns the vid space,
// the docid mapping, optional sources and memory accounting, and delegates
// record storage to a Store backend.
//
// Writers are serialized. Readers never block on writers and only see vids
// below VectorNum.
type RawVector[T Element] struct {
	name          string
	dim           int
	maxVectorSize int
	root          string
	kind          ElementKind
	vbs           int
	epv           int

	store     Store[T]
	flushable Flushable[T]
	opts      options
	logger    *Logger

	state atomic.Int32
	mu    sync.Mutex

	hasSource  bool
	multi      bool
	vids       *VIDMgr
	sources    *sourceTable
	tombstones *vidset.Set
	updated    *vidset.Set
	ntotal     atomic.Int64
	pool       *bufferPool[T]
	memBytes   atomic.Int64

	queue       *queue.MPSC[int]
	dirty       *vidset.Set
	flusher     *AsyncFlusher
	rootIO      *RawVectorIO[T]
	rootAdopted bool

	dumpMu  sync.Mutex
	dumping map[string]struct{}
}

// New creates a RawVector named name over store. The store is initialized
// by Init.
func New[T Element](name string, dimension, maxVectorSize int, rootPath string, store Store[T], opts ...Option) (*RawVector[T], error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidParams)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidParams)
	}
	if maxVectorSize <= 0 {
		return nil, fmt.Errorf("%w: max vector size %d", ErrInvalidParams, maxVectorSize)
	}
	kind := KindOf[T]()
	vbs, err := kind.VectorByteSize(dimension)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &RawVector[T]{
		name:          name,
		dim:           dimension,
		maxVectorSize: maxVectorSize,
		root:          rootPath,
		kind:          kind,
		vbs:           vbs,
		epv:           kind.ElemsPerVector(dimension),
		store:         store,
		opts:          o,
		logger:        o.logger.WithStore(name),
		dumping:       make(map[string]struct{}),
	}
	if fl, ok := store.(Flushable[T]); ok {
		r.flushable = fl
	}
	return r, nil
}

// Init allocates the vid mapping and the source table and initializes the
// backend. Flush-capable backends get a running flusher.
func (r *RawVector[T]) Init(hasSource, multiVids bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state.Load() {
	case stateReady:
		return ErrAlreadyInitialized
	case stateClosed:
		return ErrClosed
	}

	if err := r.opts.fs.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("create root path %s: %w", r.root, err)
	}

	r.hasSource = hasSource
	r.multi = multiVids
	r.vids = NewVIDMgr(multiVids)
	r.tombstones = vidset.New()
	r.updated = vidset.New()
	r.pool = newBufferPool[T](r.epv)
	if hasSource {
		r.sources = newSourceTable(r.opts.rc)
	}

	err := r.store.InitStore(StoreConfig{
		Name:           r.name,
		Kind:           r.kind,
		Dimension:      r.dim,
		ElemsPerVector: r.epv,
		VectorByteSize: r.vbs,
		MaxVectorSize:  r.maxVectorSize,
		RootPath:       r.root,
		Params:         r.opts.params,
		FS:             r.opts.fs,
		Resource:       r.opts.rc,
		Logger:         r.logger,
	})
	if err != nil {
		return fmt.Errorf("init store %s: %w", r.name, err)
	}

	if r.flushable != nil {
		r.queue = queue.NewMPSC[int]()
		r.dirty = vidset.New()
		r.flusher = NewAsyncFlusher(r.name, r.flushOnce,
			WithFlusherInterval(r.opts.flushInterval),
			WithFlusherLogger(r.logger),
			WithFlusherMetrics(r.opts.metrics),
			WithFlusherEscalation(r.opts.escalateAfter),
		)
	}
	r.state.Store(stateReady)
	r.StartFlushingIfNeeded()
	return nil
}

func (r *RawVector[T]) ready() error {
	switch r.state.Load() {
	case stateNew:
		return ErrNotInitialized
	case stateClosed:
		return ErrClosed
	}
	return nil
}

// recordCount validates a payload and returns how many records it holds.
func (r *RawVector[T]) recordCount(value []byte) (int, error) {
	if len(value) == 0 || len(value)%r.vbs != 0 {
		return 0, &ErrDimensionMismatch{Expected: r.vbs, Actual: len(value)}
	}
	k := len(value) / r.vbs
	if k > 1 && !r.multi {
		return 0, &ErrDimensionMismatch{Expected: r.vbs, Actual: len(value)}
	}
	return k, nil
}

// Add assigns the next vids to docid and stores the field.
func (r *RawVector[T]) Add(docid int, f Field) error {
	start := time.Now()
	k, err := r.add(docid, f)
	r.opts.metrics.RecordAdd(k, time.Since(start), err)
	r.logger.LogAdd(context.Background(), docid, k, err)
	return err
}

func (r *RawVector[T]) add(docid int, f Field) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ready(); err != nil {
		return 0, err
	}
	k, err := r.recordCount(f.Value)
	if err != nil {
		return 0, err
	}
	if n := int(r.ntotal.Load()); n+k > r.maxVectorSize {
		return 0, fmt.Errorf("%w: %d + %d > %d", ErrCapacityExceeded, n, k, r.maxVectorSize)
	}

	vids, err := r.vids.Allocate(docid, k)
	if err != nil {
		return 0, err
	}

	var mark sourceMark
	if r.sources != nil {
		mark = r.sources.mark()
		if err := r.sources.append(vids, f.Source); err != nil {
			return 0, errors.Join(fmt.Errorf("add docid %d: %w", docid, err), r.vids.Rollback(docid, vids))
		}
	}

	if err := r.store.AddToStore(vids[0], decode[T](f.Value)); err != nil {
		if r.sources != nil {
			r.sources.rollback(mark)
		}
		if r.opts.policy == TombstoneOnFailure {
			var srcErr error
			if r.sources != nil {
				srcErr = r.sources.append(vids, nil)
			}
			r.tombstones.AddRange(vids[0], vids[0]+k)
			r.vids.Commit()
			r.publish(vids)
			r.logger.LogTombstone(context.Background(), docid, vids[0], k, err)
			return 0, errors.Join(
				fmt.Errorf("add docid %d: vids [%d, %d) tombstoned: %w", docid, vids[0], vids[0]+k, err),
				srcErr,
			)
		}
		return 0, errors.Join(fmt.Errorf("add docid %d: %w", docid, err), r.vids.Rollback(docid, vids))
	}

	r.vids.Commit()
	r.publish(vids)
	return k, nil
}

// publish makes vids visible to readers and queues them for the flusher.
func (r *RawVector[T]) publish(vids []int) {
	r.ntotal.Store(int64(vids[len(vids)-1] + 1))
	r.enqueue(vids)
}

func (r *RawVector[T]) enqueue(vids []int) {
	if r.queue == nil {
		return
	}
	for _, vid := range vids {
		r.queue.Push(vid)
	}
}

// Update replaces the content of docid's vids in place.
func (r *RawVector[T]) Update(docid int, f Field) error {
	start := time.Now()
	err := r.update(docid, f)
	r.opts.metrics.RecordUpdate(time.Since(start), err)
	return err
}

func (r *RawVector[T]) update(docid int, f Field) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ready(); err != nil {
		return err
	}
	vids, err := r.vids.ResolveVids(docid)
	if err != nil {
		return err
	}
	if want := len(vids) * r.vbs; len(f.Value) != want {
		return &ErrDimensionMismatch{Expected: want, Actual: len(f.Value)}
	}
	for _, vid := range vids {
		if r.tombstones.Contains(vid) {
			return fmt.Errorf("%w: docid %d vid %d tombstoned", ErrNotFound, docid, vid)
		}
	}
	if err := r.store.UpdateToStore(vids[0], decode[T](f.Value)); err != nil {
		return fmt.Errorf("update docid %d: %w", docid, err)
	}
	r.updated.AddRange(vids[0], vids[0]+len(vids))
	r.enqueue(vids)
	return nil
}

// GetVector returns a handle on the record of vid.
func (r *RawVector[T]) GetVector(vid int) (*ScopedVector[T], error) {
	start := time.Now()
	h, err := r.getVector(vid)
	missing := 0
	if err != nil {
		missing = 1
	}
	r.opts.metrics.RecordGet(1, missing, time.Since(start))
	return h, err
}

func (r *RawVector[T]) getVector(vid int) (*ScopedVector[T], error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if n := r.ntotal.Load(); vid < 0 || int64(vid) >= n {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidID, vid, n)
	}
	if r.tombstones.Contains(vid) {
		return nil, fmt.Errorf("%w: vid %d tombstoned", ErrNotFound, vid)
	}

	buf := r.pool.get()
	data, borrowed, err := r.store.GetVector(vid, buf)
	if err != nil {
		r.pool.put(buf)
		return nil, fmt.Errorf("get vid %d: %w", vid, err)
	}
	if borrowed {
		r.pool.put(buf)
		return borrowedVector(data), nil
	}
	if len(data) > 0 && &data[0] == &buf[0] {
		return ownedVector(data, r.pool), nil
	}
	r.pool.put(buf)
	return ownedVector(data, nil), nil
}

// Gets resolves every id. Ids that are out of range or tombstoned are
// reported by a *MissingIDsError next to the usable batch. Any other
// failure releases the batch and is returned alone.
func (r *RawVector[T]) Gets(ids []int) (*ScopedVectors[T], error) {
	start := time.Now()
	out := &ScopedVectors[T]{items: make([]*ScopedVector[T], len(ids))}
	for i, id := range ids {
		h, err := r.getVector(id)
		switch {
		case err == nil:
			out.items[i] = h
		case errors.Is(err, ErrInvalidID), errors.Is(err, ErrNotFound):
			out.missing = append(out.missing, id)
		default:
			out.Release()
			r.opts.metrics.RecordGet(len(ids), len(ids), time.Since(start))
			return nil, err
		}
	}
	r.opts.metrics.RecordGet(len(ids), len(out.missing), time.Since(start))
	if len(out.missing) > 0 {
		return out, &MissingIDsError{IDs: out.missing}
	}
	return out, nil
}

// GetVectorHeader returns the records [start, end) as one contiguous slice.
func (r *RawVector[T]) GetVectorHeader(start, end int) (*ScopedVector[T], error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if n := r.ntotal.Load(); start < 0 || end <= start || int64(end) > n {
		return nil, fmt.Errorf("%w: [%d, %d) with %d vectors", ErrRange, start, end, n)
	}
	data, borrowed, err := r.store.GetVectorHeader(start, end)
	if err != nil {
		return nil, fmt.Errorf("vector header [%d, %d): %w", start, end, err)
	}
	if borrowed {
		return borrowedVector(data), nil
	}
	return ownedVector(data, nil), nil
}

// GetSource returns a copy of the source stored with vid.
func (r *RawVector[T]) GetSource(vid int) ([]byte, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if !r.hasSource {
		return nil, ErrSourceDisabled
	}
	if n := r.ntotal.Load(); vid < 0 || int64(vid) >= n {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidID, vid, n)
	}
	if r.tombstones.Contains(vid) {
		return nil, fmt.Errorf("%w: vid %d tombstoned", ErrNotFound, vid)
	}
	return r.sources.get(vid), nil
}

// VectorNum returns the number of visible vids.
func (r *RawVector[T]) VectorNum() int { return int(r.ntotal.Load()) }

// MaxVectorSize returns the vid capacity.
func (r *RawVector[T]) MaxVectorSize() int { return r.maxVectorSize }

// Dimension returns the configured dimension.
func (r *RawVector[T]) Dimension() int { return r.dim }

// Name returns the store name.
func (r *RawVector[T]) Name() string { return r.name }

// Kind returns the element kind.
func (r *RawVector[T]) Kind() ElementKind { return r.kind }

// VectorByteSize returns the size of one record in bytes.
func (r *RawVector[T]) VectorByteSize() int { return r.vbs }

// RootPath returns the directory owned by the store.
func (r *RawVector[T]) RootPath() string { return r.root }

// HasSource reports whether sources are stored.
func (r *RawVector[T]) HasSource() bool { return r.hasSource }

// MultiVids reports whether a docid may own several vids.
func (r *RawVector[T]) MultiVids() bool { return r.multi }

// VIDMgr returns the docid mapping, or nil before Init.
func (r *RawVector[T]) VIDMgr() *VIDMgr { return r.vids }

// Flusher returns the background flusher, or nil for resident backends.
func (r *RawVector[T]) Flusher() *AsyncFlusher { return r.flusher }

// TombstoneCount returns the number of vids whose store write failed.
func (r *RawVector[T]) TombstoneCount() int {
	if r.tombstones == nil {
		return 0
	}
	return r.tombstones.Len()
}

// TotalMemBytes refreshes and returns the memory held by the backend and
// the store's side tables.
func (r *RawVector[T]) TotalMemBytes() int64 {
	if r.state.Load() == stateNew {
		return 0
	}
	total := r.store.GetStoreMemUsage() + r.vids.MemBytes() + r.tombstones.MemBytes() + r.updated.MemBytes()
	if r.sources != nil {
		total += r.sources.memBytes()
	}
	if r.dirty != nil {
		total += r.dirty.MemBytes()
	}
	r.memBytes.Store(total)
	return total
}

// StartFlushingIfNeeded starts the flusher of a flush-capable backend and
// reports whether there is one.
func (r *RawVector[T]) StartFlushingIfNeeded() bool {
	if r.flusher == nil {
		return false
	}
	r.flusher.Start()
	return true
}

// StopFlushingIfNeeded stops the flusher of a flush-capable backend and
// reports whether there is one.
func (r *RawVector[T]) StopFlushingIfNeeded() bool {
	if r.flusher == nil {
		return false
	}
	r.flusher.Stop()
	return true
}

// Close drains and stops the flusher, then closes the backend. It is
// idempotent.
func (r *RawVector[T]) Close() error {
	r.mu.Lock()
	prev := r.state.Swap(stateClosed)
	r.mu.Unlock()
	if prev != stateReady {
		return nil
	}

	var errs []error
	if r.flusher != nil {
		r.flusher.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.drainTimeout)
		if _, err := r.flusher.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}
		cancel()
		if r.rootIO != nil {
			if err := r.rootIO.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if r.sources != nil {
		r.sources.close()
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

func (r *RawVector[T]) shape() *SegmentMeta {
	return &SegmentMeta{
		FormatVersion:  MetaFormatVersion,
		Name:           r.name,
		Element:        r.kind,
		Dimension:      r.dim,
		VectorByteSize: r.vbs,
		HasSource:      r.hasSource,
		MultiVids:      r.multi,
	}
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

func asBytes[T Element](data []T) []byte { return mem.AsBytes(data) }
