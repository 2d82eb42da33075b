package rawvec

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Dump persists every vid whose docid lies in [dumpDocID, maxDocID] to
// path. Updated vids below the range are written to the segment's update
// overlay. Dumping a flush-capable store to its own root path drains the
// flusher instead of writing a second copy.
func (r *RawVector[T]) Dump(ctx context.Context, path string, dumpDocID, maxDocID int) error {
	start := time.Now()
	first, n, err := r.dump(ctx, path, dumpDocID, maxDocID)
	dur := time.Since(start)
	r.opts.metrics.RecordDump(n, dur, err)
	r.logger.LogDump(ctx, path, first, n, dur, err)
	return err
}

func (r *RawVector[T]) dump(ctx context.Context, path string, dumpDocID, maxDocID int) (int, int, error) {
	if err := r.ready(); err != nil {
		return 0, 0, err
	}
	start, end := r.vids.VidRange(dumpDocID, maxDocID)
	end = min(end, r.VectorNum())
	start = min(start, end)

	if r.flushable != nil && samePath(path, r.root) {
		// One pass always runs: updates of flushed vids only show in the queue.
		for {
			if err := ctx.Err(); err != nil {
				return start, 0, err
			}
			if _, err := r.flusher.Flush(ctx); err != nil {
				return start, 0, err
			}
			if r.flusher.NFlushed() >= int64(end) {
				return start, end - start, nil
			}
		}
	}

	if !r.beginDump(path) {
		return start, 0, fmt.Errorf("%w: %s", ErrConcurrentDump, path)
	}
	defer r.endDump(path)

	w := newRawVectorIO(r, path)
	if err := w.open(false, start); err != nil {
		return start, 0, err
	}
	defer w.Close()

	if err := w.Dump(ctx, start, end-start, r.fetchRecord, r.updated.InRange(0, end)); err != nil {
		return start, 0, err
	}
	return start, end - start, nil
}

func (r *RawVector[T]) beginDump(path string) bool {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	r.dumpMu.Lock()
	defer r.dumpMu.Unlock()
	if _, busy := r.dumping[key]; busy {
		return false
	}
	r.dumping[key] = struct{}{}
	return true
}

func (r *RawVector[T]) endDump(path string) {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	r.dumpMu.Lock()
	delete(r.dumping, key)
	r.dumpMu.Unlock()
}

// fetchRecord reads a visible record for a dump. Tombstoned vids dump as
// zero records.
func (r *RawVector[T]) fetchRecord(vid int, dst []byte) error {
	if r.tombstones.Contains(vid) {
		clear(dst)
		return nil
	}
	h, err := r.getVector(vid)
	if err != nil {
		return err
	}
	defer h.Release()
	copy(dst, asBytes(h.Data()))
	return nil
}

// Load reloads exactly docNum documents from the dump directories in
// paths, in order. The update overlays of every path are replayed onto the
// loaded vids, including paths past the last requested document. The store
// must be empty. A failed Load leaves it empty.
func (r *RawVector[T]) Load(ctx context.Context, paths []string, docNum int) error {
	start := time.Now()
	docs, n, err := r.load(ctx, paths, docNum)
	r.opts.metrics.RecordLoad(n, time.Since(start), err)
	r.logger.LogLoad(ctx, paths, docs, n, err)
	return err
}

func (r *RawVector[T]) load(ctx context.Context, paths []string, docNum int) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ready(); err != nil {
		return 0, 0, err
	}
	if r.ntotal.Load() != 0 || r.vids.VectorCount() != 0 {
		return 0, 0, ErrNotEmpty
	}
	if docNum < 0 {
		return 0, 0, fmt.Errorf("%w: doc num %d", ErrInvalidParams, docNum)
	}

	if r.flusher != nil {
		running := r.flusher.Running()
		r.flusher.Stop()
		r.flusher.flushMu.Lock()
		defer func() {
			r.flusher.flushMu.Unlock()
			if running {
				r.flusher.Start()
			}
		}()
	}

	if avail, err := r.availableDocs(paths); err != nil {
		return 0, 0, err
	} else if docNum > avail {
		return 0, 0, corrupted("%s: at most %d documents available, %d requested", r.name, avail, docNum)
	}

	docs := 0
	adopted, fromRoot := 0, false
	for i, p := range paths {
		w := newRawVectorIO(r, p)
		if docs == docNum {
			if err := w.LoadUpdates(); err != nil {
				return 0, 0, errors.Join(err, r.resetLoad())
			}
			continue
		}
		root := r.flushable != nil && i == 0 && samePath(p, r.root)
		res, err := w.Load(ctx, docNum-docs, !root)
		if err != nil {
			return 0, 0, errors.Join(err, r.resetLoad())
		}
		if root {
			adopted, fromRoot = res.vectors, true
		}
		docs += res.docs
	}
	if docs < docNum {
		return 0, 0, errors.Join(
			corrupted("%s: %d documents available, %d requested", r.name, docs, docNum),
			r.resetLoad(),
		)
	}

	n := r.vids.VectorCount()
	if fromRoot {
		if err := r.adoptRoot(adopted); err != nil {
			return 0, 0, errors.Join(err, r.resetLoad())
		}
	}
	r.ntotal.Store(int64(n))
	return docs, n, nil
}

// adoptRoot makes the first n records of the root segment the durable
// prefix of a flush-capable store.
func (r *RawVector[T]) adoptRoot(n int) error {
	if err := r.flushable.LoadPersisted(n); err != nil {
		return fmt.Errorf("adopt root vectors: %w", err)
	}
	w := newRawVectorIO(r, r.root)
	if err := w.open(false, 0); err != nil {
		return err
	}
	if err := w.truncate(n); err != nil {
		_ = w.Close()
		return err
	}
	r.rootIO = w
	r.rootAdopted = true
	r.flusher.setNFlushed(int64(n))
	return nil
}

// availableDocs bounds the documents the manifests in paths can supply, so
// an oversized request fails before anything reaches the backend.
func (r *RawVector[T]) availableDocs(paths []string) (int, error) {
	total := 0
	for _, p := range paths {
		meta, err := newRawVectorIO(r, p).readMeta()
		if err != nil {
			return 0, err
		}
		if meta.Count == 0 {
			continue
		}
		total += min(meta.Count, int(meta.MaxDocID-meta.MinDocID)+1)
	}
	return total, nil
}

// resetLoad drops whatever a failed Load restored, backend records included.
func (r *RawVector[T]) resetLoad() error {
	r.vids.reset()
	r.tombstones.Clear()
	r.updated.Clear()
	if r.sources != nil {
		r.sources.rollback(sourceMark{})
	}
	if r.queue != nil {
		r.queue.Drain(0, func(int) {})
		r.dirty.Clear()
	}
	if err := r.store.Reset(); err != nil {
		return fmt.Errorf("reset store %s: %w", r.name, err)
	}
	return nil
}

// flushOnce persists new vids and rewrites updated ones in the root
// segment. It runs under the flusher's lock and never takes the writer
// lock.
func (r *RawVector[T]) flushOnce(ctx context.Context) (int, error) {
	fl := r.flushable
	r.queue.Drain(0, func(vid int) { r.dirty.Add(vid) })

	done := int(r.flusher.NFlushed())
	total := r.VectorNum()
	if total == done && r.dirty.Len() == 0 {
		return 0, nil
	}

	if r.rootIO == nil {
		w := newRawVectorIO(r, r.root)
		if err := w.open(done == 0 && !r.rootAdopted, 0); err != nil {
			return 0, err
		}
		r.rootIO = w
	}
	w := r.rootIO

	type mark struct {
		vid     int
		version uint64
	}
	var marks []mark
	buf := make([]T, r.epv)

	rewritten := r.dirty.InRange(0, done)
	for _, vid := range rewritten {
		data, ver, ok := fl.PendingVector(vid, buf)
		if !ok {
			continue
		}
		if err := w.RewriteVector(ctx, vid, asBytes(data)); err != nil {
			return 0, err
		}
		marks = append(marks, mark{vid, ver})
	}

	if total > done {
		fetch := func(vid int, dst []byte) error {
			if r.tombstones.Contains(vid) {
				clear(dst)
				return nil
			}
			data, ver, ok := fl.PendingVector(vid, buf)
			if !ok {
				return fmt.Errorf("%w: vid %d has no pending record", ErrNotFound, vid)
			}
			copy(dst, asBytes(data))
			marks = append(marks, mark{vid, ver})
			return nil
		}
		if err := w.Dump(ctx, done, total-done, fetch, nil); err != nil {
			return 0, err
		}
	} else if err := w.Sync(); err != nil {
		return 0, err
	}

	for _, m := range marks {
		fl.Persisted(m.vid, m.version)
	}
	for _, vid := range rewritten {
		r.dirty.Remove(vid)
	}
	r.dirty.TruncateFrom(done)
	return total - done, nil
}
