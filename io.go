package rawvec

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/hupe1980/rawvec/internal/fs"
	"github.com/hupe1980/rawvec/internal/vidset"
	"github.com/hupe1980/rawvec/resource"
)

// recordFunc copies the record bytes of vid into dst.
type recordFunc func(vid int, dst []byte) error

// RawVectorIO writes and reads the dump files of one RawVector in one
// directory. Records are written positionally, so a range that was already
// dumped is never rewritten by Dump.
type RawVectorIO[T Element] struct {
	rv   *RawVector[T]
	dir  string
	fsys fs.FileSystem
	busy atomic.Bool

	vec    fs.File
	docid  fs.File
	src    fs.File
	srcpos fs.File
	meta   *SegmentMeta
}

func newRawVectorIO[T Element](rv *RawVector[T], dir string) *RawVectorIO[T] {
	return &RawVectorIO[T]{rv: rv, dir: dir, fsys: rv.opts.fs}
}

// Dir returns the dump directory.
func (w *RawVectorIO[T]) Dir() string { return w.dir }

// Meta returns a copy of the current manifest, or nil before open.
func (w *RawVectorIO[T]) Meta() *SegmentMeta {
	if w.meta == nil {
		return nil
	}
	m := *w.meta
	return &m
}

// open prepares the segment files. A fresh segment truncates whatever the
// directory held and starts at startVID. Otherwise an existing manifest is
// continued, and a missing one starts a fresh segment.
func (w *RawVectorIO[T]) open(fresh bool, startVID int) error {
	if w.meta != nil {
		return nil
	}
	if err := w.fsys.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create dump dir: %w", err)
	}

	meta := w.rv.shape()
	if !fresh {
		existing, err := ReadSegmentMeta(w.fsys, w.dir, w.rv.name)
		switch {
		case err == nil:
			if err := existing.sameShape(meta); err != nil {
				return err
			}
			meta = existing
		case isNotExist(err):
			fresh = true
		default:
			return err
		}
	}
	if fresh {
		meta.StartVID = startVID
	}

	if err := w.openFiles(fresh); err != nil {
		w.closeFiles()
		return err
	}
	if !fresh {
		if err := w.checkExtent(meta); err != nil {
			w.closeFiles()
			return err
		}
	}
	w.meta = meta
	return nil
}

func (w *RawVectorIO[T]) openFiles(truncate bool) error {
	openOne := func(ext string) (fs.File, error) {
		f, err := w.fsys.OpenFile(SegmentPath(w.dir, w.rv.name, ext), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", ext, err)
		}
		if truncate {
			if err := f.Truncate(0); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("truncate %s: %w", ext, err)
			}
		}
		return f, nil
	}

	var err error
	if w.vec, err = openOne(vecExt); err != nil {
		return err
	}
	if w.docid, err = openOne(docidExt); err != nil {
		return err
	}
	if w.rv.hasSource {
		if w.src, err = openOne(srcExt); err != nil {
			return err
		}
		if w.srcpos, err = openOne(srcPosExt); err != nil {
			return err
		}
	}
	return nil
}

// checkExtent verifies the files hold at least what the manifest claims.
func (w *RawVectorIO[T]) checkExtent(m *SegmentMeta) error {
	check := func(f fs.File, want int64, what string) error {
		if f == nil {
			return nil
		}
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		if fi.Size() < want {
			return corrupted("%s %s holds %d bytes, manifest needs %d", m.Name, what, fi.Size(), want)
		}
		return nil
	}
	count := int64(m.Count)
	if err := check(w.vec, count*int64(m.VectorByteSize), "vectors"); err != nil {
		return err
	}
	if err := check(w.docid, count*docidSize, "docids"); err != nil {
		return err
	}
	if err := check(w.srcpos, count*srcPosSize, "source positions"); err != nil {
		return err
	}
	return check(w.src, m.SourceBytes, "sources")
}

// Dump appends the records [start, start+n) that lie past the segment's
// current end, then syncs and rewrites the manifest. Records below the end
// are left untouched unless listed in updated: those inside the segment are
// rewritten in place and those below StartVID go to the update overlay.
func (w *RawVectorIO[T]) Dump(ctx context.Context, start, n int, fetch recordFunc, updated []int) error {
	if !w.busy.CompareAndSwap(false, true) {
		return ErrConcurrentDump
	}
	defer w.busy.Store(false)

	if w.meta == nil {
		return ErrNotInitialized
	}
	end := w.meta.EndVID()
	if n < 0 || start < w.meta.StartVID || start > end {
		return fmt.Errorf("%w: range [%d, %d) against segment [%d, %d)",
			ErrNonContiguous, start, start+n, w.meta.StartVID, end)
	}

	next := *w.meta
	stop := start + n
	if err := w.dumpUpdates(ctx, &next, min(stop, end), fetch, updated); err != nil {
		return err
	}
	if stop > end {
		if err := w.appendRecords(ctx, &next, end, stop, fetch); err != nil {
			return err
		}
	}
	return w.commit(&next, max(stop, end))
}

func (w *RawVectorIO[T]) appendRecords(ctx context.Context, meta *SegmentMeta, from, to int, fetch recordFunc) error {
	rv := w.rv
	rc := rv.opts.rc
	vbs := rv.vbs
	batch := rv.opts.dumpBatch

	vecW := resource.NewRateLimitedWriterAt(ctx, w.vec, rc)
	docW := resource.NewRateLimitedWriterAt(ctx, w.docid, rc)
	var srcW, posW io.WriterAt
	if rv.hasSource {
		srcW = resource.NewRateLimitedWriterAt(ctx, w.src, rc)
		posW = resource.NewRateLimitedWriterAt(ctx, w.srcpos, rc)
	}

	srcOff := meta.SourceBytes
	lastPos := sourcePos{block: -1}
	var lastOff int64

	vecBuf := make([]byte, batch*vbs)
	docBuf := make([]byte, batch*docidSize)
	var posBuf, srcBuf []byte
	if rv.hasSource {
		posBuf = make([]byte, batch*srcPosSize)
	}

	for b := from; b < to; b += batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := min(batch, to-b)
		srcBuf = srcBuf[:0]
		batchSrcOff := srcOff

		for i := range m {
			vid := b + i
			if err := fetch(vid, vecBuf[i*vbs:(i+1)*vbs]); err != nil {
				return fmt.Errorf("fetch vid %d: %w", vid, err)
			}
			docid, err := rv.vids.ResolveDocID(vid)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(docBuf[i*docidSize:], uint64(docid)) //nolint:gosec // docids are non-negative
			if vid == meta.StartVID {
				meta.MinDocID = int64(docid)
			}
			meta.MaxDocID = max(meta.MaxDocID, int64(docid))

			if !rv.hasSource {
				continue
			}
			data, p := rv.sources.view(vid)
			off := srcOff
			if len(data) > 0 && p == lastPos {
				off = lastOff
			} else if len(data) > 0 {
				srcBuf = append(srcBuf, data...)
				lastPos, lastOff = p, srcOff
				srcOff += int64(len(data))
			}
			entry := posBuf[i*srcPosSize : (i+1)*srcPosSize]
			binary.LittleEndian.PutUint64(entry[0:], uint64(off)) //nolint:gosec // offsets are non-negative
			binary.LittleEndian.PutUint32(entry[8:], uint32(len(data)))
			binary.LittleEndian.PutUint32(entry[12:], 0)
		}

		rel := int64(b - meta.StartVID)
		if _, err := vecW.WriteAt(vecBuf[:m*vbs], rel*int64(vbs)); err != nil {
			return fmt.Errorf("write vectors: %w", err)
		}
		if _, err := docW.WriteAt(docBuf[:m*docidSize], rel*docidSize); err != nil {
			return fmt.Errorf("write docids: %w", err)
		}
		if rv.hasSource {
			if len(srcBuf) > 0 {
				if _, err := srcW.WriteAt(srcBuf, batchSrcOff); err != nil {
					return fmt.Errorf("write sources: %w", err)
				}
			}
			if _, err := posW.WriteAt(posBuf[:m*srcPosSize], rel*srcPosSize); err != nil {
				return fmt.Errorf("write source positions: %w", err)
			}
		}
	}
	meta.SourceBytes = srcOff
	return nil
}

// dumpUpdates rewrites the updated vids in [StartVID, end) and replaces the
// overlay with the updated vids below StartVID.
func (w *RawVectorIO[T]) dumpUpdates(ctx context.Context, meta *SegmentMeta, end int, fetch recordFunc, updated []int) error {
	vbs := w.rv.vbs
	buf := make([]byte, vbs)
	var overlay []byte
	count := 0
	for _, vid := range updated {
		if vid >= end || w.rv.tombstones.Contains(vid) {
			continue
		}
		if vid >= meta.StartVID {
			if err := fetch(vid, buf); err != nil {
				return fmt.Errorf("fetch vid %d: %w", vid, err)
			}
			if err := w.RewriteVector(ctx, vid, buf); err != nil {
				return err
			}
			continue
		}
		overlay = binary.LittleEndian.AppendUint64(overlay, uint64(vid)) //nolint:gosec // vids are non-negative
		overlay = append(overlay, buf...)
		if err := fetch(vid, overlay[len(overlay)-vbs:]); err != nil {
			return fmt.Errorf("fetch vid %d: %w", vid, err)
		}
		count++
	}
	if count == 0 && meta.Updates == 0 {
		return nil
	}
	if err := fs.WriteFileAtomic(w.fsys, SegmentPath(w.dir, w.rv.name, updExt), overlay, 0o644); err != nil {
		return fmt.Errorf("write update overlay: %w", err)
	}
	meta.Updates = count
	return nil
}

// commit syncs the files and publishes meta cut at end.
func (w *RawVectorIO[T]) commit(meta *SegmentMeta, end int) error {
	if err := w.sync(); err != nil {
		return err
	}

	next := *meta
	next.Count = end - next.StartVID
	ts := vidset.New()
	for _, vid := range w.rv.tombstones.InRange(next.StartVID, end) {
		ts.Add(vid)
	}
	next.Tombstones = nil
	if ts.Len() > 0 {
		data, err := ts.MarshalBinary()
		if err != nil {
			return err
		}
		next.Tombstones = data
	}
	if err := writeSegmentMeta(w.fsys, w.dir, &next); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	w.meta = &next
	return nil
}

// RewriteVector overwrites the record of a vid that is already part of
// the segment. The write is durable after the next Dump or Sync.
func (w *RawVectorIO[T]) RewriteVector(ctx context.Context, vid int, data []byte) error {
	if w.meta == nil {
		return ErrNotInitialized
	}
	if vid < w.meta.StartVID || vid >= w.meta.EndVID() {
		return fmt.Errorf("%w: vid %d outside segment [%d, %d)", ErrInvalidID, vid, w.meta.StartVID, w.meta.EndVID())
	}
	if len(data) != w.rv.vbs {
		return &ErrDimensionMismatch{Expected: w.rv.vbs, Actual: len(data)}
	}
	off := int64(vid-w.meta.StartVID) * int64(w.rv.vbs)
	if _, err := resource.NewRateLimitedWriterAt(ctx, w.vec, w.rv.opts.rc).WriteAt(data, off); err != nil {
		return fmt.Errorf("rewrite vid %d: %w", vid, err)
	}
	return nil
}

// Sync flushes every open segment file to stable storage.
func (w *RawVectorIO[T]) Sync() error {
	if w.meta == nil {
		return ErrNotInitialized
	}
	return w.sync()
}

func (w *RawVectorIO[T]) sync() error {
	for _, f := range []fs.File{w.vec, w.docid, w.src, w.srcpos} {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

// truncate cuts the segment files to the records [StartVID, end) and
// rewrites the manifest. Bytes past the committed extent are dropped too.
func (w *RawVectorIO[T]) truncate(end int) error {
	if w.meta == nil {
		return ErrNotInitialized
	}
	if end < w.meta.StartVID || end > w.meta.EndVID() {
		return fmt.Errorf("%w: truncate to %d outside segment [%d, %d]",
			ErrNonContiguous, end, w.meta.StartVID, w.meta.EndVID())
	}

	count := int64(end - w.meta.StartVID)
	srcEnd := int64(0)
	if w.srcpos != nil {
		entry := make([]byte, srcPosSize)
		for i := count - 1; i >= 0; i-- {
			if _, err := w.srcpos.ReadAt(entry, i*srcPosSize); err != nil {
				return fmt.Errorf("read source position: %w", err)
			}
			if n := binary.LittleEndian.Uint32(entry[8:]); n > 0 {
				srcEnd = int64(binary.LittleEndian.Uint64(entry)) + int64(n) //nolint:gosec // bounded by file size
				break
			}
		}
	}

	sizes := []struct {
		f    fs.File
		size int64
	}{
		{w.vec, count * int64(w.rv.vbs)},
		{w.docid, count * docidSize},
		{w.srcpos, count * srcPosSize},
		{w.src, srcEnd},
	}
	for _, s := range sizes {
		if s.f == nil {
			continue
		}
		if err := s.f.Truncate(s.size); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}
	next := *w.meta
	next.SourceBytes = srcEnd
	if count == 0 {
		next.MinDocID, next.MaxDocID = 0, 0
	} else if d, err := w.rv.vids.ResolveDocID(end - 1); err == nil {
		next.MaxDocID = int64(d)
	}
	return w.commit(&next, end)
}

// Close closes the segment files. It is idempotent.
func (w *RawVectorIO[T]) Close() error {
	err := w.closeFiles()
	w.meta = nil
	return err
}

func (w *RawVectorIO[T]) closeFiles() error {
	var first error
	for _, f := range []*fs.File{&w.vec, &w.docid, &w.src, &w.srcpos} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil && first == nil {
			first = err
		}
		*f = nil
	}
	return first
}
