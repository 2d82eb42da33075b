package rawvec

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/rawvec/internal/mmap"
)

// loadResult reports what one segment contributed to a Load.
type loadResult struct {
	docs    int
	vectors int
}

type mappedSegment struct {
	vec, docid, src, srcpos *mmap.Mapping
}

func (s *mappedSegment) close() {
	for _, m := range []*mmap.Mapping{s.vec, s.docid, s.src, s.srcpos} {
		if m != nil {
			_ = m.Close()
		}
	}
}

// Load reads up to maxDocs documents of the segment in vid order into the
// owning RawVector. With copyVectors false the records are not handed to
// the backend, which adopts the vector file itself.
func (w *RawVectorIO[T]) Load(ctx context.Context, maxDocs int, copyVectors bool) (loadResult, error) {
	var res loadResult
	rv := w.rv

	meta, err := w.readMeta()
	if err != nil {
		return res, err
	}
	if want := rv.vids.VectorCount(); meta.StartVID != want {
		return res, corrupted("%s: segment in %s starts at vid %d, expected %d", rv.name, w.dir, meta.StartVID, want)
	}

	seg, err := w.mapSegment(meta)
	if err != nil {
		return res, err
	}
	defer seg.close()

	tombs, err := meta.TombstoneSet()
	if err != nil {
		return res, err
	}

	docids := seg.docid.Bytes()
	prev := int64(rv.vids.LastDocID())
	take := 0
	for i := range meta.Count {
		d := int64(binary.LittleEndian.Uint64(docids[i*docidSize:])) //nolint:gosec // validated by Restore
		if d != prev {
			if res.docs == maxDocs {
				break
			}
			res.docs++
			prev = d
		}
		if err := rv.vids.Restore(int(d), meta.StartVID+i); err != nil {
			return res, fmt.Errorf("%s: %w", w.dir, err)
		}
		take++
	}
	res.vectors = take

	if copyVectors {
		if err := w.loadVectors(ctx, meta, seg.vec.Bytes(), take); err != nil {
			return res, err
		}
	}
	if rv.hasSource {
		if err := w.loadSources(meta, seg, take); err != nil {
			return res, err
		}
	}
	for vid := range tombs.All() {
		if vid >= meta.StartVID && vid < meta.StartVID+take {
			rv.tombstones.Add(vid)
		}
	}
	return res, w.loadUpdates(meta)
}

// LoadUpdates replays only the update overlay of the segment onto the vids
// loaded so far. It serves the segments past the last requested document.
func (w *RawVectorIO[T]) LoadUpdates() error {
	meta, err := w.readMeta()
	if err != nil {
		return err
	}
	return w.loadUpdates(meta)
}

func (w *RawVectorIO[T]) readMeta() (*SegmentMeta, error) {
	rv := w.rv
	meta, err := ReadSegmentMeta(w.fsys, w.dir, rv.name)
	if err != nil {
		if isNotExist(err) {
			return nil, corrupted("%s: no manifest in %s", rv.name, w.dir)
		}
		return nil, err
	}
	if err := meta.sameShape(rv.shape()); err != nil {
		return nil, err
	}
	return meta, nil
}

// loadUpdates writes the overlay records of meta into the backend. Vids not
// loaded yet or tombstoned are skipped.
func (w *RawVectorIO[T]) loadUpdates(meta *SegmentMeta) error {
	if meta.Updates == 0 {
		return nil
	}
	rv := w.rv
	recSize := int64(updVIDSize + meta.VectorByteSize)
	m, err := mapRecords(SegmentPath(w.dir, meta.Name, updExt), recSize, int64(meta.Updates)*recSize)
	if err != nil {
		return err
	}
	defer m.Close()

	raw := m.Bytes()
	loaded := rv.vids.VectorCount()
	for i := range int64(meta.Updates) {
		rec := raw[i*recSize : (i+1)*recSize]
		vid := int(binary.LittleEndian.Uint64(rec)) //nolint:gosec // range checked below
		if vid < 0 || vid >= meta.StartVID {
			return corrupted("%s: update overlay in %s names vid %d, segment starts at %d", meta.Name, w.dir, vid, meta.StartVID)
		}
		if vid >= loaded || rv.tombstones.Contains(vid) {
			continue
		}
		if err := rv.store.UpdateToStore(vid, decode[T](rec[updVIDSize:])); err != nil {
			return fmt.Errorf("apply update of vid %d: %w", vid, err)
		}
		rv.updated.Add(vid)
		rv.enqueue([]int{vid})
	}
	return nil
}

func mapRecords(path string, recSize, want int64) (*mmap.Mapping, error) {
	m, err := mmap.OpenRecords(path, recSize, want)
	switch {
	case err == nil:
		return m, nil
	case isNotExist(err):
		return nil, corrupted("%s missing", path)
	case errors.Is(err, mmap.ErrShortFile):
		return nil, corrupted("%v", err)
	default:
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
}

func (w *RawVectorIO[T]) mapSegment(meta *SegmentMeta) (*mappedSegment, error) {
	seg := &mappedSegment{}
	mapOne := func(ext string, recSize, want int64) (*mmap.Mapping, error) {
		return mapRecords(SegmentPath(w.dir, meta.Name, ext), recSize, want)
	}

	count := int64(meta.Count)
	var err error
	if seg.vec, err = mapOne(vecExt, int64(meta.VectorByteSize), count*int64(meta.VectorByteSize)); err != nil {
		seg.close()
		return nil, err
	}
	if seg.docid, err = mapOne(docidExt, docidSize, count*docidSize); err != nil {
		seg.close()
		return nil, err
	}
	if meta.HasSource {
		if seg.src, err = mapOne(srcExt, 1, meta.SourceBytes); err != nil {
			seg.close()
			return nil, err
		}
		if seg.srcpos, err = mapOne(srcPosExt, srcPosSize, count*srcPosSize); err != nil {
			seg.close()
			return nil, err
		}
	}
	return seg, nil
}

func (w *RawVectorIO[T]) loadVectors(ctx context.Context, meta *SegmentMeta, raw []byte, take int) error {
	rv := w.rv
	vbs := meta.VectorByteSize
	batch := rv.opts.dumpBatch
	for b := 0; b < take; b += batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := min(batch, take-b)
		data := decode[T](raw[b*vbs : (b+m)*vbs])
		if err := rv.store.LoadVectors(meta.StartVID+b, data); err != nil {
			return fmt.Errorf("load vectors at vid %d: %w", meta.StartVID+b, err)
		}
	}
	return nil
}

func (w *RawVectorIO[T]) loadSources(meta *SegmentMeta, seg *mappedSegment, take int) error {
	src := seg.src.Bytes()
	pos := seg.srcpos.Bytes()
	limit := uint64(meta.SourceBytes) //nolint:gosec // validated non-negative

	var group []int
	var groupOff, groupLen uint64
	flush := func() error {
		if len(group) == 0 {
			return nil
		}
		err := w.rv.sources.append(group, src[groupOff:groupOff+groupLen])
		group = group[:0]
		return err
	}

	for i := range take {
		entry := pos[i*srcPosSize : (i+1)*srcPosSize]
		off := binary.LittleEndian.Uint64(entry)
		n := uint64(binary.LittleEndian.Uint32(entry[8:]))
		if off > limit || n > limit-off {
			return corrupted("%s: source of vid %d at [%d, %d) outside %d bytes",
				meta.Name, meta.StartVID+i, off, off+n, limit)
		}
		vid := meta.StartVID + i
		if n > 0 && len(group) > 0 && off == groupOff && n == groupLen {
			group = append(group, vid)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		group = append(group, vid)
		groupOff, groupLen = off, n
	}
	return flush()
}
