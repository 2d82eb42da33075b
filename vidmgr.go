package rawvec

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/hupe1980/rawvec/internal/container"
)

// VIDMgr maps vids to docids and back. Vids are assigned densely in docid
// order, so the vid to docid table is sorted and a docid's vids form one
// contiguous run.
//
// Writers are serialized by the owning RawVector. Readers only see vids
// below the published count.
type VIDMgr struct {
	multi bool

	docids *container.SegmentedArray[int64]
	count  atomic.Int64
	docs   atomic.Int64
	last   atomic.Int64 // last committed docid, -1 if none

	reserved []int
	resDoc   int
}

// NewVIDMgr creates an empty VIDMgr. multi allows several vids per docid.
func NewVIDMgr(multi bool) *VIDMgr {
	m := &VIDMgr{
		multi:  multi,
		docids: container.NewSegmentedArray[int64](),
	}
	m.last.Store(-1)
	return m
}

// Multi reports whether a docid may own several vids.
func (m *VIDMgr) Multi() bool { return m.multi }

// Allocate reserves the next k vids for docid. The reservation becomes
// visible only after Commit and is discarded by Rollback.
func (m *VIDMgr) Allocate(docid, k int) ([]int, error) {
	if m.reserved != nil {
		return nil, fmt.Errorf("allocation for docid %d still pending", m.resDoc)
	}
	if docid < 0 {
		return nil, fmt.Errorf("%w: docid %d", ErrInvalidID, docid)
	}
	if k < 1 || (k > 1 && !m.multi) {
		return nil, fmt.Errorf("%w: %d vids for docid %d", ErrUnsupported, k, docid)
	}
	if last := m.last.Load(); int64(docid) <= last {
		return nil, fmt.Errorf("%w: docid %d after %d", ErrDocIDOrder, docid, last)
	}

	start := int(m.count.Load())
	vids := make([]int, k)
	for i := range vids {
		vids[i] = start + i
		m.docids.Set(start+i, int64(docid))
	}
	m.reserved = vids
	m.resDoc = docid
	return vids, nil
}

// Commit publishes the pending allocation.
func (m *VIDMgr) Commit() {
	if m.reserved == nil {
		return
	}
	m.last.Store(int64(m.resDoc))
	m.docs.Add(1)
	m.count.Add(int64(len(m.reserved)))
	m.reserved = nil
}

// Rollback discards the pending allocation for docid. The table slots are
// reused by the next allocation.
func (m *VIDMgr) Rollback(docid int, vids []int) error {
	if m.reserved == nil || m.resDoc != docid || len(vids) != len(m.reserved) || vids[0] != m.reserved[0] {
		return fmt.Errorf("no pending allocation of %v for docid %d", vids, docid)
	}
	m.reserved = nil
	return nil
}

// Restore appends vid for docid while loading a dump. Vids arrive in order
// and a docid may repeat only for consecutive vids of a multi-valued field.
func (m *VIDMgr) Restore(docid, vid int) error {
	if want := int(m.count.Load()); vid != want {
		return fmt.Errorf("%w: restore vid %d, expected %d", ErrCorrupted, vid, want)
	}
	if docid < 0 {
		return fmt.Errorf("%w: negative docid %d at vid %d", ErrCorrupted, docid, vid)
	}
	last := m.last.Load()
	switch {
	case int64(docid) < last:
		return fmt.Errorf("%w: docid %d after %d at vid %d", ErrCorrupted, docid, last, vid)
	case int64(docid) == last && !m.multi:
		return fmt.Errorf("%w: docid %d owns several vids", ErrCorrupted, docid)
	case int64(docid) > last:
		m.docs.Add(1)
	}
	m.docids.Set(vid, int64(docid))
	m.last.Store(int64(docid))
	m.count.Add(1)
	return nil
}

// reset forgets every vid. Callers ensure no reader can reach them.
func (m *VIDMgr) reset() {
	m.reserved = nil
	m.count.Store(0)
	m.docs.Store(0)
	m.last.Store(-1)
}

// ResolveDocID returns the docid owning vid.
func (m *VIDMgr) ResolveDocID(vid int) (int, error) {
	if vid < 0 || int64(vid) >= m.count.Load() {
		return 0, fmt.Errorf("%w: vid %d", ErrNotFound, vid)
	}
	d, _ := m.docids.Get(vid)
	return int(d), nil
}

// ResolveVids returns the vids owned by docid in ascending order.
func (m *VIDMgr) ResolveVids(docid int) ([]int, error) {
	n := int(m.count.Load())
	first := m.lowerBound(docid, 0, n)
	if first == n {
		return nil, fmt.Errorf("%w: docid %d", ErrNotFound, docid)
	}
	if d, _ := m.docids.Get(first); d != int64(docid) {
		return nil, fmt.Errorf("%w: docid %d", ErrNotFound, docid)
	}
	vids := []int{first}
	for vid := first + 1; vid < n; vid++ {
		if d, _ := m.docids.Get(vid); d != int64(docid) {
			break
		}
		vids = append(vids, vid)
	}
	return vids, nil
}

// VidRange returns the vids [start, end) whose docids lie in
// [minDocID, maxDocID].
func (m *VIDMgr) VidRange(minDocID, maxDocID int) (start, end int) {
	n := int(m.count.Load())
	start = m.lowerBound(minDocID, 0, n)
	if maxDocID < minDocID {
		return start, start
	}
	if maxDocID == math.MaxInt {
		return start, n
	}
	return start, m.lowerBound(maxDocID+1, start, n)
}

// lowerBound returns the first vid in [lo, hi) whose docid is at least
// docid, or hi.
func (m *VIDMgr) lowerBound(docid, lo, hi int) int {
	return lo + sort.Search(hi-lo, func(i int) bool {
		d, _ := m.docids.Get(lo + i)
		return d >= int64(docid)
	})
}

// VectorCount returns the number of committed vids.
func (m *VIDMgr) VectorCount() int { return int(m.count.Load()) }

// DocCount returns the number of committed docids.
func (m *VIDMgr) DocCount() int { return int(m.docs.Load()) }

// LastDocID returns the greatest committed docid, or -1.
func (m *VIDMgr) LastDocID() int { return int(m.last.Load()) }

// MemBytes returns the bytes held by the mapping table.
func (m *VIDMgr) MemBytes() int64 { return m.docids.MemBytes() }
