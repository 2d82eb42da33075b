package rawvec

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/hupe1980/rawvec/internal/container"
	"github.com/hupe1980/rawvec/resource"
)

const sourceBlockSize = 1 << 20

// sourcePos locates a vid's source inside the block arena. block is -1 for
// an empty source.
type sourcePos struct {
	block int32
	off   uint32
	n     uint32
}

// sourceTable is an append-only arena of source bytes. Entries never span
// blocks and blocks never move, so readers slice them without locking.
// Writers are serialized by the owning RawVector.
type sourceTable struct {
	rc     *resource.Controller
	blocks atomic.Pointer[[][]byte]
	used   int
	pos    *container.SegmentedArray[sourcePos]

	mem     atomic.Int64
	payload atomic.Int64
}

type sourceMark struct {
	blocks  int
	used    int
	payload int64
}

func newSourceTable(rc *resource.Controller) *sourceTable {
	t := &sourceTable{rc: rc, pos: container.NewSegmentedArray[sourcePos]()}
	blocks := make([][]byte, 0)
	t.blocks.Store(&blocks)
	return t
}

func (t *sourceTable) mark() sourceMark {
	return sourceMark{blocks: len(*t.blocks.Load()), used: t.used, payload: t.payload.Load()}
}

// rollback drops everything appended after m.
func (t *sourceTable) rollback(m sourceMark) {
	blocks := *t.blocks.Load()
	if len(blocks) > m.blocks {
		var freed int64
		for _, b := range blocks[m.blocks:] {
			freed += int64(len(b))
		}
		kept := make([][]byte, m.blocks)
		copy(kept, blocks)
		t.blocks.Store(&kept)
		t.mem.Add(-freed)
		t.rc.ReleaseMemory(freed)
	}
	t.used = m.used
	t.payload.Store(m.payload)
}

// append stores src once and points every vid at it.
func (t *sourceTable) append(vids []int, src []byte) error {
	if len(src) == 0 {
		for _, vid := range vids {
			t.setPos(vid, sourcePos{block: -1})
		}
		return nil
	}
	if len(src) > math.MaxUint32 {
		return fmt.Errorf("source of %d bytes too large", len(src))
	}

	blocks := *t.blocks.Load()
	if len(blocks) == 0 || t.used+len(src) > len(blocks[len(blocks)-1]) {
		size := max(sourceBlockSize, len(src))
		if err := t.rc.Reserve(int64(size)); err != nil {
			return fmt.Errorf("source block: %w", err)
		}
		grown := make([][]byte, len(blocks), len(blocks)+1)
		copy(grown, blocks)
		grown = append(grown, make([]byte, size))
		t.blocks.Store(&grown)
		t.mem.Add(int64(size))
		blocks = grown
		t.used = 0
	}

	idx := len(blocks) - 1
	copy(blocks[idx][t.used:], src)
	p := sourcePos{block: int32(idx), off: uint32(t.used), n: uint32(len(src))} //nolint:gosec // bounded by block size
	t.used += len(src)
	t.payload.Add(int64(len(src)))
	for _, vid := range vids {
		t.setPos(vid, p)
	}
	return nil
}

func (t *sourceTable) setPos(vid int, p sourcePos) {
	before := t.pos.MemBytes()
	t.pos.Set(vid, p)
	t.mem.Add(t.pos.MemBytes() - before)
}

// view returns the stored bytes for vid without copying.
func (t *sourceTable) view(vid int) ([]byte, sourcePos) {
	p, ok := t.pos.Get(vid)
	if !ok || p.block < 0 || p.n == 0 {
		return nil, sourcePos{block: -1}
	}
	blocks := *t.blocks.Load()
	b := blocks[p.block]
	return b[p.off : p.off+p.n : p.off+p.n], p
}

// get returns a copy of the source for vid.
func (t *sourceTable) get(vid int) []byte {
	v, _ := t.view(vid)
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// memBytes returns the arena and position index footprint.
func (t *sourceTable) memBytes() int64 { return t.mem.Load() }

// payloadBytes returns the logical source bytes stored.
func (t *sourceTable) payloadBytes() int64 { return t.payload.Load() }

func (t *sourceTable) close() {
	t.rc.ReleaseMemory(t.mem.Load() - t.pos.MemBytes())
	blocks := make([][]byte, 0)
	t.blocks.Store(&blocks)
}
