package rawvec_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/memstore"
	"github.com/hupe1980/rawvec/resource"
	"github.com/hupe1980/rawvec/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 8

func newMemVector(t *testing.T, hasSource, multi bool, opts ...rawvec.Option) *rawvec.RawVector[float32] {
	t.Helper()
	rv, err := rawvec.New[float32]("emb", testDim, 10_000, t.TempDir(), memstore.New[float32](4), opts...)
	require.NoError(t, err)
	require.NoError(t, rv.Init(hasSource, multi))
	t.Cleanup(func() { _ = rv.Close() })
	return rv
}

// vectorFor returns a deterministic vector for vid.
func vectorFor(vid int) []float32 {
	v := make([]float32, testDim)
	for i := range v {
		v[i] = float32(vid*testDim + i)
	}
	return v
}

func addSequential(t *testing.T, rv *rawvec.RawVector[float32], n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, rv.Add(i, rawvec.Field{
			Value:  testutil.Float32Bytes(vectorFor(i)),
			Source: []byte(fmt.Sprintf("doc-%d", i)),
		}))
	}
}

func TestNewValidation(t *testing.T) {
	store := memstore.New[float32](0)

	_, err := rawvec.New[float32]("", testDim, 10, t.TempDir(), store)
	assert.ErrorIs(t, err, rawvec.ErrInvalidParams)

	_, err = rawvec.New[float32]("emb", testDim, 0, t.TempDir(), store)
	assert.ErrorIs(t, err, rawvec.ErrInvalidParams)

	var dimErr *rawvec.ErrInvalidDimension
	_, err = rawvec.New[float32]("emb", 0, 10, t.TempDir(), store)
	assert.ErrorAs(t, err, &dimErr)

	_, err = rawvec.New[uint8]("bin", 12, 10, t.TempDir(), memstore.New[uint8](0))
	assert.ErrorAs(t, err, &dimErr)
}

func TestLifecycle(t *testing.T) {
	rv, err := rawvec.New[float32]("emb", testDim, 10, t.TempDir(), memstore.New[float32](0))
	require.NoError(t, err)

	err = rv.Add(0, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(0))})
	assert.ErrorIs(t, err, rawvec.ErrNotInitialized)
	_, err = rv.GetVector(0)
	assert.ErrorIs(t, err, rawvec.ErrNotInitialized)

	require.NoError(t, rv.Init(false, false))
	assert.ErrorIs(t, rv.Init(false, false), rawvec.ErrAlreadyInitialized)

	require.NoError(t, rv.Close())
	require.NoError(t, rv.Close())

	err = rv.Add(0, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(0))})
	assert.ErrorIs(t, err, rawvec.ErrClosed)
	assert.ErrorIs(t, rv.Init(false, false), rawvec.ErrClosed)
}

func TestAddAndGet(t *testing.T) {
	rv := newMemVector(t, true, false)
	addSequential(t, rv, 10)

	assert.Equal(t, 10, rv.VectorNum())
	assert.Equal(t, "emb", rv.Name())
	assert.Equal(t, testDim, rv.Dimension())
	assert.Equal(t, testDim*4, rv.VectorByteSize())
	assert.Equal(t, 10_000, rv.MaxVectorSize())

	for vid := range 10 {
		h, err := rv.GetVector(vid)
		require.NoError(t, err)
		assert.Equal(t, rawvec.Borrowed, h.Ownership())
		assert.Equal(t, vectorFor(vid), h.Data())
		assert.Equal(t, testDim, h.Len())
		h.Release()

		src, err := rv.GetSource(vid)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("doc-%d", vid), string(src))

		docid, err := rv.VIDMgr().ResolveDocID(vid)
		require.NoError(t, err)
		assert.Equal(t, vid, docid)
	}
}

func TestBoundaries(t *testing.T) {
	rv := newMemVector(t, false, false)
	addSequential(t, rv, 10)

	_, err := rv.GetVector(10)
	assert.ErrorIs(t, err, rawvec.ErrInvalidID)
	_, err = rv.GetVector(-1)
	assert.ErrorIs(t, err, rawvec.ErrInvalidID)

	_, err = rv.GetVectorHeader(5, 5)
	assert.ErrorIs(t, err, rawvec.ErrRange)
	_, err = rv.GetVectorHeader(6, 5)
	assert.ErrorIs(t, err, rawvec.ErrRange)
	_, err = rv.GetVectorHeader(0, 11)
	assert.ErrorIs(t, err, rawvec.ErrRange)
	_, err = rv.GetVectorHeader(-1, 2)
	assert.ErrorIs(t, err, rawvec.ErrRange)

	_, err = rv.GetSource(0)
	assert.ErrorIs(t, err, rawvec.ErrSourceDisabled)

	withSource := newMemVector(t, true, false)
	addSequential(t, withSource, 1)
	_, err = withSource.GetSource(1)
	assert.ErrorIs(t, err, rawvec.ErrInvalidID)
}

func TestAddValidation(t *testing.T) {
	rv := newMemVector(t, false, false)
	addSequential(t, rv, 2)

	t.Run("ShortPayload", func(t *testing.T) {
		var dm *rawvec.ErrDimensionMismatch
		err := rv.Add(5, rawvec.Field{Value: make([]byte, testDim*4-1)})
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, testDim*4, dm.Expected)
		assert.Equal(t, testDim*4-1, dm.Actual)
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		var dm *rawvec.ErrDimensionMismatch
		assert.ErrorAs(t, rv.Add(5, rawvec.Field{}), &dm)
	})

	t.Run("SeveralVectorsSingleMode", func(t *testing.T) {
		var dm *rawvec.ErrDimensionMismatch
		value := testutil.Float32Bytes(vectorFor(5), vectorFor(6))
		assert.ErrorAs(t, rv.Add(5, rawvec.Field{Value: value}), &dm)
	})

	t.Run("DocIDOrder", func(t *testing.T) {
		value := testutil.Float32Bytes(vectorFor(1))
		assert.ErrorIs(t, rv.Add(1, rawvec.Field{Value: value}), rawvec.ErrDocIDOrder)
		assert.ErrorIs(t, rv.Add(0, rawvec.Field{Value: value}), rawvec.ErrDocIDOrder)
	})

	assert.Equal(t, 2, rv.VectorNum(), "rejected adds leave no trace")
	_, err := rv.VIDMgr().ResolveVids(5)
	assert.ErrorIs(t, err, rawvec.ErrNotFound)
}

func TestCapacity(t *testing.T) {
	rv, err := rawvec.New[float32]("emb", testDim, 2, t.TempDir(), memstore.New[float32](0))
	require.NoError(t, err)
	require.NoError(t, rv.Init(false, false))
	defer rv.Close()

	addSequential(t, rv, 2)
	err = rv.Add(2, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(2))})
	assert.ErrorIs(t, err, rawvec.ErrCapacityExceeded)
	assert.Equal(t, 2, rv.VectorNum())
}

func TestUpdate(t *testing.T) {
	rv := newMemVector(t, false, false)
	addSequential(t, rv, 6)

	before, err := rv.GetVector(3)
	require.NoError(t, err)
	defer before.Release()

	next := vectorFor(100)
	require.NoError(t, rv.Update(3, rawvec.Field{Value: testutil.Float32Bytes(next)}))

	after, err := rv.GetVector(3)
	require.NoError(t, err)
	defer after.Release()

	assert.Equal(t, next, after.Data())
	assert.Equal(t, vectorFor(3), before.Data(), "a borrowed handle keeps the content it was taken with")
	assert.Equal(t, 6, rv.VectorNum())

	vids, err := rv.VIDMgr().ResolveVids(3)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, vids)

	assert.ErrorIs(t, rv.Update(42, rawvec.Field{Value: testutil.Float32Bytes(next)}), rawvec.ErrNotFound)

	var dm *rawvec.ErrDimensionMismatch
	assert.ErrorAs(t, rv.Update(3, rawvec.Field{Value: make([]byte, 4)}), &dm)
}

func TestMultiVids(t *testing.T) {
	rv := newMemVector(t, true, true)

	payload := testutil.Float32Bytes(vectorFor(0), vectorFor(1), vectorFor(2))
	require.NoError(t, rv.Add(7, rawvec.Field{Value: payload, Source: []byte("seven")}))
	require.NoError(t, rv.Add(9, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(3))}))
	assert.Equal(t, 4, rv.VectorNum())

	vids, err := rv.VIDMgr().ResolveVids(7)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, vids)

	for _, vid := range vids {
		src, err := rv.GetSource(vid)
		require.NoError(t, err)
		assert.Equal(t, "seven", string(src))
	}

	updated := testutil.Float32Bytes(vectorFor(10), vectorFor(11), vectorFor(12))
	require.NoError(t, rv.Update(7, rawvec.Field{Value: updated}))
	h, err := rv.GetVectorHeader(0, 3)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, testutil.BytesFloat32(updated), h.Data())

	var dm *rawvec.ErrDimensionMismatch
	assert.ErrorAs(t, rv.Update(7, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(1))}), &dm)
}

func TestGets(t *testing.T) {
	rv := newMemVector(t, false, false)
	addSequential(t, rv, 5)

	batch, err := rv.Gets([]int{0, 99, 2, -1})
	require.Error(t, err)
	defer batch.Release()

	var missing *rawvec.MissingIDsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []int{99, -1}, missing.IDs)
	assert.ErrorIs(t, err, rawvec.ErrNotFound)

	assert.Equal(t, 4, batch.Len())
	assert.Equal(t, vectorFor(0), batch.At(0).Data())
	assert.Nil(t, batch.At(1))
	assert.Equal(t, vectorFor(2), batch.At(2).Data())
	assert.Equal(t, []int{99, -1}, batch.Missing())

	all, err := rv.Gets([]int{4, 3})
	require.NoError(t, err)
	assert.Equal(t, vectorFor(4), all.At(0).Data())
	all.Release()
}

func TestGetVectorHeader(t *testing.T) {
	rv := newMemVector(t, false, false)
	addSequential(t, rv, 10)

	inChunk, err := rv.GetVectorHeader(0, 3)
	require.NoError(t, err)
	assert.Equal(t, rawvec.Borrowed, inChunk.Ownership())
	assert.Equal(t, testutil.BytesFloat32(testutil.Float32Bytes(vectorFor(0), vectorFor(1), vectorFor(2))), inChunk.Data())
	inChunk.Release()

	spanning, err := rv.GetVectorHeader(2, 7)
	require.NoError(t, err)
	defer spanning.Release()
	assert.Equal(t, rawvec.Owned, spanning.Ownership())

	var want []float32
	for vid := 2; vid < 7; vid++ {
		want = append(want, vectorFor(vid)...)
	}
	assert.Equal(t, want, spanning.Data())
}

func TestTotalMemBytes(t *testing.T) {
	rv := newMemVector(t, true, false)
	empty := rv.TotalMemBytes()

	addSequential(t, rv, 20)
	assert.Greater(t, rv.TotalMemBytes(), empty)
}

func TestMetricsCollector(t *testing.T) {
	mc := &rawvec.BasicMetricsCollector{}
	rv := newMemVector(t, false, false, rawvec.WithMetricsCollector(mc))

	addSequential(t, rv, 3)
	_ = rv.Add(0, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(0))})
	_, _ = rv.GetVector(0)
	_, _ = rv.Gets([]int{1, 50})
	require.NoError(t, rv.Update(1, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(9))}))
	require.NoError(t, rv.Dump(context.Background(), t.TempDir(), 0, math.MaxInt))

	s := mc.GetStats()
	assert.Equal(t, int64(4), s.AddCount)
	assert.Equal(t, int64(3), s.AddVectors)
	assert.Equal(t, int64(1), s.AddErrors)
	assert.Equal(t, int64(2), s.GetCount)
	assert.Equal(t, int64(3), s.GetRequested)
	assert.Equal(t, int64(1), s.GetMissing)
	assert.Equal(t, int64(1), s.UpdateCount)
	assert.Equal(t, int64(1), s.DumpCount)
	assert.Equal(t, int64(3), s.DumpVectors)
}

func TestBinaryVectors(t *testing.T) {
	rng := testutil.NewRNG(7)
	rv, err := rawvec.New[uint8]("bits", 64, 100, t.TempDir(), memstore.New[uint8](0))
	require.NoError(t, err)
	require.NoError(t, rv.Init(false, false))
	defer rv.Close()

	vecs := rng.BinaryVectors(10, 64)
	for i, v := range vecs {
		require.NoError(t, rv.Add(i, rawvec.Field{Value: v}))
	}
	assert.Equal(t, 8, rv.VectorByteSize())
	assert.Equal(t, rawvec.KindBinary, rv.Kind())

	for i, v := range vecs {
		h, err := rv.GetVector(i)
		require.NoError(t, err)
		assert.Equal(t, v, h.Data())
		h.Release()
	}

	var dm *rawvec.ErrDimensionMismatch
	assert.ErrorAs(t, rv.Add(10, rawvec.Field{Value: make([]byte, 7)}), &dm)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	rv := newMemVector(t, true, false)
	const n = 2000

	var wg sync.WaitGroup
	var stop atomic.Bool
	var bad atomic.Int64
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				total := rv.VectorNum()
				if total == 0 {
					continue
				}
				vid := total - 1
				h, err := rv.GetVector(vid)
				if err != nil {
					bad.Add(1)
					continue
				}
				if h.Data()[0] != float32(vid*testDim) {
					bad.Add(1)
				}
				h.Release()
				if _, err := rv.GetSource(vid); err != nil {
					bad.Add(1)
				}
			}
		}()
	}

	addSequential(t, rv, n)
	stop.Store(true)
	wg.Wait()

	assert.Equal(t, int64(0), bad.Load())
	assert.Equal(t, n, rv.VectorNum())
}

var errFlaky = errors.New("flaky store write")

// flakyStore fails AddToStore while fail is set.
type flakyStore struct {
	*memstore.Store[float32]
	fail atomic.Bool
}

func (s *flakyStore) AddToStore(vid int, data []float32) error {
	if s.fail.Load() {
		return errFlaky
	}
	return s.Store.AddToStore(vid, data)
}

func newFlakyVector(t *testing.T, policy rawvec.WriteFailurePolicy) (*rawvec.RawVector[float32], *flakyStore) {
	t.Helper()
	store := &flakyStore{Store: memstore.New[float32](4)}
	rv, err := rawvec.New[float32]("emb", testDim, 100, t.TempDir(), store, rawvec.WithWriteFailurePolicy(policy))
	require.NoError(t, err)
	require.NoError(t, rv.Init(true, false))
	t.Cleanup(func() { _ = rv.Close() })
	return rv, store
}

func TestRollbackOnFailure(t *testing.T) {
	rv, store := newFlakyVector(t, rawvec.RollbackOnFailure)
	addSequential(t, rv, 4)

	store.fail.Store(true)
	err := rv.Add(4, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(4)), Source: []byte("lost")})
	require.ErrorIs(t, err, errFlaky)

	assert.Equal(t, 4, rv.VectorNum())
	assert.Equal(t, 0, rv.TombstoneCount())
	_, err = rv.VIDMgr().ResolveVids(4)
	assert.ErrorIs(t, err, rawvec.ErrNotFound)

	store.fail.Store(false)
	require.NoError(t, rv.Add(4, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(4)), Source: []byte("doc-4")}))
	vids, err := rv.VIDMgr().ResolveVids(4)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, vids, "the rolled back vid is reused")

	src, err := rv.GetSource(4)
	require.NoError(t, err)
	assert.Equal(t, "doc-4", string(src))
}

func TestRollbackOnSourceFailure(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 64 << 10})
	rv := newMemVector(t, true, false, rawvec.WithResourceController(rc))

	err := rv.Add(0, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(0)), Source: []byte("doc-0")})
	require.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)
	assert.NotContains(t, err.Error(), "no pending allocation", "the rollback itself succeeded")
	assert.Equal(t, 0, rv.VIDMgr().VectorCount())

	require.NoError(t, rv.Add(0, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(0))}))
	vids, err := rv.VIDMgr().ResolveVids(0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, vids)
}

func TestTombstoneOnFailure(t *testing.T) {
	rv, store := newFlakyVector(t, rawvec.TombstoneOnFailure)
	addSequential(t, rv, 4)

	store.fail.Store(true)
	err := rv.Add(4, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(4)), Source: []byte("lost")})
	require.ErrorIs(t, err, errFlaky)
	store.fail.Store(false)

	assert.Equal(t, 5, rv.VectorNum())
	assert.Equal(t, 1, rv.TombstoneCount())
	vids, err := rv.VIDMgr().ResolveVids(4)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, vids, "the docid keeps its vid")

	_, err = rv.GetVector(4)
	assert.ErrorIs(t, err, rawvec.ErrNotFound)
	_, err = rv.GetSource(4)
	assert.ErrorIs(t, err, rawvec.ErrNotFound)
	assert.ErrorIs(t, rv.Update(4, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(4))}), rawvec.ErrNotFound)

	require.NoError(t, rv.Add(5, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(5)), Source: []byte("doc-5")}))
	h, err := rv.GetVector(5)
	require.NoError(t, err)
	assert.Equal(t, vectorFor(5), h.Data())
	h.Release()

	// Tombstones survive a dump and load.
	dir := t.TempDir()
	require.NoError(t, rv.Dump(context.Background(), dir, 0, math.MaxInt))

	loaded, _ := newFlakyVector(t, rawvec.TombstoneOnFailure)
	require.NoError(t, loaded.Load(context.Background(), []string{dir}, 6))
	assert.Equal(t, 6, loaded.VectorNum())
	assert.Equal(t, 1, loaded.TombstoneCount())
	_, err = loaded.GetVector(4)
	assert.ErrorIs(t, err, rawvec.ErrNotFound)

	h, err = loaded.GetVector(5)
	require.NoError(t, err)
	assert.Equal(t, vectorFor(5), h.Data())
	h.Release()

	meta, err := rawvec.ReadSegmentMeta(nil, dir, "emb")
	require.NoError(t, err)
	ts, err := meta.TombstoneSet()
	require.NoError(t, err)
	assert.True(t, ts.Contains(4))
}
