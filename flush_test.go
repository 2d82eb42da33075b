package rawvec_test

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/diskstore"
	"github.com/hupe1980/rawvec/internal/fs"
	"github.com/hupe1980/rawvec/resource"
	"github.com/hupe1980/rawvec/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDiskVector(t *testing.T, root string, opts ...rawvec.Option) (*rawvec.RawVector[float32], *diskstore.Store[float32]) {
	t.Helper()
	store := diskstore.New[float32]()
	rv, err := rawvec.New[float32]("emb", testDim, 10_000, root, store, opts...)
	require.NoError(t, err)
	require.NoError(t, rv.Init(true, false))
	return rv, store
}

// idle keeps the background flusher from ticking during a test.
var idle = rawvec.WithFlushInterval(time.Hour)

func TestDiskFlushConvergence(t *testing.T) {
	mc := &rawvec.BasicMetricsCollector{}
	rv, store := newDiskVector(t, t.TempDir(),
		rawvec.WithFlushInterval(5*time.Millisecond),
		rawvec.WithMetricsCollector(mc),
	)
	defer rv.Close()

	const n = 200
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if total := rv.VectorNum(); total > 0 {
				h, err := rv.GetVector(total - 1)
				if assert.NoError(t, err) {
					assert.Equal(t, vectorFor(total-1), h.Data())
					h.Release()
				}
			}
		}
	}()

	addSequential(t, rv, n)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rv.Flusher().Until(ctx, n))
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(n), rv.Flusher().NFlushed())
	assert.Equal(t, 0, store.PendingCount())
	assert.Equal(t, n, store.PersistedCount())
	assert.Equal(t, int64(n), mc.GetStats().FlushVectors)

	fi, err := os.Stat(rawvec.VectorFile(rv.RootPath(), "emb"))
	require.NoError(t, err)
	assert.Equal(t, int64(n*rv.VectorByteSize()), fi.Size())

	for vid := range n {
		h, err := rv.GetVector(vid)
		require.NoError(t, err)
		assert.Equal(t, rawvec.Owned, h.Ownership())
		assert.Equal(t, vectorFor(vid), h.Data())
		h.Release()
	}

	_, err = rv.GetVectorHeader(0, 2)
	assert.ErrorIs(t, err, rawvec.ErrUnsupported)
}

func TestDiskUpdateRewritesFlushedRecord(t *testing.T) {
	ctx := context.Background()
	rv, store := newDiskVector(t, t.TempDir(), idle)
	defer rv.Close()

	addSequential(t, rv, 10)
	flushed, err := rv.Flusher().Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, flushed)

	next := vectorFor(77)
	require.NoError(t, rv.Update(3, rawvec.Field{Value: testutil.Float32Bytes(next)}))
	assert.Equal(t, 1, store.PendingCount())

	flushed, err = rv.Flusher().Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, flushed)
	assert.Equal(t, 0, store.PendingCount())

	raw, err := os.ReadFile(rawvec.VectorFile(rv.RootPath(), "emb"))
	require.NoError(t, err)
	vbs := rv.VectorByteSize()
	assert.Equal(t, testutil.Float32Bytes(next), raw[3*vbs:4*vbs])

	h, err := rv.GetVector(3)
	require.NoError(t, err)
	assert.Equal(t, next, h.Data())
	h.Release()
}

func TestDiskCloseDrainsAndRootReloads(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	rv, _ := newDiskVector(t, root, idle)
	addSequential(t, rv, 10)
	require.NoError(t, rv.Close())

	meta, err := rawvec.ReadSegmentMeta(nil, root, "emb")
	require.NoError(t, err)
	assert.Equal(t, 10, meta.Count)
	assert.True(t, meta.HasSource)

	reopened, store := newDiskVector(t, root, idle)
	require.NoError(t, reopened.Load(ctx, []string{root}, 10))
	assert.Equal(t, 10, reopened.VectorNum())
	assert.Equal(t, int64(10), reopened.Flusher().NFlushed())
	assert.Equal(t, 0, store.PendingCount(), "root records are adopted without staging")

	for vid := range 10 {
		h, err := reopened.GetVector(vid)
		require.NoError(t, err)
		assert.Equal(t, vectorFor(vid), h.Data())
		h.Release()

		src, err := reopened.GetSource(vid)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("doc-%d", vid), string(src))
	}

	for i := 10; i < 15; i++ {
		require.NoError(t, reopened.Add(i, rawvec.Field{
			Value:  testutil.Float32Bytes(vectorFor(i)),
			Source: []byte(fmt.Sprintf("doc-%d", i)),
		}))
	}
	require.NoError(t, reopened.Update(2, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(50))}))
	require.NoError(t, reopened.Close())

	again, _ := newDiskVector(t, root, idle)
	defer again.Close()
	require.NoError(t, again.Load(ctx, []string{root}, 15))
	assert.Equal(t, 15, again.VectorNum())

	h, err := again.GetVector(2)
	require.NoError(t, err)
	assert.Equal(t, vectorFor(50), h.Data())
	h.Release()

	src, err := again.GetSource(14)
	require.NoError(t, err)
	assert.Equal(t, "doc-14", string(src))
}

func TestDiskRootReloadDropsUncommittedTail(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	rv, _ := newDiskVector(t, root, idle)
	addSequential(t, rv, 6)
	require.NoError(t, rv.Close())

	// Bytes past the committed extent, as left by an interrupted flush.
	f, err := os.OpenFile(rawvec.VectorFile(root, "emb"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write(testutil.Float32Bytes(vectorFor(99)))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, _ := newDiskVector(t, root, idle)
	defer reopened.Close()
	require.NoError(t, reopened.Load(ctx, []string{root}, 6))

	fi, err := os.Stat(rawvec.VectorFile(root, "emb"))
	require.NoError(t, err)
	assert.Equal(t, int64(6*reopened.VectorByteSize()), fi.Size())

	require.NoError(t, reopened.Add(6, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(6))}))
	_, err = reopened.Flusher().Flush(ctx)
	require.NoError(t, err)

	h, err := reopened.GetVector(6)
	require.NoError(t, err)
	assert.Equal(t, vectorFor(6), h.Data())
	h.Release()
}

func TestDiskFlushFailureRetries(t *testing.T) {
	ctx := context.Background()
	faulty := fs.NewFaultyFS(nil)
	mc := &rawvec.BasicMetricsCollector{}
	rv, store := newDiskVector(t, t.TempDir(), idle,
		rawvec.WithFileSystem(faulty),
		rawvec.WithMetricsCollector(mc),
	)
	defer rv.Close()

	addSequential(t, rv, 5)
	faulty.AddRule(".vec", fs.Fault{FailOnSync: true, FailAfterBytes: -1})

	_, err := rv.Flusher().Flush(ctx)
	require.ErrorIs(t, err, fs.ErrInjected)
	_, err = rv.Flusher().Flush(ctx)
	require.ErrorIs(t, err, fs.ErrInjected)

	assert.Equal(t, int64(2), rv.Flusher().Failures())
	assert.Equal(t, int64(2), rv.Flusher().ConsecutiveFailures())
	assert.ErrorIs(t, rv.Flusher().LastError(), fs.ErrInjected)
	assert.Equal(t, int64(0), rv.Flusher().NFlushed())
	assert.Equal(t, 5, store.PendingCount())

	// Reads are served from the pending table in the meantime.
	h, err := rv.GetVector(4)
	require.NoError(t, err)
	assert.Equal(t, vectorFor(4), h.Data())
	h.Release()

	faulty.ClearRules()
	flushed, err := rv.Flusher().Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, flushed)
	assert.Equal(t, int64(0), rv.Flusher().ConsecutiveFailures())
	assert.Equal(t, 0, store.PendingCount())
	assert.Equal(t, int64(2), mc.GetStats().FlushErrors)

	meta, err := rawvec.ReadSegmentMeta(nil, rv.RootPath(), "emb")
	require.NoError(t, err)
	assert.Equal(t, 5, meta.Count)
}

func TestDiskDumpToRootDrains(t *testing.T) {
	ctx := context.Background()
	rv, store := newDiskVector(t, t.TempDir(), idle)
	defer rv.Close()

	addSequential(t, rv, 8)
	require.NoError(t, rv.Dump(ctx, rv.RootPath(), 0, math.MaxInt))
	assert.Equal(t, int64(8), rv.Flusher().NFlushed())
	assert.Equal(t, 0, store.PendingCount())
}

func TestDiskDumpToRootPersistsUpdates(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	rv, store := newDiskVector(t, root, idle)
	defer rv.Close()

	addSequential(t, rv, 10)
	require.NoError(t, rv.Dump(ctx, root, 0, math.MaxInt))
	require.Equal(t, int64(10), rv.Flusher().NFlushed())

	require.NoError(t, rv.Update(3, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(99))}))
	require.Equal(t, 1, store.PendingCount())
	require.NoError(t, rv.Dump(ctx, root, 0, math.MaxInt))
	assert.Equal(t, 0, store.PendingCount())

	raw, err := os.ReadFile(rawvec.VectorFile(root, "emb"))
	require.NoError(t, err)
	vbs := rv.VectorByteSize()
	assert.Equal(t, testutil.Float32Bytes(vectorFor(99)), raw[3*vbs:4*vbs])

	// A second process on the same root, before the first one closes.
	reopened, _ := newDiskVector(t, root, idle)
	defer reopened.Close()
	require.NoError(t, reopened.Load(ctx, []string{root}, 10))
	h, err := reopened.GetVector(3)
	require.NoError(t, err)
	assert.Equal(t, vectorFor(99), h.Data())
	h.Release()
}

func TestDiskDumpPersistsUpdates(t *testing.T) {
	ctx := context.Background()
	rv, _ := newDiskVector(t, t.TempDir(), idle)
	defer rv.Close()
	addSequential(t, rv, 6)

	first, second := t.TempDir(), t.TempDir()
	require.NoError(t, rv.Dump(ctx, first, 0, math.MaxInt))
	_, err := rv.Flusher().Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, rv.Update(1, rawvec.Field{Value: testutil.Float32Bytes(vectorFor(41))}))
	require.NoError(t, rv.Dump(ctx, second, 6, math.MaxInt))

	check := func(t *testing.T, loaded *rawvec.RawVector[float32]) {
		t.Helper()
		for vid := range 6 {
			want := vectorFor(vid)
			if vid == 1 {
				want = vectorFor(41)
			}
			h, err := loaded.GetVector(vid)
			require.NoError(t, err)
			assert.Equal(t, want, h.Data(), "vid %d", vid)
			h.Release()
		}
	}

	t.Run("Memory", func(t *testing.T) {
		mem := newMemVector(t, true, false)
		require.NoError(t, mem.Load(ctx, []string{first, second}, 6))
		check(t, mem)
	})

	t.Run("Disk", func(t *testing.T) {
		root := t.TempDir()
		loaded, store := newDiskVector(t, root, idle)
		defer loaded.Close()
		require.NoError(t, loaded.Load(ctx, []string{first, second}, 6))
		check(t, loaded)

		_, err := loaded.Flusher().Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, store.PendingCount())
		raw, err := os.ReadFile(rawvec.VectorFile(root, "emb"))
		require.NoError(t, err)
		vbs := loaded.VectorByteSize()
		assert.Equal(t, testutil.Float32Bytes(vectorFor(41)), raw[vbs:2*vbs])
	})

	t.Run("FailedLoadReleasesPending", func(t *testing.T) {
		broken := t.TempDir()
		require.NoError(t, rv.Dump(ctx, broken, 3, math.MaxInt))
		require.NoError(t, os.Truncate(rawvec.VectorFile(broken, "emb"), 0))
		partial := t.TempDir()
		require.NoError(t, rv.Dump(ctx, partial, 0, 2))

		rc := resource.NewController(resource.Config{})
		loaded, store := newDiskVector(t, t.TempDir(), idle, rawvec.WithResourceController(rc))
		defer loaded.Close()
		base := rc.MemoryUsage()

		err := loaded.Load(ctx, []string{partial, broken}, 6)
		require.ErrorIs(t, err, rawvec.ErrCorrupted)
		assert.Equal(t, 0, store.PendingCount())
		assert.Equal(t, base, rc.MemoryUsage())
		assert.Zero(t, store.GetStoreMemUsage())
	})
}

func TestDiskDumpLoadsIntoMemory(t *testing.T) {
	ctx := context.Background()
	rv, _ := newDiskVector(t, t.TempDir(), idle)
	defer rv.Close()
	addSequential(t, rv, 6)

	dir := t.TempDir()
	require.NoError(t, rv.Dump(ctx, dir, 0, math.MaxInt))

	mem := newMemVector(t, true, false)
	require.NoError(t, mem.Load(ctx, []string{dir}, 6))
	for vid := range 6 {
		h, err := mem.GetVector(vid)
		require.NoError(t, err)
		assert.Equal(t, vectorFor(vid), h.Data())
		h.Release()
	}
}

func TestDiskStartStopFlushing(t *testing.T) {
	rv, _ := newDiskVector(t, t.TempDir(), idle)
	defer rv.Close()

	assert.True(t, rv.Flusher().Running())
	assert.True(t, rv.StopFlushingIfNeeded())
	assert.False(t, rv.Flusher().Running())
	assert.True(t, rv.StartFlushingIfNeeded())
	assert.True(t, rv.Flusher().Running())

	mem := newMemVector(t, false, false)
	assert.Nil(t, mem.Flusher())
	assert.False(t, mem.StartFlushingIfNeeded())
	assert.False(t, mem.StopFlushingIfNeeded())
}
