package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := OSFS{}

	dir := filepath.Join(tmp, "subdir")
	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	fpath := filepath.Join(dir, "test.bin")
	f, err := lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("world"), 5)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	buf := make([]byte, 10)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(buf))
	require.NoError(t, f.Close())

	entries, err := lfs.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, lfs.Truncate(fpath, 3))
	info, err := lfs.Stat(fpath)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size())

	require.NoError(t, lfs.Remove(fpath))
	_, err = lfs.Stat(fpath)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFileAtomic(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "meta.json")

	require.NoError(t, WriteFileAtomic(nil, path, []byte("v1"), 0o644))
	require.NoError(t, WriteFileAtomic(Default, path, []byte("v2"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFileAtomic_FailureKeepsOldContent(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "meta.json")
	require.NoError(t, WriteFileAtomic(nil, path, []byte("old"), 0o644))

	ffs := NewFaultyFS(nil)
	ffs.AddRule(".tmp", Fault{FailOnSync: true, FailAfterBytes: -1})

	err := WriteFileAtomic(ffs, path, []byte("new"), 0o644)
	require.ErrorIs(t, err, ErrInjected)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestFaultyFS_WriteLimit(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(OSFS{})
	custom := errors.New("disk full")
	ffs.AddRule("faulty", Fault{FailAfterBytes: 5, Err: custom})

	fpath := filepath.Join(tmp, "faulty.txt")
	f, err := ffs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = f.WriteAt([]byte("!"), 5)
	assert.ErrorIs(t, err, custom)
	assert.Equal(t, 0, n)

	// Clearing rules heals open files.
	ffs.ClearRules()
	_, err = f.WriteAt([]byte("!"), 5)
	assert.NoError(t, err)
}

func TestFaultyFS_OpenAndSync(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)

	ffs.AddRule("blocked", Fault{FailOnOpen: true})
	_, err := ffs.OpenFile(filepath.Join(tmp, "blocked.vec"), os.O_CREATE|os.O_RDWR, 0o644)
	assert.ErrorIs(t, err, ErrInjected)

	ffs.AddRule("nosync", Fault{FailOnSync: true, FailAfterBytes: -1})
	f, err := ffs.OpenFile(filepath.Join(tmp, "nosync.vec"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Sync(), ErrInjected)
	require.NoError(t, f.Close())
}

func TestFaultyFS_Delegation(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)

	dir := filepath.Join(tmp, "subdir")
	require.NoError(t, ffs.MkdirAll(dir, 0o755))

	fpath := filepath.Join(dir, "test.txt")
	f, err := ffs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, ffs.Truncate(fpath, 10))
	info, err := ffs.Stat(fpath)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size())

	require.NoError(t, ffs.Rename(fpath, fpath+".renamed"))
	_, err = ffs.ReadDir(dir)
	require.NoError(t, err)
	require.NoError(t, ffs.Remove(fpath+".renamed"))
}
