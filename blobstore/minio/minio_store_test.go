package minio

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rawvec/blobstore"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// TestStoreIntegration requires a running MinIO instance.
func TestStoreIntegration(t *testing.T) {
	ctx := context.Background()
	store, err := Dial(ctx, Config{
		Endpoint:     env("MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:    env("MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey:    env("MINIO_SECRET_KEY", "minioadmin"),
		Bucket:       "rawvec-test",
		Prefix:       "it/",
		CreateBucket: true,
	})
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	data := []byte("0123456789abcdef")
	require.NoError(t, store.Put(ctx, "seg/0.vec", data))

	b, err := store.Open(ctx, "seg/0.vec")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), b.Size())

	buf := make([]byte, 4)
	n, err := b.ReadAt(ctx, buf, 14)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "ef", string(buf[:n]))

	rc, err := b.ReadRange(ctx, 10, 6)
	require.NoError(t, err)
	part, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(part))
	require.NoError(t, rc.Close())
	require.NoError(t, b.Close())

	wb, err := store.Create(ctx, "seg/1.vec")
	require.NoError(t, err)
	_, err = wb.Write([]byte("streamed"))
	require.NoError(t, err)
	require.NoError(t, wb.Close())

	names, err := store.List(ctx, "seg/")
	require.NoError(t, err)
	assert.Equal(t, []string{"seg/0.vec", "seg/1.vec"}, names)

	require.NoError(t, store.Delete(ctx, "seg/0.vec"))
	require.NoError(t, store.Delete(ctx, "seg/1.vec"))
	require.NoError(t, store.Delete(ctx, "seg/1.vec"))

	_, err = store.Open(ctx, "seg/0.vec")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestCreateRejectsEscapingNames(t *testing.T) {
	store := NewStore(nil, "bucket", "root/")
	_, err := store.Create(context.Background(), "../outside")
	assert.ErrorIs(t, err, blobstore.ErrInvalidName)
}
