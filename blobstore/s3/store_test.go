package s3

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rawvec/blobstore"
	"github.com/hupe1980/rawvec/internal/hash"
)

func headFor(key string) any {
	return mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Bucket) == "vectors" && aws.ToString(in.Key) == key
	})
}

func TestStoreOpen(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "vectors", "field")

	t.Run("NotFound", func(t *testing.T) {
		client.On("HeadObject", mock.Anything, headFor("field/missing")).Return(nil, &types.NotFound{}).Once()

		_, err := store.Open(context.Background(), "missing")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("NoSuchKey", func(t *testing.T) {
		client.On("HeadObject", mock.Anything, headFor("field/gone")).Return(nil, &types.NoSuchKey{}).Once()

		_, err := store.Open(context.Background(), "gone")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Size", func(t *testing.T) {
		client.On("HeadObject", mock.Anything, headFor("field/0.vec")).Return(&s3.HeadObjectOutput{
			ContentLength: aws.Int64(320),
		}, nil).Once()

		blob, err := store.Open(context.Background(), "0.vec")
		require.NoError(t, err)
		assert.Equal(t, int64(320), blob.Size())
		assert.NoError(t, blob.Close())
	})

	client.AssertExpectations(t)
}

func TestStorePut(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "vectors", "field")
	data := []byte("manifest")

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "field/CURRENT" &&
			aws.ToInt64(in.ContentLength) == int64(len(data)) &&
			aws.ToString(in.ChecksumCRC32C) == hash.Base64(hash.CRC32C(data))
	})).Return(&s3.PutObjectOutput{}, nil).Once()

	require.NoError(t, store.Put(context.Background(), "CURRENT", data))
	client.AssertExpectations(t)
}

func TestStoreDelete(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "vectors", "field")

	client.On("DeleteObject", mock.Anything, mock.MatchedBy(func(in *s3.DeleteObjectInput) bool {
		return aws.ToString(in.Bucket) == "vectors" && aws.ToString(in.Key) == "field/old.rva"
	})).Return(&s3.DeleteObjectOutput{}, nil).Once()

	assert.NoError(t, store.Delete(context.Background(), "old.rva"))
	client.AssertExpectations(t)
}

func TestStoreList(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "vectors", "field/")

	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return in.ContinuationToken == nil && aws.ToString(in.Prefix) == "field"
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("next"),
		Contents: []types.Object{
			{Key: aws.String("field/seg/1.vec")},
			{Key: aws.String("field/CURRENT")},
		},
	}, nil).Once()
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.ContinuationToken) == "next"
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(false),
		Contents:    []types.Object{{Key: aws.String("field/seg/0.vec")}},
	}, nil).Once()

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"CURRENT", "seg/0.vec", "seg/1.vec"}, names)
	client.AssertExpectations(t)
}

func TestStoreCreate(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "vectors", "field")

	var uploaded []byte
	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "field/archive.rva"
	})).Run(func(args mock.Arguments) {
		in := args.Get(1).(*s3.PutObjectInput)
		uploaded, _ = io.ReadAll(in.Body)
	}).Return(&s3.PutObjectOutput{}, nil).Once()

	wb, err := store.Create(context.Background(), "archive.rva")
	require.NoError(t, err)

	_, err = wb.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, wb.Sync())
	require.NoError(t, wb.Close())

	assert.Equal(t, "payload", string(uploaded))

	_, err = wb.Write([]byte("late"))
	assert.Error(t, err)
}

func TestStoreCreateAbort(t *testing.T) {
	client := new(MockS3Client)
	store := NewStore(client, "vectors", "field")

	wb, err := store.Create(context.Background(), "archive.rva")
	require.NoError(t, err)

	a, ok := wb.(interface{ Abort() error })
	require.True(t, ok)
	require.NoError(t, a.Abort())
	assert.ErrorIs(t, wb.Close(), context.Canceled)

	_, err = wb.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	client.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything)
}

func TestBlobReadAt(t *testing.T) {
	client := new(MockS3Client)
	blob := &s3Blob{client: client, bucket: "b", key: "k", size: 10}

	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Range) == "bytes=0-4"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("01234"))}, nil).Once()
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Range) == "bytes=8-9"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("89"))}, nil).Once()

	ctx := context.Background()
	buf := make([]byte, 5)
	n, err := blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "01234", string(buf))

	// Clipped at the object end.
	n, err = blob.ReadAt(ctx, buf, 8)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)
	assert.Equal(t, "89", string(buf[:n]))

	_, err = blob.ReadAt(ctx, buf, 10)
	assert.ErrorIs(t, err, io.EOF)

	client.AssertExpectations(t)
}

func TestBlobReadRange(t *testing.T) {
	client := new(MockS3Client)
	blob := &s3Blob{client: client, bucket: "b", key: "k", size: 10}

	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Range) == "bytes=2-6"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("23456"))}, nil).Once()

	r, err := blob.ReadRange(context.Background(), 2, 5)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "23456", string(got))
}
