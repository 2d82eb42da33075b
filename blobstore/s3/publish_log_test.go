package s3

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/rawvec/blobstore"
)

// tableFake is a DynamoDB table keyed by namespace and seq.
type tableFake struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newTableFake() *tableFake {
	return &tableFake{items: make(map[string]map[string]types.AttributeValue)}
}

func str(item map[string]types.AttributeValue, attr string) string {
	switch v := item[attr].(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func (f *tableFake) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := str(in.Item, attrNamespace) + "#" + str(in.Item, attrSeq)
	if aws.ToString(in.ConditionExpression) == "attribute_not_exists(seq)" {
		if _, ok := f.items[key]; ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *tableFake) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ns := str(in.ExpressionAttributeValues, ":ns")
	var items []map[string]types.AttributeValue
	for _, it := range f.items {
		if str(it, attrNamespace) == ns {
			items = append(items, it)
		}
	}
	seq := func(it map[string]types.AttributeValue) uint64 {
		n, _ := strconv.ParseUint(str(it, attrSeq), 10, 64)
		return n
	}
	sort.Slice(items, func(i, j int) bool { return seq(items[i]) > seq(items[j]) })
	if in.Limit != nil && int(*in.Limit) < len(items) {
		items = items[:*in.Limit]
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func newLog(client *MockS3Client, db DynamoDB, ns string) *PublishLog {
	return NewPublishLog(NewStore(client, "vectors", "field/"), db, "rawvec-checkpoints", ns)
}

func readPointer(t *testing.T, s blobstore.BlobStore) string {
	t.Helper()
	b, err := s.Open(context.Background(), "CURRENT")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	data, err := blobstore.ReadAll(context.Background(), b)
	require.NoError(t, err)
	return string(data)
}

func TestPublishLogHistory(t *testing.T) {
	ctx := context.Background()
	l := newLog(new(MockS3Client), newTableFake(), "s3://vectors/field/")
	base := time.UnixMilli(1_700_000_000_000)
	tick := 0
	l.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	_, err := l.Open(ctx, "CURRENT")
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	for i := 1; i <= 12; i++ {
		require.NoError(t, l.Put(ctx, "CURRENT", []byte(fmt.Sprintf("ckpt-%06d.rva", i))))
	}
	assert.Equal(t, "ckpt-000012.rva", readPointer(t, l))

	pubs, err := l.History(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pubs, 3)
	assert.Equal(t, uint64(12), pubs[0].Seq)
	assert.Equal(t, "ckpt-000010.rva", pubs[2].Archive)
	assert.Equal(t, base.Add(12*time.Second), pubs[0].PublishedAt)

	all, err := l.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 12)

	seq, err := l.Publish(ctx, "ckpt-000013.rva")
	require.NoError(t, err)
	assert.Equal(t, uint64(13), seq)
}

func TestPublishLogConcurrentPublishers(t *testing.T) {
	ctx := context.Background()
	db := newTableFake()
	l := newLog(new(MockS3Client), db, "s3://vectors/field/")
	_, err := l.Publish(ctx, "ckpt-000001.rva")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Publish(ctx, fmt.Sprintf("ckpt-%06d.rva", i+2))
			if err != nil && !errors.Is(err, ErrConcurrentPublish) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Positive(t, wins)
	assert.Len(t, db.items, wins+1)
}

func TestPublishLogNamespaces(t *testing.T) {
	ctx := context.Background()
	db := newTableFake()

	a := newLog(new(MockS3Client), db, "s3://vectors/a/")
	b := newLog(new(MockS3Client), db, "s3://vectors/b/")

	require.NoError(t, a.Put(ctx, "CURRENT", []byte("a.rva")))
	require.NoError(t, b.Put(ctx, "CURRENT", []byte("b.rva")))

	assert.Equal(t, "a.rva", readPointer(t, a))
	assert.Equal(t, "b.rva", readPointer(t, b))
}

func TestPublishLogBadItem(t *testing.T) {
	db := newTableFake()
	db.items["ns#1"] = map[string]types.AttributeValue{
		attrNamespace: &types.AttributeValueMemberS{Value: "ns"},
		attrSeq:       &types.AttributeValueMemberN{Value: "1"},
	}
	_, err := newLog(new(MockS3Client), db, "ns").History(context.Background(), 1)
	assert.ErrorContains(t, err, attrArchive)
}

func TestPublishLogDelegatesBlobs(t *testing.T) {
	ctx := context.Background()
	client := new(MockS3Client)
	l := newLog(client, newTableFake(), "s3://vectors/field/")

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return aws.ToString(in.Key) == "field/ckpt-000001.rva"
	})).Return(&s3.PutObjectOutput{}, nil).Once()
	client.On("DeleteObject", mock.Anything, mock.Anything).Return(&s3.DeleteObjectOutput{}, nil).Once()

	require.NoError(t, l.Put(ctx, "ckpt-000001.rva", []byte("data")))
	require.NoError(t, l.Delete(ctx, "ckpt-000001.rva"))
	client.AssertExpectations(t)
}
