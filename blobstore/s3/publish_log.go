package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/rawvec/blobstore"
)

// pointerName is the blob archive.Publish writes the latest archive name to.
const pointerName = "CURRENT"

// DynamoDB item attributes.
const (
	attrNamespace = "namespace"
	attrSeq       = "seq"
	attrArchive   = "archive"
	attrPublished = "published_at"
)

// ErrConcurrentPublish is returned when another publisher claimed the same
// sequence number first.
var ErrConcurrentPublish = errors.New("s3: concurrent publish")

// DynamoDB is the subset of the DynamoDB client the publish log uses.
type DynamoDB interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Publication is one entry of the publish log.
type Publication struct {
	Seq         uint64
	Archive     string
	PublishedAt time.Time
}

// PublishLog is a blobstore.BlobStore over a Store that keeps the CURRENT
// pointer in DynamoDB instead of S3. Each publish appends an item with the
// next sequence number under a conditional write, so of two checkpoints
// racing on one namespace exactly one wins.
//
// Table layout: partition key "namespace" (S), sort key "seq" (N).
//
//	aws dynamodb create-table \
//	  --table-name rawvec-checkpoints \
//	  --attribute-definitions AttributeName=namespace,AttributeType=S AttributeName=seq,AttributeType=N \
//	  --key-schema AttributeName=namespace,KeyType=HASH AttributeName=seq,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type PublishLog struct {
	*Store

	db        DynamoDB
	table     string
	namespace string
	now       func() time.Time
}

// NewPublishLog wraps store. namespace separates independent checkpoint
// chains sharing one table; the store's s3:// URI is a natural choice.
func NewPublishLog(store *Store, db DynamoDB, table, namespace string) *PublishLog {
	return &PublishLog{Store: store, db: db, table: table, namespace: namespace, now: time.Now}
}

// Open serves CURRENT from the newest publication and everything else
// from S3.
func (l *PublishLog) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != pointerName {
		return l.Store.Open(ctx, name)
	}
	pubs, err := l.History(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(pubs) == 0 {
		return nil, blobstore.ErrNotFound
	}
	return blobstore.NewBytesBlob([]byte(pubs[0].Archive)), nil
}

// Put records a publication for CURRENT and uploads everything else.
func (l *PublishLog) Put(ctx context.Context, name string, data []byte) error {
	if name != pointerName {
		return l.Store.Put(ctx, name, data)
	}
	_, err := l.Publish(ctx, string(data))
	return err
}

// Publish appends archive as the newest publication and returns its
// sequence number.
func (l *PublishLog) Publish(ctx context.Context, archive string) (uint64, error) {
	pubs, err := l.History(ctx, 1)
	if err != nil {
		return 0, err
	}
	var seq uint64 = 1
	if len(pubs) > 0 {
		seq = pubs[0].Seq + 1
	}

	_, err = l.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]types.AttributeValue{
			attrNamespace: &types.AttributeValueMemberS{Value: l.namespace},
			attrSeq:       &types.AttributeValueMemberN{Value: strconv.FormatUint(seq, 10)},
			attrArchive:   &types.AttributeValueMemberS{Value: archive},
			attrPublished: &types.AttributeValueMemberN{Value: strconv.FormatInt(l.now().UnixMilli(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(" + attrSeq + ")"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return 0, fmt.Errorf("%w: seq %d", ErrConcurrentPublish, seq)
		}
		return 0, fmt.Errorf("s3: publish %s: %w", archive, err)
	}
	return seq, nil
}

// History returns up to limit publications, newest first. limit <= 0
// returns the first page DynamoDB hands back.
func (l *PublishLog) History(ctx context.Context, limit int) ([]Publication, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(l.table),
		KeyConditionExpression: aws.String(attrNamespace + " = :ns"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ns": &types.AttributeValueMemberS{Value: l.namespace},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(min(limit, 1<<20)))
	}
	out, err := l.db.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("s3: query publish log: %w", err)
	}

	pubs := make([]Publication, 0, len(out.Items))
	for _, item := range out.Items {
		p, err := decodePublication(item)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	return pubs, nil
}

func decodePublication(item map[string]types.AttributeValue) (Publication, error) {
	seqAttr, ok := item[attrSeq].(*types.AttributeValueMemberN)
	if !ok {
		return Publication{}, fmt.Errorf("s3: publish log item without %s", attrSeq)
	}
	archive, ok := item[attrArchive].(*types.AttributeValueMemberS)
	if !ok {
		return Publication{}, fmt.Errorf("s3: publish log item without %s", attrArchive)
	}
	seq, err := strconv.ParseUint(seqAttr.Value, 10, 64)
	if err != nil {
		return Publication{}, fmt.Errorf("s3: bad %s %q: %w", attrSeq, seqAttr.Value, err)
	}

	p := Publication{Seq: seq, Archive: archive.Value}
	if ts, ok := item[attrPublished].(*types.AttributeValueMemberN); ok {
		ms, err := strconv.ParseInt(ts.Value, 10, 64)
		if err != nil {
			return Publication{}, fmt.Errorf("s3: bad %s %q: %w", attrPublished, ts.Value, err)
		}
		p.PublishedAt = time.UnixMilli(ms)
	}
	return p, nil
}

var _ blobstore.BlobStore = (*PublishLog)(nil)
