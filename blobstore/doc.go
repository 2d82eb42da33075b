// Package blobstore provides storage for checkpoint archives.
//
// BlobStore is the interface for reading and writing immutable blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local file system, reads through mmap
//   - MemoryStore: in-process, for tests
//   - CachingStore: block cache in front of another store
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - s3.PublishLog: s3.Store with a conditional CURRENT pointer in DynamoDB
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
// Implement the BlobStore interface to support other backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
package blobstore
