// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("checkpoints/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	_, err = archive.Pack(ctx, store, dumpDir, "ckpt-000001.rva",
//	    archive.WithCodec(archive.CodecZstd))
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart uploads for large archives
//   - Automatic pagination for listing
//   - CRC32C integrity checksums on upload
//   - PublishLog: CURRENT kept as a DynamoDB publish history, see NewWithPublishLog
package s3
