// Package minio provides a BlobStore backed by the MinIO client.
//
// It works against MinIO and other S3-compatible systems such as Ceph,
// SeaweedFS and Garage without pulling in the AWS SDK.
//
//	store, err := minio.Dial(ctx, minio.Config{
//	    Endpoint:     "localhost:9000",
//	    AccessKey:    "minioadmin",
//	    SecretKey:    "minioadmin",
//	    Bucket:       "rawvec",
//	    Prefix:       "checkpoints/",
//	    CreateBucket: true,
//	})
//	if err != nil {
//	    return err
//	}
//	err = archive.Publish(ctx, store, "ckpt-000001.rva")
package minio
