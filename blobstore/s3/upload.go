package s3

import (
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// UploadConfig tunes the managed uploader archives stream through.
type UploadConfig struct {
	// PartSize is the multipart part size. Archives smaller than one part
	// go up in a single PutObject.
	PartSize int64
	// Concurrency bounds the parts in flight.
	Concurrency int
	// EnableChecksum asks S3 to verify CRC32C on every part.
	EnableChecksum bool
	// LeavePartsOnError skips AbortMultipartUpload after a failure.
	LeavePartsOnError bool
}

// DefaultUploadConfig uses 8MiB parts, five at a time, checksummed.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{PartSize: 8 << 20, Concurrency: 5, EnableChecksum: true}
}

func newUploader(client Client, cfg UploadConfig) *manager.Uploader {
	return manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
		u.LeavePartsOnError = cfg.LeavePartsOnError
	})
}

// uploadWriter feeds a background managed upload through a pipe. The
// object exists once Close returns nil.
type uploadWriter struct {
	pw     *io.PipeWriter
	result chan error

	once sync.Once
	err  error
}

func newUploadWriter(ctx context.Context, uploader *manager.Uploader, bucket, key string, checksum bool) *uploadWriter {
	pr, pw := io.Pipe()
	w := &uploadWriter{pw: pw, result: make(chan error, 1)}

	in := &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key), Body: pr}
	if checksum {
		in.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	go func() {
		_, err := uploader.Upload(ctx, in)
		// Unblock a writer stuck on a failed upload.
		_ = pr.CloseWithError(err)
		w.result <- err
	}()
	return w
}

// Write fails with io.ErrClosedPipe after Close or Abort and with the
// upload error once the upload gave up.
func (w *uploadWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close ends the body and waits for the upload to complete.
func (w *uploadWriter) Close() error {
	w.finish(nil)
	return w.err
}

// Abort cancels the upload. A started multipart upload is aborted by the
// uploader unless LeavePartsOnError is set.
func (w *uploadWriter) Abort() error {
	w.finish(context.Canceled)
	return nil
}

func (w *uploadWriter) finish(cause error) {
	w.once.Do(func() {
		if cause != nil {
			_ = w.pw.CloseWithError(cause)
			<-w.result
			w.err = cause
			return
		}
		_ = w.pw.Close()
		w.err = <-w.result
	})
}

// Sync is a no-op; data is committed on Close.
func (w *uploadWriter) Sync() error { return nil }
