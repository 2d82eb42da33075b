package resource

import (
	"context"
	"io"
)

// throttle charges the controller's IO budget before each call.
type throttle struct {
	ctx context.Context
	rc  *Controller
}

func (t throttle) wait(n int) error { return t.rc.AcquireIO(t.ctx, n) }

// RateLimitedWriter is an io.Writer throttled by a Controller.
type RateLimitedWriter struct {
	throttle
	w io.Writer
}

// NewRateLimitedWriter throttles w. A nil rc leaves it unthrottled.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, rc *Controller) *RateLimitedWriter {
	return &RateLimitedWriter{throttle{ctx, rc}, w}
}

func (w *RateLimitedWriter) Write(p []byte) (int, error) {
	if err := w.wait(len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}

// RateLimitedWriterAt is an io.WriterAt throttled by a Controller. The
// segment writers use it for .vec and .docid files.
type RateLimitedWriterAt struct {
	throttle
	w io.WriterAt
}

// NewRateLimitedWriterAt throttles w.
func NewRateLimitedWriterAt(ctx context.Context, w io.WriterAt, rc *Controller) *RateLimitedWriterAt {
	return &RateLimitedWriterAt{throttle{ctx, rc}, w}
}

func (w *RateLimitedWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if err := w.wait(len(p)); err != nil {
		return 0, err
	}
	return w.w.WriteAt(p, off)
}

// RateLimitedReader is an io.Reader throttled by a Controller. The budget
// is charged for the buffer size, not the bytes read.
type RateLimitedReader struct {
	throttle
	r io.Reader
}

// NewRateLimitedReader throttles r.
func NewRateLimitedReader(ctx context.Context, r io.Reader, rc *Controller) *RateLimitedReader {
	return &RateLimitedReader{throttle{ctx, rc}, r}
}

func (r *RateLimitedReader) Read(p []byte) (int, error) {
	if err := r.wait(len(p)); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
