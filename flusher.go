package rawvec

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FlushFunc makes pending vectors durable and returns how many new
// vectors it persisted.
type FlushFunc func(ctx context.Context) (int, error)

// AsyncFlusher runs a FlushFunc on an interval in a background goroutine
// and tracks how many vectors are durable.
type AsyncFlusher struct {
	name     string
	flush    FlushFunc
	interval time.Duration
	escalate int
	logger   *Logger
	metrics  MetricsCollector

	nflushed    atomic.Int64
	failures    atomic.Int64
	consecutive atomic.Int64
	lastErr     atomic.Pointer[error]

	flushMu sync.Mutex // one FlushFunc at a time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// FlusherOption configures an AsyncFlusher.
type FlusherOption func(*AsyncFlusher)

// WithFlusherInterval sets the pause between flush passes.
func WithFlusherInterval(d time.Duration) FlusherOption {
	return func(f *AsyncFlusher) {
		if d > 0 {
			f.interval = d
		}
	}
}

// WithFlusherLogger sets the flusher's logger.
func WithFlusherLogger(l *Logger) FlusherOption {
	return func(f *AsyncFlusher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithFlusherMetrics sets the collector that receives flush results.
func WithFlusherMetrics(mc MetricsCollector) FlusherOption {
	return func(f *AsyncFlusher) {
		if mc != nil {
			f.metrics = mc
		}
	}
}

// WithFlusherEscalation sets after how many consecutive failures errors
// are logged at error level.
func WithFlusherEscalation(n int) FlusherOption {
	return func(f *AsyncFlusher) {
		if n > 0 {
			f.escalate = n
		}
	}
}

// NewAsyncFlusher creates a stopped flusher.
func NewAsyncFlusher(name string, fn FlushFunc, opts ...FlusherOption) *AsyncFlusher {
	f := &AsyncFlusher{
		name:     name,
		flush:    fn,
		interval: defaultFlushInterval,
		escalate: defaultEscalateAfter,
		logger:   NoopLogger(),
		metrics:  NoopMetricsCollector{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start launches the background loop. It is a no-op when running.
func (f *AsyncFlusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.wg.Add(1)
	go f.loop(f.stopCh)
}

// Stop signals the loop and waits for it to exit. It does not drain
// pending vectors. It is a no-op when stopped.
func (f *AsyncFlusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	f.mu.Unlock()
	f.wg.Wait()
}

// Running reports whether the background loop is active.
func (f *AsyncFlusher) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *AsyncFlusher) loop(stopCh <-chan struct{}) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			_, _ = f.Flush(ctx)
		}
	}
}

// Flush runs one pass synchronously and returns how many new vectors it
// made durable.
func (f *AsyncFlusher) Flush(ctx context.Context) (int, error) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	start := time.Now()
	n, err := f.flush(ctx)
	f.metrics.RecordFlush(n, time.Since(start), err)

	if err != nil {
		f.failures.Add(1)
		c := f.consecutive.Add(1)
		f.lastErr.Store(&err)
		f.logger.LogFlush(ctx, 0, f.nflushed.Load(), int(c), c >= int64(f.escalate), err)
		return 0, err
	}
	f.consecutive.Store(0)
	total := f.nflushed.Add(int64(n))
	f.logger.LogFlush(ctx, n, total, 0, false, nil)
	return n, nil
}

// Until blocks until at least n vectors are durable or ctx ends.
func (f *AsyncFlusher) Until(ctx context.Context, n int64) error {
	if f.nflushed.Load() >= n {
		return nil
	}
	poll := min(f.interval, 10*time.Millisecond)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if f.nflushed.Load() >= n {
				return nil
			}
		}
	}
}

// Name returns the name of the store being flushed.
func (f *AsyncFlusher) Name() string { return f.name }

// NFlushed returns the number of durable vectors.
func (f *AsyncFlusher) NFlushed() int64 { return f.nflushed.Load() }

func (f *AsyncFlusher) setNFlushed(n int64) { f.nflushed.Store(n) }

// Failures returns the total number of failed passes.
func (f *AsyncFlusher) Failures() int64 { return f.failures.Load() }

// ConsecutiveFailures returns the number of failed passes since the last
// success.
func (f *AsyncFlusher) ConsecutiveFailures() int64 { return f.consecutive.Load() }

// LastError returns the error of the most recent failed pass.
func (f *AsyncFlusher) LastError() error {
	if p := f.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}
