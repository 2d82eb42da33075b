package rawvec

import (
	"time"

	"github.com/hupe1980/rawvec/internal/fs"
	"github.com/hupe1980/rawvec/resource"
)

// WriteFailurePolicy selects what Add does when the backend write fails
// after vids were allocated.
type WriteFailurePolicy int

const (
	// RollbackOnFailure undoes the allocation. Nothing becomes visible.
	RollbackOnFailure WriteFailurePolicy = iota
	// TombstoneOnFailure keeps the vids allocated and records them as
	// tombstones. Reads return ErrNotFound and dumps write zero records.
	TombstoneOnFailure
)

func (p WriteFailurePolicy) String() string {
	switch p {
	case RollbackOnFailure:
		return "rollback"
	case TombstoneOnFailure:
		return "tombstone"
	default:
		return "unknown"
	}
}

const (
	defaultFlushInterval   = time.Second
	defaultEscalateAfter   = 5
	defaultDrainTimeout    = 30 * time.Second
	defaultDumpBatchVector = 1024
)

type options struct {
	logger        *Logger
	metrics       MetricsCollector
	fs            fs.FileSystem
	rc            *resource.Controller
	params        StoreParams
	flushInterval time.Duration
	escalateAfter int
	drainTimeout  time.Duration
	policy        WriteFailurePolicy
	dumpBatch     int
}

func defaultOptions() options {
	return options{
		logger:        NoopLogger(),
		metrics:       NoopMetricsCollector{},
		fs:            fs.Default,
		params:        DefaultStoreParams(),
		flushInterval: defaultFlushInterval,
		escalateAfter: defaultEscalateAfter,
		drainTimeout:  defaultDrainTimeout,
		policy:        RollbackOnFailure,
		dumpBatch:     defaultDumpBatchVector,
	}
}

// Option configures a RawVector.
type Option func(*options)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithFileSystem sets the file system used for dumps and the backend.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fs.OrDefault(fsys)
	}
}

// WithResourceController shares a memory and IO budget with the backend
// and the flusher.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.rc = rc
	}
}

// WithStoreParams sets the parameters handed to the backend at Init.
func WithStoreParams(p StoreParams) Option {
	return func(o *options) {
		o.params = p
	}
}

// WithFlushInterval sets how often the background flusher runs.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

// WithFailureEscalation sets after how many consecutive flush failures the
// flusher logs at error level.
func WithFailureEscalation(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.escalateAfter = n
		}
	}
}

// WithDrainTimeout bounds how long Close waits for pending vectors to
// become durable.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithWriteFailurePolicy selects the Add failure policy.
func WithWriteFailurePolicy(p WriteFailurePolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithDumpBatch sets how many records a dump writes per IO call.
func WithDumpBatch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.dumpBatch = n
		}
	}
}
