package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/rawvec"
	"github.com/hupe1980/rawvec/resource"
)

// Engine owns the vector fields of one table. Documents are added to all
// fields under one docid; Dump and Load cover every field together.
type Engine struct {
	cfg     Config
	logger  *rawvec.Logger
	metrics rawvec.MetricsCollector
	rc      *resource.Controller

	fields map[string]Vector
	order  []string

	mu        sync.RWMutex
	closed    bool
	lastDocID int
	docs      int
	updates   int

	dumpMu        sync.Mutex
	seq           int
	lastDumped    int
	dumpedDocs    int
	dumpedUpdates int
}

type options struct {
	logger  *rawvec.Logger
	metrics rawvec.MetricsCollector
	rc      *resource.Controller
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger shared by all fields.
func WithLogger(l *rawvec.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetricsCollector sets the collector shared by all fields.
func WithMetricsCollector(mc rawvec.MetricsCollector) Option {
	return func(o *options) { o.metrics = mc }
}

// WithResourceController replaces the controller built from the Config
// limits.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) { o.rc = rc }
}

// New validates cfg and creates and initializes every field. Fields are
// empty until Add or Load.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{metrics: rawvec.NoopMetricsCollector{}}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = rawvec.NoopLogger()
	}
	if o.rc == nil {
		memLimit, _ := parseSize(cfg.MemoryLimit)
		ioLimit, _ := parseSize(cfg.IOLimit)
		o.rc = resource.NewController(resource.Config{
			MemoryLimitBytes:     memLimit,
			MaxBackgroundWorkers: int64(dumpWorkers(cfg)),
			IOLimitBytesPerSec:   ioLimit,
		})
	}

	e := &Engine{
		cfg:        cfg,
		logger:     o.logger,
		metrics:    o.metrics,
		rc:         o.rc,
		fields:     make(map[string]Vector, len(cfg.Fields)),
		lastDocID:  -1,
		lastDumped: -1,
	}

	fieldOpts := []rawvec.Option{
		rawvec.WithLogger(o.logger),
		rawvec.WithMetricsCollector(o.metrics),
		rawvec.WithResourceController(o.rc),
		rawvec.WithWriteFailurePolicy(rawvec.TombstoneOnFailure),
	}
	if cfg.FlushInterval > 0 {
		fieldOpts = append(fieldOpts, rawvec.WithFlushInterval(cfg.FlushInterval))
	}

	for _, fi := range cfg.Fields {
		v, err := NewField(fi, filepath.Join(cfg.Root, "fields"), cfg.MaxDocs, fieldOpts...)
		if err != nil {
			_ = e.closeFields()
			return nil, err
		}
		e.fields[fi.Name] = v
		e.order = append(e.order, fi.Name)
	}
	e.logger.Info("engine opened", "root", cfg.Root, "fields", len(e.order))
	return e, nil
}

// Field returns the named field.
func (e *Engine) Field(name string) (Vector, error) {
	v, ok := e.fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return v, nil
}

// Fields returns the field names in configuration order.
func (e *Engine) Fields() []string { return slices.Clone(e.order) }

// DocCount returns the number of documents added or loaded.
func (e *Engine) DocCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.docs
}

// Add stores one document in every field. docids must increase. The
// payloads are validated for all fields before any field is written. A
// backend failure in one field tombstones the document there and the
// remaining fields are still written, so all fields keep the same docids.
func (e *Engine) Add(docid int, doc map[string]rawvec.Field) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if docid <= e.lastDocID {
		return fmt.Errorf("%w: docid %d after %d", rawvec.ErrDocIDOrder, docid, e.lastDocID)
	}
	if err := e.validate(doc); err != nil {
		return err
	}

	var errs []error
	for _, name := range e.order {
		if err := e.fields[name].Add(docid, doc[name]); err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", name, err))
		}
	}
	e.lastDocID = docid
	e.docs++
	return errors.Join(errs...)
}

func (e *Engine) validate(doc map[string]rawvec.Field) error {
	for name := range doc {
		if _, ok := e.fields[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
	}
	for _, name := range e.order {
		f, ok := doc[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingField, name)
		}
		v := e.fields[name]
		vbs := v.VectorByteSize()
		k := len(f.Value) / vbs
		if len(f.Value) == 0 || len(f.Value)%vbs != 0 || (k > 1 && !v.MultiVids()) {
			return fmt.Errorf("field %q: %w", name, &rawvec.ErrDimensionMismatch{Expected: vbs, Actual: len(f.Value)})
		}
		if n := v.VectorNum(); n+k > v.MaxVectorSize() {
			return fmt.Errorf("field %q: %w: %d + %d > %d", name, rawvec.ErrCapacityExceeded, n, k, v.MaxVectorSize())
		}
	}
	return nil
}

// Update replaces the vectors of docid in the fields present in doc.
func (e *Engine) Update(docid int, doc map[string]rawvec.Field) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	for name := range doc {
		if _, ok := e.fields[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
	}
	var errs []error
	applied := 0
	for _, name := range e.order {
		f, ok := doc[name]
		if !ok {
			continue
		}
		if err := e.fields[name].Update(docid, f); err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", name, err))
			continue
		}
		applied++
	}
	if applied > 0 {
		e.updates++
	}
	return errors.Join(errs...)
}

// Dump writes the documents added since the previous dump into the next
// numbered dump directory, together with the records updated since any
// earlier dump. Disk fields are drained into their root first. It returns
// nil without writing anything when there is nothing new.
// Adds may continue while a dump runs; they belong to the next dump.
func (e *Engine) Dump(ctx context.Context) (*DumpManifest, error) {
	e.dumpMu.Lock()
	defer e.dumpMu.Unlock()

	e.mu.RLock()
	closed, maxDocID, totalDocs, updates := e.closed, e.lastDocID, e.docs, e.updates
	e.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if maxDocID <= e.lastDumped && updates == e.dumpedUpdates {
		return nil, nil
	}

	start := time.Now()
	seq := e.seq + 1
	dir := DumpDir(e.cfg.Root, seq)
	from := e.lastDumped + 1

	err := e.dumpFields(ctx, dir, from, maxDocID)
	if err == nil {
		m := &DumpManifest{
			Seq:       seq,
			MinDocID:  from,
			MaxDocID:  maxDocID,
			Docs:      totalDocs - e.dumpedDocs,
			TotalDocs: totalDocs,
			Updates:   updates - e.dumpedUpdates,
			Fields:    slices.Clone(e.order),
			CreatedAt: time.Now().UTC(),
		}
		if err = writeManifest(dir, m); err == nil {
			e.seq, e.lastDumped, e.dumpedDocs, e.dumpedUpdates = seq, maxDocID, totalDocs, updates
			e.logger.Info("engine dump completed",
				"seq", seq,
				"path", dir,
				"min_docid", from,
				"max_docid", maxDocID,
				"docs", m.Docs,
				"updates", m.Updates,
				"duration", time.Since(start),
			)
			return m, nil
		}
	}

	_ = os.RemoveAll(dir)
	e.logger.Error("engine dump failed", "seq", seq, "path", dir, "error", err)
	return nil, fmt.Errorf("dump %d: %w", seq, err)
}

func dumpWorkers(cfg Config) int {
	if cfg.DumpWorkers > 0 {
		return cfg.DumpWorkers
	}
	return len(cfg.Fields)
}

func (e *Engine) dumpFields(ctx context.Context, dir string, from, to int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// Background slots of the controller bound the concurrent fields.
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range e.order {
		v := e.fields[name]
		g.Go(func() error {
			if err := e.rc.AcquireBackground(gctx); err != nil {
				return err
			}
			defer e.rc.ReleaseBackground()

			if v.Flusher() != nil {
				if err := v.Dump(gctx, v.RootPath(), from, to); err != nil {
					return fmt.Errorf("field %q: drain: %w", name, err)
				}
			}
			if err := v.Dump(gctx, dir, from, to); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Load restores every field from the complete dump directories. Disk
// fields adopt their root file and fall back to the dump directories when
// it does not hold enough documents. The engine must be empty.
func (e *Engine) Load(ctx context.Context) error {
	e.dumpMu.Lock()
	defer e.dumpMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.docs != 0 {
		return rawvec.ErrNotEmpty
	}

	dirs, manifests, err := Dumps(e.cfg.Root)
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return nil
	}
	last := manifests[len(manifests)-1]
	for _, name := range e.order {
		if !slices.Contains(last.Fields, name) {
			return fmt.Errorf("%w: field %q not in dump %d", rawvec.ErrConfigMismatch, name, last.Seq)
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range e.order {
		v := e.fields[name]
		g.Go(func() error {
			if v.Flusher() != nil {
				err := v.Load(gctx, []string{v.RootPath()}, last.TotalDocs)
				if err == nil {
					return nil
				}
				if gctx.Err() != nil {
					return err
				}
				e.logger.Warn("root reload failed, loading dumps", "field", name, "error", err)
			}
			if err := v.Load(gctx, dirs, last.TotalDocs); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.lastDocID = last.MaxDocID
	e.docs = last.TotalDocs
	e.seq, e.lastDumped, e.dumpedDocs = last.Seq, last.MaxDocID, last.TotalDocs
	e.updates, e.dumpedUpdates = 0, 0
	e.logger.Info("engine load completed",
		"dumps", len(dirs),
		"docs", e.docs,
		"duration", time.Since(start),
	)
	return nil
}

// FieldStats summarizes one field.
type FieldStats struct {
	Name       string
	Kind       rawvec.ElementKind
	Vectors    int
	Docs       int
	Tombstones int
	MemBytes   int64
	Flushed    int64
}

// Stats returns per-field statistics in configuration order.
func (e *Engine) Stats() []FieldStats {
	out := make([]FieldStats, 0, len(e.order))
	for _, name := range e.order {
		v := e.fields[name]
		s := FieldStats{
			Name:       name,
			Kind:       v.Kind(),
			Vectors:    v.VectorNum(),
			Docs:       v.VIDMgr().DocCount(),
			Tombstones: v.TombstoneCount(),
			MemBytes:   v.TotalMemBytes(),
			Flushed:    -1,
		}
		if f := v.Flusher(); f != nil {
			s.Flushed = f.NFlushed()
		}
		out = append(out, s)
	}
	return out
}

// Close stops the flushers and closes every field.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.closeFields()
}

func (e *Engine) closeFields() error {
	var errs []error
	for _, name := range e.order {
		if err := e.fields[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
