package rawvec

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operational metrics from a RawVector.
// The prommetrics package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordAdd is called after each Add with the number of vectors added.
	RecordAdd(count int, duration time.Duration, err error)

	// RecordUpdate is called after each Update.
	RecordUpdate(duration time.Duration, err error)

	// RecordGet is called after each GetVector and Gets with the number of
	// ids requested and the number that could not be resolved.
	RecordGet(requested, missing int, duration time.Duration)

	// RecordFlush is called after each flush pass with the number of
	// vectors made durable.
	RecordFlush(flushed int, duration time.Duration, err error)

	// RecordDump is called after each explicit Dump.
	RecordDump(vectors int, duration time.Duration, err error)

	// RecordLoad is called after each Load.
	RecordLoad(vectors int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAdd(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordUpdate(time.Duration, error)     {}
func (NoopMetricsCollector) RecordGet(int, int, time.Duration)     {}
func (NoopMetricsCollector) RecordFlush(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordDump(int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordLoad(int, time.Duration, error)  {}

// BasicMetricsCollector keeps simple in-memory counters.
type BasicMetricsCollector struct {
	AddCount       atomic.Int64
	AddVectors     atomic.Int64
	AddErrors      atomic.Int64
	AddTotalNanos  atomic.Int64
	UpdateCount    atomic.Int64
	UpdateErrors   atomic.Int64
	GetCount       atomic.Int64
	GetRequested   atomic.Int64
	GetMissing     atomic.Int64
	FlushCount     atomic.Int64
	FlushVectors   atomic.Int64
	FlushErrors    atomic.Int64
	DumpCount      atomic.Int64
	DumpVectors    atomic.Int64
	DumpErrors     atomic.Int64
	LoadCount      atomic.Int64
	LoadVectors    atomic.Int64
	LoadErrors     atomic.Int64
	LoadTotalNanos atomic.Int64
}

// RecordAdd implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAdd(count int, duration time.Duration, err error) {
	b.AddCount.Add(1)
	b.AddTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AddErrors.Add(1)
		return
	}
	b.AddVectors.Add(int64(count))
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(_ time.Duration, err error) {
	b.UpdateCount.Add(1)
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(requested, missing int, _ time.Duration) {
	b.GetCount.Add(1)
	b.GetRequested.Add(int64(requested))
	b.GetMissing.Add(int64(missing))
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(flushed int, _ time.Duration, err error) {
	b.FlushCount.Add(1)
	b.FlushVectors.Add(int64(flushed))
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordDump implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDump(vectors int, _ time.Duration, err error) {
	b.DumpCount.Add(1)
	if err != nil {
		b.DumpErrors.Add(1)
		return
	}
	b.DumpVectors.Add(int64(vectors))
}

// RecordLoad implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLoad(vectors int, duration time.Duration, err error) {
	b.LoadCount.Add(1)
	b.LoadTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.LoadErrors.Add(1)
		return
	}
	b.LoadVectors.Add(int64(vectors))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AddCount:      b.AddCount.Load(),
		AddVectors:    b.AddVectors.Load(),
		AddErrors:     b.AddErrors.Load(),
		AddAvgNanos:   avg(b.AddTotalNanos.Load(), b.AddCount.Load()),
		UpdateCount:   b.UpdateCount.Load(),
		UpdateErrors:  b.UpdateErrors.Load(),
		GetCount:      b.GetCount.Load(),
		GetRequested:  b.GetRequested.Load(),
		GetMissing:    b.GetMissing.Load(),
		FlushCount:    b.FlushCount.Load(),
		FlushVectors:  b.FlushVectors.Load(),
		FlushErrors:   b.FlushErrors.Load(),
		DumpCount:     b.DumpCount.Load(),
		DumpVectors:   b.DumpVectors.Load(),
		DumpErrors:    b.DumpErrors.Load(),
		LoadCount:     b.LoadCount.Load(),
		LoadVectors:   b.LoadVectors.Load(),
		LoadErrors:    b.LoadErrors.Load(),
		LoadAvgNanos:  avg(b.LoadTotalNanos.Load(), b.LoadCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AddCount     int64
	AddVectors   int64
	AddErrors    int64
	AddAvgNanos  int64
	UpdateCount  int64
	UpdateErrors int64
	GetCount     int64
	GetRequested int64
	GetMissing   int64
	FlushCount   int64
	FlushVectors int64
	FlushErrors  int64
	DumpCount    int64
	DumpVectors  int64
	DumpErrors   int64
	LoadCount    int64
	LoadVectors  int64
	LoadErrors   int64
	LoadAvgNanos int64
}
