// Package prommetrics exports rawvec metrics to Prometheus.
package prommetrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/rawvec"
)

// Collector implements rawvec.MetricsCollector with Prometheus metrics.
type Collector struct {
	latency   *prometheus.HistogramVec
	ops       *prometheus.CounterVec
	vectors   *prometheus.CounterVec
	requested prometheus.Counter
	missing   prometheus.Counter
}

var _ rawvec.MetricsCollector = (*Collector)(nil)

// New creates a Collector and registers it with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "rawvec"
	}

	c := &Collector{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of raw vector operations",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 12),
		}, []string{"op", "status"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Raw vector operations by outcome",
		}, []string{"op", "status"}),
		vectors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vectors_total",
			Help:      "Vectors added, flushed, dumped and loaded",
		}, []string{"op"}),
		requested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "get_requested_total",
			Help:      "Vectors requested by reads",
		}),
		missing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "get_missing_total",
			Help:      "Requested vectors that were not found",
		}),
	}

	var err error
	if c.latency, err = register(reg, c.latency); err != nil {
		return nil, err
	}
	if c.ops, err = register(reg, c.ops); err != nil {
		return nil, err
	}
	if c.vectors, err = register(reg, c.vectors); err != nil {
		return nil, err
	}
	if c.requested, err = register(reg, c.requested); err != nil {
		return nil, err
	}
	if c.missing, err = register(reg, c.missing); err != nil {
		return nil, err
	}
	return c, nil
}

// register adopts an already registered collector of the same shape so that
// several engines in one process share the series.
func register[C prometheus.Collector](reg prometheus.Registerer, m C) (C, error) {
	if err := reg.Register(m); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return m, err
	}
	return m, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) record(op string, d time.Duration, err error) {
	s := status(err)
	c.latency.WithLabelValues(op, s).Observe(d.Seconds())
	c.ops.WithLabelValues(op, s).Inc()
}

func (c *Collector) RecordAdd(count int, d time.Duration, err error) {
	c.record("add", d, err)
	if err == nil {
		c.vectors.WithLabelValues("add").Add(float64(count))
	}
}

func (c *Collector) RecordUpdate(d time.Duration, err error) {
	c.record("update", d, err)
}

func (c *Collector) RecordGet(requested, missing int, d time.Duration) {
	c.latency.WithLabelValues("get", "ok").Observe(d.Seconds())
	c.requested.Add(float64(requested))
	c.missing.Add(float64(missing))
}

func (c *Collector) RecordFlush(flushed int, d time.Duration, err error) {
	c.record("flush", d, err)
	c.vectors.WithLabelValues("flush").Add(float64(flushed))
}

func (c *Collector) RecordDump(vectors int, d time.Duration, err error) {
	c.record("dump", d, err)
	c.vectors.WithLabelValues("dump").Add(float64(vectors))
}

func (c *Collector) RecordLoad(vectors int, d time.Duration, err error) {
	c.record("load", d, err)
	c.vectors.WithLabelValues("load").Add(float64(vectors))
}
