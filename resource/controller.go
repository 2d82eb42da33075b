package resource

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation would exceed the
// configured memory limit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits. Zero values mean unlimited, except
// MaxBackgroundWorkers where zero means one.
type Config struct {
	MemoryLimitBytes     int64
	MaxBackgroundWorkers int64
	IOLimitBytesPerSec   int64
}

// Controller hands out memory, background slots and IO throughput.
type Controller struct {
	mem   memBudget
	slots *semaphore.Weighted
	io    *rate.Limiter // nil when unlimited
}

// memBudget tracks reserved bytes against an optional hard limit.
type memBudget struct {
	limit int64
	sem   *semaphore.Weighted // nil when unlimited
	used  atomic.Int64
}

func (m *memBudget) try(n int64) bool {
	if m.sem != nil && !m.sem.TryAcquire(n) {
		return false
	}
	m.used.Add(n)
	return true
}

func (m *memBudget) wait(ctx context.Context, n int64) error {
	if m.sem != nil {
		if n > m.limit {
			return fmt.Errorf("%w: requested %d bytes, limit %d", ErrMemoryLimitExceeded, n, m.limit)
		}
		if err := m.sem.Acquire(ctx, n); err != nil {
			return err
		}
	}
	m.used.Add(n)
	return nil
}

func (m *memBudget) release(n int64) {
	if m.sem != nil {
		m.sem.Release(n)
	}
	m.used.Add(-n)
}

// NewController creates a controller enforcing cfg.
func NewController(cfg Config) *Controller {
	c := &Controller{slots: semaphore.NewWeighted(max(cfg.MaxBackgroundWorkers, 1))}
	c.mem.limit = max(cfg.MemoryLimitBytes, 0)
	if c.mem.limit > 0 {
		c.mem.sem = semaphore.NewWeighted(c.mem.limit)
	}
	if cfg.IOLimitBytesPerSec > 0 {
		// One second of traffic may burst.
		c.io = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// Reserve takes bytes from the memory budget or fails at once with
// ErrMemoryLimitExceeded.
func (c *Controller) Reserve(bytes int64) error {
	if c.TryAcquireMemory(bytes) {
		return nil
	}
	return fmt.Errorf("%w: requested %d bytes, used %d of %d",
		ErrMemoryLimitExceeded, bytes, c.MemoryUsage(), c.MemoryLimit())
}

// TryAcquireMemory is Reserve reporting success as a bool.
func (c *Controller) TryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	return c.mem.try(bytes)
}

// AcquireMemory blocks until bytes fit the budget or ctx ends. A request
// above the limit can never fit and fails immediately.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	return c.mem.wait(ctx, bytes)
}

// ReleaseMemory returns bytes taken by Reserve or AcquireMemory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	c.mem.release(bytes)
}

// MemoryUsage returns the reserved bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.mem.used.Load()
}

// MemoryLimit returns the memory limit, 0 if unlimited.
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.mem.limit
}

// AcquireBackground takes a background slot, waiting while all are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.slots.Acquire(ctx, 1)
}

// TryAcquireBackground takes a background slot if one is free.
func (c *Controller) TryAcquireBackground() bool {
	return c == nil || c.slots.TryAcquire(1)
}

// ReleaseBackground frees a slot taken by AcquireBackground.
func (c *Controller) ReleaseBackground() {
	if c != nil {
		c.slots.Release(1)
	}
}

// AcquireIO waits until the IO budget admits bytes. Requests larger than
// the burst are admitted in burst-sized steps.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.io == nil {
		return nil
	}
	for step := c.io.Burst(); bytes > 0; bytes -= step {
		if err := c.io.WaitN(ctx, min(bytes, step)); err != nil {
			return err
		}
	}
	return nil
}
