package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits for the engine's compute resources.
//
// A "compute resource" is one addressable unit of search/index execution
// capacity (e.g. one CPU worker, one GPU device). NumComputeResources bounds
// how many of the engine's own background pipelines (compaction, index
// build) may run at once via AcquireBackground/ReleaseBackground.
//
// There is deliberately no memory limit here: resident artifact memory is
// already accounted for, byte-exactly, by cache.Manager's own capacity
// tracking (one instance per cache, evicting to fit rather than blocking).
// A second, blocking memory semaphore layered on top of that would either
// duplicate the same number or, sized differently, fight it; see DESIGN.md.
type Config struct {
	// NumComputeResources is the number of independent compute resources
	// (CPU workers plus any GPU devices) available for background work.
	// If 0, defaults to 1.
	NumComputeResources int64

	// IOLimitBytesPerSec caps throughput of the segment reads and writes
	// routed through AcquireIO. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages the engine's shared resources: compute-resource
// concurrency and background I/O throttling.
type Controller struct {
	cfg Config

	// Concurrency
	bgSem *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.NumComputeResources <= 0 {
		cfg.NumComputeResources = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.NumComputeResources),
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// NumComputeResources reports the configured compute-resource count, the
// number of background slots AcquireBackground hands out. DeleteJob's
// broadcast count comes from the scheduler's registered resources instead.
func (c *Controller) NumComputeResources() uint {
	if c == nil {
		return 1
	}
	return uint(c.cfg.NumComputeResources)
}

// AcquireBackground attempts to reserve a background worker slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	return c.bgSem.Acquire(ctx, 1)
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	c.bgSem.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c.ioLimiter == nil {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}

// TryAcquireBackground attempts to reserve a background worker slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	return c.bgSem.TryAcquire(1)
}
