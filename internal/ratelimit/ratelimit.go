package ratelimit

// Package ratelimit bounds the outbound API traffic of a run: a fixed number
// of concurrent in-flight calls across all workers, and a minimum interval
// between the start times of successive calls made by any single worker.

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Controller is the one piece of state shared by every worker in a run. The
// slot count is mediated by a weighted semaphore; per-worker pacing state
// lives in Pacer values that are never shared.
type Controller struct {
	sem      *semaphore.Weighted
	capacity int
	interval time.Duration
}

// NewController creates a controller allowing capacity concurrent calls and
// enforcing interval between call starts within each worker's sequence.
func NewController(capacity int, interval time.Duration) *Controller {
	if capacity < 1 {
		capacity = 1
	}
	if interval < 0 {
		interval = 0
	}
	return &Controller{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		interval: interval,
	}
}

// Capacity returns the configured concurrency bound.
func (c *Controller) Capacity() int { return c.capacity }

// Interval returns the per-worker minimum spacing between call starts.
func (c *Controller) Interval() time.Duration { return c.interval }

// Pacer tracks one worker's request timing. Each worker goroutine owns
// exactly one Pacer; the zero spacing state means the first call is not
// delayed.
type Pacer struct {
	c    *Controller
	last time.Time
}

// NewPacer creates pacing state for a single worker.
func (c *Controller) NewPacer() *Pacer {
	return &Pacer{c: c}
}

// Call runs fn while holding one concurrency slot. The slot is released when
// fn returns, panics included, so an erroring call can never leak capacity.
// Callers beyond the bound block until a slot frees or ctx ends.
func (p *Pacer) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := p.c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.c.sem.Release(1)

	if err := p.pace(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// pace blocks until this worker's minimum inter-request interval has passed
// since its previous call start, then records the new start time.
func (p *Pacer) pace(ctx context.Context) error {
	if p.c.interval > 0 && !p.last.IsZero() {
		if wait := p.c.interval - time.Since(p.last); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	p.last = time.Now()
	return nil
}
