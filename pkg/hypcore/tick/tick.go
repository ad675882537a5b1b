// Package tick provides the monotonic tick source driving scheduler
// timeslice accounting and RCU IPI pacing (spec.md §4.5 "Scheduling time
// is recorded from the monotonic tick counter"), modeled as a rate-limited
// ticker per DOMAIN STACK (golang.org/x/time/rate).
package tick

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Source produces a monotonically increasing tick count at a configured
// rate and notifies a callback on every tick.
type Source struct {
	limiter *rate.Limiter
	count   int64
}

// New returns a Source ticking hz times per second.
func New(hz float64) *Source {
	return &Source{limiter: rate.NewLimiter(rate.Limit(hz), 1)}
}

// Now returns the current tick count without advancing it.
func (s *Source) Now() int64 { return atomic.LoadInt64(&s.count) }

// Run blocks, advancing the tick count and invoking onTick once per
// elapsed tick, until ctx is cancelled. onTick receives the new tick
// count and the number of ticks that elapsed since the previous call,
// which is always 1: each limiter wait advances the count by one tick.
func (s *Source) Run(ctx context.Context, onTick func(tick int64, elapsed int64)) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		next := atomic.AddInt64(&s.count, 1)
		onTick(next, 1)
	}
}

// Advance manually bumps the tick count by delta and returns the new
// value, used by tests instead of waiting on the real rate limiter.
func (s *Source) Advance(delta int64) int64 {
	return atomic.AddInt64(&s.count, delta)
}
