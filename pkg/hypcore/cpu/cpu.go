// Package cpu models the physical-CPU execution substrate: one goroutine
// per physical CPU, coordinated with errgroup so a fatal error or context
// cancellation on any CPU's loop stops the rest (spec.md §5 "Scheduling
// model: parallel kernel threads (one per physical CPU)").
//
// Grounded on the teacher pack's idiomatic concurrent-group primitive,
// golang.org/x/sync/errgroup (gvisor's go.mod), and spec.md §9's Go-native
// execution model expansion (physical CPUs as goroutines).
package cpu

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// LoopFunc is the body run on each physical CPU: it must return when ctx
// is cancelled. It receives its own CPU index.
type LoopFunc func(ctx context.Context, cpuIdx int) error

// Set owns one goroutine per physical CPU index, started together and
// torn down together.
type Set struct {
	n    int
	grp  *errgroup.Group
	ctx  context.Context
	stop context.CancelFunc

	// ipcGate bounds how many cross-CPU reschedule-IPI deliveries may be
	// in flight at once, the Go stand-in for the platform's IPI
	// dispatch queue depth (spec.md §5 "reschedule IPI" as a sanctioned
	// cross-CPU synchronization primitive).
	ipcGate *semaphore.Weighted
}

// New returns a Set of n physical CPUs, not yet started.
func New(ctx context.Context, n int) *Set {
	grp, gctx := errgroup.WithContext(ctx)
	cctx, cancel := context.WithCancel(gctx)
	return &Set{n: n, grp: grp, ctx: cctx, stop: cancel, ipcGate: semaphore.NewWeighted(int64(n))}
}

// NumCPUs returns the number of physical CPUs in the set.
func (s *Set) NumCPUs() int { return s.n }

// Start launches fn on every physical CPU's goroutine.
func (s *Set) Start(fn LoopFunc) {
	for i := 0; i < s.n; i++ {
		idx := i
		s.grp.Go(func() error { return fn(s.ctx, idx) })
	}
}

// SendIPI delivers a reschedule/notification IPI to targetCPU, gated by
// ipcGate so a storm of cross-CPU unblocks cannot spawn unbounded
// concurrent work (spec.md §4.4/§4.5 "reschedule IPI", "RCU IPI").
// deliver is called once the gate admits the request; it should be a
// short, non-blocking notification (e.g. closing a channel or setting a
// flag the target CPU's loop polls).
func (s *Set) SendIPI(ctx context.Context, deliver func()) error {
	if err := s.ipcGate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.ipcGate.Release(1)
	deliver()
	return nil
}

// Stop cancels every CPU's loop context.
func (s *Set) Stop() { s.stop() }

// Wait blocks until every CPU's loop has returned, propagating the first
// non-nil error (errgroup.Group's standard fan-in contract).
func (s *Set) Wait() error { return s.grp.Wait() }

// Context returns the cancellation context every CPU loop observes.
func (s *Set) Context() context.Context { return s.ctx }
