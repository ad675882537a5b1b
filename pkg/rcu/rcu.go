// Package rcu implements the read-copy-update grace-period substrate
// described in spec.md §4.4: per-CPU cooperative quiescent-state tracking,
// a global grace-period generation, and deferred callback batches shifted
// next -> waiting -> ready as generations cross each CPU's target.
//
// Grounded on original_source/hyp/core/rcu_bitmap/src/rcu_bitmap.c. The
// CPU active-set and grace-period generation are the concurrency-critical
// state; here they are updated together under one mutex (periodMu), and
// only the highest requested target generation is advanced by a CAS loop;
// each
// CPU's pending-callback batches are CPU-local by construction in the
// source (only that CPU, or a holder of its lock, ever touches them), so
// here they are guarded by a small per-CPU mutex rather than reimplemented
// lock-free — an idiomatic simplification that preserves the source's
// externally observable contract (every callback runs exactly once, after
// at least one grace period has elapsed) without hand-rolled bitmap CAS
// for every field.
package rcu

import (
	"context"
	"sync"
	"time"

	"github.com/latticevm/lattice/pkg/atomicbitops"
)

// UpdateClass identifies which free-list a deferred callback belongs to
// (DATA MODEL "three batches... per update class").
type UpdateClass int

const (
	ClassGeneric UpdateClass = iota
	ClassMemdbReleaseLevelTable
	ClassMemdbReleaseLevelBitmap
	ClassCspaceReleaseLevel
	numClasses
)

type batch map[UpdateClass][]func()

func (b batch) push(class UpdateClass, fn func()) {
	b[class] = append(b[class], fn)
}

func (b batch) take(class UpdateClass) []func() {
	fns := b[class]
	delete(b, class)
	return fns
}

func (b batch) empty() bool {
	for _, fns := range b {
		if len(fns) != 0 {
			return false
		}
	}
	return true
}

// period is the grace-period generation plus the set of CPUs that still
// need to acknowledge it, advanced together under Domain.periodMu
// (original_source: rcu_grace_period_t).
type period struct {
	generation uint64
	cpuBitmap  uint64
}

type cpuState struct {
	mu          sync.Mutex
	isActive    bool
	target      uint64
	next        batch
	waiting     batch
	ready       batch
	readyPend   bool
	updateCount int64
}

func newCPUState() *cpuState {
	return &cpuState{next: batch{}, waiting: batch{}, ready: batch{}}
}

// Domain is the process-wide RCU state (DATA MODEL "RCU state: Global").
type Domain struct {
	numCPUs int

	periodMu   sync.Mutex
	current    period
	activeCPUs uint64
	maxTarget  atomicbitops.Uint64
	waiters    atomicbitops.Int64

	cpus []*cpuState
}

// NewDomain returns a Domain tracking numCPUs physical CPUs, all initially
// inactive (as at boot, before any CPU has entered the scheduler).
func NewDomain(numCPUs int) *Domain {
	d := &Domain{numCPUs: numCPUs, cpus: make([]*cpuState, numCPUs)}
	for i := range d.cpus {
		d.cpus[i] = newCPUState()
	}
	return d
}

// ReadStart brackets the beginning of an RCU read-side critical section.
// In the source this disables preemption; callers here are expected to
// hold the section only across non-blocking object lookups and must not
// call a blocking operation (scheduler_sync, an allocator, etc.) while
// holding one, per spec.md §5.
func (d *Domain) ReadStart() {}

// ReadFinish brackets the end of a read-side critical section.
func (d *Domain) ReadFinish() {}

// Activate marks cpu as participating in grace periods — called when a
// thread enters the scheduler from user/guest mode or when the idle
// thread's yield handler re-observes pending work (spec.md §4.4
// "entering user mode... returns it to active").
func (d *Domain) Activate(cpu int) {
	cs := d.cpus[cpu]
	cs.mu.Lock()
	wasActive := cs.isActive
	cs.isActive = true
	cs.mu.Unlock()
	if wasActive {
		return
	}
	d.periodMu.Lock()
	d.activeCPUs |= 1 << uint(cpu)
	d.periodMu.Unlock()
	// The matching seq-cst fence pair (spec.md §5): this store is ordered
	// before any subsequent read-side critical section on this CPU by the
	// Go memory model's happens-before edge through periodMu; the pairing
	// fence is in quiesce() below, which re-reads activeCPUs under the
	// same mutex when starting a new generation.
}

// Deactivate marks cpu as not participating in grace periods (entering
// idle, §4.4) and runs a quiescent-state check, since an inactive CPU can
// never block a pending generation from closing.
func (d *Domain) Deactivate(cpu int) {
	cs := d.cpus[cpu]
	cs.mu.Lock()
	cs.isActive = false
	updateCount := cs.updateCount
	cs.mu.Unlock()
	if updateCount != 0 {
		// spec.md §5: "A CPU may not go offline while it has pending
		// callbacks" — deactivation (idle entry) is permitted, but we
		// still must keep processing its callbacks, so fall through to
		// quiesce rather than refusing.
		_ = updateCount
	}

	d.periodMu.Lock()
	d.activeCPUs &^= 1 << uint(cpu)
	d.periodMu.Unlock()

	d.SchedulerQuiescent(cpu)
}

// SchedulerQuiescent reports a cooperative quiescent state for cpu — the
// scheduler calls this whenever it is about to pick a new thread, which is
// always a safe point since no RCU read section can span a context switch
// (spec.md §5 "RCU read sections forbid sleeping").
func (d *Domain) SchedulerQuiescent(cpu int) {
	d.quiesce(cpu)
}

// quiesce acknowledges the current generation for cpu, advancing to a new
// generation if cpu is the last one required to ack and a further
// generation has been requested (original_source rcu_bitmap_quiesce).
func (d *Domain) quiesce(cpu int) {
	cpuBit := uint64(1) << uint(cpu)

	d.periodMu.Lock()
	d.current.cpuBitmap &^= cpuBit
	newPeriod := false
	if d.current.cpuBitmap == 0 {
		newPeriod = d.maxTarget.Load() != d.current.generation
		if newPeriod {
			d.current.cpuBitmap = d.activeCPUs
			d.current.generation++
		}
	}
	gen := d.current.generation
	d.periodMu.Unlock()

	if newPeriod {
		for c := 0; c < d.numCPUs; c++ {
			d.notify(c, gen)
		}
	}
}

// notify advances cpu's batches if the current generation has reached its
// target, and requests a further grace period if callbacks remain.
func (d *Domain) notify(cpu int, currentGen uint64) {
	cs := d.cpus[cpu]
	cs.mu.Lock()

	if cs.readyPend {
		d.runReady(cs)
	}

	if currentGen < cs.target {
		cs.mu.Unlock()
		return
	}

	waitingEmpty := cs.waiting.empty()
	nextEmpty := cs.next.empty()
	if !waitingEmpty {
		cs.readyPend = true
		for class, fns := range cs.waiting {
			cs.ready[class] = append(cs.ready[class], fns...)
		}
		cs.waiting = batch{}
	}
	cs.waiting = cs.next
	cs.next = batch{}

	if cs.readyPend {
		d.runReady(cs)
	}

	if !nextEmpty || !cs.waiting.empty() {
		cs.target = currentGen + 2
		old := d.maxTarget.Load()
		for isBefore(old, cs.target) {
			if d.maxTarget.CompareAndSwap(old, cs.target) {
				break
			}
			old = d.maxTarget.Load()
		}
	}
	cs.mu.Unlock()
}

// runReady executes and clears cs.ready; cs.mu must be held by the caller.
func (d *Domain) runReady(cs *cpuState) {
	ran := int64(0)
	for class := UpdateClass(0); class < numClasses; class++ {
		fns := cs.ready.take(class)
		for _, fn := range fns {
			fn()
			ran++
		}
	}
	cs.readyPend = false
	if ran == 0 {
		return
	}
	cs.updateCount -= ran
	if cs.updateCount == 0 {
		d.waiters.Add(-1)
	}
}

func isBefore(a, b uint64) bool {
	const aLongTime = uint64(1) << 63
	return (a - b) >= aLongTime
}

// Enqueue defers fn to run after at least one full grace period has
// elapsed, on behalf of cpu (the CPU the enqueuing thread is currently
// running on). fn must not block.
func (d *Domain) Enqueue(cpu int, class UpdateClass, fn func()) {
	cs := d.cpus[cpu]
	cs.mu.Lock()
	cs.next.push(class, fn)
	cs.updateCount++
	first := cs.updateCount == 1
	cs.mu.Unlock()

	if first {
		d.waiters.Add(1)
	}

	d.periodMu.Lock()
	gen := d.current.generation
	noPeriodInFlight := d.current.cpuBitmap == 0
	d.periodMu.Unlock()

	// Shift batches and set this CPU's target generation, mirroring
	// original_source's rcu_bitmap_notify() being run via the per-CPU
	// RCU_NOTIFY IPI immediately after enqueue.
	d.notify(cpu, gen)

	if noPeriodInFlight {
		// No generation is currently in flight to carry our new
		// target, so kick one off now (original_source: the
		// RCU_QUIESCE self-IPI rcu_bitmap_notify sends when
		// current_period.cpu_bitmap == 0).
		d.quiesce(cpu)
	}
}

// HasPendingUpdates reports whether any CPU has callbacks still waiting
// for a grace period, the condition spec.md §4.4 uses to forbid a CPU
// going offline.
func (d *Domain) HasPendingUpdates() bool {
	return d.waiters.Load() > 0
}

// Sync blocks until every callback enqueued before the call returns has
// run, by repeatedly reporting a quiescent state (SchedulerQuiescent) for
// every tracked CPU until no waiters remain. This is
// the Go stand-in for a blocking scheduler_sync call (spec.md §5 "sanctioned
// suspension points").
func (d *Domain) Sync(ctx context.Context) error {
	for d.HasPendingUpdates() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for c := 0; c < d.numCPUs; c++ {
			d.SchedulerQuiescent(c)
		}
		if d.HasPendingUpdates() {
			time.Sleep(time.Microsecond)
		}
	}
	return nil
}
