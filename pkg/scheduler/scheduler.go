// Package scheduler implements the fixed-priority round-robin scheduler
// described in spec.md §4.5: per-CPU FIFO runqueues indexed by priority, a
// priority-present bitmap, yield-to donation, and the block/unblock state
// machine driving thread runnability.
//
// Grounded on original_source/hyp/core/scheduler_fprr/src/scheduler_fprr.c.
// Each physical CPU's runqueues are a small fixed array of FIFO lists
// guarded by one per-CPU spinlock (spec.md §5 "scheduler: per-CPU
// spinlock"); thread-level scheduling state (queued/running/need-requeue
// flags, affinity, yield-to pair) lives in a side table rather than on
// pkg/thread.Thread itself, since pkg/thread must not import pkg/scheduler
// (see pkg/thread's package doc).
package scheduler

import (
	"container/list"
	"sync"

	"github.com/latticevm/lattice/pkg/bitmap"
	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/rcu"
	"github.com/latticevm/lattice/pkg/thread"
)

// NumPriorities bounds the priority range (original_source
// SCHEDULER_NUM_PRIORITIES); priority 0 is lowest.
const NumPriorities = 32

// state is the scheduler-owned half of a thread's runtime scheduling data,
// the side table called out in the package doc.
type state struct {
	th *thread.Thread

	mu sync.Mutex

	homedCPU  int
	activeCPU int

	queued      bool
	running     bool
	needRequeue bool

	baseTicks   int64
	activeTicks int64

	yieldTo     *thread.Thread
	yieldedFrom *thread.Thread

	elem *list.Element // position within its runqueue list, nil if unqueued
}

// cpu is one physical CPU's runqueue set and currently-running thread
// (DATA MODEL "Scheduler per CPU").
type cpu struct {
	mu sync.Mutex

	runqueues []*list.List // index = priority
	present   *bitmap.Bitmap

	current   *state
	idle      *state
	timerSet  bool
	timerTick int64
}

// Scheduler owns every physical CPU's runqueue state plus the side table
// mapping threads to their scheduling state.
type Scheduler struct {
	rcuDomain *rcu.Domain

	cpus []*cpu

	statesMu sync.RWMutex
	states   map[*thread.Thread]*state
}

// New returns a Scheduler for numCPUs physical CPUs. rcuDomain may be nil;
// when set, affinity changes that require synchronization are deferred
// across one of its grace periods before the thread is unblocked
// (spec.md §4.5 "pre-migration event... enqueued for an RCU grace
// period").
func New(numCPUs int, rcuDomain *rcu.Domain) *Scheduler {
	s := &Scheduler{
		rcuDomain: rcuDomain,
		cpus:      make([]*cpu, numCPUs),
		states:    make(map[*thread.Thread]*state),
	}
	for i := range s.cpus {
		c := &cpu{runqueues: make([]*list.List, NumPriorities), present: bitmap.New(NumPriorities)}
		for p := range c.runqueues {
			c.runqueues[p] = list.New()
		}
		s.cpus[i] = c
	}
	return s
}

// SetIdle registers t as the always-selectable idle thread for cpuIdx
// (spec.md §4.5 "the idle thread is never queued but is always
// selectable").
func (s *Scheduler) SetIdle(cpuIdx int, t *thread.Thread) {
	st := s.stateFor(t)
	st.homedCPU = cpuIdx
	st.activeCPU = cpuIdx
	s.cpus[cpuIdx].idle = st
}

func (s *Scheduler) stateFor(t *thread.Thread) *state {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	if st, ok := s.states[t]; ok {
		return st
	}
	st := &state{th: t, homedCPU: t.Affinity(), activeCPU: t.Affinity(), baseTicks: t.TimesliceNs(), activeTicks: t.TimesliceNs()}
	s.states[t] = st
	return st
}

func (s *Scheduler) lookupState(t *thread.Thread) *state {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[t]
}

// AddThread implements thread.Scheduler: registers t and, if runnable,
// enqueues it on its homed CPU.
func (s *Scheduler) AddThread(t *thread.Thread) {
	st := s.stateFor(t)
	if t.IsRunnable() {
		s.enqueue(st)
	}
}

// RemoveThread implements thread.Scheduler: dequeues t (if queued) and
// forgets its scheduling state.
func (s *Scheduler) RemoveThread(t *thread.Thread) {
	st := s.lookupState(t)
	if st == nil {
		return
	}
	s.dequeue(st)
	s.statesMu.Lock()
	delete(s.states, t)
	s.statesMu.Unlock()
}

// enqueue places st on its active CPU's runqueue at its thread's current
// priority, if not already queued.
func (s *Scheduler) enqueue(st *state) {
	c := s.cpus[st.activeCPU]
	c.mu.Lock()
	defer c.mu.Unlock()
	s.enqueueLocked(c, st)
}

func (s *Scheduler) enqueueLocked(c *cpu, st *state) {
	if st.queued || st.running || c.idle == st {
		return
	}
	st.mu.Lock()
	if st.activeTicks <= 0 {
		st.activeTicks = st.baseTicks
	}
	prio := st.th.Priority()
	st.mu.Unlock()

	// A thread with a priority outside the runqueue range (the idle
	// thread's sentinel priority) is never queued — it is reached only
	// through PickNext's fallback (spec.md §4.5).
	if prio < 0 || prio >= NumPriorities {
		return
	}

	st.elem = c.runqueues[prio].PushBack(st)
	st.queued = true
	c.present.Set(prio)
}

func (s *Scheduler) dequeue(st *state) {
	c := s.cpus[st.activeCPU]
	c.mu.Lock()
	defer c.mu.Unlock()
	s.dequeueLocked(c, st)
}

func (s *Scheduler) dequeueLocked(c *cpu, st *state) {
	if !st.queued || st.elem == nil {
		return
	}
	prio := st.th.Priority()
	c.runqueues[prio].Remove(st.elem)
	st.elem = nil
	st.queued = false
	if c.runqueues[prio].Len() == 0 {
		c.present.Clear(prio)
	}
}

// Block implements thread.Scheduler (spec.md §4.5 "block(reason) sets a
// bit... and removes it from its runqueue").
func (s *Scheduler) Block(t *thread.Thread, reason thread.BlockReason) {
	t.SetBlocked(reason)
	st := s.lookupState(t)
	if st == nil {
		return
	}
	s.dequeue(st)
}

// Unblock implements thread.Scheduler (spec.md §4.5 "unblock(reason)
// clears that bit and, if the full block-mask is now empty, either
// enqueues the thread... or marks it need_requeue").
func (s *Scheduler) Unblock(t *thread.Thread, reason thread.BlockReason) {
	t.ClearBlocked(reason)
	if !t.IsRunnable() {
		return
	}
	st := s.lookupState(t)
	if st == nil {
		return
	}
	st.mu.Lock()
	running := st.running
	st.mu.Unlock()
	if running {
		st.mu.Lock()
		st.needRequeue = true
		st.mu.Unlock()
		return
	}
	s.enqueue(st)
	s.requestReschedule(st.activeCPU)
}

// Yield implements thread.Scheduler: zeroes the caller's remaining
// timeslice so the next schedule on its CPU picks a different thread at
// the same priority (spec.md §4.5 "yield by itself zeroes the caller's
// remaining timeslice").
func (s *Scheduler) Yield(t *thread.Thread) {
	st := s.lookupState(t)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.activeTicks = 0
	st.mu.Unlock()
}

// YieldTo implements spec.md §4.5 yield_to: the caller pins itself (zeroes
// its own timeslice so it won't be rechosen ahead of target at the same
// priority) and records target as the donation recipient; PickNext honors
// this on the next invocation for the caller's CPU.
func (s *Scheduler) YieldTo(caller, target *thread.Thread) error {
	cst := s.lookupState(caller)
	tst := s.lookupState(target)
	if cst == nil || tst == nil {
		return herr.ArgumentInvalid
	}
	cst.mu.Lock()
	cst.yieldTo = target
	cst.activeTicks = 0
	cst.mu.Unlock()
	return nil
}

// requestReschedule marks cpuIdx's timer as due; a real platform would
// send a reschedule IPI here if cpuIdx differs from the caller's CPU
// (spec.md §4.5 "A cross-CPU unblock uses a reschedule IPI" — in this
// single-process rendering, the goroutine driving cpuIdx simply observes
// NeedsReschedule on its next PickNext poll).
func (s *Scheduler) requestReschedule(cpuIdx int) {
	c := s.cpus[cpuIdx]
	c.mu.Lock()
	c.timerSet = true
	c.mu.Unlock()
}

// NeedsReschedule reports the scheduler invariant from spec.md §8: whether
// any runnable thread with higher priority than the active thread is
// present on cpuIdx.
func (s *Scheduler) NeedsReschedule(cpuIdx int) bool {
	c := s.cpus[cpuIdx]
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return !c.present.Empty()
	}
	highest := c.present.HighestSet()
	return highest > c.current.th.Priority()
}

// PickNext selects the next thread to run on cpuIdx, implementing
// spec.md §4.5 pick_next: highest-priority first; on equal priority with
// the current thread's timeslice expired, rotate to the next thread at
// that level; with timeslice remaining, stay. yield_to donation is
// honored ahead of the normal priority scan. Falls back to the registered
// idle thread, which is never queued but always selectable.
func (s *Scheduler) PickNext(cpuIdx int) *thread.Thread {
	c := s.cpus[cpuIdx]
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.mu.Lock()
		yt := c.current.yieldTo
		c.current.yieldTo = nil
		c.current.mu.Unlock()
		if yt != nil {
			if tst := s.lookupState(yt); tst != nil && tst.activeCPU == cpuIdx && yt.IsRunnable() && tst.queued {
				tst.mu.Lock()
				tst.yieldedFrom = c.current.th
				tst.mu.Unlock()
				s.dequeueLocked(c, tst)
				return tst.th
			}
		}
	}

	prio := c.present.HighestSet()
	if prio < 0 {
		if c.idle != nil {
			return c.idle.th
		}
		return nil
	}

	if c.current != nil && c.current.th.IsRunnable() {
		c.current.mu.Lock()
		curPrio := c.current.th.Priority()
		expired := c.current.activeTicks <= 0
		c.current.mu.Unlock()
		if curPrio > prio || (curPrio == prio && !expired) {
			return c.current.th
		}
	}

	q := c.runqueues[prio]
	front := q.Front()
	st := front.Value.(*state)
	s.dequeueLocked(c, st)
	return st.th
}

// Tick accounts elapsed ticks against the currently running thread on
// cpuIdx, stopping at zero. A thread at zero is rotated out by the next
// PickNext and, when ContextSwitch takes it off the CPU, requeued at the
// back of its runqueue with its timeslice reset (spec.md §4.5 "On
// each scheduler invocation the elapsed ticks are subtracted; at zero, the
// thread is requeued and timeslice reset").
func (s *Scheduler) Tick(cpuIdx int, elapsed int64) {
	c := s.cpus[cpuIdx]
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return
	}
	cur.mu.Lock()
	cur.activeTicks -= elapsed
	if cur.activeTicks < 0 {
		cur.activeTicks = 0
	}
	cur.mu.Unlock()
}

// SwitchResult carries the previous and next thread identities plus the
// monotonic tick the switch was recorded at (spec.md §4.5 "Scheduling time
// is recorded from the monotonic tick counter and passed along the
// switch").
type SwitchResult struct {
	From *thread.Thread
	To   *thread.Thread
	Tick int64
}

// ContextSwitch implements spec.md §4.5 context switch: picks a target,
// pins it with an additional reference, saves the outgoing thread's
// context, loads the target's, and records the switch. savedContext is
// the outgoing thread's register-context snapshot (opaque to the
// scheduler); the returned context is what the caller must restore before
// resuming the target.
func (s *Scheduler) ContextSwitch(cpuIdx int, savedContext interface{}, tick int64) (SwitchResult, interface{}) {
	c := s.cpus[cpuIdx]

	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()

	if prev != nil {
		prev.th.SwitchFrom(savedContext)
		prev.th.SetReady()
	}

	next := s.PickNext(cpuIdx)
	nst := s.lookupState(next)

	c.mu.Lock()
	if prev != nil {
		prev.mu.Lock()
		prev.running = false
		prev.needRequeue = false
		prev.mu.Unlock()
		if prev != nst && prev.th.IsRunnable() {
			s.enqueueLocked(c, prev)
		}
	}
	if nst != nil {
		nst.mu.Lock()
		nst.running = true
		nst.mu.Unlock()
	}
	c.current = nst
	c.timerSet = false
	c.mu.Unlock()

	restored := next.SwitchTo()

	var prevThread *thread.Thread
	if prev != nil {
		prevThread = prev.th
		prev.th.ObjHeader().Put()
	}
	next.ObjHeader().AddRef()

	return SwitchResult{From: prevThread, To: next, Tick: tick}, restored
}

// SetAffinity implements spec.md §4.5 affinity change: blocks t with
// AffinityChanged, updates its homed CPU, and either unblocks it
// immediately or, if sync is required (e.g. a pending TLB shootdown),
// defers the unblock across one RCU grace period.
func (s *Scheduler) SetAffinity(t *thread.Thread, newCPU int, requiresSync bool) error {
	if newCPU < 0 || newCPU >= len(s.cpus) {
		return herr.ArgumentInvalid
	}
	st := s.lookupState(t)
	if st == nil {
		return herr.ArgumentInvalid
	}

	s.Block(t, thread.BlockAffinityChanged)

	st.mu.Lock()
	st.homedCPU = newCPU
	st.activeCPU = newCPU
	st.mu.Unlock()

	if requiresSync && s.rcuDomain != nil {
		s.rcuDomain.Enqueue(0, rcu.ClassGeneric, func() {
			s.Unblock(t, thread.BlockAffinityChanged)
		})
		return nil
	}
	s.Unblock(t, thread.BlockAffinityChanged)
	return nil
}

// Current returns the thread currently running on cpuIdx, or nil.
func (s *Scheduler) Current(cpuIdx int) *thread.Thread {
	c := s.cpus[cpuIdx]
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.th
}

// YieldedFrom reports which thread, if any, donated its timeslice to t via
// the most recent yield_to that selected it.
func (s *Scheduler) YieldedFrom(t *thread.Thread) *thread.Thread {
	st := s.lookupState(t)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.yieldedFrom
}
