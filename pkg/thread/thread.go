// Package thread implements the virtual CPU execution context: a thread
// object with its own stack, saved register context, and lifecycle state
// machine, grounded on
// original_source/hyp/core/thread_standard/src/thread.c (spec.md §4.5).
//
// Runqueue placement (priority, affinity, timeslice accounting) belongs to
// pkg/scheduler; a Thread depends on its scheduler only through the small
// Scheduler interface below, injected at construction, so the two packages
// never import each other directly — mirroring the source's
// thread/scheduler_fprr split into separate compilation units reacting to
// shared object-lifecycle events.
package thread

import (
	"sync"
	"sync/atomic"

	"github.com/mohae/deepcopy"

	"github.com/latticevm/lattice/pkg/atomicbitops"
	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/object"
	"github.com/latticevm/lattice/pkg/partition"
)

// State is the thread lifecycle state (original_source thread_state_t).
type State int32

const (
	StateInit State = iota
	StateReady
	StateRunning
	StateBlocked
	StateKilled
	StateExited
)

// BlockReason is a bit in a thread's block-reason mask; the thread is
// runnable only once every bit is clear (original_source
// THREAD_BLOCK_BITS).
type BlockReason uint32

const (
	BlockLifecycle BlockReason = 1 << iota
	BlockAffinityChanged
	BlockExplicit
)

// Scheduler is the subset of pkg/scheduler.Scheduler a thread needs to
// drive its own lifecycle transitions.
type Scheduler interface {
	Unblock(t *Thread, reason BlockReason)
	Block(t *Thread, reason BlockReason)
	Yield(t *Thread)
	AddThread(t *Thread)
	RemoveThread(t *Thread)
}

// Options configures a thread at creation (original_source
// thread_standard_handle_object_create_thread's attribute reads).
type Options struct {
	Priority    int
	Affinity    int
	TimesliceNs int64
	StackSize   uint64
	// HLOSVM marks this thread as the primary vcpu of the host/HLOS VM. It
	// is recorded and reported by HLOSVM(); the scheduler does not consult
	// it, so such a thread migrates on SetAffinity like any other
	// (spec.md Open Question 2, resolved: modeled as a thread option
	// rather than a distinct object type).
	HLOSVM bool
}

var nextThreadID uint64

// Thread is a schedulable execution context.
type Thread struct {
	header object.Header
	id     uint64

	partition *partition.Partition
	sched     Scheduler

	mu          sync.Mutex
	state       atomicbitops.Int32
	opts        Options
	stackOffset uint64
	stackSize   uint64

	// context is an opaque saved register-context snapshot, deep-copied
	// on every switch-away so that a concurrently running copy (e.g. a
	// trace/debug tool inspecting the last-saved state) never observes a
	// torn update (original_source thread_context_t save/restore).
	context interface{}

	blockBits atomicbitops.Uint32
}

// New allocates an unconfigured thread.
func New(p *partition.Partition, sched Scheduler, opts Options) *Thread {
	t := &Thread{
		id:        atomic.AddUint64(&nextThreadID, 1),
		partition: p,
		sched:     sched,
		opts:      opts,
	}
	t.header.Init(object.TypeThread)
	t.blockBits.Store(uint32(BlockLifecycle))
	return t
}

// ObjHeader implements object.Object.
func (t *Thread) ObjHeader() *object.Header { return &t.header }

func (t *Thread) ID() uint64          { return t.id }
func (t *Thread) Priority() int       { return t.opts.Priority }
func (t *Thread) Affinity() int       { return t.opts.Affinity }
func (t *Thread) TimesliceNs() int64  { return t.opts.TimesliceNs }
func (t *Thread) HLOSVM() bool        { return t.opts.HLOSVM }
func (t *Thread) State() State        { return State(t.state.Load()) }

// Activate allocates the thread's stack from its partition, initializes
// its saved context, and clears the lifecycle block bit so the scheduler
// may run it (original_source
// thread_standard_handle_object_activate_thread). Activation takes an
// additional self-reference, released only in Exit, so a thread cannot be
// freed out from under a scheduler that still holds it runnable.
func (t *Thread) Activate(initialContext interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.header.State() != object.StateInit {
		return herr.ObjectState
	}
	if t.opts.StackSize == 0 {
		return herr.ArgumentInvalid
	}

	_, off, err := t.partition.Alloc(int(t.opts.StackSize), 16, t.id, uint8(object.TypeThread))
	if err != nil {
		return err
	}
	t.stackOffset = off
	t.stackSize = t.opts.StackSize
	t.context = deepcopy.Copy(initialContext)

	t.header.AddRef()
	t.header.SetState(object.StateActive)
	t.state.Store(int32(StateReady))
	t.clearBlock(BlockLifecycle)
	t.sched.AddThread(t)
	return nil
}

// Deactivate reverses Activate for a thread that never ran (original_source
// thread_standard_handle_object_deactivate_thread).
func (t *Thread) Deactivate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.header.State() != object.StateActive {
		return herr.ObjectState
	}
	t.sched.RemoveThread(t)
	t.header.SetState(object.StateDead)
	return t.partition.Free(t.stackOffset, t.stackSize, t.id, uint8(object.TypeThread))
}

// SwitchFrom saves out's context before the scheduler switches away from
// it, storing a deep copy as the thread's saved context; it returns nothing
// (original_source thread_standard_handle_thread_context_switch_pre, which
// is trivial in the source but is given real save semantics here since Go
// has no hardware register file to fall back on).
func (t *Thread) SwitchFrom(current interface{}) {
	t.mu.Lock()
	t.context = deepcopy.Copy(current)
	t.mu.Unlock()
}

// SwitchTo returns a copy of the context to resume with, restoring this
// thread as SCHEDULER's current pick.
func (t *Thread) SwitchTo() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Store(int32(StateRunning))
	return deepcopy.Copy(t.context)
}

// Kill requests termination: a CAS from any live state to Killed, except
// that a thread already Killed or Exited is left alone (original_source
// thread_kill is idempotent).
func (t *Thread) Kill() {
	for {
		cur := State(t.state.Load())
		if cur == StateKilled || cur == StateExited {
			return
		}
		if t.state.CompareAndSwap(int32(cur), int32(StateKilled)) {
			return
		}
	}
}

// IsDying reports whether Kill has been requested but Exit has not yet run.
func (t *Thread) IsDying() bool { return t.State() == StateKilled }

// HasExited reports whether the thread has fully exited.
func (t *Thread) HasExited() bool { return t.State() == StateExited }

// Exit marks the thread exited, blocks it from the scheduler's runqueue,
// releases the activation self-reference, and yields — the calling
// goroutine must never observe Exit return (original_source thread_exit
// panics if scheduler_yield() ever resumes it here).
func (t *Thread) Exit() {
	t.state.Store(int32(StateExited))
	t.sched.Block(t, BlockLifecycle)
	t.header.Put()
	t.sched.Yield(t)
	herr.Panic("thread resumed after exit")
}

// blocked reports whether any block bit is set.
func (t *Thread) blocked() bool { return t.blockBits.Load() != 0 }

func (t *Thread) setBlock(reason BlockReason) {
	for {
		old := t.blockBits.Load()
		if t.blockBits.CompareAndSwap(old, old|uint32(reason)) {
			return
		}
	}
}

func (t *Thread) clearBlock(reason BlockReason) {
	for {
		old := t.blockBits.Load()
		if t.blockBits.CompareAndSwap(old, old&^uint32(reason)) {
			return
		}
	}
}

// IsBlocked reports whether reason is currently set on this thread,
// queried by the scheduler when deciding runnability.
func (t *Thread) IsBlocked(reason BlockReason) bool {
	return t.blockBits.Load()&uint32(reason) != 0
}

// IsRunnable reports whether the thread is in Ready or Running state with
// no block bits set.
func (t *Thread) IsRunnable() bool {
	s := t.State()
	return (s == StateReady || s == StateRunning) && !t.blocked()
}

// SetBlocked and ClearBlocked are called by pkg/scheduler to drive the
// block-bit mask from Block/Unblock requests.
func (t *Thread) SetBlocked(reason BlockReason)   { t.setBlock(reason) }
func (t *Thread) ClearBlocked(reason BlockReason) { t.clearBlock(reason) }

// SetReady transitions the thread to Ready (from Running, on preemption or
// voluntary yield).
func (t *Thread) SetReady() { t.state.CompareAndSwap(int32(StateRunning), int32(StateReady)) }

// SetPriority and SetAffinity update the thread's scheduling parameters in
// place; pkg/scheduler is responsible for re-homing the thread in its
// runqueue after calling these (original_source scheduler_set_priority /
// scheduler_set_affinity split the attribute update from the requeue).
func (t *Thread) SetPriority(p int)   { t.mu.Lock(); t.opts.Priority = p; t.mu.Unlock() }
func (t *Thread) SetAffinity(a int)   { t.mu.Lock(); t.opts.Affinity = a; t.mu.Unlock() }
func (t *Thread) SetTimeslice(ns int64) { t.mu.Lock(); t.opts.TimesliceNs = ns; t.mu.Unlock() }
