package thread

import (
	"testing"

	"github.com/latticevm/lattice/pkg/object"
	"github.com/latticevm/lattice/pkg/partition"
)

// fakeScheduler is the minimal double for the Scheduler interface a thread
// needs to drive its own lifecycle transitions; pkg/scheduler exercises the
// real implementation against Thread from the other side of this same
// injection point (see pkg/scheduler's tests), so this package tests
// Thread's own state machine in isolation.
type fakeScheduler struct {
	added, removed []*Thread
	blocked        map[*Thread]BlockReason
	yielded        []*Thread
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{blocked: make(map[*Thread]BlockReason)}
}

func (f *fakeScheduler) Unblock(t *Thread, reason BlockReason) { t.ClearBlocked(reason) }
func (f *fakeScheduler) Block(t *Thread, reason BlockReason) {
	t.SetBlocked(reason)
	f.blocked[t] = reason
}
func (f *fakeScheduler) Yield(t *Thread)        { f.yielded = append(f.yielded, t) }
func (f *fakeScheduler) AddThread(t *Thread)    { f.added = append(f.added, t) }
func (f *fakeScheduler) RemoveThread(t *Thread) { f.removed = append(f.removed, t) }

func newTestPartition(t *testing.T) *partition.Partition {
	t.Helper()
	p, err := partition.New(1<<20, 4)
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestActivateClearsLifecycleBlockAndJoinsScheduler(t *testing.T) {
	p := newTestPartition(t)
	s := newFakeScheduler()
	th := New(p, s, Options{Priority: 5, StackSize: 4096})

	if th.IsBlocked(BlockLifecycle) != true {
		t.Fatalf("expected lifecycle block set before Activate")
	}
	if err := th.Activate(struct{ pc int }{42}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if th.IsBlocked(BlockLifecycle) {
		t.Fatalf("expected lifecycle block cleared after Activate")
	}
	if th.ObjHeader().State() != object.StateActive {
		t.Fatalf("expected object state Active, got %v", th.ObjHeader().State())
	}
	if len(s.added) != 1 || s.added[0] != th {
		t.Fatalf("expected thread added to scheduler once, got %v", s.added)
	}
	if !th.IsRunnable() {
		t.Fatalf("expected thread runnable after Activate")
	}
}

func TestActivateRejectsZeroStackSize(t *testing.T) {
	p := newTestPartition(t)
	s := newFakeScheduler()
	th := New(p, s, Options{Priority: 5})
	if err := th.Activate(struct{}{}); err == nil {
		t.Fatalf("expected error for zero stack size")
	}
}

func TestActivateTwiceFails(t *testing.T) {
	p := newTestPartition(t)
	s := newFakeScheduler()
	th := New(p, s, Options{Priority: 5, StackSize: 4096})
	if err := th.Activate(struct{}{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := th.Activate(struct{}{}); err == nil {
		t.Fatalf("expected second Activate to fail")
	}
}

func TestKillIsIdempotentAndDying(t *testing.T) {
	p := newTestPartition(t)
	s := newFakeScheduler()
	th := New(p, s, Options{Priority: 5, StackSize: 4096})
	_ = th.Activate(struct{}{})

	th.Kill()
	if !th.IsDying() {
		t.Fatalf("expected IsDying true after Kill")
	}
	th.Kill() // idempotent
	if th.State() != StateKilled {
		t.Fatalf("expected state Killed, got %v", th.State())
	}
}

func TestSwitchFromThenSwitchToRoundTripsContext(t *testing.T) {
	p := newTestPartition(t)
	s := newFakeScheduler()
	th := New(p, s, Options{Priority: 5, StackSize: 4096})
	_ = th.Activate(map[string]int{"pc": 1})

	th.SwitchFrom(map[string]int{"pc": 2, "sp": 3})
	got := th.SwitchTo().(map[string]int)
	if got["pc"] != 2 || got["sp"] != 3 {
		t.Fatalf("got %v, want pc=2 sp=3", got)
	}
	if th.State() != StateRunning {
		t.Fatalf("expected state Running after SwitchTo, got %v", th.State())
	}
}

func TestBlockReasonBitmaskIndependence(t *testing.T) {
	p := newTestPartition(t)
	s := newFakeScheduler()
	th := New(p, s, Options{Priority: 5, StackSize: 4096})
	_ = th.Activate(nil)

	th.SetBlocked(BlockAffinityChanged)
	if !th.IsBlocked(BlockAffinityChanged) {
		t.Fatalf("expected BlockAffinityChanged set")
	}
	if th.IsBlocked(BlockExplicit) {
		t.Fatalf("unrelated block reason should not be set")
	}
	if th.IsRunnable() {
		t.Fatalf("thread should not be runnable while any block bit is set")
	}
	th.ClearBlocked(BlockAffinityChanged)
	if !th.IsRunnable() {
		t.Fatalf("expected runnable once the only block bit clears")
	}
}
