package msgqueue

import (
	"testing"

	"github.com/latticevm/lattice/pkg/herr"
)

type countingVIRQ struct {
	asserts int
	clears  int
}

func (c *countingVIRQ) Assert() { c.asserts++ }
func (c *countingVIRQ) Clear()  { c.clears++ }

// TestThresholdCrossings is spec.md §8 scenario 6: a depth-4 queue with
// notfull_thd=2, notempty_thd=2: send 3 messages -> receiver VIRQ asserted
// on the 2nd; receive 2 messages -> sender VIRQ asserted on the transition
// through 2.
func TestThresholdCrossings(t *testing.T) {
	q, err := New(Options{Depth: 4, MaxMsgSize: 16, NotEmptyThd: 2, NotFullThd: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rcv := &countingVIRQ{}
	snd := &countingVIRQ{}
	q.Bind(false, rcv)
	q.Bind(true, snd)

	for i := 0; i < 3; i++ {
		if err := q.Send([]byte{byte(i)}, false); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if rcv.asserts != 1 {
		t.Fatalf("expected exactly 1 receiver VIRQ assert on the notempty crossing, got %d", rcv.asserts)
	}

	for i := 0; i < 2; i++ {
		if _, err := q.Receive(); err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
	}
	if snd.asserts != 1 {
		t.Fatalf("expected exactly 1 sender VIRQ assert on the notfull crossing, got %d", snd.asserts)
	}
	if q.Count() != 1 {
		t.Fatalf("expected 1 message remaining, got %d", q.Count())
	}
}

func TestFullAndEmpty(t *testing.T) {
	q, err := New(Options{Depth: 2, MaxMsgSize: 8, NotEmptyThd: 1, NotFullThd: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Send([]byte("a"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := q.Send([]byte("b"), false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := q.Send([]byte("c"), false); err != herr.MsgqueueFull {
		t.Fatalf("expected MsgqueueFull, got %v", err)
	}

	if _, err := q.Receive(); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, err := q.Receive(); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, err := q.Receive(); err != herr.MsgqueueEmpty {
		t.Fatalf("expected MsgqueueEmpty, got %v", err)
	}
}
