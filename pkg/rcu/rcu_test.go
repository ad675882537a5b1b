package rcu

import (
	"context"
	"testing"
	"time"
)

func TestDomainRunsCallbackAfterGracePeriod(t *testing.T) {
	d := NewDomain(4)
	for c := 0; c < 4; c++ {
		d.Activate(c)
	}

	ran := false
	d.Enqueue(0, ClassGeneric, func() { ran = true })

	if !d.HasPendingUpdates() {
		t.Fatalf("expected pending updates immediately after Enqueue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if !ran {
		t.Fatalf("callback did not run after Sync")
	}
	if d.HasPendingUpdates() {
		t.Fatalf("expected no pending updates after Sync")
	}
}

func TestDomainRunsManyCallbacksAcrossIdleTransition(t *testing.T) {
	d := NewDomain(2)
	d.Activate(0)
	d.Activate(1)

	const n = 100
	count := 0
	for i := 0; i < n; i++ {
		d.Enqueue(0, ClassGeneric, func() { count++ })
	}

	// Force CPU 0 through an idle transition, the event that lets a grace
	// period close even with no other read-side activity.
	d.Deactivate(0)
	d.Activate(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if count != n {
		t.Fatalf("ran %d of %d callbacks", count, n)
	}
}

func TestDomainOrdersCallbacksByUpdateClass(t *testing.T) {
	d := NewDomain(1)
	d.Activate(0)

	var order []int
	d.Enqueue(0, ClassCspaceReleaseLevel, func() { order = append(order, 2) })
	d.Enqueue(0, ClassGeneric, func() { order = append(order, 1) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected run order: %v", order)
	}
}

func TestDomainMultipleCPUsIndependentBatches(t *testing.T) {
	d := NewDomain(3)
	for c := 0; c < 3; c++ {
		d.Activate(c)
	}

	results := make([]bool, 3)
	d.Enqueue(0, ClassGeneric, func() { results[0] = true })
	d.Enqueue(1, ClassGeneric, func() { results[1] = true })
	d.Enqueue(2, ClassGeneric, func() { results[2] = true })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	for i, got := range results {
		if !got {
			t.Fatalf("cpu %d callback did not run", i)
		}
	}
}
