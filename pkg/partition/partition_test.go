package partition

import (
	"errors"
	"testing"

	"github.com/latticevm/lattice/pkg/herr"
)

func newTestPartition(t *testing.T) *Partition {
	t.Helper()
	p, err := New(64*1024, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

const testOwnerType uint8 = 7 // arbitrary DATA MODEL object-type tag for these tests

func TestAllocRecordsOwnershipInMemdb(t *testing.T) {
	p := newTestPartition(t)
	buf, off, err := p.Alloc(256, 16, 7, testOwnerType)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(buf) != 256 {
		t.Fatalf("got buffer of %d bytes, want 256", len(buf))
	}
	if off%16 != 0 {
		t.Fatalf("offset %#x not 16-byte aligned", off)
	}
	owner, err := p.Memdb.Lookup(off)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if owner.ID != 7 || owner.Type != testOwnerType {
		t.Fatalf("got owner %+v, want ID 7 type %d", owner, testOwnerType)
	}
}

func TestAllocRejectsNonPowerOfTwoAlignment(t *testing.T) {
	p := newTestPartition(t)
	if _, _, err := p.Alloc(16, 3, 1, testOwnerType); !errors.Is(err, herr.ArgumentAlignment) {
		t.Fatalf("expected ArgumentAlignment, got %v", err)
	}
}

func TestAllocFailsWhenArenaExhausted(t *testing.T) {
	p := newTestPartition(t)
	if _, _, err := p.Alloc(1<<20, 16, 1, testOwnerType); !errors.Is(err, herr.NoMem) {
		t.Fatalf("expected NoMem, got %v", err)
	}
}

func TestFreeReturnsRangeToMemdb(t *testing.T) {
	p := newTestPartition(t)
	_, off, err := p.Alloc(256, 16, 3, testOwnerType)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Free(off, 256, 3, testOwnerType); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := p.Memdb.Lookup(off); !errors.Is(err, herr.MemdbEmpty) {
		t.Fatalf("expected MemdbEmpty after Free, got %v", err)
	}
}

func TestFreeRejectsWrongOwner(t *testing.T) {
	p := newTestPartition(t)
	_, off, err := p.Alloc(256, 16, 3, testOwnerType)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := p.Free(off, 256, 4, testOwnerType); !errors.Is(err, herr.MemdbNotOwner) {
		t.Fatalf("expected MemdbNotOwner for mismatched owner, got %v", err)
	}
}

func TestCapTableQuotaEnforced(t *testing.T) {
	p := newTestPartition(t)
	for i := 0; i < 4; i++ {
		if err := p.ReserveCapTable(); err != nil {
			t.Fatalf("ReserveCapTable %d: %v", i, err)
		}
	}
	if err := p.ReserveCapTable(); !errors.Is(err, herr.NoResources) {
		t.Fatalf("expected NoResources once quota exhausted, got %v", err)
	}
	p.ReleaseCapTable()
	if err := p.ReserveCapTable(); err != nil {
		t.Fatalf("expected reservation to succeed after release: %v", err)
	}
}
