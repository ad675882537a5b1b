package addrspace

import (
	"testing"

	"github.com/latticevm/lattice/pkg/memextent"
	"github.com/latticevm/lattice/pkg/partition"
)

func newTestExtent(t *testing.T, p *partition.Partition, size uint64, access memextent.Access) *memextent.Extent {
	t.Helper()
	e := memextent.New(p)
	if err := e.Configure(0, size, memextent.Attrs{Access: access}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return e
}

func TestConfigureAllocatesDistinctVMIDs(t *testing.T) {
	a := New()
	b := New()
	if err := a.Configure(); err != nil {
		t.Fatalf("Configure a: %v", err)
	}
	if err := b.Configure(); err != nil {
		t.Fatalf("Configure b: %v", err)
	}
	if a.VMID() == b.VMID() {
		t.Fatalf("expected distinct VMIDs, got %d == %d", a.VMID(), b.VMID())
	}
}

func TestMapAndLookup(t *testing.T) {
	p, err := partition.New(1<<20, 4)
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	as := New()
	if err := as.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	e := newTestExtent(t, p, 4096, memextent.AccessR|memextent.AccessW)

	if err := as.Map(e, 0x40000000, memextent.AccessR|memextent.AccessW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	pa, access, ok := as.Lookup(0x40000000 + 0x100)
	if !ok {
		t.Fatal("expected mapping found")
	}
	if pa != 0x100 {
		t.Fatalf("expected translated pa 0x100, got %#x", pa)
	}
	if access&memextent.AccessW == 0 {
		t.Fatalf("expected write access preserved, got %v", access)
	}

	if err := as.Unmap(e); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, ok := as.Lookup(0x40000000); ok {
		t.Fatal("expected lookup to fail after unmap")
	}
}

func TestVMMIORangeRoundTrip(t *testing.T) {
	as := New()
	if err := as.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := as.AddVMMIORange(0x9000000, 0x1000, "console0"); err != nil {
		t.Fatalf("AddVMMIORange: %v", err)
	}
	h, ok := as.LookupVMMIO(0x9000040)
	if !ok || h.(string) != "console0" {
		t.Fatalf("LookupVMMIO: got (%v, %v)", h, ok)
	}
	if err := as.RemoveVMMIORange(0x9000000); err != nil {
		t.Fatalf("RemoveVMMIORange: %v", err)
	}
	if _, ok := as.LookupVMMIO(0x9000040); ok {
		t.Fatal("expected VMMIO range removed")
	}
}

// VMID 0 is reserved (spec.md §6 "VMID 0 is reserved"); no Configure call,
// first or otherwise, may ever be handed it.
func TestConfigureNeverAllocatesReservedVMIDZero(t *testing.T) {
	for i := 0; i < 16; i++ {
		as := New()
		if err := as.Configure(); err != nil {
			t.Fatalf("Configure %d: %v", i, err)
		}
		if as.VMID() == 0 {
			t.Fatalf("Configure handed out reserved VMID 0 on iteration %d", i)
		}
	}
}

func TestAttachThreadRequiresActive(t *testing.T) {
	as := New()
	if err := as.AttachThread(1, 0x5000); err == nil {
		t.Fatal("expected error attaching to unconfigured addrspace")
	}
	if err := as.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := as.AttachThread(1, 0x5000); err != nil {
		t.Fatalf("AttachThread: %v", err)
	}
	if len(as.threads) != 1 {
		t.Fatalf("expected 1 thread attached, got %d", len(as.threads))
	}
}
