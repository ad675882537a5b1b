package memextent

import (
	"testing"

	"github.com/latticevm/lattice/pkg/partition"
)

type fakeMapper struct {
	virtBase, physBase, size uint64
	access                   Access
	installed                bool
}

func (m *fakeMapper) InstallMapping(virtBase, physBase, size uint64, access Access, memType MemType) error {
	m.virtBase, m.physBase, m.size, m.access = virtBase, physBase, size, access
	m.installed = true
	return nil
}

func (m *fakeMapper) RemoveMapping(virtBase uint64, size uint64) error {
	m.installed = false
	return nil
}

func newTestPartition(t *testing.T) *partition.Partition {
	t.Helper()
	p, err := partition.New(1<<20, 4)
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestConfigureActivateMap(t *testing.T) {
	p := newTestPartition(t)
	e := New(p)
	if err := e.Configure(0, 4096, Attrs{Access: AccessR | AccessW}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	m := &fakeMapper{}
	if err := e.Map(m, 0x1000, AccessR|AccessW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !m.installed {
		t.Fatal("expected mapping installed")
	}
	if !e.IsMapped(0) {
		t.Fatal("expected offset 0 mapped")
	}
	if err := e.Unmap(m); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if e.IsMapped(0) {
		t.Fatal("expected unmapped after Unmap")
	}
}

func TestMapClampsAccessToConfiguredRights(t *testing.T) {
	p := newTestPartition(t)
	e := New(p)
	if err := e.Configure(0, 4096, Attrs{Access: AccessR}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	m := &fakeMapper{}
	if err := e.Map(m, 0x2000, AccessR|AccessW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.access&AccessW != 0 {
		t.Fatalf("expected write access stripped, got %v", m.access)
	}
}

func TestDeriveSparseExtentSplitsOwnership(t *testing.T) {
	p := newTestPartition(t)
	parent := New(p)
	if err := parent.Configure(0, 8192, Attrs{Sparse: true, Access: AccessR | AccessW}); err != nil {
		t.Fatalf("Configure parent: %v", err)
	}
	if err := parent.Activate(); err != nil {
		t.Fatalf("Activate parent: %v", err)
	}

	child := New(p)
	if err := child.ConfigureDerive(parent, 4096, 4096, Attrs{Access: AccessR}); err != nil {
		t.Fatalf("ConfigureDerive: %v", err)
	}
	if err := child.Activate(); err != nil {
		t.Fatalf("Activate child: %v", err)
	}
	if off, ok := child.GetOffsetForPA(parent.physBase + 4096); !ok || off != 0 {
		t.Fatalf("GetOffsetForPA: got (%d, %v)", off, ok)
	}
}

func TestZeroRangeWritesArena(t *testing.T) {
	p := newTestPartition(t)
	e := New(p)
	if err := e.Configure(0, 4096, Attrs{Access: AccessR | AccessW}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	copy(p.Arena()[:16], []byte("garbagegarbage!!"))
	if err := e.ZeroRange(0, 16); err != nil {
		t.Fatalf("ZeroRange: %v", err)
	}
	for i := 0; i < 16; i++ {
		if p.Arena()[i] != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}

func TestAttachGrantsDirectArenaAccessAndDetachClears(t *testing.T) {
	p := newTestPartition(t)
	e := New(p)
	if err := e.Configure(0, 4096, Attrs{Access: AccessR | AccessW}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	buf, err := e.Attach(0xffff0000, 1024)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	buf[0] = 0x42
	if p.Arena()[0] != 0x42 {
		t.Fatalf("expected Attach to expose the real backing arena")
	}
	if hypVA, size, ok := e.IsAttached(); !ok || hypVA != 0xffff0000 || size != 1024 {
		t.Fatalf("IsAttached: got (%#x, %d, %v)", hypVA, size, ok)
	}

	if _, err := e.Attach(0, 128); err == nil {
		t.Fatalf("expected second concurrent Attach to fail")
	}

	if err := e.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, _, ok := e.IsAttached(); ok {
		t.Fatalf("expected IsAttached false after Detach")
	}
	if err := e.Detach(); err == nil {
		t.Fatalf("expected Detach without a prior Attach to fail")
	}
}

func TestAttachRejectsOversizeAndInactive(t *testing.T) {
	p := newTestPartition(t)
	e := New(p)
	if err := e.Configure(0, 4096, Attrs{Access: AccessR}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if _, err := e.Attach(0, 128); err == nil {
		t.Fatalf("expected Attach before Activate to fail")
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := e.Attach(0, 8192); err == nil {
		t.Fatalf("expected Attach larger than extent size to fail")
	}
}

func TestMapPartialRejectsOutOfRange(t *testing.T) {
	p := newTestPartition(t)
	e := New(p)
	if err := e.Configure(0, 4096, Attrs{Access: AccessR}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	m := &fakeMapper{}
	if err := e.MapPartial(m, 2048, 4096, 0x3000, AccessR); err == nil {
		t.Fatal("expected error mapping past extent end")
	}
}
