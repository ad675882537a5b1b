package cspace

import (
	"math/rand"
	"testing"

	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/object"
	"github.com/latticevm/lattice/pkg/rcu"
)

// unlimitedAllocator never runs out of cap-table quota.
type unlimitedAllocator struct{}

func (unlimitedAllocator) ReserveCapTable() error { return nil }
func (unlimitedAllocator) ReleaseCapTable()       {}

// fakeObject is a minimal object.Object for exercising cspace operations.
type fakeObject struct {
	header object.Header
}

func newFakeObject(t object.Type) *fakeObject {
	o := &fakeObject{}
	o.header.Init(t)
	return o
}

func (o *fakeObject) ObjHeader() *object.Header { return &o.header }

func newTestCspace(t *testing.T) *Cspace {
	t.Helper()
	domain := rcu.NewDomain(1)
	domain.Activate(0)
	src := rand.New(rand.NewSource(1))
	return NewCspace(unlimitedAllocator{}, domain, 0, 1024, src)
}

func TestCreateMasterCapAndLookup(t *testing.T) {
	cs := newTestCspace(t)
	obj := newFakeObject(object.TypeThread)

	id, err := cs.CreateMasterCap(obj, object.TypeThread, Rights(0x7))
	if err != nil {
		t.Fatalf("CreateMasterCap: %v", err)
	}

	got, gotType, rights, err := cs.LookupObject(id, object.TypeThread, 0, false)
	if err != nil {
		t.Fatalf("LookupObject: %v", err)
	}
	defer got.ObjHeader().Put()

	if got != object.Object(obj) {
		t.Fatalf("LookupObject returned wrong object")
	}
	if gotType != object.TypeThread {
		t.Fatalf("unexpected type %v", gotType)
	}
	if rights != 0x7 {
		t.Fatalf("unexpected rights %v", rights)
	}
}

func TestLookupObjectWrongType(t *testing.T) {
	cs := newTestCspace(t)
	obj := newFakeObject(object.TypeThread)

	id, err := cs.CreateMasterCap(obj, object.TypeThread, Rights(0x1))
	if err != nil {
		t.Fatalf("CreateMasterCap: %v", err)
	}

	_, _, _, err = cs.LookupObject(id, object.TypeCspace, 0, false)
	if err != herr.WrongObjectType {
		t.Fatalf("expected WrongObjectType, got %v", err)
	}
}

func TestCopyMasksRights(t *testing.T) {
	cs := newTestCspace(t)
	obj := newFakeObject(object.TypeThread)

	masterID, err := cs.CreateMasterCap(obj, object.TypeThread, Rights(0x7))
	if err != nil {
		t.Fatalf("CreateMasterCap: %v", err)
	}

	copyID, err := cs.Copy(masterID, Rights(0x3))
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	_, _, rights, err := cs.LookupObject(copyID, object.TypeAny, 0, false)
	if err != nil {
		t.Fatalf("LookupObject: %v", err)
	}
	defer obj.header.Put()

	if rights != 0x3 {
		t.Fatalf("expected masked rights 0x3, got %v", rights)
	}
	if obj.header.Refcount() < 2 {
		t.Fatalf("expected at least two references after copy, got %d", obj.header.Refcount())
	}
}

func TestDeleteThenLookupFails(t *testing.T) {
	cs := newTestCspace(t)
	obj := newFakeObject(object.TypeThread)

	id, err := cs.CreateMasterCap(obj, object.TypeThread, Rights(0x1))
	if err != nil {
		t.Fatalf("CreateMasterCap: %v", err)
	}

	if err := cs.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, _, _, err := cs.LookupObject(id, object.TypeAny, 0, false); err != herr.CapNull {
		t.Fatalf("expected CapNull after delete, got %v", err)
	}
}

func TestRevokeInvalidatesCopies(t *testing.T) {
	cs := newTestCspace(t)
	obj := newFakeObject(object.TypeThread)

	masterID, err := cs.CreateMasterCap(obj, object.TypeThread, Rights(0x7))
	if err != nil {
		t.Fatalf("CreateMasterCap: %v", err)
	}
	copyID, err := cs.Copy(masterID, Rights(0x7))
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	if err := cs.Revoke(masterID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, _, _, err := cs.LookupObject(copyID, object.TypeAny, 0, false); err != herr.CapRevoked {
		t.Fatalf("expected CapRevoked for copy after revoke, got %v", err)
	}

	// The master cap itself is never revoked by Revoke.
	obj2, _, _, err := cs.LookupObject(masterID, object.TypeAny, 0, false)
	if err != nil {
		t.Fatalf("LookupObject(master): %v", err)
	}
	obj2.ObjHeader().Put()

	if err := cs.Delete(copyID); err != nil {
		t.Fatalf("Delete(copyID) after revoke: %v", err)
	}
}

func TestLookupObjectInsufficientRights(t *testing.T) {
	cs := newTestCspace(t)
	obj := newFakeObject(object.TypeThread)

	id, err := cs.CreateMasterCap(obj, object.TypeThread, Rights(0x1))
	if err != nil {
		t.Fatalf("CreateMasterCap: %v", err)
	}

	if _, _, _, err := cs.LookupObject(id, object.TypeThread, Rights(0x2), false); err != herr.InsufficientRights {
		t.Fatalf("expected InsufficientRights, got %v", err)
	}

	// the rights actually held are still enough when required is a subset.
	got, _, _, err := cs.LookupObject(id, object.TypeThread, Rights(0x1), false)
	if err != nil {
		t.Fatalf("LookupObject with satisfied rights: %v", err)
	}
	got.ObjHeader().Put()
}

func TestLookupObjectActiveOnly(t *testing.T) {
	cs := newTestCspace(t)
	obj := newFakeObject(object.TypeThread) // starts in object.StateInit

	id, err := cs.CreateMasterCap(obj, object.TypeThread, Rights(0x1))
	if err != nil {
		t.Fatalf("CreateMasterCap: %v", err)
	}

	if _, _, _, err := cs.LookupObject(id, object.TypeThread, 0, true); err != herr.ObjectState {
		t.Fatalf("expected ObjectState while object is not active, got %v", err)
	}

	obj.header.SetState(object.StateActive)
	got, _, _, err := cs.LookupObject(id, object.TypeThread, 0, true)
	if err != nil {
		t.Fatalf("expected lookup to succeed once active: %v", err)
	}
	got.ObjHeader().Put()
}

func TestCspaceFullReturnsError(t *testing.T) {
	domain := rcu.NewDomain(1)
	domain.Activate(0)
	src := rand.New(rand.NewSource(2))
	cs := NewCspace(unlimitedAllocator{}, domain, 0, 2, src)

	obj := newFakeObject(object.TypeThread)
	if _, err := cs.CreateMasterCap(obj, object.TypeThread, 0); err != nil {
		t.Fatalf("first CreateMasterCap: %v", err)
	}
	obj2 := newFakeObject(object.TypeThread)
	if _, err := cs.CreateMasterCap(obj2, object.TypeThread, 0); err != nil {
		t.Fatalf("second CreateMasterCap: %v", err)
	}
	obj3 := newFakeObject(object.TypeThread)
	if _, err := cs.CreateMasterCap(obj3, object.TypeThread, 0); err != herr.CSpaceFull {
		t.Fatalf("expected CSpaceFull, got %v", err)
	}
}
