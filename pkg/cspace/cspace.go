// Package cspace implements the capability space object: a two-level table
// of capability slots mapping VM-visible, randomized integer ids to
// {object, rights} pairs, grounded on
// original_source/hyp/core/cspace_twolevel/src/cspace_twolevel.c
// (spec.md §4.1).
package cspace

import (
	"container/list"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/latticevm/lattice/pkg/bitmap"
	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/object"
	"github.com/latticevm/lattice/pkg/rcu"
)

// Allocator supplies the backing quota for a cspace's cap tables. A real
// deployment wires this to a partition's resource accounting; tests can
// supply an unlimited stub. This stands in for the source's
// partition_alloc/partition_free calls, which a cspace must make with its
// allocation lock released (original_source cspace_allocate_cap_table).
type Allocator interface {
	ReserveCapTable() error
	ReleaseCapTable()
}

// Cspace is a capability space: a bounded, dynamically-grown set of cap
// tables, each holding capsPerTable slots (DATA MODEL "Cap space").
type Cspace struct {
	header object.Header

	allocator Allocator
	rcuDomain *rcu.Domain
	rcuCPU    int

	tables [numCapTables]atomic.Pointer[capTable]

	capAllocMu      sync.Mutex
	allocatedTables *bitmap.Bitmap
	nextTableHint   uint32
	capCount        uint32
	maxCaps         uint32

	encoder idEncoder

	revokedMu   sync.Mutex
	revokedList *list.List
}

// ObjHeader implements object.Object.
func (cs *Cspace) ObjHeader() *object.Header { return &cs.header }

// NewCspace allocates an unconfigured cspace bound to alloc for cap-table
// quota and domain for deferred-free RCU callbacks. rcuCPU identifies which
// per-CPU RCU batch enqueues made on behalf of this cspace are attributed
// to; in the source this is always "whichever CPU currently runs the
// calling thread", but callers here pass it explicitly since there is no
// implicit cpu-local context in Go.
func NewCspace(alloc Allocator, domain *rcu.Domain, rcuCPU int, maxCaps uint32, src *rand.Rand) *Cspace {
	cs := &Cspace{
		allocator:       alloc,
		rcuDomain:       domain,
		rcuCPU:          rcuCPU,
		allocatedTables: bitmap.New(numCapTables),
		maxCaps:         maxCaps,
		encoder:         randomIDEncoder(src),
		revokedList:     list.New(),
	}
	cs.header.Init(object.TypeCspace)
	return cs
}

// Configure sets the maximum capability count a cspace may hold; valid only
// before activation (original_source cspace_configure).
func (cs *Cspace) Configure(maxCaps uint32) error {
	if cs.header.State() != object.StateInit {
		return herr.ObjectState
	}
	cs.maxCaps = maxCaps
	return nil
}

// Activate transitions the cspace out of its init state, after which
// Configure may no longer be called.
func (cs *Cspace) Activate() error {
	if cs.header.State() != object.StateInit {
		return herr.ObjectState
	}
	cs.header.SetState(object.StateActive)
	return nil
}

// allocCapSlot finds or creates room for one more capability, returning the
// claimed slot and its (upper, lower) indices. This is the Go rendering of
// cspace_allocate_cap_slot: first try every already-installed table, and if
// none has room, install a new one — releasing capAllocMu across the
// (possibly failing) allocator call exactly as the source releases its
// spinlock across partition_alloc.
func (cs *Cspace) allocCapSlot() (*Cap, uint32, uint32, error) {
	cs.capAllocMu.Lock()
	if cs.capCount >= cs.maxCaps {
		cs.capAllocMu.Unlock()
		return nil, 0, 0, herr.CSpaceFull
	}

	for i := uint32(0); i < numCapTables; i++ {
		upper := (cs.nextTableHint + i) % numCapTables
		if !cs.allocatedTables.Test(int(upper)) {
			continue
		}
		t := cs.tables[upper].Load()
		if t == nil {
			continue
		}
		if c, ok := t.allocSlot(); ok {
			cs.capCount++
			cs.nextTableHint = upper
			cs.capAllocMu.Unlock()
			return c, upper, c.index, nil
		}
	}

	freeIdx := cs.allocatedTables.FindFirstClear()
	if freeIdx < 0 {
		cs.capAllocMu.Unlock()
		return nil, 0, 0, herr.CSpaceFull
	}
	upper := uint32(freeIdx)
	cs.allocatedTables.Set(freeIdx)
	cs.capAllocMu.Unlock()

	if err := cs.allocator.ReserveCapTable(); err != nil {
		cs.capAllocMu.Lock()
		cs.allocatedTables.Clear(freeIdx)
		cs.capAllocMu.Unlock()
		return nil, 0, 0, err
	}

	newTable := newCapTable(cs, upper)

	cs.capAllocMu.Lock()
	if existing := cs.tables[upper].Load(); existing != nil {
		// Can't happen given capAllocMu serializes every writer of
		// allocatedTables and tables[]; kept for the same reason the
		// source keeps its CAS here, as a guard against a future
		// change in lock scope.
		cs.capAllocMu.Unlock()
		cs.allocator.ReleaseCapTable()
		return nil, 0, 0, herr.Busy
	}
	cs.tables[upper].Store(newTable)
	if cs.capCount >= cs.maxCaps {
		cs.capAllocMu.Unlock()
		return nil, 0, 0, herr.CSpaceFull
	}
	c, ok := newTable.allocSlot()
	if !ok {
		cs.capAllocMu.Unlock()
		herr.Panic("freshly allocated cap table has no free slot")
	}
	cs.capCount++
	cs.capAllocMu.Unlock()

	return c, upper, c.index, nil
}

func (cs *Cspace) freeCapSlot(c *Cap, upper uint32) {
	t := cs.tables[upper].Load()
	remaining := t.freeSlot(c)

	cs.capAllocMu.Lock()
	cs.capCount--
	cs.nextTableHint = upper
	empty := remaining == 0
	var deferRelease bool
	if empty {
		cs.allocatedTables.Clear(int(upper))
		cs.tables[upper].Store(nil)
		deferRelease = true
	}
	cs.capAllocMu.Unlock()

	if !deferRelease {
		return
	}
	// Defer the table's destruction to a grace period: a concurrent
	// reader may be mid-lookup through the old tables[upper] pointer
	// (original_source cspace_destroy_cap_table).
	cs.rcuDomain.Enqueue(cs.rcuCPU, rcu.ClassCspaceReleaseLevel, func() {
		cs.allocator.ReleaseCapTable()
	})
}

// CreateMasterCap installs the first, non-revocable capability referencing
// obj, taking the reference the cap-list entry represents. Callers must
// already hold the one reference obj was created with and are transferring
// it to the cspace (spec.md §4.1 "created with a refcount of 1").
func (cs *Cspace) CreateMasterCap(obj object.Object, objType object.Type, rights Rights) (uint32, error) {
	c, upper, lower, err := cs.allocCapSlot()
	if err != nil {
		return 0, err
	}

	d := &capData{object: obj, objType: objType, rights: rights, state: StateValid, master: true}
	c.data.Store(d)

	h := obj.ObjHeader()
	h.CapListMu.Lock()
	c.elem = h.CapList.PushBack(c)
	h.CapListMu.Unlock()

	return cs.encoder.encode(upper, lower), nil
}

// Copy creates a new, non-master capability referencing the same object as
// srcID, with rights masked down to destRights & srcRights
// (original_source cspace_copy_cap).
func (cs *Cspace) Copy(srcID uint32, destRights Rights) (uint32, error) {
	obj, objType, srcRights, err := cs.LookupObject(srcID, object.TypeAny, 0, false)
	if err != nil {
		return 0, err
	}

	c, upper, lower, err := cs.allocCapSlot()
	if err != nil {
		obj.ObjHeader().Put()
		return 0, err
	}

	d := &capData{object: obj, objType: objType, rights: srcRights & destRights, state: StateValid, master: false}
	c.data.Store(d)

	h := obj.ObjHeader()
	h.CapListMu.Lock()
	c.elem = h.CapList.PushBack(c)
	h.CapListMu.Unlock()

	return cs.encoder.encode(upper, lower), nil
}

// Delete removes one capability, releasing its reference to the underlying
// object. The retry loop backs off exactly as original_source's CAS loop
// in cspace_delete_cap spins against a concurrent revoke of the same slot.
func (cs *Cspace) Delete(id uint32) error {
	upper, lower, err := cs.encoder.decode(id)
	if err != nil {
		return err
	}
	t := cs.tables[upper].Load()
	if t == nil {
		return herr.CapNull
	}
	c := &t.slots[lower]

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Microsecond
	b.MaxElapsedTime = 50 * time.Millisecond

	var old *capData
	err = backoff.Retry(func() error {
		old = c.data.Load()
		if old.state == StateNull {
			return backoff.Permanent(herr.CapNull)
		}
		if !c.data.CompareAndSwap(old, nullCapData) {
			return herr.Busy
		}
		return nil
	}, b)
	if err != nil {
		return err
	}

	cs.unlinkCap(c, old)
	cs.freeCapSlot(c, upper)
	old.object.ObjHeader().Put()
	return nil
}

// unlinkCap removes c from whichever list currently owns it (its object's
// cap-list, or this cspace's revoked-list if a prior Revoke moved it
// there).
func (cs *Cspace) unlinkCap(c *Cap, d *capData) {
	if d.state == StateRevoked {
		cs.revokedMu.Lock()
		cs.revokedList.Remove(c.elem)
		cs.revokedMu.Unlock()
		return
	}
	h := d.object.ObjHeader()
	h.CapListMu.Lock()
	h.CapList.Remove(c.elem)
	h.CapListMu.Unlock()
}

// Revoke walks the object referenced by id's cap-list and marks every
// non-master capability on it revoked, moving each into its owning
// cspace's revoked-list rather than freeing it immediately — the caller
// that holds the master cap must still Delete each revoked cap to reclaim
// its slot (original_source cspace_revoke_caps).
func (cs *Cspace) Revoke(id uint32) error {
	obj, _, _, err := cs.LookupObject(id, object.TypeAny, 0, false)
	if err != nil {
		return err
	}
	defer obj.ObjHeader().Put()

	h := obj.ObjHeader()
	h.CapListMu.Lock()
	var toRevoke []*Cap
	for e := h.CapList.Front(); e != nil; e = e.Next() {
		c := e.Value.(*Cap)
		d := c.data.Load()
		if d.state == StateValid && !d.master {
			toRevoke = append(toRevoke, c)
		}
	}
	h.CapListMu.Unlock()

	for _, c := range toRevoke {
		cs.revokeOne(h, c)
	}
	return nil
}

func (cs *Cspace) revokeOne(h *object.Header, c *Cap) {
	for {
		old := c.data.Load()
		if old.state != StateValid || old.master {
			return
		}
		revoked := &capData{object: old.object, objType: old.objType, rights: old.rights, state: StateRevoked}
		if c.data.CompareAndSwap(old, revoked) {
			h.CapListMu.Lock()
			h.CapList.Remove(c.elem)
			h.CapListMu.Unlock()

			owner := c.table.cspace
			owner.revokedMu.Lock()
			c.elem = owner.revokedList.PushBack(c)
			owner.revokedMu.Unlock()
			return
		}
	}
}

// LookupObject resolves id to its referenced object and rights, requiring
// the object's type to match want unless want is object.TypeAny, that
// (rights & required) == required, and, if activeOnly is set, that the
// object's header reports object.StateActive (spec.md §4.1
// "lookup_object(id, expected_type, required_rights, active_only)";
// original_source cspace_lookup_object/cspace_lookup_object_any). The
// returned object carries an additional reference the caller must Put.
func (cs *Cspace) LookupObject(id uint32, want object.Type, required Rights, activeOnly bool) (object.Object, object.Type, Rights, error) {
	cs.rcuDomain.ReadStart()
	defer cs.rcuDomain.ReadFinish()

	upper, lower, err := cs.encoder.decode(id)
	if err != nil {
		return nil, object.TypeNone, 0, err
	}
	t := cs.tables[upper].Load()
	if t == nil {
		return nil, object.TypeNone, 0, herr.CapNull
	}
	c := &t.slots[lower]
	d := c.data.Load()

	switch d.state {
	case StateNull:
		return nil, object.TypeNone, 0, herr.CapNull
	case StateRevoked:
		return nil, object.TypeNone, 0, herr.CapRevoked
	}

	if want != object.TypeAny && d.objType != want {
		return nil, object.TypeNone, 0, herr.WrongObjectType
	}

	if (d.rights & required) != required {
		return nil, object.TypeNone, 0, herr.InsufficientRights
	}

	h := d.object.ObjHeader()
	if !h.GetSafe(activeOnly) {
		return nil, object.TypeNone, 0, herr.ObjectState
	}

	return d.object, d.objType, d.rights, nil
}
