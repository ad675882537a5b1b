package cspace

import (
	"container/list"
	"sync"

	"github.com/latticevm/lattice/pkg/bitmap"
)

// Cap is one capability slot: an atomic cap-data cell plus the list node
// linking it into either its object's cap-list or its cspace's
// revoked-cap-list (DATA MODEL "cap").
type Cap struct {
	data  cell
	elem  *list.Element // node in whichever list currently owns this cap
	table *capTable
	index uint32 // lower index within table
}

// capTable is a fixed-size page of cap slots plus a used-slot bitmap, an
// allocation index, and a back-pointer to its cspace (DATA MODEL
// "Cap table").
type capTable struct {
	slots      [capsPerTable]Cap
	usedSlots  *bitmap.Bitmap
	usedSlotMu sync.Mutex // guards usedSlots; stands in for the bitmap_atomic ops
	cspace     *Cspace
	upperIndex uint32
	capCount   uint32 // protected by usedSlotMu, read under cspace.capAllocMu
}

func newCapTable(cs *Cspace, upperIndex uint32) *capTable {
	t := &capTable{
		usedSlots:  bitmap.New(capsPerTable),
		cspace:     cs,
		upperIndex: upperIndex,
	}
	for i := range t.slots {
		t.slots[i] = Cap{data: *newCell(), table: t, index: uint32(i)}
	}
	return t
}

// allocSlot claims the first free slot, setting its bit under usedSlotMu —
// the Go stand-in for the source's bitmap_atomic test-and-set retry loop,
// which exists only to make a lock-free claim; a short-held mutex gives
// the same externally-observable behavior.
func (t *capTable) allocSlot() (*Cap, bool) {
	t.usedSlotMu.Lock()
	defer t.usedSlotMu.Unlock()
	idx := t.usedSlots.FindFirstClear()
	if idx < 0 {
		return nil, false
	}
	t.usedSlots.Set(idx)
	t.capCount++
	return &t.slots[idx], true
}

// freeSlot releases c's slot and returns the table's remaining cap count.
func (t *capTable) freeSlot(c *Cap) uint32 {
	t.usedSlotMu.Lock()
	defer t.usedSlotMu.Unlock()
	t.usedSlots.Clear(int(c.index))
	t.capCount--
	return t.capCount
}
