// Package memextent implements the memory extent object: a claim on a
// physical range (basic) or a sparse, independently-mappable subset of a
// parent extent's range (sparse), grounded on
// original_source/hyp/mem/memextent/src/memextent.c and
// hyp/mem/memextent_sparse/src/memextent_sparse.c (spec.md §4.3).
package memextent

import (
	"sync"
	"sync/atomic"

	"github.com/latticevm/lattice/pkg/gpt"
	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/memdb"
	"github.com/latticevm/lattice/pkg/object"
	"github.com/latticevm/lattice/pkg/partition"
)

// Access is a page-table access-permission mask.
type Access uint8

const (
	AccessR Access = 1 << iota
	AccessW
	AccessX
)

// MemType selects the cacheability attribute applied to mappings of this
// extent (memextent_memtype_t).
type MemType uint8

const (
	MemTypeAny MemType = iota
	MemTypeDevice
	MemTypeUncached
	MemTypeCached
)

// Attrs bundles the attributes fixed at configure time.
type Attrs struct {
	Sparse  bool
	MemType MemType
	Access  Access
}

// Mapper is implemented by pkg/addrspace; memextent depends on it only
// through this interface to avoid an import cycle (an addrspace holds
// extent mappings, but every extent operation that touches an addrspace's
// page table is driven from here, mirroring the source's
// memextent->addrspace_map event).
type Mapper interface {
	InstallMapping(virtBase uint64, physBase uint64, size uint64, access Access, memType MemType) error
	RemoveMapping(virtBase uint64, size uint64) error
}

type attachment struct {
	mapper   Mapper
	virtBase uint64
	access   Access
}

var nextExtentID uint64

// Extent is a claim on part of a partition's physical memory.
type Extent struct {
	header object.Header
	id     uint64

	mu        sync.Mutex
	partition *partition.Partition
	physBase  uint64
	size      uint64
	attrs     Attrs

	parent *Extent
	offset uint64 // valid when parent != nil

	// mapped tracks, by extent-relative offset, which sub-ranges are
	// currently mapped and into what addrspace (sparse extents may have
	// several disjoint mapped sub-ranges; a basic extent has at most one,
	// covering the whole range).
	mapped *gpt.GPT

	// attachSize and attachHypVA record a hypervisor-resident attach (DATA
	// MODEL "attachment size for hypervisor-resident attaches") —
	// distinct from mapped, which tracks guest addrspace mappings: an
	// attach gives the hypervisor itself direct access to the extent's
	// backing bytes, with no addrspace or Mapper involved.
	attached    bool
	attachHypVA uint64
	attachSize  uint64
}

// New allocates an unconfigured extent owned by p.
func New(p *partition.Partition) *Extent {
	e := &Extent{
		id:        atomic.AddUint64(&nextExtentID, 1),
		partition: p,
		mapped:    gpt.New(),
	}
	e.header.Init(object.TypeExtent)
	return e
}

// ObjHeader implements object.Object.
func (e *Extent) ObjHeader() *object.Header { return &e.header }

// Configure fixes a top-level (non-derived) basic or sparse extent's
// physical range and attributes (original_source memextent_configure).
func (e *Extent) Configure(physBase, size uint64, attrs Attrs) error {
	if e.header.State() != object.StateInit {
		return herr.ObjectState
	}
	if size == 0 || physBase+size < physBase {
		return herr.ArgumentInvalid
	}
	e.physBase, e.size, e.attrs = physBase, size, attrs
	return nil
}

// ConfigureDerive configures a sparse extent as a sub-range of parent,
// without yet claiming memdb ownership (original_source
// memextent_configure_derive).
func (e *Extent) ConfigureDerive(parent *Extent, offset, size uint64, attrs Attrs) error {
	if e.header.State() != object.StateInit {
		return herr.ObjectState
	}
	if size == 0 || offset+size < offset || offset+size > parent.size {
		return herr.ArgumentInvalid
	}
	if !parent.header.GetSafe(false) {
		return herr.ObjectState
	}
	e.parent = parent
	e.offset = offset
	e.physBase = parent.physBase + offset
	e.size = size
	attrs.Sparse = true
	e.attrs = attrs
	return nil
}

// Activate claims memdb ownership of the extent's physical range from its
// partition (or parent extent), transitioning it out of init state
// (original_source memextent_activate).
func (e *Extent) Activate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.header.State() != object.StateInit {
		return herr.ObjectState
	}

	var err error
	if e.parent == nil {
		err = e.partition.Memdb.Update(e.physBase, e.size,
			memdb.Owner{ID: e.id, Type: memdbTypeExtent}, memdb.NoOwner)
	} else {
		err = e.partition.Memdb.Update(e.physBase, e.size,
			memdb.Owner{ID: e.id, Type: memdbTypeExtent},
			memdb.Owner{ID: e.parent.id, Type: memdbTypeExtent})
	}
	if err != nil {
		return err
	}
	e.header.SetState(object.StateActive)
	return nil
}

// Donate transfers ownership of [offset, offset+size) of e's range to
// target, requiring both extents be sparse siblings under the same parent
// (original_source memextent_donate's ALLOW_SPARSE path).
func (e *Extent) Donate(offset, size uint64, target *Extent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset+size < offset || offset+size > e.size {
		return herr.ArgumentInvalid
	}
	if e.parent == nil || target.parent != e.parent || !target.attrs.Sparse {
		return herr.ArgumentInvalid
	}
	phys := e.physBase + offset
	if err := e.partition.Memdb.Update(phys, size,
		memdb.Owner{ID: target.id, Type: memdbTypeExtent},
		memdb.Owner{ID: e.id, Type: memdbTypeExtent}); err != nil {
		return err
	}
	return nil
}

// Map installs the whole extent into mapper at virtBase with access masked
// down to attrs.Access (original_source memextent_map).
func (e *Extent) Map(mapper Mapper, virtBase uint64, access Access) error {
	return e.MapPartial(mapper, 0, e.size, virtBase, access)
}

// MapPartial installs [offset, offset+size) of the extent into mapper at
// virtBase (original_source memextent_map_partial).
func (e *Extent) MapPartial(mapper Mapper, offset, size, virtBase uint64, access Access) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.header.State() != object.StateActive {
		return herr.ObjectState
	}
	if offset+size < offset || offset+size > e.size {
		return herr.ArgumentInvalid
	}

	granted := access & e.attrs.Access // clamp to what the extent itself was configured with
	if err := mapper.InstallMapping(virtBase, e.physBase+offset, size, granted, e.attrs.MemType); err != nil {
		return err
	}
	return e.mapped.Insert(offset, offset+size, &attachment{mapper: mapper, virtBase: virtBase, access: granted})
}

// Unmap removes the whole extent's mapping from mapper.
func (e *Extent) Unmap(mapper Mapper) error {
	return e.UnmapPartial(mapper, 0, e.size)
}

// UnmapPartial removes [offset, offset+size)'s mapping from mapper
// (original_source memextent_unmap_partial).
func (e *Extent) UnmapPartial(mapper Mapper, offset, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset+size < offset || offset+size > e.size {
		return herr.ArgumentInvalid
	}
	r, ok := e.mapped.Lookup(offset)
	if !ok {
		return herr.ArgumentInvalid
	}
	if err := mapper.RemoveMapping(r.Value.(*attachment).virtBase+(offset-r.Start), size); err != nil {
		return err
	}
	return e.mapped.Remove(r.Start)
}

// UnmapAll removes every current mapping of this extent, regardless of
// which addrspace installed it (original_source memextent_unmap_all).
func (e *Extent) UnmapAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var starts []uint64
	e.mapped.Walk(func(r *gpt.Range) bool {
		a := r.Value.(*attachment)
		_ = a.mapper.RemoveMapping(a.virtBase, r.End-r.Start)
		starts = append(starts, r.Start)
		return true
	})
	for _, s := range starts {
		e.mapped.Remove(s)
	}
	return nil
}

// UpdateAccess changes the access rights of the whole extent's mapping.
func (e *Extent) UpdateAccess(mapper Mapper, access Access) error {
	return e.UpdateAccessPartial(mapper, 0, e.size, access)
}

// UpdateAccessPartial changes the access rights of [offset, offset+size)'s
// mapping (original_source memextent_update_access_partial).
func (e *Extent) UpdateAccessPartial(mapper Mapper, offset, size uint64, access Access) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.mapped.Lookup(offset)
	if !ok {
		return herr.ArgumentInvalid
	}
	a := r.Value.(*attachment)
	granted := access & e.attrs.Access
	if err := mapper.InstallMapping(a.virtBase, e.physBase+offset, size, granted, e.attrs.MemType); err != nil {
		return err
	}
	a.access = granted
	return nil
}

// IsMapped reports whether offset currently falls within a mapped range.
func (e *Extent) IsMapped(offset uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.mapped.Lookup(offset)
	return ok
}

// LookupMapping returns the mapper and access currently covering offset.
func (e *Extent) LookupMapping(offset uint64) (Mapper, Access, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.mapped.Lookup(offset)
	if !ok {
		return nil, 0, false
	}
	a := r.Value.(*attachment)
	return a.mapper, a.access, true
}

// GetOffsetForPA returns the extent-relative offset of physical address pa,
// or false if pa falls outside this extent's range.
func (e *Extent) GetOffsetForPA(pa uint64) (uint64, bool) {
	if pa < e.physBase || pa >= e.physBase+e.size {
		return 0, false
	}
	return pa - e.physBase, true
}

// ZeroRange, CleanRange and FlushRange model the cache/zero-maintenance
// operations spec.md §4.3 lists; with no real physical backing store
// beyond the partition's host arena, zeroing is real and clean/flush are
// no-ops that record nothing (there is no cache to maintain on the host).
func (e *Extent) ZeroRange(offset, size uint64) error {
	if offset+size < offset || offset+size > e.size {
		return herr.ArgumentInvalid
	}
	arena := e.partition.Arena()
	start := e.physBase + offset
	for i := uint64(0); i < size; i++ {
		arena[start+i] = 0
	}
	return nil
}

func (e *Extent) CleanRange(offset, size uint64) error { return nil }
func (e *Extent) FlushRange(offset, size uint64) error { return nil }

// Attach gives the hypervisor itself direct byte access to the extent's
// backing memory at hypVA, recording the attachment size in the extent's
// state (original_source memextent_attach; in this host-process model
// there is no separate hypervisor VA space to install a real page-table
// entry into, so hypVA is recorded for bookkeeping/lookup parity and the
// returned slice is the real, directly addressable backing — consistent
// with ZeroRange's direct-arena-access treatment of the same absence of a
// physical cache hierarchy below). Only one attach may be active at a
// time, mirroring a single attachment-size field in the data model rather
// than a set of them.
func (e *Extent) Attach(hypVA, size uint64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.header.State() != object.StateActive {
		return nil, herr.ObjectState
	}
	if e.attached {
		return nil, herr.Busy
	}
	if size == 0 || size > e.size {
		return nil, herr.ArgumentSize
	}
	arena := e.partition.Arena()
	start := e.physBase
	e.attached = true
	e.attachHypVA = hypVA
	e.attachSize = size
	return arena[start : start+size], nil
}

// Detach ends a prior Attach (original_source memextent_detach).
func (e *Extent) Detach() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.attached {
		return herr.ObjectState
	}
	e.attached = false
	e.attachHypVA = 0
	e.attachSize = 0
	return nil
}

// IsAttached reports whether a hypervisor-resident Attach is currently in
// effect, and if so, its recorded hypervisor VA and size.
func (e *Extent) IsAttached() (hypVA, size uint64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attachHypVA, e.attachSize, e.attached
}

// memdbTypeExtent tags memdb ranges owned by a memextent object.
const memdbTypeExtent = 2
