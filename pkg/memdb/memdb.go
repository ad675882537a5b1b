// Package memdb implements the memory-ownership database: an authority
// mapping every physical address in a partition's arena to exactly one
// current owner, grounded on
// original_source/hyp/mem/memdb_bitmap/src/memdb.c (spec.md §4.2).
//
// The source represents ownership as a radix tree of fixed-fanout levels,
// each either a level-table (one entry per slot) or a level-bitmap (one of
// a small set of interned owners per slot, referenced by a packed index),
// converting between representations as ranges split and grow contiguous.
// That representation exists to bound per-node memory in a C allocator
// with no tracing GC. Go's ranges are tracked instead as a sorted,
// non-overlapping slice of (start, end, owner) covering [0, size) exactly,
// published via copy-on-write through an atomic snapshot pointer — the
// same externally observable contract (lookups never see a torn update;
// updates are globally serialized; a committed update is visible to every
// future lookup) without hand-rolled bitmap/table conversion, since Go's
// GC reclaims a superseded snapshot slice once no reader holds it. Writers
// still enqueue a release callback for the superseded snapshot, matching
// spec.md §4.2's "free-list RCU reclamation" contract, even though here
// that callback only exists for trace-buffer parity rather than to free
// C-style heap nodes. Lookups (Lookup, IsOwnershipContiguous, RangeWalk)
// do not enter an RCU read section; they load the published snapshot
// pointer directly.
package memdb

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/rcu"
)

// Owner identifies the current owner of a range: an opaque id (typically a
// partition or object's allocation-time identity) plus a type tag
// distinguishing what kind of thing holds it (DATA MODEL "memdb entry").
type Owner struct {
	ID   uint64
	Type uint8
}

// NoOwner is the zero entry representing unowned, free memory
// (MEMDB_TYPE_NOTYPE in the source).
var NoOwner = Owner{}

type ownership struct {
	start, end uint64 // end exclusive
	owner      Owner
}

// Memdb tracks ownership of the byte range [0, size).
type Memdb struct {
	size uint64

	writerMu sync.Mutex // the global memdb_lock
	snapshot atomic.Pointer[[]ownership]

	rcuDomain *rcu.Domain
	rcuCPU    int
}

// New returns a Memdb covering [0, size), entirely unowned.
func New(size uint64) *Memdb {
	m := &Memdb{size: size}
	initial := []ownership{{start: 0, end: size, owner: NoOwner}}
	m.snapshot.Store(&initial)
	return m
}

// BindRCU attaches a grace-period domain used to pace release of
// superseded snapshots; without one, releases run synchronously.
func (m *Memdb) BindRCU(domain *rcu.Domain, cpu int) {
	m.rcuDomain = domain
	m.rcuCPU = cpu
}

func (m *Memdb) rangeCheck(start, end uint64) error {
	if start >= end {
		return herr.ArgumentInvalid
	}
	if end > m.size {
		return herr.ArgumentSize
	}
	return nil
}

// load returns the currently published range list; callers must not
// mutate the returned slice.
func (m *Memdb) load() []ownership {
	return *m.snapshot.Load()
}

// Insert records (ownerID, ownerType) across [start, start+size), requiring
// the range to currently be entirely NoOwner (original_source memdb_insert,
// which is memdb_update with an expected previous owner of
// MEMDB_TYPE_NOTYPE).
func (m *Memdb) Insert(start, size uint64, ownerID uint64, ownerType uint8) error {
	return m.Update(start, size, Owner{ID: ownerID, Type: ownerType}, NoOwner)
}

// Remove releases ownership of [start, start+size), requiring it to be
// entirely owned by (ownerID, ownerType), returning it to NoOwner and
// failing with herr.MemdbNotOwner otherwise (original_source memdb_remove,
// which is memdb_update with an expected new owner of MEMDB_TYPE_NOTYPE —
// preserving the same "writers never expose a transient state in which two
// distinct owners claim the same byte" invariant Update enforces, rather
// than overwriting unconditionally).
func (m *Memdb) Remove(start, size uint64, ownerID uint64, ownerType uint8) error {
	return m.Update(start, size, NoOwner, Owner{ID: ownerID, Type: ownerType})
}

// Clear unconditionally releases ownership of [start, start+size) to
// NoOwner regardless of the current owner (spec.md §4.2 "clear(range)"),
// distinct from Remove's ownership-checked transition — used by trusted
// teardown paths (e.g. partition-wide reset) that are not claiming to be
// any particular owner.
func (m *Memdb) Clear(start, size uint64) error {
	return m.updateAny(start, start+size, NoOwner)
}

// Update transitions ownership of [start, start+size) from prevOwner to
// newOwner, failing with herr.MemdbNotOwner unless the whole range is
// currently owned exactly by prevOwner (original_source memdb_update's
// per-entry ownership check).
func (m *Memdb) Update(start, size uint64, newOwner, prevOwner Owner) error {
	end := start + size
	if err := m.rangeCheck(start, end); err != nil {
		return err
	}

	m.writerMu.Lock()
	defer m.writerMu.Unlock()

	cur := m.load()
	for _, r := range overlapping(cur, start, end) {
		if r.owner != prevOwner {
			return herr.MemdbNotOwner
		}
	}

	next := replace(cur, start, end, newOwner)
	m.publish(next)
	return nil
}

// updateAny replaces ownership of [start, end) regardless of the existing
// owner, used internally by Clear where the caller is trusted (partition
// bookkeeping) rather than checking a specific prevOwner.
func (m *Memdb) updateAny(start, end uint64, newOwner Owner) error {
	if err := m.rangeCheck(start, end); err != nil {
		return err
	}
	m.writerMu.Lock()
	defer m.writerMu.Unlock()

	next := replace(m.load(), start, end, newOwner)
	m.publish(next)
	return nil
}

func (m *Memdb) publish(next []ownership) {
	old := m.snapshot.Swap(&next)
	if m.rcuDomain != nil {
		m.rcuDomain.Enqueue(m.rcuCPU, rcu.ClassMemdbReleaseLevelTable, func() {
			_ = old // superseded snapshot becomes collectible once this runs
		})
	}
}

// overlapping returns every existing range that intersects [start, end).
func overlapping(ranges []ownership, start, end uint64) []ownership {
	lo := sort.Search(len(ranges), func(i int) bool { return ranges[i].end > start })
	var out []ownership
	for i := lo; i < len(ranges) && ranges[i].start < end; i++ {
		out = append(out, ranges[i])
	}
	return out
}

// replace returns a new, coalesced range list with [start, end) set to
// owner.
func replace(ranges []ownership, start, end uint64, owner Owner) []ownership {
	var next []ownership
	for _, r := range ranges {
		if r.end <= start || r.start >= end {
			next = append(next, r)
			continue
		}
		if r.start < start {
			next = append(next, ownership{start: r.start, end: start, owner: r.owner})
		}
		if r.end > end {
			next = append(next, ownership{start: end, end: r.end, owner: r.owner})
		}
	}
	next = append(next, ownership{start: start, end: end, owner: owner})
	sort.Slice(next, func(i, j int) bool { return next[i].start < next[j].start })

	coalesced := next[:0:0]
	for _, r := range next {
		if n := len(coalesced); n > 0 && coalesced[n-1].end == r.start && coalesced[n-1].owner == r.owner {
			coalesced[n-1].end = r.end
			continue
		}
		coalesced = append(coalesced, r)
	}
	return coalesced
}

// Lookup returns the owner of addr (original_source memdb_lookup).
func (m *Memdb) Lookup(addr uint64) (Owner, error) {
	if addr >= m.size {
		return NoOwner, herr.ArgumentInvalid
	}
	ranges := m.load()
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].end > addr })
	if i >= len(ranges) {
		return NoOwner, herr.MemdbEmpty
	}
	r := ranges[i]
	if r.owner == NoOwner {
		return NoOwner, herr.MemdbEmpty
	}
	return r.owner, nil
}

// IsOwnershipContiguous reports whether [start, start+size) is entirely
// owned by a single owner equal to the given id/type.
func (m *Memdb) IsOwnershipContiguous(start, size uint64, ownerID uint64, ownerType uint8) bool {
	end := start + size
	if end > m.size || start >= end {
		return false
	}
	want := Owner{ID: ownerID, Type: ownerType}
	for _, r := range overlapping(m.load(), start, end) {
		if r.owner != want {
			return false
		}
	}
	return true
}

// WalkFunc receives each maximal contiguous sub-range owned by the walked
// owner, in ascending address order.
type WalkFunc func(start, size uint64) error

// Walk visits every range owned by owner across the whole database
// (original_source memdb_walk).
func (m *Memdb) Walk(ownerID uint64, ownerType uint8, fn WalkFunc) error {
	return m.RangeWalk(ownerID, ownerType, 0, m.size, fn)
}

// RangeWalk visits every sub-range of [start, end) owned by owner
// (original_source memdb_range_walk).
func (m *Memdb) RangeWalk(ownerID uint64, ownerType uint8, start, end uint64, fn WalkFunc) error {
	if end > m.size {
		end = m.size
	}
	if start >= end {
		return nil
	}
	want := Owner{ID: ownerID, Type: ownerType}

	var errs *multierror.Error
	for _, r := range overlapping(m.load(), start, end) {
		if r.owner != want {
			continue
		}
		s, e := r.start, r.end
		if s < start {
			s = start
		}
		if e > end {
			e = end
		}
		if err := fn(s, e-s); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
