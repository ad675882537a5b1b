// Package object provides the tagged object-kind and reference-counted
// header shared by every hypervisor object kind (partition, memextent,
// addrspace, cspace, thread, msgqueue). It replaces the source's
// duck-typed object pointers (spec.md §9) with an explicit {type, header}
// pair; the per-type "dispatch table" the spec calls for is simply Go
// interface method dispatch on Object.
package object

import (
	"container/list"
	"sync"

	"github.com/latticevm/lattice/pkg/atomicbitops"
)

// Type tags the kind of object a capability or memdb entry refers to.
type Type uint8

const (
	TypeNone Type = iota
	TypePartition
	TypePartitionNoMap
	TypeExtent
	TypeAllocator
	TypeCspace
	TypeAddrspace
	TypeThread
	TypeMsgqueue
	// TypeAny matches any concrete type in a cspace lookup (spec.md §4.1).
	TypeAny
)

func (t Type) String() string {
	switch t {
	case TypePartition:
		return "partition"
	case TypePartitionNoMap:
		return "partition_nomap"
	case TypeExtent:
		return "extent"
	case TypeAllocator:
		return "allocator"
	case TypeCspace:
		return "cspace"
	case TypeAddrspace:
		return "addrspace"
	case TypeThread:
		return "thread"
	case TypeMsgqueue:
		return "msgqueue"
	case TypeAny:
		return "any"
	default:
		return "none"
	}
}

// State is the object lifecycle state (DATA MODEL, "object's state ACTIVE").
type State int32

const (
	StateInit State = iota
	StateActive
	StateDead
)

// Object is implemented by every hypervisor object kind so cspace and memdb
// can operate on them generically.
type Object interface {
	ObjHeader() *Header
}

// Header is the common object header: type tag, lifecycle state, refcount,
// and the cap-list every capability referencing this object is linked into
// (spec.md DATA MODEL "object's cap-list").
type Header struct {
	Type     Type
	state    atomicbitops.Int32
	refcount atomicbitops.Int32

	CapListMu sync.Mutex
	CapList   *list.List // Value = *cap node (defined by pkg/cspace); opaque here

	// Release is invoked by Put, with CapListMu not held, once the
	// refcount drops to zero
	// (spec.md §4.1 delete/"release the object's reference").
	Release func()
}

// Init prepares a zero Header for type t with an initial refcount of 1,
// representing the reference held by the master capability that will be
// created for it (spec.md §4.1 "created with a refcount of 1").
func (h *Header) Init(t Type) {
	h.Type = t
	h.state.Store(int32(StateInit))
	h.refcount.Store(1)
	h.CapList = list.New()
}

func (h *Header) State() State      { return State(h.state.Load()) }
func (h *Header) SetState(s State)  { h.state.Store(int32(s)) }
func (h *Header) Refcount() int32   { return h.refcount.Load() }

// GetSafe increments the refcount iff it is currently greater than zero,
// the "safe-get" routine spec.md §4.1 requires every lookup to perform
// before returning an object pointer to a caller. If activeOnly is set, it
// additionally requires the header's lifecycle state to be StateActive
// (spec.md §4.1 lookup_object's "active_only" parameter) — checked before
// the refcount CAS so a caller never takes a reference on an object it
// then rejects.
func (h *Header) GetSafe(activeOnly bool) bool {
	if activeOnly && h.State() != StateActive {
		return false
	}
	for {
		v := h.refcount.Load()
		if v <= 0 {
			return false
		}
		if h.refcount.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// Put releases one reference, invoking Release when the count reaches
// zero.
func (h *Header) Put() {
	if h.refcount.Add(-1) == 0 && h.Release != nil {
		h.Release()
	}
}

// AddRef unconditionally takes an additional reference; callers must
// already hold one (e.g. the scheduler pinning the currently-running
// thread across a context switch, spec.md §4.5).
func (h *Header) AddRef() {
	h.refcount.Add(1)
}
