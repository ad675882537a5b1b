// Package herr defines the hypervisor's error-kind taxonomy. Every
// operation in pkg/cspace, pkg/memdb, pkg/memextent, pkg/addrspace,
// pkg/scheduler, and pkg/msgqueue returns one of these sentinel errors (or
// nil), never an ad-hoc error value, so callers can dispatch on kind with
// errors.Is. The one exception is memdb's RangeWalk, which returns the
// errors its callback produced, aggregated with go-multierror.
package herr

import "errors"

// Resource shortage.
var (
	NoMem                 = errors.New("herr: out of memory")
	CSpaceFull             = errors.New("herr: cspace full")
	MemExtentMappingsFull = errors.New("herr: memextent mapping set full")
	NoResources           = errors.New("herr: no resources")
)

// Argument validation.
var (
	ArgumentInvalid   = errors.New("herr: invalid argument")
	ArgumentSize      = errors.New("herr: invalid size")
	ArgumentAlignment = errors.New("herr: misaligned argument")
	AddrInvalid       = errors.New("herr: invalid address")
	AddrOverflow      = errors.New("herr: address range overflow")
)

// Protection.
var (
	Denied              = errors.New("herr: denied")
	InsufficientRights  = errors.New("herr: insufficient rights")
	CapRevoked          = errors.New("herr: capability revoked")
	CapNull             = errors.New("herr: null capability")
	WrongObjectType     = errors.New("herr: wrong object type")
)

// Consistency.
var (
	Busy          = errors.New("herr: busy, caller may retry")
	Retry         = errors.New("herr: internally recoverable, retry after rcu sync")
	ObjectState   = errors.New("herr: object in wrong state")
	ObjectConfig  = errors.New("herr: object misconfigured")
)

// Missing.
var (
	Unimplemented = errors.New("herr: unimplemented")
	Idle          = errors.New("herr: no pending work")
	MemdbEmpty    = errors.New("herr: memdb entry empty")
	MemdbNotOwner = errors.New("herr: caller is not the current owner")
)

// IPC.
var (
	MsgqueueFull  = errors.New("herr: message queue full")
	MsgqueueEmpty = errors.New("herr: message queue empty")
)

// Panic reports a fatal invariant violation: a situation indicating
// programmer error, never guest-induced, for which there is no recovery
// path (spec.md §7).
func Panic(msg string) {
	panic("hypervisor invariant violated: " + msg)
}
