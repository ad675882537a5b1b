package cspace

import "github.com/latticevm/lattice/pkg/object"

// Rights is a per-object-type rights bitmap. The concrete bit meanings are
// defined by each object type; cspace only masks and compares them.
type Rights uint32

// State is a capability slot's lifecycle state (DATA MODEL "cap").
type State uint8

const (
	StateNull State = iota
	StateValid
	StateRevoked
)

// capData is the 16-byte atomically-updatable cell from DATA MODEL
// ("cap_data"). Go has no native 128-bit CAS, so per spec.md §9's
// sanctioned fallback this is accessed only through capCell, which swaps
// whole *capData values with atomic.Pointer's CompareAndSwap — the
// "indirection" half of the suggested "indirection + versioned pointer"
// scheme. Because every capData value is immutable and freshly allocated
// on each update, comparing by pointer identity is equivalent to comparing
// by value, so no separate version word is needed.
type capData struct {
	object  object.Object
	objType object.Type
	rights  Rights
	state   State
	master  bool
}

var nullCapData = &capData{state: StateNull}
