// Package atomicbitops provides named wrappers around sync/atomic so that
// struct fields document, at the declaration site, that they are accessed
// without a lock.
package atomicbitops

import "sync/atomic"

// Int32 is an atomically accessed int32.
type Int32 struct {
	v atomic.Int32
}

func (a *Int32) Load() int32                    { return a.v.Load() }
func (a *Int32) Store(val int32)                { a.v.Store(val) }
func (a *Int32) Add(delta int32) int32          { return a.v.Add(delta) }
func (a *Int32) CompareAndSwap(old, new int32) bool {
	return a.v.CompareAndSwap(old, new)
}
func (a *Int32) Swap(new int32) int32 { return a.v.Swap(new) }

// Uint32 is an atomically accessed uint32.
type Uint32 struct {
	v atomic.Uint32
}

func (a *Uint32) Load() uint32           { return a.v.Load() }
func (a *Uint32) Store(val uint32)       { a.v.Store(val) }
func (a *Uint32) Add(delta uint32) uint32 { return a.v.Add(delta) }
func (a *Uint32) CompareAndSwap(old, new uint32) bool {
	return a.v.CompareAndSwap(old, new)
}

// Int64 is an atomically accessed int64.
type Int64 struct {
	v atomic.Int64
}

func (a *Int64) Load() int64           { return a.v.Load() }
func (a *Int64) Store(val int64)       { a.v.Store(val) }
func (a *Int64) Add(delta int64) int64 { return a.v.Add(delta) }
func (a *Int64) CompareAndSwap(old, new int64) bool {
	return a.v.CompareAndSwap(old, new)
}

// Uint64 is an atomically accessed uint64, the type used for RCU grace
// period generations and memdb bitmap-leaf reference counts.
type Uint64 struct {
	v atomic.Uint64
}

func (a *Uint64) Load() uint64           { return a.v.Load() }
func (a *Uint64) Store(val uint64)       { a.v.Store(val) }
func (a *Uint64) Add(delta uint64) uint64 { return a.v.Add(delta) }
func (a *Uint64) CompareAndSwap(old, new uint64) bool {
	return a.v.CompareAndSwap(old, new)
}

// Bool is an atomically accessed boolean flag.
type Bool struct {
	v atomic.Bool
}

func (a *Bool) Load() bool     { return a.v.Load() }
func (a *Bool) Store(val bool) { a.v.Store(val) }
func (a *Bool) CompareAndSwap(old, new bool) bool {
	return a.v.CompareAndSwap(old, new)
}
