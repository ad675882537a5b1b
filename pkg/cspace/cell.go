package cspace

import "sync/atomic"

// cell is the atomic cap_data cell. Load corresponds to the spec's
// load_consume, Store to store_release, and CompareAndSwap to the CAS used
// by copy/delete/revoke — Go's atomic.Pointer operations already carry the
// acquire/release semantics the spec calls for. A cell always holds a
// non-nil *capData; a freshly allocated slot is initialized to
// nullCapData.
type cell struct {
	p atomic.Pointer[capData]
}

func newCell() *cell {
	c := &cell{}
	c.p.Store(nullCapData)
	return c
}

func (c *cell) Load() *capData { return c.p.Load() }

func (c *cell) Store(d *capData) { c.p.Store(d) }

// CompareAndSwap succeeds only if the cell currently holds exactly old
// (compared by pointer identity, valid because every update installs a
// freshly allocated capData).
func (c *cell) CompareAndSwap(old, new *capData) bool {
	return c.p.CompareAndSwap(old, new)
}
