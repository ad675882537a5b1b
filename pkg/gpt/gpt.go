// Package gpt implements the generalized page table: an ordered,
// range-keyed index from an address space into mapping records, used by
// sparse memory extents and by an address space's VMMIO range table
// (spec.md GLOSSARY "GPT", §4.3). Grounded in the teacher's ordered-index
// style of wrapping `github.com/google/btree` behind a domain-specific
// API.
package gpt

import (
	"github.com/google/btree"

	"github.com/latticevm/lattice/pkg/herr"
)

const defaultDegree = 32

// Range is a half-open [Start, End) address range with an attached value.
type Range struct {
	Start, End uint64
	Value      interface{}
}

func (r *Range) contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

// item adapts Range to btree.Item, ordering by start address; btree.Less
// must be a strict weak order, so two ranges with equal Start never both
// exist (GPT enforces non-overlap on insert).
type item struct{ r *Range }

func (a item) Less(than btree.Item) bool { return a.r.Start < than.(item).r.Start }

// GPT is a sparse, ordered set of non-overlapping ranges.
type GPT struct {
	tree *btree.BTree
}

// New returns an empty GPT.
func New() *GPT { return &GPT{tree: btree.New(defaultDegree)} }

// Insert adds [start, end) mapped to value, failing with herr.Denied if it
// overlaps an existing range.
func (g *GPT) Insert(start, end uint64, value interface{}) error {
	if start >= end {
		return herr.ArgumentInvalid
	}
	if g.overlapsAny(start, end) {
		return herr.Denied
	}
	g.tree.ReplaceOrInsert(item{&Range{Start: start, End: end, Value: value}})
	return nil
}

// Remove deletes the range starting exactly at start.
func (g *GPT) Remove(start uint64) error {
	probe := item{&Range{Start: start, End: start + 1}}
	removed := g.tree.Delete(probe)
	if removed == nil {
		return herr.ArgumentInvalid
	}
	return nil
}

// Lookup returns the range containing addr, if any.
func (g *GPT) Lookup(addr uint64) (*Range, bool) {
	var found *Range
	// Ranges are keyed by Start, so DescendLessOrEqual visits the range
	// with the greatest Start <= addr first; since ranges don't overlap,
	// only that range can contain addr, and the walk stops after it.
	g.tree.DescendLessOrEqual(item{&Range{Start: addr}}, func(i btree.Item) bool {
		r := i.(item).r
		if r.contains(addr) {
			found = r
		}
		return false
	})
	return found, found != nil
}

// overlapsAny reports whether [start, end) intersects any existing range.
func (g *GPT) overlapsAny(start, end uint64) bool {
	overlap := false
	g.tree.DescendLessOrEqual(item{&Range{Start: start}}, func(i btree.Item) bool {
		r := i.(item).r
		if r.End > start {
			overlap = true
		}
		return false
	})
	if overlap {
		return true
	}
	g.tree.AscendRange(item{&Range{Start: start}}, item{&Range{Start: end}}, func(i btree.Item) bool {
		overlap = true
		return false
	})
	return overlap
}

// Walk visits every range in ascending address order.
func (g *GPT) Walk(fn func(*Range) bool) {
	g.tree.Ascend(func(i btree.Item) bool {
		return fn(i.(item).r)
	})
}

// Len returns the number of distinct ranges currently tracked.
func (g *GPT) Len() int { return g.tree.Len() }
