// Package partition implements the resource-owner object: a quota-bounded
// allocator backed by a host mmap arena standing in for physical DRAM, plus
// the memdb identity every allocation is recorded against (spec.md DATA
// MODEL "partition").
package partition

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/memdb"
	"github.com/latticevm/lattice/pkg/object"
)

// Partition owns a bump-allocated arena of host memory and the memdb
// instance recording which of its bytes are currently owned by which
// object. It implements cspace.Allocator (cap-table quota) directly, rather
// than importing pkg/cspace, to avoid a dependency cycle — cspace depends
// on partition in the source, never the reverse.
type Partition struct {
	header object.Header

	mu       sync.Mutex
	arena    []byte
	next     int
	pageSize int

	capTableQuota int
	capTablesUsed int

	Memdb *memdb.Memdb
}

// New creates a partition with an arena of size bytes (rounded up to a
// whole number of pages) and capTableQuota cap tables of allocation
// headroom for any cspace that uses it.
func New(size int, capTableQuota int) (*Partition, error) {
	pageSize := unix.Getpagesize()
	pages := (size + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}
	arena, err := unix.Mmap(-1, 0, pages*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, herr.NoMem
	}

	p := &Partition{
		arena:         arena,
		pageSize:      pageSize,
		capTableQuota: capTableQuota,
		Memdb:         memdb.New(uint64(len(arena))),
	}
	p.header.Init(object.TypePartition)
	return p, nil
}

// ObjHeader implements object.Object.
func (p *Partition) ObjHeader() *object.Header { return &p.header }

// Arena returns the partition's backing host memory. Callers performing
// direct byte access (memextent's zero/clean/flush maintenance operations)
// must stay within a range they hold ownership of in Memdb.
func (p *Partition) Arena() []byte { return p.arena }

// Alloc hands out a size-byte, align-byte-aligned range from the arena and
// records its ownership in Memdb under (owner, ownerType), mirroring
// partition_alloc's "allocate, then record" contract (spec.md §4.3 "every
// byte... has exactly one owner"). ownerType is one of the DATA MODEL
// object-type tags (e.g. object.TypeThread for a thread stack) so the
// allocation is recorded as the real owner kind rather than a single
// catch-all tag.
func (p *Partition) Alloc(size int, align int, owner uint64, ownerType uint8) ([]byte, uint64, error) {
	if size <= 0 || align <= 0 || (align&(align-1)) != 0 {
		return nil, 0, herr.ArgumentAlignment
	}

	p.mu.Lock()
	start := (p.next + align - 1) &^ (align - 1)
	if start+size > len(p.arena) {
		p.mu.Unlock()
		return nil, 0, herr.NoMem
	}
	p.next = start + size
	p.mu.Unlock()

	if err := p.Memdb.Insert(uint64(start), uint64(size), owner, ownerType); err != nil {
		return nil, 0, err
	}

	return p.arena[start : start+size], uint64(start), nil
}

// Free releases a range back to Memdb, requiring it to be currently owned
// by (owner, ownerType); the arena offset itself is never reused by this
// bump allocator (matching the partition allocator's "effectively
// infinite" host-backed design — no per-object free-list of raw bytes,
// since Memdb is the sole ownership authority).
func (p *Partition) Free(offset uint64, size uint64, owner uint64, ownerType uint8) error {
	return p.Memdb.Remove(offset, size, owner, ownerType)
}

// ReserveCapTable implements pkg/cspace.Allocator.
func (p *Partition) ReserveCapTable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capTablesUsed >= p.capTableQuota {
		return herr.NoResources
	}
	p.capTablesUsed++
	return nil
}

// ReleaseCapTable implements pkg/cspace.Allocator.
func (p *Partition) ReleaseCapTable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capTablesUsed > 0 {
		p.capTablesUsed--
	}
}

// Close unmaps the arena. Partitions are not reference-counted down to
// zero in normal operation (spec.md Non-goals exclude teardown paths); this
// exists for test cleanup.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.arena == nil {
		return nil
	}
	err := unix.Munmap(p.arena)
	p.arena = nil
	return err
}
