// Package addrspace implements the stage-2 address space object: a guest
// VMID plus the page table mapping guest-physical addresses to memextent
// backings, and the VMMIO range table hypercall dispatch consults, grounded
// on original_source/hyp/mem/addrspace/src/addrspace.c and
// hyp/mem/hyp_aspace/armv8/src/hyp_aspace.c (spec.md §4.3).
package addrspace

import (
	"sync"

	"github.com/latticevm/lattice/pkg/bitmap"
	"github.com/latticevm/lattice/pkg/gpt"
	"github.com/latticevm/lattice/pkg/herr"
	"github.com/latticevm/lattice/pkg/memextent"
	"github.com/latticevm/lattice/pkg/object"
)

const maxVMID = 256

var (
	vmidMu sync.Mutex
	vmids  = newVMIDBitmap()
)

// newVMIDBitmap reserves VMID 0 up front (spec.md §6 "VMID 0 is reserved"),
// so the first real Configure call never hands it out.
func newVMIDBitmap() *bitmap.Bitmap {
	b := bitmap.New(maxVMID)
	b.Set(0)
	return b
}

func allocVMID() (int, error) {
	vmidMu.Lock()
	defer vmidMu.Unlock()
	id := vmids.FindFirstClear()
	if id < 0 {
		return 0, herr.NoResources
	}
	vmids.Set(id)
	return id, nil
}

func freeVMID(id int) {
	vmidMu.Lock()
	defer vmidMu.Unlock()
	vmids.Clear(id)
}

// mapping is one installed stage-2 translation entry, keyed by guest
// virtual (IPA) address.
type mapping struct {
	physBase uint64
	access   memextent.Access
	memType  memextent.MemType
}

// vmmioEntry is one VMMIO forwarding range, keyed by guest IPA.
type vmmioEntry struct {
	size   uint64
	handle interface{}
}

// Addrspace is a stage-2 translation table plus its VMMIO dispatch table.
type Addrspace struct {
	header object.Header

	mu      sync.Mutex
	vmid    int
	table   *gpt.GPT // guest IPA -> *mapping
	vmmio   *gpt.GPT // guest IPA -> *vmmioEntry
	threads []ThreadAttachment
}

// ThreadAttachment records a vcpu thread bound to run in this addrspace,
// populated by AttachThread (original_source addrspace_attach_thread).
type ThreadAttachment struct {
	ThreadID uint64
	InfoArea uint64
}

// New allocates an unconfigured addrspace.
func New() *Addrspace {
	as := &Addrspace{table: gpt.New(), vmmio: gpt.New()}
	as.header.Init(object.TypeAddrspace)
	return as
}

// ObjHeader implements object.Object.
func (as *Addrspace) ObjHeader() *object.Header { return &as.header }

// Configure allocates a VMID for the address space (original_source
// addrspace_configure).
func (as *Addrspace) Configure() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.header.State() != object.StateInit {
		return herr.ObjectState
	}
	vmid, err := allocVMID()
	if err != nil {
		return err
	}
	as.vmid = vmid
	as.header.SetState(object.StateActive)
	return nil
}

// ConfigureInfoArea reserves a guest-visible range used to publish the HLOS
// vcpu info structure (original_source addrspace_configure_info_area);
// recorded as an ordinary fixed-size, no-backing placeholder entry in the
// VMMIO table so lookups against it resolve without a full extent mapping.
func (as *Addrspace) ConfigureInfoArea(ipa uint64, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.vmmio.Insert(ipa, ipa+size, &vmmioEntry{size: size, handle: "info_area"})
}

// VMID returns the address space's allocated VMID.
func (as *Addrspace) VMID() int { return as.vmid }

// InstallMapping implements memextent.Mapper: it is invoked by a memextent
// when mapped into this address space.
func (as *Addrspace) InstallMapping(virtBase, physBase, size uint64, access memextent.Access, memType memextent.MemType) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if r, ok := as.table.Lookup(virtBase); ok && r.Start == virtBase {
		as.table.Remove(r.Start)
	}
	return as.table.Insert(virtBase, virtBase+size, &mapping{physBase: physBase, access: access, memType: memType})
}

// RemoveMapping implements memextent.Mapper.
func (as *Addrspace) RemoveMapping(virtBase uint64, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.table.Remove(virtBase)
}

// Map installs extent's full range at ipa with access (original_source
// addrspace_map, which simply forwards to memextent_map with itself as the
// target address space).
func (as *Addrspace) Map(extent *memextent.Extent, ipa uint64, access memextent.Access) error {
	return extent.Map(as, ipa, access)
}

// Unmap removes extent's mapping from this address space (original_source
// addrspace_unmap).
func (as *Addrspace) Unmap(extent *memextent.Extent) error {
	return extent.Unmap(as)
}

// Lookup translates a guest IPA to the physical address and access it is
// currently mapped with (original_source hyp_aspace walk used by the trap
// handler's stage-2 fault path).
func (as *Addrspace) Lookup(ipa uint64) (uint64, memextent.Access, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	r, ok := as.table.Lookup(ipa)
	if !ok {
		return 0, 0, false
	}
	m := r.Value.(*mapping)
	return m.physBase + (ipa - r.Start), m.access, true
}

// AddVMMIORange registers a guest IPA range as forwarded to a VirtIO (or
// other virtual-device) backend, consulted by the trap dispatcher on a
// stage-2 translation fault within the range (original_source
// addrspace_add_vmmio_range).
func (as *Addrspace) AddVMMIORange(ipa uint64, size uint64, handle interface{}) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.vmmio.Insert(ipa, ipa+size, &vmmioEntry{size: size, handle: handle})
}

// RemoveVMMIORange undoes AddVMMIORange.
func (as *Addrspace) RemoveVMMIORange(ipa uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.vmmio.Remove(ipa)
}

// LookupVMMIO returns the backend handle registered for the range
// containing ipa, if any.
func (as *Addrspace) LookupVMMIO(ipa uint64) (interface{}, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	r, ok := as.vmmio.Lookup(ipa)
	if !ok {
		return nil, false
	}
	return r.Value.(*vmmioEntry).handle, true
}

// AttachThread binds a vcpu thread to run in this address space, recording
// its info-area IPA (original_source addrspace_attach_thread).
func (as *Addrspace) AttachThread(threadID uint64, infoArea uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.header.State() != object.StateActive {
		return herr.ObjectState
	}
	as.threads = append(as.threads, ThreadAttachment{ThreadID: threadID, InfoArea: infoArea})
	return nil
}

// Release frees the address space's VMID once its refcount reaches zero;
// callers wire this as the object header's Release hook.
func (as *Addrspace) Release() {
	as.mu.Lock()
	vmid := as.vmid
	as.mu.Unlock()
	freeVMID(vmid)
}
