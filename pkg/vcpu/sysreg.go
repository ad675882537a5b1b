package vcpu

import "github.com/latticevm/lattice/pkg/herr"

// SysregID names the system registers this hypervisor traps and
// virtualizes (original_source sysreg_traps.c's ISS_MRS_MSR_* cases,
// trimmed to the subset every VCPU may read regardless of HLOS status
// plus the ID registers migrating VCPUs must see a consistent value for).
type SysregID int

const (
	SysregREVIDR SysregID = iota
	SysregAIDR
	SysregIDAA64PFR0
	SysregIDAA64PFR1
	SysregIDAA64MMFR0
	SysregMPIDR
)

// idValues holds the virtualized, migration-stable value this hypervisor
// reports for each ID register, independent of the physical CPU the read
// traps on (spec.md §4.7 "unhandled reads of ID registers are emulated as
// virtualized ID values so migrating VCPUs see a consistent CPU
// description").
var idValues = map[SysregID]uint64{
	SysregREVIDR:      0, // RAZ, original_source sysreg_traps.c
	SysregAIDR:        0, // RAZ
	SysregIDAA64PFR0:  idAA64PFR0Default(),
	SysregIDAA64PFR1:  0,
	SysregIDAA64MMFR0: 0,
}

// idAA64PFR0Default encodes the EL0-3 present, GIC-capable feature
// register value original_source's read_virtual_id_register builds for
// ID_AA64PFR0_EL1 (EL0=2, EL1=1, EL2=1, EL3=1, GIC=1), collapsed to its
// raw bitfield packing rather than per-field setters since no other code
// path reads individual fields back out.
func idAA64PFR0Default() uint64 {
	var v uint64
	v |= 2 << 0  // EL0
	v |= 1 << 4  // EL1
	v |= 1 << 8  // EL2
	v |= 1 << 12 // EL3
	v |= 1 << 24 // GIC
	return v
}

// VCPUOptions configures HLOS-ness and other sysreg-emulation policy set
// at VCPU configure/activate time (spec.md §4.7 [EXPANSION], resolving
// Open Question 2). HLOSVM mirrors thread.Options.HLOSVM; the handlers in
// this package return the same values whether or not it is set.
type VCPUOptions struct {
	HLOSVM bool
	MPIDR  uint64
}

// SysregTrap models a system-register access trap: which register, read
// or write, and (for a write) the value the guest supplied.
type SysregTrap struct {
	Reg     SysregID
	IsWrite bool
	Value   uint64
}

// handlers is a dispatch table of per-register trap handlers keyed by
// SysregID, the Go rendering of original_source sysreg_traps.c's switch
// statement (spec.md §9 "duck-typed object pointers... replace with a
// tagged variant plus a dispatch table" — the same pattern applies here
// to register-number dispatch).
type sysregHandler func(opts VCPUOptions, trap SysregTrap) (uint64, error)

var sysregHandlers = map[SysregID]sysregHandler{
	SysregREVIDR:      readOnlyID,
	SysregAIDR:        readOnlyID,
	SysregIDAA64PFR0:  readOnlyID,
	SysregIDAA64PFR1:  readOnlyID,
	SysregIDAA64MMFR0: readOnlyID,
	SysregMPIDR:       readMPIDR,
}

func readOnlyID(opts VCPUOptions, trap SysregTrap) (uint64, error) {
	if trap.IsWrite {
		return 0, herr.Denied
	}
	return idValues[trap.Reg], nil
}

func readMPIDR(opts VCPUOptions, trap SysregTrap) (uint64, error) {
	if trap.IsWrite {
		return 0, herr.Denied
	}
	return opts.MPIDR, nil
}

// HandleSysregTrap dispatches a trapped system-register access, returning
// the value to return to the guest (reads) or herr.Denied/herr.Unimplemented
// when the register is write-protected or not modeled.
func HandleSysregTrap(opts VCPUOptions, trap SysregTrap) (uint64, error) {
	h, ok := sysregHandlers[trap.Reg]
	if !ok {
		return 0, herr.Unimplemented
	}
	return h(opts, trap)
}
