// Package vcpu implements spec.md §4.7: stage-2 abort IPA resolution,
// event-handler dispatch for unhandled aborts, synchronous external
// abort injection, and system-register trap emulation including
// virtualized ID registers.
//
// Grounded on
// original_source/hyp/vm/vcpu/aarch64/src/exception_inject.c,
// src/sysreg_traps.c, and src/trap_dispatch.c. Named architectural
// registers (ESR_EL1, FAR_EL1, ELR_EL1, SPSR_EL1, VBAR_EL1) are rendered
// as plain uint64 fields on RegisterContext rather than the source's
// bitfield-accessor generated types, since this repo has no code
// generator for ARM system-register layouts (spec.md §1: "ARM-specific
// register semantics appear only where they constitute a contract with
// guests" — the contract is which fields get written and with what
// value, not their bit layout).
package vcpu

// RegisterContext holds the architectural state a VCPU thread's saved
// context exposes to exception injection and sysreg emulation. It is the
// concrete shape behind pkg/thread.Thread's opaque saved context for
// VCPU-kind threads.
type RegisterContext struct {
	PC  uint64
	SP  uint64
	FP  uint64
	X   [31]uint64 // general-purpose registers x0-x30

	SPSREL1 uint64
	SPSREL2 uint64
	ESREL1  uint64
	FAREL1  uint64
	ELREL1  uint64
	VBAREL1 uint64
}

// SPSRMode is the guest exception-level/stack-pointer mode recorded in
// SPSR_EL2.M (original_source spsr_64bit_mode_t).
type SPSRMode uint8

const (
	ModeEL0t SPSRMode = iota
	ModeEL1t
	ModeEL1h
	ModeEL2t
	ModeEL2h
	ModeEL0tA32
)

func (r *RegisterContext) mode() SPSRMode {
	return SPSRMode(r.SPSREL2 & 0xf)
}

// vectorOffset returns the offset into the guest's exception vector table
// for an exception taken from the guest's current mode, matching
// exception_inject's switch over spsr_m (original_source
// exception_inject.c).
func vectorOffset(m SPSRMode) (uint64, bool) {
	switch m {
	case ModeEL0t:
		return 0x400, true
	case ModeEL1t:
		return 0x000, true
	case ModeEL1h:
		return 0x200, true
	case ModeEL0tA32:
		return 0x600, true
	default:
		return 0, false
	}
}
