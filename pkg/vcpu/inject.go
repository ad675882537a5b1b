package vcpu

import (
	"github.com/latticevm/lattice/pkg/herr"
)

// SPSR bit positions used by exception_inject's mode switch
// (original_source exception_inject.c): mask DAIF, clear IL/SS, force
// EL1h.
const (
	spsrD  = 1 << 9
	spsrA  = 1 << 8
	spsrI  = 1 << 7
	spsrF  = 1 << 6
	spsrIL = 1 << 20
	spsrSS = 1 << 21
	spsrMMask = 0xf
)

// InjectSyncExternalAbort injects a synchronous external abort into the
// guest at EL1, implementing original_source exception_inject's common
// path: set up the guest's SPSR/ELR/ESR/FAR from the current trap state,
// redirect PC to the guest's exception vector, and mask the guest's DAIF.
// esrEL1 and farEL1 carry the already-translated ESR_EL1/FAR_EL1 values
// the caller (stage-2 abort handler) computed; the ESR value itself
// encodes the exception class, so a data abort and an instruction abort
// take the same path here.
func InjectSyncExternalAbort(ctx *RegisterContext, esrEL1, farEL1 uint64) error {
	m := ctx.mode()
	offset, ok := vectorOffset(m)
	if !ok {
		// An EL2 guest mode here means the hypervisor itself trapped
		// while already in a guest exception-injection path — a
		// programmer error, not guest misbehavior (original_source
		// exception_inject.c panics on SPSR_64BIT_MODE_EL2T/EL2H).
		herr.Panic("illegal guest CPU mode for exception injection")
	}

	ctx.SPSREL1 = ctx.SPSREL2

	ctx.SPSREL2 |= spsrD | spsrA | spsrI | spsrF
	ctx.SPSREL2 &^= spsrIL | spsrSS
	ctx.SPSREL2 = (ctx.SPSREL2 &^ spsrMMask) | uint64(ModeEL1h)

	ctx.ELREL1 = ctx.PC
	ctx.ESREL1 = esrEL1
	ctx.FAREL1 = farEL1

	ctx.PC = ctx.VBAREL1 + offset
	return nil
}
