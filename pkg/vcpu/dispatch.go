package vcpu

import (
	"github.com/latticevm/lattice/pkg/herr"
)

// TrapResult is the outcome of dispatching a stage-2 abort to event
// handlers (original_source vcpu_trap_result_t).
type TrapResult int

const (
	TrapUnhandled TrapResult = iota
	TrapHandled
	TrapRetry
)

// AbortHandler is implemented by each device/memextent backer capable of
// servicing a stage-2 abort at a given IPA (original_source's
// "device emulation, memextent backers, VIRTIO MMIO" dispatch chain,
// spec.md §4.7). Handlers are tried in registration order; the first to
// return true claims the abort.
type AbortHandler interface {
	HandleAbort(ipa uint64, size int, isWrite bool, value uint64) (result uint64, handled bool)
}

// StageOneWalker resolves a guest virtual address to an IPA by walking the
// guest's stage-1 tables, used only when the hardware abort did not latch
// the faulting IPA directly (spec.md §4.7 "preferring the hardware-latched
// field, else by walking stage-1 under an RCU read").
type StageOneWalker interface {
	WalkStage1(va uint64) (ipa uint64, err error)
}

// Dispatcher routes stage-2 aborts from a VCPU's trap entry to registered
// handlers, injecting a guest abort if none claims it.
type Dispatcher struct {
	handlers []AbortHandler
	walker   StageOneWalker
}

// NewDispatcher returns a Dispatcher with no handlers registered.
func NewDispatcher(walker StageOneWalker) *Dispatcher {
	return &Dispatcher{walker: walker}
}

// Register adds h to the dispatch chain.
func (d *Dispatcher) Register(h AbortHandler) {
	d.handlers = append(d.handlers, h)
}

// ResolveIPA returns the faulting IPA for an abort, preferring
// hardwareIPA (the hardware-latched HPFAR_EL2 field) when hwValid is true,
// falling back to a stage-1 walk of va (original_source
// trap_dispatch.c's handle_inst_data_abort fallback path).
func (d *Dispatcher) ResolveIPA(va uint64, hardwareIPA uint64, hwValid bool) (uint64, error) {
	if hwValid {
		return hardwareIPA, nil
	}
	if d.walker == nil {
		return 0, herr.Unimplemented
	}
	return d.walker.WalkStage1(va)
}

// Dispatch resolves the faulting IPA and offers the access to every
// registered handler in order; if none claims it, a synchronous external
// abort is injected into the guest (spec.md §4.7 "if unhandled, injects a
// synchronous external abort to the guest EL1").
func (d *Dispatcher) Dispatch(ctx *RegisterContext, va uint64, hardwareIPA uint64, hwValid bool,
	size int, isWrite bool, value uint64) (result uint64, trap TrapResult, err error) {

	ipa, err := d.ResolveIPA(va, hardwareIPA, hwValid)
	if err != nil {
		return 0, TrapUnhandled, err
	}

	for _, h := range d.handlers {
		if r, handled := h.HandleAbort(ipa, size, isWrite, value); handled {
			return r, TrapHandled, nil
		}
	}

	esrEL1 := syntheticExternalAbortESR(size, isWrite)
	if injectErr := InjectSyncExternalAbort(ctx, esrEL1, ipa); injectErr != nil {
		return 0, TrapUnhandled, injectErr
	}
	return 0, TrapRetry, nil
}

// syntheticExternalAbortESR builds a minimal ESR_EL1 value describing a
// synchronous external abort from EL1 (original_source
// ESR_EL1_set_EC(ESR_EC_DATA_ABORT_SAME_EL)/set_ISS(...) sequence,
// collapsed to the fields the spec contract actually depends on: the
// exception class and whether it was a write).
func syntheticExternalAbortESR(size int, isWrite bool) uint64 {
	const ecDataAbortSameEL = uint64(0x25) << 26
	const issSASShift = 22
	var iss uint64
	if isWrite {
		iss |= 1 << 6 // WnR
	}
	switch size {
	case 1:
		iss |= 0 << issSASShift
	case 2:
		iss |= 1 << issSASShift
	case 4:
		iss |= 2 << issSASShift
	case 8:
		iss |= 3 << issSASShift
	}
	return ecDataAbortSameEL | iss
}
