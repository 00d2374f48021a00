package emu

import (
	"fmt"

	"github.com/anisette-go/provider/internal/errs"
)

// MaxCdeclArgs is the number of integer/pointer argument registers
// AAPCS64 makes available (x0-x7); ADI never needs more than six.
const MaxCdeclArgs = 8

// InvokeCdecl calls the guest function at addr with args loaded into
// x0..x7 (len(args) must be <= MaxCdeclArgs), following AAPCS64: the
// return value is read from x0 once the function returns to a sentinel
// return address the call gate installs itself. The scratch arena is
// reset before every call, so each invocation starts with a clean
// temporary-allocation budget.
func (vm *VM) InvokeCdecl(addr uint64, args []uint64) (uint64, error) {
	if len(args) > MaxCdeclArgs {
		return 0, fmt.Errorf("emu: invoke_cdecl: too many arguments (%d > %d)", len(args), MaxCdeclArgs)
	}

	vm.resetScratch()

	for i, a := range args {
		if err := vm.SetX(i, a); err != nil {
			return 0, err
		}
	}
	for i := len(args); i < MaxCdeclArgs; i++ {
		vm.SetX(i, 0)
	}

	if err := vm.SetLR(sentinelReturn); err != nil {
		return 0, err
	}
	if err := vm.SetPC(addr); err != nil {
		return 0, err
	}

	if err := vm.run(addr); err != nil {
		return 0, &errs.EmulationFaultError{PC: vm.PC(), Reason: err.Error()}
	}

	return vm.X(0), nil
}

// ReturnFromStub sets PC to LR, the call-gate convention every libc/ADI
// hook uses to "return" from the host-side implementation back into
// whatever guest code called it.
func ReturnFromStub(vm *VM) {
	vm.SetPC(vm.LR())
}
