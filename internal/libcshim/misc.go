package libcshim

import (
	"github.com/anisette-go/provider/internal/emu"
)

// SymbolResolver looks up an exported symbol by name across every
// library loaded into the VM. The ADI binding installs this once both
// libraries are loaded, so dlsym can find cross-library references
// (libCoreADI.so calling into libstoreservicescore.so, or vice versa).
type SymbolResolver func(name string) (uint64, bool)

func registerMisc(r *Registry) {
	r.register("__errno", hookErrno, "__errno_location")
	r.register("dlopen", hookDlopen)
	r.register("dlsym", hookDlsym)
	r.register("dlclose", hookDlclose)
	r.register("abort", hookAbort)

	r.register("pthread_mutex_init", hookPthreadOKZero)
	r.register("pthread_mutex_lock", hookPthreadOKZero)
	r.register("pthread_mutex_unlock", hookPthreadOKZero)
	r.register("pthread_mutex_destroy", hookPthreadOKZero)
	r.register("pthread_once", hookPthreadOnce)
	r.register("pthread_key_create", hookPthreadKeyCreate)
	r.register("pthread_key_delete", hookPthreadOKZero)
	r.register("pthread_getspecific", hookPthreadGetspecific)
	r.register("pthread_setspecific", hookPthreadSetspecific)
}

// noopResolver is what dlsym uses while the registry has no resolver (the
// ADI binding sets one with SetSymbolResolver once both libraries are
// mapped): every lookup fails.
var noopResolver SymbolResolver = func(string) (uint64, bool) { return 0, false }

func hookErrno(r *Registry, vm *emu.VM) {
	// __errno_location returns a pointer to a guest-visible errno cell in
	// real libc; here we fake that cell out of the scratch arena each
	// time, which is fine because ADI never stores the pointer across
	// calls, only dereferences it immediately after a failing libc call.
	addr, err := vm.AllocTemporary(4)
	if err != nil {
		vm.SetX(0, 0)
		return
	}
	_ = vm.WriteU32(addr, uint32(r.Errno()))
	vm.SetX(0, addr)
}

func hookDlopen(r *Registry, vm *emu.VM) {
	// A single opaque non-zero handle: every library is already resident
	// in the one VM address space, so there is nothing further to load.
	vm.SetX(0, 1)
}

func hookDlsym(r *Registry, vm *emu.VM) {
	symPtr := vm.X(1)
	name, err := vm.ReadCString(symPtr, 256)
	if err != nil {
		vm.SetX(0, 0)
		return
	}
	resolve := r.resolver
	if resolve == nil {
		resolve = noopResolver
	}
	if addr, ok := resolve(name); ok {
		vm.SetX(0, addr)
		return
	}
	vm.SetX(0, 0)
}

func hookDlclose(r *Registry, vm *emu.VM) {
	vm.SetX(0, 0)
}

func hookAbort(r *Registry, vm *emu.VM) {
	vm.Stop()
}

func hookPthreadOKZero(r *Registry, vm *emu.VM) {
	vm.SetX(0, 0)
}

func hookPthreadOnce(r *Registry, vm *emu.VM) {
	// Guest-side pthread_once control words live in guest memory; a
	// single-threaded emulator never races, so no locking is needed: if
	// the once-control word is still zero, run the init routine via a
	// direct invocation, then mark done by writing a non-zero sentinel
	// into it.
	oncePtr, initRoutine := vm.X(0), vm.X(1)
	done, _ := vm.ReadU32(oncePtr)
	if done == 0 && initRoutine != 0 {
		_, _ = vm.InvokeCdecl(initRoutine, nil)
		_ = vm.WriteU32(oncePtr, 1)
	}
	vm.SetX(0, 0)
}

func hookPthreadKeyCreate(r *Registry, vm *emu.VM) {
	keyPtr := vm.X(0)
	key := r.newTLSKey()
	_ = vm.WriteU32(keyPtr, key)
	vm.SetX(0, 0)
}

func hookPthreadGetspecific(r *Registry, vm *emu.VM) {
	key := uint32(vm.X(0))
	vm.SetX(0, r.getTLS(key))
}

func hookPthreadSetspecific(r *Registry, vm *emu.VM) {
	key := uint32(vm.X(0))
	val := vm.X(1)
	r.setTLS(key, val)
	vm.SetX(0, 0)
}
