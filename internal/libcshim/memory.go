package libcshim

import (
	"github.com/anisette-go/provider/internal/emu"
)

func registerMemory(r *Registry) {
	r.register("malloc", hookMalloc)
	r.register("calloc", hookCalloc)
	r.register("realloc", hookRealloc)
	r.register("free", hookFree)
	r.register("getpagesize", hookGetpagesize)

	r.register("memcpy", hookMemcpy, "memmove")
	r.register("memset", hookMemset)
	r.register("memcmp", hookMemcmp)
	r.register("strlen", hookStrlen)
	r.register("strcpy", hookStrcpy)
	r.register("strncpy", hookStrncpy)
	r.register("strcmp", hookStrcmp)
	r.register("strncmp", hookStrncmp)

	// libstdc++ operator new/delete. libstoreservicescore.so is an
	// Objective-C++/C++ binary underneath its obfuscated C-style exports,
	// so these are wired defensively even though the 11 named ADI exports
	// never call them directly.
	r.register("_Znwm", hookOperatorNew, "_Znam", "_ZnwmSt11align_val_t", "_ZnamSt11align_val_t")
	r.register("_ZdlPv", hookOperatorDelete, "_ZdaPv")
}

func hookMalloc(r *Registry, vm *emu.VM) {
	size := vm.X(0)
	addr, err := vm.AllocData(size)
	if err != nil {
		vm.SetX(0, 0)
		return
	}
	vm.SetX(0, addr)
}

func hookCalloc(r *Registry, vm *emu.VM) {
	count, size := vm.X(0), vm.X(1)
	total := count * size
	addr, err := vm.AllocData(total)
	if err != nil {
		vm.SetX(0, 0)
		return
	}
	_ = vm.MemWrite(addr, make([]byte, total))
	vm.SetX(0, addr)
}

func hookRealloc(r *Registry, vm *emu.VM) {
	oldPtr, newSize := vm.X(0), vm.X(1)
	addr, err := vm.AllocData(newSize)
	if err != nil {
		vm.SetX(0, 0)
		return
	}
	if oldPtr != 0 {
		// The bump allocator has no size bookkeeping for old allocations;
		// copy a conservative amount and let callers that relied on
		// precise old-size truncation re-derive it from their own state,
		// as the real ADI libraries never shrink-then-read-old-tail.
		old, err := vm.MemRead(oldPtr, newSize)
		if err == nil {
			_ = vm.MemWrite(addr, old)
		}
	}
	vm.SetX(0, addr)
}

func hookFree(r *Registry, vm *emu.VM) {
	// No-op: the bump allocator never frees individual allocations.
}

func hookGetpagesize(r *Registry, vm *emu.VM) {
	vm.SetX(0, 0x1000)
}

func hookMemcpy(r *Registry, vm *emu.VM) {
	dst, src, n := vm.X(0), vm.X(1), vm.X(2)
	if n > 0 {
		data, err := vm.MemRead(src, n)
		if err == nil {
			_ = vm.MemWrite(dst, data)
		}
	}
	vm.SetX(0, dst)
}

func hookMemset(r *Registry, vm *emu.VM) {
	dst, val, n := vm.X(0), byte(vm.X(1)), vm.X(2)
	if n > 0 {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = val
		}
		_ = vm.MemWrite(dst, buf)
	}
	vm.SetX(0, dst)
}

func hookMemcmp(r *Registry, vm *emu.VM) {
	a, b, n := vm.X(0), vm.X(1), vm.X(2)
	da, errA := vm.MemRead(a, n)
	db, errB := vm.MemRead(b, n)
	if errA != nil || errB != nil {
		vm.SetX(0, 0)
		return
	}
	for i := uint64(0); i < n; i++ {
		if da[i] != db[i] {
			if da[i] < db[i] {
				vm.SetX(0, uint64(^uint32(0)))
			} else {
				vm.SetX(0, 1)
			}
			return
		}
	}
	vm.SetX(0, 0)
}

func hookStrlen(r *Registry, vm *emu.VM) {
	s, _ := vm.ReadCString(vm.X(0), 65536)
	vm.SetX(0, uint64(len(s)))
}

func hookStrcpy(r *Registry, vm *emu.VM) {
	dst, src := vm.X(0), vm.X(1)
	s, _ := vm.ReadCString(src, 65536)
	_ = vm.WriteCString(dst, s)
	vm.SetX(0, dst)
}

func hookStrncpy(r *Registry, vm *emu.VM) {
	dst, src, n := vm.X(0), vm.X(1), vm.X(2)
	s, _ := vm.ReadCString(src, int(n))
	if uint64(len(s)) > n {
		s = s[:n]
	}
	buf := make([]byte, n)
	copy(buf, s)
	_ = vm.MemWrite(dst, buf)
	vm.SetX(0, dst)
}

func hookStrcmp(r *Registry, vm *emu.VM) {
	a, _ := vm.ReadCString(vm.X(0), 65536)
	b, _ := vm.ReadCString(vm.X(1), 65536)
	vm.SetX(0, uint64(stringCompare(a, b)))
}

func hookStrncmp(r *Registry, vm *emu.VM) {
	n := int(vm.X(2))
	a, _ := vm.ReadCString(vm.X(0), n)
	b, _ := vm.ReadCString(vm.X(1), n)
	if len(a) > n {
		a = a[:n]
	}
	if len(b) > n {
		b = b[:n]
	}
	vm.SetX(0, uint64(stringCompare(a, b)))
}

func stringCompare(a, b string) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func hookOperatorNew(r *Registry, vm *emu.VM) {
	hookMalloc(r, vm)
}

func hookOperatorDelete(r *Registry, vm *emu.VM) {
	hookFree(r, vm)
}
