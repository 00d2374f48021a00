// Package emu provides ARM64 user-mode emulation of the ADI shared
// libraries using Unicorn Engine: memory mapping, register access, a
// two-arena bump allocator, and the call-gate mechanism used to invoke
// guest functions with the AAPCS64 calling convention.
package emu

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout. Unlike a general-purpose app emulator, the guest here
// never allocates more than a few small blobs (device records, CPIM/SPIM
// buffers, a handful of malloc'd temporaries) so generous, sparse regions
// are cheap and keep every address space fixed and collision-free.
const (
	CodeBase = 0x00010000
	CodeSize = 0x01000000 // 16MB; mapped, but the ELF loader places libraries from LoadELFBase upward

	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB

	// DataBase/DataSize is the permanent arena: allocations here live for
	// the lifetime of the VM (e.g. the provisioning path string, the
	// device identifier bytes).
	DataBase = 0x90000000
	DataSize = 0x08000000 // 128MB

	// ScratchBase/ScratchSize is the temporary arena: its cursor resets
	// to ScratchBase at the start of every InvokeCdecl call, so
	// out-parameter buffers from one ADI call never leak into the next.
	ScratchBase = 0x98000000
	ScratchSize = 0x08000000 // 128MB

	TLSBase = 0xDEAC0000
	TLSSize = 0x00010000

	// HookBase/HookSize is a reserved hook region. It is mapped, but no
	// hook is placed in it: libc shim hooks are registered at each
	// import's PLT stub address inside the loaded library (see
	// libcshim.Registry.Install).
	HookBase = 0xF0000000
	HookSize = 0x00100000
)

// sentinelReturn is the address InvokeCdecl sets as the return address
// before starting emulation. It is never mapped as real code; reaching it
// means the guest function has returned, and the run hook stops emulation.
const sentinelReturn = 0xFFFF0000

// AddressHookFunc is called when execution reaches a specific address.
// Returning true stops emulation immediately. The libc shim hooks return
// false after setting PC to LR (emu.ReturnFromStub), so execution resumes
// in the calling guest code.
type AddressHookFunc func(vm *VM) bool

// VM wraps a Unicorn ARM64 context together with the provider's memory
// model (stack, two bump arenas, hook dispatch table).
type VM struct {
	mu uc.Unicorn

	dataPtr    uint64
	scratchPtr uint64

	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	stopped bool
}

// New creates a fresh ARM64 VM with its memory regions mapped and ready.
func New() (*VM, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	vm := &VM{
		mu:         mu,
		dataPtr:    DataBase,
		scratchPtr: ScratchBase,
		addrHooks:  make(map[uint64]AddressHookFunc),
	}

	if err := vm.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := vm.setupDispatch(); err != nil {
		mu.Close()
		return nil, err
	}

	return vm, nil
}

func (vm *VM) mapMemory() error {
	regions := []struct {
		base, size uint64
		name       string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{DataBase, DataSize, "data"},
		{ScratchBase, ScratchSize, "scratch"},
		{TLSBase, TLSSize, "tls"},
		{HookBase, HookSize, "hooks"},
	}
	for _, r := range regions {
		if err := vm.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	sp := uint64(StackBase + StackSize - 0x100)
	if err := vm.mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	if err := vm.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}
	if err := vm.mu.MemWrite(TLSBase, make([]byte, 256)); err != nil {
		return fmt.Errorf("zero TLS: %w", err)
	}

	// __stack_chk_guard lives at TLS+0x28; a fixed non-zero canary is
	// enough to satisfy stack-protector epilogues without ever mismatching.
	canary := make([]byte, 8)
	binary.LittleEndian.PutUint64(canary, 0x0011223344556677)
	if err := vm.mu.MemWrite(TLSBase+0x28, canary); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	return nil
}

// StackChkGuardAddr is the fixed guest address of __stack_chk_guard,
// referenced by the ELF loader when resolving that special symbol during
// relocation.
func StackChkGuardAddr() uint64 { return TLSBase + 0x28 }

func (vm *VM) setupDispatch() error {
	_, err := vm.mu.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, _ uint32) {
		if vm.stopped {
			vm.mu.Stop()
			return
		}

		vm.addrHooksMu.RLock()
		hook, ok := vm.addrHooks[addr]
		vm.addrHooksMu.RUnlock()

		if ok && hook(vm) {
			vm.Stop()
		}
	}, 1, 0)
	return err
}

// Close releases the underlying Unicorn context.
func (vm *VM) Close() error {
	return vm.mu.Close()
}

// MapRegion maps additional guest memory (used by the ELF loader for
// library segments whose addresses fall outside the fixed regions above).
func (vm *VM) MapRegion(addr, size uint64) error {
	return vm.mu.MemMap(addr, size)
}

// MemRead reads size bytes starting at addr.
func (vm *VM) MemRead(addr, size uint64) ([]byte, error) {
	return vm.mu.MemRead(addr, size)
}

// MemWrite writes data starting at addr.
func (vm *VM) MemWrite(addr uint64, data []byte) error {
	return vm.mu.MemWrite(addr, data)
}

// ReadU64 reads a little-endian uint64 at addr.
func (vm *VM) ReadU64(addr uint64) (uint64, error) {
	data, err := vm.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// WriteU64 writes a little-endian uint64 at addr.
func (vm *VM) WriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return vm.mu.MemWrite(addr, data)
}

// ReadU32 reads a little-endian uint32 at addr.
func (vm *VM) ReadU32(addr uint64) (uint32, error) {
	data, err := vm.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// WriteU32 writes a little-endian uint32 at addr.
func (vm *VM) WriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return vm.mu.MemWrite(addr, data)
}

// ReadBytes reads exactly length bytes at addr; a convenience wrapper
// used when copying an out-parameter buffer back to Go.
func (vm *VM) ReadBytes(addr uint64, length uint32) ([]byte, error) {
	return vm.mu.MemRead(addr, uint64(length))
}

// ReadCString reads a NUL-terminated string, scanning up to maxLen bytes.
func (vm *VM) ReadCString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	data, err := vm.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// WriteCString writes s followed by a NUL terminator at addr.
func (vm *VM) WriteCString(addr uint64, s string) error {
	return vm.mu.MemWrite(addr, append([]byte(s), 0))
}

// X reads general-purpose register X0-X30.
func (vm *VM) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := vm.mu.RegRead(uc.ARM64_REG_X0 + n)
	return val
}

// SetX writes general-purpose register X0-X30.
func (vm *VM) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return vm.mu.RegWrite(uc.ARM64_REG_X0+n, val)
}

// PC returns the program counter.
func (vm *VM) PC() uint64 {
	pc, _ := vm.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter.
func (vm *VM) SetPC(val uint64) error {
	return vm.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// LR returns the link register.
func (vm *VM) LR() uint64 {
	lr, _ := vm.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register.
func (vm *VM) SetLR(val uint64) error {
	return vm.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// AllocData allocates size bytes from the permanent arena. Allocations
// here live for the lifetime of the VM.
func (vm *VM) AllocData(size uint64) (uint64, error) {
	return allocFrom(&vm.dataPtr, DataBase, DataSize, size)
}

// AllocTemporary allocates size bytes from the scratch arena. The arena
// is reset (not freed, just rewound) at the start of every InvokeCdecl.
func (vm *VM) AllocTemporary(size uint64) (uint64, error) {
	return allocFrom(&vm.scratchPtr, ScratchBase, ScratchSize, size)
}

func allocFrom(ptr *uint64, base, regionSize, size uint64) (uint64, error) {
	const pageSize = 0x1000
	aligned := (size + pageSize - 1) &^ (pageSize - 1)
	if aligned == 0 {
		aligned = pageSize
	}

	addr := *ptr
	if addr+aligned > base+regionSize {
		return 0, fmt.Errorf("emu: arena exhausted (want %d bytes, %d remaining)", aligned, base+regionSize-addr)
	}
	*ptr = addr + aligned
	return addr, nil
}

// resetScratch rewinds the temporary arena's cursor. Called by InvokeCdecl
// before every call so out-parameter buffers never straddle calls.
func (vm *VM) resetScratch() {
	vm.scratchPtr = ScratchBase
}

// AllocCString allocates a permanent, NUL-terminated copy of s.
func (vm *VM) AllocCString(s string) (uint64, error) {
	addr, err := vm.AllocData(uint64(len(s) + 1))
	if err != nil {
		return 0, err
	}
	if err := vm.WriteCString(addr, s); err != nil {
		return 0, err
	}
	return addr, nil
}

// AllocBytes allocates a permanent copy of data (no terminator appended).
func (vm *VM) AllocBytes(data []byte) (uint64, error) {
	addr, err := vm.AllocData(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	if err := vm.MemWrite(addr, data); err != nil {
		return 0, err
	}
	return addr, nil
}

// HookAddress registers fn to run whenever execution reaches addr.
func (vm *VM) HookAddress(addr uint64, fn AddressHookFunc) {
	vm.addrHooksMu.Lock()
	defer vm.addrHooksMu.Unlock()
	vm.addrHooks[addr] = fn
}

// RemoveAddressHook unregisters any hook at addr.
func (vm *VM) RemoveAddressHook(addr uint64) {
	vm.addrHooksMu.Lock()
	defer vm.addrHooksMu.Unlock()
	delete(vm.addrHooks, addr)
}

// Stop halts emulation at the next instruction boundary.
func (vm *VM) Stop() {
	vm.stopped = true
	vm.mu.Stop()
}

func (vm *VM) run(start uint64) error {
	vm.stopped = false
	return vm.mu.Start(start, sentinelReturn)
}
