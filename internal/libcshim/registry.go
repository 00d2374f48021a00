// Package libcshim provides the host-side implementations of the libc
// and pthread symbols the ADI shared libraries import. Each hook is
// registered against a per-VM Registry (never a shared global, so
// independent provisioning sessions never see each other's file
// descriptors, heap state, or clocks) and dispatched through the
// emulator's call gate exactly like the ADI exports themselves.
package libcshim

import (
	"fmt"
	"sync"

	"github.com/anisette-go/provider/internal/emu"
	"github.com/anisette-go/provider/internal/errs"
	"github.com/anisette-go/provider/internal/logging"
	"github.com/anisette-go/provider/internal/vfs"
)

// HookFunc is the signature every shim implements: read arguments from
// the VM's registers, do the host-side work, and write a result to x0.
// The wrapper Install registers then returns to the caller via
// emu.ReturnFromStub.
type HookFunc func(r *Registry, vm *emu.VM)

// def pairs a symbol name (and its aliases) with its implementation.
type def struct {
	name    string
	aliases []string
	hook    HookFunc
}

// Registry is the set of shims available to one VM/session. State that
// must not leak between sessions (open file descriptors, the heap
// cursor's logical view via the VFS, pending errno) lives here, not in
// package-level variables.
type Registry struct {
	mu    sync.Mutex
	defs  map[string]*def
	order []string

	VFS    *vfs.FS
	Logger *logging.Logger

	fds    map[int]int // guest-visible fd -> vfs.FS fd
	nextFD int
	errno  int32

	resolver SymbolResolver
	tlsNext  uint32
	tls      map[uint32]uint64
}

// NewRegistry returns an empty registry backed by the given VFS (the
// "adi" filesystem the guest's fopen/open calls actually touch).
func NewRegistry(fs *vfs.FS, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		defs:   make(map[string]*def),
		VFS:    fs,
		Logger: logger,
		fds:    make(map[int]int),
		nextFD: 3,
		tls:    make(map[uint32]uint64),
		tlsNext: 1,
	}
	registerAll(r)
	return r
}

// SetSymbolResolver wires dlsym to look up symbols across every loaded
// library. Called by the ADI binding once both libraries are mapped.
func (r *Registry) SetSymbolResolver(fn SymbolResolver) {
	r.resolver = fn
}

func (r *Registry) newTLSKey() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := r.tlsNext
	r.tlsNext++
	return k
}

func (r *Registry) getTLS(key uint32) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tls[key]
}

func (r *Registry) setTLS(key uint32, val uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tls[key] = val
}

func (r *Registry) register(name string, hook HookFunc, aliases ...string) {
	d := &def{name: name, aliases: aliases, hook: hook}
	r.defs[name] = d
	r.order = append(r.order, name)
	for _, a := range aliases {
		r.defs[a] = d
	}
}

// Install hooks every registered shim at its import address in imports,
// and fails with UnresolvedImportError for any import that has no shim
// and whose relocation-derived address is actually reachable — i.e. this
// never installs a silent zero-returning fallback.
func (r *Registry) Install(vm *emu.VM, imports map[string]uint64) error {
	for name, addr := range imports {
		if addr == 0 {
			continue
		}
		d, ok := r.defs[name]
		if !ok {
			return &errs.UnresolvedImportError{Name: name}
		}
		hook := d.hook
		vm.HookAddress(addr, func(v *emu.VM) bool {
			hook(r, v)
			emu.ReturnFromStub(v)
			return false
		})
		r.Logger.StubInstall("libc", name, addr, "import")
	}
	return nil
}

// SetErrno records the shim-visible errno value for the next __errno call.
func (r *Registry) SetErrno(v int32) { r.errno = v }

// Errno returns the last errno value recorded by a shim.
func (r *Registry) Errno() int32 { return r.errno }

// allocGuestFD maps a vfs file descriptor to a small guest-visible
// integer, so open()'s return value looks like a normal POSIX fd.
func (r *Registry) allocGuestFD(vfsFD int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.nextFD
	r.nextFD++
	r.fds[g] = vfsFD
	return g
}

func (r *Registry) resolveFD(guestFD int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vfsFD, ok := r.fds[guestFD]
	return vfsFD, ok
}

func (r *Registry) releaseFD(guestFD int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fds, guestFD)
}

func registerAll(r *Registry) {
	registerMemory(r)
	registerFileio(r)
	registerTime(r)
	registerRandom(r)
	registerMisc(r)
}

// errString renders an error for trace logging without leaking Go's
// default formatting of wrapped sentinel errors.
func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%v", err)
}
