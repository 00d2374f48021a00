// Package adi binds the eleven obfuscated exports of libstoreservicescore.so
// to typed Go methods. It owns the emulator VM, loads both ADI shared
// objects into it, installs the libc shim table, and exposes the
// provisioning/OTP primitives the session façade and provisioning state
// machine drive.
package adi

import (
	"fmt"

	"github.com/anisette-go/provider/internal/bits"
	"github.com/anisette-go/provider/internal/errs"
	"github.com/anisette-go/provider/internal/libcshim"
	"github.com/anisette-go/provider/internal/libstore"
	"github.com/anisette-go/provider/internal/logging"
	"github.com/anisette-go/provider/internal/vfs"

	"github.com/anisette-go/provider/internal/emu"
)

// Obfuscated export names libstoreservicescore.so ships instead of a
// conventional symbol table. These are stable across releases of the
// library; they are not derived from anything, they are simply what the
// binary exports.
const (
	symSetProvisioningPath = "nf92ngaK92"
	symSetAndroidID        = "Sph98paBcz"
	symLoadLibraryWithPath = "kq56gsgHG6"
	symProvisioningErase   = "p435tmhbla"
	symSynchronize         = "tn46gtiuhw"
	symProvisioningDestroy = "fy34trz2st"
	symProvisioningEnd     = "uv5t6nhkui"
	symProvisioningStart   = "rsegvyrt87"
	symGetLoginCode        = "aslgmuibau"
	symDispose             = "jk24uiwqrg"
	symOTPRequest          = "qi864985u0"
)

// errNotProvisioned is the s32 code get_login_code returns when the
// machine has not yet completed provisioning. Its origin is undocumented
// upstream; treated here as an opaque constant, not "fixed".
const errNotProvisioned = -45061

// ClientProvisioningIntermediateMetadata is the CPIM blob and opaque
// session handle produced by StartProvisioning.
type ClientProvisioningIntermediateMetadata struct {
	CPIM    []byte
	Session uint32
}

// OneTimePassword is the OTP and machine-id blobs produced by RequestOTP.
type OneTimePassword struct {
	OTP       []byte
	MachineID []byte
}

// ADI owns the emulator VM backing the two ADI libraries and exposes the
// typed wrappers around their eleven exports.
type ADI struct {
	vm       *emu.VM
	shims    *libcshim.Registry
	ssc      *emu.Library
	core     *emu.Library
	identSet bool

	pSetProvisioningPath uint64
	pSetAndroidID        uint64
	pLoadLibraryWithPath uint64
	pProvisioningErase   uint64
	pSynchronize         uint64
	pProvisioningDestroy uint64
	pProvisioningEnd     uint64
	pProvisioningStart   uint64
	pGetLoginCode        uint64
	pDispose             uint64
	pOTPRequest          uint64

	provisioningPath string
	identifier       string
}

// New constructs an ADI binding: a fresh VM, both libraries loaded, the
// libc shim table installed (hard-failing on any unresolved import), and
// all eleven symbols resolved. It matches construction order in the
// eager, leaf-first session build: allocator/VM first, libraries next,
// shims installed against the combined import set, symbols resolved last.
func New(adiFS *vfs.FS, store *libstore.Store, logger *logging.Logger) (*ADI, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	vm, err := emu.New()
	if err != nil {
		return nil, fmt.Errorf("adi: create vm: %w", err)
	}

	sscPath, err := materializeLibrary(store, libstore.LibStoreServicesCore)
	if err != nil {
		vm.Close()
		return nil, err
	}
	corePath, err := materializeLibrary(store, libstore.LibCoreADI)
	if err != nil {
		vm.Close()
		return nil, err
	}

	core, err := vm.LoadLibrary(corePath)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("adi: load libCoreADI.so: %w", err)
	}
	ssc, err := vm.LoadLibraryAt(sscPath, bits.RoundUpPage(core.EndAddr, 0x1000))
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("adi: load libstoreservicescore.so: %w", err)
	}

	shims := libcshim.NewRegistry(adiFS, logger)

	merged := map[string]uint64{}
	for name, addr := range core.Imports {
		merged[name] = addr
	}
	for name, addr := range ssc.Imports {
		merged[name] = addr
	}
	if err := shims.Install(vm, merged); err != nil {
		vm.Close()
		return nil, fmt.Errorf("adi: install shims: %w", err)
	}
	shims.SetSymbolResolver(makeResolver(core, ssc))

	a := &ADI{vm: vm, shims: shims, ssc: ssc, core: core}
	if err := a.resolveSymbols(); err != nil {
		vm.Close()
		return nil, err
	}

	a.SetProvisioningPath(".")
	if err := a.LoadLibrary("."); err != nil {
		vm.Close()
		return nil, err
	}

	return a, nil
}

func makeResolver(libs ...*emu.Library) libcshim.SymbolResolver {
	return func(name string) (uint64, bool) {
		for _, lib := range libs {
			if addr, ok := lib.Symbols[name]; ok && addr != 0 {
				return addr, true
			}
		}
		return 0, false
	}
}

// materializeLibrary writes a library's bytes to a real temp file, since
// the ELF loader reads from a path via debug/elf.Open.
func materializeLibrary(store *libstore.Store, name string) (string, error) {
	data, err := store.OpenLibrary(name)
	if err != nil {
		return "", err
	}
	return writeTempLibrary(name, data)
}

func (a *ADI) resolveSymbols() error {
	type binding struct {
		name string
		dst  *uint64
	}
	bindings := []binding{
		{symSetProvisioningPath, &a.pSetProvisioningPath},
		{symSetAndroidID, &a.pSetAndroidID},
		{symLoadLibraryWithPath, &a.pLoadLibraryWithPath},
		{symProvisioningErase, &a.pProvisioningErase},
		{symSynchronize, &a.pSynchronize},
		{symProvisioningDestroy, &a.pProvisioningDestroy},
		{symProvisioningEnd, &a.pProvisioningEnd},
		{symProvisioningStart, &a.pProvisioningStart},
		{symGetLoginCode, &a.pGetLoginCode},
		{symDispose, &a.pDispose},
		{symOTPRequest, &a.pOTPRequest},
	}
	for _, b := range bindings {
		addr, err := a.ssc.ResolveSymbolByName(b.name)
		if err != nil {
			return fmt.Errorf("adi: resolve %s: %w", b.name, err)
		}
		*b.dst = addr
	}
	return nil
}

// Close releases the underlying VM.
func (a *ADI) Close() error { return a.vm.Close() }

// LibraryInfo summarizes a loaded library, for diagnostics.
type LibraryInfo struct {
	Path    string
	Base    uint64
	Entry   uint64
	Symbols int
}

// LoadedLibraries reports the two ADI shared objects this binding loaded.
func (a *ADI) LoadedLibraries() []LibraryInfo {
	return []LibraryInfo{
		{Path: a.core.Path, Base: a.core.BaseAddr, Entry: a.core.Entry, Symbols: len(a.core.Symbols)},
		{Path: a.ssc.Path, Base: a.ssc.BaseAddr, Entry: a.ssc.Entry, Symbols: len(a.ssc.Symbols)},
	}
}

// SetProvisioningPath sets the directory ADI persists provisioning state
// under, within the adi VFS. Returns void on success per the library
// contract; any emulation fault surfaces through the error return.
func (a *ADI) SetProvisioningPath(p string) error {
	ptr, err := a.vm.AllocCString(p)
	if err != nil {
		return err
	}
	if _, err := a.vm.InvokeCdecl(a.pSetProvisioningPath, []uint64{ptr}); err != nil {
		return err
	}
	a.provisioningPath = p
	return nil
}

// SetIdentifier sets the Android ID ADI binds its provisioning state to.
func (a *ADI) SetIdentifier(id string) error {
	idBytes := []byte(id)
	ptr, err := a.vm.AllocBytes(idBytes)
	if err != nil {
		return err
	}
	if _, err := a.vm.InvokeCdecl(a.pSetAndroidID, []uint64{ptr, uint64(len(idBytes))}); err != nil {
		return err
	}
	a.identifier = id
	a.identSet = true
	return nil
}

// LoadLibrary tells ADI to load Android system libraries from libraryPath.
// In this environment there is nothing further to load; the call still
// has to happen because the library initializes internal state on it.
func (a *ADI) LoadLibrary(libraryPath string) error {
	ptr, err := a.vm.AllocCString(libraryPath)
	if err != nil {
		return err
	}
	_, err = a.vm.InvokeCdecl(a.pLoadLibraryWithPath, []uint64{ptr})
	return err
}

// IsMachineProvisioned calls get_login_code(ds_id) and maps its signed
// 32-bit result: 0 means provisioned, errNotProvisioned means not yet,
// anything else is an unexpected protocol error.
func (a *ADI) IsMachineProvisioned(dsID uint64) (bool, error) {
	ret, err := a.vm.InvokeCdecl(a.pGetLoginCode, []uint64{dsID})
	if err != nil {
		return false, err
	}
	code := bits.UToS32(uint32(ret))
	switch code {
	case 0:
		return true, nil
	case errNotProvisioned:
		return false, nil
	default:
		a.shims.Logger.Sugar().Warnf("adi: get_login_code returned unexpected code %d", code)
		return false, &errs.AdiError{Call: "get_login_code", Code: code}
	}
}

// StartProvisioning begins the provisioning handshake: ds_id plus the
// server's SPIM blob go in, a CPIM blob and opaque session handle come
// out. Out parameters are three scratch slots (a data pointer, its u32
// length, and a separate u32 session handle) per the library's ABI; they
// are read back immediately since the scratch arena is invalidated by the
// next invoke_cdecl.
func (a *ADI) StartProvisioning(dsID uint64, spim []byte) (*ClientProvisioningIntermediateMetadata, error) {
	pCPIM, err := a.vm.AllocTemporary(8)
	if err != nil {
		return nil, err
	}
	pCPIMLength, err := a.vm.AllocTemporary(4)
	if err != nil {
		return nil, err
	}
	pSession, err := a.vm.AllocTemporary(4)
	if err != nil {
		return nil, err
	}
	pSPIM, err := a.vm.AllocBytes(spim)
	if err != nil {
		return nil, err
	}

	ret, err := a.vm.InvokeCdecl(a.pProvisioningStart, []uint64{
		dsID,
		pSPIM,
		uint64(len(spim)),
		pCPIM,
		pCPIMLength,
		pSession,
	})
	if err != nil {
		return nil, err
	}
	if code := bits.UToS32(uint32(ret)); code != 0 {
		return nil, &errs.AdiError{Call: "start_provisioning", Code: code}
	}

	cpimAddr, err := a.vm.ReadU64(pCPIM)
	if err != nil {
		return nil, err
	}
	cpimLen, err := a.vm.ReadU32(pCPIMLength)
	if err != nil {
		return nil, err
	}
	cpim, err := a.vm.ReadBytes(cpimAddr, cpimLen)
	if err != nil {
		return nil, err
	}
	session, err := a.vm.ReadU32(pSession)
	if err != nil {
		return nil, err
	}

	return &ClientProvisioningIntermediateMetadata{CPIM: cpim, Session: session}, nil
}

// EndProvisioning completes the handshake with the server's persistent
// token metadata and trust key, given the session handle StartProvisioning
// returned.
func (a *ADI) EndProvisioning(session uint32, ptm, tk []byte) error {
	pPTM, err := a.vm.AllocBytes(ptm)
	if err != nil {
		return err
	}
	pTK, err := a.vm.AllocBytes(tk)
	if err != nil {
		return err
	}

	ret, err := a.vm.InvokeCdecl(a.pProvisioningEnd, []uint64{
		uint64(session),
		pPTM,
		uint64(len(ptm)),
		pTK,
		uint64(len(tk)),
	})
	if err != nil {
		return err
	}
	if code := bits.UToS32(uint32(ret)); code != 0 {
		return &errs.AdiError{Call: "end_provisioning", Code: code}
	}
	return nil
}

// RequestOTP fetches a fresh one-time password and machine id. The
// library's argument order places the machine-id out-parameters before
// the OTP out-parameters, the reverse of the otp-then-mid field order of
// the OneTimePassword result; this is preserved exactly since swapping it
// silently corrupts both buffers.
func (a *ADI) RequestOTP(dsID uint64) (*OneTimePassword, error) {
	pOTP, err := a.vm.AllocTemporary(8)
	if err != nil {
		return nil, err
	}
	pOTPLength, err := a.vm.AllocTemporary(4)
	if err != nil {
		return nil, err
	}
	pMID, err := a.vm.AllocTemporary(8)
	if err != nil {
		return nil, err
	}
	pMIDLength, err := a.vm.AllocTemporary(4)
	if err != nil {
		return nil, err
	}

	ret, err := a.vm.InvokeCdecl(a.pOTPRequest, []uint64{
		dsID,
		pMID,
		pMIDLength,
		pOTP,
		pOTPLength,
	})
	if err != nil {
		return nil, err
	}
	if code := bits.UToS32(uint32(ret)); code != 0 {
		return nil, &errs.AdiError{Call: "request_otp", Code: code}
	}

	otpAddr, err := a.vm.ReadU64(pOTP)
	if err != nil {
		return nil, err
	}
	otpLen, err := a.vm.ReadU32(pOTPLength)
	if err != nil {
		return nil, err
	}
	otp, err := a.vm.ReadBytes(otpAddr, otpLen)
	if err != nil {
		return nil, err
	}

	midAddr, err := a.vm.ReadU64(pMID)
	if err != nil {
		return nil, err
	}
	midLen, err := a.vm.ReadU32(pMIDLength)
	if err != nil {
		return nil, err
	}
	mid, err := a.vm.ReadBytes(midAddr, midLen)
	if err != nil {
		return nil, err
	}

	return &OneTimePassword{OTP: otp, MachineID: mid}, nil
}
