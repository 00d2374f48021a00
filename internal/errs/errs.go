// Package errs defines the error kinds surfaced at the provider's API
// boundary. Internals return plain wrapped errors; callers that need to
// branch on failure kind use errors.As against these types.
package errs

import "fmt"

// ElfInvalidError reports a malformed or unsupported ELF image.
type ElfInvalidError struct {
	Path   string
	Reason string
}

func (e *ElfInvalidError) Error() string {
	return fmt.Sprintf("elf invalid: %s: %s", e.Path, e.Reason)
}

// UnresolvedImportError reports an imported symbol with no registered
// host-side implementation. The loader fails hard on this rather than
// installing a silent no-op stub.
type UnresolvedImportError struct {
	Name string
}

func (e *UnresolvedImportError) Error() string {
	return fmt.Sprintf("unresolved import: %s", e.Name)
}

// EmulationFaultError reports a CPU fault (invalid memory access, invalid
// instruction, ...) raised by the emulator while running guest code.
type EmulationFaultError struct {
	PC     uint64
	Reason string
}

func (e *EmulationFaultError) Error() string {
	return fmt.Sprintf("emulation fault at 0x%x: %s", e.PC, e.Reason)
}

// AdiError reports a non-zero/unexpected return code from an ADI call.
type AdiError struct {
	Call string
	Code int32
}

func (e *AdiError) Error() string {
	return fmt.Sprintf("adi call %s failed: errorCode=%d (0x%x)", e.Call, e.Code, uint32(e.Code))
}

// ProtocolError reports a malformed or unexpected response from the
// provisioning server.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// IoError wraps a failure from the virtual filesystem or the host
// filesystem/network layers beneath it.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// NotFoundError reports a missing resource (a file, a symbol, a saved
// bundle entry).
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}
