package libcshim

import (
	"encoding/binary"
	"errors"

	"github.com/anisette-go/provider/internal/emu"
	"github.com/anisette-go/provider/internal/vfs"
)

// errno values the shims report back via SetErrno. Only the handful ADI
// actually branches on are meaningful; everything else collapses to EIO.
const (
	eNOENT = 2
	eIO    = 5
	eEXIST = 17
	eNOTDIR = 20
	eISDIR = 21
	eINVAL = 22
)

func registerFileio(r *Registry) {
	r.register("open", hookOpen, "open64", "openat")
	r.register("creat", hookCreat, "creat64")
	r.register("close", hookClose)
	r.register("read", hookRead)
	r.register("write", hookWrite)
	r.register("lseek", hookLseek, "lseek64")
	r.register("ftruncate", hookFtruncate, "ftruncate64", "truncate")
	r.register("stat", hookStat, "lstat", "stat64")
	r.register("fstat", hookFstat, "fstat64")
	r.register("access", hookAccess)
	r.register("mkdir", hookMkdir, "mkdirat")
	r.register("unlink", hookUnlink, "remove")
	r.register("rmdir", hookRmdir)
}

func errnoFor(err error) int32 {
	switch {
	case errors.Is(err, vfs.ErrNotFound):
		return eNOENT
	case errors.Is(err, vfs.ErrExist):
		return eEXIST
	case errors.Is(err, vfs.ErrIsDir):
		return eISDIR
	case errors.Is(err, vfs.ErrNotDir):
		return eNOTDIR
	case errors.Is(err, vfs.ErrBadHandle):
		return eINVAL
	default:
		return eIO
	}
}

func hookOpen(r *Registry, vm *emu.VM) {
	pathPtr, oflag := vm.X(0), int(vm.X(1))
	path, err := vm.ReadCString(pathPtr, 4096)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(eINVAL)
		return
	}
	vfsFD, err := r.VFS.Open(path, oflag)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	vm.SetX(0, uint64(r.allocGuestFD(vfsFD)))
}

func hookCreat(r *Registry, vm *emu.VM) {
	pathPtr := vm.X(0)
	path, err := vm.ReadCString(pathPtr, 4096)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		return
	}
	vfsFD, err := r.VFS.Open(path, vfs.OWrOnly|vfs.OCreat|vfs.OTrunc)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	vm.SetX(0, uint64(r.allocGuestFD(vfsFD)))
}

func hookClose(r *Registry, vm *emu.VM) {
	guestFD := int(vm.X(0))
	vfsFD, ok := r.resolveFD(guestFD)
	if !ok {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(eINVAL)
		return
	}
	r.releaseFD(guestFD)
	if err := r.VFS.Close(vfsFD); err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	vm.SetX(0, 0)
}

func hookRead(r *Registry, vm *emu.VM) {
	guestFD, bufPtr, count := int(vm.X(0)), vm.X(1), vm.X(2)
	vfsFD, ok := r.resolveFD(guestFD)
	if !ok {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(eINVAL)
		return
	}
	buf := make([]byte, count)
	n, err := r.VFS.Read(vfsFD, buf)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	if n > 0 {
		_ = vm.MemWrite(bufPtr, buf[:n])
	}
	vm.SetX(0, uint64(n))
}

func hookWrite(r *Registry, vm *emu.VM) {
	guestFD, bufPtr, count := int(vm.X(0)), vm.X(1), vm.X(2)
	vfsFD, ok := r.resolveFD(guestFD)
	if !ok {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(eINVAL)
		return
	}
	data, err := vm.MemRead(bufPtr, count)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(eINVAL)
		return
	}
	n, err := r.VFS.Write(vfsFD, data)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	vm.SetX(0, uint64(n))
}

func hookLseek(r *Registry, vm *emu.VM) {
	guestFD, offset, whence := int(vm.X(0)), int64(vm.X(1)), int(vm.X(2))
	vfsFD, ok := r.resolveFD(guestFD)
	if !ok {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(eINVAL)
		return
	}
	pos, err := r.VFS.Seek(vfsFD, offset, whence)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	vm.SetX(0, uint64(pos))
}

func hookFtruncate(r *Registry, vm *emu.VM) {
	guestFD, size := int(vm.X(0)), int64(vm.X(1))
	vfsFD, ok := r.resolveFD(guestFD)
	if !ok {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(eINVAL)
		return
	}
	if err := r.VFS.Truncate(vfsFD, size); err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	vm.SetX(0, 0)
}

func hookStat(r *Registry, vm *emu.VM) {
	pathPtr, statPtr := vm.X(0), vm.X(1)
	path, err := vm.ReadCString(pathPtr, 4096)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		return
	}
	st, err := r.VFS.Stat(path)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	writeStatBuf(vm, statPtr, st)
	vm.SetX(0, 0)
}

func hookFstat(r *Registry, vm *emu.VM) {
	guestFD, statPtr := int(vm.X(0)), vm.X(1)
	vfsFD, ok := r.resolveFD(guestFD)
	if !ok {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(eINVAL)
		return
	}
	st, err := r.VFS.FStat(vfsFD)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	writeStatBuf(vm, statPtr, st)
	vm.SetX(0, 0)
}

// writeStatBuf fills a 144-byte arm64 struct stat. Only the two fields
// ADI's own code (and ours) actually branches on - st_mode and st_size -
// are populated meaningfully; everything else is zeroed.
func writeStatBuf(vm *emu.VM, addr uint64, st vfs.Stat) {
	buf := make([]byte, 144)
	binary.LittleEndian.PutUint32(buf[16:20], st.Mode)
	binary.LittleEndian.PutUint64(buf[48:56], uint64(st.Size))
	_ = vm.MemWrite(addr, buf)
}

func hookAccess(r *Registry, vm *emu.VM) {
	path, err := vm.ReadCString(vm.X(0), 4096)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		return
	}
	if !r.VFS.Exists(path) {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(eNOENT)
		return
	}
	vm.SetX(0, 0)
}

func hookMkdir(r *Registry, vm *emu.VM) {
	path, err := vm.ReadCString(vm.X(0), 4096)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		return
	}
	if err := r.VFS.Mkdir(path); err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	vm.SetX(0, 0)
}

func hookUnlink(r *Registry, vm *emu.VM) {
	path, err := vm.ReadCString(vm.X(0), 4096)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		return
	}
	if err := r.VFS.Unlink(path); err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	vm.SetX(0, 0)
}

func hookRmdir(r *Registry, vm *emu.VM) {
	path, err := vm.ReadCString(vm.X(0), 4096)
	if err != nil {
		vm.SetX(0, ^uint64(0))
		return
	}
	if err := r.VFS.Rmdir(path); err != nil {
		vm.SetX(0, ^uint64(0))
		r.SetErrno(errnoFor(err))
		return
	}
	vm.SetX(0, 0)
}
