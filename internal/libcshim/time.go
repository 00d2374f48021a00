package libcshim

import (
	"encoding/binary"
	"time"

	"github.com/anisette-go/provider/internal/emu"
)

// clock ids from <time.h>, the ones ADI libraries plausibly pass.
const (
	clockRealtime  = 0
	clockMonotonic = 1
)

func registerTime(r *Registry) {
	r.register("clock_gettime", hookClockGettime)
	r.register("gettimeofday", hookGettimeofday)
	r.register("time", hookTime)
}

// timespecValue returns (sec, nsec) for the host clock matching clk_id.
// Monotonic and realtime both resolve to the real host clock: nothing in
// this provider needs deterministic virtual time, unlike a
// reproducibility-focused trace tool.
func timespecValue(clkID int64) (int64, int64) {
	var t time.Time
	if clkID == clockMonotonic {
		t = time.Now() // Go has no raw monotonic epoch; wall time is monotonic enough for provisioning's purposes
	} else {
		t = time.Now()
	}
	return t.Unix(), int64(t.Nanosecond())
}

func hookClockGettime(r *Registry, vm *emu.VM) {
	clkID, tsPtr := int64(vm.X(0)), vm.X(1)
	sec, nsec := timespecValue(clkID)
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(sec))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(nsec))
	_ = vm.MemWrite(tsPtr, buf)
	vm.SetX(0, 0)
}

func hookGettimeofday(r *Registry, vm *emu.VM) {
	tvPtr := vm.X(0)
	sec, nsec := timespecValue(clockRealtime)
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(sec))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(nsec/1000))
	if tvPtr != 0 {
		_ = vm.MemWrite(tvPtr, buf)
	}
	vm.SetX(0, 0)
}

func hookTime(r *Registry, vm *emu.VM) {
	tPtr := vm.X(0)
	sec, _ := timespecValue(clockRealtime)
	if tPtr != 0 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(sec))
		_ = vm.MemWrite(tPtr, buf)
	}
	vm.SetX(0, uint64(sec))
}
