package libcshim

import (
	"crypto/rand"

	"github.com/anisette-go/provider/internal/emu"
)

func registerRandom(r *Registry) {
	r.register("arc4random_buf", hookArc4randomBuf)
	r.register("arc4random", hookArc4random)
}

func hookArc4randomBuf(r *Registry, vm *emu.VM) {
	buf, n := vm.X(0), vm.X(1)
	if n == 0 {
		return
	}
	data := make([]byte, n)
	_, _ = rand.Read(data)
	_ = vm.MemWrite(buf, data)
}

func hookArc4random(r *Registry, vm *emu.VM) {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	vm.SetX(0, uint64(buf[0])|uint64(buf[1])<<8|uint64(buf[2])<<16|uint64(buf[3])<<24)
}
