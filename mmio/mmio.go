// Package mmio defines the 32-bit register access contract shared by every
// peripheral driver in this module. The live implementation is a mapped VFIO
// region; tests substitute simulated register blocks.
package mmio

import (
	"errors"
	"time"
)

// RegIO reads and writes 32-bit registers by byte offset. Accesses are
// unordered with respect to each other; callers that need a write observed
// before continuing read the same register back.
type RegIO interface {
	Read32(off uint64) uint32
	Write32(off uint64, v uint32)
}

// ErrWaitTimeout is returned by Wait32 when the condition doesn't hold
// before the deadline.
var ErrWaitTimeout = errors.New("mmio: register wait timed out")

type window struct {
	r    RegIO
	base uint64
}

// At returns a view of r shifted by base, so a peripheral block at a fixed
// offset inside a BAR can be driven with block-relative register offsets.
func At(r RegIO, base uint64) RegIO {
	if base == 0 {
		return r
	}

	return window{r: r, base: base}
}

func (w window) Read32(off uint64) uint32 {
	return w.r.Read32(w.base + off)
}

func (w window) Write32(off uint64, v uint32) {
	w.r.Write32(w.base+off, v)
}

// Wait32 polls the register at off every interval until (value & mask) ==
// want or the timeout expires.
func Wait32(r RegIO, off uint64, mask, want uint32, interval, timeout time.Duration) (uint32, error) {
	deadline := time.Now().Add(timeout)

	for {
		v := r.Read32(off)
		if v&mask == want {
			return v, nil
		}

		if !time.Now().Before(deadline) {
			return v, ErrWaitTimeout
		}

		time.Sleep(interval)
	}
}
