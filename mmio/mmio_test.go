package mmio_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Chester-Gillon/fpga-sio-sub006/mmio"
)

type mapRegs map[uint64]uint32

func (m mapRegs) Read32(off uint64) uint32     { return m[off] }
func (m mapRegs) Write32(off uint64, v uint32) { m[off] = v }

func TestAt(t *testing.T) {
	m := mapRegs{}
	w := mmio.At(m, 0x1000)

	w.Write32(0x08, 0xabcd)

	if got := m[0x1008]; got != 0xabcd {
		t.Errorf("underlying[0x1008] = %#x, want 0xabcd", got)
	}

	if got := w.Read32(0x08); got != 0xabcd {
		t.Errorf("window read = %#x, want 0xabcd", got)
	}

	// a zero base is the identity view
	c := &countdownRegs{}
	if mmio.At(c, 0) != mmio.RegIO(c) {
		t.Error("At(r, 0) did not return r")
	}
}

type countdownRegs struct {
	reads atomic.Int32
}

func (c *countdownRegs) Read32(off uint64) uint32 {
	if c.reads.Add(1) >= 3 {
		return 1
	}

	return 0
}

func (c *countdownRegs) Write32(off uint64, v uint32) {}

func TestWait32(t *testing.T) {
	t.Run("eventually ready", func(t *testing.T) {
		c := &countdownRegs{}

		v, err := mmio.Wait32(c, 0, 1, 1, time.Microsecond, time.Second)
		if err != nil {
			t.Fatal(err)
		}

		if v != 1 {
			t.Errorf("v = %d, want 1", v)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		m := mapRegs{}

		_, err := mmio.Wait32(m, 0, 1, 1, time.Microsecond, time.Millisecond)
		if !errors.Is(err, mmio.ErrWaitTimeout) {
			t.Errorf("err = %v, want ErrWaitTimeout", err)
		}
	})
}
