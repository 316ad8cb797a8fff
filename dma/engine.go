package dma

import (
	"errors"
	"fmt"
	"time"

	"github.com/Chester-Gillon/fpga-sio-sub006/mmio"
)

// Resetter is the whole-device reset a recovery falls back to when a channel
// stops answering its own soft reset. *vfio.Device implements it.
type Resetter interface {
	Reset() error
}

// ErrDeviceReset reports that recovery escalated to a full device reset:
// every mapped region and every channel attached to the device is now
// invalid and must be rebuilt.
var ErrDeviceReset = errors.New("dma: recovered by device reset, remap and reattach")

// Engine pairs the two directions of one bridge. The host-to-card block sits
// at the base of the bridge register window, card-to-host one block stride
// above it; each channel gets half of the ring buffer.
type Engine struct {
	H2C *Channel
	C2H *Channel

	resetter Resetter
}

// NewEngine attaches both channels of a bridge. ring must hold
// 2*depth descriptors.
func NewEngine(regs mmio.RegIO, ring Ring, depth, maxDescLen uint32, timeout time.Duration, resetter Resetter) (*Engine, error) {
	half := int(depth) * DescSize
	if len(ring.Mem) < 2*half {
		return nil, fmt.Errorf("dma: ring of %d bytes can't hold 2x%d descriptors", len(ring.Mem), depth)
	}

	h2c, err := NewChannel(mmio.At(regs, 0), HostToCard,
		Ring{Mem: ring.Mem[:half], IOVA: ring.IOVA},
		depth, maxDescLen, timeout)

	if err != nil {
		return nil, fmt.Errorf("dma: h2c: %w", err)
	}

	c2h, err := NewChannel(mmio.At(regs, BlockStride), CardToHost,
		Ring{Mem: ring.Mem[half : 2*half], IOVA: ring.IOVA + uint64(half)},
		depth, maxDescLen, timeout)

	if err != nil {
		return nil, fmt.Errorf("dma: c2h: %w", err)
	}

	return &Engine{H2C: h2c, C2H: c2h, resetter: resetter}, nil
}

// Recover recovers one channel, escalating to a device reset when the
// channel's own soft reset goes unanswered. After ErrDeviceReset the engine
// and both channels are dead; the caller owns rebuilding them from fresh
// mappings.
func (e *Engine) Recover(c *Channel) error {
	err := c.Recover()
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrChannelGone) || e.resetter == nil {
		return err
	}

	if rerr := e.resetter.Reset(); rerr != nil {
		return fmt.Errorf("dma: device reset after dead channel: %w", rerr)
	}

	e.H2C.state = Aborted
	e.C2H.state = Aborted

	return ErrDeviceReset
}
