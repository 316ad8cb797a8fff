package dma

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/Chester-Gillon/fpga-sio-sub006/mmio"
)

// Ring is descriptor-ring backing store: host memory that the device can
// reach at IOVA.
type Ring struct {
	Mem  []byte
	IOVA uint64
}

// Direction selects a transfer channel.
type Direction int

const (
	HostToCard = Direction(iota)
	CardToHost
)

// State is the per-channel transfer state.
type State int

const (
	Idle      = State(iota)
	Armed     // ring programmed, engine running, nothing submitted
	Running   // descriptors in flight
	Completed // every submitted descriptor drained
	TimedOut  // a poll deadline expired; only Recover leads out
	Aborted   // the engine or device failed; channel is unusable
)

// Ticket identifies one submission for polling. Completions for a channel
// are reported in submission order.
type Ticket struct {
	seqEnd uint64 // cumulative descriptor count at the end of this chain
	bytes  uint64
	gen    uint32
}

var (
	ErrRingFull    = errors.New("dma: ring is full, drain with Poll first")
	ErrPending     = errors.New("dma: transfer has not completed")
	ErrTimedOut    = errors.New("dma: transfer timed out")
	ErrStaleTicket = errors.New("dma: ticket predates a channel recovery")
	ErrTooLarge    = errors.New("dma: buffer needs more descriptors than the ring holds")
	ErrChannelGone = errors.New("dma: channel registers read all-ones")
	ErrBadEngine   = errors.New("dma: register block is not a bridge engine")
	ErrNeedRecover = errors.New("dma: channel is not usable until Recover")
)

// pollInterval is how often Poll rereads the completion count while waiting.
const pollInterval = 100 * time.Microsecond

// softResetTimeout bounds how long Recover waits for the engine to
// acknowledge a soft reset.
const softResetTimeout = 10 * time.Millisecond

// Channel drives one direction of the bridge. It is owned by one logical
// caller at a time; the package does no locking of its own.
type Channel struct {
	regs mmio.RegIO
	dir  Direction

	ring     []Desc
	ringIOVA uint64
	depth    uint32
	maxLen   uint32
	timeout  time.Duration

	head      uint32 // next free ring slot
	credits   uint32 // descriptors in flight
	submitted uint64 // cumulative descriptors submitted
	consumed  uint64 // cumulative descriptors completed
	lastCount uint32 // last value read from regCompleted
	state     State
	gen       uint32 // bumped by Recover; stales outstanding tickets
}

// NewChannel attaches to one engine register block. ring must hold at least
// depth descriptors. timeout is the default Poll deadline; it must be
// positive so no call can block forever.
func NewChannel(regs mmio.RegIO, dir Direction, ring Ring, depth, maxDescLen uint32, timeout time.Duration) (*Channel, error) {
	if depth == 0 || uint32(len(ring.Mem))/DescSize < depth {
		return nil, fmt.Errorf("dma: ring of %d bytes can't hold %d descriptors", len(ring.Mem), depth)
	}

	if timeout <= 0 {
		return nil, errors.New("dma: channel needs a positive default timeout")
	}

	ident := regs.Read32(regIdentifier)
	if ident == ^uint32(0) {
		return nil, ErrChannelGone
	}

	if ident&identMask != identMagic {
		return nil, fmt.Errorf("%w: identifier %#x", ErrBadEngine, ident)
	}

	want := uint32(IdentH2C)
	if dir == CardToHost {
		want = IdentC2H
	}

	if ident&^identMask != want {
		return nil, fmt.Errorf("%w: engine kind %#x, want %#x", ErrBadEngine, ident&^identMask, want)
	}

	return &Channel{
		regs:     regs,
		dir:      dir,
		ring:     unsafe.Slice((*Desc)(unsafe.Pointer(&ring.Mem[0])), depth),
		ringIOVA: ring.IOVA,
		depth:    depth,
		maxLen:   maxDescLen,
		timeout:  timeout,
	}, nil
}

// State returns the channel's current transfer state.
func (c *Channel) State() State {
	return c.state
}

// Depth returns the ring depth in descriptors.
func (c *Channel) Depth() uint32 {
	return c.depth
}

// Arm programs the ring base and starts the engine without submitting
// anything. Submit arms an idle channel itself; Arm exists for callers that
// want the engine fetching before the first buffer is ready.
func (c *Channel) Arm() error {
	switch c.state {
	case Idle, Completed:

	case Armed:
		return nil

	default:
		return fmt.Errorf("%w: state %v", ErrNeedRecover, c.state)
	}

	c.regs.Write32(regDescLo, uint32(c.ringIOVA))
	c.regs.Write32(regDescHi, uint32(c.ringIOVA>>32))
	c.regs.Write32(regControl, ctlRun)

	// read back to order the run bit after the ring base words
	if c.regs.Read32(regControl) == ^uint32(0) {
		c.state = Aborted
		return ErrChannelGone
	}

	c.state = Armed
	return nil
}

// Submit queues a transfer of length bytes between host memory at hostIOVA
// and card memory at cardAddr (ignored by stream-mode bridges). Buffers
// longer than the per-descriptor maximum are split into
// ceil(length/maxDescLen) chained descriptors, each consuming one ring
// credit. Submit fails with ErrRingFull when the chain doesn't fit until
// completions are drained via Poll.
func (c *Channel) Submit(hostIOVA, cardAddr, length uint64) (Ticket, error) {
	switch c.state {
	case TimedOut, Aborted:
		return Ticket{}, fmt.Errorf("%w: state %v", ErrNeedRecover, c.state)

	case Idle, Completed:
		if err := c.Arm(); err != nil {
			return Ticket{}, err
		}
	}

	n := uint32((length + uint64(c.maxLen) - 1) / uint64(c.maxLen))
	if length == 0 {
		n = 1
	}

	if n > c.depth {
		return Ticket{}, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, c.depth)
	}

	if c.credits+n > c.depth {
		return Ticket{}, fmt.Errorf("%w: %d in flight, need %d more of %d", ErrRingFull, c.credits, n, c.depth)
	}

	rem := length
	host, card := hostIOVA, cardAddr

	for i := uint32(0); i < n; i++ {
		chunk := rem
		if chunk > uint64(c.maxLen) {
			chunk = uint64(c.maxLen)
		}

		slot := (c.head + i) % c.depth

		var ctl uint32 = descMagic
		if i == n-1 {
			ctl |= descFStop | descFEOP
		}

		next := uint64(0)
		if i != n-1 {
			next = c.ringIOVA + uint64((slot+1)%c.depth)*DescSize
		}

		src, dst := host, card
		if c.dir == CardToHost {
			src, dst = card, host
		}

		c.ring[slot] = Desc{
			Control: ctl,
			Len:     uint32(chunk),
			SrcLo:   uint32(src),
			SrcHi:   uint32(src >> 32),
			DstLo:   uint32(dst),
			DstHi:   uint32(dst >> 32),
			NxtLo:   uint32(next),
			NxtHi:   uint32(next >> 32),
		}

		host += chunk
		card += chunk
		rem -= chunk
	}

	// grant the engine credit for the new descriptors only after they are
	// fully written out
	c.regs.Write32(regCredits, n)

	c.head = (c.head + n) % c.depth
	c.credits += n
	c.submitted += uint64(n)
	c.state = Running

	return Ticket{seqEnd: c.submitted, bytes: length, gen: c.gen}, nil
}

// Poll waits up to timeout for the ticket's transfer to complete, consuming
// completion counts and returning credits to the ring as it goes. A zero
// timeout checks once and returns ErrPending if the transfer is still in
// flight; a negative timeout uses the channel default. When the deadline
// expires the channel is flagged TimedOut and stays that way until Recover.
func (c *Channel) Poll(t Ticket, timeout time.Duration) (uint64, error) {
	if t.gen != c.gen {
		return 0, ErrStaleTicket
	}

	switch c.state {
	case TimedOut, Aborted:
		return 0, fmt.Errorf("%w: state %v", ErrNeedRecover, c.state)
	}

	if timeout < 0 {
		timeout = c.timeout
	}

	deadline := time.Now().Add(timeout)

	for {
		done, err := c.consume()
		if err != nil {
			return 0, err
		}

		if done >= t.seqEnd {
			return t.bytes, nil
		}

		if timeout == 0 {
			return 0, ErrPending
		}

		if !time.Now().Before(deadline) {
			c.state = TimedOut
			return 0, ErrTimedOut
		}

		time.Sleep(pollInterval)
	}
}

// consume folds newly completed descriptors into the channel counters.
func (c *Channel) consume() (uint64, error) {
	hw := c.regs.Read32(regCompleted)
	if hw == ^uint32(0) {
		c.state = Aborted
		return 0, ErrChannelGone
	}

	if st := c.regs.Read32(regStatus); st&(stDescError|stReadError|stWriteError) != 0 {
		c.state = Aborted
		return 0, fmt.Errorf("dma: engine fault, status %#x", st)
	}

	delta := hw - c.lastCount // modulo 2^32
	c.lastCount = hw

	if uint64(delta) > uint64(c.credits) {
		c.state = Aborted
		return 0, fmt.Errorf("dma: engine completed %d descriptors with %d in flight", delta, c.credits)
	}

	c.credits -= delta
	c.consumed += uint64(delta)

	if c.credits == 0 && c.state == Running {
		c.state = Completed
	}

	return c.consumed, nil
}

// Recover soft-resets the engine and returns the channel to Idle with zero
// credits. All outstanding tickets become stale; their transfers are lost.
// This is the only way out of TimedOut. ErrChannelGone means the engine
// didn't acknowledge the reset and the caller must fall back to a device
// reset.
func (c *Channel) Recover() error {
	c.regs.Write32(regControl, ctlSoftReset)

	deadline := time.Now().Add(softResetTimeout)
	for {
		st := c.regs.Read32(regStatus)
		if st == ^uint32(0) {
			c.state = Aborted
			return ErrChannelGone
		}

		if st&stBusy == 0 {
			break
		}

		if !time.Now().Before(deadline) {
			c.state = Aborted
			return fmt.Errorf("%w: soft reset not acknowledged", ErrChannelGone)
		}

		time.Sleep(pollInterval)
	}

	c.regs.Write32(regControl, 0)

	c.head = 0
	c.credits = 0
	c.submitted = 0
	c.consumed = 0
	c.lastCount = c.regs.Read32(regCompleted)
	c.state = Idle
	c.gen++

	return nil
}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"

	case Armed:
		return "armed"

	case Running:
		return "running"

	case Completed:
		return "completed"

	case TimedOut:
		return "timed-out"

	case Aborted:
		return "aborted"

	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
