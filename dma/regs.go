// Package dma drives the descriptor-based DMA bridge: it builds descriptor
// rings in IOMMU-mapped host memory, submits transfers with credit-based flow
// control, polls for completion, and recovers stalled channels with a soft
// reset. Channels operate over a 32-bit register view; they never touch the
// device fd directly.
package dma

// Per-channel register block offsets. One block per direction, at the bridge
// base for host-to-card and bridge base + channel stride for card-to-host.
// These offsets are stable ABI for the bridge designs in the catalog.

const (
	BlockStride = 0x100 // distance between the H2C and C2H blocks

	regIdentifier = 0x00 // identMagic | channel kind (R)
	regControl    = 0x04 // run / reset bits (RW)
	regStatus     = 0x08 // engine state (R)
	regCompleted  = 0x0c // cumulative completed descriptor count (R)
	regDescLo     = 0x10 // ring base IOVA, low word (W)
	regDescHi     = 0x14 // ring base IOVA, high word (W)
	regCredits    = 0x18 // descriptors the engine may fetch; write to add (W)
)

// identifier register layout
const (
	identMagic = 0x1fc0 << 16
	identMask  = 0xffff << 16

	IdentH2C = 0x0 // host-to-card engine
	IdentC2H = 0x1 // card-to-host engine
)

// control register bits
const (
	ctlRun       = 1 << 0
	ctlSoftReset = 1 << 1 // self-clearing; aborts in-flight descriptors
)

// status register bits
const (
	stBusy        = 1 << 0
	stDescStopped = 1 << 1 // ran out of credits
	stDescError   = 1 << 4 // malformed descriptor fetched
	stReadError   = 1 << 9
	stWriteError  = 1 << 14
)

// Desc is one bridge descriptor as the hardware fetches it: 32 bytes, little
// endian, laid out in IOMMU-mapped host memory.
type Desc struct {
	Control uint32 // descMagic | flags
	Len     uint32
	SrcLo   uint32
	SrcHi   uint32
	DstLo   uint32
	DstHi   uint32
	NxtLo   uint32
	NxtHi   uint32
}

// DescSize is the size of one descriptor record in the ring.
const DescSize = 32

// descriptor control field
const (
	descMagic     = 0xad4b << 16
	descMagicMask = 0xffff << 16

	descFStop = 1 << 0 // end of a submission chain; engine raises completion
	descFEOP  = 1 << 4 // end of packet (stream-mode bridges)
)
