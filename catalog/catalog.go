// Package catalog describes the known FPGA board designs by subsystem
// identity. Each entry records which BAR carries the DMA bridge, the bridge's
// transfer limits, and where the optional peripheral blocks live. Entries are
// immutable; any number of open devices may reference the same entry.
package catalog

// Block locates a peripheral register block inside a BAR.
type Block struct {
	BAR    int
	Offset uint32
}

// Entry is the static capability record for one hardware design.
type Entry struct {
	Name string

	// BridgeBAR is the BAR carrying the DMA bridge control registers, or -1
	// if the design has no DMA bridge. BridgeSize is the size of the bridge's
	// addressable card memory window; 0 means the bridge is stream-mode.
	BridgeBAR  int
	BridgeSize uint64

	// RingDepth and MaxDescLen are properties of the bridge engine: the
	// descriptor ring depth per channel and the largest transfer one
	// descriptor may carry.
	RingDepth  uint32
	MaxDescLen uint32

	// Optional peripheral blocks. A nil block means the design doesn't have
	// that peripheral.
	I2C          *Block
	GPIO         *Block
	StreamSwitch *Block
	Flash        *Block
	Sensor       *Block

	// SwitchPorts is the number of master ports on the stream switch, if any.
	SwitchPorts int
}

// HasDMA reports whether the design exposes a DMA bridge at all.
func (e *Entry) HasDMA() bool {
	return e.BridgeBAR >= 0
}

type subsystem struct {
	vendor uint16
	device uint16
}

// The table is keyed by subsystem identity. Offsets within a BAR are stable
// ABI for an entry: a design revision that moves a block gets a new
// subsystem device ID and a new entry, never a renumbered one.
var table = map[subsystem]*Entry{

	// Trenz Electronic TEF1001 carrier, memory-mapped bridge design.
	{0x10ee, 0x0007}: {
		Name:       "tef1001_ddr3",
		BridgeBAR:  2,
		BridgeSize: 1 << 30,
		RingDepth:  64,
		MaxDescLen: 1 << 24,
		I2C:        &Block{BAR: 0, Offset: 0x2000},
		GPIO:       &Block{BAR: 0, Offset: 0x3000},
		Flash:      &Block{BAR: 0, Offset: 0x4000},
	},

	// NiteFury M.2 board, memory-mapped bridge plus sensor block.
	{0x10ee, 0x7024}: {
		Name:       "nitefury",
		BridgeBAR:  0,
		BridgeSize: 1 << 29,
		RingDepth:  32,
		MaxDescLen: 1 << 24,
		GPIO:       &Block{BAR: 1, Offset: 0x0000},
		Sensor:     &Block{BAR: 1, Offset: 0x1000},
		Flash:      &Block{BAR: 1, Offset: 0x2000},
	},

	// TOSING 160T development board, stream-mode bridge with a crossbar
	// switch feeding the stream endpoints.
	{0x10ee, 0x0133}: {
		Name:         "tosing_160t_stream",
		BridgeBAR:    2,
		BridgeSize:   0,
		RingDepth:    32,
		MaxDescLen:   1 << 23,
		I2C:          &Block{BAR: 0, Offset: 0x1000},
		StreamSwitch: &Block{BAR: 0, Offset: 0x0000},
		SwitchPorts:  4,
	},

	// Peripheral-only identity used by bring-up designs with no bridge.
	{0x10ee, 0x0050}: {
		Name:      "bringup_io_only",
		BridgeBAR: -1,
		I2C:       &Block{BAR: 0, Offset: 0x0000},
		GPIO:      &Block{BAR: 0, Offset: 0x1000},
	},
}

// Lookup finds the entry for a subsystem identity.
func Lookup(subVendor, subDevice uint16) (*Entry, bool) {
	e, ok := table[subsystem{subVendor, subDevice}]
	return e, ok
}
