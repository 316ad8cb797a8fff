// Package pci resolves the identity of PCIe devices that are candidates for
// direct userspace access. It enumerates the host's PCI bus through sysfs,
// filters by vendor/device/subsystem identity, and keeps only devices that are
// bound to the VFIO framework and belong to a viable IOMMU group.
package pci

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Chester-Gillon/fpga-sio-sub006/catalog"
)

// Addr locates a PCI function as domain:bus:device.function.
type Addr struct {
	Domain uint16
	Bus    uint8
	Slot   uint8
	Func   uint8
}

// ID holds the configuration-space identity of a PCI function.
type ID struct {
	Vendor    uint16
	Device    uint16
	SubVendor uint16
	SubDevice uint16
}

// AnyID matches any value for a Filter field. 0xffff is reserved by the PCI
// spec and never appears as a real vendor or device ID.
const AnyID = uint16(0xffff)

// Filter selects devices by identity. Fields set to AnyID are wildcards.
type Filter struct {
	Vendor    uint16
	Device    uint16
	SubVendor uint16
	SubDevice uint16
}

// DMACapability is the kind of DMA bridge a caller requires.
type DMACapability int

const (
	DMAAny          = DMACapability(iota) // no requirement
	DMAMemoryMapped                       // bridge with an addressable card memory window
	DMAStream                             // stream-mode bridge (BridgeSize == 0)
)

// Device is one enumerated match: where it is, what it is, and what the
// catalog says it can do. Enumeration never opens the device.
type Device struct {
	Addr  Addr
	ID    ID
	Group int
	Entry *catalog.Entry
}

var ErrBadAddr = errors.New("pci: malformed device address")

// AnyFilter matches every device.
var AnyFilter = Filter{Vendor: AnyID, Device: AnyID, SubVendor: AnyID, SubDevice: AnyID}

// ParseAddr parses "dddd:bb:ss.f". The domain may be omitted, in which case
// it is 0.
func ParseAddr(s string) (Addr, error) {
	var a Addr

	n, err := fmt.Sscanf(s, "%04x:%02x:%02x.%01x", &a.Domain, &a.Bus, &a.Slot, &a.Func)
	if err == nil && n == 4 {
		return a, nil
	}

	a = Addr{}
	n, err = fmt.Sscanf(s, "%02x:%02x.%01x", &a.Bus, &a.Slot, &a.Func)
	if err != nil || n != 3 {
		return Addr{}, fmt.Errorf("%w: %q", ErrBadAddr, s)
	}

	return a, nil
}

func (a Addr) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Func)
}

// ParseFilter parses "vendor:device[:subvendor:subdevice]" where each field
// is a hex ID or "*".
func ParseFilter(s string) (Filter, error) {
	f := AnyFilter

	fields := [4]*uint16{&f.Vendor, &f.Device, &f.SubVendor, &f.SubDevice}

	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 4 {
		return Filter{}, fmt.Errorf("pci: filter needs 2 or 4 fields, got %d", len(parts))
	}

	for i, p := range parts {
		if p == "*" {
			continue
		}

		var v uint16
		if _, err := fmt.Sscanf(p, "%x", &v); err != nil {
			return Filter{}, fmt.Errorf("pci: bad filter field %q: %w", p, err)
		}

		*fields[i] = v
	}

	return f, nil
}

// Match reports whether id satisfies the filter.
func (f Filter) Match(id ID) bool {
	return (f.Vendor == AnyID || f.Vendor == id.Vendor) &&
		(f.Device == AnyID || f.Device == id.Device) &&
		(f.SubVendor == AnyID || f.SubVendor == id.SubVendor) &&
		(f.SubDevice == AnyID || f.SubDevice == id.SubDevice)
}

// matchAny reports whether id satisfies at least one filter.
// An empty filter list matches everything.
func matchAny(filters []Filter, id ID) bool {
	if len(filters) == 0 {
		return true
	}

	for _, f := range filters {
		if f.Match(id) {
			return true
		}
	}

	return false
}

// satisfies reports whether a catalog entry provides the required DMA capability.
func satisfies(cap DMACapability, ent *catalog.Entry) bool {
	switch cap {
	case DMAMemoryMapped:
		return ent.BridgeBAR >= 0 && ent.BridgeSize > 0

	case DMAStream:
		return ent.BridgeBAR >= 0 && ent.BridgeSize == 0

	default:
		return true
	}
}
