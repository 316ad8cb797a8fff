//go:build linux

package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Chester-Gillon/fpga-sio-sub006/catalog"
)

// sysBusPCI is a variable so tests can point enumeration at a fake tree.
var sysBusPCI = "/sys/bus/pci/devices"

// vfioDriver is the kernel driver a device must be bound to before it can be
// opened for direct access.
const vfioDriver = "vfio-pci"

// Enumerate walks the host PCI bus and returns the devices that match at
// least one filter, are bound to vfio-pci, belong to an IOMMU group, and have
// a catalog entry satisfying the required DMA capability. Devices with no
// catalog entry are excluded, not reported as errors.
func Enumerate(filters []Filter, cap DMACapability) ([]Device, error) {
	ents, err := os.ReadDir(sysBusPCI)
	if err != nil {
		return nil, fmt.Errorf("pci: enumerate: %w", err)
	}

	var out []Device
	for _, de := range ents {
		addr, err := ParseAddr(de.Name())
		if err != nil {
			continue
		}

		d, ok := probe(addr)
		if !ok || !matchAny(filters, d.ID) || !satisfies(cap, d.Entry) {
			continue
		}

		out = append(out, d)
	}

	return out, nil
}

// Find resolves one device by address, with the same candidacy checks as
// Enumerate: vfio-pci binding, IOMMU group, catalog entry.
func Find(addr Addr) (Device, error) {
	d, ok := probe(addr)
	if !ok {
		return Device{}, fmt.Errorf("pci: %s is not a usable vfio device", addr)
	}

	return d, nil
}

// probe reads one device's identity, driver binding, and IOMMU group from
// sysfs. It returns ok=false for devices that are not usable candidates.
func probe(addr Addr) (d Device, ok bool) {
	d.Addr = addr

	id, err := readID(addr)
	if err != nil {
		return Device{}, false
	}

	d.ID = id

	if drv, err := os.Readlink(devPath(addr, "driver")); err != nil || filepath.Base(drv) != vfioDriver {
		return Device{}, false
	}

	group, err := IOMMUGroup(addr)
	if err != nil {
		return Device{}, false
	}

	d.Group = group

	ent, ok := catalog.Lookup(id.SubVendor, id.SubDevice)
	if !ok {
		return Device{}, false
	}

	d.Entry = ent

	return d, true
}

// IOMMUGroup returns the device's IOMMU group number from its sysfs
// iommu_group symlink.
func IOMMUGroup(addr Addr) (int, error) {
	link, err := os.Readlink(devPath(addr, "iommu_group"))
	if err != nil {
		return 0, fmt.Errorf("pci: %s has no iommu group: %w", addr, err)
	}

	return strconv.Atoi(filepath.Base(link))
}

func readID(addr Addr) (id ID, err error) {
	for _, f := range []struct {
		name string
		dst  *uint16
	}{
		{"vendor", &id.Vendor},
		{"device", &id.Device},
		{"subsystem_vendor", &id.SubVendor},
		{"subsystem_device", &id.SubDevice},
	} {
		v, err := readHex(devPath(addr, f.name))
		if err != nil {
			return ID{}, err
		}

		*f.dst = v
	}

	return id, nil
}

func readHex(path string) (uint16, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var v uint16
	if _, err := fmt.Sscanf(string(b), "0x%x", &v); err != nil {
		return 0, fmt.Errorf("pci: parse %s: %w", path, err)
	}

	return v, nil
}

func devPath(addr Addr, name string) string {
	return filepath.Join(sysBusPCI, addr.String(), name)
}
