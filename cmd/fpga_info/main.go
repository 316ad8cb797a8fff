//go:build linux

// fpga_info lists the FPGA devices on the host that are ready for direct
// access: bound to vfio-pci, in a viable IOMMU group, and known to the
// design catalog.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Chester-Gillon/fpga-sio-sub006/pci"
)

func main() {

	var filters []pci.Filter

	flag.Func("filter", "select devices by vendor:device[:subvendor:subdevice], '*' wildcards fields (repeatable)",
		func(s string) error {
			f, err := pci.ParseFilter(s)
			if err != nil {
				return err
			}

			filters = append(filters, f)
			return nil
		})

	dmaFlag := flag.String("dma", "any", "require DMA capability: any, mm, stream")
	flag.Parse()

	var cap pci.DMACapability
	switch *dmaFlag {
	case "any":
		cap = pci.DMAAny

	case "mm":
		cap = pci.DMAMemoryMapped

	case "stream":
		cap = pci.DMAStream

	default:
		log.Fatalf("unknown -dma value %q", *dmaFlag)
	}

	devs, err := pci.Enumerate(filters, cap)
	if err != nil {
		log.Fatalf("enumerate: %v", err)
	}

	if len(devs) == 0 {
		fmt.Println("no matching devices")
		os.Exit(1)
	}

	for _, d := range devs {
		bridge := "none"
		if d.Entry.HasDMA() {
			bridge = fmt.Sprintf("BAR%d", d.Entry.BridgeBAR)
			if d.Entry.BridgeSize == 0 {
				bridge += " (stream)"
			} else {
				bridge += fmt.Sprintf(" (%d MiB window)", d.Entry.BridgeSize>>20)
			}
		}

		fmt.Printf("%s  %04x:%04x %04x:%04x  group %d  %s  bridge %s\n",
			d.Addr, d.ID.Vendor, d.ID.Device, d.ID.SubVendor, d.ID.SubDevice,
			d.Group, d.Entry.Name, bridge)
	}
}
