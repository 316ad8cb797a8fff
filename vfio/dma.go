//go:build linux

package vfio

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DMABuffer is host memory mapped into the device's IOMMU domain. Mem is the
// host view; IOVA is the address the device uses in descriptors.
type DMABuffer struct {
	Mem  []byte
	IOVA uint64
}

// AllocDMA allocates page-aligned host memory and maps it read/write into
// the container's IOMMU domain. The buffer is released when the Device
// closes. IOVAs are allocated bump-style and never reused within one open;
// the runtime serves short-lived tools, not long-running allocators.
func (d *Device) AllocDMA(size int) (*DMABuffer, error) {
	if d.container == nil {
		return nil, ErrClosed
	}

	pgsz := os.Getpagesize()
	size = (size + pgsz - 1) &^ (pgsz - 1)

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, fmt.Errorf("vfio: alloc dma buffer: %w", err)
	}

	m := dmaMap{
		argsz: uint32(unsafe.Sizeof(dmaMap{})),
		flags: dmaMapFlagRead | dmaMapFlagWrite,
		vaddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		iova:  d.iovaNext,
		size:  uint64(size),
	}

	if err := ioctlPtr(d.container, iIOMMUMapDMA, unsafe.Pointer(&m)); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("vfio: iommu map dma: %w", err)
	}

	b := &DMABuffer{Mem: mem, IOVA: d.iovaNext}
	d.iovaNext += uint64(size)
	d.bufs = append(d.bufs, b)

	return b, nil
}

func (b *DMABuffer) free(d *Device) {
	if b.Mem == nil {
		return
	}

	if d.container != nil {
		u := dmaUnmap{
			argsz: uint32(unsafe.Sizeof(dmaUnmap{})),
			iova:  b.IOVA,
			size:  uint64(len(b.Mem)),
		}

		ioctlPtr(d.container, iIOMMUUnmapDMA, unsafe.Pointer(&u))
	}

	unix.Munmap(b.Mem)
	b.Mem = nil
}
