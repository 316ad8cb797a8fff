//go:build linux

package vfio

// ioctl request numbers from <linux/vfio.h>. VFIO requests carry no size or
// direction bits: each is _IO(';', 100 + n).

const (
	// container (/dev/vfio/vfio) ioctls
	iGetAPIVersion  = 0x3b64
	iCheckExtension = 0x3b65
	iSetIOMMU       = 0x3b66

	// group (/dev/vfio/GROUP) ioctls
	iGroupGetStatus      = 0x3b67
	iGroupSetContainer   = 0x3b68
	iGroupUnsetContainer = 0x3b69
	iGroupGetDeviceFD    = 0x3b6a

	// device fd ioctls
	iDeviceGetInfo       = 0x3b6b
	iDeviceGetRegionInfo = 0x3b6c
	iDeviceGetIRQInfo    = 0x3b6d
	iDeviceSetIRQs       = 0x3b6e
	iDeviceReset         = 0x3b6f

	// type1 IOMMU driver ioctls
	iIOMMUGetInfo  = 0x3b70
	iIOMMUMapDMA   = 0x3b71
	iIOMMUUnmapDMA = 0x3b72
)

const (
	apiVersion = 0

	// IOMMU driver types for iSetIOMMU / iCheckExtension.
	type1IOMMU   = 1
	type1v2IOMMU = 3
)

// group status flags
const (
	groupFlagsViable       = 1 << 0
	groupFlagsContainerSet = 1 << 1
)

// region info flags
const (
	regionFlagRead  = 1 << 0
	regionFlagWrite = 1 << 1
	regionFlagMmap  = 1 << 2
)

// device info flags
const (
	deviceFlagsReset = 1 << 0
	deviceFlagsPCI   = 1 << 1
)

// dma map flags
const (
	dmaMapFlagRead  = 1 << 0
	dmaMapFlagWrite = 1 << 1
)

// vfio_group_status
type groupStatus struct {
	argsz uint32
	flags uint32
}

// vfio_device_info
type deviceInfo struct {
	argsz      uint32
	flags      uint32
	numRegions uint32
	numIRQs    uint32
}

// vfio_region_info
type regionInfo struct {
	argsz     uint32
	flags     uint32
	index     uint32
	capOffset uint32
	size      uint64
	offset    uint64
}

// vfio_iommu_type1_dma_map
type dmaMap struct {
	argsz uint32
	flags uint32
	vaddr uint64
	iova  uint64
	size  uint64
}

// vfio_iommu_type1_dma_unmap
type dmaUnmap struct {
	argsz uint32
	flags uint32
	iova  uint64
	size  uint64
}
