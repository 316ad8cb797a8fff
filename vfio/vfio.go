//go:build linux

// Package vfio opens an IOMMU-isolated PCIe device through the kernel's VFIO
// framework and exposes its register windows as mapped 32-bit views. A Device
// owns the container, group, and device file descriptors and the lifetime of
// every mapping handed out; consumers hold the Device, never a raw pointer
// that can outlive it.
package vfio

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/Chester-Gillon/fpga-sio-sub006/catalog"
	"github.com/Chester-Gillon/fpga-sio-sub006/pci"
	"golang.org/x/sys/unix"
)

// Device is an open VFIO device. It is not safe for concurrent mutation;
// cross-process open/close/reset serialization is the arbiter's job, and
// in-process callers keep to one logical owner for destructive operations.
type Device struct {
	Addr  pci.Addr
	Entry *catalog.Entry

	container *os.File
	group     *os.File
	dev       *os.File

	regions []regionInfo
	maps    [][]byte // whole-BAR mmaps, indexed by BAR, nil until first use
	gen     uint32   // bumped on every reset; stales handed-out regions

	iovaNext uint64
	bufs     []*DMABuffer
}

// Region is a view of part of a mapped BAR. A Region is valid until the
// Device is reset or closed; after that Stale reports true and the caller
// must map a fresh view.
type Region struct {
	dev *Device
	mem []byte
	gen uint32
}

var (
	ErrNoIsolationGroup  = errors.New("vfio: device has no viable IOMMU group")
	ErrPermission        = errors.New("vfio: permission denied")
	ErrBusy              = errors.New("vfio: device or group is busy")
	ErrOutOfRange        = errors.New("vfio: range is outside the region")
	ErrUnsupportedRegion = errors.New("vfio: region can't be mapped")
	ErrClosed            = errors.New("vfio: device is closed")
	ErrGone              = errors.New("vfio: device no longer responds (all-ones read)")
)

const containerPath = "/dev/vfio/vfio"

// groupDir is a variable so tests can redirect group nodes.
var groupDir = "/dev/vfio"

// firstIOVA is where DMA buffer addresses start. Skipping the first
// megabyte keeps IOVA 0 out of descriptor link fields, which the bridge
// treats as end-of-chain.
const firstIOVA = 1 << 20

// Open attaches to the device described by info. It validates region
// metadata for every BAR but maps none of them; short-lived tools that only
// touch one window don't pay for the rest.
func Open(info pci.Device) (*Device, error) {
	container, err := os.OpenFile(containerPath, os.O_RDWR, 0)
	if err != nil {
		return nil, openErr(err)
	}

	d := &Device{
		Addr:      info.Addr,
		Entry:     info.Entry,
		container: container,
		iovaNext:  firstIOVA,
	}

	if err := d.attach(info); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

func (d *Device) attach(info pci.Device) error {
	if v, err := ioctlVal(d.container, iGetAPIVersion, 0); err != nil || v != apiVersion {
		return fmt.Errorf("vfio: API version %d != %d: %w", v, apiVersion, err)
	}

	group, err := os.OpenFile(fmt.Sprintf("%s/%d", groupDir, info.Group), os.O_RDWR, 0)
	if err != nil {
		return openErr(err)
	}

	d.group = group

	status := groupStatus{argsz: uint32(unsafe.Sizeof(groupStatus{}))}
	if err := ioctlPtr(group, iGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		return fmt.Errorf("vfio: group status: %w", err)
	}

	if status.flags&groupFlagsViable == 0 {
		return fmt.Errorf("%w: group %d not viable", ErrNoIsolationGroup, info.Group)
	}

	cfd := int32(d.container.Fd())
	if err := ioctlPtr(group, iGroupSetContainer, unsafe.Pointer(&cfd)); err != nil {
		return openErr(fmt.Errorf("vfio: set container: %w", err))
	}

	if err := ioctlArg(d.container, iSetIOMMU, type1v2IOMMU); err != nil {
		return fmt.Errorf("vfio: set type1v2 iommu: %w", err)
	}

	name, err := unix.BytePtrFromString(info.Addr.String())
	if err != nil {
		return err
	}

	fd, err := ioctlVal(group, iGroupGetDeviceFD, uintptr(unsafe.Pointer(name)))
	if err != nil {
		return openErr(fmt.Errorf("vfio: get device fd: %w", err))
	}

	d.dev = os.NewFile(uintptr(fd), info.Addr.String())

	return d.readRegions()
}

// readRegions validates region metadata for every BAR without mapping any.
func (d *Device) readRegions() error {
	di := deviceInfo{argsz: uint32(unsafe.Sizeof(deviceInfo{}))}
	if err := ioctlPtr(d.dev, iDeviceGetInfo, unsafe.Pointer(&di)); err != nil {
		return fmt.Errorf("vfio: device info: %w", err)
	}

	// BARs are region indexes 0..5; designs here never expose more.
	nbar := int(di.numRegions)
	if nbar > 6 {
		nbar = 6
	}

	d.regions = make([]regionInfo, nbar)
	d.maps = make([][]byte, nbar)

	for i := range d.regions {
		ri := regionInfo{
			argsz: uint32(unsafe.Sizeof(regionInfo{})),
			index: uint32(i),
		}

		if err := ioctlPtr(d.dev, iDeviceGetRegionInfo, unsafe.Pointer(&ri)); err != nil {
			return fmt.Errorf("vfio: region %d info: %w", i, err)
		}

		d.regions[i] = ri
	}

	return nil
}

// Adopt builds a Device from descriptors passed by the arbiter: the IOMMU
// container and the device fd. The group descriptor stays with the arbiter,
// which keeps the group held until the last reference closes. The adopted
// device maps regions and DMA buffers exactly like a directly opened one.
func Adopt(info pci.Device, container, device *os.File) (*Device, error) {
	d := &Device{
		Addr:      info.Addr,
		Entry:     info.Entry,
		container: container,
		dev:       device,

		// clients sharing one container share one IOMMU domain; partition
		// the IOVA space by pid so their DMA buffers can't collide
		iovaNext: firstIOVA | uint64(os.Getpid())<<32,
	}

	if err := d.readRegions(); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

// Files exposes the descriptors a client process needs to drive the device:
// the container and the device fd. Used by the arbiter for fd passing.
func (d *Device) Files() (container, device *os.File) {
	return d.container, d.dev
}

// Release drops an adopted device's descriptors and mappings. The device
// itself stays open as long as the arbiter holds references; pair Release
// with an arbiter close so the count stays consistent.
func (d *Device) Release() error {
	return d.Close()
}

// MapRegion returns a 32-bit register view covering [off, off+length) of the
// given BAR. Mapping is lazy and idempotent: the first use maps the whole
// BAR, later calls for any sub-range share that mapping.
func (d *Device) MapRegion(bar int, off, length uint64) (*Region, error) {
	if d.dev == nil {
		return nil, ErrClosed
	}

	if bar < 0 || bar >= len(d.regions) || d.regions[bar].size == 0 {
		return nil, fmt.Errorf("%w: BAR %d", ErrUnsupportedRegion, bar)
	}

	ri := d.regions[bar]
	if ri.flags&regionFlagMmap == 0 {
		return nil, fmt.Errorf("%w: BAR %d", ErrUnsupportedRegion, bar)
	}

	if off+length > ri.size || off+length < off {
		return nil, fmt.Errorf("%w: BAR %d [%#x,+%#x) > %#x", ErrOutOfRange, bar, off, length, ri.size)
	}

	if d.maps[bar] == nil {
		m, err := unix.Mmap(int(d.dev.Fd()), int64(ri.offset), int(ri.size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

		if err != nil {
			return nil, fmt.Errorf("vfio: mmap BAR %d: %w", bar, err)
		}

		d.maps[bar] = m
	}

	return &Region{
		dev: d,
		mem: d.maps[bar][off : off+length],
		gen: d.gen,
	}, nil
}

// BARSize returns the size of a BAR, or 0 if the device doesn't expose it.
func (d *Device) BARSize(bar int) uint64 {
	if bar < 0 || bar >= len(d.regions) {
		return 0
	}

	return d.regions[bar].size
}

// Reset issues a VFIO device reset and invalidates every Region handed out
// so far. Callers must map fresh views afterwards; any DMA channel state is
// wiped.
func (d *Device) Reset() error {
	if d.dev == nil {
		return ErrClosed
	}

	if err := ioctlArg(d.dev, iDeviceReset, 0); err != nil {
		return fmt.Errorf("vfio: reset: %w", err)
	}

	d.invalidate()
	return nil
}

// Close unmaps every region, releases DMA buffers, and closes the device,
// group, and container. The kernel resets the function as a side effect of
// releasing the device fd: every other process holding this device must
// treat its cached routing and transfer state as wiped.
func (d *Device) Close() error {
	d.invalidate()

	for _, b := range d.bufs {
		b.free(d)
	}

	d.bufs = nil

	for _, f := range []*os.File{d.dev, d.group, d.container} {
		if f != nil {
			f.Close()
		}
	}

	d.dev, d.group, d.container = nil, nil, nil
	return nil
}

func (d *Device) invalidate() {
	for i, m := range d.maps {
		if m != nil {
			unix.Munmap(m)
			d.maps[i] = nil
		}
	}

	d.gen++
}

// Generation counts resets. A Region minted before the current generation is
// stale.
func (d *Device) Generation() uint32 {
	return d.gen
}

// Read32 reads the 32-bit register at off. off must be 4-byte aligned and
// inside the view.
func (r *Region) Read32(off uint64) uint32 {
	return *(*uint32)(unsafe.Pointer(&r.mem[off]))
}

// Write32 writes the 32-bit register at off. Writes are unordered with
// respect to each other; read the register back when ordering matters
// (commit registers).
func (r *Region) Write32(off uint64, v uint32) {
	*(*uint32)(unsafe.Pointer(&r.mem[off])) = v
}

// Stale reports whether the view was invalidated by a reset or close.
func (r *Region) Stale() bool {
	return r.gen != r.dev.gen
}

// Size returns the length of the view in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// CheckLive reads the register at off and fails with ErrGone if it reads
// all-ones, which is how a surprise-removed device answers every load. The
// register must be one that can't legitimately hold 0xffffffff.
func (r *Region) CheckLive(off uint64) (uint32, error) {
	v := r.Read32(off)
	if v == ^uint32(0) {
		return v, ErrGone
	}

	return v, nil
}

func openErr(err error) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%w: %w", ErrPermission, err)

	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%w: %w", ErrBusy, err)

	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV):
		return fmt.Errorf("%w: %w", ErrNoIsolationGroup, err)

	default:
		return err
	}
}

func ioctlPtr(f *os.File, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

func ioctlArg(f *os.File, req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

func ioctlVal(f *os.File, req, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, arg)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}
