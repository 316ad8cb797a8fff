//go:build linux

package arbiter

import (
	"errors"

	"github.com/Chester-Gillon/fpga-sio-sub006/pci"
	"github.com/Chester-Gillon/fpga-sio-sub006/vfio"
)

// defaultOpener resolves the address through sysfs and opens the device
// through VFIO.
func defaultOpener(addr pci.Addr) (Handle, error) {
	info, err := pci.Find(addr)
	if err != nil {
		return nil, err
	}

	d, err := vfio.Open(info)
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Acquire opens a device through the arbiter at socket, adopting the
// descriptors it passes. When the arbiter is unreachable it degrades to a
// direct open, accepting the small residual open-race window. The returned
// release function must be called instead of Device.Close alone so the
// arbiter's reference count stays consistent.
func Acquire(socket string, info pci.Device) (*vfio.Device, func() error, error) {
	c := NewClient(socket)

	container, devf, _, err := c.Open(info.Addr)
	if errors.Is(err, ErrUnreachable) {
		d, derr := vfio.Open(info)
		if derr != nil {
			return nil, nil, derr
		}

		return d, d.Close, nil
	}

	if err != nil {
		return nil, nil, err
	}

	d, err := vfio.Adopt(info, container, devf)
	if err != nil {
		c.Close(info.Addr)
		return nil, nil, err
	}

	release := func() error {
		err := d.Release()
		if _, cerr := c.Close(info.Addr); err == nil {
			err = cerr
		}

		return err
	}

	return d, release, nil
}
