//go:build linux

package vfio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

// Regions over plain memory exercise the register primitives without a
// device; the device-backed path differs only in where the bytes live.
func newTestRegion(d *Device, size int) *Region {
	return &Region{dev: d, mem: make([]byte, size), gen: d.gen}
}

func TestRegionAccess(t *testing.T) {
	d := &Device{}
	r := newTestRegion(d, 64)

	r.Write32(0x10, 0xdeadbeef)

	if got := r.Read32(0x10); got != 0xdeadbeef {
		t.Errorf("Read32 = %#x, want 0xdeadbeef", got)
	}

	// little endian, as the device sees host memory
	if got := binary.LittleEndian.Uint32(r.mem[0x10:]); got != 0xdeadbeef {
		t.Errorf("backing bytes = %#x, want 0xdeadbeef", got)
	}

	if r.Size() != 64 {
		t.Errorf("Size = %d, want 64", r.Size())
	}
}

func TestRegionStale(t *testing.T) {
	d := &Device{}
	r := newTestRegion(d, 16)

	if r.Stale() {
		t.Fatal("fresh region is stale")
	}

	d.invalidate()

	if !r.Stale() {
		t.Error("region survived an invalidate")
	}

	if d.Generation() != 1 {
		t.Errorf("generation = %d, want 1", d.Generation())
	}
}

func TestCheckLive(t *testing.T) {
	r := newTestRegion(&Device{}, 16)

	r.Write32(0, 0x1234)

	if v, err := r.CheckLive(0); err != nil || v != 0x1234 {
		t.Errorf("CheckLive = %#x, %v", v, err)
	}

	r.Write32(0, ^uint32(0))

	if _, err := r.CheckLive(0); !errors.Is(err, ErrGone) {
		t.Errorf("err = %v, want ErrGone", err)
	}
}

func TestOpenErr(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{unix.EPERM, ErrPermission},
		{unix.EACCES, ErrPermission},
		{unix.EBUSY, ErrBusy},
		{unix.ENOENT, ErrNoIsolationGroup},
		{unix.ENODEV, ErrNoIsolationGroup},
	}

	for _, tc := range cases {
		t.Run(tc.in.Error(), func(t *testing.T) {
			if got := openErr(fmt.Errorf("open: %w", tc.in)); !errors.Is(got, tc.want) {
				t.Errorf("openErr(%v) = %v, want %v wrapped", tc.in, got, tc.want)
			}
		})
	}

	// unrecognized errors pass through unchanged
	plain := errors.New("nope")
	if got := openErr(plain); got != plain {
		t.Errorf("openErr(plain) = %v, want identity", got)
	}
}
