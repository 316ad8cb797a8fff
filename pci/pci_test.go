package pci_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Chester-Gillon/fpga-sio-sub006/pci"
)

func TestParseAddr(t *testing.T) {
	cases := []struct {
		in   string
		want pci.Addr
	}{
		{"0000:01:00.0", pci.Addr{Domain: 0, Bus: 1, Slot: 0, Func: 0}},
		{"0002:3f:1c.7", pci.Addr{Domain: 2, Bus: 0x3f, Slot: 0x1c, Func: 7}},
		{"2d:00.1", pci.Addr{Bus: 0x2d, Slot: 0, Func: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := pci.ParseAddr(tc.in)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("addr mismatch (-want +got):\n%s", diff)
			}
		})
	}

	for _, in := range []string{"", "banana", "0000:01:00", "01.00.0"} {
		t.Run("bad "+in, func(t *testing.T) {
			if _, err := pci.ParseAddr(in); !errors.Is(err, pci.ErrBadAddr) {
				t.Errorf("err = %v, want ErrBadAddr", err)
			}
		})
	}
}

func TestAddrString(t *testing.T) {
	a := pci.Addr{Domain: 2, Bus: 0x3f, Slot: 0x1c, Func: 7}
	if got, want := a.String(), "0002:3f:1c.7"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseFilter(t *testing.T) {
	cases := []struct {
		in   string
		want pci.Filter
	}{
		{"10ee:7024", pci.Filter{
			Vendor: 0x10ee, Device: 0x7024,
			SubVendor: pci.AnyID, SubDevice: pci.AnyID,
		}},
		{"10ee:*", pci.Filter{
			Vendor: 0x10ee, Device: pci.AnyID,
			SubVendor: pci.AnyID, SubDevice: pci.AnyID,
		}},
		{"*:*:10ee:0133", pci.Filter{
			Vendor: pci.AnyID, Device: pci.AnyID,
			SubVendor: 0x10ee, SubDevice: 0x0133,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := pci.ParseFilter(tc.in)
			if err != nil {
				t.Fatal(err)
			}

			if got != tc.want {
				t.Errorf("filter = %+v, want %+v", got, tc.want)
			}
		})
	}

	for _, in := range []string{"", "10ee", "10ee:1:2", "xyz:0007"} {
		t.Run("bad "+in, func(t *testing.T) {
			if _, err := pci.ParseFilter(in); err == nil {
				t.Error("err = nil, want parse error")
			}
		})
	}
}

func TestFilterMatch(t *testing.T) {
	id := pci.ID{Vendor: 0x10ee, Device: 0x7024, SubVendor: 0x10ee, SubDevice: 0x0007}

	cases := []struct {
		name   string
		filter pci.Filter
		want   bool
	}{
		{"any", pci.AnyFilter, true},
		{"exact", pci.Filter{Vendor: 0x10ee, Device: 0x7024, SubVendor: 0x10ee, SubDevice: 0x0007}, true},
		{"vendor only", pci.Filter{Vendor: 0x10ee, Device: pci.AnyID, SubVendor: pci.AnyID, SubDevice: pci.AnyID}, true},
		{"wrong device", pci.Filter{Vendor: 0x10ee, Device: 0x0666, SubVendor: pci.AnyID, SubDevice: pci.AnyID}, false},
		{"wrong subsystem", pci.Filter{Vendor: pci.AnyID, Device: pci.AnyID, SubVendor: pci.AnyID, SubDevice: 0x0133}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Match(id); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}
