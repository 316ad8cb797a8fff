//go:build linux

package pci

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Chester-Gillon/fpga-sio-sub006/catalog"
)

// fakeDev is one device directory in a fake sysfs tree.
type fakeDev struct {
	addr   string
	id     ID
	driver string // empty: no driver symlink
	group  int    // <0: no iommu_group symlink
}

func writeSysfs(t *testing.T, devs []fakeDev) {
	t.Helper()

	root := t.TempDir()

	for _, d := range devs {
		dir := filepath.Join(root, d.addr)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}

		files := map[string]uint16{
			"vendor":           d.id.Vendor,
			"device":           d.id.Device,
			"subsystem_vendor": d.id.SubVendor,
			"subsystem_device": d.id.SubDevice,
		}

		for name, v := range files {
			content := "0x" + strconv.FormatUint(uint64(v), 16) + "\n"
			if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
		}

		if d.driver != "" {
			target := filepath.Join("..", "..", "drivers", d.driver)
			if err := os.Symlink(target, filepath.Join(dir, "driver")); err != nil {
				t.Fatal(err)
			}
		}

		if d.group >= 0 {
			target := filepath.Join("..", "..", "iommu_groups", strconv.Itoa(d.group))
			if err := os.Symlink(target, filepath.Join(dir, "iommu_group")); err != nil {
				t.Fatal(err)
			}
		}
	}

	old := sysBusPCI
	sysBusPCI = root
	t.Cleanup(func() { sysBusPCI = old })
}

func TestEnumerate(t *testing.T) {
	writeSysfs(t, []fakeDev{
		// usable memory-mapped bridge device
		{addr: "0000:01:00.0",
			id:     ID{Vendor: 0x10ee, Device: 0x7024, SubVendor: 0x10ee, SubDevice: 0x7024},
			driver: "vfio-pci", group: 12},

		// usable stream bridge device
		{addr: "0000:02:00.0",
			id:     ID{Vendor: 0x10ee, Device: 0x7011, SubVendor: 0x10ee, SubDevice: 0x0133},
			driver: "vfio-pci", group: 13},

		// right identity, wrong driver
		{addr: "0000:03:00.0",
			id:     ID{Vendor: 0x10ee, Device: 0x7024, SubVendor: 0x10ee, SubDevice: 0x7024},
			driver: "xhci_hcd", group: 14},

		// right identity, no IOMMU group
		{addr: "0000:04:00.0",
			id:     ID{Vendor: 0x10ee, Device: 0x7024, SubVendor: 0x10ee, SubDevice: 0x7024},
			driver: "vfio-pci", group: -1},

		// bound to vfio but unknown to the catalog
		{addr: "0000:05:00.0",
			id:     ID{Vendor: 0x8086, Device: 0x1521, SubVendor: 0x8086, SubDevice: 0x0001},
			driver: "vfio-pci", group: 15},
	})

	t.Run("all usable", func(t *testing.T) {
		devs, err := Enumerate(nil, DMAAny)
		if err != nil {
			t.Fatal(err)
		}

		var addrs []string
		for _, d := range devs {
			addrs = append(addrs, d.Addr.String())
		}

		want := []string{"0000:01:00.0", "0000:02:00.0"}
		if diff := cmp.Diff(want, addrs); diff != "" {
			t.Errorf("addresses (-want +got):\n%s", diff)
		}
	})

	t.Run("filter by subsystem", func(t *testing.T) {
		f := Filter{Vendor: AnyID, Device: AnyID, SubVendor: 0x10ee, SubDevice: 0x0133}

		devs, err := Enumerate([]Filter{f}, DMAAny)
		if err != nil {
			t.Fatal(err)
		}

		if len(devs) != 1 || devs[0].Addr.String() != "0000:02:00.0" {
			t.Fatalf("devs = %+v, want only 0000:02:00.0", devs)
		}

		if devs[0].Group != 13 {
			t.Errorf("group = %d, want 13", devs[0].Group)
		}

		if devs[0].Entry == nil || devs[0].Entry.Name != "tosing_160t_stream" {
			t.Errorf("entry = %+v, want tosing_160t_stream", devs[0].Entry)
		}
	})

	t.Run("dma capability", func(t *testing.T) {
		mm, err := Enumerate(nil, DMAMemoryMapped)
		if err != nil {
			t.Fatal(err)
		}

		if len(mm) != 1 || mm[0].Entry.Name != "nitefury" {
			t.Fatalf("memory-mapped devs = %+v, want only nitefury", mm)
		}

		st, err := Enumerate(nil, DMAStream)
		if err != nil {
			t.Fatal(err)
		}

		if len(st) != 1 || st[0].Entry.Name != "tosing_160t_stream" {
			t.Fatalf("stream devs = %+v, want only tosing_160t_stream", st)
		}
	})
}

func TestFind(t *testing.T) {
	writeSysfs(t, []fakeDev{
		{addr: "0000:01:00.0",
			id:     ID{Vendor: 0x10ee, Device: 0x7024, SubVendor: 0x10ee, SubDevice: 0x7024},
			driver: "vfio-pci", group: 12},
	})

	addr := Addr{Bus: 1}

	d, err := Find(addr)
	if err != nil {
		t.Fatal(err)
	}

	ent, _ := catalog.Lookup(0x10ee, 0x7024)

	want := Device{
		Addr:  addr,
		ID:    ID{Vendor: 0x10ee, Device: 0x7024, SubVendor: 0x10ee, SubDevice: 0x7024},
		Group: 12,
		Entry: ent,
	}

	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("device mismatch (-want +got):\n%s", diff)
	}

	if _, err := Find(Addr{Bus: 9}); err == nil {
		t.Error("Find of absent device: err = nil")
	}
}

func TestIOMMUGroup(t *testing.T) {
	writeSysfs(t, []fakeDev{
		{addr: "0000:01:00.0",
			id:     ID{Vendor: 0x10ee, Device: 0x7024, SubVendor: 0x10ee, SubDevice: 0x7024},
			driver: "vfio-pci", group: 42},
	})

	g, err := IOMMUGroup(Addr{Bus: 1})
	if err != nil {
		t.Fatal(err)
	}

	if g != 42 {
		t.Errorf("group = %d, want 42", g)
	}
}
