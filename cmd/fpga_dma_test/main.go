//go:build linux

// fpga_dma_test runs a loopback transfer through a device's DMA bridge: it
// routes a stream-switch port back on itself when the design has one, pushes
// a pattern host-to-card, pulls it back card-to-host, and compares. Access
// goes through the arbiter when one is running.
package main

import (
	"bytes"
	"flag"
	"log"
	"time"

	"github.com/Chester-Gillon/fpga-sio-sub006/arbiter"
	"github.com/Chester-Gillon/fpga-sio-sub006/axis"
	"github.com/Chester-Gillon/fpga-sio-sub006/dma"
	"github.com/Chester-Gillon/fpga-sio-sub006/pci"
	"github.com/Chester-Gillon/fpga-sio-sub006/vfio"
	"github.com/pkg/errors"
)

func main() {

	var (
		device  = flag.String("device", "", "device address dddd:bb:ss.f (required)")
		socket  = flag.String("socket", arbiter.DefaultSocket, "arbiter socket")
		size    = flag.Int("size", 1<<20, "transfer size in bytes")
		timeout = flag.Duration("timeout", 2*time.Second, "per-transfer timeout")
	)

	flag.Parse()

	if *device == "" {
		log.Fatal("a -device address is required")
	}

	if err := run(*device, *socket, *size, *timeout); err != nil {
		log.Fatalf("%+v", err)
	}

	log.Printf("loopback of %d bytes ok", *size)
}

func run(device, socket string, size int, timeout time.Duration) error {
	addr, err := pci.ParseAddr(device)
	if err != nil {
		return err
	}

	info, err := pci.Find(addr)
	if err != nil {
		return err
	}

	if !info.Entry.HasDMA() {
		return errors.Errorf("%s (%s) has no DMA bridge", addr, info.Entry.Name)
	}

	dev, release, err := arbiter.Acquire(socket, info)
	if err != nil {
		return errors.WithMessage(err, "acquire device")
	}

	defer release()

	bridge, err := dev.MapRegion(info.Entry.BridgeBAR, 0, 2*dma.BlockStride)
	if err != nil {
		return errors.WithMessage(err, "map bridge registers")
	}

	if err := routeLoopback(dev, info); err != nil {
		return err
	}

	ent := info.Entry

	ringBuf, err := dev.AllocDMA(2 * int(ent.RingDepth) * dma.DescSize)
	if err != nil {
		return errors.WithMessage(err, "alloc descriptor rings")
	}

	eng, err := dma.NewEngine(bridge,
		dma.Ring{Mem: ringBuf.Mem, IOVA: ringBuf.IOVA},
		ent.RingDepth, ent.MaxDescLen, timeout, dev)

	if err != nil {
		return errors.WithMessage(err, "attach bridge engine")
	}

	out, err := dev.AllocDMA(size)
	if err != nil {
		return err
	}

	in, err := dev.AllocDMA(size)
	if err != nil {
		return err
	}

	for i := range out.Mem[:size] {
		out.Mem[i] = byte(i * 7)
	}

	tx, err := eng.H2C.Submit(out.IOVA, 0, uint64(size))
	if err != nil {
		return errors.WithMessage(err, "submit h2c")
	}

	rx, err := eng.C2H.Submit(in.IOVA, 0, uint64(size))
	if err != nil {
		return errors.WithMessage(err, "submit c2h")
	}

	if _, err := eng.H2C.Poll(tx, timeout); err != nil {
		recoverChannel(eng, eng.H2C)
		return errors.WithMessage(err, "h2c transfer")
	}

	if _, err := eng.C2H.Poll(rx, timeout); err != nil {
		recoverChannel(eng, eng.C2H)
		return errors.WithMessage(err, "c2h transfer")
	}

	if !bytes.Equal(out.Mem[:size], in.Mem[:size]) {
		return errors.New("loopback data mismatch")
	}

	return nil
}

// routeLoopback points stream-switch master 0 at slave 0 so the H2C stream
// feeds straight back into C2H. Memory-mapped bridges loop through card
// memory instead and need no routing.
func routeLoopback(dev *vfio.Device, info pci.Device) error {
	ent := info.Entry
	if ent.StreamSwitch == nil {
		return nil
	}

	blk, err := dev.MapRegion(ent.StreamSwitch.BAR, uint64(ent.StreamSwitch.Offset), 0x100)
	if err != nil {
		return errors.WithMessage(err, "map stream switch")
	}

	sw := axis.New(blk, ent.SwitchPorts)

	routes := make([]axis.Route, ent.SwitchPorts)
	routes[0] = axis.Route{Enabled: true, Slave: 0}

	committed, err := sw.UpdateRoutes(routes)
	if err != nil {
		return errors.WithMessage(err, "route loopback")
	}

	if committed {
		// the commit soft-resets the switch core; give in-flight streams a
		// moment to drain before submitting
		time.Sleep(time.Millisecond)
	}

	return nil
}

func recoverChannel(eng *dma.Engine, c *dma.Channel) {
	if err := eng.Recover(c); err != nil {
		log.Printf("channel recovery: %v", err)
	}
}
