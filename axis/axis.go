// Package axis drives the crossbar stream switch: one mux register per
// master port selecting a slave port, plus a commit register. The live
// routing table is device state; the host compares a requested table against
// a read-back one before committing, because every commit soft-resets the
// switch core for about sixteen clock cycles and stalls any stream in
// flight.
package axis

import (
	"errors"
	"fmt"

	"github.com/Chester-Gillon/fpga-sio-sub006/mmio"
)

// register offsets within the switch block
const (
	regCtrl    = 0x00 // bit 1 commits the shadow mux registers
	regMuxBase = 0x40 // one register per master port
	muxStride  = 4

	ctlCommit = 1 << 1

	// bit 31 of a mux register disables the port; the low bits select the
	// slave port feeding it
	muxDisable   = 1 << 31
	muxSlaveMask = 0x7fffffff
)

// Route is the requested state of one master port.
type Route struct {
	Enabled bool
	Slave   int
}

var (
	ErrBadPort    = errors.New("axis: port is out of range")
	ErrTableShape = errors.New("axis: routing table must cover every master port")
)

// Switch is a view of one crossbar switch register block.
type Switch struct {
	regs  mmio.RegIO
	ports int
}

// New attaches to a switch with the given number of master ports.
func New(regs mmio.RegIO, ports int) *Switch {
	return &Switch{regs: regs, ports: ports}
}

// Ports returns the number of master ports.
func (s *Switch) Ports() int {
	return s.ports
}

// GetRoute reads back the live routing of one master port.
func (s *Switch) GetRoute(master int) (Route, error) {
	if master < 0 || master >= s.ports {
		return Route{}, fmt.Errorf("%w: master %d of %d", ErrBadPort, master, s.ports)
	}

	v := s.regs.Read32(muxOff(master))

	return Route{
		Enabled: v&muxDisable == 0,
		Slave:   int(v & muxSlaveMask),
	}, nil
}

// Routes reads back the whole live routing table.
func (s *Switch) Routes() ([]Route, error) {
	out := make([]Route, s.ports)
	for m := range out {
		r, err := s.GetRoute(m)
		if err != nil {
			return nil, err
		}

		out[m] = r
	}

	return out, nil
}

// SetRoutes writes every master-port mux register and then commits them with
// a single control write. The device acknowledges the commit by
// soft-resetting the switch core; streams in flight during that window may
// stall and need retry at a higher layer.
func (s *Switch) SetRoutes(routes []Route) error {
	if len(routes) != s.ports {
		return fmt.Errorf("%w: %d routes, %d ports", ErrTableShape, len(routes), s.ports)
	}

	for m, r := range routes {
		if r.Enabled && (r.Slave < 0 || r.Slave >= s.ports) {
			return fmt.Errorf("%w: slave %d for master %d", ErrBadPort, r.Slave, m)
		}

		v := uint32(muxDisable)
		if r.Enabled {
			v = uint32(r.Slave)
		}

		s.regs.Write32(muxOff(m), v)
	}

	s.regs.Write32(regCtrl, ctlCommit)

	// read back to order the commit behind the mux writes
	s.regs.Read32(regCtrl)

	return nil
}

// UpdateRoutes commits the requested table only if it differs from the live
// one, so a caller re-asserting its routing doesn't pay the soft reset.
// It returns whether a commit happened.
func (s *Switch) UpdateRoutes(requested []Route) (bool, error) {
	if len(requested) != s.ports {
		return false, fmt.Errorf("%w: %d routes, %d ports", ErrTableShape, len(requested), s.ports)
	}

	live, err := s.Routes()
	if err != nil {
		return false, err
	}

	same := true
	for m := range requested {
		if !sameRoute(requested[m], live[m]) {
			same = false
			break
		}
	}

	if same {
		return false, nil
	}

	return true, s.SetRoutes(requested)
}

// sameRoute ignores the slave field of disabled ports: the mux value behind
// a disabled port is unspecified.
func sameRoute(a, b Route) bool {
	if a.Enabled != b.Enabled {
		return false
	}

	return !a.Enabled || a.Slave == b.Slave
}

func muxOff(master int) uint64 {
	return regMuxBase + uint64(master)*muxStride
}
