package axis

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeSwitch latches mux writes into a shadow table that only a commit
// makes live, like the real core. It counts commits so tests can observe
// how many soft resets a sequence of calls would cost.
type fakeSwitch struct {
	shadow  [8]uint32
	live    [8]uint32
	commits int
}

func newFakeSwitch(ports int) *fakeSwitch {
	f := &fakeSwitch{}
	for i := 0; i < ports; i++ {
		f.live[i] = muxDisable
		f.shadow[i] = muxDisable
	}

	return f
}

func (f *fakeSwitch) Read32(off uint64) uint32 {
	if off >= regMuxBase {
		return f.live[(off-regMuxBase)/muxStride]
	}

	return 0
}

func (f *fakeSwitch) Write32(off uint64, v uint32) {
	if off == regCtrl {
		if v&ctlCommit != 0 {
			f.live = f.shadow
			f.commits++
		}

		return
	}

	f.shadow[(off-regMuxBase)/muxStride] = v
}

func TestSetRoutes(t *testing.T) {
	f := newFakeSwitch(4)
	s := New(f, 4)

	want := []Route{
		{Enabled: true, Slave: 2},
		{Enabled: false},
		{Enabled: true, Slave: 0},
		{Enabled: true, Slave: 3},
	}

	if err := s.SetRoutes(want); err != nil {
		t.Fatal(err)
	}

	if f.commits != 1 {
		t.Errorf("commits = %d, want 1", f.commits)
	}

	got, err := s.Routes()
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("read-back mismatch (-want +got):\n%s", diff)
	}
}

func TestSetRoutesValidates(t *testing.T) {
	s := New(newFakeSwitch(4), 4)

	t.Run("short table", func(t *testing.T) {
		if err := s.SetRoutes(make([]Route, 3)); !errors.Is(err, ErrTableShape) {
			t.Errorf("err = %v, want ErrTableShape", err)
		}
	})

	t.Run("slave out of range", func(t *testing.T) {
		routes := make([]Route, 4)
		routes[1] = Route{Enabled: true, Slave: 4}

		if err := s.SetRoutes(routes); !errors.Is(err, ErrBadPort) {
			t.Errorf("err = %v, want ErrBadPort", err)
		}
	})

	t.Run("disabled slave ignored", func(t *testing.T) {
		routes := make([]Route, 4)
		routes[1] = Route{Enabled: false, Slave: 99}

		if err := s.SetRoutes(routes); err != nil {
			t.Errorf("err = %v", err)
		}
	})
}

func TestUpdateRoutesSkipsMatchingTable(t *testing.T) {
	f := newFakeSwitch(4)
	s := New(f, 4)

	routes := []Route{
		{Enabled: true, Slave: 0},
		{Enabled: true, Slave: 1},
		{Enabled: false},
		{Enabled: false},
	}

	committed, err := s.UpdateRoutes(routes)
	if err != nil {
		t.Fatal(err)
	}

	if !committed || f.commits != 1 {
		t.Fatalf("first update: committed=%v commits=%d, want true/1", committed, f.commits)
	}

	// re-asserting the live table must not pay another soft reset
	committed, err = s.UpdateRoutes(routes)
	if err != nil {
		t.Fatal(err)
	}

	if committed || f.commits != 1 {
		t.Errorf("second update: committed=%v commits=%d, want false/1", committed, f.commits)
	}

	// a disabled port compares equal regardless of its stale slave value
	routes[2].Slave = 3

	committed, err = s.UpdateRoutes(routes)
	if err != nil {
		t.Fatal(err)
	}

	if committed {
		t.Errorf("update with disabled-port slave change committed")
	}

	// an enabled-port change does commit
	routes[0].Slave = 2

	committed, err = s.UpdateRoutes(routes)
	if err != nil {
		t.Fatal(err)
	}

	if !committed || f.commits != 2 {
		t.Errorf("third update: committed=%v commits=%d, want true/2", committed, f.commits)
	}
}

func TestGetRouteRange(t *testing.T) {
	s := New(newFakeSwitch(4), 4)

	for _, m := range []int{-1, 4} {
		if _, err := s.GetRoute(m); !errors.Is(err, ErrBadPort) {
			t.Errorf("GetRoute(%d): err = %v, want ErrBadPort", m, err)
		}
	}
}
