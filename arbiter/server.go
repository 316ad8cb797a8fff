package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Chester-Gillon/fpga-sio-sub006/pci"
	"github.com/Chester-Gillon/fpga-sio-sub006/vfio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Handle is what the server holds for an open device. *vfio.Device
// implements it; tests substitute fakes.
type Handle interface {
	Reset() error
	Close() error

	// Files returns the descriptors a client needs to drive the device from
	// its own process: the IOMMU container and the device fd. Either may be
	// nil, in which case nothing is passed.
	Files() (container, device *os.File)
}

// Opener opens a device on behalf of a client. It is called with the
// device's per-location lock held, so at most one open per device is in
// flight at a time.
type Opener func(addr pci.Addr) (Handle, error)

// Config describes a new Server.
type Config struct {

	// Socket is the unix socket path to listen on.
	// If empty, DefaultSocket is used.
	Socket string

	// Open opens a device on a client's behalf.
	// If nil, the default VFIO opener is used.
	Open Opener

	// BusyRetries and BusyBackoff bound the automatic retry of the
	// open-race EBUSY condition. Defaults: 5 retries starting at 10ms,
	// doubling.
	BusyRetries int
	BusyBackoff time.Duration

	// Log receives per-request records. If nil, slog.Default is used.
	Log *slog.Logger
}

// Server is the per-host access arbiter.
type Server struct {
	cfg Config
	ls  *net.UnixListener

	mu   sync.Mutex
	devs map[string]*devState

	stop context.CancelFunc
}

// devState serializes operations on one device location. Holding st.mu is
// the mutual-exclusion region for open/close/reset; operations on
// different locations only share the map lock for lookup.
type devState struct {
	mu     sync.Mutex
	refs   int
	handle Handle
}

var ErrShutdown = errors.New("arbiter: server is shutting down")

// New creates a Server listening on the configured socket. A stale socket
// file from a dead server is removed first.
func New(cfg Config) (*Server, error) {
	if cfg.Socket == "" {
		cfg.Socket = DefaultSocket
	}

	if cfg.Open == nil {
		cfg.Open = defaultOpener
	}

	if cfg.BusyRetries == 0 {
		cfg.BusyRetries = 5
	}

	if cfg.BusyBackoff == 0 {
		cfg.BusyBackoff = 10 * time.Millisecond
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	os.Remove(cfg.Socket)

	addr, err := net.ResolveUnixAddr("unix", cfg.Socket)
	if err != nil {
		return nil, err
	}

	ls, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("arbiter: listen: %w", err)
	}

	return &Server{
		cfg:  cfg,
		ls:   ls,
		devs: make(map[string]*devState),
	}, nil
}

// Serve accepts and handles requests until the context is canceled or a
// shutdown request arrives. With once set it handles exactly one connection
// and returns; long-running mode tolerates clients that start and exit in
// any order.
func (s *Server) Serve(ctx context.Context, once bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.stop = cancel

	go func() {
		<-ctx.Done()
		s.ls.Close()
	}()

	defer os.Remove(s.cfg.Socket)

	g, ctx := errgroup.WithContext(ctx)

	for {
		conn, err := s.ls.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				break
			}

			return fmt.Errorf("arbiter: accept: %w", err)
		}

		if once {
			s.handle(conn)
			break
		}

		g.Go(func() error {
			s.handle(conn)
			return nil
		})
	}

	cancel()
	return g.Wait()
}

func (s *Server) handle(conn *net.UnixConn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.cfg.Log.Error("bad request", "err", err)
		return
	}

	res, files := s.dispatch(req)

	s.cfg.Log.Info("request",
		"op", req.Op, "device", req.Device, "ok", res.OK, "refs", res.Refs, "err", res.Error)

	body, err := json.Marshal(res)
	if err != nil {
		return
	}

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}

		oob = unix.UnixRights(fds...)
	}

	if _, _, err := conn.WriteMsgUnix(body, oob, nil); err != nil {
		s.cfg.Log.Error("send response", "err", err)
	}
}

func (s *Server) dispatch(req Request) (Response, []*os.File) {
	switch req.Op {
	case OpPing:
		return Response{OK: true}, nil

	case OpShutdown:
		if s.stop != nil {
			s.stop()
		}

		return Response{OK: true}, nil
	}

	addr, err := pci.ParseAddr(req.Device)
	if err != nil {
		return fail(err), nil
	}

	st := s.dev(addr.String())

	st.mu.Lock()
	defer st.mu.Unlock()

	switch req.Op {
	case OpOpen:
		return s.open(st, addr)

	case OpClose:
		return s.close(st), nil

	case OpReset:
		if st.refs == 0 {
			return fail(fmt.Errorf("arbiter: %s is not open", addr)), nil
		}

		if err := st.handle.Reset(); err != nil {
			return fail(err), nil
		}

		return Response{OK: true, Refs: st.refs}, nil

	default:
		return fail(fmt.Errorf("arbiter: unknown op %q", req.Op)), nil
	}
}

// open increments the reference count, doing the real device open only on
// the 0 -> 1 transition. The EBUSY open race is the one condition retried
// automatically, with bounded backoff; everything else surfaces to the
// client on the first attempt.
func (s *Server) open(st *devState, addr pci.Addr) (Response, []*os.File) {
	if st.refs == 0 {
		h, err := s.openRetry(addr)
		if err != nil {
			return fail(err), nil
		}

		st.handle = h
	}

	st.refs++

	var files []*os.File
	if c, d := st.handle.Files(); c != nil && d != nil {
		files = []*os.File{c, d}
	}

	return Response{OK: true, Refs: st.refs}, files
}

// close decrements the reference count and performs the real close only when
// it reaches zero. The kernel resets the function on that final release;
// by then no client holds a reference, so nobody's mappings are torn down
// underneath them.
func (s *Server) close(st *devState) Response {
	if st.refs == 0 {
		return fail(errors.New("arbiter: close without open"))
	}

	st.refs--
	if st.refs > 0 {
		return Response{OK: true, Refs: st.refs}
	}

	err := st.handle.Close()
	st.handle = nil

	if err != nil {
		return fail(err)
	}

	return Response{OK: true, Refs: 0}
}

func (s *Server) openRetry(addr pci.Addr) (Handle, error) {
	backoff := s.cfg.BusyBackoff

	for try := 0; ; try++ {
		h, err := s.cfg.Open(addr)
		if err == nil {
			return h, nil
		}

		if !errors.Is(err, vfio.ErrBusy) || try == s.cfg.BusyRetries {
			return nil, err
		}

		time.Sleep(backoff)
		backoff *= 2
	}
}

func (s *Server) dev(key string) *devState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.devs[key]
	if !ok {
		st = new(devState)
		s.devs[key] = st
	}

	return st
}

func fail(err error) Response {
	return Response{Error: err.Error()}
}
