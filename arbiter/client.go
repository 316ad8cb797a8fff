package arbiter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Chester-Gillon/fpga-sio-sub006/pci"
	"golang.org/x/sys/unix"
)

// Client talks to the arbiter over its unix socket, one connection per
// request. The zero timeout means 5 seconds; no call blocks longer.
type Client struct {
	Socket  string
	Timeout time.Duration
}

// ErrUnreachable distinguishes "no arbiter is running" from an arbiter that
// answered with a failure. Callers fall back to direct opens on it.
var ErrUnreachable = errors.New("arbiter: not reachable")

// ResponseError is a failure reported by the arbiter itself.
type ResponseError struct {
	Msg string
}

func (e *ResponseError) Error() string {
	return "arbiter: " + e.Msg
}

// NewClient returns a client for the arbiter at socket. An empty socket
// means DefaultSocket.
func NewClient(socket string) *Client {
	if socket == "" {
		socket = DefaultSocket
	}

	return &Client{Socket: socket, Timeout: 5 * time.Second}
}

// Open asks the arbiter to open (or add a reference to) the device and
// returns the passed container and device descriptors along with the new
// reference count.
func (c *Client) Open(addr pci.Addr) (container, device *os.File, refs int, err error) {
	res, files, err := c.do(Request{Device: addr.String(), Op: OpOpen})
	if err != nil {
		return nil, nil, 0, err
	}

	if len(files) != 2 {
		for _, f := range files {
			f.Close()
		}

		return nil, nil, 0, errors.New("arbiter: open response carried no descriptors")
	}

	return files[0], files[1], res.Refs, nil
}

// Close drops one reference to the device; the arbiter performs the real
// close when the count reaches zero.
func (c *Client) Close(addr pci.Addr) (refs int, err error) {
	res, _, err := c.do(Request{Device: addr.String(), Op: OpClose})
	return res.Refs, err
}

// Reset asks the arbiter to reset an open device.
func (c *Client) Reset(addr pci.Addr) error {
	_, _, err := c.do(Request{Device: addr.String(), Op: OpReset})
	return err
}

// Ping checks that an arbiter is answering.
func (c *Client) Ping() error {
	_, _, err := c.do(Request{Op: OpPing})
	return err
}

// Shutdown tells a long-running arbiter to stop serving.
func (c *Client) Shutdown() error {
	_, _, err := c.do(Request{Op: OpShutdown})
	return err
}

func (c *Client) do(req Request) (Response, []*os.File, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	raw, err := net.DialTimeout("unix", c.Socket, timeout)
	if err != nil {
		return Response{}, nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	conn := raw.(*net.UnixConn)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, nil, err
	}

	if _, err := conn.Write(body); err != nil {
		return Response{}, nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	if err := conn.CloseWrite(); err != nil {
		return Response{}, nil, err
	}

	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4*8))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Response{}, nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	var res Response
	if err := json.Unmarshal(buf[:n], &res); err != nil {
		return Response{}, nil, fmt.Errorf("arbiter: bad response: %w", err)
	}

	files, err := parseRights(oob[:oobn])
	if err != nil {
		return Response{}, nil, err
	}

	if !res.OK {
		for _, f := range files {
			f.Close()
		}

		return res, nil, &ResponseError{Msg: res.Error}
	}

	return res, files, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("arbiter: parse control message: %w", err)
	}

	var files []*os.File
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, fmt.Errorf("arbiter: parse rights: %w", err)
		}

		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "arbiter-fd"))
		}
	}

	return files, nil
}
