// Package arbiter serializes open/close/reset operations on shared VFIO
// devices across independent client processes. A single long-lived server
// per host owns the group descriptors; clients ask it for access over a
// local unix socket and receive the container and device descriptors by fd
// passing. Centralizing the open removes the open/mmap EBUSY race by
// construction instead of by per-client retry.
package arbiter

// Op is one arbiter operation.
type Op string

const (
	OpOpen     = Op("open")
	OpClose    = Op("close")
	OpReset    = Op("reset")
	OpPing     = Op("ping")
	OpShutdown = Op("shutdown")
)

// Request is one client request: a device location (domain:bus:device.function)
// and the operation to perform on it. Ping and Shutdown ignore Device.
type Request struct {
	Device string `json:"device"`
	Op     Op     `json:"op"`
}

// Response reports the outcome and the device's reference count after the
// operation. A successful open response carries the container and device
// file descriptors as SCM_RIGHTS ancillary data.
type Response struct {
	OK    bool   `json:"ok"`
	Refs  int    `json:"refs"`
	Error string `json:"error,omitempty"`
}

// DefaultSocket is where the server listens unless configured otherwise.
const DefaultSocket = "/run/fpga-sio/arbiter.sock"
