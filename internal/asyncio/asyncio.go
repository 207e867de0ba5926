// Package asyncio provides the read/write submission path that
// internal/device.File uses for every file- and block-device-backed
// original device and diff storage in the engine. On Linux it is
// backed by a real io_uring instance, tests included; on other
// platforms it falls back to a synchronous pread/pwrite stub that
// satisfies the same interface.
package asyncio

import "context"

// Op is a single pending async operation.
type Op struct {
	FD     int
	Buf    []byte
	Offset int64
	Write  bool
}

// Ring submits Ops and reports their completion. Submit does not
// return until the operation has completed, so Buf may be reused as
// soon as it returns.
type Ring interface {
	// Submit queues op and blocks until it completes, returning the
	// number of bytes transferred: a synchronous-looking call from the
	// caller's goroutine that is actually serviced by the ring under
	// the hood.
	Submit(ctx context.Context, op Op) (int, error)
	Close() error
}
