//go:build !linux

package asyncio

import (
	"context"

	"golang.org/x/sys/unix"
)

// stubRing performs the same pread/pwrite synchronously, for
// non-Linux builds.
type stubRing struct{}

// NewRing returns a synchronous stand-in ring on platforms without
// io_uring.
func NewRing(entries uint32) (Ring, error) {
	return &stubRing{}, nil
}

func (r *stubRing) Submit(ctx context.Context, op Op) (int, error) {
	if op.Write {
		return unix.Pwrite(op.FD, op.Buf, op.Offset)
	}
	return unix.Pread(op.FD, op.Buf, op.Offset)
}

func (r *stubRing) Close() error { return nil }
