//go:build linux

package asyncio

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// ioURingRing is a single-submitter io_uring wrapper: one File owns the
// ring and serializes submit/wait pairs behind a mutex. Concurrent
// ReadAt/WriteAt calls against the same File queue behind that mutex
// rather than fan out across the ring, trading peak concurrency for a
// dead simple completion model.
type ioURingRing struct {
	mu   sync.Mutex
	ring *giouring.Ring
}

// NewRing creates an io_uring-backed Ring with the given submission
// queue depth.
func NewRing(entries uint32) (Ring, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("asyncio: io_uring_setup: %w", err)
	}
	return &ioURingRing{ring: ring}, nil
}

func (r *ioURingRing) Submit(ctx context.Context, op Op) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("asyncio: submission queue full")
	}
	addr := uintptr(0)
	if len(op.Buf) > 0 {
		addr = uintptr(unsafe.Pointer(&op.Buf[0]))
	}
	if op.Write {
		sqe.PrepareWrite(op.FD, addr, uint32(len(op.Buf)), uint64(op.Offset))
	} else {
		sqe.PrepareRead(op.FD, addr, uint32(len(op.Buf)), uint64(op.Offset))
	}
	sqe.UserData = 1

	if _, err := r.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("asyncio: submit_and_wait: %w", err)
	}

	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("asyncio: wait_cqe: %w", err)
	}
	res := cqe.Res
	r.ring.CQESeen(cqe)

	if res < 0 {
		return 0, fmt.Errorf("asyncio: operation failed: %d", res)
	}
	return int(res), nil
}

func (r *ioURingRing) Close() error {
	r.ring.QueueExit()
	return nil
}
