package device

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/veeam/blksnap-go/internal/asyncio"
)

// ringQueueDepth is the io_uring submission queue depth each File opens
// its ring with. Each File owns its own fd and its own ring rather
// than sharing one across every open device.
const ringQueueDepth = 32

// File is a BlockDevice backed by a regular file or a block-device
// special file. Reads and writes go through an asyncio.Ring (a real
// io_uring instance on Linux, a synchronous pread/pwrite stub
// elsewhere) instead of calling pread/pwrite directly, so concurrent
// ReadAt/WriteAt calls need no seek-then-read coordination and the
// same submission path serves both the tracker's COW reads and the
// snapshot image's block-device-backed I/O.
type File struct {
	f        *os.File
	ring     asyncio.Ring
	size     int64
	isRegular bool
	mu       sync.Mutex // serializes fallocate/size changes; ReadAt/WriteAt do not take it
}

// OpenFile opens path read-write (creating it when isRegular is set)
// for use as an original device stand-in or as diff-storage backing. It
// does not request exclusive access to the file or device. size is the
// logical size in bytes that Size reports; Fallocate extends a regular
// file only beyond that size.
func OpenFile(path string, size int64, isRegular bool) (*File, error) {
	flags := os.O_RDWR
	if isRegular {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, err
	}
	ring, err := asyncio.NewRing(ringQueueDepth)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, ring: ring, size: size, isRegular: isRegular}, nil
}

func (d *File) ReadAt(p []byte, off int64) (int, error) {
	return d.ring.Submit(context.Background(), asyncio.Op{FD: int(d.f.Fd()), Buf: p, Offset: off})
}

func (d *File) WriteAt(p []byte, off int64) (int, error) {
	return d.ring.Submit(context.Background(), asyncio.Op{FD: int(d.f.Fd()), Buf: p, Offset: off, Write: true})
}

func (d *File) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *File) Close() error {
	d.ring.Close()
	return d.f.Close()
}

func (d *File) Flush() error {
	return unix.Fsync(int(d.f.Fd()))
}

// Fallocate extends the backing file to length bytes. It does nothing
// when length is at or below the current size, and returns EINVAL for
// a block device, whose capacity is fixed. Diff storage calls it only
// through its Allocator, and only for BackingFile storage.
func (d *File) Fallocate(length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if length <= d.size {
		return nil
	}
	if !d.isRegular {
		return unix.EINVAL
	}
	if err := unix.Fallocate(int(d.f.Fd()), 0, 0, length); err != nil {
		return err
	}
	d.size = length
	return nil
}

// IsRegular reports whether this backing is a growable regular file as
// opposed to a fixed-capacity block device.
func (d *File) IsRegular() bool { return d.isRegular }

// FD exposes the raw file descriptor for callers that need it directly
// (e.g. tests asserting against the underlying file).
func (d *File) FD() int { return int(d.f.Fd()) }
