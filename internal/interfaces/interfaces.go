// Package interfaces provides internal interface definitions for the
// snapshot engine, kept separate from the public package to avoid
// circular imports between the root package and its internals.
package interfaces

// BlockDevice is the minimal contract the engine needs from anything it
// reads or writes sector ranges of: an original device, a diff-storage
// file, or a diff-storage block device.
type BlockDevice interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// Allocator is implemented by backings that can grow, i.e. regular
// files. Block-device backings have fixed capacity and do not implement
// this.
type Allocator interface {
	Fallocate(length int64) error
}

// Logger is the optional logging sink threaded through the engine.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives per-operation metrics callbacks. Implementations
// must be safe to call concurrently: callbacks arrive from the diff
// area's COW path (run from the tracker's write intercept) and its
// store path (the store-queue worker or an inline store). The snapshot
// image's read/write path does not call the observer.
type Observer interface {
	ObserveCOW(bytes uint64, latencyNs uint64, success bool)
	ObserveStore(bytes uint64, latencyNs uint64, success bool)
	ObserveImageRead(bytes uint64, latencyNs uint64, success bool)
	ObserveImageWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}
