// Package chunk implements the atomic copy-on-write unit: a fixed-size
// sector range of an original device, its state machine, and the
// exclusive lock held across every state transition and payload I/O.
package chunk

import (
	"sync"
	"sync/atomic"
)

// State is a chunk's position in the COW state machine. The only legal
// transitions are NEW->IN_MEMORY, IN_MEMORY->STORED, and any->FAILED.
type State int32

const (
	StateNew State = iota
	StateInMemory
	StateStored
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateInMemory:
		return "IN_MEMORY"
	case StateStored:
		return "STORED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// BackingKind tags which kind of diff-storage handle a chunk's Location
// refers to, mirroring the union of extent backings diff storage can
// hand out.
type BackingKind int

const (
	BackingNone BackingKind = iota
	BackingFile
	BackingBlockDev
)

// Location is a chunk's position in diff storage once it has been
// stored: the backing handle and the sector offset within it.
type Location struct {
	Kind         BackingKind
	SectorOffset uint64
}

// Chunk is the atomic COW unit: a fixed-size, power-of-two-aligned
// sector range of the original device. Number identifies it within its
// diff area's dense chunk index.
type Chunk struct {
	Number      uint64
	SectorCount uint32 // chunk size in sectors, except the final chunk which is truncated

	lock sync.Mutex

	state State // read via State(), only ever mutated under lock

	// diffBuffer holds a full chunk-sized buffer while the chunk is
	// IN_MEMORY: data read from the original and pending a store, or
	// data being served to a reader.
	diffBuffer []byte

	location Location

	failedErr error
}

// New creates a chunk in state NEW with no buffer and no location.
func New(number uint64, sectorCount uint32) *Chunk {
	return &Chunk{Number: number, SectorCount: sectorCount, state: StateNew}
}

// Lock acquires the chunk's exclusive lock. Held across state
// transitions and across the chunk's I/O, per the concurrency model.
func (c *Chunk) Lock() { c.lock.Lock() }

// Unlock releases the chunk's exclusive lock.
func (c *Chunk) Unlock() { c.lock.Unlock() }

// TryLock attempts to acquire the lock without blocking, used on the
// NOWAIT path: callers get EAGAIN on contention instead of blocking.
func (c *Chunk) TryLock() bool { return c.lock.TryLock() }

// State returns the chunk's current state. Callers inspecting state
// outside the lock (e.g. the store-queue worker's initial peek) must
// re-verify under lock before acting, per the state-machine contract.
func (c *Chunk) State() State { return State(atomic.LoadInt32((*int32)(&c.state))) }

func (c *Chunk) setState(s State) { atomic.StoreInt32((*int32)(&c.state), int32(s)) }

// TransitionToInMemory moves NEW->IN_MEMORY and installs the freshly
// read-from-original buffer. Must be called with the lock held.
func (c *Chunk) TransitionToInMemory(buf []byte) {
	c.diffBuffer = buf
	c.setState(StateInMemory)
}

// TransitionToStored moves IN_MEMORY->STORED, releasing the buffer and
// recording where the chunk now lives in diff storage. Must be called
// with the lock held.
func (c *Chunk) TransitionToStored(loc Location) Location {
	released := c.releaseBufferLocked()
	_ = released
	c.location = loc
	c.setState(StateStored)
	return loc
}

// releaseBufferLocked clears and returns the chunk's buffer. Must be
// called with the lock held.
func (c *Chunk) releaseBufferLocked() []byte {
	buf := c.diffBuffer
	c.diffBuffer = nil
	return buf
}

// Fail transitions the chunk to FAILED from any state and records the
// triggering error. Must be called with the lock held.
func (c *Chunk) Fail(err error) {
	c.failedErr = err
	c.diffBuffer = nil
	c.setState(StateFailed)
}

// FailedErr returns the error that caused a FAILED transition, if any.
func (c *Chunk) FailedErr() error { return c.failedErr }

// Buffer returns the chunk's in-memory buffer. Only meaningful while
// State() == StateInMemory; callers should hold the lock when reading
// concurrently with a transition.
func (c *Chunk) Buffer() []byte { return c.diffBuffer }

// Location returns the chunk's diff-storage location. Only meaningful
// while State() == StateStored.
func (c *Chunk) Location() Location { return c.location }

// SectorRange returns the chunk's half-open sector range given its
// owning diff area's chunk shift.
func (c *Chunk) SectorRange(chunkShift uint) (start, count uint64) {
	start = c.Number << (chunkShift - 9)
	return start, uint64(c.SectorCount)
}
