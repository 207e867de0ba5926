// Package diffstorage implements the growing backing store that
// displaced chunks are written to: a sequential extent allocator over a
// file or block-device backing, with auto-grow and low-space/overflow
// event emission.
package diffstorage

import (
	"sync"

	"github.com/veeam/blksnap-go/internal/chunk"
	"github.com/veeam/blksnap-go/internal/errs"
	"github.com/veeam/blksnap-go/internal/events"
	"github.com/veeam/blksnap-go/internal/interfaces"
)

// errNoSpace is returned by Alloc on overflow.
var errNoSpace = errs.New("DIFF_STORAGE_ALLOC", errs.NoSpace, "diff storage exhausted")

// Extent is a sequential, never-revoked allocation handed out by alloc.
type Extent struct {
	Backing      interfaces.BlockDevice
	Kind         chunk.BackingKind
	SectorOffset uint64
	SectorCount  uint64
}

// Storage is one diff storage instance, shared by every chunk of a
// snapshot across all its tracked devices.
type Storage struct {
	backing    interfaces.BlockDevice
	allocator  interfaces.Allocator // non-nil only for growable file backings
	kind       chunk.BackingKind
	minGrow    uint64 // diff_storage_minimum, in sectors
	limit      uint64 // user-configured cap, in sectors

	mu        sync.Mutex
	capacity  uint64 // currently allocated sectors
	filled    uint64 // monotonically increasing allocation head
	requested uint64 // target capacity after pending grows

	lowSpace bool
	overflow bool

	events *events.Queue

	growWG sync.WaitGroup
}

// Open wraps a backing for use as diff storage. kind tags the backing;
// only a BackingFile storage with a non-nil allocator grows, up to
// limitSectors. initialSectors is the backing's current size. Open does
// not validate the backing's type or the mode it was opened with.
func Open(backing interfaces.BlockDevice, kind chunk.BackingKind, allocator interfaces.Allocator, initialSectors, limitSectors, minGrowSectors uint64, evq *events.Queue) *Storage {
	s := &Storage{
		backing:   backing,
		allocator: allocator,
		kind:      kind,
		minGrow:   minGrowSectors,
		limit:     limitSectors,
		capacity:  initialSectors,
		requested: initialSectors,
		events:    evq,
	}
	return s
}

// Alloc serves an extent of the given sector count strictly
// sequentially from filled. Returns an *errs.Error with Code NoSpace
// when filled+sectors would still exceed requested after any
// synchronous grow, and on every call once overflow has latched.
func (s *Storage) Alloc(sectors uint64) (Extent, error) {
	s.mu.Lock()

	if s.overflow {
		s.mu.Unlock()
		return Extent{}, errNoSpace
	}

	if s.filled+sectors > s.requested {
		if s.kind == chunk.BackingFile && s.capacity < s.limit {
			s.mu.Unlock()
			s.growSync()
			s.mu.Lock()
		}
	}

	if s.filled+sectors > s.requested {
		s.overflow = true
		s.mu.Unlock()
		s.events.Emit(events.Event{Kind: events.KindOverflow})
		return Extent{}, errNoSpace
	}

	offset := s.filled
	s.filled += sectors

	if s.minGrow > 0 && s.requested-s.filled < s.minGrow/2 && !s.lowSpace {
		s.lowSpace = true
		s.mu.Unlock()
		s.events.Emit(events.Event{Kind: events.KindLowSpace})
		s.growAsync()
	} else {
		s.mu.Unlock()
	}

	return Extent{Backing: s.backing, Kind: s.kind, SectorOffset: offset, SectorCount: sectors}, nil
}

// growSync extends a file backing by min(minGrow, limit-capacity)
// sectors synchronously, called from Alloc when the requested extent
// doesn't fit under the current requested capacity.
func (s *Storage) growSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.growLocked()
}

// growAsync runs the reallocate worker in the background once
// low-space is signalled, so that Alloc callers aren't blocked on
// fallocate latency for every allocation once space is tight.
func (s *Storage) growAsync() {
	s.growWG.Add(1)
	go func() {
		defer s.growWG.Done()
		s.mu.Lock()
		for s.capacity < s.limit && s.requested-s.filled < s.minGrow {
			s.growLocked()
		}
		s.lowSpace = false
		s.mu.Unlock()
	}()
}

// Drain waits for any in-flight grow goroutine, used by diff area
// shutdown so storage state is quiescent before being dropped.
func (s *Storage) Drain() { s.growWG.Wait() }

func (s *Storage) growLocked() {
	if s.kind != chunk.BackingFile || s.allocator == nil {
		return
	}
	if s.capacity >= s.limit {
		return
	}
	grow := s.minGrow
	if s.limit-s.capacity < grow {
		grow = s.limit - s.capacity
	}
	newCapacitySectors := s.capacity + grow
	newCapacityBytes := int64(newCapacitySectors) * 512
	if err := s.allocator.Fallocate(newCapacityBytes); err != nil {
		return
	}
	s.capacity = newCapacitySectors
	s.requested = newCapacitySectors
}

// Backing returns the underlying block device extents are allocated
// from, so callers that already hold an Extent's offset can read or
// write it directly.
func (s *Storage) Backing() interfaces.BlockDevice { return s.backing }

// Filled returns the current monotone allocation head, in sectors.
func (s *Storage) Filled() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filled
}

// Capacity returns the currently allocated capacity, in sectors.
func (s *Storage) Capacity() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Overflowed reports whether this storage has latched overflow.
func (s *Storage) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}

// Close releases the backing.
func (s *Storage) Close() error {
	s.growWG.Wait()
	return s.backing.Close()
}
