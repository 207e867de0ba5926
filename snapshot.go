package blksnap

import (
	"sync"

	"github.com/google/uuid"

	"github.com/veeam/blksnap-go/internal/diffarea"
	"github.com/veeam/blksnap-go/internal/diffstorage"
	"github.com/veeam/blksnap-go/internal/events"
	"github.com/veeam/blksnap-go/internal/image"
	"github.com/veeam/blksnap-go/internal/interfaces"
	"github.com/veeam/blksnap-go/internal/tracker"
)

// Snapshot holds the state for one snapshot: a UUID, the trackers of
// every device added to it, a single diff storage shared across those
// devices, an is-taken flag, and the event queue the manager's
// WaitEvent reads from.
type Snapshot struct {
	ID uuid.UUID

	mu       sync.RWMutex
	storage  *diffstorage.Storage
	events   *events.Queue
	trackers map[uint32]*tracker.Tracker
	images   map[uint32]*image.Image
	areas    map[uint32]*diffarea.DiffArea
	taken    bool

	params Config
}

func newSnapshot(params Config) *Snapshot {
	return &Snapshot{
		ID:       uuid.New(),
		events:   events.New(),
		trackers: make(map[uint32]*tracker.Tracker),
		images:   make(map[uint32]*image.Image),
		areas:    make(map[uint32]*diffarea.DiffArea),
		params:   params,
	}
}

// IsTaken reports whether Take has completed for this snapshot.
func (s *Snapshot) IsTaken() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.taken
}

// DeviceIDs returns the IDs of every device added to this snapshot.
func (s *Snapshot) DeviceIDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.trackers))
	for id := range s.trackers {
		ids = append(ids, id)
	}
	return ids
}

// Image returns the snapshot image for deviceID once the snapshot has
// been taken, or nil if absent/not yet taken.
func (s *Snapshot) Image(deviceID uint32) *image.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.images[deviceID]
}

// Tracker returns the tracker attached for deviceID, or nil.
func (s *Snapshot) Tracker(deviceID uint32) *tracker.Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trackers[deviceID]
}

// WaitEvent blocks up to timeout for the next event on this snapshot,
// or until stop fires.
func (s *Snapshot) WaitEvent(timeoutMs int, stop <-chan struct{}) (events.Event, events.WaitResult) {
	return s.events.WaitEvent(msToDuration(timeoutMs), stop)
}

// diffStorageBacking exists so tests/examples can inspect fill state
// without reaching into the manager.
func (s *Snapshot) diffStorageBacking() interfaces.BlockDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.storage == nil {
		return nil
	}
	return s.storage.Backing()
}
