package blksnap

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veeam/blksnap-go/internal/bio"
	"github.com/veeam/blksnap-go/internal/chunk"
	"github.com/veeam/blksnap-go/internal/diffarea"
	"github.com/veeam/blksnap-go/internal/diffstorage"
	"github.com/veeam/blksnap-go/internal/events"
	"github.com/veeam/blksnap-go/internal/image"
	"github.com/veeam/blksnap-go/internal/interfaces"
	"github.com/veeam/blksnap-go/internal/logging"
	"github.com/veeam/blksnap-go/internal/tracker"
)

// ModuleVersion identifies this build of the snapshot engine, the Go
// counterpart of the original driver's IOCTL_VERSION query.
const ModuleVersion = "go-blksnap/1.0.0"

// deviceEntry is a device attached to the manager: its tracker (which
// carries the CBT map and survives across snapshots) plus the bits
// Take needs to build a fresh diff area.
type deviceEntry struct {
	tr      *tracker.Tracker
	sectors uint64
	ownedBy uuid.UUID // set by AddDevice, reset to uuid.Nil by Destroy; taken or not
}

// SnapshotManager is the process-wide registry of attached devices and
// live snapshots, per spec.md §4.5/§5's "no single global lock, but a
// registry behind one RW-lock" concurrency model.
type SnapshotManager struct {
	mu sync.RWMutex

	params   Config
	observer interfaces.Observer
	logger   *logging.Logger

	devices   map[uint32]*deviceEntry
	snapshots map[uuid.UUID]*Snapshot
}

// NewManager constructs a SnapshotManager. A nil observer defaults to
// NoOpObserver; a nil logger defaults to logging.Default().
func NewManager(cfg Config, observer interfaces.Observer, logger *logging.Logger) *SnapshotManager {
	if observer == nil {
		observer = NoOpObserver{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SnapshotManager{
		params:    cfg,
		observer:  observer,
		logger:    logger,
		devices:   make(map[uint32]*deviceEntry),
		snapshots: make(map[uuid.UUID]*Snapshot),
	}
}

// AttachDevice installs a tracker on deviceID's original device, or is
// a no-op if a tracker is already attached there (a tracker survives
// across multiple snapshots, carrying its CBT map with it).
func (m *SnapshotManager) AttachDevice(deviceID uint32, original interfaces.BlockDevice, sectors uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[deviceID]; ok {
		return nil
	}
	m.devices[deviceID] = &deviceEntry{
		tr:      tracker.Attach(deviceID, original, sectors, m.params.toParams()),
		sectors: sectors,
	}
	return nil
}

// DetachDevice uninstalls deviceID's tracker. Fails with CodeBusy if
// the device has been added to a not-yet-destroyed snapshot, whether
// or not that snapshot has been taken.
func (m *SnapshotManager) DetachDevice(deviceID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.devices[deviceID]
	if !ok {
		return NewError("DETACH_DEVICE", CodeNotFound, "device not attached")
	}
	if entry.ownedBy != uuid.Nil {
		return NewError("DETACH_DEVICE", CodeBusy, "device belongs to a live snapshot")
	}
	entry.tr.Detach()
	delete(m.devices, deviceID)
	return nil
}

// Create allocates a fresh UUID, diff storage over backing (bounded to
// limitSectors, growable if backing is a regular file via allocator),
// and an event queue. The snapshot starts empty (populated) — no
// devices yet, not taken.
func (m *SnapshotManager) Create(backing interfaces.BlockDevice, kind chunk.BackingKind, allocator interfaces.Allocator, limitSectors uint64) (uuid.UUID, error) {
	initialSectors := uint64(backing.Size()) / 512
	params := m.params.toParams()

	snap := newSnapshot(m.params)
	snap.storage = diffstorage.Open(backing, kind, allocator, initialSectors, limitSectors, params.DiffStorageMinimum, snap.events)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ID] = snap
	return snap.ID, nil
}

// AddDevice attaches deviceID (which must already have a tracker
// installed via AttachDevice) to the snapshot identified by id. A
// device may only belong to one live snapshot at a time.
func (m *SnapshotManager) AddDevice(id uuid.UUID, deviceID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[id]
	if !ok {
		return NewSnapshotError("ADD_DEVICE", id.String(), CodeNotFound, "unknown snapshot")
	}
	entry, ok := m.devices[deviceID]
	if !ok {
		return NewError("ADD_DEVICE", CodeNotFound, "device not attached")
	}
	if entry.ownedBy != uuid.Nil {
		return NewError("ADD_DEVICE", CodeBusy, "device already belongs to a snapshot")
	}

	snap.mu.Lock()
	if snap.taken {
		snap.mu.Unlock()
		return NewSnapshotError("ADD_DEVICE", id.String(), CodeInvalidArg, "snapshot already taken")
	}
	snap.trackers[deviceID] = entry.tr
	snap.mu.Unlock()

	entry.ownedBy = id
	return nil
}

// Take freezes the snapshot: for every member tracker, it switches the
// CBT map, installs a fresh diff area sharing the snapshot's diff
// storage, and builds a snapshot image. Real device-queue quiescing has
// no analogue in this in-process model — Take itself, holding the
// snapshot's own lock, is the serialization point instead.
func (m *SnapshotManager) Take(id uuid.UUID) error {
	m.mu.RLock()
	snap, ok := m.snapshots[id]
	m.mu.RUnlock()
	if !ok {
		return NewSnapshotError("SNAPSHOT_TAKE", id.String(), CodeNotFound, "unknown snapshot")
	}

	snap.mu.Lock()
	defer snap.mu.Unlock()

	if snap.taken {
		return NewSnapshotError("SNAPSHOT_TAKE", id.String(), CodeInvalidArg, "already taken")
	}
	if len(snap.trackers) == 0 {
		return NewSnapshotError("SNAPSHOT_TAKE", id.String(), CodeInvalidArg, "no devices added")
	}

	params := m.params.toParams()
	for deviceID, tr := range snap.trackers {
		m.mu.RLock()
		entry := m.devices[deviceID]
		m.mu.RUnlock()

		tr.CBT().Switch()

		area := diffarea.New(tr.Original(), snap.storage, entry.sectors, params, snap.events, m.observer, m.logger)
		tr.InstallDiffArea(area)
		snap.areas[deviceID] = area
		snap.images[deviceID] = image.New(tr, area, entry.sectors)
	}
	snap.taken = true
	return nil
}

// WaitEvent blocks up to timeoutMs for the next event on snapshot id.
func (m *SnapshotManager) WaitEvent(id uuid.UUID, timeoutMs int) (events.Event, events.WaitResult, error) {
	m.mu.RLock()
	snap, ok := m.snapshots[id]
	m.mu.RUnlock()
	if !ok {
		return events.Event{}, events.WaitClosed, NewSnapshotError("WAIT_EVENT", id.String(), CodeNotFound, "unknown snapshot")
	}
	e, res := snap.WaitEvent(timeoutMs, nil)
	return e, res, nil
}

// Collect lists the IDs of every live (not-yet-destroyed) snapshot.
func (m *SnapshotManager) Collect() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.snapshots))
	for id := range m.snapshots {
		ids = append(ids, id)
	}
	return ids
}

// Destroy tears down snapshot id: for each member tracker it drops the
// image, clears the diff area reference, and flips taken back to
// false, then releases the shared diff storage and removes the
// snapshot from the registry. Devices remain attached (their trackers
// and CBT maps survive) unless the caller separately calls
// DetachDevice.
func (m *SnapshotManager) Destroy(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[id]
	if !ok {
		return NewSnapshotError("SNAPSHOT_DESTROY", id.String(), CodeNotFound, "unknown snapshot")
	}

	snap.mu.Lock()
	for deviceID, tr := range snap.trackers {
		delete(snap.images, deviceID)
		tr.ClearDiffArea()
		if area, ok := snap.areas[deviceID]; ok {
			area.Drop()
			delete(snap.areas, deviceID)
		}
		if entry, ok := m.devices[deviceID]; ok {
			entry.ownedBy = uuid.Nil
		}
	}
	snap.taken = false
	if snap.storage != nil {
		snap.storage.Close()
	}
	snap.events.Close()
	snap.mu.Unlock()

	delete(m.snapshots, id)
	return nil
}

// Submit routes bio b, targeting deviceID's original device, through
// that device's tracker — the entry point callers use instead of
// writing the original device directly, so that COW and CBT stay
// consistent.
func (m *SnapshotManager) Submit(deviceID uint32, b *bio.Bio, nowait bool) error {
	m.mu.RLock()
	entry, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok {
		return NewError("SUBMIT", CodeNotFound, "device not attached")
	}
	return entry.tr.Submit(b, nowait)
}

// Snapshot returns the live Snapshot for id, or nil.
func (m *SnapshotManager) Snapshot(id uuid.UUID) *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshots[id]
}

// Version reports the module version, the VERSION control op of §6.
func (m *SnapshotManager) Version() string { return ModuleVersion }

func msToDuration(ms int) time.Duration {
	if ms < 0 {
		return time.Duration(1<<63 - 1) // effectively "wait forever"
	}
	return time.Duration(ms) * time.Millisecond
}
