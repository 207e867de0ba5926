// Package tracker implements the bio interceptor attached to a single
// original device: it routes writes through COW preservation and
// records every modified range in the device's CBT map.
package tracker

import (
	"sync"
	"sync/atomic"

	"github.com/veeam/blksnap-go/internal/bio"
	"github.com/veeam/blksnap-go/internal/cbt"
	"github.com/veeam/blksnap-go/internal/config"
	"github.com/veeam/blksnap-go/internal/diffarea"
	"github.com/veeam/blksnap-go/internal/errs"
	"github.com/veeam/blksnap-go/internal/interfaces"
)

// Tracker intercepts I/O against one original device. It is created
// when the device is first attached and survives across multiple
// snapshots of that device, carrying the CBT map between them.
type Tracker struct {
	DeviceID uint32

	original interfaces.BlockDevice
	params   config.Params

	// ctrlMu serializes ioctl-like control ops (cbt-info, cbt-map-read,
	// cbt-dirty, snapshot-add, snapshot-info) per §4.1's contract.
	ctrlMu sync.Mutex

	cbtMap *cbt.Map

	mu          sync.RWMutex // guards diffArea and taken below
	diffArea    *diffarea.DiffArea
	taken       bool
	refCount    int32
	attachCount int32
}

// Attach installs this tracker on a device of deviceSectors sectors,
// building a fresh CBT map. The caller is expected to have quiesced the
// device's I/O for the duration of attachment, which in this in-process
// model simply means no concurrent Submit calls are outstanding.
func Attach(deviceID uint32, original interfaces.BlockDevice, deviceSectors uint64, params config.Params) *Tracker {
	t := &Tracker{
		DeviceID: deviceID,
		original: original,
		params:   params,
		cbtMap:   cbt.New(deviceSectors, params),
	}
	atomic.StoreInt32(&t.attachCount, 1)
	return t
}

// Detach uninstalls the tracker, decrementing its reference count. The
// CBT map and diff area are dropped once the last reference goes away.
func (t *Tracker) Detach() {
	if atomic.AddInt32(&t.attachCount, -1) > 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.diffArea != nil {
		t.diffArea.Drop()
		t.diffArea = nil
	}
}

// InstallDiffArea installs a fresh diff area and flips snapshot_is_taken
// to true, called by the snapshot manager's take operation after
// switching the CBT map.
func (t *Tracker) InstallDiffArea(area *diffarea.DiffArea) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.diffArea = area
	t.taken = true
}

// ClearDiffArea drops the tracker's reference to its diff area and
// flips snapshot_is_taken back to false, called on snapshot destroy.
// The diff area itself is dropped by the caller once every tracker that
// held it has cleared its reference.
func (t *Tracker) ClearDiffArea() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.diffArea = nil
	t.taken = false
}

// IsTaken reports whether a snapshot is currently taken for this
// tracker's device.
func (t *Tracker) IsTaken() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.taken
}

// CBT returns the tracker's CBT map, for control-op readouts and for
// the snapshot manager to call Switch() on take.
func (t *Tracker) CBT() *cbt.Map { return t.cbtMap }

// Submit is the inline write-intercept hook. For a write, it ensures
// every overlapped chunk's pre-write content is preserved (when a
// snapshot is taken), updates the CBT map for the full range, then lets
// the caller proceed to issue the write against the original — there
// is no bio-completion queue to chain onto in this in-process model.
// The only error returned is a Code=Again error on nowait contention,
// in which case the CBT map is not updated; other COW failures are not
// returned (the diff area reports them through its corrupted event).
// Non-write bios return nil and leave the CBT map unchanged.
func (t *Tracker) Submit(b *bio.Bio, nowait bool) error {
	if b.Op != bio.OpWrite {
		return nil
	}

	t.mu.RLock()
	area := t.diffArea
	t.mu.RUnlock()

	if area != nil {
		if err := area.CowFor(b.StartSector, uint64(b.NrSectors), nowait); err != nil {
			if errs.Is(err, errs.Again) {
				return err
			}
			// I/O or corruption errors on the COW path don't block
			// the write from reaching the original; they are
			// reported via the corrupted event instead.
		}
	}

	t.cbtMap.Set(b.StartSector, b.EndSector())
	return nil
}

// MarkDirty directly marks ranges dirty in the write map without an
// associated write, mirroring ioctl_cbt_dirty: used by callers that
// need to seed CBT state out of band (e.g. after a restore).
func (t *Tracker) MarkDirty(ranges []bio.SectorRange) {
	for _, r := range ranges {
		t.cbtMap.Set(r.Start, r.End())
	}
}

// LockControl serializes a control operation against this tracker.
func (t *Tracker) LockControl()   { t.ctrlMu.Lock() }
func (t *Tracker) UnlockControl() { t.ctrlMu.Unlock() }

// Original returns the tracker's underlying original device, used by
// the snapshot image for read-through and by the manager when
// constructing a diff area.
func (t *Tracker) Original() interfaces.BlockDevice { return t.original }

// DiffArea returns the tracker's current diff area, or nil if no
// snapshot is taken.
func (t *Tracker) DiffArea() *diffarea.DiffArea {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.diffArea
}
