// Package cbt implements the change-block-tracking map: a two-
// generation table of which fixed-size blocks of an original device
// have been modified since a prior snapshot, with adaptive block size
// and monotone snapshot numbering that rotates a generation UUID on
// wraparound.
package cbt

import (
	"sync"

	"github.com/google/uuid"

	"github.com/veeam/blksnap-go/internal/config"
)

const sectorShift = config.SectorShift

// Map is one per original device (not per snapshot), tracking changes
// across the device's whole lifetime.
type Map struct {
	mu sync.Mutex

	deviceCapacity uint64 // sectors
	blkSizeShift   uint
	blkCount       uint64

	readMap  []byte // frozen, snapshot-time view
	writeMap []byte // live tracker

	snapNumberActive   byte
	snapNumberPrevious byte
	generationID       uuid.UUID

	corrupted bool
}

// New builds a CBT map for a device of deviceCapacitySectors sectors,
// choosing the block-size shift adaptively per params.
func New(deviceCapacitySectors uint64, params config.Params) *Map {
	shift := params.TrackingBlockShiftFor(deviceCapacitySectors)
	return newWithShift(deviceCapacitySectors, shift)
}

func newWithShift(deviceCapacitySectors uint64, shift uint) *Map {
	blkSectors := uint64(1) << (shift - sectorShift)
	count := (deviceCapacitySectors + blkSectors - 1) / blkSectors
	return &Map{
		deviceCapacity:     deviceCapacitySectors,
		blkSizeShift:       shift,
		blkCount:           count,
		readMap:            make([]byte, count),
		writeMap:           make([]byte, count),
		snapNumberActive:   1,
		snapNumberPrevious: 0,
		generationID:       uuid.New(),
	}
}

// Reset reinitializes the map to its just-created state, e.g. when a
// tracker is reattached to a resized device.
func (m *Map) Reset(deviceCapacitySectors uint64, params config.Params) {
	shift := params.TrackingBlockShiftFor(deviceCapacitySectors)
	fresh := newWithShift(deviceCapacitySectors, shift)

	m.mu.Lock()
	defer m.mu.Unlock()
	*m = *fresh
}

func (m *Map) blockIndex(sector uint64) uint64 {
	return sector >> (m.blkSizeShift - sectorShift)
}

// Set marks the range [startSector, endSector) dirty in the write map
// (and, for writes originating from the snapshot image, the read map
// too — that's SetBoth). Out-of-range indices latch is_corrupted rather
// than panicking, matching the "CBT: on corruption, leave the flag set"
// contract.
func (m *Map) Set(startSector, endSector uint64) {
	m.setRange(startSector, endSector, false)
}

// SetBoth marks the range dirty in both maps, used when the snapshot
// image itself diverges from the original.
func (m *Map) SetBoth(startSector, endSector uint64) {
	m.setRange(startSector, endSector, true)
}

func (m *Map) setRange(startSector, endSector uint64, both bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if endSector <= startSector {
		return
	}
	startIdx := m.blockIndex(startSector)
	endIdx := m.blockIndex(endSector - 1)

	if endIdx >= m.blkCount {
		m.corrupted = true
		if startIdx >= m.blkCount {
			return
		}
		endIdx = m.blkCount - 1
	}

	for i := startIdx; i <= endIdx; i++ {
		if m.writeMap[i] < m.snapNumberActive {
			m.writeMap[i] = m.snapNumberActive
		}
		if both && m.readMap[i] < m.snapNumberActive {
			m.readMap[i] = m.snapNumberActive
		}
	}
}

// Switch is invoked on snapshot take: the live write map becomes the
// frozen read map and the active snapshot number advances, wrapping at
// 256 by resetting to 1, zeroing the write map, and regenerating the
// generation id.
func (m *Map) Switch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.readMap, m.writeMap)
	m.snapNumberPrevious = m.snapNumberActive

	if m.snapNumberActive == 255 {
		m.snapNumberActive = 1
		for i := range m.writeMap {
			m.writeMap[i] = 0
		}
		m.generationID = uuid.New()
		return
	}
	m.snapNumberActive++
}

// Info is the CBT_INFO control-op readout.
type Info struct {
	DeviceCapacity uint64
	BlockSize      uint64
	BlockCount     uint64
	GenerationID   uuid.UUID
	ChangesNumber  byte
}

// Info returns the CBT_INFO readout.
func (m *Map) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		DeviceCapacity: m.deviceCapacity,
		BlockSize:      uint64(1) << m.blkSizeShift,
		BlockCount:     m.blkCount,
		GenerationID:   m.generationID,
		ChangesNumber:  m.snapNumberActive,
	}
}

// ReadMap returns a copy of the frozen, snapshot-time dirty-block map
// (the CBT_MAP control-op readout).
func (m *Map) ReadMap() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.readMap))
	copy(out, m.readMap)
	return out
}

// IsDirtySince reports whether the block covering sector is marked at
// or after snap number n in the frozen read map. Marks made by Set
// since the last Switch are not seen; SetBoth marks are.
func (m *Map) IsDirtySince(sector uint64, n byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.blockIndex(sector)
	if idx >= m.blkCount {
		return false
	}
	return m.readMap[idx] >= n
}

// Corrupted reports whether an out-of-range access has latched the
// corruption flag.
func (m *Map) Corrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.corrupted
}

// BlockSizeShift returns the current adaptive block-size shift.
func (m *Map) BlockSizeShift() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blkSizeShift
}
