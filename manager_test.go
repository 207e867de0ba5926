package blksnap

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/veeam/blksnap-go/internal/bio"
	"github.com/veeam/blksnap-go/internal/chunk"
)

func testConfig() Config {
	c := DefaultConfig()
	c.ChunkMinimumShift = 16
	c.ChunkMaximumShift = 16
	c.FreeDiffBufferPoolSize = 4
	c.ChunkMaximumInQueue = 4
	c.DiffStorageMinimum = 256
	return c
}

func TestManagerFullLifecycle(t *testing.T) {
	const deviceID = uint32(1)
	const sectors = 2048 // 1MiB

	original := NewMockDevice(int64(sectors) * 512)
	pattern := bytes.Repeat([]byte{0xAB}, int(original.Size()))
	if _, err := original.WriteAt(pattern, 0); err != nil {
		t.Fatalf("seed original: %v", err)
	}

	m := NewManager(testConfig(), nil, nil)

	if err := m.AttachDevice(deviceID, original, sectors); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}

	diffBacking := NewMockDevice(4 * 1024 * 1024)
	id, err := m.Create(diffBacking, chunk.BackingFile, diffBacking, sectors)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.AddDevice(id, deviceID); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	if err := m.Take(id); err != nil {
		t.Fatalf("Take: %v", err)
	}

	snap := m.Snapshot(id)
	if snap == nil || !snap.IsTaken() {
		t.Fatalf("expected snapshot to be taken")
	}

	newData := bytes.Repeat([]byte{0xCD}, 512)
	b := &bio.Bio{Op: bio.OpWrite, StartSector: 10, NrSectors: 1, Data: newData}
	if err := m.Submit(deviceID, b, false); err != nil {
		t.Fatalf("Submit write: %v", err)
	}
	if _, err := original.WriteAt(newData, 10*512); err != nil {
		t.Fatalf("apply write to original: %v", err)
	}

	img := snap.Image(deviceID)
	if img == nil {
		t.Fatalf("expected snapshot image for device")
	}

	preserved := make([]byte, 512)
	if _, err := img.ReadAt(preserved, 10*512); err != nil {
		t.Fatalf("image ReadAt: %v", err)
	}
	if !bytes.Equal(preserved, bytes.Repeat([]byte{0xAB}, 512)) {
		t.Error("expected snapshot image to preserve pre-write content")
	}

	tr := snap.Tracker(deviceID)
	dirtyGen := tr.CBT().Info().ChangesNumber
	tr.CBT().Switch()
	if !tr.CBT().IsDirtySince(10, dirtyGen) {
		t.Error("expected write to be recorded dirty in CBT once switched into the read map")
	}

	if err := m.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if snap.IsTaken() {
		t.Error("expected snapshot to no longer be taken after Destroy")
	}

	if err := m.DetachDevice(deviceID); err != nil {
		t.Fatalf("DetachDevice after destroy: %v", err)
	}
}

func TestManagerAddDeviceRejectsDoubleOwnership(t *testing.T) {
	const deviceID = uint32(1)
	const sectors = 2048

	original := NewMockDevice(int64(sectors) * 512)
	m := NewManager(testConfig(), nil, nil)
	if err := m.AttachDevice(deviceID, original, sectors); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}

	backingA := NewMockDevice(4 * 1024 * 1024)
	idA, err := m.Create(backingA, chunk.BackingFile, backingA, sectors)
	if err != nil {
		t.Fatalf("Create A: %v", err)
	}
	backingB := NewMockDevice(4 * 1024 * 1024)
	idB, err := m.Create(backingB, chunk.BackingFile, backingB, sectors)
	if err != nil {
		t.Fatalf("Create B: %v", err)
	}

	if err := m.AddDevice(idA, deviceID); err != nil {
		t.Fatalf("AddDevice to A: %v", err)
	}
	if err := m.AddDevice(idB, deviceID); err == nil {
		t.Error("expected AddDevice to B to fail while device belongs to A")
	}
}

func TestManagerDestroyUnknownSnapshot(t *testing.T) {
	m := NewManager(testConfig(), nil, nil)
	if err := m.Destroy(uuid.New()); err == nil {
		t.Error("expected Destroy of unknown snapshot to fail")
	}
}

func TestManagerTrackerSurvivesAcrossSnapshots(t *testing.T) {
	const deviceID = uint32(7)
	const sectors = 2048

	original := NewMockDevice(int64(sectors) * 512)
	m := NewManager(testConfig(), nil, nil)
	if err := m.AttachDevice(deviceID, original, sectors); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}

	backing1 := NewMockDevice(4 * 1024 * 1024)
	id1, err := m.Create(backing1, chunk.BackingFile, backing1, sectors)
	if err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	if err := m.AddDevice(id1, deviceID); err != nil {
		t.Fatalf("AddDevice 1: %v", err)
	}
	if err := m.Take(id1); err != nil {
		t.Fatalf("Take 1: %v", err)
	}

	data := bytes.Repeat([]byte{0x11}, 512)
	if err := m.Submit(deviceID, &bio.Bio{Op: bio.OpWrite, StartSector: 5, NrSectors: 1, Data: data}, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := m.Destroy(id1); err != nil {
		t.Fatalf("Destroy 1: %v", err)
	}

	backing2 := NewMockDevice(4 * 1024 * 1024)
	id2, err := m.Create(backing2, chunk.BackingFile, backing2, sectors)
	if err != nil {
		t.Fatalf("Create 2: %v", err)
	}
	if err := m.AddDevice(id2, deviceID); err != nil {
		t.Fatalf("AddDevice 2 (same device, new snapshot): %v", err)
	}
	if err := m.Take(id2); err != nil {
		t.Fatalf("Take 2: %v", err)
	}

	tr := m.Snapshot(id2).Tracker(deviceID)
	if !tr.CBT().IsDirtySince(0, 2) {
		t.Error("expected CBT map to carry the first snapshot's write across to the second")
	}
}
