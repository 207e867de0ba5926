package image

import (
	"bytes"
	"testing"

	"github.com/veeam/blksnap-go/internal/chunk"
	"github.com/veeam/blksnap-go/internal/config"
	"github.com/veeam/blksnap-go/internal/device"
	"github.com/veeam/blksnap-go/internal/diffarea"
	"github.com/veeam/blksnap-go/internal/diffstorage"
	"github.com/veeam/blksnap-go/internal/events"
	"github.com/veeam/blksnap-go/internal/tracker"
)

const testSectors = 2048

func testParams() config.Params {
	p := config.DefaultParams()
	p.ChunkMinimumShift = 16
	p.ChunkMaximumShift = 16
	return p
}

func newTestImage(t *testing.T) (*Image, *device.Memory) {
	t.Helper()
	orig := device.NewMemory(testSectors * 512)
	orig.Fill(func(sector int64) byte { return byte(sector % 251) }, 512)

	tr := tracker.Attach(1, orig, testSectors, testParams())

	storageBacking := device.NewMemory(4096 * 512)
	evq := events.New()
	st := diffstorage.Open(storageBacking, chunk.BackingFile, nil, 4096, 4096, 256, evq)
	area := diffarea.New(orig, st, testSectors, testParams(), evq, nil, nil)
	t.Cleanup(area.Drop)

	tr.InstallDiffArea(area)

	img := New(tr, area, testSectors)
	return img, orig
}

func TestImageReadThroughUnmodifiedMatchesOriginal(t *testing.T) {
	img, orig := newTestImage(t)

	want := make([]byte, 4096)
	if _, err := orig.ReadAt(want, 0); err != nil {
		t.Fatalf("read original: %v", err)
	}

	got := make([]byte, 4096)
	if _, err := img.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Error("expected image read-through to match original content")
	}
}

func TestImageWriteDoesNotTouchOriginal(t *testing.T) {
	img, orig := newTestImage(t)

	before := make([]byte, 512)
	orig.ReadAt(before, 0)

	payload := bytes.Repeat([]byte{0xEE}, 512)
	if _, err := img.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	after := make([]byte, 512)
	orig.ReadAt(after, 0)
	if !bytes.Equal(before, after) {
		t.Error("expected image write to leave original untouched")
	}

	readBack := make([]byte, 512)
	if _, err := img.ReadAt(readBack, 0); err != nil {
		t.Fatalf("ReadAt after write: %v", err)
	}
	if !bytes.Equal(readBack, payload) {
		t.Error("expected image read to see its own write")
	}
}

func TestImageWriteSpanningChunkBoundary(t *testing.T) {
	img, _ := newTestImage(t)
	chunkBytes := int64(1) << 16 // ChunkMinimumShift=16

	payload := bytes.Repeat([]byte{0x11}, 1024)
	off := chunkBytes - 512
	if _, err := img.WriteAt(payload, off); err != nil {
		t.Fatalf("WriteAt spanning boundary: %v", err)
	}

	readBack := make([]byte, 1024)
	if _, err := img.ReadAt(readBack, off); err != nil {
		t.Fatalf("ReadAt spanning boundary: %v", err)
	}
	if !bytes.Equal(readBack, payload) {
		t.Error("expected cross-chunk write/read to round-trip")
	}
}

func TestImageWriteMarksCBTBothMaps(t *testing.T) {
	img, _ := newTestImage(t)

	payload := bytes.Repeat([]byte{0x99}, 512)
	if _, err := img.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// SetBoth marks both maps immediately without needing Switch.
	if !imageDirty(img, 1) {
		t.Error("expected write to mark read map dirty via SetBoth")
	}
}

func imageDirty(img *Image, n byte) bool {
	return img.tracker.CBT().IsDirtySince(0, n)
}
