package diffstorage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veeam/blksnap-go/internal/chunk"
	"github.com/veeam/blksnap-go/internal/device"
	"github.com/veeam/blksnap-go/internal/events"
)

func newFileBacking(t *testing.T) *device.File {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "diff.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	d, err := device.OpenFile(path, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestAllocSequential(t *testing.T) {
	d := newFileBacking(t)
	defer d.Close()
	d.Fallocate(4096 * 512) // plenty of sectors

	evq := events.New()
	s := Open(d, chunk.BackingFile, d, 4096*512/512, 4096*512/512, 2048, evq)

	e1, err := s.Alloc(512)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if e1.SectorOffset != 0 {
		t.Errorf("first extent offset = %d, want 0", e1.SectorOffset)
	}

	e2, err := s.Alloc(512)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if e2.SectorOffset != 512 {
		t.Errorf("second extent offset = %d, want 512", e2.SectorOffset)
	}

	if s.Filled() != 1024 {
		t.Errorf("Filled() = %d, want 1024", s.Filled())
	}
}

func TestAllocOverflowEmitsEvent(t *testing.T) {
	d := newFileBacking(t)
	defer d.Close()
	d.Fallocate(1024 * 512) // 1024 sectors, no room to grow further

	evq := events.New()
	// limit equals capacity: no growth possible, so the second alloc
	// that doesn't fit must overflow.
	s := Open(d, chunk.BackingFile, d, 1024, 1024, 2048, evq)

	if _, err := s.Alloc(1024); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}

	_, err := s.Alloc(1)
	if err == nil {
		t.Fatal("expected overflow error on second Alloc")
	}
	if !s.Overflowed() {
		t.Error("expected Overflowed() true after ENOSPC")
	}

	// The first Alloc also crosses the low-space threshold (no headroom
	// left at all), so drain events until the overflow one appears.
	var sawOverflow bool
	for i := 0; i < 2; i++ {
		e, res := evq.WaitEvent(time.Second, nil)
		if res != events.WaitEventReady {
			t.Fatalf("expected event %d, got result %v", i, res)
		}
		if e.Kind == events.KindOverflow {
			sawOverflow = true
		}
	}
	if !sawOverflow {
		t.Error("expected an overflow event among the emitted events")
	}
}

func TestAllocGrowsFileBackingWhenNeeded(t *testing.T) {
	d := newFileBacking(t)
	defer d.Close()
	d.Fallocate(512 * 512) // start small

	evq := events.New()
	s := Open(d, chunk.BackingFile, d, 512, 4096, 512, evq)

	// This alloc exceeds the initial 512-sector requested capacity and
	// should trigger a synchronous grow.
	_, err := s.Alloc(600)
	if err != nil {
		t.Fatalf("Alloc should have grown storage, got err: %v", err)
	}
	if s.Capacity() < 600 {
		t.Errorf("Capacity() = %d, want >= 600 after grow", s.Capacity())
	}
}
