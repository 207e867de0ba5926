package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory(1 << 20)

	data := bytes.Repeat([]byte{0xAB}, 4096)
	n, err := m.WriteAt(data, 8192)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n != len(data) {
		t.Fatalf("WriteAt n = %d, want %d", n, len(data))
	}

	out := make([]byte, 4096)
	if _, err := m.ReadAt(out, 8192); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("read back data does not match written data")
	}
}

func TestMemoryReadPastEnd(t *testing.T) {
	m := NewMemory(100)
	out := make([]byte, 10)
	n, err := m.ReadAt(out, 200)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 bytes read past end, got %d", n)
	}
}

func TestMemoryWritePastEnd(t *testing.T) {
	m := NewMemory(100)
	_, err := m.WriteAt([]byte{1}, 200)
	if err == nil {
		t.Error("expected error writing past end of device")
	}
}

func TestMemoryFillPattern(t *testing.T) {
	m := NewMemory(4 * 512)
	m.Fill(func(sector int64) byte { return byte(sector) }, 512)

	buf := make([]byte, 512)
	m.ReadAt(buf, 2*512)
	for _, b := range buf {
		if b != 2 {
			t.Errorf("sector 2 pattern byte = %d, want 2", b)
			break
		}
	}
}

func TestFileReadWriteAndFallocate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "diff.bin")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	d, err := OpenFile(path, 0, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer d.Close()

	if err := d.Fallocate(4096); err != nil {
		t.Fatalf("Fallocate: %v", err)
	}
	if d.Size() != 4096 {
		t.Errorf("Size() = %d, want 4096", d.Size())
	}

	data := bytes.Repeat([]byte{0x42}, 512)
	if _, err := d.WriteAt(data, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	out := make([]byte, 512)
	if _, err := d.ReadAt(out, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("read back data does not match written data")
	}
}
