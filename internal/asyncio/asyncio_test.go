package asyncio

import (
	"bytes"
	"context"
	"os"
	"testing"
)

func TestRingWriteThenRead(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "asyncio")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(4096); err != nil {
		t.Fatal(err)
	}

	ring, err := NewRing(8)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	defer ring.Close()

	data := bytes.Repeat([]byte{0x5A}, 512)
	ctx := context.Background()

	n, err := ring.Submit(ctx, Op{FD: int(f.Fd()), Buf: data, Offset: 1024, Write: true})
	if err != nil {
		t.Fatalf("Submit write: %v", err)
	}
	if n != len(data) {
		t.Fatalf("write n = %d, want %d", n, len(data))
	}

	out := make([]byte, 512)
	n, err = ring.Submit(ctx, Op{FD: int(f.Fd()), Buf: out, Offset: 1024, Write: false})
	if err != nil {
		t.Fatalf("Submit read: %v", err)
	}
	if n != len(out) {
		t.Fatalf("read n = %d, want %d", n, len(out))
	}
	if !bytes.Equal(out, data) {
		t.Error("read back data does not match written data")
	}
}
