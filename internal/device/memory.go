// Package device provides the BlockDevice implementations the engine
// reads/writes sector ranges of: an in-memory device (used for
// originals in tests and as a diff-storage backing), and a real file
// or block-device backing whose reads and writes go through an
// asyncio.Ring and which grows with fallocate.
package device

import (
	"fmt"
	"sync"
)

// shardSize bounds the granularity of the sharded locking below: large
// enough that a 4K random-I/O workload doesn't thrash lock overhead,
// small enough that concurrent writers to different regions don't
// serialize on one mutex.
const shardSize = 64 * 1024

// Memory is a RAM-backed BlockDevice with sharded locking so that
// concurrent I/O to disjoint regions doesn't serialize on one mutex.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a zero-filled in-memory device of the given size.
func NewMemory(size int64) *Memory {
	numShards := (size + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

func (m *Memory) Size() int64 { return m.size }

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

func (m *Memory) Flush() error { return nil }

// Fill writes a deterministic test pattern, used by tests and the demo
// command to seed an original device before taking a snapshot.
func (m *Memory) Fill(pattern func(sector int64) byte, sectorSize int64) {
	for off := int64(0); off < m.size; off += sectorSize {
		b := pattern(off / sectorSize)
		end := off + sectorSize
		if end > m.size {
			end = m.size
		}
		for i := off; i < end; i++ {
			m.data[i] = b
		}
	}
}
