package blksnap

import (
	"sync"

	"github.com/veeam/blksnap-go/internal/interfaces"
)

// MockDevice is an in-memory interfaces.BlockDevice with call tracking,
// used to unit test the snapshot manager and tracker without a real
// file or block device behind them.
type MockDevice struct {
	mu     sync.RWMutex
	data   []byte
	size   int64
	closed bool
	synced bool

	readCalls  int
	writeCalls int
	flushCalls int

	failReads  bool
	failWrites bool
}

// NewMockDevice creates a mock device of the given size in bytes.
func NewMockDevice(size int64) *MockDevice {
	return &MockDevice{data: make([]byte, size), size: size}
}

func (m *MockDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.closed {
		return 0, NewError("MOCK_READ", CodeNotFound, "device closed")
	}
	if m.failReads {
		return 0, NewError("MOCK_READ", CodeIO, "injected read failure")
	}
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

func (m *MockDevice) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.closed {
		return 0, NewError("MOCK_WRITE", CodeNotFound, "device closed")
	}
	if m.failWrites {
		return 0, NewError("MOCK_WRITE", CodeIO, "injected write failure")
	}
	if off >= m.size {
		return 0, NewError("MOCK_WRITE", CodeInvalidArg, "write past end of device")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

func (m *MockDevice) Size() int64 { return m.size }

func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

func (m *MockDevice) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	m.synced = true
	return nil
}

// Fallocate implements interfaces.Allocator, so a MockDevice can also
// stand in for a growable diff-storage backing in tests.
func (m *MockDevice) Fallocate(length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if length <= m.size {
		return nil
	}
	grown := make([]byte, length)
	copy(grown, m.data)
	m.data = grown
	m.size = length
	return nil
}

// SetFailReads/SetFailWrites inject failures for testing the COW and
// store-queue error paths.
func (m *MockDevice) SetFailReads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = fail
}

func (m *MockDevice) SetFailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// IsClosed reports whether Close has been called.
func (m *MockDevice) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCounts returns the number of times each method has been called.
func (m *MockDevice) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
	}
}

// Reset clears all call counters and injected failures.
func (m *MockDevice) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls, m.writeCalls, m.flushCalls = 0, 0, 0
	m.failReads, m.failWrites = false, false
}

var (
	_ interfaces.BlockDevice = (*MockDevice)(nil)
	_ interfaces.Allocator   = (*MockDevice)(nil)
)
