// Package diffarea implements the per-device COW machinery for a
// snapshot: the chunk map, the store-queue worker that persists
// IN_MEMORY chunks to diff storage, the free-buffer pool, and the
// corrupted-flag latch.
package diffarea

import (
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/veeam/blksnap-go/internal/chunk"
	"github.com/veeam/blksnap-go/internal/config"
	"github.com/veeam/blksnap-go/internal/diffstorage"
	"github.com/veeam/blksnap-go/internal/errs"
	"github.com/veeam/blksnap-go/internal/events"
	"github.com/veeam/blksnap-go/internal/interfaces"
	"github.com/veeam/blksnap-go/internal/logging"
)

// DiffArea owns the chunks for one original device within a snapshot.
type DiffArea struct {
	chunkShift    uint
	chunkSectors  uint64 // 1 << (chunkShift - SectorShift)
	deviceSectors uint64

	original interfaces.BlockDevice
	storage  *diffstorage.Storage
	events   *events.Queue
	logger   *logging.Logger
	observer interfaces.Observer

	chunks sync.Map // uint64 -> *chunk.Chunk
	sf     singleflight.Group
	pool   *bufferPool

	storeQueue chan *chunk.Chunk

	corrupt    atomic.Bool
	corruptErr atomic.Value // error

	wg      *errgroup.Group
	closeCh chan struct{}
	once    sync.Once
}

// New builds a diff area for an original device of deviceSectors
// sectors and starts its store-queue worker.
func New(original interfaces.BlockDevice, storage *diffstorage.Storage, deviceSectors uint64, params config.Params, evq *events.Queue, observer interfaces.Observer, logger *logging.Logger) *DiffArea {
	if logger == nil {
		logger = logging.Default()
	}
	shift := params.ChunkShiftFor(deviceSectors)
	chunkSectors := uint64(1) << (shift - config.SectorShift)

	a := &DiffArea{
		chunkShift:    shift,
		chunkSectors:  chunkSectors,
		deviceSectors: deviceSectors,
		original:      original,
		storage:       storage,
		events:        evq,
		observer:      observer,
		logger:        logger,
		pool:          newBufferPool(int(chunkSectors*512), params.FreeDiffBufferPoolSize),
		storeQueue:    make(chan *chunk.Chunk, params.ChunkMaximumInQueue),
		closeCh:       make(chan struct{}),
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		a.storeQueueWorker()
		return nil
	})
	a.wg = g

	return a
}

// ChunkShift returns the adaptively chosen chunk-size shift.
func (a *DiffArea) ChunkShift() uint { return a.chunkShift }

// ChunkCount returns the number of chunks covering the device.
func (a *DiffArea) ChunkCount() uint64 {
	return (a.deviceSectors + a.chunkSectors - 1) / a.chunkSectors
}

func (a *DiffArea) chunkSectorCount(number uint64) uint32 {
	start := number * a.chunkSectors
	remaining := a.deviceSectors - start
	if remaining > a.chunkSectors {
		return uint32(a.chunkSectors)
	}
	return uint32(remaining)
}

// getOrCreateChunk looks up chunk number, creating it on first touch.
// Concurrent first-touches for the same number race through
// singleflight.Group so only one allocation happens; every caller
// (winner and losers alike) ends up with the same *chunk.Chunk, which
// is exactly the "loser drops its allocation and retrieves the winner"
// rule.
func (a *DiffArea) getOrCreateChunk(number uint64) *chunk.Chunk {
	if v, ok := a.chunks.Load(number); ok {
		return v.(*chunk.Chunk)
	}
	key := strconv.FormatUint(number, 10)
	v, _, _ := a.sf.Do(key, func() (interface{}, error) {
		c := chunk.New(number, a.chunkSectorCount(number))
		actual, _ := a.chunks.LoadOrStore(number, c)
		return actual, nil
	})
	return v.(*chunk.Chunk)
}

// lookupChunk returns the chunk for number if it has ever been touched,
// without creating one.
func (a *DiffArea) lookupChunk(number uint64) (*chunk.Chunk, bool) {
	v, ok := a.chunks.Load(number)
	if !ok {
		return nil, false
	}
	return v.(*chunk.Chunk), true
}

func (a *DiffArea) chunkNumberFor(sector uint64) uint64 { return sector / a.chunkSectors }

// CowFor runs the copy-on-write path for a write covering
// [startSector, startSector+count) of the original device: for every
// overlapped chunk still in state NEW, its pre-write content is read
// from the original and preserved before the caller is allowed to
// proceed with its write. nowait requests the NOWAIT/EAGAIN contract:
// on lock contention, CowFor returns immediately with a Code=Again
// error instead of blocking.
func (a *DiffArea) CowFor(startSector, count uint64, nowait bool) error {
	if a.corrupt.Load() {
		// invariant 4: once corrupted, preservation can't be
		// guaranteed; the original write still proceeds (callers
		// never refuse original I/O for snapshot trouble) but we
		// surface the condition so the caller can log it.
		return errs.New("COW", errs.Corrupted, "diff area corrupted")
	}

	first := a.chunkNumberFor(startSector)
	last := a.chunkNumberFor(startSector + count - 1)

	for number := first; number <= last; number++ {
		if err := a.cowChunk(number, nowait); err != nil {
			return err
		}
	}
	return nil
}

func (a *DiffArea) cowChunk(number uint64, nowait bool) error {
	c := a.getOrCreateChunk(number)

	if nowait {
		if !c.TryLock() {
			return errs.New("COW", errs.Again, "chunk locked")
		}
	} else {
		c.Lock()
	}
	defer c.Unlock()

	switch c.State() {
	case chunk.StateInMemory, chunk.StateStored, chunk.StateFailed:
		// pre-snapshot content is already preserved (or unrecoverable);
		// the write may proceed to the original unmodified.
		return nil
	case chunk.StateNew:
		buf := a.pool.Get()
		start, _ := c.SectorRange(a.chunkShift)
		if _, err := a.original.ReadAt(buf, int64(start*512)); err != nil {
			c.Fail(err)
			a.setCorrupted(err)
			return errs.Wrap("COW", err)
		}
		c.TransitionToInMemory(buf)
		select {
		case a.storeQueue <- c:
		default:
			a.logger.Warn("store queue full, storing inline", "chunk", number)
			a.storeLocked(c)
		}
		if a.observer != nil {
			a.observer.ObserveCOW(uint64(len(buf)), 0, true)
		}
		return nil
	default:
		a.logger.Warn("chunk in unexpected state during cow", "chunk", number, "state", c.State().String())
		return nil
	}
}

// storeQueueWorker drains storeQueue until closeCh fires, persisting
// each IN_MEMORY chunk synchronously. It is not the only writer of diff
// storage: when the queue is full, the COW and image-write paths store
// the chunk inline, and image writes to a STORED chunk go straight to
// its extent.
func (a *DiffArea) storeQueueWorker() {
	for {
		select {
		case c := <-a.storeQueue:
			a.storeOne(c)
		case <-a.closeCh:
			// drain whatever is left before exiting.
			for {
				select {
				case c := <-a.storeQueue:
					a.storeOne(c)
				default:
					return
				}
			}
		}
	}
}

func (a *DiffArea) storeOne(c *chunk.Chunk) {
	c.Lock()
	defer c.Unlock()
	a.storeLocked(c)
}

// storeLocked persists an IN_MEMORY chunk to diff storage. Must be
// called with the chunk's lock held.
func (a *DiffArea) storeLocked(c *chunk.Chunk) {
	if c.State() == chunk.StateFailed {
		return
	}
	if c.State() != chunk.StateInMemory {
		a.logger.Warn("unexpected chunk state on store queue", "chunk", c.Number, "state", c.State().String())
		return
	}
	if a.corrupt.Load() {
		c.Fail(a.corruptError())
		return
	}

	buf := c.Buffer()
	ext, err := a.storage.Alloc(uint64(len(buf)) / 512)
	if err != nil {
		a.setCorrupted(err)
		c.Fail(err)
		return
	}

	if _, err := ext.Backing.WriteAt(buf, int64(ext.SectorOffset*512)); err != nil {
		a.setCorrupted(err)
		c.Fail(err)
		return
	}

	a.pool.Put(buf)
	c.TransitionToStored(chunk.Location{Kind: ext.Kind, SectorOffset: ext.SectorOffset})
	if a.observer != nil {
		a.observer.ObserveStore(uint64(len(buf)), 0, true)
	}
}

// setCorrupted latches the corrupted flag and emits the corrupted event
// exactly once.
func (a *DiffArea) setCorrupted(err error) {
	if a.corrupt.CompareAndSwap(false, true) {
		a.corruptErr.Store(err)
		a.events.Emit(events.Event{Kind: events.KindCorrupted})
	}
}

// Corrupted reports whether the area has latched corrupted.
func (a *DiffArea) Corrupted() bool { return a.corrupt.Load() }

func (a *DiffArea) corruptError() error {
	if v := a.corruptErr.Load(); v != nil {
		return v.(error)
	}
	return errs.New("DIFF_AREA", errs.Corrupted, "diff area corrupted")
}

// ReadChunk serves a read against chunk number for the snapshot image:
// absent ⇒ read-through to the original; IN_MEMORY ⇒ copy from the
// buffer; STORED ⇒ read the diff-storage extent; NEW ⇒ same as absent,
// since no write has happened yet so the original still holds the
// truth; FAILED ⇒ I/O error.
func (a *DiffArea) ReadChunk(number uint64, out []byte, withinChunkOffset int) (int, error) {
	c, ok := a.lookupChunk(number)
	if !ok {
		start, _ := (&chunk.Chunk{Number: number, SectorCount: a.chunkSectorCount(number)}).SectorRange(a.chunkShift)
		return a.original.ReadAt(out, int64(start*512)+int64(withinChunkOffset))
	}

	c.Lock()
	defer c.Unlock()

	switch c.State() {
	case chunk.StateNew:
		start, _ := c.SectorRange(a.chunkShift)
		return a.original.ReadAt(out, int64(start*512)+int64(withinChunkOffset))
	case chunk.StateInMemory:
		buf := c.Buffer()
		n := copy(out, buf[withinChunkOffset:])
		return n, nil
	case chunk.StateStored:
		loc := c.Location()
		return a.storage.Backing().ReadAt(out, int64(loc.SectorOffset*512)+int64(withinChunkOffset))
	default:
		return 0, errs.NewChunk("IMAGE_READ", 0, number, errs.IO, "chunk failed")
	}
}

// WriteChunk serves a write against chunk number for the snapshot
// image: the original is never modified. If the chunk has never been
// touched, it is first populated from the original (so that untouched
// sectors in the same chunk keep reading original content) and then the
// new bytes are applied on top.
func (a *DiffArea) WriteChunk(number uint64, data []byte, withinChunkOffset int) (int, error) {
	c := a.getOrCreateChunk(number)
	c.Lock()
	defer c.Unlock()

	switch c.State() {
	case chunk.StateNew:
		buf := a.pool.Get()
		start, _ := c.SectorRange(a.chunkShift)
		if _, err := a.original.ReadAt(buf, int64(start*512)); err != nil {
			c.Fail(err)
			a.setCorrupted(err)
			return 0, errs.Wrap("IMAGE_WRITE", err)
		}
		n := copy(buf[withinChunkOffset:], data)
		c.TransitionToInMemory(buf)
		select {
		case a.storeQueue <- c:
		default:
			a.storeLocked(c)
		}
		return n, nil
	case chunk.StateInMemory:
		n := copy(c.Buffer()[withinChunkOffset:], data)
		return n, nil
	case chunk.StateStored:
		loc := c.Location()
		return a.storage.Backing().WriteAt(data, int64(loc.SectorOffset*512)+int64(withinChunkOffset))
	default:
		return 0, errs.NewChunk("IMAGE_WRITE", 0, number, errs.IO, "chunk failed")
	}
}

// ChunkSectors returns the chunk size in sectors.
func (a *DiffArea) ChunkSectors() uint64 { return a.chunkSectors }

// Drop flushes the store-queue worker and waits for any in-flight
// diff-storage grow. There is no reference counting: the first call
// does the work and later calls return at once.
func (a *DiffArea) Drop() {
	a.once.Do(func() {
		close(a.closeCh)
		a.wg.Wait()
		a.storage.Drain()
	})
}
