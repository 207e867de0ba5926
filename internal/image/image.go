// Package image implements the snapshot image: a read/write virtual
// block device that presents the frozen, point-in-time view of an
// original device by dispatching every I/O through its diff area.
package image

import (
	"github.com/veeam/blksnap-go/internal/bio"
	"github.com/veeam/blksnap-go/internal/diffarea"
	"github.com/veeam/blksnap-go/internal/errs"
	"github.com/veeam/blksnap-go/internal/tracker"
)

// Image is the per-device snapshot image, created by a snapshot take
// and torn down on destroy. It shares the tracker's diff area but keeps
// its own handle so it can keep serving reads after ClearDiffArea would
// otherwise be called concurrently with an in-flight image I/O.
type Image struct {
	tracker       *tracker.Tracker
	area          *diffarea.DiffArea
	sectorSize    int64
	deviceSectors uint64
}

// New builds a snapshot image over area. Its sector size is fixed at
// 512 bytes; the original device's block sizes are not queried.
func New(tr *tracker.Tracker, area *diffarea.DiffArea, deviceSectors uint64) *Image {
	return &Image{tracker: tr, area: area, sectorSize: 512, deviceSectors: deviceSectors}
}

// Size returns the image's capacity in bytes, identical to the
// original's at the moment the snapshot was taken.
func (img *Image) Size() int64 { return int64(img.deviceSectors) * img.sectorSize }

func (img *Image) chunkNumberAndOffset(sector uint64) (number uint64, offsetBytes int) {
	chunkSectors := img.area.ChunkSectors()
	number = sector / chunkSectors
	offsetWithinChunk := sector % chunkSectors
	return number, int(offsetWithinChunk) * int(img.sectorSize)
}

// ReadAt serves a read against the image: absent/NEW chunks read
// through to the original, IN_MEMORY chunks are served from the diff
// area's buffer, and STORED chunks are read back from diff storage.
// The read may span a chunk boundary, in which case it is split into
// per-chunk reads.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	sector := uint64(off) / uint64(img.sectorSize)
	total := 0
	for total < len(p) {
		number, withinChunkOffset := img.chunkNumberAndOffset(sector)
		chunkBytes := int(img.area.ChunkSectors()) * int(img.sectorSize)
		avail := chunkBytes - withinChunkOffset
		want := len(p) - total
		if want > avail {
			want = avail
		}

		n, err := img.area.ReadChunk(number, p[total:total+want], withinChunkOffset)
		if err != nil {
			return total, errs.Wrap("IMAGE_READ", err)
		}
		total += n
		if n < want {
			break
		}
		sector += uint64(want) / uint64(img.sectorSize)
	}
	return total, nil
}

// WriteAt serves a write against the image: the original is never
// modified. Affected ranges are additionally marked dirty in both the
// read and write CBT maps, since a snapshot-image write diverges the
// image from the original independently of any write to the original
// itself.
func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	sector := uint64(off) / uint64(img.sectorSize)
	total := 0
	for total < len(p) {
		number, withinChunkOffset := img.chunkNumberAndOffset(sector)
		chunkBytes := int(img.area.ChunkSectors()) * int(img.sectorSize)
		avail := chunkBytes - withinChunkOffset
		want := len(p) - total
		if want > avail {
			want = avail
		}

		n, err := img.area.WriteChunk(number, p[total:total+want], withinChunkOffset)
		if err != nil {
			return total, errs.Wrap("IMAGE_WRITE", err)
		}
		total += n
		sector += uint64(want) / uint64(img.sectorSize)
	}

	startSector := uint64(off) / uint64(img.sectorSize)
	endSector := startSector + uint64(len(p))/uint64(img.sectorSize)
	img.tracker.CBT().SetBoth(startSector, endSector)

	return total, nil
}

// Submit dispatches a generic bio against the image, used by callers
// that already operate in bio terms rather than ReadAt/WriteAt byte
// offsets.
func (img *Image) Submit(b *bio.Bio) (int, error) {
	switch b.Op {
	case bio.OpRead:
		return img.ReadAt(b.Data, int64(b.StartSector)*img.sectorSize)
	case bio.OpWrite:
		return img.WriteAt(b.Data, int64(b.StartSector)*img.sectorSize)
	case bio.OpFlush:
		return 0, nil
	default:
		return 0, errs.New("IMAGE_SUBMIT", errs.InvalidArg, "unsupported op for snapshot image: "+b.Op.String())
	}
}

// Close releases no resources of its own — the diff area it reads
// through outlives the image and is owned by the tracker/snapshot.
func (img *Image) Close() error { return nil }
