package blksnap

import "github.com/veeam/blksnap-go/internal/config"

// Re-exported module parameters, per spec.md §6's parameter table.
const (
	SectorShift = config.SectorShift
	SectorSize  = config.SectorSize

	DefaultTrackingBlockMinimumShift = 16
	DefaultTrackingBlockMaximumShift = 26
	DefaultTrackingBlockMaximumCount = 2097152
	DefaultChunkMinimumShift         = 18
	DefaultChunkMaximumShift         = 26
	DefaultChunkMaximumCountShift    = 40
	DefaultChunkMaximumInQueue       = 16
	DefaultFreeDiffBufferPoolSize    = 128
	DefaultDiffStorageMinimum        = 2097152
)
