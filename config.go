package blksnap

import "github.com/veeam/blksnap-go/internal/config"

// Config holds the tunable parameters for a SnapshotManager, mirroring
// spec.md §6's parameter table. Zero-valued fields are clamped to sane
// defaults when the manager converts the Config (toParams, which runs
// config.Params.Validate).
type Config struct {
	TrackingBlockMinimumShift uint
	TrackingBlockMaximumShift uint
	TrackingBlockMaximumCount uint64

	ChunkMinimumShift      uint
	ChunkMaximumShift      uint
	ChunkMaximumCountShift uint
	ChunkMaximumInQueue    int

	FreeDiffBufferPoolSize int
	DiffStorageMinimum     uint64
}

// DefaultConfig returns the spec-mandated default configuration.
func DefaultConfig() Config {
	p := config.DefaultParams()
	return Config{
		TrackingBlockMinimumShift: p.TrackingBlockMinimumShift,
		TrackingBlockMaximumShift: p.TrackingBlockMaximumShift,
		TrackingBlockMaximumCount: p.TrackingBlockMaximumCount,
		ChunkMinimumShift:         p.ChunkMinimumShift,
		ChunkMaximumShift:         p.ChunkMaximumShift,
		ChunkMaximumCountShift:    p.ChunkMaximumCountShift,
		ChunkMaximumInQueue:       p.ChunkMaximumInQueue,
		FreeDiffBufferPoolSize:    p.FreeDiffBufferPoolSize,
		DiffStorageMinimum:        p.DiffStorageMinimum,
	}
}

// toParams converts the public Config to the internal config.Params the
// engine's internal packages consume, validating/clamping along the
// way.
func (c Config) toParams() config.Params {
	p := config.Params{
		TrackingBlockMinimumShift: c.TrackingBlockMinimumShift,
		TrackingBlockMaximumShift: c.TrackingBlockMaximumShift,
		TrackingBlockMaximumCount: c.TrackingBlockMaximumCount,
		ChunkMinimumShift:         c.ChunkMinimumShift,
		ChunkMaximumShift:         c.ChunkMaximumShift,
		ChunkMaximumCountShift:    c.ChunkMaximumCountShift,
		ChunkMaximumInQueue:       c.ChunkMaximumInQueue,
		FreeDiffBufferPoolSize:    c.FreeDiffBufferPoolSize,
		DiffStorageMinimum:        c.DiffStorageMinimum,
	}
	p.Validate()
	return p
}
