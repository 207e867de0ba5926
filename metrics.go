package blksnap

import (
	"sync/atomic"
	"time"

	"github.com/veeam/blksnap-go/internal/interfaces"
)

// latencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var latencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks the engine's per-snapshot operational statistics: COW
// preservation work, diff-storage stores, and snapshot-image I/O.
type Metrics struct {
	// Operation counters
	CowOps        atomic.Uint64 // chunks preserved via copy-on-write
	StoreOps      atomic.Uint64 // chunks persisted to diff storage
	ImageReadOps  atomic.Uint64
	ImageWriteOps atomic.Uint64

	// Byte counters
	CowBytes        atomic.Uint64
	StoreBytes      atomic.Uint64
	ImageReadBytes  atomic.Uint64
	ImageWriteBytes atomic.Uint64

	// Error counters
	CowErrors        atomic.Uint64
	StoreErrors      atomic.Uint64
	ImageReadErrors  atomic.Uint64
	ImageWriteErrors atomic.Uint64

	// Queue statistics (store queue and image-io queue depth samples)
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts): bucket[i] holds the
	// count of operations with latency <= latencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCow records a copy-on-write preservation.
func (m *Metrics) RecordCow(bytes uint64, latencyNs uint64, success bool) {
	m.CowOps.Add(1)
	if success {
		m.CowBytes.Add(bytes)
	} else {
		m.CowErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordStore records a diff-storage store of an IN_MEMORY chunk.
func (m *Metrics) RecordStore(bytes uint64, latencyNs uint64, success bool) {
	m.StoreOps.Add(1)
	if success {
		m.StoreBytes.Add(bytes)
	} else {
		m.StoreErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordImageRead records a snapshot-image read.
func (m *Metrics) RecordImageRead(bytes uint64, latencyNs uint64, success bool) {
	m.ImageReadOps.Add(1)
	if success {
		m.ImageReadBytes.Add(bytes)
	} else {
		m.ImageReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordImageWrite records a snapshot-image write.
func (m *Metrics) RecordImageWrite(bytes uint64, latencyNs uint64, success bool) {
	m.ImageWriteOps.Add(1)
	if success {
		m.ImageWriteBytes.Add(bytes)
	} else {
		m.ImageWriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records current queue depth for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range latencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the snapshot's metrics as stopped (e.g. on destroy).
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	CowOps        uint64
	StoreOps      uint64
	ImageReadOps  uint64
	ImageWriteOps uint64

	CowBytes        uint64
	StoreBytes      uint64
	ImageReadBytes  uint64
	ImageWriteBytes uint64

	CowErrors        uint64
	StoreErrors      uint64
	ImageReadErrors  uint64
	ImageWriteErrors uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CowOps:           m.CowOps.Load(),
		StoreOps:         m.StoreOps.Load(),
		ImageReadOps:     m.ImageReadOps.Load(),
		ImageWriteOps:    m.ImageWriteOps.Load(),
		CowBytes:         m.CowBytes.Load(),
		StoreBytes:       m.StoreBytes.Load(),
		ImageReadBytes:   m.ImageReadBytes.Load(),
		ImageWriteBytes:  m.ImageWriteBytes.Load(),
		CowErrors:        m.CowErrors.Load(),
		StoreErrors:      m.StoreErrors.Load(),
		ImageReadErrors:  m.ImageReadErrors.Load(),
		ImageWriteErrors: m.ImageWriteErrors.Load(),
		MaxQueueDepth:    m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.CowOps + snap.StoreOps + snap.ImageReadOps + snap.ImageWriteOps
	snap.TotalBytes = snap.CowBytes + snap.StoreBytes + snap.ImageReadBytes + snap.ImageWriteBytes

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.CowErrors + snap.StoreErrors + snap.ImageReadErrors + snap.ImageWriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range latencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return latencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing and for
// collect/re-take cycles).
func (m *Metrics) Reset() {
	m.CowOps.Store(0)
	m.StoreOps.Store(0)
	m.ImageReadOps.Store(0)
	m.ImageWriteOps.Store(0)
	m.CowBytes.Store(0)
	m.StoreBytes.Store(0)
	m.ImageReadBytes.Store(0)
	m.ImageWriteBytes.Store(0)
	m.CowErrors.Store(0)
	m.StoreErrors.Store(0)
	m.ImageReadErrors.Store(0)
	m.ImageWriteErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// NoOpObserver is a no-op implementation of interfaces.Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCOW(uint64, uint64, bool)        {}
func (NoOpObserver) ObserveStore(uint64, uint64, bool)      {}
func (NoOpObserver) ObserveImageRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveImageWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveQueueDepth(uint32)               {}

// MetricsObserver implements interfaces.Observer using the built-in
// Metrics type, so SnapshotManager callers get a histogram-backed
// Observer for free without having to hand-roll one.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCOW(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordCow(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveStore(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordStore(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveImageRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordImageRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveImageWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordImageWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = NoOpObserver{}
