// Package metrics tracks SD-card I/O performance and error statistics:
// block reads/writes, erases, and the streaming writer's cache occupancy.
// Counters are lock-free atomics so the SD driver and streaming writer can
// record from the single foreground loop without contention, and a
// snapshot can be taken from a debug/telemetry path at any time.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering the range from a fast single-block write (~1ms) to a card stuck
// in the worst-case busy stall the streaming writer is designed to absorb
// (multi-second).
var LatencyBuckets = []uint64{
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	500_000_000,    // 500ms (CMD_TIMEOUT)
	1_500_000_000,  // 1.5s (RW_TIMEOUT)
	5_000_000_000,  // 5s
	15_000_000_000, // 15s (ERASE_TIMEOUT order of magnitude)
}

const numLatencyBuckets = 8

// Card tracks performance and operational statistics for one SD card
// descriptor's worth of I/O.
type Card struct {
	ReadOps   atomic.Uint64
	WriteOps  atomic.Uint64
	EraseOps  atomic.Uint64
	FlushOps  atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	EraseErrors atomic.Uint64
	FlushErrors atomic.Uint64

	// CacheDepthTotal/Count/Max track the streaming writer's pending-block
	// cache occupancy, sampled on every cached write.
	CacheDepthTotal atomic.Uint64
	CacheDepthCount atomic.Uint64
	MaxCacheDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// New creates a new Card metrics instance with StartTime set to now.
func New() *Card {
	m := &Card{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Card) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Card) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Card) RecordErase(latencyNs uint64, success bool) {
	m.EraseOps.Add(1)
	if !success {
		m.EraseErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Card) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCacheDepth records the streaming writer's cache_n at a given moment.
func (m *Card) RecordCacheDepth(depth uint32) {
	m.CacheDepthTotal.Add(uint64(depth))
	m.CacheDepthCount.Add(1)
	for {
		current := m.MaxCacheDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxCacheDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Card) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the card as no longer in use (e.g. stream_close or unmount).
func (m *Card) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time readout of Card's counters.
type Snapshot struct {
	ReadOps, WriteOps, EraseOps, FlushOps       uint64
	ReadBytes, WriteBytes                       uint64
	ReadErrors, WriteErrors, EraseErrors, FlushErrors uint64
	AvgCacheDepth                                float64
	MaxCacheDepth                                uint32
	AvgLatencyNs                                 uint64
	UptimeNs                                     uint64
	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns    uint64
	LatencyHistogram                             [numLatencyBuckets]uint64
	TotalOps, TotalBytes                         uint64
	ErrorRate                                    float64
}

// Snapshot captures the current counter values and derives rates.
func (m *Card) Snapshot() Snapshot {
	s := Snapshot{
		ReadOps:      m.ReadOps.Load(),
		WriteOps:     m.WriteOps.Load(),
		EraseOps:     m.EraseOps.Load(),
		FlushOps:     m.FlushOps.Load(),
		ReadBytes:    m.ReadBytes.Load(),
		WriteBytes:   m.WriteBytes.Load(),
		ReadErrors:   m.ReadErrors.Load(),
		WriteErrors:  m.WriteErrors.Load(),
		EraseErrors:  m.EraseErrors.Load(),
		FlushErrors:  m.FlushErrors.Load(),
		MaxCacheDepth: m.MaxCacheDepth.Load(),
	}

	s.TotalOps = s.ReadOps + s.WriteOps + s.EraseOps + s.FlushOps
	s.TotalBytes = s.ReadBytes + s.WriteBytes

	if count := m.CacheDepthCount.Load(); count > 0 {
		s.AvgCacheDepth = float64(m.CacheDepthTotal.Load()) / float64(count)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start := m.StartTime.Load()
	if stop := m.StopTime.Load(); stop > 0 {
		s.UptimeNs = uint64(stop - start)
	} else {
		s.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	totalErrors := s.ReadErrors + s.WriteErrors + s.EraseErrors + s.FlushErrors
	if s.TotalOps > 0 {
		s.ErrorRate = float64(totalErrors) / float64(s.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		s.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		s.LatencyP50Ns = m.percentile(0.50)
		s.LatencyP99Ns = m.percentile(0.99)
		s.LatencyP999Ns = m.percentile(0.999)
	}

	return s
}

// percentile estimates the latency at the given percentile (0.0-1.0) by
// linear interpolation within the histogram bucket that crosses it.
func (m *Card) percentile(p float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters; useful between test cases.
func (m *Card) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.EraseOps.Store(0)
	m.FlushOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.EraseErrors.Store(0)
	m.FlushErrors.Store(0)
	m.CacheDepthTotal.Store(0)
	m.CacheDepthCount.Store(0)
	m.MaxCacheDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, implemented by Card via
// CardObserver or by a no-op for callers that don't care.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveErase(latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveCacheDepth(depth uint32)
}

type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveErase(uint64, bool)         {}
func (NoOpObserver) ObserveFlush(uint64, bool)         {}
func (NoOpObserver) ObserveCacheDepth(uint32)          {}

// CardObserver implements Observer on top of a Card.
type CardObserver struct {
	card *Card
}

func NewCardObserver(c *Card) *CardObserver { return &CardObserver{card: c} }

func (o *CardObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.card.RecordRead(bytes, latencyNs, success)
}
func (o *CardObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.card.RecordWrite(bytes, latencyNs, success)
}
func (o *CardObserver) ObserveErase(latencyNs uint64, success bool) {
	o.card.RecordErase(latencyNs, success)
}
func (o *CardObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.card.RecordFlush(latencyNs, success)
}
func (o *CardObserver) ObserveCacheDepth(depth uint32) {
	o.card.RecordCacheDepth(depth)
}

var _ Observer = (*CardObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
