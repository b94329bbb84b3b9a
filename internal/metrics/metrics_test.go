package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCardCounters(t *testing.T) {
	m := New()

	snap := m.Snapshot()
	assert.Equal(t, uint64(0), snap.TotalOps)

	m.RecordRead(1024, 1_000_000, true)
	m.RecordWrite(2048, 2_000_000, true)
	m.RecordRead(512, 500_000, false)

	snap = m.Snapshot()
	assert.Equal(t, uint64(2), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(1024), snap.ReadBytes, "only successful reads count bytes")
	assert.Equal(t, uint64(2048), snap.WriteBytes)
	assert.Equal(t, uint64(1), snap.ReadErrors)
	assert.Equal(t, uint64(0), snap.WriteErrors)

	expectedErrorRate := float64(1) / float64(3) * 100.0
	assert.InDelta(t, expectedErrorRate, snap.ErrorRate, 0.1)
}

func TestCacheDepthTracking(t *testing.T) {
	m := New()
	m.RecordCacheDepth(10)
	m.RecordCacheDepth(512)
	m.RecordCacheDepth(100)

	snap := m.Snapshot()
	assert.Equal(t, uint32(512), snap.MaxCacheDepth)
	assert.InDelta(t, (10.0+512.0+100.0)/3.0, snap.AvgCacheDepth, 0.001)
}

func TestErasesAndFlushesTrackedSeparately(t *testing.T) {
	m := New()
	m.RecordErase(1_200_000_000, true)
	m.RecordErase(200_000_000, false)
	m.RecordFlush(10_000, true)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.EraseOps)
	assert.Equal(t, uint64(1), snap.EraseErrors)
	assert.Equal(t, uint64(1), snap.FlushOps)
	assert.Equal(t, uint64(0), snap.FlushErrors)
}

func TestCardObserverDelegates(t *testing.T) {
	m := New()
	obs := NewCardObserver(m)

	var o Observer = obs
	o.ObserveRead(100, 1000, true)
	o.ObserveWrite(200, 2000, true)
	o.ObserveErase(3000, true)
	o.ObserveFlush(4000, true)
	o.ObserveCacheDepth(42)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(1), snap.EraseOps)
	assert.Equal(t, uint64(1), snap.FlushOps)
	assert.Equal(t, uint32(42), snap.MaxCacheDepth)
}

func TestResetClearsCounters(t *testing.T) {
	m := New()
	m.RecordRead(10, 10, true)
	m.Reset()
	snap := m.Snapshot()
	assert.Equal(t, uint64(0), snap.TotalOps)
	assert.Equal(t, uint64(0), snap.ReadBytes)
}
