package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVMMetricsLongHistoryTrimsToCap(t *testing.T) {
	m := NewVMMetrics("vm1")
	for i := 0; i < LongHistoryCapacity+100; i++ {
		m.Push(ResourceUsage{CPUPercent: float64(i % 100), TimestampWall: time.Now()})
	}
	assert.Len(t, m.LongHistory, LongHistoryCapacity)
}

func TestVMMetricsShortRingsBoundedAtCapacity(t *testing.T) {
	m := NewVMMetrics("vm1")
	for i := 0; i < ShortRingCapacity+50; i++ {
		m.Push(ResourceUsage{CPUPercent: 50, ResidentMemory: 500, MemoryBudget: 1000})
	}
	assert.Equal(t, ShortRingCapacity, m.CPUHistory.Len())
	assert.Equal(t, ShortRingCapacity, m.MemHistory.Len())
}

func TestVMMetricsLongTailMeanUsesTail(t *testing.T) {
	m := NewVMMetrics("vm1")
	// 50 older points at 0%, then a hot tail.
	for i := 0; i < 50; i++ {
		m.Push(ResourceUsage{CPUPercent: 0})
	}
	for i := 0; i < 50; i++ {
		m.Push(ResourceUsage{CPUPercent: 100})
	}
	// Full history is 100 points, all inside the 15-min window.
	assert.InDelta(t, 50.0, m.CPUAvg15Min, 0.001)
}

func TestVMMetricsMemPercentFromBalloonTags(t *testing.T) {
	m := NewVMMetrics("vm1")
	m.Push(ResourceUsage{ResidentMemory: 512, MemoryBudget: 1024})
	require.Equal(t, 1, m.MemHistory.Len())
	assert.InDelta(t, 50.0, m.MemHistory.Latest(), 0.001)

	// A zero budget must not divide by zero.
	m.Push(ResourceUsage{ResidentMemory: 512, MemoryBudget: 0})
	assert.Equal(t, 0.0, m.MemHistory.Latest())
}
