package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatRingEvictsOldest(t *testing.T) {
	r := NewFloatRing(3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	require.Equal(t, 3, r.Len())
	assert.Equal(t, []float64{1, 2, 3}, r.Values())

	r.Push(4)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []float64{2, 3, 4}, r.Values())
	assert.Equal(t, float64(4), r.Latest())
}

func TestFloatRingTailMean(t *testing.T) {
	r := NewFloatRing(5)
	for _, v := range []float64{10, 20, 30, 40} {
		r.Push(v)
	}
	assert.Equal(t, 35.0, r.TailMean(2))
	assert.Equal(t, 25.0, r.TailMean(4))
	assert.Equal(t, 25.0, r.TailMean(100))
}

func TestFloatRingEmpty(t *testing.T) {
	r := NewFloatRing(4)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0.0, r.Latest())
	assert.Equal(t, 0.0, r.TailMean(3))
	assert.Empty(t, r.Values())
}

func TestVMMetricsPushComputesAverages(t *testing.T) {
	m := NewVMMetrics("vm1")
	m.Push(ResourceUsage{CPUPercent: 50, ResidentMemory: 512, MemoryBudget: 1024})
	m.Push(ResourceUsage{CPUPercent: 70, ResidentMemory: 768, MemoryBudget: 1024})

	assert.Equal(t, 70.0, m.Latest.CPUPercent)
	assert.InDelta(t, 60.0, m.CPUAvg5Min, 0.001)
	assert.InDelta(t, 62.5, m.MemAvg5Min, 0.001)
	assert.Len(t, m.LongHistory, 2)
}

func TestResourceLimitClampAndValidate(t *testing.T) {
	l := ResourceLimit{Kind: ResourceCPU, Min: 1, Max: 4, Current: 2}
	assert.NoError(t, l.Validate())
	assert.Equal(t, 4.0, l.Clamp(10))
	assert.Equal(t, 1.0, l.Clamp(0))

	bad := ResourceLimit{Kind: ResourceCPU, Min: 0, Max: 4, Current: 2}
	assert.Error(t, bad.Validate())
}
