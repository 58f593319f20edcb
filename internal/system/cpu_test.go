package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCPUUsageDelta(t *testing.T) {
	prev := CPUCounters{User: 100, System: 50, Idle: 850, Total: 1000}
	cur := CPUCounters{User: 200, System: 100, Idle: 900, Total: 1200}

	// 200 total delta, 50 idle delta -> 75% busy.
	assert.InDelta(t, 75.0, CPUUsage(prev, cur), 0.001)
}

func TestCPUUsageNoProgressIsZero(t *testing.T) {
	c := CPUCounters{User: 100, Idle: 900, Total: 1000}
	assert.Equal(t, 0.0, CPUUsage(c, c))
}

func TestCPUUsageCountsIOWaitAsIdle(t *testing.T) {
	prev := CPUCounters{Idle: 500, IOWait: 100, Total: 1000}
	cur := CPUCounters{Idle: 550, IOWait: 150, Total: 1100}

	// All 100 new ticks were idle or iowait.
	assert.InDelta(t, 0.0, CPUUsage(prev, cur), 0.001)
}
