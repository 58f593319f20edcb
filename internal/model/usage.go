package model

import "time"

// ResourceUsage is one immutable sample of a VM's resource consumption.
type ResourceUsage struct {
	CPUPercent     float64 // 0-100 * vCPU count
	ResidentMemory uint64  // bytes
	MemoryBudget   uint64  // bytes, USABLE balloon tag
	IOReadBPS      float64
	IOWriteBPS     float64
	NetRxBPS       float64
	NetTxBPS       float64
	TimestampMono  time.Time
	TimestampWall  time.Time
}
