package model

import "time"

// HostMetrics is one sample of whole-host telemetry, derived from
// /proc/stat, /proc/meminfo, and statvfs("/").
type HostMetrics struct {
	Timestamp        time.Time
	TotalMemoryBytes uint64
	FreeMemoryBytes  uint64
	AvailMemoryBytes uint64
	CPUPercent       float64
	CPULoad1         float64
	CPULoad5         float64
	CPULoad15        float64
	DiskUsedPercent  float64
	IOReadBPS        float64
	IOWriteBPS       float64
	NetRxBPS         float64
	NetTxBPS         float64
}
