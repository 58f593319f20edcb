package model

import "time"

// VMSnapshot is metadata for one point-in-time snapshot of a VM.
type VMSnapshot struct {
	Name         string
	Description  string
	CreatedAt    time.Time
	Parent       string // empty if no parent
	DiskSizeByte uint64
	StatusAtTime VMStatus
}
