// Package telemetry is a passive, non-authoritative subscriber that
// exposes a liveness probe and a Prometheus page summarizing what the
// monitor, scaling engine, and executor are already doing. Removing it
// changes no scaling or lifecycle behavior.
package telemetry

import (
	"sync/atomic"
	"time"
)

// Status tracks the liveness facts the probe reports: hypervisor
// connectivity and how recently the monitor produced a sample.
type Status struct {
	hypervisorConnected atomic.Bool
	lastVMSampleAt      atomic.Int64
	lastHostSampleAt    atomic.Int64
}

func NewStatus() *Status {
	return &Status{}
}

func (s *Status) SetHypervisorConnected(ok bool) { s.hypervisorConnected.Store(ok) }

func (s *Status) MarkVMSample(ts time.Time)   { s.lastVMSampleAt.Store(ts.UnixNano()) }
func (s *Status) MarkHostSample(ts time.Time) { s.lastHostSampleAt.Store(ts.UnixNano()) }

// Snapshot renders the current status as a JSON-marshalable map.
func (s *Status) Snapshot() map[string]any {
	out := map[string]any{
		"hypervisor_connected": s.hypervisorConnected.Load(),
	}
	if v := s.lastVMSampleAt.Load(); v > 0 {
		out["last_vm_sample_at"] = time.Unix(0, v).UTC()
	}
	if v := s.lastHostSampleAt.Load(); v > 0 {
		out["last_host_sample_at"] = time.Unix(0, v).UTC()
	}
	return out
}
