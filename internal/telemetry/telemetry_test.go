package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vmscaled/internal/model"
)

func TestStatusSnapshotShape(t *testing.T) {
	s := NewStatus()
	snap := s.Snapshot()
	assert.Equal(t, false, snap["hypervisor_connected"])
	assert.NotContains(t, snap, "last_vm_sample_at")

	s.SetHypervisorConnected(true)
	s.MarkVMSample(time.Now())
	s.MarkHostSample(time.Now())

	snap = s.Snapshot()
	assert.Equal(t, true, snap["hypervisor_connected"])
	assert.Contains(t, snap, "last_vm_sample_at")
	assert.Contains(t, snap, "last_host_sample_at")
}

func TestHealthzEndpointServesJSON(t *testing.T) {
	status := NewStatus()
	status.SetHypervisorConnected(true)
	p := NewProbe("127.0.0.1:0", status, NewMetrics(), zap.NewNop())

	rec := httptest.NewRecorder()
	p.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["hypervisor_connected"])
}

func TestMetricsObserveAndGather(t *testing.T) {
	m := NewMetrics()

	m.ObserveHost(model.HostMetrics{CPULoad1: 1.5, AvailMemoryBytes: 1 << 30, DiskUsedPercent: 42})

	vmm := model.NewVMMetrics("vm1")
	vmm.Push(model.ResourceUsage{CPUPercent: 55, ResidentMemory: 512, MemoryBudget: 1024})
	m.ObserveVM(*vmm)

	m.ObserveDecision(model.ScalingDecision{VMName: "vm1", Action: model.ActionScaleUp, ResourceKind: model.ResourceCPU})
	m.IncRateLimited()
	m.IncExecutorSuccess()
	m.IncExecutorRetry()
	m.IncExecutorAbandoned()
	m.IncCgroupWriteFailure("cpu")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["vmscaled_host_cpu_load1"])
	assert.True(t, names["vmscaled_vm_cpu_percent"])
	assert.True(t, names["vmscaled_scaling_decisions_emitted_total"])
	assert.True(t, names["vmscaled_executor_applied_total"])
	assert.True(t, names["vmscaled_cgroup_write_failures_total"])
}
