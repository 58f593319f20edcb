package vm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vmscaled/internal/hypervisor"
	"vmscaled/internal/model"
	"vmscaled/internal/vmerrors"
)

func newTestVM(t *testing.T) *VM {
	t.Helper()
	hv := hypervisor.New("qemu:///system", time.Second, 0, zap.NewNop())
	return NewPending(hv, testConfig(), t.TempDir(), zap.NewNop())
}

func TestNewPendingStartsStopped(t *testing.T) {
	v := newTestVM(t)
	assert.Equal(t, model.StatusStopped, v.Status())
	assert.Equal(t, "vm1", v.Name())
}

func TestDefaultLimitsFollowConfig(t *testing.T) {
	v := newTestVM(t)

	cpu, ok := v.Limit(model.ResourceCPU)
	require.True(t, ok)
	assert.Equal(t, 2.0, cpu.Current)
	assert.Equal(t, 1.0, cpu.Min)
	assert.Equal(t, 8.0, cpu.Max)

	mem, ok := v.Limit(model.ResourceMemory)
	require.True(t, ok)
	assert.Equal(t, 2048.0, mem.Current)
}

func TestDefaultLimitsHonorInitialOverrides(t *testing.T) {
	cfg := testConfig()
	cfg.InitialLimits = []model.ResourceLimit{
		{Kind: model.ResourceCPU, Min: 1, Max: 16, Current: 2, Unit: "cores"},
	}
	hv := hypervisor.New("qemu:///system", time.Second, 0, zap.NewNop())
	v := NewPending(hv, cfg, t.TempDir(), zap.NewNop())

	cpu, ok := v.Limit(model.ResourceCPU)
	require.True(t, ok)
	assert.Equal(t, 16.0, cpu.Max)
}

func TestLimitReturnsCopy(t *testing.T) {
	v := newTestVM(t)
	l, ok := v.Limit(model.ResourceCPU)
	require.True(t, ok)

	l.Current = 99
	again, _ := v.Limit(model.ResourceCPU)
	assert.Equal(t, 2.0, again.Current, "mutating the returned limit must not affect the VM")
}

func TestSetLimitRejectsInvalid(t *testing.T) {
	v := newTestVM(t)
	err := v.SetLimit(model.ResourceCPU, model.ResourceLimit{Kind: model.ResourceCPU, Min: 4, Max: 2, Current: 3})
	require.Error(t, err)
	assert.Equal(t, vmerrors.KindConfiguration, vmerrors.KindOf(err))
}

func TestCreateFailsWithoutDiskImage(t *testing.T) {
	v := newTestVM(t)
	err := v.Create(context.Background())
	require.Error(t, err)
	assert.Equal(t, vmerrors.KindConfiguration, vmerrors.KindOf(err))
	assert.Equal(t, model.StatusError, v.Status())
}

func TestOperationsRejectWrongSourceState(t *testing.T) {
	ctx := context.Background()
	v := newTestVM(t)

	// Stopped: pause, resume, shutdown, destroy are all invalid.
	for _, op := range []func(context.Context) error{v.Pause, v.Resume, v.Shutdown, v.Destroy} {
		err := op(ctx)
		require.Error(t, err)
		assert.Equal(t, vmerrors.KindInvalidState, vmerrors.KindOf(err))
	}
	assert.Equal(t, model.StatusStopped, v.Status(), "a rejected transition must not change state")
}

func TestScaleRejectedWhileStopped(t *testing.T) {
	v := newTestVM(t)
	err := v.ScaleCPU(context.Background(), 4)
	require.Error(t, err)
	assert.Equal(t, vmerrors.KindInvalidState, vmerrors.KindOf(err))
}

func TestMigrateRejectedWhileStopped(t *testing.T) {
	v := newTestVM(t)
	err := v.Migrate(context.Background(), "qemu+ssh://other/system", MigrateOptions{Live: true})
	require.Error(t, err)
	assert.Equal(t, vmerrors.KindInvalidState, vmerrors.KindOf(err))
	assert.Equal(t, model.StatusStopped, v.Status())
}

func TestPruneSnapshotsDropsOnlyStale(t *testing.T) {
	v := newTestVM(t)
	now := time.Now()
	v.snapshots = []model.VMSnapshot{
		{Name: "old", CreatedAt: now.Add(-31 * 24 * time.Hour)},
		{Name: "fresh", CreatedAt: now.Add(-time.Hour)},
	}

	dropped := v.PruneSnapshots(30*24*time.Hour, now)
	assert.Equal(t, 1, dropped)

	remaining := v.Snapshots()
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].Name)
}

func TestStatusFromLibvirtState(t *testing.T) {
	assert.Equal(t, model.StatusRunning, StatusFromLibvirtState(uint8(golibvirt.DomainRunning)))
	assert.Equal(t, model.StatusRunning, StatusFromLibvirtState(uint8(golibvirt.DomainBlocked)))
	assert.Equal(t, model.StatusPaused, StatusFromLibvirtState(uint8(golibvirt.DomainPaused)))
	assert.Equal(t, model.StatusSuspended, StatusFromLibvirtState(uint8(golibvirt.DomainPmsuspended)))
	assert.Equal(t, model.StatusStopped, StatusFromLibvirtState(uint8(golibvirt.DomainShutoff)))
	assert.Equal(t, model.StatusStopped, StatusFromLibvirtState(uint8(golibvirt.DomainCrashed)))
}

func TestCreateRequiresDiskButChecksStateFirst(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "vm1.qcow2")
	require.NoError(t, os.WriteFile(img, []byte("qcow2"), 0o644))

	cfg := testConfig()
	cfg.DiskImagePath = img
	hv := hypervisor.New("qemu:///system", time.Second, 0, zap.NewNop())
	v := NewExisting(hv, cfg, [16]byte{}, model.StatusRunning, nil, dir, zap.NewNop())

	err := v.Create(context.Background())
	require.Error(t, err)
	assert.Equal(t, vmerrors.KindInvalidState, vmerrors.KindOf(err), "create from Running must be rejected before any hypervisor call")
}
