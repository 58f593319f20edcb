package vmmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vmscaled/internal/hypervisor"
	"vmscaled/internal/model"
	"vmscaled/internal/vm"
	"vmscaled/internal/vmerrors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	hv := hypervisor.New("qemu:///system", time.Second, 0, zap.NewNop())
	return New(hv, t.TempDir(), time.Second, zap.NewNop())
}

func testVMConfig(name string) model.VMConfig {
	return model.VMConfig{
		Name:          name,
		DiskImagePath: "/nonexistent/" + name + ".qcow2",
		VCPUs:         2,
		MemoryMiB:     2048,
		NetworkBridge: "br0",
	}
}

// insert registers a synthetic VM record directly, the way Reload
// would, so tests can exercise registry behavior without a hypervisor.
func (m *Manager) insert(t *testing.T, name string, status model.VMStatus) *vm.VM {
	t.Helper()
	v := vm.NewExisting(m.hv, testVMConfig(name), [16]byte{}, status, nil, m.cgroupRoot, m.logger)
	m.mu.Lock()
	m.vms[name] = v
	m.mu.Unlock()
	return v
}

func TestCreateVMFailureReleasesNameReservation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateVM(ctx, testVMConfig("vm1"))
	require.Error(t, err)
	assert.Equal(t, vmerrors.KindConfiguration, vmerrors.KindOf(err), "missing disk image is a configuration error")

	// The name must be free again: a retry hits the same image error,
	// not an already-exists error.
	_, err = m.CreateVM(ctx, testVMConfig("vm1"))
	require.Error(t, err)
	assert.Equal(t, vmerrors.KindConfiguration, vmerrors.KindOf(err))
}

func TestCreateVMRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t)
	m.insert(t, "vm1", model.StatusStopped)

	_, err := m.CreateVM(context.Background(), testVMConfig("vm1"))
	require.Error(t, err)
	assert.Equal(t, vmerrors.KindConfiguration, vmerrors.KindOf(err))
}

func TestGetUnknownVMIsDomainNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get("ghost")
	require.Error(t, err)
	assert.Equal(t, vmerrors.KindDomainNotFound, vmerrors.KindOf(err))
}

func TestLimitProviderMissesUnregisteredVM(t *testing.T) {
	m := newTestManager(t)
	_, ok := m.Limit("ghost", model.ResourceCPU)
	assert.False(t, ok)
}

func TestLimitProviderReadsRegisteredVM(t *testing.T) {
	m := newTestManager(t)
	m.insert(t, "vm1", model.StatusRunning)

	l, ok := m.Limit("vm1", model.ResourceCPU)
	require.True(t, ok)
	assert.Equal(t, 2.0, l.Current)
}

func TestRemoveVMUnknownNameIsDomainNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RemoveVM(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, vmerrors.KindDomainNotFound, vmerrors.KindOf(err))
}

func TestRemoveVMKeepsRecordWhenHypervisorUnreachable(t *testing.T) {
	m := newTestManager(t)
	m.insert(t, "vm1", model.StatusStopped)

	// A dead context makes the lookup fail before undefine; the VM must
	// stay registered so removal can be retried.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.RemoveVM(ctx, "vm1")
	require.Error(t, err)

	_, err = m.Get("vm1")
	assert.NoError(t, err)
}

func TestHealthPassNotifiesStatusOnce(t *testing.T) {
	m := newTestManager(t)
	m.insert(t, "vm1", model.StatusStopped)

	var mu sync.Mutex
	var seen []model.VMStatus
	m.OnStatusChange(func(name string, status model.VMStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, status)
	})

	ctx := context.Background()
	m.runHealthPass(ctx)
	m.runHealthPass(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1, "an unchanged status must only be notified on first observation")
	assert.Equal(t, model.StatusStopped, seen[0])
}

func TestListReturnsAllRegistered(t *testing.T) {
	m := newTestManager(t)
	m.insert(t, "vm1", model.StatusStopped)
	m.insert(t, "vm2", model.StatusRunning)

	assert.Len(t, m.List(), 2)
}
