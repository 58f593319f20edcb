package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vmscaled/internal/model"
	"vmscaled/internal/vm"
	"vmscaled/internal/vmerrors"
)

type call struct {
	op   string
	name string
}

type fakeOps struct {
	mu    sync.Mutex
	calls []call

	scaleCPUErr func(attempt int) error
	attempts    map[string]int
}

func newFakeOps() *fakeOps {
	return &fakeOps{attempts: make(map[string]int)}
}

func (f *fakeOps) record(op, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op, name})
}

func (f *fakeOps) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeOps) ScaleCPU(ctx context.Context, name string, vcpus float64) error {
	f.record("ScaleCPU", name)
	f.mu.Lock()
	f.attempts[name]++
	attempt := f.attempts[name]
	f.mu.Unlock()
	if f.scaleCPUErr != nil {
		return f.scaleCPUErr(attempt)
	}
	return nil
}

func (f *fakeOps) ScaleMemory(ctx context.Context, name string, memoryMiB float64) error {
	f.record("ScaleMemory", name)
	return nil
}

func (f *fakeOps) ApplyLimit(ctx context.Context, name string, kind model.ResourceKind, amount float64) error {
	f.record("ApplyLimit", name)
	return nil
}

func (f *fakeOps) MigrateVM(ctx context.Context, name, destURI string, opts vm.MigrateOptions) error {
	f.record("MigrateVM", name)
	return nil
}

func (f *fakeOps) PauseVM(ctx context.Context, name string) error {
	f.record("PauseVM", name)
	return nil
}

func (f *fakeOps) ResumeVM(ctx context.Context, name string) error {
	f.record("ResumeVM", name)
	return nil
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestExecutorAppliesScaleUpDecision(t *testing.T) {
	ops := newFakeOps()
	e := New(ops, "", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Submit(model.ScalingDecision{VMName: "vm1", Action: model.ActionScaleUp, ResourceKind: model.ResourceCPU, Amount: 3})

	waitFor(t, func() bool { return ops.count() == 1 }, time.Second)
	ops.mu.Lock()
	assert.Equal(t, "ScaleCPU", ops.calls[0].op)
	ops.mu.Unlock()
}

func TestExecutorPerVMCooldownDropsSecondDecision(t *testing.T) {
	ops := newFakeOps()
	e := New(ops, "", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Submit(model.ScalingDecision{VMName: "vm1", Action: model.ActionScaleUp, ResourceKind: model.ResourceCPU, Amount: 3})
	waitFor(t, func() bool { return ops.count() == 1 }, time.Second)

	e.Submit(model.ScalingDecision{VMName: "vm1", Action: model.ActionScaleDown, ResourceKind: model.ResourceCPU, Amount: 1})
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, ops.count(), "second decision for the same vm within the cooldown must be dropped, not executed")
}

func TestExecutorRetriesOnceThenAbandons(t *testing.T) {
	old := retryDelay
	retryDelay = 10 * time.Millisecond
	defer func() { retryDelay = old }()

	ops := newFakeOps()
	ops.scaleCPUErr = func(attempt int) error {
		return vmerrors.New(vmerrors.KindHypervisor, "transient failure")
	}
	e := New(ops, "", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Submit(model.ScalingDecision{VMName: "vm1", Action: model.ActionScaleUp, ResourceKind: model.ResourceCPU, Amount: 3})

	waitFor(t, func() bool { return len(e.Abandoned()) == 1 }, 2*time.Second)
	assert.Equal(t, 2, ops.count(), "decision should be attempted once, then retried exactly once")
}

func TestExecutorDomainNotFoundDropsWithoutRetry(t *testing.T) {
	ops := newFakeOps()
	ops.scaleCPUErr = func(attempt int) error {
		return vmerrors.New(vmerrors.KindDomainNotFound, "vm gone")
	}
	e := New(ops, "", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Submit(model.ScalingDecision{VMName: "vm1", Action: model.ActionScaleUp, ResourceKind: model.ResourceCPU, Amount: 3})
	waitFor(t, func() bool { return ops.count() == 1 }, time.Second)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, ops.count(), "a DomainNotFound failure must be dropped, never retried")
	assert.Empty(t, e.Abandoned())
}

func TestExecutorDrainsOnShutdown(t *testing.T) {
	ops := newFakeOps()
	e := New(ops, "", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(runDone)
	}()

	e.Submit(model.ScalingDecision{VMName: "vm1", Action: model.ActionScaleUp, ResourceKind: model.ResourceCPU, Amount: 3})
	waitFor(t, func() bool { return ops.count() == 1 }, time.Second)

	e.Submit(model.ScalingDecision{VMName: "vm2", Action: model.ActionScaleUp, ResourceKind: model.ResourceCPU, Amount: 2})
	cancel()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("executor did not stop after context cancellation")
	}

	// A decision submitted after shutdown is a no-op.
	e.Submit(model.ScalingDecision{VMName: "vm3", Action: model.ActionScaleUp, ResourceKind: model.ResourceCPU, Amount: 1})
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, ops.count(), 2)
}
