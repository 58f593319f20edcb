// Package executor serializes ScalingDecision application against the
// hypervisor: a single FIFO worker with a per-VM execution rate limit
// and a bounded one-shot retry.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vmscaled/internal/model"
	"vmscaled/internal/vm"
	"vmscaled/internal/vmerrors"
)

const (
	abandonedCapacity = 1000
)

// executionCooldown, retryDelay, and wakeupBudget are vars (not
// consts) so tests can shrink them instead of sleeping for the
// production durations; production code never reassigns them.
var (
	executionCooldown = 30 * time.Second
	retryDelay        = 5 * time.Second
	wakeupBudget      = 100 * time.Millisecond
)

// VMOperations is the narrow slice of the VM manager the Executor is
// allowed to call; the Executor never holds *vm.VM references of its
// own.
type VMOperations interface {
	ScaleCPU(ctx context.Context, name string, vcpus float64) error
	ScaleMemory(ctx context.Context, name string, memoryMiB float64) error
	ApplyLimit(ctx context.Context, name string, kind model.ResourceKind, amount float64) error
	MigrateVM(ctx context.Context, name, destURI string, opts vm.MigrateOptions) error
	PauseVM(ctx context.Context, name string) error
	ResumeVM(ctx context.Context, name string) error
}

type task struct {
	decision model.ScalingDecision
	retried  bool
}

// Observer receives outcome counts for the Telemetry Exporter. Nil is
// a valid Executor state; observation is a pure side effect.
type Observer interface {
	IncExecutorSuccess()
	IncExecutorRetry()
	IncExecutorAbandoned()
}

// Executor owns the decision queue and the single worker that drains
// it. Submit is safe to call from any goroutine; Run must only be
// called once.
type Executor struct {
	mu     sync.Mutex
	queue  []task
	wake   chan struct{}
	closed bool

	mgr     VMOperations
	destURI string
	logger  *zap.Logger
	obs     Observer

	lastExecAt map[string]time.Time

	abandonedMu sync.Mutex
	abandoned   []model.ScalingDecision
}

// New constructs an Executor. destURI is the configured live-migration
// destination used for Migrate decisions.
func New(mgr VMOperations, destURI string, logger *zap.Logger) *Executor {
	return &Executor{
		wake:       make(chan struct{}, 1),
		mgr:        mgr,
		destURI:    destURI,
		logger:     logger,
		lastExecAt: make(map[string]time.Time),
	}
}

// Submit enqueues a decision for execution. It is a no-op once the
// Executor has started draining.
func (e *Executor) Submit(d model.ScalingDecision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, task{decision: d})
	e.signal()
}

// SetObserver wires a Telemetry Exporter observer. Must be called
// before Run starts, since it is read without a lock afterward.
func (e *Executor) SetObserver(obs Observer) { e.obs = obs }

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Abandoned returns decisions that failed twice and were given up on.
func (e *Executor) Abandoned() []model.ScalingDecision {
	e.abandonedMu.Lock()
	defer e.abandonedMu.Unlock()
	out := make([]model.ScalingDecision, len(e.abandoned))
	copy(out, e.abandoned)
	return out
}

// Run drains the queue until ctx is cancelled. On cancellation it
// stops accepting new work, finishes whatever decision is currently
// in flight, and discards everything still queued.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(wakeupBudget)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.closed = true
			e.queue = nil
			e.mu.Unlock()
			return ctx.Err()
		default:
		}

		t, ok := e.dequeue()
		if ok {
			e.execute(t)
			continue
		}

		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.closed = true
			e.queue = nil
			e.mu.Unlock()
			return ctx.Err()
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

func (e *Executor) dequeue() (task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return task{}, false
	}
	t := e.queue[0]
	e.queue = e.queue[1:]
	return t, true
}

func (e *Executor) execute(t task) {
	name := t.decision.VMName

	e.mu.Lock()
	last, seen := e.lastExecAt[name]
	e.mu.Unlock()
	if seen && time.Since(last) < executionCooldown {
		e.logger.Debug("executor: rate-limited, dropping decision", zap.String("vm", name))
		return
	}

	// In-flight work runs against a fresh context rather than one
	// tied to the caller's cancellation, so a shutdown mid-apply does
	// not abort the decision that is already being applied.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := e.apply(ctx, t.decision)
	if err == nil {
		e.mu.Lock()
		e.lastExecAt[name] = time.Now()
		e.mu.Unlock()
		if e.obs != nil {
			e.obs.IncExecutorSuccess()
		}
		return
	}

	if vmerrors.KindOf(err) == vmerrors.KindDomainNotFound {
		e.logger.Info("executor: vm no longer registered, dropping decision", zap.String("vm", name), zap.Error(err))
		return
	}

	if t.retried {
		e.logger.Error("executor: decision failed twice, abandoning", zap.String("vm", name), zap.Error(err))
		e.abandonedMu.Lock()
		e.abandoned = append(e.abandoned, t.decision)
		if len(e.abandoned) > abandonedCapacity {
			e.abandoned = e.abandoned[len(e.abandoned)-abandonedCapacity:]
		}
		e.abandonedMu.Unlock()
		if e.obs != nil {
			e.obs.IncExecutorAbandoned()
		}
		return
	}

	if e.obs != nil {
		e.obs.IncExecutorRetry()
	}
	e.logger.Warn("executor: decision failed, scheduling one retry", zap.String("vm", name), zap.Error(err))
	retryTask := task{decision: t.decision, retried: true}
	time.AfterFunc(retryDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		e.queue = append(e.queue, retryTask)
		e.signal()
	})
}

func (e *Executor) apply(ctx context.Context, d model.ScalingDecision) error {
	switch d.Action {
	case model.ActionScaleUp, model.ActionScaleDown:
		switch d.ResourceKind {
		case model.ResourceCPU:
			return e.mgr.ScaleCPU(ctx, d.VMName, d.Amount)
		case model.ResourceMemory:
			return e.mgr.ScaleMemory(ctx, d.VMName, d.Amount)
		default:
			return e.mgr.ApplyLimit(ctx, d.VMName, d.ResourceKind, d.Amount)
		}
	case model.ActionMigrate:
		return e.mgr.MigrateVM(ctx, d.VMName, e.destURI, vm.MigrateOptions{Live: true, PersistDest: true, UndefineSource: true})
	case model.ActionSuspend:
		return e.mgr.PauseVM(ctx, d.VMName)
	case model.ActionResume:
		return e.mgr.ResumeVM(ctx, d.VMName)
	default:
		return vmerrors.New(vmerrors.KindInternal, "executor: unhandled action "+d.Action.String())
	}
}
