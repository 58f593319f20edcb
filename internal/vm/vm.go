// Package vm implements the per-domain state machine: one
// mutex-guarded VM per hypervisor domain, owning its cgroup leaf, its
// resource limits, and its snapshot metadata.
package vm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vmscaled/internal/cgroup"
	"vmscaled/internal/hypervisor"
	"vmscaled/internal/model"
	"vmscaled/internal/vmerrors"
)

const (
	restartSettleDelay  = 2 * time.Second
	defaultShutdownWait = 20 * time.Second
)

// VM is the runtime representation of one domain. Every mutator takes
// the per-VM mutex first, guaranteeing at most one transition is in
// flight at a time.
type VM struct {
	mu sync.Mutex

	name       string
	id         uuid.UUID
	status     model.VMStatus
	config     model.VMConfig
	hv         *hypervisor.Handle
	cg         *cgroup.Controller
	cgroupRoot string
	limits     map[model.ResourceKind]*model.ResourceLimit
	snapshots  []model.VMSnapshot
	logger     *zap.Logger
}

// NewPending constructs a VM record in Stopped state with no domain
// defined yet; Create must be called before Start.
func NewPending(hv *hypervisor.Handle, cfg model.VMConfig, cgroupRoot string, logger *zap.Logger) *VM {
	return &VM{
		name:       cfg.Name,
		status:     model.StatusStopped,
		config:     cfg,
		hv:         hv,
		cgroupRoot: cgroupRoot,
		limits:     defaultLimits(cfg),
		logger:     logger,
	}
}

// NewExisting constructs a VM record for a domain libvirt already
// knows about (VMManager.Reload), adopting the given status and cgroup
// controller instead of running Create.
func NewExisting(hv *hypervisor.Handle, cfg model.VMConfig, id uuid.UUID, status model.VMStatus, cg *cgroup.Controller, cgroupRoot string, logger *zap.Logger) *VM {
	return &VM{
		name:       cfg.Name,
		id:         id,
		status:     status,
		config:     cfg,
		hv:         hv,
		cg:         cg,
		cgroupRoot: cgroupRoot,
		limits:     defaultLimits(cfg),
		logger:     logger,
	}
}

func defaultLimits(cfg model.VMConfig) map[model.ResourceKind]*model.ResourceLimit {
	out := map[model.ResourceKind]*model.ResourceLimit{
		model.ResourceCPU: {
			Kind: model.ResourceCPU, Min: 1, Max: float64(cfg.VCPUs) * 4, Current: float64(cfg.VCPUs), Unit: "cores",
		},
		model.ResourceMemory: {
			Kind: model.ResourceMemory, Min: 256, Max: float64(cfg.MemoryMiB) * 4, Current: float64(cfg.MemoryMiB), Unit: "MiB",
		},
	}
	for _, l := range cfg.InitialLimits {
		l := l
		out[l.Kind] = &l
	}
	return out
}

func (v *VM) Name() string           { return v.name }
func (v *VM) UUID() uuid.UUID        { return v.id }
func (v *VM) Config() model.VMConfig { return v.config }

func (v *VM) Status() model.VMStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// Limit returns a copy of the current ResourceLimit for kind.
func (v *VM) Limit(kind model.ResourceKind) (model.ResourceLimit, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.limits[kind]
	if !ok {
		return model.ResourceLimit{}, false
	}
	return *l, true
}

// Snapshots returns a copy of the cached snapshot metadata.
func (v *VM) Snapshots() []model.VMSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]model.VMSnapshot, len(v.snapshots))
	copy(out, v.snapshots)
	return out
}

func (v *VM) requireStatus(allowed ...model.VMStatus) error {
	for _, s := range allowed {
		if v.status == s {
			return nil
		}
	}
	return vmerrors.New(vmerrors.KindInvalidState, fmt.Sprintf("vm %s: operation not allowed from state %s", v.name, v.status))
}

// Create defines the domain from generated XML and provisions its
// cgroup leaf. Stopped -> Creating -> Stopped on success, Error on
// failure.
func (v *VM) Create(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireStatus(model.StatusStopped); err != nil {
		return err
	}
	if v.cg != nil {
		return vmerrors.New(vmerrors.KindInvalidState, "vm "+v.name+": already created")
	}
	v.status = model.StatusCreating

	if _, err := os.Stat(v.config.DiskImagePath); err != nil {
		v.status = model.StatusError
		return vmerrors.Wrap(vmerrors.KindConfiguration, "disk image missing: "+v.config.DiskImagePath, err)
	}

	xmlDoc, err := buildDomainXML(v.config)
	if err != nil {
		v.status = model.StatusError
		return err
	}

	dom, err := v.hv.DefineXML(ctx, xmlDoc)
	if err != nil {
		v.status = model.StatusError
		return err
	}
	v.id = domainUUID(dom)

	cg, err := cgroup.New(v.cgroupRoot, v.name, v.logger)
	if err != nil {
		v.status = model.StatusError
		return err
	}
	v.cg = cg

	v.status = model.StatusStopped
	return nil
}

// Start brings the domain up from Stopped or resumes it from Paused,
// then re-applies cgroup limits.
func (v *VM) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireStatus(model.StatusStopped, model.StatusPaused); err != nil {
		return err
	}
	wasPaused := v.status == model.StatusPaused

	dom, err := v.hv.LookupByName(ctx, v.name)
	if err != nil {
		return err
	}
	client, err := v.hv.Client(ctx)
	if err != nil {
		return err
	}

	if wasPaused {
		if err := client.DomainResume(dom); err != nil {
			return vmerrors.Wrap(vmerrors.KindHypervisor, "resume domain "+v.name, err)
		}
	} else {
		if err := client.DomainCreate(dom); err != nil {
			return vmerrors.Wrap(vmerrors.KindHypervisor, "start domain "+v.name, err)
		}
	}

	v.status = model.StatusRunning
	v.applyResourceLimitsLocked()
	return nil
}

// Shutdown requests a graceful guest shutdown and waits up to
// defaultShutdownWait for it to take effect. If the guest has not
// stopped by the deadline, the transition is left pending: status
// remains Running and callers may retry or fall back to Destroy.
func (v *VM) Shutdown(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireStatus(model.StatusRunning); err != nil {
		return err
	}

	dom, err := v.hv.LookupByName(ctx, v.name)
	if err != nil {
		return err
	}
	client, err := v.hv.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainShutdown(dom); err != nil {
		return vmerrors.Wrap(vmerrors.KindHypervisor, "shutdown domain "+v.name, err)
	}

	if v.waitStoppedLocked(ctx, client, dom, defaultShutdownWait) {
		v.status = model.StatusStopped
		return nil
	}
	return vmerrors.New(vmerrors.KindTimeout, "vm "+v.name+": shutdown pending, guest has not stopped yet")
}

// RecoverFromError attempts to force a domain in Error state back to
// Stopped, regardless of the underlying domain's actual runtime
// state, so Start can be retried. Destroy failures here (the domain
// may already be off) are not fatal.
func (v *VM) RecoverFromError(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireStatus(model.StatusError); err != nil {
		return err
	}

	dom, err := v.hv.LookupByName(ctx, v.name)
	if err != nil {
		return err
	}
	client, err := v.hv.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainDestroy(dom); err != nil {
		v.logger.Warn("recover from error: destroy failed, domain may already be off", zap.String("vm", v.name), zap.Error(err))
	}

	v.status = model.StatusStopped
	return nil
}

// Destroy forcibly stops the domain. Running|Paused -> Stopped.
func (v *VM) Destroy(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireStatus(model.StatusRunning, model.StatusPaused); err != nil {
		return err
	}
	dom, err := v.hv.LookupByName(ctx, v.name)
	if err != nil {
		return err
	}
	client, err := v.hv.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainDestroy(dom); err != nil {
		return vmerrors.Wrap(vmerrors.KindHypervisor, "destroy domain "+v.name, err)
	}
	v.status = model.StatusStopped
	return nil
}

// Pause suspends a running domain.
func (v *VM) Pause(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireStatus(model.StatusRunning); err != nil {
		return err
	}
	dom, err := v.hv.LookupByName(ctx, v.name)
	if err != nil {
		return err
	}
	client, err := v.hv.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainSuspend(dom); err != nil {
		return vmerrors.Wrap(vmerrors.KindHypervisor, "suspend domain "+v.name, err)
	}
	v.status = model.StatusPaused
	return nil
}

// Resume un-suspends a paused domain, preserving vCPU/memory limits
// bit-for-bit (no cgroup rewrite).
func (v *VM) Resume(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireStatus(model.StatusPaused); err != nil {
		return err
	}
	dom, err := v.hv.LookupByName(ctx, v.name)
	if err != nil {
		return err
	}
	client, err := v.hv.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.DomainResume(dom); err != nil {
		return vmerrors.Wrap(vmerrors.KindHypervisor, "resume domain "+v.name, err)
	}
	v.status = model.StatusRunning
	return nil
}

// Restart shuts down, waits restartSettleDelay, then starts again.
func (v *VM) Restart(ctx context.Context) error {
	if err := v.Shutdown(ctx); err != nil {
		return err
	}
	t := time.NewTimer(restartSettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return v.Start(ctx)
}

func (v *VM) waitStoppedLocked(ctx context.Context, client *golibvirt.Libvirt, dom golibvirt.Domain, timeout time.Duration) bool {
	deadlineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, _, _, _, _, err := client.DomainGetInfo(dom)
		if err == nil && !isRunningState(state) {
			return true
		}
		select {
		case <-deadlineCtx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func isRunningState(state uint8) bool {
	switch golibvirt.DomainState(state) {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked, golibvirt.DomainPaused, golibvirt.DomainPmsuspended:
		return true
	default:
		return false
	}
}

func domainUUID(dom golibvirt.Domain) uuid.UUID {
	var id uuid.UUID
	copy(id[:], dom.UUID[:])
	return id
}

// applyResourceLimitsLocked translates each ResourceLimit into the
// corresponding cgroup write. Failures are logged per-kind and never
// abort the remaining writes. Caller must hold v.mu.
func (v *VM) applyResourceLimitsLocked() {
	if v.cg == nil {
		return
	}
	for kind, limit := range v.limits {
		switch kind {
		case model.ResourceCPU:
			if err := v.cg.SetCPULimit(limit.Current); err != nil {
				v.logger.Warn("apply cpu limit failed", zap.String("vm", v.name), zap.Error(err))
			}
		case model.ResourceMemory:
			bytes := int64(limit.Current) * 1024 * 1024
			if err := v.cg.SetMemoryLimit(bytes); err != nil {
				v.logger.Warn("apply memory limit failed", zap.String("vm", v.name), zap.Error(err))
			}
		case model.ResourceIO:
			if err := v.cg.SetIOLimit(v.config.DiskImagePath, uint64(limit.Current), uint64(limit.Current)); err != nil {
				v.logger.Warn("apply io limit failed", zap.String("vm", v.name), zap.Error(err))
			}
		case model.ResourceNetwork:
			// Network throughput has no cgroup v2 controller analog;
			// rate limiting (if any) belongs to the bridge/tc layer,
			// out of scope for the cgroup controller.
		}
	}
}

// ApplyResourceLimits is the public, lock-acquiring form of
// applyResourceLimitsLocked, used by ScalingEngine-driven Executor
// calls that change a limit outside Start.
func (v *VM) ApplyResourceLimits() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.applyResourceLimitsLocked()
}

// teardownCgroup releases the cgroup leaf. It runs on the teardown
// path and never returns an error.
func (v *VM) teardownCgroup() {
	if v.cg != nil {
		v.cg.ReleaseAll()
	}
}

// Destroyed finalizes a VM the registry has already detached: the
// owner calls it once RemoveVM has handed the record back, releasing
// the cgroup leaf.
func (v *VM) Destroyed() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.teardownCgroup()
}
