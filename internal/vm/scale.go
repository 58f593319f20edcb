package vm

import (
	"context"
	"fmt"

	golibvirt "github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"

	"vmscaled/internal/model"
	"vmscaled/internal/vmerrors"
)

// ScaleCPU sets the live vCPU count and the matching cgroup cpu.max,
// clamped to the CPU ResourceLimit. Admissible from Running or Paused.
func (v *VM) ScaleCPU(ctx context.Context, target float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireStatus(model.StatusRunning, model.StatusPaused); err != nil {
		return err
	}
	limit, ok := v.limits[model.ResourceCPU]
	if !ok {
		return vmerrors.New(vmerrors.KindConfiguration, "vm "+v.name+": no cpu limit configured")
	}
	clamped := limit.Clamp(target)

	dom, err := v.hv.LookupByName(ctx, v.name)
	if err != nil {
		return err
	}
	client, err := v.hv.Client(ctx)
	if err != nil {
		return err
	}

	flags := uint32(golibvirt.DomainVCPULive | golibvirt.DomainVCPUConfig)
	if err := client.DomainSetVcpusFlags(dom, uint32(clamped), flags); err != nil {
		return vmerrors.Wrap(vmerrors.KindHypervisor, "set vcpus", err)
	}

	limit.Current = clamped
	if v.cg != nil {
		if err := v.cg.SetCPULimit(clamped); err != nil {
			v.logger.Warn("scale cpu: cgroup update failed", zap.String("vm", v.name), zap.Error(err))
		}
	}
	return nil
}

// ScaleMemory sets the live memory allocation (MiB) and the matching
// cgroup memory.max, clamped to the Memory ResourceLimit. Admissible
// from Running or Paused.
func (v *VM) ScaleMemory(ctx context.Context, targetMiB float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireStatus(model.StatusRunning, model.StatusPaused); err != nil {
		return err
	}
	limit, ok := v.limits[model.ResourceMemory]
	if !ok {
		return vmerrors.New(vmerrors.KindConfiguration, "vm "+v.name+": no memory limit configured")
	}
	clamped := limit.Clamp(targetMiB)

	dom, err := v.hv.LookupByName(ctx, v.name)
	if err != nil {
		return err
	}
	client, err := v.hv.Client(ctx)
	if err != nil {
		return err
	}

	memKiB := uint64(clamped) * 1024
	flags := uint32(golibvirt.DomainMemLive | golibvirt.DomainMemConfig)
	if err := client.DomainSetMemoryFlags(dom, memKiB, flags); err != nil {
		return vmerrors.Wrap(vmerrors.KindHypervisor, "set memory", err)
	}

	limit.Current = clamped
	if v.cg != nil {
		if err := v.cg.SetMemoryLimit(int64(clamped) * 1024 * 1024); err != nil {
			v.logger.Warn("scale memory: cgroup update failed", zap.String("vm", v.name), zap.Error(err))
		}
	}
	return nil
}

// SetLimit overwrites the ResourceLimit for kind in place, validating
// it before swapping it in.
func (v *VM) SetLimit(kind model.ResourceKind, limit model.ResourceLimit) error {
	if err := limit.Validate(); err != nil {
		return vmerrors.Wrap(vmerrors.KindConfiguration, fmt.Sprintf("vm %s: invalid limit for %s", v.name, kind), err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	l := limit
	v.limits[kind] = &l
	return nil
}
