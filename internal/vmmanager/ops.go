package vmmanager

import (
	"context"
	"time"

	"vmscaled/internal/model"
	"vmscaled/internal/vm"
	"vmscaled/internal/vmerrors"
)

// The methods below all delegate to the named VM under the registry
// lookup lock, released before the per-VM mutex inside the VM itself
// takes over. Lock order is always registry lock, then VM lock, never
// the reverse.

func (m *Manager) StartVM(ctx context.Context, name string) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := v.Start(ctx); err != nil {
		return err
	}
	m.observeStatus(v)
	return nil
}

func (m *Manager) ShutdownVM(ctx context.Context, name string) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := v.Shutdown(ctx); err != nil {
		return err
	}
	m.observeStatus(v)
	return nil
}

func (m *Manager) DestroyVM(ctx context.Context, name string) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := v.Destroy(ctx); err != nil {
		return err
	}
	m.observeStatus(v)
	return nil
}

func (m *Manager) PauseVM(ctx context.Context, name string) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := v.Pause(ctx); err != nil {
		return err
	}
	m.observeStatus(v)
	return nil
}

func (m *Manager) ResumeVM(ctx context.Context, name string) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := v.Resume(ctx); err != nil {
		return err
	}
	m.observeStatus(v)
	return nil
}

func (m *Manager) RestartVM(ctx context.Context, name string) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := v.Restart(ctx); err != nil {
		return err
	}
	m.observeStatus(v)
	return nil
}

func (m *Manager) MigrateVM(ctx context.Context, name, destURI string, opts vm.MigrateOptions) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	m.MarkMigrating(name, time.Now())
	defer m.ClearMigrating(name)
	defer m.observeStatus(v)
	return v.Migrate(ctx, destURI, opts)
}

func (m *Manager) ScaleCPU(ctx context.Context, name string, vcpus float64) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	return v.ScaleCPU(ctx, vcpus)
}

func (m *Manager) ScaleMemory(ctx context.Context, name string, memoryMiB float64) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	return v.ScaleMemory(ctx, memoryMiB)
}

func (m *Manager) CreateSnapshot(ctx context.Context, name, snapshotName, description string) (model.VMSnapshot, error) {
	v, err := m.Get(name)
	if err != nil {
		return model.VMSnapshot{}, err
	}
	return v.CreateSnapshot(ctx, snapshotName, description)
}

func (m *Manager) RevertToSnapshot(ctx context.Context, name, snapshotName string) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := v.RevertToSnapshot(ctx, snapshotName); err != nil {
		return err
	}
	m.observeStatus(v)
	return nil
}

// Limit implements scaling.LimitProvider, the only coupling the
// scaling engine is permitted into VM state.
func (m *Manager) Limit(name string, kind model.ResourceKind) (model.ResourceLimit, bool) {
	v, err := m.Get(name)
	if err != nil {
		return model.ResourceLimit{}, false
	}
	return v.Limit(kind)
}

// SetLimit overwrites the ResourceLimit for (name, kind), used to wire
// an operator-configured IO/Network threshold in after CreateVM.
func (m *Manager) SetLimit(name string, kind model.ResourceKind, limit model.ResourceLimit) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	return v.SetLimit(kind, limit)
}

// ApplyLimit clamps amount into the existing (name, kind) limit,
// stores it as the new current value, and rewrites the corresponding
// cgroup file. Used by the Executor for IO/Network decisions, which
// have no live hypervisor resize analog the way CPU/memory do.
func (m *Manager) ApplyLimit(ctx context.Context, name string, kind model.ResourceKind, amount float64) error {
	v, err := m.Get(name)
	if err != nil {
		return err
	}
	limit, ok := v.Limit(kind)
	if !ok {
		return vmerrors.New(vmerrors.KindConfiguration, "vm "+name+": no "+kind.String()+" limit configured")
	}
	limit.Current = limit.Clamp(amount)
	if err := v.SetLimit(kind, limit); err != nil {
		return err
	}
	v.ApplyResourceLimits()
	return nil
}
