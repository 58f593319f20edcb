// Package vmmanager owns the registry of VM state machines: creation,
// lookup, removal, and the periodic health loop that recovers failed
// VMs and reaps stale snapshot metadata.
package vmmanager

import (
	"context"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"

	"vmscaled/internal/cgroup"
	"vmscaled/internal/hypervisor"
	"vmscaled/internal/model"
	"vmscaled/internal/vm"
	"vmscaled/internal/vmerrors"
)

const (
	snapshotMaxAge      = 30 * 24 * time.Hour
	migrationStallWarn  = 10 * time.Minute
	defaultHealthPeriod = 5 * time.Second
)

// StatusCallback is notified whenever a VM's status is observed to
// change, either after a Manager operation or by the health loop, and
// when CreateVM registers a new VM. It is called synchronously; callers that
// do real work should hand off to their own goroutine.
type StatusCallback func(name string, status model.VMStatus)

// Manager is the single owner of every VM record in the process. Map
// access and per-VM access are always acquired in that order: the
// registry mutex first, then (outside the registry lock) the target
// VM's own mutex, never the reverse.
type Manager struct {
	mu  sync.Mutex
	vms map[string]*vm.VM

	migratingSince map[string]time.Time

	hv         *hypervisor.Handle
	cgroupRoot string
	logger     *zap.Logger

	healthPeriod time.Duration

	callbacksMu sync.Mutex
	callbacks   []StatusCallback

	lastStatus map[string]model.VMStatus
}

// New constructs an empty Manager. Call Reload to adopt any domains
// the hypervisor already knows about.
func New(hv *hypervisor.Handle, cgroupRoot string, healthPeriod time.Duration, logger *zap.Logger) *Manager {
	if healthPeriod <= 0 {
		healthPeriod = defaultHealthPeriod
	}
	return &Manager{
		vms:            make(map[string]*vm.VM),
		migratingSince: make(map[string]time.Time),
		lastStatus:     make(map[string]model.VMStatus),
		hv:             hv,
		cgroupRoot:     cgroupRoot,
		healthPeriod:   healthPeriod,
		logger:         logger,
	}
}

// OnStatusChange registers a callback invoked whenever a Manager
// operation or the health loop observes a VM in a different status
// than last seen.
func (m *Manager) OnStatusChange(cb StatusCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) notify(name string, status model.VMStatus) {
	m.callbacksMu.Lock()
	cbs := make([]StatusCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(name, status)
	}
}

// observeStatus records the VM's current status and notifies listeners
// if it changed since last seen. Called after every successful
// user-initiated transition; the health loop catches transitions the
// guest made on its own.
func (m *Manager) observeStatus(v *vm.VM) {
	status := v.Status()
	m.mu.Lock()
	prev, seen := m.lastStatus[v.Name()]
	m.lastStatus[v.Name()] = status
	m.mu.Unlock()
	if !seen || prev != status {
		m.notify(v.Name(), status)
	}
}

// CreateVM reserves the name, defines the domain, and provisions its
// cgroup leaf. The reservation is released if Create fails, so a
// second attempt with the same name can proceed.
func (m *Manager) CreateVM(ctx context.Context, cfg model.VMConfig) (*vm.VM, error) {
	m.mu.Lock()
	if _, exists := m.vms[cfg.Name]; exists {
		m.mu.Unlock()
		return nil, vmerrors.New(vmerrors.KindConfiguration, "vm already exists: "+cfg.Name)
	}
	v := vm.NewPending(m.hv, cfg, m.cgroupRoot, m.logger)
	m.vms[cfg.Name] = v
	m.mu.Unlock()

	if err := v.Create(ctx); err != nil {
		m.mu.Lock()
		delete(m.vms, cfg.Name)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.lastStatus[cfg.Name] = model.StatusStopped
	m.mu.Unlock()
	m.notify(cfg.Name, model.StatusStopped)
	return v, nil
}

// Get returns the VM record for name.
func (m *Manager) Get(name string) (*vm.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vms[name]
	if !ok {
		return nil, vmerrors.New(vmerrors.KindDomainNotFound, "vm not registered: "+name)
	}
	return v, nil
}

// List returns every registered VM.
func (m *Manager) List() []*vm.VM {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*vm.VM, 0, len(m.vms))
	for _, v := range m.vms {
		out = append(out, v)
	}
	return out
}

// RemoveVM stops the domain if it is still running, undefines it, and
// detaches the record from the registry. The detached VM is returned
// so the caller controls final teardown — cgroup release included,
// via VM.Destroyed.
func (m *Manager) RemoveVM(ctx context.Context, name string) (*vm.VM, error) {
	v, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	switch v.Status() {
	case model.StatusRunning, model.StatusPaused, model.StatusMigrating:
		if err := v.Destroy(ctx); err != nil {
			return nil, err
		}
	}

	dom, err := m.hv.LookupByName(ctx, name)
	if err != nil {
		return nil, err
	}
	client, err := m.hv.Client(ctx)
	if err != nil {
		return nil, err
	}
	undefineFlags := golibvirt.DomainUndefineManagedSave | golibvirt.DomainUndefineSnapshotsMetadata
	if err := client.DomainUndefineFlags(dom, undefineFlags); err != nil {
		return nil, vmerrors.Wrap(vmerrors.KindHypervisor, "undefine domain "+name, err)
	}

	m.mu.Lock()
	delete(m.vms, name)
	delete(m.migratingSince, name)
	delete(m.lastStatus, name)
	m.mu.Unlock()
	return v, nil
}

// MarkMigrating is called by MigrateVM immediately before invoking
// VM.Migrate, so the health loop can flag stalled transfers.
func (m *Manager) MarkMigrating(name string, start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migratingSince[name] = start
}

// ClearMigrating is called by MigrateVM once VM.Migrate returns,
// regardless of outcome.
func (m *Manager) ClearMigrating(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.migratingSince, name)
}

// cgroupControllerExists attaches (creating if needed) the cgroup
// leaf for an adopted domain, used by Reload.
func (m *Manager) cgroupControllerExists(name string) (*cgroup.Controller, error) {
	return cgroup.New(m.cgroupRoot, name, m.logger)
}
