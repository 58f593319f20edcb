package vmmanager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vmscaled/internal/model"
	"vmscaled/internal/vm"
)

// RunHealthLoop recovers VMs stuck in Error, warns on migrations that
// have run suspiciously long, and reaps snapshot metadata older than
// snapshotMaxAge. It returns when ctx is cancelled.
func (m *Manager) RunHealthLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.healthPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runHealthPass(ctx)
		}
	}
}

func (m *Manager) runHealthPass(ctx context.Context) {
	now := time.Now()
	for _, v := range m.List() {
		status := v.Status()
		m.observeStatus(v)

		switch status {
		case model.StatusError:
			m.recoverErrored(ctx, v)
		case model.StatusMigrating:
			m.warnIfStalled(v.Name(), now)
		}

		if dropped := v.PruneSnapshots(snapshotMaxAge, now); dropped > 0 {
			m.logger.Info("pruned stale snapshot metadata", zap.String("vm", v.Name()), zap.Int("count", dropped))
		}
	}
}

func (m *Manager) recoverErrored(ctx context.Context, v *vm.VM) {
	m.logger.Warn("health: vm in error state, attempting recovery", zap.String("vm", v.Name()))
	if err := v.RecoverFromError(ctx); err != nil {
		m.logger.Warn("health: recovery reset failed", zap.String("vm", v.Name()), zap.Error(err))
		return
	}
	if err := v.Start(ctx); err != nil {
		m.logger.Error("health: recovery start failed", zap.String("vm", v.Name()), zap.Error(err))
	}
}

func (m *Manager) warnIfStalled(name string, now time.Time) {
	m.mu.Lock()
	since, ok := m.migratingSince[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	if now.Sub(since) > migrationStallWarn {
		m.logger.Warn("health: migration running longer than expected", zap.String("vm", name), zap.Duration("elapsed", now.Sub(since)))
	}
}
