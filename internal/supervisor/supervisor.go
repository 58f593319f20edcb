// Package supervisor wires the hypervisor handle, VM manager, monitor,
// scaling engine, executor, and telemetry exporter into one process:
// an errgroup-composed run loop, signal handling with a grace timer,
// and shutdown. Run waits for every background task to return, except
// when the shutdown timeout expires or a second signal arrives first.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vmscaled/internal/cgroup"
	"vmscaled/internal/config"
	"vmscaled/internal/executor"
	"vmscaled/internal/hypervisor"
	"vmscaled/internal/model"
	"vmscaled/internal/monitor"
	"vmscaled/internal/scaling"
	"vmscaled/internal/telemetry"
	"vmscaled/internal/vmmanager"
)

// Supervisor owns the process lifetime: component construction, the
// errgroup-composed run loop, and ordered shutdown.
type Supervisor struct {
	cfg    config.Config
	logger *zap.Logger

	hv      *hypervisor.Handle
	mgr     *vmmanager.Manager
	sampler *monitor.Sampler
	engine  *scaling.Engine
	exec    *executor.Executor

	status  *telemetry.Status
	metrics *telemetry.Metrics
	probe   *telemetry.Probe
}

// New constructs every component but does not connect to the
// hypervisor or start any loop; call Run for that.
func New(cfg config.Config, logger *zap.Logger) (*Supervisor, error) {
	hv := hypervisor.New(cfg.LibvirtURI, cfg.ReconnectInterval, cfg.MaxReconnectJitter, logger)
	mgr := vmmanager.New(hv, cfg.CgroupRoot, cfg.HealthInterval, logger)
	sampler := monitor.New(hv, mgr, cfg.MonitorRootDevice, logger)
	engine := scaling.New(mgr, logger)

	for name, t := range cfg.ScalingThresholds {
		kind, ok := resourceKindByName(name)
		if !ok {
			logger.Warn("config: unknown scaling threshold key, ignoring", zap.String("key", name))
			continue
		}
		engine.SetThresholds(kind, scaling.Thresholds{ScaleUp: t.ScaleUp, ScaleDown: t.ScaleDown})
	}

	exec := executor.New(mgr, cfg.MigrationDestURI, logger)

	status := telemetry.NewStatus()
	metrics := telemetry.NewMetrics()
	probe := telemetry.NewProbe(cfg.TelemetryProbeAddr, status, metrics, logger)

	exec.SetObserver(metrics)
	engine.SetRateLimitObserver(metrics)
	cgroup.SetWriteFailureHook(metrics.IncCgroupWriteFailure)

	sup := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		hv:      hv,
		mgr:     mgr,
		sampler: sampler,
		engine:  engine,
		exec:    exec,
		status:  status,
		metrics: metrics,
		probe:   probe,
	}

	sampler.OnHostSample(sup.onHostSample)
	sampler.OnVMSample(sup.onVMSample)
	engine.OnDecision(sup.onDecision)

	return sup, nil
}

func (s *Supervisor) onHostSample(h model.HostMetrics) {
	s.status.MarkHostSample(h.Timestamp)
	s.metrics.ObserveHost(h)
}

func (s *Supervisor) onVMSample(m model.VMMetrics) {
	s.status.MarkVMSample(m.Latest.TimestampWall)
	s.metrics.ObserveVM(m)
	s.engine.Sample(m)
}

func (s *Supervisor) onDecision(d model.ScalingDecision) {
	s.metrics.ObserveDecision(d)
	s.exec.Submit(d)
}

func resourceKindByName(name string) (model.ResourceKind, bool) {
	switch name {
	case "cpu":
		return model.ResourceCPU, true
	case "memory":
		return model.ResourceMemory, true
	case "io":
		return model.ResourceIO, true
	case "network":
		return model.ResourceNetwork, true
	default:
		return 0, false
	}
}

// Run blocks until ctx is cancelled or a signal is received. It then
// cancels every component at once, in no particular order, and waits
// for them to return. After a signal that wait is bounded by the
// shutdown timeout and a second signal ends it at once; in both cases
// Run goes on without waiting for the remaining tasks. Finally it
// closes the hypervisor connection and rewrites the config file.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("starting vmscaled", zap.String("node_id", s.cfg.NodeID), zap.String("libvirt_uri", s.cfg.LibvirtURI))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- s.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received, starting graceful shutdown", zap.String("signal", sig.String()), zap.Duration("timeout", s.cfg.ShutdownTimeout))
		cancelRun()

		graceTimer := time.NewTimer(s.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			s.logger.Warn("second signal received, forcing immediate shutdown", zap.String("signal", sig2.String()))
			runErr = context.Canceled
		case <-graceTimer.C:
			s.logger.Warn("graceful shutdown timeout reached, forcing shutdown", zap.Duration("timeout", s.cfg.ShutdownTimeout))
			runErr = context.DeadlineExceeded
		}
	}

	s.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	s.logger.Info("vmscaled stopped")
	return nil
}

func (s *Supervisor) run(ctx context.Context) error {
	if err := s.hv.Connect(ctx); err != nil {
		return fmt.Errorf("initial libvirt connect: %w", err)
	}
	s.status.SetHypervisorConnected(true)

	if err := s.mgr.Reload(ctx); err != nil {
		s.logger.Warn("reload: could not adopt existing domains", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sampler.Run(gctx) })
	g.Go(func() error { return s.engine.Run(gctx) })
	g.Go(func() error { return s.exec.Run(gctx) })
	g.Go(func() error { return s.mgr.RunHealthLoop(gctx) })
	g.Go(func() error { return s.runConnectionHealthLoop(gctx) })
	g.Go(func() error { return s.probe.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Supervisor) runConnectionHealthLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.hv.Healthy(ctx); err != nil {
				s.logger.Warn("libvirt health check failed, reconnecting", zap.Error(err))
				s.status.SetHypervisorConnected(false)
				if recErr := s.hv.Reconnect(ctx); recErr != nil {
					s.logger.Error("libvirt reconnect failed", zap.Error(recErr))
					continue
				}
				s.status.SetHypervisorConnected(true)
			} else {
				s.status.SetHypervisorConnected(true)
			}
		}
	}
}

func (s *Supervisor) shutdown() {
	if err := s.hv.Close(); err != nil {
		s.logger.Warn("libvirt close failed", zap.Error(err))
	}
	s.status.SetHypervisorConnected(false)

	if err := config.Save(s.cfg, config.DefaultPath); err != nil {
		s.logger.Warn("config rewrite on shutdown failed", zap.Error(err))
	}
}

// BuildLogger constructs the process zap.Logger from the resolved
// configuration's log level and encoding.
func BuildLogger(cfg config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.LogJSON {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapCfg.Level = level

	return zapCfg.Build()
}
