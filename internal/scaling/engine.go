// Package scaling turns monitor samples into ScalingDecisions: a
// threshold/hysteresis analyzer with per-VM cooldowns, a rolling daily
// cap, and a trailing-mean predictive override. Samples flow
// monitor -> engine -> listener; the engine itself mutates nothing.
package scaling

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vmscaled/internal/model"
)

const (
	// cooldown is the per-VM rate limit: no second decision within
	// this window of the last one, regardless of resource kind.
	cooldown = 2 * time.Minute
	// dailyDecisionCap is the maximum number of accepted decisions a
	// single VM may receive within a rolling 24h window.
	dailyDecisionCap = 50
	dailyWindow      = 24 * time.Hour
	historyCapacity  = 1000
	cleanupPeriod    = 2 * time.Second

	cpuStepFloor    = 1.0     // vCPU cores
	memStepFloorMiB = 1024.0  // 1 GiB
	ioStepFloor     = 1 << 20 // 1 MiB/s, shared by IO and network steps

	predictiveConfidence = 0.6
)

// Thresholds are the scale-up/scale-down percentages for one resource
// kind, reconfigurable at runtime.
type Thresholds struct {
	ScaleUp   float64
	ScaleDown float64
}

// DefaultThresholds returns the stock scale-up/scale-down table.
func DefaultThresholds() map[model.ResourceKind]Thresholds {
	return map[model.ResourceKind]Thresholds{
		model.ResourceCPU:     {ScaleUp: 80, ScaleDown: 20},
		model.ResourceMemory:  {ScaleUp: 85, ScaleDown: 30},
		model.ResourceIO:      {ScaleUp: 75, ScaleDown: 15},
		model.ResourceNetwork: {ScaleUp: 70, ScaleDown: 10},
	}
}

// LimitProvider is the Engine's only coupling to VM state: it holds no
// VM references of its own, only this narrow read accessor into the VM
// manager.
type LimitProvider interface {
	Limit(vmName string, kind model.ResourceKind) (model.ResourceLimit, bool)
}

// Listener is invoked synchronously for every non-Maintain decision,
// in emission order, on the goroutine that called Sample. The
// Supervisor wires the Executor's Submit method as a listener; the
// Engine itself holds no Executor reference and must only ever
// enqueue, never apply.
type Listener func(model.ScalingDecision)

// RateLimitObserver receives a notification every time a candidate
// decision set is suppressed by cooldown or the daily cap, for the
// Telemetry Exporter. Nil is a valid Engine state.
type RateLimitObserver interface {
	IncRateLimited()
}

// Engine implements the analyzer and decision producer. It is safe
// for concurrent use: Sample is called from the Monitor's goroutine,
// the cleanup sweep runs on its own.
type Engine struct {
	mu         sync.Mutex
	thresholds map[model.ResourceKind]Thresholds
	limits     LimitProvider
	logger     *zap.Logger

	history       map[string][]model.ScalingDecision
	lastEmittedAt map[string]time.Time

	listenersMu sync.Mutex
	listeners   []Listener

	obs RateLimitObserver
}

// New constructs an Engine with the default thresholds.
func New(limits LimitProvider, logger *zap.Logger) *Engine {
	return &Engine{
		thresholds:    DefaultThresholds(),
		limits:        limits,
		logger:        logger,
		history:       make(map[string][]model.ScalingDecision),
		lastEmittedAt: make(map[string]time.Time),
	}
}

// SetThresholds reconfigures the scale-up/scale-down percentages for
// kind at runtime.
func (e *Engine) SetThresholds(kind model.ResourceKind, t Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds[kind] = t
}

// SetRateLimitObserver wires the Telemetry Exporter's counter. Must be
// called before the first Sample, since it is read without a lock.
func (e *Engine) SetRateLimitObserver(obs RateLimitObserver) { e.obs = obs }

// OnDecision registers a listener invoked for every enqueued decision.
func (e *Engine) OnDecision(l Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// History returns a copy of the decision history ring for vmName.
func (e *Engine) History(vmName string) []model.ScalingDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	src := e.history[vmName]
	out := make([]model.ScalingDecision, len(src))
	copy(out, src)
	return out
}

// Sample runs the decision algorithm against one VM's latest metrics.
// It is meant to be registered directly as a monitor.VMCallback.
func (e *Engine) Sample(metrics model.VMMetrics) {
	name := metrics.VMName

	e.mu.Lock()
	thresholds := make(map[model.ResourceKind]Thresholds, len(e.thresholds))
	for k, v := range e.thresholds {
		thresholds[k] = v
	}
	e.mu.Unlock()

	candidates := e.evaluate(name, metrics, thresholds)
	if len(candidates) == 0 {
		return
	}

	e.mu.Lock()
	if last, ok := e.lastEmittedAt[name]; ok && time.Since(last) < cooldown {
		e.mu.Unlock()
		e.logger.Debug("scaling decision rate-limited: cooldown active", zap.String("vm", name))
		if e.obs != nil {
			e.obs.IncRateLimited()
		}
		return
	}
	if e.acceptedInWindowLocked(name, dailyWindow) >= dailyDecisionCap {
		e.mu.Unlock()
		e.logger.Debug("scaling decision rate-limited: daily cap reached", zap.String("vm", name))
		if e.obs != nil {
			e.obs.IncRateLimited()
		}
		return
	}
	now := time.Now()
	e.lastEmittedAt[name] = now
	for _, d := range candidates {
		e.pushHistoryLocked(name, d)
	}
	e.mu.Unlock()

	e.listenersMu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenersMu.Unlock()

	for _, d := range candidates {
		for _, l := range listeners {
			l(d)
		}
	}
}

// evaluate runs the per-resource analyzers and the predictive
// override. Memory pressure at or above the CPU scale-up threshold
// plus ten points overrides a concurrent CPU decision.
func (e *Engine) evaluate(name string, m model.VMMetrics, thresholds map[model.ResourceKind]Thresholds) []model.ScalingDecision {
	now := time.Now()
	var out []model.ScalingDecision

	cpuDecision := e.evaluateCPU(name, m, thresholds[model.ResourceCPU], now)
	memDecision := e.evaluateMemory(name, m, thresholds[model.ResourceMemory], now)

	memPct := m.MemHistory.Latest()
	cpuOverridden := memDecision != nil && memPct >= thresholds[model.ResourceCPU].ScaleUp+10

	if cpuDecision != nil && !cpuOverridden {
		out = append(out, *cpuDecision)
	}
	if memDecision != nil {
		out = append(out, *memDecision)
	}

	if ioDecision := e.evaluateRate(name, model.ResourceIO, m.Latest.IOReadBPS+m.Latest.IOWriteBPS, thresholds[model.ResourceIO], now); ioDecision != nil {
		out = append(out, *ioDecision)
	}
	if netDecision := e.evaluateRate(name, model.ResourceNetwork, m.Latest.NetRxBPS+m.Latest.NetTxBPS, thresholds[model.ResourceNetwork], now); netDecision != nil {
		out = append(out, *netDecision)
	}

	if len(out) == 0 {
		if pd := e.evaluatePredictive(name, m, thresholds[model.ResourceCPU], now); pd != nil {
			out = append(out, *pd)
		}
	}
	return out
}

func (e *Engine) evaluateCPU(name string, m model.VMMetrics, t Thresholds, now time.Time) *model.ScalingDecision {
	limit, ok := e.limits.Limit(name, model.ResourceCPU)
	if !ok {
		return nil
	}
	cur := m.Latest.CPUPercent
	avg5 := m.CPUAvg5Min

	step := math.Max(cpuStepFloor, math.Floor(limit.Current*0.25))
	switch {
	case cur > t.ScaleUp && avg5 > t.ScaleUp-10:
		target := math.Min(limit.Max, limit.Current+step)
		if target <= limit.Current {
			return nil
		}
		return decision(name, model.ActionScaleUp, model.ResourceCPU, target, confidence(math.Abs(cur-avg5)), "cpu usage above scale-up threshold", now)
	case cur < t.ScaleDown && avg5 < t.ScaleDown+5:
		target := math.Max(limit.Min, limit.Current-step)
		if target >= limit.Current {
			return nil
		}
		return decision(name, model.ActionScaleDown, model.ResourceCPU, target, confidence(math.Abs(cur-avg5)), "cpu usage below scale-down threshold", now)
	}
	return nil
}

func (e *Engine) evaluateMemory(name string, m model.VMMetrics, t Thresholds, now time.Time) *model.ScalingDecision {
	limit, ok := e.limits.Limit(name, model.ResourceMemory)
	if !ok {
		return nil
	}
	cur := m.MemHistory.Latest()
	avg5 := m.MemAvg5Min

	step := math.Max(memStepFloorMiB, limit.Current*0.25)
	switch {
	case cur > t.ScaleUp && avg5 > t.ScaleUp-10:
		target := math.Min(limit.Max, limit.Current+step)
		if target <= limit.Current {
			return nil
		}
		return decision(name, model.ActionScaleUp, model.ResourceMemory, target, confidence(math.Abs(cur-avg5)), "memory usage above scale-up threshold", now)
	case cur < t.ScaleDown && avg5 < t.ScaleDown+5:
		target := math.Max(limit.Min, limit.Current-step)
		if target >= limit.Current {
			return nil
		}
		return decision(name, model.ActionScaleDown, model.ResourceMemory, target, confidence(math.Abs(cur-avg5)), "memory usage below scale-down threshold", now)
	}
	return nil
}

// evaluateRate implements the IO/Network analyzers against a
// rate-based sample (bytes/sec). They stay inert for any VM without a
// configured ResourceLimit for the kind; wiring a limit in via
// SetLimit activates them.
func (e *Engine) evaluateRate(name string, kind model.ResourceKind, rateBPS float64, t Thresholds, now time.Time) *model.ScalingDecision {
	limit, ok := e.limits.Limit(name, kind)
	if !ok || limit.Current <= 0 {
		return nil
	}
	pct := (rateBPS / limit.Current) * 100
	if pct > 100 {
		pct = 100
	}
	step := math.Max(ioStepFloor, limit.Current*0.25)

	switch {
	case pct > t.ScaleUp:
		target := math.Min(limit.Max, limit.Current+step)
		if target <= limit.Current {
			return nil
		}
		return decision(name, model.ActionScaleUp, kind, target, confidence(0), kind.String()+" throughput above scale-up threshold", now)
	case pct < t.ScaleDown:
		target := math.Max(limit.Min, limit.Current-step)
		if target >= limit.Current {
			return nil
		}
		return decision(name, model.ActionScaleDown, kind, target, confidence(0), kind.String()+" throughput below scale-down threshold", now)
	}
	return nil
}

// evaluatePredictive is the trailing-mean forecast, used only when no
// other decision was about to be emitted this tick.
func (e *Engine) evaluatePredictive(name string, m model.VMMetrics, t Thresholds, now time.Time) *model.ScalingDecision {
	limit, ok := e.limits.Limit(name, model.ResourceCPU)
	if !ok {
		return nil
	}
	if m.CPUAvg15Min <= t.ScaleUp {
		return nil
	}
	step := math.Max(cpuStepFloor, math.Floor(limit.Current*0.25))
	target := math.Min(limit.Max, limit.Current+step)
	if target <= limit.Current {
		return nil
	}
	return decision(name, model.ActionScaleUp, model.ResourceCPU, target, predictiveConfidence, "trailing-mean forecast exceeds scale-up threshold", now)
}

func decision(name string, action model.ScalingAction, kind model.ResourceKind, amount, conf float64, reason string, now time.Time) *model.ScalingDecision {
	return &model.ScalingDecision{
		ID:           uuid.New(),
		VMName:       name,
		Action:       action,
		ResourceKind: kind,
		Amount:       amount,
		Confidence:   conf,
		Reason:       reason,
		Timestamp:    now,
	}
}

// confidence maps |current - avg5min| to a step function: the closer
// the instantaneous reading sits to its 5-minute average, the more
// trustworthy the signal.
func confidence(diff float64) float64 {
	diff = math.Abs(diff)
	switch {
	case diff < 5:
		return 0.9
	case diff < 10:
		return 0.7
	case diff < 15:
		return 0.5
	default:
		return 0.3
	}
}

func (e *Engine) pushHistoryLocked(name string, d model.ScalingDecision) {
	h := append(e.history[name], d)
	if len(h) > historyCapacity {
		h = h[len(h)-historyCapacity:]
	}
	e.history[name] = h
}

// acceptedInWindowLocked counts history entries for name newer than
// window. Caller must hold e.mu.
func (e *Engine) acceptedInWindowLocked(name string, window time.Duration) int {
	cutoff := time.Now().Add(-window)
	n := 0
	for _, d := range e.history[name] {
		if d.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// Run drives the 2s cleanup sweep: history entries older than 24h are
// dropped, so the rolling daily counters decay to zero once a VM has
// no recent activity, without a separate counter to maintain.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	cutoff := time.Now().Add(-dailyWindow)
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, h := range e.history {
		kept := h[:0]
		for _, d := range h {
			if d.Timestamp.After(cutoff) {
				kept = append(kept, d)
			}
		}
		e.history[name] = kept
	}
}
