package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"vmscaled/internal/model"
)

// Metrics is the set of Prometheus collectors the exporter serves:
// host/VM usage gauges, decision counters by action, executor outcome
// counters, and cgroup write failures by kind.
type Metrics struct {
	registry *prometheus.Registry

	hostCPULoad1    prometheus.Gauge
	hostMemAvail    prometheus.Gauge
	hostDiskPercent prometheus.Gauge

	vmCPUPercent *prometheus.GaugeVec
	vmMemPercent *prometheus.GaugeVec

	decisionsEmitted   *prometheus.CounterVec
	decisionsRateLimit prometheus.Counter

	executorSuccess prometheus.Counter
	executorRetry   prometheus.Counter
	executorFailure prometheus.Counter

	cgroupWriteFailures *prometheus.CounterVec
}

// NewMetrics constructs and registers every collector against a fresh
// registry, so the Supervisor can expose it independently of the
// process-global default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		hostCPULoad1: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmscaled", Subsystem: "host", Name: "cpu_load1",
			Help: "1-minute host load average.",
		}),
		hostMemAvail: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmscaled", Subsystem: "host", Name: "mem_available_bytes",
			Help: "Available host memory in bytes.",
		}),
		hostDiskPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmscaled", Subsystem: "host", Name: "disk_used_percent",
			Help: "Root filesystem used percentage.",
		}),
		vmCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmscaled", Subsystem: "vm", Name: "cpu_percent",
			Help: "Latest per-VM CPU usage percentage.",
		}, []string{"vm"}),
		vmMemPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmscaled", Subsystem: "vm", Name: "mem_percent",
			Help: "Latest per-VM resident/budget memory percentage.",
		}, []string{"vm"}),
		decisionsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmscaled", Subsystem: "scaling", Name: "decisions_emitted_total",
			Help: "ScalingDecisions enqueued, by action.",
		}, []string{"action", "resource"}),
		decisionsRateLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmscaled", Subsystem: "scaling", Name: "decisions_rate_limited_total",
			Help: "Decisions suppressed by cooldown or the daily cap.",
		}),
		executorSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmscaled", Subsystem: "executor", Name: "applied_total",
			Help: "Decisions successfully applied.",
		}),
		executorRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmscaled", Subsystem: "executor", Name: "retried_total",
			Help: "Decisions that failed once and were retried.",
		}),
		executorFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmscaled", Subsystem: "executor", Name: "abandoned_total",
			Help: "Decisions abandoned after a second failure.",
		}),
		cgroupWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmscaled", Subsystem: "cgroup", Name: "write_failures_total",
			Help: "Cgroup v2 leaf write failures by resource kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.hostCPULoad1, m.hostMemAvail, m.hostDiskPercent,
		m.vmCPUPercent, m.vmMemPercent,
		m.decisionsEmitted, m.decisionsRateLimit,
		m.executorSuccess, m.executorRetry, m.executorFailure,
		m.cgroupWriteFailures,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveHost records one HostMetrics sample.
func (m *Metrics) ObserveHost(h model.HostMetrics) {
	m.hostCPULoad1.Set(h.CPULoad1)
	m.hostMemAvail.Set(float64(h.AvailMemoryBytes))
	m.hostDiskPercent.Set(h.DiskUsedPercent)
}

// ObserveVM records one VMMetrics sample.
func (m *Metrics) ObserveVM(vm model.VMMetrics) {
	m.vmCPUPercent.WithLabelValues(vm.VMName).Set(vm.Latest.CPUPercent)
	m.vmMemPercent.WithLabelValues(vm.VMName).Set(vm.MemHistory.Latest())
}

// ObserveDecision records one enqueued ScalingDecision.
func (m *Metrics) ObserveDecision(d model.ScalingDecision) {
	m.decisionsEmitted.WithLabelValues(d.Action.String(), d.ResourceKind.String()).Inc()
}

func (m *Metrics) IncRateLimited()       { m.decisionsRateLimit.Inc() }
func (m *Metrics) IncExecutorSuccess()   { m.executorSuccess.Inc() }
func (m *Metrics) IncExecutorRetry()     { m.executorRetry.Inc() }
func (m *Metrics) IncExecutorAbandoned() { m.executorFailure.Inc() }
func (m *Metrics) IncCgroupWriteFailure(kind string) {
	m.cgroupWriteFailures.WithLabelValues(kind).Inc()
}
