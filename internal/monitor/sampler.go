// Package monitor runs the single sampling loop that turns raw
// hypervisor and /proc counters into the moving averages ScalingEngine
// decides on.
package monitor

import (
	"context"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"

	"vmscaled/internal/hypervisor"
	"vmscaled/internal/model"
	"vmscaled/internal/system"
	"vmscaled/internal/vm"
	"vmscaled/internal/vmmanager"
)

// Memory stat tags from libvirt's virDomainMemoryStatTags enum that
// this module reads directly; go-libvirt does not name these as
// constants.
const (
	memStatActualBalloon int32 = 6
	memStatUsable        int32 = 8
)

// memStatNr is VIR_DOMAIN_MEMORY_STAT_NR, the number of defined tags;
// it is passed as the maximum so that every tag above can be returned.
const memStatNr = 13

const (
	baseSamplePeriod = 1 * time.Second
	maxBackoff       = 5 * time.Second
)

// VMCallback is invoked synchronously after every successful per-VM
// sample.
type VMCallback func(model.VMMetrics)

// HostCallback is invoked synchronously after every successful host
// sample.
type HostCallback func(model.HostMetrics)

type cpuSample struct {
	cpuTimeNs uint64
	at        time.Time
}

type ioSample struct {
	readBytes, writeBytes uint64
	rxBytes, txBytes      uint64
	at                    time.Time
}

type hostSample struct {
	disk system.DiskCounters
	net  system.NetCounters
	cpu  system.CPUCounters
	at   time.Time
}

// Sampler owns the 1Hz loop and the per-VM derived-metric state.
type Sampler struct {
	hv      *hypervisor.Handle
	mgr     *vmmanager.Manager
	logger  *zap.Logger
	rootDev string

	vmMetrics map[string]*model.VMMetrics
	prevCPU   map[string]cpuSample
	prevIO    map[string]ioSample
	hostPrev  *hostSample

	vmCallbacks   []VMCallback
	hostCallbacks []HostCallback
}

// New constructs a Sampler. rootDev is the path statvfs is run
// against for disk-usage percentage (normally "/").
func New(hv *hypervisor.Handle, mgr *vmmanager.Manager, rootDev string, logger *zap.Logger) *Sampler {
	if rootDev == "" {
		rootDev = "/"
	}
	return &Sampler{
		hv:        hv,
		mgr:       mgr,
		logger:    logger,
		rootDev:   rootDev,
		vmMetrics: make(map[string]*model.VMMetrics),
		prevCPU:   make(map[string]cpuSample),
		prevIO:    make(map[string]ioSample),
	}
}

func (s *Sampler) OnVMSample(cb VMCallback)     { s.vmCallbacks = append(s.vmCallbacks, cb) }
func (s *Sampler) OnHostSample(cb HostCallback) { s.hostCallbacks = append(s.hostCallbacks, cb) }

// Run drives the 1Hz sampling loop, backing off to maxBackoff on
// consecutive errors and resetting to baseSamplePeriod on success.
func (s *Sampler) Run(ctx context.Context) error {
	period := baseSamplePeriod
	for {
		start := time.Now()
		err := s.sampleOnce(ctx)
		if err != nil {
			s.logger.Warn("sample pass failed", zap.Error(err))
			period = backoff(period)
		} else {
			period = baseSamplePeriod
		}

		elapsed := time.Since(start)
		wait := period - elapsed
		if wait < 0 {
			wait = 0
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func backoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	if next < baseSamplePeriod {
		return baseSamplePeriod
	}
	return next
}

func (s *Sampler) sampleOnce(ctx context.Context) error {
	if err := s.sampleHost(); err != nil {
		s.logger.Warn("host sample failed", zap.Error(err))
	}
	client, err := s.hv.Client(ctx)
	if err != nil {
		return err
	}
	for _, v := range s.mgr.List() {
		if v.Status() != model.StatusRunning {
			continue
		}
		if err := s.sampleVM(client, v); err != nil {
			s.logger.Warn("vm sample failed", zap.String("vm", v.Name()), zap.Error(err))
		}
	}
	return nil
}

func (s *Sampler) sampleVM(client *golibvirt.Libvirt, v *vm.VM) error {
	name := v.Name()
	dom, err := client.DomainLookupByName(name)
	if err != nil {
		return err
	}

	_, _, _, numVCPU, cpuTimeNs, err := client.DomainGetInfo(dom)
	if err != nil {
		return err
	}

	now := time.Now()
	cpuPercent := 0.0
	if prev, ok := s.prevCPU[name]; ok {
		cpuPercent = computeCPUPercent(prev.cpuTimeNs, cpuTimeNs, prev.at, now, numVCPU)
	}
	s.prevCPU[name] = cpuSample{cpuTimeNs: cpuTimeNs, at: now}

	actual, usable, err := s.readMemoryStats(client, dom)
	if err != nil {
		s.logger.Warn("memory stats unavailable", zap.String("vm", name), zap.Error(err))
	}

	readBytes, writeBytes, rxBytes, txBytes := s.readIOCounters(client, dom, name)
	var ioRead, ioWrite, netRx, netTx float64
	if prev, ok := s.prevIO[name]; ok {
		dt := now.Sub(prev.at).Seconds()
		if dt > 0 {
			ioRead = deltaPerSec(prev.readBytes, readBytes, dt)
			ioWrite = deltaPerSec(prev.writeBytes, writeBytes, dt)
			netRx = deltaPerSec(prev.rxBytes, rxBytes, dt)
			netTx = deltaPerSec(prev.txBytes, txBytes, dt)
		}
	}
	s.prevIO[name] = ioSample{readBytes: readBytes, writeBytes: writeBytes, rxBytes: rxBytes, txBytes: txBytes, at: now}

	usage := model.ResourceUsage{
		CPUPercent:     cpuPercent,
		ResidentMemory: actual * 1024,
		MemoryBudget:   usable * 1024,
		IOReadBPS:      ioRead,
		IOWriteBPS:     ioWrite,
		NetRxBPS:       netRx,
		NetTxBPS:       netTx,
		TimestampMono:  now,
		TimestampWall:  now,
	}

	vmm, ok := s.vmMetrics[name]
	if !ok {
		vmm = model.NewVMMetrics(name)
		s.vmMetrics[name] = vmm
	}
	vmm.Push(usage)

	for _, cb := range s.vmCallbacks {
		s.safeVMCallback(cb, *vmm)
	}
	return nil
}

// safeVMCallback invokes cb, catching panics so a misbehaving
// subscriber cannot stop the sampling loop.
func (s *Sampler) safeVMCallback(cb VMCallback, m model.VMMetrics) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("vm sample callback panicked", zap.String("vm", m.VMName), zap.Any("panic", r))
		}
	}()
	cb(m)
}

func (s *Sampler) safeHostCallback(cb HostCallback, m model.HostMetrics) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("host sample callback panicked", zap.Any("panic", r))
		}
	}()
	cb(m)
}

// computeCPUPercent differences the cumulative guest CPU-time counter
// across samples, normalized to the VM's vCPU count.
func computeCPUPercent(prevNs, curNs uint64, prevAt, curAt time.Time, numVCPU uint16) float64 {
	if curNs <= prevNs || numVCPU == 0 {
		return 0
	}
	deltaNs := float64(curNs - prevNs)
	wallNs := curAt.Sub(prevAt).Seconds() * 1e9
	if wallNs <= 0 {
		return 0
	}
	pct := (deltaNs / (wallNs * float64(numVCPU))) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100*float64(numVCPU) {
		return 100 * float64(numVCPU)
	}
	return pct
}

func deltaPerSec(prev, cur uint64, dtSeconds float64) float64 {
	if cur <= prev || dtSeconds <= 0 {
		return 0
	}
	return float64(cur-prev) / dtSeconds
}

func (s *Sampler) readMemoryStats(client *golibvirt.Libvirt, dom golibvirt.Domain) (actualKiB, usableKiB uint64, err error) {
	stats, statErr := client.DomainMemoryStats(dom, memStatNr, 0)
	if statErr != nil {
		return 0, 0, statErr
	}
	for _, st := range stats {
		switch st.Tag {
		case memStatActualBalloon:
			actualKiB = st.Val
		case memStatUsable:
			usableKiB = st.Val
		}
	}
	return actualKiB, usableKiB, nil
}

func (s *Sampler) readIOCounters(client *golibvirt.Libvirt, dom golibvirt.Domain, vmName string) (readBytes, writeBytes, rxBytes, txBytes uint64) {
	if _, rdBytes, _, wrBytes, _, err := client.DomainBlockStats(dom, vm.DiskTargetDev); err == nil {
		if rdBytes >= 0 {
			readBytes = uint64(rdBytes)
		}
		if wrBytes >= 0 {
			writeBytes = uint64(wrBytes)
		}
	} else {
		s.logger.Debug("block stats unavailable", zap.String("vm", vmName), zap.Error(err))
	}

	if rx, _, _, _, tx, _, _, _, err := client.DomainInterfaceStats(dom, vm.InterfaceTargetDev(vmName)); err == nil {
		if rx >= 0 {
			rxBytes = uint64(rx)
		}
		if tx >= 0 {
			txBytes = uint64(tx)
		}
	} else {
		s.logger.Debug("interface stats unavailable", zap.String("vm", vmName), zap.Error(err))
	}
	return
}

func (s *Sampler) sampleHost() error {
	mem, err := system.ReadMemoryInfo()
	if err != nil {
		return err
	}
	disk, err := system.ReadDiskCounters()
	if err != nil {
		return err
	}
	net, err := system.ReadNetCounters()
	if err != nil {
		return err
	}
	load, err := system.ReadLoadAverage()
	if err != nil {
		return err
	}
	diskPct, err := system.DiskUsedPercent(s.rootDev)
	if err != nil {
		return err
	}
	cpu, err := system.ReadCPUCounters()
	if err != nil {
		return err
	}

	now := time.Now()
	hm := model.HostMetrics{
		Timestamp:        now,
		TotalMemoryBytes: mem.TotalBytes,
		FreeMemoryBytes:  mem.FreeBytes,
		AvailMemoryBytes: mem.AvailableBytes,
		CPULoad1:         load.Load1,
		CPULoad5:         load.Load5,
		CPULoad15:        load.Load15,
		DiskUsedPercent:  diskPct,
	}

	if s.hostPrev != nil {
		dt := now.Sub(s.hostPrev.at).Seconds()
		if dt > 0 {
			hm.IOReadBPS = deltaPerSec(s.hostPrev.disk.ReadBytes, disk.ReadBytes, dt)
			hm.IOWriteBPS = deltaPerSec(s.hostPrev.disk.WriteBytes, disk.WriteBytes, dt)
			hm.NetRxBPS = deltaPerSec(s.hostPrev.net.RxBytes, net.RxBytes, dt)
			hm.NetTxBPS = deltaPerSec(s.hostPrev.net.TxBytes, net.TxBytes, dt)
		}
		hm.CPUPercent = system.CPUUsage(s.hostPrev.cpu, cpu)
	}
	s.hostPrev = &hostSample{disk: disk, net: net, cpu: cpu, at: now}

	for _, cb := range s.hostCallbacks {
		s.safeHostCallback(cb, hm)
	}
	return nil
}
