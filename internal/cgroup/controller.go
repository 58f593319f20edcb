// Package cgroup manages one cgroup v2 leaf directory per VM. It wraps
// github.com/containerd/cgroups/v3's cgroup2 manager for the writes it
// covers (cpu.max, cpu.weight, memory.max, memory.swap.max) and falls
// back to direct sysfs writes for the two files that manager does not
// model (memory.swappiness, io.max).
package cgroup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"vmscaled/internal/vmerrors"
)

const (
	// DefaultCPUWeight is the nominal cpu.weight applied alongside
	// every CPU core limit.
	DefaultCPUWeight = 100
	// DefaultSwappiness is applied whenever a memory limit is written.
	DefaultSwappiness = 10
	cpuPeriodUs       = 100000
)

// writeFailureHook, if set, is notified on every resource-kind write
// failure ("cpu", "memory", "io") so the Telemetry Exporter can count
// them without this package depending on it. Nil by default.
var writeFailureHook func(kind string)

// SetWriteFailureHook wires the Telemetry Exporter's counter. Intended
// to be called once at process startup, before any Controller writes.
func SetWriteFailureHook(fn func(kind string)) { writeFailureHook = fn }

func reportWriteFailure(kind string) {
	if writeFailureHook != nil {
		writeFailureHook(kind)
	}
}

// Controller owns one cgroup v2 leaf for a single VM.
type Controller struct {
	name    string
	group   string // e.g. "/vm_<name>" relative to the v2 mount
	root    string
	path    string
	logger  *zap.Logger
	manager *cgroup2.Manager
}

// New creates (but does not yet populate) the leaf directory
// <root>/vm_<name> under the unified cgroup v2 hierarchy.
func New(root, name string, logger *zap.Logger) (*Controller, error) {
	if root == "" {
		root = "/sys/fs/cgroup"
	}
	group := "/vm_" + name
	c := &Controller{name: name, group: group, root: root, path: filepath.Join(root, group), logger: logger}
	if err := c.create(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) create() error {
	mgr, err := cgroup2.NewManager(c.root, c.group, &cgroup2.Resources{})
	if err != nil {
		return vmerrors.Wrap(vmerrors.KindCgroup, "create cgroup "+c.path, err)
	}
	c.manager = mgr
	return nil
}

// SetCPULimit writes cpu.max = "<quotaUs> <periodUs>" and cpu.weight.
func (c *Controller) SetCPULimit(cores float64) error {
	quota := int64(cores * float64(cpuPeriodUs))
	period := uint64(cpuPeriodUs)
	weight := uint64(DefaultCPUWeight)
	res := &cgroup2.Resources{
		CPU: &cgroup2.CPU{
			Max:    cgroup2.NewCPUMax(&quota, &period),
			Weight: &weight,
		},
	}
	if err := c.manager.Update(res); err != nil {
		reportWriteFailure("cpu")
		return vmerrors.Wrap(vmerrors.KindCgroup, "write cpu.max/cpu.weight", err)
	}
	return nil
}

// SetMemoryLimit writes memory.max, mirrors it to memory.swap.max, and
// sets memory.swappiness. Each write is attempted independently; a
// failure on one does not abort the others.
func (c *Controller) SetMemoryLimit(bytes int64) error {
	var errs *multierror.Error

	res := &cgroup2.Resources{
		Memory: &cgroup2.Memory{
			Max:  &bytes,
			Swap: &bytes,
		},
	}
	if err := c.manager.Update(res); err != nil {
		reportWriteFailure("memory")
		errs = multierror.Append(errs, vmerrors.Wrap(vmerrors.KindCgroup, "write memory.max/memory.swap.max", err))
	}

	if err := c.writeFile("memory.swappiness", strconv.Itoa(DefaultSwappiness)); err != nil {
		reportWriteFailure("memory")
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// SetIOLimit writes io.max for the given block device, e.g.
// "254:0 rbps=1000000 wbps=1000000".
func (c *Controller) SetIOLimit(device string, rbps, wbps uint64) error {
	line := fmt.Sprintf("%s rbps=%d wbps=%d", device, rbps, wbps)
	if err := c.writeFile("io.max", line); err != nil {
		reportWriteFailure("io")
		return err
	}
	return nil
}

// SetCPUWeight writes cpu.weight alone (shares-style priority, 1-10000).
func (c *Controller) SetCPUWeight(shares uint64) error {
	res := &cgroup2.Resources{CPU: &cgroup2.CPU{Weight: &shares}}
	if err := c.manager.Update(res); err != nil {
		return vmerrors.Wrap(vmerrors.KindCgroup, "write cpu.weight", err)
	}
	return nil
}

// SetMemorySwappiness writes memory.swappiness directly.
func (c *Controller) SetMemorySwappiness(value int) error {
	return c.writeFile("memory.swappiness", strconv.Itoa(value))
}

// AddProcess writes a pid into cgroup.procs.
func (c *Controller) AddProcess(pid int) error {
	if err := c.manager.AddProc(uint64(pid)); err != nil {
		return vmerrors.Wrap(vmerrors.KindCgroup, "add process to cgroup.procs", err)
	}
	return nil
}

// RemoveProcess moves a pid back to the root cgroup by writing it to
// the parent's cgroup.procs; cgroup v2 has no per-leaf "remove", only
// "move elsewhere".
func (c *Controller) RemoveProcess(pid int) error {
	parent := filepath.Join(c.root, "cgroup.procs")
	if err := os.WriteFile(parent, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return vmerrors.Wrap(vmerrors.KindCgroup, "remove process from "+c.path, err)
	}
	return nil
}

// Empty reports whether cgroup.procs is empty, the precondition for
// ReleaseAll to actually remove the directory.
func (c *Controller) Empty() (bool, error) {
	f, err := os.Open(filepath.Join(c.path, "cgroup.procs"))
	if err != nil {
		return false, vmerrors.Wrap(vmerrors.KindCgroup, "read cgroup.procs", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if strings.TrimSpace(s.Text()) != "" {
			return false, nil
		}
	}
	return true, s.Err()
}

// ReleaseAll removes the leaf directory if and only if it is empty; a
// non-empty directory is logged as a warning, never an error, and this
// method never raises — it is called from the VM's teardown path.
func (c *Controller) ReleaseAll() {
	empty, err := c.Empty()
	if err != nil {
		c.logger.Warn("cgroup release: could not read cgroup.procs", zap.String("vm", c.name), zap.Error(err))
		return
	}
	if !empty {
		c.logger.Warn("cgroup release: leaf not empty, leaving in place", zap.String("vm", c.name), zap.String("path", c.path))
		return
	}
	if err := c.manager.Delete(); err != nil {
		c.logger.Warn("cgroup release: delete failed", zap.String("vm", c.name), zap.Error(err))
	}
}

func (c *Controller) writeFile(name, value string) error {
	path := filepath.Join(c.path, name)
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return vmerrors.Wrap(vmerrors.KindCgroup, fmt.Sprintf("write %s", name), err)
	}
	return nil
}

// Path returns the absolute path to this VM's cgroup v2 leaf.
func (c *Controller) Path() string { return c.path }
