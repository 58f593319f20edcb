package system

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"vmscaled/internal/vmerrors"
)

type DiskCounters struct {
	ReadBytes  uint64
	WriteBytes uint64
}

func ReadDiskCounters() (DiskCounters, error) {
	f, err := os.Open("/proc/diskstats")
	if err != nil {
		return DiskCounters{}, vmerrors.Wrap(vmerrors.KindInternal, "open /proc/diskstats", err)
	}
	defer f.Close()

	var out DiskCounters
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 14 {
			continue
		}
		dev := parts[2]
		if !isBlockDevice(dev) {
			continue
		}
		sectorsRead, errRead := strconv.ParseUint(parts[5], 10, 64)
		sectorsWritten, errWrite := strconv.ParseUint(parts[9], 10, 64)
		if errRead != nil || errWrite != nil {
			continue
		}
		out.ReadBytes += sectorsRead * 512
		out.WriteBytes += sectorsWritten * 512
	}
	if err := s.Err(); err != nil {
		return DiskCounters{}, vmerrors.Wrap(vmerrors.KindInternal, "scan /proc/diskstats", err)
	}
	return out, nil
}

func isBlockDevice(name string) bool {
	if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") || strings.HasPrefix(name, "fd") {
		return false
	}
	if strings.HasPrefix(name, "dm-") || strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "sd") || strings.HasPrefix(name, "vd") || strings.HasPrefix(name, "xvd") {
		return true
	}
	return false
}

// DiskUsedPercent runs statvfs(path) and returns the percentage of
// space in use.
func DiskUsedPercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, vmerrors.Wrap(vmerrors.KindInternal, "statvfs "+path, err)
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bfree * uint64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	used := total - free
	return (float64(used) / float64(total)) * 100, nil
}
