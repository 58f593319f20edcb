package system

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"vmscaled/internal/vmerrors"
)

// LoadAverage is the 1/5/15-minute load average reported by the
// kernel scheduler.
type LoadAverage struct {
	Load1  float64
	Load5  float64
	Load15 float64
}

// ReadLoadAverage parses /proc/loadavg.
func ReadLoadAverage() (LoadAverage, error) {
	f, err := os.Open("/proc/loadavg")
	if err != nil {
		return LoadAverage{}, vmerrors.Wrap(vmerrors.KindInternal, "open /proc/loadavg", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	if !s.Scan() {
		if err := s.Err(); err != nil {
			return LoadAverage{}, vmerrors.Wrap(vmerrors.KindInternal, "scan /proc/loadavg", err)
		}
		return LoadAverage{}, vmerrors.New(vmerrors.KindInternal, "/proc/loadavg is empty")
	}
	fields := strings.Fields(s.Text())
	if len(fields) < 3 {
		return LoadAverage{}, vmerrors.New(vmerrors.KindInternal, "unexpected /proc/loadavg format")
	}
	l1, err1 := strconv.ParseFloat(fields[0], 64)
	l5, err5 := strconv.ParseFloat(fields[1], 64)
	l15, err15 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err5 != nil || err15 != nil {
		return LoadAverage{}, vmerrors.New(vmerrors.KindInternal, "parse /proc/loadavg")
	}
	return LoadAverage{Load1: l1, Load5: l5, Load15: l15}, nil
}
