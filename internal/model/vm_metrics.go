package model

import "time"

// HistoryPoint is one entry in a VM's unbounded-but-trimmed sample
// history (hard cap 1000 points), used for the 15-minute average and
// for the predictive trailing-mean override.
type HistoryPoint struct {
	Timestamp  time.Time
	CPUPercent float64
	MemPercent float64
}

const (
	// ShortRingCapacity backs the 5-minute average at a 1Hz monitor
	// cadence: 300 samples.
	ShortRingCapacity = 300
	// LongHistoryCapacity is the hard cap on the unbounded-but-trimmed
	// per-VM history; at 1Hz it covers the 15-minute window (900
	// points) with headroom.
	LongHistoryCapacity = 1000
	// LongWindowSamples is the sample count treated as the 15-minute
	// window inside the long history.
	LongWindowSamples = 900
)

// VMMetrics is the latest sample plus derived moving averages for one
// VM. Averages are recomputed on every Push.
type VMMetrics struct {
	VMName      string
	Latest      ResourceUsage
	CPUHistory  *FloatRing
	MemHistory  *FloatRing
	LongHistory []HistoryPoint

	CPUAvg5Min  float64
	CPUAvg15Min float64
	MemAvg5Min  float64
}

func NewVMMetrics(name string) *VMMetrics {
	return &VMMetrics{
		VMName:      name,
		CPUHistory:  NewFloatRing(ShortRingCapacity),
		MemHistory:  NewFloatRing(ShortRingCapacity),
		LongHistory: make([]HistoryPoint, 0, 64),
	}
}

// Push records a new sample, updates the rings, trims the long history,
// and recomputes every moving average.
func (m *VMMetrics) Push(u ResourceUsage) {
	m.Latest = u
	m.CPUHistory.Push(u.CPUPercent)
	memPercent := percentOf(u.ResidentMemory, u.MemoryBudget)
	m.MemHistory.Push(memPercent)

	m.LongHistory = append(m.LongHistory, HistoryPoint{
		Timestamp:  u.TimestampWall,
		CPUPercent: u.CPUPercent,
		MemPercent: memPercent,
	})
	if len(m.LongHistory) > LongHistoryCapacity {
		drop := len(m.LongHistory) - LongHistoryCapacity
		m.LongHistory = m.LongHistory[drop:]
	}

	m.CPUAvg5Min = mean(m.CPUHistory.Values())
	m.MemAvg5Min = mean(m.MemHistory.Values())
	m.CPUAvg15Min = m.longTailMean(LongWindowSamples)
}

func (m *VMMetrics) longTailMean(n int) float64 {
	if len(m.LongHistory) == 0 {
		return 0
	}
	if n > len(m.LongHistory) {
		n = len(m.LongHistory)
	}
	start := len(m.LongHistory) - n
	var sum float64
	for _, p := range m.LongHistory[start:] {
		sum += p.CPUPercent
	}
	return sum / float64(n)
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func percentOf(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	p := (float64(used) / float64(total)) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
