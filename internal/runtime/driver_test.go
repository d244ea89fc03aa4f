package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCPUPercent(t *testing.T) {
	prev := &Snapshot{CPUUsageNs: 1_000, SystemUsageNs: 10_000, OnlineCPUs: 4}
	cur := &Snapshot{CPUUsageNs: 3_000, SystemUsageNs: 20_000, OnlineCPUs: 4}

	// 2000 / 10000 * 4 cpus * 100
	pct, ok := CPUPercent(prev, cur)
	assert.True(t, ok)
	assert.InDelta(t, 80.0, pct, 1e-9)
}

func TestCPUPercentUsesPreCounters(t *testing.T) {
	cur := &Snapshot{
		CPUUsageNs: 3_000, SystemUsageNs: 20_000,
		PreCPUUsageNs: 2_000, PreSystemUsageNs: 10_000,
		OnlineCPUs: 2,
	}
	pct, ok := CPUPercent(nil, cur)
	assert.True(t, ok)
	assert.InDelta(t, 20.0, pct, 1e-9)
}

func TestCPUPercentZeroBaseline(t *testing.T) {
	// Counters cumulative since start: the baseline is (0, 0).
	cur := &Snapshot{CPUUsageNs: 900, SystemUsageNs: 1_000, OnlineCPUs: 1, HasBaseline: true}
	pct, ok := CPUPercent(nil, cur)
	assert.True(t, ok)
	assert.InDelta(t, 90.0, pct, 1e-9)
}

func TestCPUPercentNoBaseline(t *testing.T) {
	cur := &Snapshot{CPUUsageNs: 3_000, SystemUsageNs: 20_000, OnlineCPUs: 2}
	_, ok := CPUPercent(nil, cur)
	assert.False(t, ok)
	_, ok = CPUPercent(nil, nil)
	assert.False(t, ok)
}

func TestCPUPercentCounterReset(t *testing.T) {
	prev := &Snapshot{CPUUsageNs: 5_000, SystemUsageNs: 20_000}
	cur := &Snapshot{CPUUsageNs: 1_000, SystemUsageNs: 30_000}
	_, ok := CPUPercent(prev, cur)
	assert.False(t, ok)
}

func TestCPUPercentIdleIsMeasured(t *testing.T) {
	prev := &Snapshot{CPUUsageNs: 5_000, SystemUsageNs: 20_000}
	cur := &Snapshot{CPUUsageNs: 5_000, SystemUsageNs: 30_000}
	pct, ok := CPUPercent(prev, cur)
	assert.True(t, ok)
	assert.Equal(t, 0.0, pct)
}

func TestCPUPercentDefaultsToOneCPU(t *testing.T) {
	prev := &Snapshot{CPUUsageNs: 0, SystemUsageNs: 1_000}
	cur := &Snapshot{CPUUsageNs: 500, SystemUsageNs: 2_000}
	pct, ok := CPUPercent(prev, cur)
	assert.True(t, ok)
	assert.InDelta(t, 50.0, pct, 1e-9)
}

func TestCPUPercentCappedAtAllCPUs(t *testing.T) {
	prev := &Snapshot{CPUUsageNs: 0, SystemUsageNs: 1_000}
	cur := &Snapshot{CPUUsageNs: 10_000, SystemUsageNs: 2_000, OnlineCPUs: 2}
	pct, ok := CPUPercent(prev, cur)
	assert.True(t, ok)
	assert.Equal(t, 200.0, pct)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", (&Handle{ID: "0123456789abcdef"}).ShortID())
	assert.Equal(t, "abc", (&Handle{ID: "abc"}).ShortID())
}
