package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/imagebench/internal/bench"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func result(img, wl string, status bench.Status, cpu ...float64) bench.RunResult {
	r := bench.RunResult{
		Task:      bench.Task{ImageID: img, WorkloadID: wl, Iteration: 1},
		StartTime: t0,
		EndTime:   t0.Add(10 * time.Second),
		Status:    status,
	}
	for i, c := range cpu {
		r.Samples = append(r.Samples, bench.Sample{
			Timestamp:   t0.Add(time.Duration(i) * time.Second),
			CPUPercent:  c,
			MemoryBytes: uint64(100 * (i + 1)),
		})
	}
	return r
}

func cpuOnly(s Summary) (float64, bool) {
	if s.CPUMean == nil {
		return 0, false
	}
	return *s.CPUMean, true
}

func TestSummarize(t *testing.T) {
	r := result("a", "cpu", bench.StatusSuccess, 10, 30, 20, 40)
	r.Samples[1].BlockIOBytes = 500
	r.Samples[3].BlockIOBytes = 800
	r.Samples[3].NetworkIOBytes = 42
	r.SkippedSamples = 2

	s := Summarize(r)
	assert.Equal(t, 4, s.SampleCount)
	assert.Equal(t, 2, s.SkippedSamples)
	assert.Equal(t, 10.0, s.DurationSeconds)
	require.NotNil(t, s.CPUMean)
	assert.InDelta(t, 25.0, *s.CPUMean, 1e-9)
	assert.Equal(t, 40.0, *s.CPUPeak)
	assert.Equal(t, 40.0, *s.CPUP95)
	assert.InDelta(t, 250.0, *s.MemoryMean, 1e-9)
	assert.Equal(t, uint64(400), *s.MemoryPeak)
	assert.Equal(t, uint64(800), *s.BlockIOTotal)
	assert.Equal(t, uint64(42), *s.NetworkIOTotal)
}

func TestSummarize_NoSamplesIsNil(t *testing.T) {
	s := Summarize(result("a", "cpu", bench.StatusFailure))
	assert.Zero(t, s.SampleCount)
	assert.Nil(t, s.CPUMean)
	assert.Nil(t, s.CPUPeak)
	assert.Nil(t, s.CPUP95)
	assert.Nil(t, s.MemoryMean)
	assert.Nil(t, s.MemoryPeak)
	assert.Nil(t, s.BlockIOTotal)
	assert.Nil(t, s.NetworkIOTotal)
}

func TestSummarize_ZeroLoadIsNumericZero(t *testing.T) {
	r := result("a", "cpu", bench.StatusSuccess, 0, 0)
	for i := range r.Samples {
		r.Samples[i].MemoryBytes = 0
	}
	s := Summarize(r)
	require.NotNil(t, s.CPUMean)
	assert.Equal(t, 0.0, *s.CPUMean)
	assert.Equal(t, 0.0, *s.CPUPeak)
	assert.Equal(t, 0.0, *s.MemoryMean)
	assert.Equal(t, uint64(0), *s.MemoryPeak)
}

func TestSummarize_UnknownCPUExcluded(t *testing.T) {
	// A busy run whose first sample has no CPU baseline.
	r := result("a", "cpu", bench.StatusSuccess, 0, 95, 97)
	r.Samples[0].CPUUnknown = true

	s := Summarize(r)
	assert.Equal(t, 3, s.SampleCount)
	require.NotNil(t, s.CPUMean)
	assert.InDelta(t, 96.0, *s.CPUMean, 1e-9, "mean not diluted")
	assert.Equal(t, 97.0, *s.CPUPeak)
	assert.InDelta(t, 200.0, *s.MemoryMean, 1e-9, "memory still uses every sample")
}

func TestSummarize_OnlyUnknownCPU(t *testing.T) {
	r := result("a", "cpu", bench.StatusSuccess, 0)
	r.Samples[0].CPUUnknown = true

	s := Summarize(r)
	assert.Nil(t, s.CPUMean)
	assert.Nil(t, s.CPUPeak)
	assert.Nil(t, s.CPUP95)
	require.NotNil(t, s.MemoryPeak)
	assert.Equal(t, uint64(100), *s.MemoryPeak)

	_, ok := WeightedScore(Weights{CPU: 1, Memory: 1})(s)
	assert.False(t, ok, "cpu weighted but unmeasured")
	score, ok := WeightedScore(Weights{Memory: 1})(s)
	assert.True(t, ok)
	assert.InDelta(t, 100.0/(1<<30), score, 1e-12)
}

func TestWeightedScore(t *testing.T) {
	r := result("a", "cpu", bench.StatusSuccess, 100, 100)
	r.Samples[0].MemoryBytes = 1 << 30
	r.Samples[1].MemoryBytes = 1 << 30
	r.Samples[1].BlockIOBytes = 1 << 29
	r.Samples[1].NetworkIOBytes = 1 << 29
	s := Summarize(r)

	score, ok := WeightedScore(Weights{CPU: 1, Memory: 2, IO: 3, Duration: 0.5})(s)
	require.True(t, ok)
	// 1*1 core + 2*1GiB + 3*1GiB + 0.5*10s
	assert.InDelta(t, 11.0, score, 1e-9)

	_, ok = WeightedScore(Weights{CPU: 1})(Summarize(result("a", "cpu", bench.StatusTimeout, 10)))
	assert.False(t, ok, "non-success runs are not scored")

	_, ok = WeightedScore(Weights{CPU: 1})(Summarize(result("a", "cpu", bench.StatusSuccess)))
	assert.False(t, ok, "runs without samples are not scored")
}

func TestRank_PerWorkloadAscendingWithTieBreak(t *testing.T) {
	rep := Aggregate([]bench.RunResult{
		result("zeta", "cpu", bench.StatusSuccess, 50),
		result("alpha", "cpu", bench.StatusSuccess, 50),
		result("mid", "cpu", bench.StatusSuccess, 10),
	}, cpuOnly)

	require.Len(t, rep.Ranking.Workloads, 1)
	entries := rep.Ranking.Workloads[0].Entries
	require.Len(t, entries, 3)
	assert.Equal(t, "mid", entries[0].ImageID)
	assert.Equal(t, "alpha", entries[1].ImageID, "equal scores fall back to image id")
	assert.Equal(t, "zeta", entries[2].ImageID)
	assert.Equal(t, []int{1, 2, 3}, []int{entries[0].Rank, entries[1].Rank, entries[2].Rank})
}

func TestRank_UnscoredLast(t *testing.T) {
	rep := Aggregate([]bench.RunResult{
		result("a", "cpu", bench.StatusFailure),
		result("b", "cpu", bench.StatusSuccess, 90),
	}, WeightedScore(Weights{CPU: 1}))

	entries := rep.Ranking.Workloads[0].Entries
	assert.Equal(t, "b", entries[0].ImageID)
	assert.Equal(t, "a", entries[1].ImageID)
	assert.Nil(t, entries[1].Score)
	assert.Equal(t, 0, entries[1].Scored)
	assert.Equal(t, 1, entries[1].Runs)
}

func TestRank_IterationsAveraged(t *testing.T) {
	r1 := result("a", "cpu", bench.StatusSuccess, 10)
	r2 := result("a", "cpu", bench.StatusSuccess, 30)
	r2.Task.Iteration = 2
	r3 := result("a", "cpu", bench.StatusTimeout)
	r3.Task.Iteration = 3

	rep := Aggregate([]bench.RunResult{r1, r2, r3}, cpuOnly)
	e := rep.Ranking.Workloads[0].Entries[0]
	require.NotNil(t, e.Score)
	assert.InDelta(t, 20.0, *e.Score, 1e-9)
	assert.Equal(t, 2, e.Scored)
	assert.Equal(t, 3, e.Runs)
}

func TestRank_OverallRankSum(t *testing.T) {
	rep := Aggregate([]bench.RunResult{
		result("a", "cpu", bench.StatusSuccess, 10), // cpu: a=1
		result("b", "cpu", bench.StatusSuccess, 20), // cpu: b=2
		result("c", "cpu", bench.StatusSuccess, 30), // cpu: c=3
		result("a", "io", bench.StatusSuccess, 30),  // io: a=2
		result("b", "io", bench.StatusSuccess, 10),  // io: b=1
		// c missing from io: counts as 3
	}, cpuOnly)

	overall := rep.Ranking.Overall
	require.Len(t, overall, 3)
	assert.Equal(t, OverallEntry{ImageID: "a", RankSum: 3, Rank: 1}, overall[0])
	assert.Equal(t, OverallEntry{ImageID: "b", RankSum: 3, Rank: 2}, overall[1])
	assert.Equal(t, OverallEntry{ImageID: "c", RankSum: 6, Rank: 3}, overall[2])
}

func TestAggregate_IsPureAndDeterministic(t *testing.T) {
	results := []bench.RunResult{
		result("b", "io", bench.StatusSuccess, 5, 6),
		result("a", "cpu", bench.StatusSuccess, 50, 60),
		result("a", "io", bench.StatusTimeout, 1),
		result("b", "cpu", bench.StatusSuccess, 50, 60),
	}
	before := make([]bench.RunResult, len(results))
	for i, r := range results {
		before[i] = r
		before[i].Samples = append([]bench.Sample(nil), r.Samples...)
	}

	score := WeightedScore(Weights{CPU: 1, Memory: 1, IO: 1})
	first := Aggregate(results, score)
	second := Aggregate(results, score)
	assert.Equal(t, first, second)
	assert.Equal(t, before, results, "input not mutated")

	reversed := []bench.RunResult{results[3], results[2], results[1], results[0]}
	assert.Equal(t, first, Aggregate(reversed, score), "independent of input order")
}

func TestAggregate_Empty(t *testing.T) {
	rep := Aggregate(nil, cpuOnly)
	assert.Empty(t, rep.Summaries)
	assert.Empty(t, rep.Ranking.Workloads)
	assert.Empty(t, rep.Ranking.Overall)
}
