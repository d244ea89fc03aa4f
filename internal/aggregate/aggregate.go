// Package aggregate reduces run results into per-run summaries and ranks
// images per workload and overall. Everything here is a pure function of
// its input.
package aggregate

import (
	"maps"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/p-arndt/imagebench/internal/bench"
)

// Summary is the statistics of one run. Nil statistics mean no load was
// measured, which is distinct from a measured zero.
type Summary struct {
	Task            bench.Task   `json:"task"`
	Status          bench.Status `json:"status"`
	Error           string       `json:"error,omitempty"`
	DurationSeconds float64      `json:"duration_seconds"`
	SampleCount     int          `json:"sample_count"`
	SkippedSamples  int          `json:"skipped_samples"`
	CPUMean         *float64     `json:"cpu_mean"`
	CPUPeak         *float64     `json:"cpu_peak"`
	CPUP95          *float64     `json:"cpu_p95"`
	MemoryMean      *float64     `json:"memory_mean"`
	MemoryPeak      *uint64      `json:"memory_peak"`
	BlockIOTotal    *uint64      `json:"block_io_total"`
	NetworkIOTotal  *uint64      `json:"network_io_total"`
}

// Summarize computes the statistics of r. Gaps left by skipped samples are
// not interpolated. I/O counters are cumulative, so the totals are their
// highest observed values. Samples without a CPU baseline count for memory
// and I/O only; CPU statistics stay nil when no sample has one.
func Summarize(r bench.RunResult) Summary {
	s := Summary{
		Task:            r.Task,
		Status:          r.Status,
		Error:           r.Error,
		DurationSeconds: r.Duration().Seconds(),
		SampleCount:     len(r.Samples),
		SkippedSamples:  r.SkippedSamples,
	}
	if len(r.Samples) == 0 {
		return s
	}

	cpu := make([]float64, 0, len(r.Samples))
	memory := make([]float64, len(r.Samples))
	var memPeak, blkPeak, netPeak uint64
	for i, smp := range r.Samples {
		if !smp.CPUUnknown {
			cpu = append(cpu, smp.CPUPercent)
		}
		memory[i] = float64(smp.MemoryBytes)
		memPeak = max(memPeak, smp.MemoryBytes)
		blkPeak = max(blkPeak, smp.BlockIOBytes)
		netPeak = max(netPeak, smp.NetworkIOBytes)
	}

	if len(cpu) > 0 {
		cpuMean := stat.Mean(cpu, nil)
		sorted := slices.Clone(cpu)
		sort.Float64s(sorted)
		cpuPeak := sorted[len(sorted)-1]
		cpuP95 := stat.Quantile(0.95, stat.Empirical, sorted, nil)
		s.CPUMean = &cpuMean
		s.CPUPeak = &cpuPeak
		s.CPUP95 = &cpuP95
	}

	memMean := stat.Mean(memory, nil)
	s.MemoryMean = &memMean
	s.MemoryPeak = &memPeak
	s.BlockIOTotal = &blkPeak
	s.NetworkIOTotal = &netPeak
	return s
}

// ScoreFunc maps a summary to a score where lower is better. ok is false
// when the run cannot be scored.
type ScoreFunc func(s Summary) (score float64, ok bool)

// Weights configure WeightedScore.
type Weights struct {
	CPU      float64 `json:"cpu"`
	Memory   float64 `json:"memory"`
	IO       float64 `json:"io"`
	Duration float64 `json:"duration"`
}

const gib = 1 << 30

// WeightedScore is the default score:
//
//	cpu*meanCores + memory*meanGiB + io*totalIOGiB + duration*seconds
//
// where meanCores is mean CPU percent / 100 and totalIOGiB sums block and
// network I/O. Only successful runs with at least one sample are scored; a
// non-zero CPU weight also needs a CPU measurement.
func WeightedScore(w Weights) ScoreFunc {
	return func(s Summary) (float64, bool) {
		if s.Status != bench.StatusSuccess || s.MemoryMean == nil {
			return 0, false
		}
		var cores float64
		switch {
		case s.CPUMean != nil:
			cores = *s.CPUMean / 100
		case w.CPU != 0:
			return 0, false
		}
		io := float64(*s.BlockIOTotal + *s.NetworkIOTotal)
		score := w.CPU*cores +
			w.Memory*(*s.MemoryMean/gib) +
			w.IO*(io/gib) +
			w.Duration*s.DurationSeconds
		return score, true
	}
}

// Entry is one image's place in a workload ranking. Score is nil when no
// iteration of the image could be scored; such images rank last.
type Entry struct {
	ImageID string   `json:"image_id"`
	Score   *float64 `json:"score"`
	Scored  int      `json:"scored_runs"`
	Runs    int      `json:"runs"`
	Rank    int      `json:"rank"`
}

type WorkloadRanking struct {
	WorkloadID string  `json:"workload_id"`
	Entries    []Entry `json:"entries"`
}

type OverallEntry struct {
	ImageID string `json:"image_id"`
	RankSum int    `json:"rank_sum"`
	Rank    int    `json:"rank"`
}

type Ranking struct {
	Workloads []WorkloadRanking `json:"workloads"`
	Overall   []OverallEntry    `json:"overall"`
}

type Report struct {
	Summaries []Summary `json:"summaries"`
	Ranking   Ranking   `json:"ranking"`
}

// Aggregate summarizes every result and ranks images. It never modifies
// results and returns identical output for identical input.
func Aggregate(results []bench.RunResult, score ScoreFunc) Report {
	summaries := make([]Summary, 0, len(results))
	for _, r := range results {
		summaries = append(summaries, Summarize(r))
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i].Task, summaries[j].Task
		if a.WorkloadID != b.WorkloadID {
			return a.WorkloadID < b.WorkloadID
		}
		if a.ImageID != b.ImageID {
			return a.ImageID < b.ImageID
		}
		return a.Iteration < b.Iteration
	})
	return Report{Summaries: summaries, Ranking: Rank(summaries, score)}
}

// Rank orders images per workload by mean score over their scorable runs,
// ascending, ties broken by image ID. The overall ranking is the rank-sum
// across workloads; an image missing from a workload counts as one past
// that workload's last place.
func Rank(summaries []Summary, score ScoreFunc) Ranking {
	type acc struct {
		total  float64
		scored int
		runs   int
	}
	byWorkload := map[string]map[string]*acc{}
	images := map[string]struct{}{}
	for _, s := range summaries {
		wl, img := s.Task.WorkloadID, s.Task.ImageID
		images[img] = struct{}{}
		if byWorkload[wl] == nil {
			byWorkload[wl] = map[string]*acc{}
		}
		a := byWorkload[wl][img]
		if a == nil {
			a = &acc{}
			byWorkload[wl][img] = a
		}
		a.runs++
		if v, ok := score(s); ok && !math.IsNaN(v) {
			a.total += v
			a.scored++
		}
	}

	workloads := slices.Sorted(maps.Keys(byWorkload))
	ranking := Ranking{Workloads: make([]WorkloadRanking, 0, len(workloads))}
	for _, wl := range workloads {
		entries := make([]Entry, 0, len(byWorkload[wl]))
		for img, a := range byWorkload[wl] {
			e := Entry{ImageID: img, Scored: a.scored, Runs: a.runs}
			if a.scored > 0 {
				mean := a.total / float64(a.scored)
				e.Score = &mean
			}
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entryLess(entries[i], entries[j])
		})
		for i := range entries {
			entries[i].Rank = i + 1
		}
		ranking.Workloads = append(ranking.Workloads, WorkloadRanking{WorkloadID: wl, Entries: entries})
	}

	overall := make([]OverallEntry, 0, len(images))
	for _, img := range slices.Sorted(maps.Keys(images)) {
		sum := 0
		for _, wr := range ranking.Workloads {
			pos := len(wr.Entries) + 1
			for _, e := range wr.Entries {
				if e.ImageID == img {
					pos = e.Rank
					break
				}
			}
			sum += pos
		}
		overall = append(overall, OverallEntry{ImageID: img, RankSum: sum})
	}
	sort.SliceStable(overall, func(i, j int) bool {
		if overall[i].RankSum != overall[j].RankSum {
			return overall[i].RankSum < overall[j].RankSum
		}
		return overall[i].ImageID < overall[j].ImageID
	})
	for i := range overall {
		overall[i].Rank = i + 1
	}
	ranking.Overall = overall
	return ranking
}

func entryLess(a, b Entry) bool {
	switch {
	case a.Score != nil && b.Score == nil:
		return true
	case a.Score == nil && b.Score != nil:
		return false
	case a.Score != nil && *a.Score != *b.Score:
		return *a.Score < *b.Score
	}
	return a.ImageID < b.ImageID
}
