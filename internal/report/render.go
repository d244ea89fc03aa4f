package report

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/p-arndt/imagebench/internal/aggregate"
	"github.com/p-arndt/imagebench/internal/bench"
)

const maxErrorWidth = 60

// Headline is the one-line outcome of the run.
func Headline(doc *Document) string {
	c := doc.Counts()
	state := "completed"
	if doc.Cancelled {
		state = "cancelled"
	}
	return fmt.Sprintf("run %s %s in %s: %d ok, %d failed, %d timed out, %d cancelled, %d skipped",
		doc.RunID, state, doc.FinishedAt.Sub(doc.StartedAt).Round(time.Second),
		c[bench.StatusSuccess], c[bench.StatusFailure], c[bench.StatusTimeout], c[bench.StatusCancelled],
		len(doc.Skipped))
}

// PrintHeadline writes the headline colored by outcome.
func PrintHeadline(w io.Writer, doc *Document) {
	c := doc.Counts()
	hl := color.New(color.FgGreen, color.Bold)
	switch {
	case doc.Cancelled || c[bench.StatusFailure] > 0 || c[bench.StatusTimeout] > 0:
		hl = color.New(color.FgYellow, color.Bold)
	case c[bench.StatusSuccess] == 0:
		hl = color.New(color.FgRed, color.Bold)
	}
	hl.Fprintln(w, Headline(doc))
}

// Render writes the ranking and per-run tables.
func Render(w io.Writer, doc *Document) {
	for _, wr := range doc.Ranking.Workloads {
		fmt.Fprintf(w, "\nworkload %s\n", wr.WorkloadID)
		t := newTable(w)
		t.AddHeader("Rank", "Image", "Score", "Scored", "CPU mean", "Mem peak", "I/O")
		for _, e := range wr.Entries {
			cpu, memPeak, ioTotal := imageStats(doc.Summaries, wr.WorkloadID, e.ImageID)
			t.AddLine(e.Rank, e.ImageID, optFloat(e.Score, 3),
				fmt.Sprintf("%d/%d", e.Scored, e.Runs), cpu, memPeak, ioTotal)
		}
		t.Print()
	}

	if len(doc.Ranking.Overall) > 0 {
		fmt.Fprintln(w, "\noverall")
		t := newTable(w)
		t.AddHeader("Rank", "Image", "Rank sum")
		for _, e := range doc.Ranking.Overall {
			t.AddLine(e.Rank, e.ImageID, e.RankSum)
		}
		t.Print()
	}

	fmt.Fprintln(w, "\nruns")
	t := newTable(w)
	t.AddHeader("Workload", "Image", "Iter", "Status", "Duration", "CPU mean", "CPU peak", "Mem peak", "Block I/O", "Net I/O", "Samples", "Error")
	for _, s := range doc.Summaries {
		t.AddLine(s.Task.WorkloadID, s.Task.ImageID, s.Task.Iteration, s.Status,
			(time.Duration(s.DurationSeconds * float64(time.Second))).Round(time.Millisecond),
			optPercent(s.CPUMean), optPercent(s.CPUPeak), optBytes(s.MemoryPeak),
			optBytes(s.BlockIOTotal), optBytes(s.NetworkIOTotal),
			samplesCell(s), truncate(s.Error, maxErrorWidth))
	}
	t.Print()

	if len(doc.Host.GPUs) > 0 {
		fmt.Fprintln(w, "\ngpus")
		t := newTable(w)
		t.AddHeader("Index", "Name", "Util", "Memory", "Power", "Temp")
		for _, g := range doc.Host.GPUs {
			t.AddLine(g.Index, g.Name, optPercent(g.UtilizationGPU),
				gpuMemory(g), optUnit(g.PowerDrawWatts, "W"), optUnit(g.TemperatureC, "C"))
		}
		t.Print()
	}

	if len(doc.Skipped) > 0 {
		fmt.Fprintf(w, "\n%d tasks not started:\n", len(doc.Skipped))
		for _, task := range doc.Skipped {
			fmt.Fprintf(w, "  %s\n", task)
		}
	}
}

func newTable(w io.Writer) *tabby.Tabby {
	return tabby.NewCustom(tabwriter.NewWriter(w, 0, 0, 2, ' ', 0))
}

// imageStats averages the per-iteration statistics of one image on one
// workload for display.
func imageStats(summaries []aggregate.Summary, workloadID, imageID string) (cpu, memPeak, ioTotal string) {
	var cpuSum float64
	var memMax, ioMax uint64
	n, ncpu := 0, 0
	for _, s := range summaries {
		if s.Task.WorkloadID != workloadID || s.Task.ImageID != imageID || s.MemoryPeak == nil {
			continue
		}
		n++
		if s.CPUMean != nil {
			ncpu++
			cpuSum += *s.CPUMean
		}
		memMax = max(memMax, *s.MemoryPeak)
		ioMax = max(ioMax, *s.BlockIOTotal+*s.NetworkIOTotal)
	}
	if n == 0 {
		return "-", "-", "-"
	}
	cpu = "-"
	if ncpu > 0 {
		cpu = fmt.Sprintf("%.1f%%", cpuSum/float64(ncpu))
	}
	return cpu, humanize.IBytes(memMax), humanize.IBytes(ioMax)
}

func samplesCell(s aggregate.Summary) string {
	if s.SkippedSamples == 0 {
		return strconv.Itoa(s.SampleCount)
	}
	return fmt.Sprintf("%d (+%d skipped)", s.SampleCount, s.SkippedSamples)
}

func optFloat(v *float64, prec int) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}

func optPercent(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v)
}

func optBytes(v *uint64) string {
	if v == nil {
		return "-"
	}
	return humanize.IBytes(*v)
}

func optUnit(v *float64, unit string) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 0, 64) + unit
}

func gpuMemory(g bench.GPUStat) string {
	if g.MemoryUsedMiB == nil || g.MemoryTotalMiB == nil {
		return "-"
	}
	return humanize.IBytes(uint64(*g.MemoryUsedMiB)<<20) + " / " + humanize.IBytes(uint64(*g.MemoryTotalMiB)<<20)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
