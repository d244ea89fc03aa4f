// Package gpu reads NVIDIA device state through nvidia-smi.
package gpu

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/p-arndt/imagebench/internal/bench"
)

// ErrUnavailable means nvidia-smi is missing or found no usable device.
var ErrUnavailable = errors.New("nvidia-smi unavailable")

const queryFields = "index,name,utilization.gpu,utilization.memory,memory.used,memory.total,power.draw,temperature.gpu"

const defaultTimeout = 10 * time.Second

type SMI struct {
	path    string
	timeout time.Duration
}

// New returns an SMI that runs the nvidia-smi binary found on PATH.
func New() *SMI {
	return &SMI{path: "nvidia-smi", timeout: defaultTimeout}
}

// Query returns one entry per device.
func (s *SMI) Query(ctx context.Context) ([]bench.GPUStat, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.path,
		"--query-gpu="+queryFields, "--format=csv,noheader,nounits")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %w: %s", ErrUnavailable, err, msg)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return Parse(out)
}

// Parse reads nvidia-smi CSV output in queryFields order. Values reported as
// "[N/A]" or "[Not Supported]" are left nil.
func Parse(out []byte) ([]bench.GPUStat, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = 8

	var stats []bench.GPUStat
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing nvidia-smi output: %w", err)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("parsing nvidia-smi index %q: %w", rec[0], err)
		}
		stats = append(stats, bench.GPUStat{
			Index:             idx,
			Name:              strings.TrimSpace(rec[1]),
			UtilizationGPU:    number(rec[2]),
			UtilizationMemory: number(rec[3]),
			MemoryUsedMiB:     number(rec[4]),
			MemoryTotalMiB:    number(rec[5]),
			PowerDrawWatts:    number(rec[6]),
			TemperatureC:      number(rec[7]),
		})
	}
	return stats, nil
}

func number(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &v
}
