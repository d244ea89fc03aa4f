package gpu

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoDevices = `0, NVIDIA A100-SXM4-40GB, 87, 41, 30512, 40960, 312.45, 64
1, Tesla T4, 0, 0, 3, 15360, [N/A], 38
`

func TestParse(t *testing.T) {
	stats, err := Parse([]byte(twoDevices))
	require.NoError(t, err)
	require.Len(t, stats, 2)

	a := stats[0]
	assert.Equal(t, 0, a.Index)
	assert.Equal(t, "NVIDIA A100-SXM4-40GB", a.Name)
	assert.Equal(t, 87.0, *a.UtilizationGPU)
	assert.Equal(t, 41.0, *a.UtilizationMemory)
	assert.Equal(t, 30512.0, *a.MemoryUsedMiB)
	assert.Equal(t, 40960.0, *a.MemoryTotalMiB)
	assert.InDelta(t, 312.45, *a.PowerDrawWatts, 1e-9)
	assert.Equal(t, 64.0, *a.TemperatureC)

	b := stats[1]
	assert.Equal(t, 1, b.Index)
	assert.Nil(t, b.PowerDrawWatts, "not available is not zero")
	require.NotNil(t, b.UtilizationGPU)
	assert.Equal(t, 0.0, *b.UtilizationGPU)
}

func TestParseEmpty(t *testing.T) {
	stats, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestParseRejectsShortRecords(t *testing.T) {
	_, err := Parse([]byte("0, Tesla T4, 10\n"))
	assert.Error(t, err)
}

func fakeSMI(t *testing.T, script string) *SMI {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nvidia-smi")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return &SMI{path: path, timeout: 5 * time.Second}
}

func TestQuery(t *testing.T) {
	smi := fakeSMI(t, `case "$1" in --query-gpu=index,*) ;; *) exit 2;; esac
printf '0, Tesla T4, 55, 20, 1024, 15360, 70.1, 51\n'
`)
	stats, err := smi.Query(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "Tesla T4", stats[0].Name)
	assert.Equal(t, 55.0, *stats[0].UtilizationGPU)
}

func TestQueryFailure(t *testing.T) {
	smi := fakeSMI(t, "echo 'NVIDIA-SMI has failed' >&2; exit 9\n")
	_, err := smi.Query(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "NVIDIA-SMI has failed")
}

func TestQueryMissingBinary(t *testing.T) {
	smi := &SMI{path: filepath.Join(t.TempDir(), "absent"), timeout: time.Second}
	_, err := smi.Query(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
