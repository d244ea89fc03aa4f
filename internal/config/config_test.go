package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.Images)
	assert.Equal(t, 1, cfg.Iterations)
	assert.Equal(t, 0, cfg.Concurrency)
	assert.Equal(t, 120*time.Second, cfg.Timeout())
	assert.Equal(t, time.Second, cfg.SampleInterval())
	assert.Equal(t, 2*time.Second, cfg.StopGrace())
	assert.Equal(t, 10*time.Second, cfg.CancelGrace())
	assert.Equal(t, "docker", cfg.Runtime)
	assert.Equal(t, "missing", cfg.Pull)
	assert.Equal(t, 1024, cfg.Limits.MemLimitMB)
	assert.Equal(t, "bridge", cfg.Limits.NetworkMode)
	assert.Equal(t, "reports", cfg.OutputDir)
	assert.Equal(t, "./imagebench.db", cfg.DBPath)
	assert.Equal(t, 1.0, cfg.Scoring.CPUWeight)
	assert.Equal(t, "imagebench.samples", cfg.Sink.NATSSubject)
	assert.NoError(t, cfg.Validate())

	n, err := cfg.OutputCap()
	require.NoError(t, err)
	assert.Equal(t, 64*1024, n)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
images:
  - python:3.12-slim
  - alpine:3.20
workloads: [cpu, io]
iterations: 3
concurrency: 4
timeout_seconds: 30
max_output_bytes: 1MiB
runtime: process
limits:
  cpu_limit: 2.0
  mem_limit_mb: 2048
scoring:
  memory_weight: 0.5
sink:
  nats_url: nats://127.0.0.1:4222
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "imagebench.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, []string{"python:3.12-slim", "alpine:3.20"}, cfg.Images)
	assert.Equal(t, []string{"cpu", "io"}, cfg.Workloads)
	assert.Equal(t, 3, cfg.Iterations)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, "process", cfg.Runtime)
	assert.Equal(t, 2.0, cfg.Limits.CPULimit)
	assert.Equal(t, 2048, cfg.Limits.MemLimitMB)
	assert.Equal(t, 0.5, cfg.Scoring.MemoryWeight)
	// Unset nested fields keep their defaults.
	assert.Equal(t, 1.0, cfg.Scoring.CPUWeight)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Sink.NATSURL)
	assert.Equal(t, "imagebench.samples", cfg.Sink.NATSSubject)

	n, err := cfg.OutputCap()
	require.NoError(t, err)
	assert.Equal(t, 1024*1024, n)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/imagebench.yaml")
	require.NoError(t, err)
	assert.Equal(t, "docker", cfg.Runtime)
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IMAGEBENCH_IMAGES", "img1, img2 ,img3")
	t.Setenv("IMAGEBENCH_WORKLOADS", "cpu,memory")
	t.Setenv("IMAGEBENCH_ITERATIONS", "2")
	t.Setenv("IMAGEBENCH_CONCURRENCY", "8")
	t.Setenv("IMAGEBENCH_TIMEOUT_SECONDS", "5")
	t.Setenv("IMAGEBENCH_SAMPLE_INTERVAL_MS", "250")
	t.Setenv("IMAGEBENCH_RUNTIME", "process")
	t.Setenv("IMAGEBENCH_PULL", "never")
	t.Setenv("IMAGEBENCH_CPU_LIMIT", "0.5")
	t.Setenv("IMAGEBENCH_MEM_LIMIT_MB", "256")
	t.Setenv("IMAGEBENCH_NETWORK_MODE", "none")
	t.Setenv("IMAGEBENCH_COMPRESS_REPORT", "true")
	t.Setenv("IMAGEBENCH_DB_PATH", "")
	t.Setenv("IMAGEBENCH_NATS_URL", "nats://bus:4222")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"img1", "img2", "img3"}, cfg.Images)
	assert.Equal(t, []string{"cpu", "memory"}, cfg.Workloads)
	assert.Equal(t, 2, cfg.Iterations)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Timeout())
	assert.Equal(t, 250*time.Millisecond, cfg.SampleInterval())
	assert.Equal(t, "process", cfg.Runtime)
	assert.Equal(t, "never", cfg.Pull)
	assert.Equal(t, 0.5, cfg.Limits.CPULimit)
	assert.Equal(t, 256, cfg.Limits.MemLimitMB)
	assert.Equal(t, "none", cfg.Limits.NetworkMode)
	assert.True(t, cfg.CompressReport)
	assert.Empty(t, cfg.DBPath, "empty env value disables the store")
	assert.Equal(t, "nats://bus:4222", cfg.Sink.NATSURL)
}

func TestEnvOverridesYAML(t *testing.T) {
	yamlContent := `
runtime: docker
iterations: 4
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "imagebench.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	t.Setenv("IMAGEBENCH_RUNTIME", "process")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "process", cfg.Runtime)
	assert.Equal(t, 4, cfg.Iterations)
}

func TestEnvOverrideInvalidValues(t *testing.T) {
	t.Setenv("IMAGEBENCH_ITERATIONS", "not-a-number")
	t.Setenv("IMAGEBENCH_CPU_LIMIT", "not-a-float")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Iterations)
	assert.Equal(t, 0.0, cfg.Limits.CPULimit)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown runtime", func(c *Config) { c.Runtime = "podman" }},
		{"unknown pull policy", func(c *Config) { c.Pull = "sometimes" }},
		{"zero timeout", func(c *Config) { c.TimeoutSeconds = 0 }},
		{"zero interval", func(c *Config) { c.SampleIntervalMs = 0 }},
		{"negative concurrency", func(c *Config) { c.Concurrency = -1 }},
		{"bad output cap", func(c *Config) { c.MaxOutputBytes = "lots" }},
		{"bad gpus", func(c *Config) { c.Limits.GPUs = "some" }},
		{"negative gpus", func(c *Config) { c.Limits.GPUs = "-2" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGPURequest(t *testing.T) {
	tests := []struct {
		in    string
		count int
		auto  bool
	}{
		{"auto", 0, true},
		{"AUTO", 0, true},
		{"", 0, false},
		{"none", 0, false},
		{"all", -1, false},
		{"2", 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg := &Config{Limits: Limits{GPUs: tt.in}}
			count, auto, err := cfg.GPURequest()
			require.NoError(t, err)
			assert.Equal(t, tt.count, count)
			assert.Equal(t, tt.auto, auto)
		})
	}
}

func TestGPUsDefaultAndEnv(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.Limits.GPUs)

	t.Setenv("IMAGEBENCH_GPUS", "all")
	cfg, err = Load("")
	require.NoError(t, err)
	count, auto, err := cfg.GPURequest()
	require.NoError(t, err)
	assert.Equal(t, -1, count)
	assert.False(t, auto)
}
