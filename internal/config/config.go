package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type Limits struct {
	CPULimit    float64 `yaml:"cpu_limit"`
	MemLimitMB  int     `yaml:"mem_limit_mb"`
	PidsLimit   int     `yaml:"pids_limit"`
	NetworkMode string  `yaml:"network_mode"`
	// GPUs is "auto" (all devices when nvidia-smi finds any), "all", "none"
	// or a device count.
	GPUs string `yaml:"gpus"`
}

// Scoring holds the weights of the default ranking score. See aggregate.WeightedScore.
type Scoring struct {
	CPUWeight      float64 `yaml:"cpu_weight"`
	MemoryWeight   float64 `yaml:"memory_weight"`
	IOWeight       float64 `yaml:"io_weight"`
	DurationWeight float64 `yaml:"duration_weight"`
}

type SinkConfig struct {
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
	SQSQueueURL string `yaml:"sqs_queue_url"`
	SQSRegion   string `yaml:"sqs_region"`
	TimeoutMs   int    `yaml:"timeout_ms"`
}

type Config struct {
	Images             []string   `yaml:"images"`
	AllowedImages      []string   `yaml:"allowed_images"`
	Workloads          []string   `yaml:"workloads"`
	WorkloadsFile      string     `yaml:"workloads_file"`
	Iterations         int        `yaml:"iterations"`
	Concurrency        int        `yaml:"concurrency"` // 0 = derive from host resources
	TimeoutSeconds     int        `yaml:"timeout_seconds"`
	SampleIntervalMs   int        `yaml:"sample_interval_ms"`
	StopGraceSeconds   int        `yaml:"stop_grace_seconds"`
	CancelGraceSeconds int        `yaml:"cancel_grace_seconds"`
	MaxOutputBytes     string     `yaml:"max_output_bytes"`
	Runtime            string     `yaml:"runtime"` // docker | process
	Pull               string     `yaml:"pull"`    // missing | always | never
	Limits             Limits     `yaml:"limits"`
	OutputDir          string     `yaml:"output_dir"`
	CompressReport     bool       `yaml:"compress_report"`
	DBPath             string     `yaml:"db_path"`
	Scoring            Scoring    `yaml:"scoring"`
	Sink               SinkConfig `yaml:"sink"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Iterations:         1,
		TimeoutSeconds:     120,
		SampleIntervalMs:   1000,
		StopGraceSeconds:   2,
		CancelGraceSeconds: 10,
		MaxOutputBytes:     "64KiB",
		Runtime:            "docker",
		Pull:               "missing",
		Limits: Limits{
			CPULimit:    0,
			MemLimitMB:  1024,
			PidsLimit:   512,
			NetworkMode: "bridge",
			GPUs:        "auto",
		},
		OutputDir: "reports",
		DBPath:    "./imagebench.db",
		Scoring: Scoring{
			CPUWeight:      1.0,
			MemoryWeight:   1.0,
			IOWeight:       1.0,
			DurationWeight: 0,
		},
		Sink: SinkConfig{
			NATSSubject: "imagebench.samples",
			SQSRegion:   "eu-central-1",
			TimeoutMs:   2000,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Runtime {
	case "docker", "process":
	default:
		return fmt.Errorf("unknown runtime %q (want docker or process)", c.Runtime)
	}
	switch c.Pull {
	case "missing", "always", "never":
	default:
		return fmt.Errorf("unknown pull policy %q (want missing, always or never)", c.Pull)
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}
	if c.SampleIntervalMs <= 0 {
		return fmt.Errorf("sample_interval_ms must be positive, got %d", c.SampleIntervalMs)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if _, err := c.OutputCap(); err != nil {
		return err
	}
	if _, _, err := c.GPURequest(); err != nil {
		return err
	}
	return nil
}

// GPURequest parses Limits.GPUs into a device count for the runtime (-1 =
// all). auto is true when the count depends on the devices present.
func (c *Config) GPURequest() (count int, auto bool, err error) {
	switch v := strings.ToLower(strings.TrimSpace(c.Limits.GPUs)); v {
	case "auto":
		return 0, true, nil
	case "", "none", "0":
		return 0, false, nil
	case "all":
		return -1, false, nil
	default:
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, false, fmt.Errorf("limits.gpus must be auto, all, none or a device count, got %q", c.Limits.GPUs)
		}
		return n, false, nil
	}
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMs) * time.Millisecond
}

func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

func (c *Config) SinkTimeout() time.Duration {
	return time.Duration(c.Sink.TimeoutMs) * time.Millisecond
}

// OutputCap parses MaxOutputBytes ("64KiB", "1MB", "4096").
func (c *Config) OutputCap() (int, error) {
	n, err := units.RAMInBytes(c.MaxOutputBytes)
	if err != nil {
		return 0, fmt.Errorf("max_output_bytes: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("max_output_bytes must be positive, got %q", c.MaxOutputBytes)
	}
	return int(n), nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IMAGEBENCH_IMAGES"); v != "" {
		cfg.Images = splitList(v)
	}
	if v := os.Getenv("IMAGEBENCH_ALLOWED_IMAGES"); v != "" {
		cfg.AllowedImages = splitList(v)
	}
	if v := os.Getenv("IMAGEBENCH_WORKLOADS"); v != "" {
		cfg.Workloads = splitList(v)
	}
	if v := os.Getenv("IMAGEBENCH_WORKLOADS_FILE"); v != "" {
		cfg.WorkloadsFile = v
	}
	if v := os.Getenv("IMAGEBENCH_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Iterations = n
		}
	}
	if v := os.Getenv("IMAGEBENCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("IMAGEBENCH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("IMAGEBENCH_SAMPLE_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SampleIntervalMs = n
		}
	}
	if v := os.Getenv("IMAGEBENCH_MAX_OUTPUT_BYTES"); v != "" {
		cfg.MaxOutputBytes = v
	}
	if v := os.Getenv("IMAGEBENCH_RUNTIME"); v != "" {
		cfg.Runtime = v
	}
	if v := os.Getenv("IMAGEBENCH_PULL"); v != "" {
		cfg.Pull = v
	}
	if v := os.Getenv("IMAGEBENCH_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limits.CPULimit = f
		}
	}
	if v := os.Getenv("IMAGEBENCH_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MemLimitMB = n
		}
	}
	if v := os.Getenv("IMAGEBENCH_NETWORK_MODE"); v != "" {
		cfg.Limits.NetworkMode = v
	}
	if v := os.Getenv("IMAGEBENCH_GPUS"); v != "" {
		cfg.Limits.GPUs = v
	}
	if v := os.Getenv("IMAGEBENCH_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("IMAGEBENCH_COMPRESS_REPORT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CompressReport = b
		}
	}
	if v, ok := os.LookupEnv("IMAGEBENCH_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v := os.Getenv("IMAGEBENCH_NATS_URL"); v != "" {
		cfg.Sink.NATSURL = v
	}
	if v := os.Getenv("IMAGEBENCH_NATS_SUBJECT"); v != "" {
		cfg.Sink.NATSSubject = v
	}
	if v := os.Getenv("IMAGEBENCH_SQS_QUEUE_URL"); v != "" {
		cfg.Sink.SQSQueueURL = v
	}
	if v := os.Getenv("IMAGEBENCH_SQS_REGION"); v != "" {
		cfg.Sink.SQSRegion = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
