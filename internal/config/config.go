package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models pagelift.yml. Retry counts and backoff values are explicit
// here so tests can assert exact schedules instead of relying on library
// defaults.
type Config struct {
	Queue struct {
		MaxAttempts   int `yaml:"max_attempts"`
		BackoffBaseMs int `yaml:"backoff_base_ms"`
		BackoffMaxMs  int `yaml:"backoff_max_ms"`
		Workers       int `yaml:"workers"`
	} `yaml:"queue"`
	Policy struct {
		Environment string `yaml:"environment"`
		TimeoutMs   int    `yaml:"timeout_ms"`
		MaxPages    int    `yaml:"max_pages"`
		MaxPatches  int    `yaml:"max_patches"`
	} `yaml:"policy"`
	Verification struct {
		MaxAttempts    int   `yaml:"max_attempts"`
		ProbeTimeoutMs int   `yaml:"probe_timeout_ms"`
		SweepDelayMs   int   `yaml:"sweep_delay_ms"`
		BackoffMinutes []int `yaml:"backoff_minutes"`
	} `yaml:"verification"`
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config.queue.max_attempts must be >= 1")
	}
	if c.Queue.BackoffBaseMs < 0 {
		return fmt.Errorf("config.queue.backoff_base_ms must be >= 0")
	}
	if c.Queue.BackoffMaxMs > 0 && c.Queue.BackoffMaxMs < c.Queue.BackoffBaseMs {
		return fmt.Errorf("config.queue.backoff_max_ms must be >= backoff_base_ms")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("config.queue.workers must be >= 1")
	}
	switch c.Policy.Environment {
	case "DRY_RUN", "PRODUCTION":
	default:
		return fmt.Errorf("config.policy.environment must be DRY_RUN or PRODUCTION")
	}
	if c.Policy.TimeoutMs < 1 {
		return fmt.Errorf("config.policy.timeout_ms must be >= 1")
	}
	if c.Verification.MaxAttempts < 1 {
		return fmt.Errorf("config.verification.max_attempts must be >= 1")
	}
	if c.Verification.ProbeTimeoutMs < 1 {
		return fmt.Errorf("config.verification.probe_timeout_ms must be >= 1")
	}
	if len(c.Verification.BackoffMinutes) == 0 {
		return fmt.Errorf("config.verification.backoff_minutes is required")
	}
	prev := 0
	for i, m := range c.Verification.BackoffMinutes {
		if m < 1 {
			return fmt.Errorf("config.verification.backoff_minutes[%d] must be >= 1", i)
		}
		if m < prev {
			return fmt.Errorf("config.verification.backoff_minutes must be non-decreasing")
		}
		prev = m
	}
	return nil
}

// QueueBackoff returns the delay before retry attempt n (0-based).
func (c *Config) QueueBackoff(attempt int) time.Duration {
	d := time.Duration(c.Queue.BackoffBaseMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if max := time.Duration(c.Queue.BackoffMaxMs) * time.Millisecond; max > 0 && d > max {
		d = max
	}
	return d
}

// VerifyBackoff returns the recheck delay after the given attempt count
// (1-based). Attempts past the end of the schedule reuse the last entry.
func (c *Config) VerifyBackoff(attempt int) time.Duration {
	sched := c.Verification.BackoffMinutes
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(sched) {
		idx = len(sched) - 1
	}
	return time.Duration(sched[idx]) * time.Minute
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pagelift.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `queue:
  max_attempts: 3
  backoff_base_ms: 1000
  backoff_max_ms: 60000
  workers: 2

policy:
  environment: DRY_RUN
  timeout_ms: 30000
  max_pages: 25
  max_patches: 50

verification:
  max_attempts: 5
  probe_timeout_ms: 60000
  sweep_delay_ms: 500
  backoff_minutes: [5, 60, 1440]

server:
  base_path: /v0
`
