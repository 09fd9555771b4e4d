package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5, cfg.Verification.MaxAttempts)
	assert.Equal(t, []int{5, 60, 1440}, cfg.Verification.BackoffMinutes)
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`queue:
  max_attempts: 7
  backoff_base_ms: 250
  backoff_max_ms: 4000
  workers: 1

policy:
  environment: PRODUCTION
  timeout_ms: 1000
  max_pages: 5
  max_patches: 5

verification:
  max_attempts: 2
  probe_timeout_ms: 500
  sweep_delay_ms: 0
  backoff_minutes: [1, 10]

server:
  base_path: /api
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pagelift.yml"), data, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.Equal(t, "PRODUCTION", cfg.Policy.Environment)
	assert.Equal(t, "/api", cfg.Server.BasePath)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"zero queue attempts":      func(c *Config) { c.Queue.MaxAttempts = 0 },
		"bad environment":          func(c *Config) { c.Policy.Environment = "STAGING" },
		"empty verify backoff":     func(c *Config) { c.Verification.BackoffMinutes = nil },
		"decreasing backoff":       func(c *Config) { c.Verification.BackoffMinutes = []int{60, 5} },
		"max below base":           func(c *Config) { c.Queue.BackoffBaseMs = 5000; c.Queue.BackoffMaxMs = 1000 },
		"zero workers":             func(c *Config) { c.Queue.Workers = 0 },
		"zero probe timeout":       func(c *Config) { c.Verification.ProbeTimeoutMs = 0 },
		"zero verify attempts cap": func(c *Config) { c.Verification.MaxAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestQueueBackoffDoublesAndCaps(t *testing.T) {
	cfg := Default()
	cfg.Queue.BackoffBaseMs = 1000
	cfg.Queue.BackoffMaxMs = 5000

	assert.Equal(t, time.Second, cfg.QueueBackoff(0))
	assert.Equal(t, 2*time.Second, cfg.QueueBackoff(1))
	assert.Equal(t, 4*time.Second, cfg.QueueBackoff(2))
	assert.Equal(t, 5*time.Second, cfg.QueueBackoff(3))
	assert.Equal(t, 5*time.Second, cfg.QueueBackoff(10))
}

func TestVerifyBackoffSchedule(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5*time.Minute, cfg.VerifyBackoff(1))
	assert.Equal(t, time.Hour, cfg.VerifyBackoff(2))
	assert.Equal(t, 24*time.Hour, cfg.VerifyBackoff(3))
	// Past the end of the schedule the last entry repeats.
	assert.Equal(t, 24*time.Hour, cfg.VerifyBackoff(4))
	assert.Equal(t, 5*time.Minute, cfg.VerifyBackoff(0))
}
