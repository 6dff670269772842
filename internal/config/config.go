// Package config loads and saves testsmith configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all testsmith configuration.
type Config struct {
	Slots      SlotsConfig      `toml:"slots"`
	Health     HealthConfig     `toml:"health"`
	Heartbeat  HeartbeatConfig  `toml:"heartbeat"`
	Retry      RetryConfig      `toml:"retry"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Backend    BackendConfig    `toml:"backend"`
	API        APIConfig        `toml:"api"`
}

// SlotsConfig sets the concurrency caps.
type SlotsConfig struct {
	MaxGeneration     int `toml:"max_generation"`
	MaxExecution      int `toml:"max_execution"`
	MaxTotal          int `toml:"max_total"`
	ReservationTTLSec int `toml:"reservation_ttl_sec"`
}

// HealthConfig sets the analyzer thresholds.
type HealthConfig struct {
	MaxCPUPercent      float64 `toml:"max_cpu_percent"`
	MaxMemoryMB        int     `toml:"max_memory_mb"`
	MinOutputRate      float64 `toml:"min_output_rate"` // bytes/sec
	MaxSilenceSec      int     `toml:"max_silence_sec"`
	GracePeriodSec     int     `toml:"grace_period_sec"`
	MaxErrorCount      int     `toml:"max_error_count"`
	AnalysisWindowSec  int     `toml:"analysis_window_sec"`
	MinProgressMarkers int     `toml:"min_progress_markers"`
}

// HeartbeatConfig sets the supervision cadence and hard deadline.
type HeartbeatConfig struct {
	IntervalSec    int `toml:"interval_sec"`
	TaskTimeoutSec int `toml:"task_timeout_sec"`
}

// RetryConfig sets the retry policy.
type RetryConfig struct {
	MaxAttempts    int `toml:"max_attempts"`
	BackoffBaseSec int `toml:"backoff_base_sec"`
	BackoffMaxSec  int `toml:"backoff_max_sec"`
}

// CheckpointConfig sets resume eligibility and retention.
type CheckpointConfig struct {
	Dir             string `toml:"dir"`
	ResumeThreshold int    `toml:"resume_threshold"` // percent
	MaxFailures     int    `toml:"max_failures"`
	ResumeTailBytes int    `toml:"resume_tail_bytes"`
	MaxAgeHours     int    `toml:"max_age_hours"`
}

// BackendConfig describes the generation CLI.
type BackendConfig struct {
	Command          string   `toml:"command"`
	Args             []string `toml:"args"`
	PromptArg        string   `toml:"prompt_arg"` // empty = prompt on stdin
	OutputFormatArgs []string `toml:"output_format_args"`
	VersionArgs      []string `toml:"version_args"`
	WorkDir          string   `toml:"work_dir"`
	ProgressPatterns []string `toml:"progress_patterns"`
	ErrorPatterns    []string `toml:"error_patterns"`
	WaitingPatterns  []string `toml:"waiting_patterns"`
}

// APIConfig controls the status HTTP server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	home := testsmithHome()
	return Config{
		Slots: SlotsConfig{
			MaxGeneration:     3,
			MaxExecution:      2,
			MaxTotal:          4,
			ReservationTTLSec: 30,
		},
		Health: HealthConfig{
			MaxCPUPercent:      95,
			MaxMemoryMB:        2048,
			MinOutputRate:      1, // a byte a second keeps the reaper away
			MaxSilenceSec:      120,
			GracePeriodSec:     60,
			MaxErrorCount:      5,
			AnalysisWindowSec:  300,
			MinProgressMarkers: 1,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSec:    15,
			TaskTimeoutSec: 600,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BackoffBaseSec: 2,
			BackoffMaxSec:  60,
		},
		Checkpoint: CheckpointConfig{
			Dir:             filepath.Join(home, "checkpoints"),
			ResumeThreshold: 10,
			MaxFailures:     3,
			ResumeTailBytes: 4096,
			MaxAgeHours:     72,
		},
		Backend: BackendConfig{
			Command:          "claude",
			Args:             nil,
			PromptArg:        "-p",
			OutputFormatArgs: []string{"--output-format", "json"},
			VersionArgs:      []string{"--version"},
			ProgressPatterns: []string{"writing", "generating", "test", "func "},
			ErrorPatterns:    []string{"error", "exception", "failed", "traceback"},
			WaitingPatterns:  []string{"continue?", "y/n", "press enter", "waiting for input"},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8931,
		},
	}
}

// Load reads config from $TESTSMITH_HOME/config.toml, falling back to
// defaults when the file does not exist.
func Load() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(testsmithHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to $TESTSMITH_HOME/config.toml.
func Save(cfg Config) error {
	path := filepath.Join(testsmithHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Home returns the testsmith data directory.
func Home() string {
	return testsmithHome()
}

func testsmithHome() string {
	if env := os.Getenv("TESTSMITH_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".testsmith")
}

// Durations converted from the integer-second TOML fields.

func (c HealthConfig) MaxSilence() time.Duration     { return time.Duration(c.MaxSilenceSec) * time.Second }
func (c HealthConfig) GracePeriod() time.Duration    { return time.Duration(c.GracePeriodSec) * time.Second }
func (c HealthConfig) AnalysisWindow() time.Duration { return time.Duration(c.AnalysisWindowSec) * time.Second }

func (c HeartbeatConfig) Interval() time.Duration    { return time.Duration(c.IntervalSec) * time.Second }
func (c HeartbeatConfig) TaskTimeout() time.Duration { return time.Duration(c.TaskTimeoutSec) * time.Second }

func (c RetryConfig) BackoffBase() time.Duration { return time.Duration(c.BackoffBaseSec) * time.Second }
func (c RetryConfig) BackoffMax() time.Duration  { return time.Duration(c.BackoffMaxSec) * time.Second }

func (c SlotsConfig) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLSec) * time.Second
}

func (c CheckpointConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}
