// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the engine configuration surface. Defaults are
// overridden by an optional YAML file, which in turn is overridden by flags.
package config

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Detector   DetectorConfig   `yaml:"detector"`
	Optimizer  OptimizerConfig  `yaml:"optimizer"`
	Applicator ApplicatorConfig `yaml:"applicator"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Store      StoreConfig      `yaml:"store"`
}

// DiscoveryConfig controls the polling loop.
type DiscoveryConfig struct {
	// IntervalSeconds is the poll cadence per monitored connection.
	IntervalSeconds int `yaml:"interval_seconds"`
	// MaxQueriesPerPoll caps rows read from a performance catalog per poll.
	MaxQueriesPerPoll int `yaml:"max_queries_per_poll"`
	// Workers is the size of the poll worker pool. Zero means one worker
	// per CPU core, capped at 8.
	Workers int `yaml:"workers"`
	// QueueSize bounds the poll job queue.
	QueueSize int `yaml:"queue_size"`
}

// DetectorConfig tunes the issue detector thresholds.
type DetectorConfig struct {
	// LargeTableRows is the per-engine sequential scan threshold. Engines
	// not present fall back to the "default" entry.
	LargeTableRows map[string]int64 `yaml:"large_table_rows"`
	// StaleStatsRatio is the estimated/actual row mismatch that flags
	// stale statistics.
	StaleStatsRatio float64 `yaml:"stale_stats_ratio"`
}

// OptimizerConfig tunes the optimization orchestrator.
type OptimizerConfig struct {
	CompletionSoftTimeoutSec int     `yaml:"completion_soft_timeout_sec"`
	CompletionHardTimeoutSec int     `yaml:"completion_hard_timeout_sec"`
	MinImprovementPct        float64 `yaml:"min_improvement_pct"`
	MaxRegressionPct         float64 `yaml:"max_regression_pct"`
}

// ApplicatorConfig tunes the fix applicator safety gates.
type ApplicatorConfig struct {
	BusinessHoursEnabled     bool `yaml:"business_hours_enabled"`
	BusinessHoursStart       int  `yaml:"business_hours_start"`
	BusinessHoursEnd         int  `yaml:"business_hours_end"`
	EnableDDLExecution       bool `yaml:"enable_ddl_execution"`
	AllowDangerousOperations bool `yaml:"allow_dangerous_operations"`
}

// ValidatorConfig tunes before/after measurement.
type ValidatorConfig struct {
	Iterations             int  `yaml:"iterations"`
	AutoRevertOnRegression bool `yaml:"auto_revert_on_regression"`
}

// StoreConfig holds observability store and target pool settings.
type StoreConfig struct {
	// DSN of the observability store database.
	DSN string `yaml:"dsn"`
	// ConnectionPoolSize bounds each per-target connection pool.
	ConnectionPoolSize int `yaml:"connection_pool_size"`
	// SecretKey derives the credential encryption key.
	SecretKey string `yaml:"secret_key"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Discovery: DiscoveryConfig{
			IntervalSeconds:   3600,
			MaxQueriesPerPoll: 100,
			QueueSize:         256,
		},
		Detector: DetectorConfig{
			LargeTableRows:  map[string]int64{"default": 100000},
			StaleStatsRatio: 10.0,
		},
		Optimizer: OptimizerConfig{
			CompletionSoftTimeoutSec: 300,
			CompletionHardTimeoutSec: 330,
			MinImprovementPct:        10.0,
			MaxRegressionPct:         5.0,
		},
		Applicator: ApplicatorConfig{
			BusinessHoursEnabled:     false,
			BusinessHoursStart:       9,
			BusinessHoursEnd:         17,
			EnableDDLExecution:       true,
			AllowDangerousOperations: false,
		},
		Validator: ValidatorConfig{
			Iterations:             3,
			AutoRevertOnRegression: true,
		},
		Store: StoreConfig{
			ConnectionPoolSize: 4,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Discovery.IntervalSeconds <= 0 {
		return fmt.Errorf("discovery.interval_seconds must be positive, got %d", c.Discovery.IntervalSeconds)
	}
	if c.Discovery.MaxQueriesPerPoll <= 0 {
		return fmt.Errorf("discovery.max_queries_per_poll must be positive, got %d", c.Discovery.MaxQueriesPerPoll)
	}
	if c.Optimizer.CompletionHardTimeoutSec < c.Optimizer.CompletionSoftTimeoutSec {
		return fmt.Errorf("optimizer hard timeout %ds below soft timeout %ds",
			c.Optimizer.CompletionHardTimeoutSec, c.Optimizer.CompletionSoftTimeoutSec)
	}
	if c.Applicator.BusinessHoursEnabled &&
		(c.Applicator.BusinessHoursStart < 0 || c.Applicator.BusinessHoursEnd > 24 ||
			c.Applicator.BusinessHoursStart >= c.Applicator.BusinessHoursEnd) {
		return fmt.Errorf("invalid business hours %d..%d",
			c.Applicator.BusinessHoursStart, c.Applicator.BusinessHoursEnd)
	}
	if c.Validator.Iterations <= 0 {
		return fmt.Errorf("validator.iterations must be positive, got %d", c.Validator.Iterations)
	}
	if c.Store.ConnectionPoolSize <= 0 {
		return fmt.Errorf("store.connection_pool_size must be positive, got %d", c.Store.ConnectionPoolSize)
	}
	return nil
}

// LargeTableThreshold returns the sequential scan threshold for an engine.
func (c *DetectorConfig) LargeTableThreshold(engine string) int64 {
	if v, ok := c.LargeTableRows[engine]; ok {
		return v
	}
	if v, ok := c.LargeTableRows["default"]; ok {
		return v
	}
	return 100000
}

// SetupFlags registers flags that override file-provided values.
func (c *Config) SetupFlags(a *kingpin.Application) {
	a.Flag("discovery.interval-seconds", "Poll cadence per monitored connection.").
		IntVar(&c.Discovery.IntervalSeconds)
	a.Flag("discovery.max-queries-per-poll", "Maximum catalog rows read per poll.").
		IntVar(&c.Discovery.MaxQueriesPerPoll)
	a.Flag("optimizer.completion-soft-timeout-sec", "Soft deadline for completion calls.").
		IntVar(&c.Optimizer.CompletionSoftTimeoutSec)
	a.Flag("optimizer.completion-hard-timeout-sec", "Hard deadline for completion calls.").
		IntVar(&c.Optimizer.CompletionHardTimeoutSec)
	a.Flag("validator.iterations", "Measurement iterations per validation.").
		IntVar(&c.Validator.Iterations)
	a.Flag("store.dsn", "Observability store DSN.").
		StringVar(&c.Store.DSN)
	a.Flag("store.secret-key", "Credential encryption key.").
		StringVar(&c.Store.SecretKey)
}
