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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
discovery:
  interval_seconds: 600
detector:
  large_table_rows:
    mysql: 50000
    default: 200000
store:
  dsn: postgres://localhost/dbpulse
  secret_key: s3cret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 600, cfg.Discovery.IntervalSeconds)
	// Fields the file omits keep their defaults.
	require.Equal(t, 100, cfg.Discovery.MaxQueriesPerPoll)
	require.Equal(t, 3, cfg.Validator.Iterations)
	require.Equal(t, "postgres://localhost/dbpulse", cfg.Store.DSN)
	require.Equal(t, "s3cret", cfg.Store.SecretKey)

	require.Equal(t, int64(50000), cfg.Detector.LargeTableThreshold("mysql"))
	require.Equal(t, int64(200000), cfg.Detector.LargeTableThreshold("oracle"))
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for _, c := range []struct {
		doc     string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			doc:    "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			doc:     "zero poll interval",
			mutate:  func(c *Config) { c.Discovery.IntervalSeconds = 0 },
			wantErr: true,
		},
		{
			doc:     "hard timeout below soft timeout",
			mutate:  func(c *Config) { c.Optimizer.CompletionHardTimeoutSec = 60 },
			wantErr: true,
		},
		{
			doc: "inverted business hours only matter when enabled",
			mutate: func(c *Config) {
				c.Applicator.BusinessHoursStart = 20
				c.Applicator.BusinessHoursEnd = 8
			},
		},
		{
			doc: "inverted business hours rejected when enabled",
			mutate: func(c *Config) {
				c.Applicator.BusinessHoursEnabled = true
				c.Applicator.BusinessHoursStart = 20
				c.Applicator.BusinessHoursEnd = 8
			},
			wantErr: true,
		},
		{
			doc:     "zero validation iterations",
			mutate:  func(c *Config) { c.Validator.Iterations = 0 },
			wantErr: true,
		},
	} {
		cfg := Default()
		c.mutate(&cfg)
		err := cfg.Validate()
		if c.wantErr {
			require.Error(t, err, c.doc)
		} else {
			require.NoError(t, err, c.doc)
		}
	}
}

func TestLargeTableThresholdFallback(t *testing.T) {
	var dc DetectorConfig
	require.Equal(t, int64(100000), dc.LargeTableThreshold("postgresql"))
}
