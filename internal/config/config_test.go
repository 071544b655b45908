// Copyright 2026 Forgeline Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != "127.0.0.1:8784" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.Mode != AuthNone {
		t.Errorf("auth mode = %q", cfg.Auth.Mode)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Store.Backend != StoreSQLite || cfg.Store.Path != "stepflow.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Runner.MaxParallel != 4 {
		t.Errorf("max parallel = %d", cfg.Runner.MaxParallel)
	}
	if cfg.Telemetry.Protocol != ProtocolHTTP || cfg.Telemetry.SampleRatio != 1.0 {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if cfg.HTTP.Timeout != 30*time.Second {
		t.Errorf("http timeout = %v", cfg.HTTP.Timeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stepflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "0.0.0.0:9000"
  shutdown_timeout: 30s
auth:
  mode: token
  token: sekrit
store:
  backend: memory
library:
  dir: /srv/workflows
  watch: true
runner:
  max_parallel: 8
  run_timeout: 5m
telemetry:
  enabled: true
  endpoint: collector:4318
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Auth.Mode != AuthToken || cfg.Auth.Token != "sekrit" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("backend = %q", cfg.Store.Backend)
	}
	if cfg.Library.Dir != "/srv/workflows" || !cfg.Library.Watch {
		t.Errorf("library = %+v", cfg.Library)
	}
	if cfg.Runner.MaxParallel != 8 || cfg.Runner.RunTimeout != 5*time.Minute {
		t.Errorf("runner = %+v", cfg.Runner)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "collector:4318" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}

	// Fields the file omitted keep their defaults.
	if cfg.Server.ReadHeaderTimeout != 10*time.Second {
		t.Errorf("read header timeout = %v", cfg.Server.ReadHeaderTimeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if len(cfg.Library.Include) == 0 {
		t.Error("include globs should default")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var cfgErr *pkgerrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Key != "config_file" {
		t.Fatalf("Key = %q", cfgErr.Key)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8784" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STEPFLOW_ADDR", ":7000")
	t.Setenv("STEPFLOW_AUTH_MODE", "token")
	t.Setenv("STEPFLOW_AUTH_TOKEN", "from-env")
	t.Setenv("STEPFLOW_STORE_BACKEND", "memory")
	t.Setenv("STEPFLOW_MAX_PARALLEL", "16")
	t.Setenv("STEPFLOW_RUN_TIMEOUT", "90s")
	t.Setenv("STEPFLOW_OTEL_ENDPOINT", "otel:4317")
	t.Setenv("STEPFLOW_OTEL_PROTOCOL", "grpc")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.Mode != AuthToken || cfg.Auth.Token != "from-env" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("backend = %q", cfg.Store.Backend)
	}
	if cfg.Runner.MaxParallel != 16 || cfg.Runner.RunTimeout != 90*time.Second {
		t.Errorf("runner = %+v", cfg.Runner)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Protocol != ProtocolGRPC {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \"0.0.0.0:9000\"\n")
	t.Setenv("STEPFLOW_ADDR", ":7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("environment should win over the file, got %q", cfg.Server.Addr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{
			name:    "unknown auth mode",
			mutate:  func(c *Config) { c.Auth.Mode = "oauth" },
			wantKey: "auth.mode",
		},
		{
			name:    "token mode without token",
			mutate:  func(c *Config) { c.Auth.Mode = AuthToken },
			wantKey: "auth.token",
		},
		{
			name:    "jwt mode without secret",
			mutate:  func(c *Config) { c.Auth.Mode = AuthJWT },
			wantKey: "auth.jwt_secret",
		},
		{
			name:    "unknown store backend",
			mutate:  func(c *Config) { c.Store.Backend = "postgres" },
			wantKey: "store.backend",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Store.Backend = StoreSQLite
				c.Store.Path = ""
			},
			wantKey: "store.path",
		},
		{
			name:    "unknown telemetry protocol",
			mutate:  func(c *Config) { c.Telemetry.Protocol = "udp" },
			wantKey: "telemetry.protocol",
		},
		{
			name:    "sample ratio out of range",
			mutate:  func(c *Config) { c.Telemetry.SampleRatio = 1.5 },
			wantKey: "telemetry.sample_ratio",
		},
		{
			name: "enabled telemetry without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			wantKey: "telemetry.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *pkgerrors.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Key != tt.wantKey {
				t.Fatalf("Key = %q, want %q", cfgErr.Key, tt.wantKey)
			}
		})
	}

	// stdout protocol needs no endpoint.
	cfg := Default()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Protocol = ProtocolStdout
	if err := cfg.Validate(); err != nil {
		t.Fatalf("stdout telemetry should validate, got %v", err)
	}
}
