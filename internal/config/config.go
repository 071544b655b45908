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

// Package config loads daemon configuration from a YAML file with
// environment overrides. Precedence: defaults < file < environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
)

// Auth modes accepted by the API server.
const (
	AuthNone  = "none"
	AuthToken = "token"
	AuthJWT   = "jwt"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Telemetry trace export protocols.
const (
	ProtocolHTTP   = "http"
	ProtocolGRPC   = "grpc"
	ProtocolStdout = "stdout"
)

// Config is the complete stepflowd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Library   LibraryConfig   `yaml:"library"`
	Runner    RunnerConfig    `yaml:"runner"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	AI        AIConfig        `yaml:"ai"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Addr is the listen address. Environment: STEPFLOW_ADDR.
	Addr string `yaml:"addr"`

	// ReadHeaderTimeout bounds request header reads.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown, including waiting for
	// active runs to settle.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// Mode is one of none, token, jwt. Environment: STEPFLOW_AUTH_MODE.
	Mode string `yaml:"mode"`

	// Token is the shared bearer token for token mode.
	// Environment: STEPFLOW_AUTH_TOKEN.
	Token string `yaml:"token,omitempty"`

	// JWTSecret is the HS256 signing secret for jwt mode.
	// Environment: STEPFLOW_JWT_SECRET.
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// StoreConfig selects and configures the run store.
type StoreConfig struct {
	// Backend is memory or sqlite. Environment: STEPFLOW_STORE_BACKEND.
	Backend string `yaml:"backend"`

	// Path is the sqlite database file. Environment: STEPFLOW_STORE_PATH.
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging on the sqlite backend.
	WAL bool `yaml:"wal,omitempty"`
}

// LibraryConfig configures the workflow library directory.
type LibraryConfig struct {
	// Dir is the root directory scanned for workflow documents.
	// Environment: STEPFLOW_LIBRARY_DIR.
	Dir string `yaml:"dir,omitempty"`

	// Include is the set of glob patterns selecting workflow files,
	// relative to Dir.
	Include []string `yaml:"include,omitempty"`

	// Exclude removes matches from Include.
	Exclude []string `yaml:"exclude,omitempty"`

	// Watch reloads the library when files under Dir change.
	Watch bool `yaml:"watch,omitempty"`
}

// RunnerConfig tunes run execution.
type RunnerConfig struct {
	// MaxParallel bounds concurrently executing runs.
	// Environment: STEPFLOW_MAX_PARALLEL.
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// RunTimeout caps one run's execution; zero means unlimited.
	// Environment: STEPFLOW_RUN_TIMEOUT.
	RunTimeout time.Duration `yaml:"run_timeout,omitempty"`

	// EventBuffer is the per-run event buffer between the interpreter and
	// event persistence.
	EventBuffer int `yaml:"event_buffer,omitempty"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	// Enabled turns on trace export. Metrics are always served on
	// /metrics regardless.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint, host:port.
	// Environment: STEPFLOW_OTEL_ENDPOINT.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Protocol is http, grpc, or stdout.
	// Environment: STEPFLOW_OTEL_PROTOCOL.
	Protocol string `yaml:"protocol,omitempty"`

	// Insecure disables TLS on the OTLP connection. Development only.
	// Environment: STEPFLOW_OTEL_INSECURE.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRatio is the fraction of runs traced, 0..1.
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`

	// ServiceName overrides the reported service.name.
	ServiceName string `yaml:"service_name,omitempty"`
}

// AIConfig configures the ai capability family.
type AIConfig struct {
	// BaseURL is the OpenAI-compatible API root.
	// Environment: STEPFLOW_AI_BASE_URL.
	BaseURL string `yaml:"base_url,omitempty"`

	// Timeout bounds one completion request.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// HTTPConfig configures the http capability family.
type HTTPConfig struct {
	// Timeout bounds one outbound request.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxResponseSize caps response bodies in bytes.
	MaxResponseSize int64 `yaml:"max_response_size,omitempty"`

	// RequestsPerSecond rate-limits outbound requests across all runs.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`

	// Burst is the rate limiter burst size.
	Burst int `yaml:"burst,omitempty"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8784",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Auth: AuthConfig{Mode: AuthNone},
		Log:  LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Backend: StoreSQLite,
			Path:    "stepflow.db",
		},
		Library: LibraryConfig{
			Include: []string{"**/*.yaml", "**/*.yml", "**/*.json"},
		},
		Runner: RunnerConfig{
			MaxParallel: 4,
			EventBuffer: 256,
		},
		Telemetry: TelemetryConfig{
			Protocol:    ProtocolHTTP,
			SampleRatio: 1.0,
			ServiceName: "stepflow",
		},
		AI: AIConfig{
			Timeout: 60 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:           30 * time.Second,
			MaxResponseSize:   10 << 20,
			RequestsPerSecond: 10,
			Burst:             10,
		},
	}
}

// Load reads the file at path (optional), applies defaults for anything it
// left unset, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &pkgerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// applyDefaults refills zero values so a minimal file still yields a full
// configuration.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = defaults.Server.ReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = defaults.Auth.Mode
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Backend == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if len(c.Library.Include) == 0 {
		c.Library.Include = defaults.Library.Include
	}
	if c.Runner.MaxParallel <= 0 {
		c.Runner.MaxParallel = defaults.Runner.MaxParallel
	}
	if c.Runner.EventBuffer <= 0 {
		c.Runner.EventBuffer = defaults.Runner.EventBuffer
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = defaults.Telemetry.Protocol
	}
	if c.Telemetry.SampleRatio <= 0 {
		c.Telemetry.SampleRatio = defaults.Telemetry.SampleRatio
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
	if c.AI.Timeout <= 0 {
		c.AI.Timeout = defaults.AI.Timeout
	}
	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = defaults.HTTP.Timeout
	}
	if c.HTTP.MaxResponseSize <= 0 {
		c.HTTP.MaxResponseSize = defaults.HTTP.MaxResponseSize
	}
	if c.HTTP.RequestsPerSecond <= 0 {
		c.HTTP.RequestsPerSecond = defaults.HTTP.RequestsPerSecond
	}
	if c.HTTP.Burst <= 0 {
		c.HTTP.Burst = defaults.HTTP.Burst
	}
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("STEPFLOW_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("STEPFLOW_AUTH_MODE"); val != "" {
		c.Auth.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("STEPFLOW_AUTH_TOKEN"); val != "" {
		c.Auth.Token = val
	}
	if val := os.Getenv("STEPFLOW_JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}
	if val := os.Getenv("STEPFLOW_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("STEPFLOW_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("STEPFLOW_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("STEPFLOW_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("STEPFLOW_LIBRARY_DIR"); val != "" {
		c.Library.Dir = val
	}
	if val := os.Getenv("STEPFLOW_MAX_PARALLEL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Runner.MaxParallel = n
		}
	}
	if val := os.Getenv("STEPFLOW_RUN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Runner.RunTimeout = d
		}
	}
	if val := os.Getenv("STEPFLOW_OTEL_ENDPOINT"); val != "" {
		c.Telemetry.Endpoint = val
		c.Telemetry.Enabled = true
	}
	if val := os.Getenv("STEPFLOW_OTEL_PROTOCOL"); val != "" {
		c.Telemetry.Protocol = strings.ToLower(val)
	}
	if val := os.Getenv("STEPFLOW_OTEL_INSECURE"); val == "1" || strings.EqualFold(val, "true") {
		c.Telemetry.Insecure = true
	}
	if val := os.Getenv("STEPFLOW_AI_BASE_URL"); val != "" {
		c.AI.BaseURL = val
	}
}

// Validate checks cross-field constraints. The first problem found is
// returned as a ConfigError naming the offending key.
func (c *Config) Validate() error {
	if !slices.Contains([]string{AuthNone, AuthToken, AuthJWT}, c.Auth.Mode) {
		return &pkgerrors.ConfigError{
			Key:    "auth.mode",
			Reason: fmt.Sprintf("unknown mode %q, expected none, token, or jwt", c.Auth.Mode),
		}
	}
	if c.Auth.Mode == AuthToken && c.Auth.Token == "" {
		return &pkgerrors.ConfigError{
			Key:    "auth.token",
			Reason: "token mode requires a token (set STEPFLOW_AUTH_TOKEN)",
		}
	}
	if c.Auth.Mode == AuthJWT && c.Auth.JWTSecret == "" {
		return &pkgerrors.ConfigError{
			Key:    "auth.jwt_secret",
			Reason: "jwt mode requires a signing secret (set STEPFLOW_JWT_SECRET)",
		}
	}
	if !slices.Contains([]string{StoreMemory, StoreSQLite}, c.Store.Backend) {
		return &pkgerrors.ConfigError{
			Key:    "store.backend",
			Reason: fmt.Sprintf("unknown backend %q, expected memory or sqlite", c.Store.Backend),
		}
	}
	if c.Store.Backend == StoreSQLite && c.Store.Path == "" {
		return &pkgerrors.ConfigError{
			Key:    "store.path",
			Reason: "sqlite backend requires a database path",
		}
	}
	if !slices.Contains([]string{ProtocolHTTP, ProtocolGRPC, ProtocolStdout}, c.Telemetry.Protocol) {
		return &pkgerrors.ConfigError{
			Key:    "telemetry.protocol",
			Reason: fmt.Sprintf("unknown protocol %q, expected http, grpc, or stdout", c.Telemetry.Protocol),
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return &pkgerrors.ConfigError{
			Key:    "telemetry.sample_ratio",
			Reason: fmt.Sprintf("ratio %v out of range, expected 0..1", c.Telemetry.SampleRatio),
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.Protocol != ProtocolStdout && c.Telemetry.Endpoint == "" {
		return &pkgerrors.ConfigError{
			Key:    "telemetry.endpoint",
			Reason: fmt.Sprintf("%s export requires an endpoint", c.Telemetry.Protocol),
		}
	}
	return nil
}
