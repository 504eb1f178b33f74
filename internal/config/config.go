// Copyright 2025 The flowd Authors
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

// Package config provides the scheduler configuration: a YAML file merged
// over defaults, with a small set of environment overrides.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/meshworks/flowd/pkg/errors"
)

// Config is the top-level scheduler configuration.
type Config struct {
	// Listen is the control-plane listen address (host:port).
	Listen string `yaml:"listen,omitempty"`

	// DataDir holds the worker instance-id index database.
	DataDir string `yaml:"data_dir,omitempty"`

	// AuthToken, when set, is required from workers at handshake.
	AuthToken string `yaml:"auth_token,omitempty"`

	// TokenSigningKey signs session tokens. Generated at startup if empty.
	TokenSigningKey string `yaml:"token_signing_key,omitempty"`

	Dispatch DispatchConfig `yaml:"dispatch,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	Resource ResourceConfig `yaml:"resource,omitempty"`
	Log      LogConfig      `yaml:"log,omitempty"`
}

// DispatchConfig tunes the dispatcher.
type DispatchConfig struct {
	// AckTimeoutSeconds is the per-dispatch ack window.
	AckTimeoutSeconds int `yaml:"ack_timeout_seconds,omitempty"`

	// MaxAttempts is the giving-up threshold per task.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// BaseRetrySeconds and MaxRetrySeconds bound the retry backoff.
	BaseRetrySeconds int `yaml:"base_retry_seconds,omitempty"`
	MaxRetrySeconds  int `yaml:"max_retry_seconds,omitempty"`

	// WorkerStrategy selects the worker selection policy:
	// default, least_inflight, least_latency, random.
	WorkerStrategy string `yaml:"worker_strategy,omitempty"`

	// WorkerMaxHeartbeatAgeSeconds is the stale worker cutoff for selection.
	// Zero means no cap.
	WorkerMaxHeartbeatAgeSeconds int `yaml:"worker_max_heartbeat_age_seconds,omitempty"`
}

// SessionConfig tunes worker control-plane sessions.
type SessionConfig struct {
	// WindowSize is the sliding-window credit count for business frames.
	WindowSize int `yaml:"window_size,omitempty"`

	// HeartbeatIntervalSeconds and HeartbeatJitterSeconds pace worker
	// heartbeats; advertised to workers at session accept.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds,omitempty"`
	HeartbeatJitterSeconds   int `yaml:"heartbeat_jitter_seconds,omitempty"`

	// Reconnect bounds the worker reconnect backoff; advertised at accept.
	Reconnect ReconnectConfig `yaml:"reconnect,omitempty"`
}

// ReconnectConfig bounds reconnect backoff.
type ReconnectConfig struct {
	BaseDelaySeconds int     `yaml:"base_delay_seconds,omitempty"`
	MaxDelaySeconds  int     `yaml:"max_delay_seconds,omitempty"`
	Jitter           float64 `yaml:"jitter,omitempty"`
}

// ResourceConfig tunes dispatch-time resource binding.
type ResourceConfig struct {
	// MaxInlineBytes is the largest resource inlined into a dispatch.
	MaxInlineBytes int `yaml:"max_inline_bytes,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns a configuration with the documented defaults.
func Default() *Config {
	return &Config{
		Listen:  "127.0.0.1:7420",
		DataDir: defaultDataDir(),
		Dispatch: DispatchConfig{
			AckTimeoutSeconds: 5,
			MaxAttempts:       5,
			BaseRetrySeconds:  1,
			MaxRetrySeconds:   30,
			WorkerStrategy:    "default",
		},
		Session: SessionConfig{
			WindowSize:               64,
			HeartbeatIntervalSeconds: 30,
			HeartbeatJitterSeconds:   5,
			Reconnect: ReconnectConfig{
				BaseDelaySeconds: 1,
				MaxDelaySeconds:  30,
				Jitter:           0.2,
			},
		},
		Resource: ResourceConfig{
			MaxInlineBytes: 65536,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.flowd"
	}
	return ".flowd"
}

// Load reads configuration from the given path, merging it over defaults and
// applying environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Reason: "reading config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Reason: "parsing config file", Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies FLOWD_* environment overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FLOWD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("FLOWD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FLOWD_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("FLOWD_TOKEN_SIGNING_KEY"); v != "" {
		cfg.TokenSigningKey = v
	}
	if v := os.Getenv("FLOWD_DISPATCH_ACK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.AckTimeoutSeconds = n
		}
	}
	if v := os.Getenv("FLOWD_DISPATCH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.MaxAttempts = n
		}
	}
	if v := os.Getenv("FLOWD_DISPATCH_WORKER_STRATEGY"); v != "" {
		cfg.Dispatch.WorkerStrategy = v
	}
	if v := os.Getenv("FLOWD_SESSION_WINDOW_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.WindowSize = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Dispatch.AckTimeoutSeconds <= 0 {
		return &errors.ConfigError{Key: "dispatch.ack_timeout_seconds", Reason: "must be positive"}
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return &errors.ConfigError{Key: "dispatch.max_attempts", Reason: "must be positive"}
	}
	if c.Dispatch.BaseRetrySeconds <= 0 {
		return &errors.ConfigError{Key: "dispatch.base_retry_seconds", Reason: "must be positive"}
	}
	if c.Dispatch.MaxRetrySeconds < c.Dispatch.BaseRetrySeconds {
		return &errors.ConfigError{Key: "dispatch.max_retry_seconds", Reason: "must be >= base_retry_seconds"}
	}
	switch c.Dispatch.WorkerStrategy {
	case "default", "least_inflight", "least_latency", "random":
	default:
		return &errors.ConfigError{Key: "dispatch.worker_strategy", Reason: "unknown strategy " + c.Dispatch.WorkerStrategy}
	}
	if c.Session.WindowSize <= 0 {
		return &errors.ConfigError{Key: "session.window_size", Reason: "must be positive"}
	}
	if c.Resource.MaxInlineBytes < 0 {
		return &errors.ConfigError{Key: "resource.max_inline_bytes", Reason: "must not be negative"}
	}
	if c.Session.Reconnect.Jitter < 0 || c.Session.Reconnect.Jitter > 1 {
		return &errors.ConfigError{Key: "session.reconnect.jitter", Reason: "must be in [0, 1]"}
	}
	return nil
}
