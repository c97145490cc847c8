// Copyright 2025 Tom Barlow
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

// Package config loads and validates the relay daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete wakerelay configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Relay        RelayConfig        `yaml:"relay"`
	Notify       NotifyConfig       `yaml:"notify"`
	Registration RegistrationConfig `yaml:"registration"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	// Addr is the address the daemon listens on.
	// Environment: WAKERELAY_ADDR
	// Default: 127.0.0.1:8383
	Addr string `yaml:"addr"`

	// PublicURL is the externally reachable base URL of this daemon. It is
	// embedded in wake notifications as the callback address remote clients
	// dial back to. Required when notifications are dispatched.
	// Environment: WAKERELAY_PUBLIC_URL
	PublicURL string `yaml:"public_url"`

	// AuthToken, when set, is required as a bearer token on caller-facing
	// HTTP endpoints. Remote dial-back endpoints stay open: the session id
	// in the callback URL is their credential. Empty disables authentication
	// (development only).
	// Environment: WAKERELAY_AUTH_TOKEN
	AuthToken string `yaml:"auth_token,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// RelayConfig configures session lifecycle and request correlation.
type RelayConfig struct {
	// RequestTimeout is the total ceiling a relayed request waits for a
	// response frame before failing with a timeout.
	// Default: 120s
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// ActivityRefresh is how often an in-flight wait refreshes the session's
	// last-activity timestamp so a slow-but-alive remote is not reaped.
	// Default: 5s
	ActivityRefresh time.Duration `yaml:"activity_refresh,omitempty"`

	// IdleTimeout is how long a connected session may sit without traffic
	// before the reaper closes and evicts it.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`

	// DisconnectGrace is how long a session without a live connection is
	// retained, either waiting for the initial dial-back or after a drop.
	// Default: 5m
	DisconnectGrace time.Duration `yaml:"disconnect_grace,omitempty"`

	// SweepInterval is the period of the background reaper.
	// Default: 10s
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`

	// DiscoveryTTL is how long discovery requests are retained before the
	// reaper expires them.
	// Default: 10m
	DiscoveryTTL time.Duration `yaml:"discovery_ttl,omitempty"`
}

// NotifyConfig configures the push-notification dispatcher.
type NotifyConfig struct {
	// Timeout bounds each outbound delivery attempt.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// AccessToken is the bearer token presented to the push transport.
	// Environment: WAKERELAY_NOTIFY_TOKEN
	AccessToken string `yaml:"access_token,omitempty"`

	// RatePerMinute caps wake notifications per channel URI. Push transports
	// throttle aggressive senders; staying under the cap avoids delivery
	// penalties. Zero disables the limiter.
	// Default: 30
	RatePerMinute int `yaml:"rate_per_minute,omitempty"`
}

// RegistrationConfig configures the client registration store.
type RegistrationConfig struct {
	// Store selects the backing store: "memory" or "sqlite".
	// Default: memory
	Store string `yaml:"store,omitempty"`

	// SQLitePath is the database file path when Store is "sqlite".
	// Default: wakerelay.db
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	Format string `yaml:"format,omitempty"`
}

// Default returns a Config populated with documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8383",
			ShutdownTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			RequestTimeout:  120 * time.Second,
			ActivityRefresh: 5 * time.Second,
			IdleTimeout:     120 * time.Second,
			DisconnectGrace: 5 * time.Minute,
			SweepInterval:   10 * time.Second,
			DiscoveryTTL:    10 * time.Minute,
		},
		Notify: NotifyConfig{
			Timeout:       10 * time.Second,
			RatePerMinute: 30,
		},
		Registration: RegistrationConfig{
			Store:      "memory",
			SQLitePath: "wakerelay.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the given YAML file, falling back to defaults
// when the path is empty or the file does not exist, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("WAKERELAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("WAKERELAY_PUBLIC_URL"); v != "" {
		c.Server.PublicURL = v
	}
	if v := os.Getenv("WAKERELAY_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("WAKERELAY_NOTIFY_TOKEN"); v != "" {
		c.Notify.AccessToken = v
	}
	if v := os.Getenv("WAKERELAY_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Relay.IdleTimeout = d
		}
	}
	if v := os.Getenv("WAKERELAY_DISCONNECT_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Relay.DisconnectGrace = d
		}
	}
	if v := os.Getenv("WAKERELAY_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Relay.SweepInterval = d
		}
	}
}

// applyDefaults fills zero values left by a sparse config file.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Relay.RequestTimeout <= 0 {
		c.Relay.RequestTimeout = def.Relay.RequestTimeout
	}
	if c.Relay.ActivityRefresh <= 0 {
		c.Relay.ActivityRefresh = def.Relay.ActivityRefresh
	}
	if c.Relay.IdleTimeout <= 0 {
		c.Relay.IdleTimeout = def.Relay.IdleTimeout
	}
	if c.Relay.DisconnectGrace <= 0 {
		c.Relay.DisconnectGrace = def.Relay.DisconnectGrace
	}
	if c.Relay.SweepInterval <= 0 {
		c.Relay.SweepInterval = def.Relay.SweepInterval
	}
	if c.Relay.DiscoveryTTL <= 0 {
		c.Relay.DiscoveryTTL = def.Relay.DiscoveryTTL
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = def.Notify.Timeout
	}
	if c.Registration.Store == "" {
		c.Registration.Store = def.Registration.Store
	}
	if c.Registration.SQLitePath == "" {
		c.Registration.SQLitePath = def.Registration.SQLitePath
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr must not be empty", ErrInvalidConfig)
	}
	if c.Server.PublicURL != "" &&
		!strings.HasPrefix(c.Server.PublicURL, "http://") &&
		!strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("%w: server.public_url must be an http(s) URL", ErrInvalidConfig)
	}
	switch c.Registration.Store {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("%w: registration.store must be memory or sqlite, got %q",
			ErrInvalidConfig, c.Registration.Store)
	}
	if c.Relay.ActivityRefresh >= c.Relay.RequestTimeout {
		return fmt.Errorf("%w: relay.activity_refresh must be shorter than relay.request_timeout",
			ErrInvalidConfig)
	}
	if c.Notify.RatePerMinute < 0 {
		return fmt.Errorf("%w: notify.rate_per_minute must not be negative", ErrInvalidConfig)
	}
	return nil
}
