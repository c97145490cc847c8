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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Relay.IdleTimeout != 120*time.Second {
		t.Errorf("expected idle timeout 120s, got %v", cfg.Relay.IdleTimeout)
	}
	if cfg.Relay.DisconnectGrace != 5*time.Minute {
		t.Errorf("expected disconnect grace 5m, got %v", cfg.Relay.DisconnectGrace)
	}
	if cfg.Relay.SweepInterval != 10*time.Second {
		t.Errorf("expected sweep interval 10s, got %v", cfg.Relay.SweepInterval)
	}
	if cfg.Relay.RequestTimeout != 120*time.Second {
		t.Errorf("expected request timeout 120s, got %v", cfg.Relay.RequestTimeout)
	}
	if cfg.Registration.Store != "memory" {
		t.Errorf("expected memory store, got %q", cfg.Registration.Store)
	}

	require.NoError(t, cfg.Validate())
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Relay.IdleTimeout, cfg.Relay.IdleTimeout)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wakerelay.yaml")
	data := `
server:
  addr: 0.0.0.0:9000
  public_url: https://relay.example.com
relay:
  idle_timeout: 30s
  disconnect_grace: 1m
registration:
  store: sqlite
  sqlite_path: /tmp/reg.db
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	require.Equal(t, "https://relay.example.com", cfg.Server.PublicURL)
	require.Equal(t, 30*time.Second, cfg.Relay.IdleTimeout)
	require.Equal(t, time.Minute, cfg.Relay.DisconnectGrace)
	require.Equal(t, "sqlite", cfg.Registration.Store)

	// Unset values fall back to defaults.
	require.Equal(t, 10*time.Second, cfg.Relay.SweepInterval)
	require.Equal(t, 120*time.Second, cfg.Relay.RequestTimeout)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WAKERELAY_ADDR", "127.0.0.1:7777")
	t.Setenv("WAKERELAY_IDLE_TIMEOUT", "45s")
	t.Setenv("WAKERELAY_AUTH_TOKEN", "tok")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:7777", cfg.Server.Addr)
	require.Equal(t, 45*time.Second, cfg.Relay.IdleTimeout)
	require.Equal(t, "tok", cfg.Server.AuthToken)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "empty addr",
			mutate:  func(c *Config) { c.Server.Addr = "" },
			wantErr: true,
		},
		{
			name:    "bad public url",
			mutate:  func(c *Config) { c.Server.PublicURL = "relay.example.com" },
			wantErr: true,
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Registration.Store = "postgres" },
			wantErr: true,
		},
		{
			name: "refresh longer than ceiling",
			mutate: func(c *Config) {
				c.Relay.ActivityRefresh = 3 * time.Minute
			},
			wantErr: true,
		},
		{
			name:    "negative rate",
			mutate:  func(c *Config) { c.Notify.RatePerMinute = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidConfig))
			} else {
				require.NoError(t, err)
			}
		})
	}
}
