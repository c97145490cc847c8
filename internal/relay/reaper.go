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

package relay

import (
	"context"
	"log/slog"
	"time"
)

// Expirer is implemented by stores whose stale entries the reaper sweeps
// alongside sessions (the discovery request store).
type Expirer interface {
	// ExpireBefore removes entries created before cutoff and returns how
	// many were removed.
	ExpireBefore(cutoff time.Time) int
}

// ReaperConfig configures the lifecycle sweep.
type ReaperConfig struct {
	// IdleTimeout evicts connected sessions with no traffic for this long.
	// Default: 120s.
	IdleTimeout time.Duration

	// DisconnectGrace evicts sessions that have been without a connection
	// for this long, whether the remote never dialed back or dropped.
	// Default: 5m.
	DisconnectGrace time.Duration

	// Interval is the sweep period. Default: 10s.
	Interval time.Duration

	// DiscoveryTTL expires discovery requests older than this.
	// Default: 10m.
	DiscoveryTTL time.Duration

	// Logger is the structured logger for reaper events.
	Logger *slog.Logger
}

// Reaper periodically retires idle and abandoned sessions and expires stale
// discovery requests. One reaper runs per daemon.
type Reaper struct {
	registry  *Registry
	discovery Expirer

	idleTimeout     time.Duration
	disconnectGrace time.Duration
	interval        time.Duration
	discoveryTTL    time.Duration
	logger          *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper over the given registry. discovery may be nil.
func NewReaper(registry *Registry, discovery Expirer, cfg ReaperConfig) *Reaper {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reaper{
		registry:        registry,
		discovery:       discovery,
		idleTimeout:     cfg.IdleTimeout,
		disconnectGrace: cfg.DisconnectGrace,
		interval:        cfg.Interval,
		discoveryTTL:    cfg.DiscoveryTTL,
		logger:          cfg.Logger,
	}
}

// Start launches the background sweep goroutine. It is stopped by Stop or by
// cancelling ctx.
func (rp *Reaper) Start(ctx context.Context) {
	ctx, rp.cancel = context.WithCancel(ctx)
	rp.done = make(chan struct{})

	go func() {
		defer close(rp.done)

		ticker := time.NewTicker(rp.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rp.Sweep(time.Now())
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
// Safe to call when Start was never called.
func (rp *Reaper) Stop() {
	if rp.cancel != nil {
		rp.cancel()
		<-rp.done
	}
}

// Sweep runs one eviction pass. Exported so tests and shutdown paths can
// force a pass without waiting for the ticker. Per-session failures are
// logged and never abort the sweep for other sessions.
func (rp *Reaper) Sweep(now time.Time) {
	for _, s := range rp.registry.Snapshot() {
		rp.sweepSession(s, now)
	}

	if rp.discovery != nil {
		if n := rp.discovery.ExpireBefore(now.Add(-rp.discoveryTTL)); n > 0 {
			expiredDiscoveries.Add(float64(n))
			rp.logger.Debug("expired discovery requests", "count", n)
		}
	}
}

func (rp *Reaper) sweepSession(s *Session, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			rp.logger.Error("panic during session sweep", "session_id", s.ID(), "panic", r)
		}
	}()

	if s.Connected() {
		idle := now.Sub(s.LastActivity())
		if idle > rp.idleTimeout {
			rp.logger.Info("reaping idle session",
				"session_id", s.ID(), "idle", idle.Round(time.Second))
			rp.registry.Remove(s.ID())
			reapedSessions.WithLabelValues(reasonIdle).Inc()
		}
		return
	}

	dAt := s.DisconnectedAt()
	if dAt.IsZero() {
		// Connected between the state check and here; next sweep will see it.
		return
	}
	if age := now.Sub(dAt); age > rp.disconnectGrace {
		rp.logger.Info("reaping abandoned session",
			"session_id", s.ID(), "disconnected_for", age.Round(time.Second))
		rp.registry.Remove(s.ID())
		reapedSessions.WithLabelValues(reasonAbandoned).Inc()
	}
}
