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

// Package daemon assembles and runs the wakerelayd service.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tombee/wakerelay/internal/config"
	"github.com/tombee/wakerelay/internal/daemon/api"
	"github.com/tombee/wakerelay/internal/daemon/auth"
	"github.com/tombee/wakerelay/internal/discovery"
	internallog "github.com/tombee/wakerelay/internal/log"
	"github.com/tombee/wakerelay/internal/notify"
	"github.com/tombee/wakerelay/internal/registration"
	"github.com/tombee/wakerelay/internal/relay"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the main wakerelayd daemon.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	server        *http.Server
	ln            net.Listener
	registry      *relay.Registry
	registrations registration.Store
	discovery     *discovery.Store
	dispatcher    notify.Dispatcher
	reaper        *relay.Reaper
	authMw        *auth.Middleware

	mu      sync.Mutex
	started bool
}

// New creates a new daemon instance.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	var store registration.Store
	switch cfg.Registration.Store {
	case "sqlite":
		s, err := registration.NewSQLiteStore(registration.SQLiteConfig{
			Path: cfg.Registration.SQLitePath,
			WAL:  true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite registration store: %w", err)
		}
		store = s
	default:
		store = registration.NewMemoryStore()
	}

	registry := relay.NewRegistry(relay.Config{
		RequestTimeout:  cfg.Relay.RequestTimeout,
		ActivityRefresh: cfg.Relay.ActivityRefresh,
		Logger:          internallog.WithComponent(logger, "relay"),
	})

	discoveryStore := discovery.NewStore()

	dispatcher := notify.NewHTTPDispatcher(notify.Config{
		Timeout:       cfg.Notify.Timeout,
		AccessToken:   cfg.Notify.AccessToken,
		RatePerMinute: cfg.Notify.RatePerMinute,
		Logger:        internallog.WithComponent(logger, "notify"),
	})

	reaper := relay.NewReaper(registry, discoveryStore, relay.ReaperConfig{
		IdleTimeout:     cfg.Relay.IdleTimeout,
		DisconnectGrace: cfg.Relay.DisconnectGrace,
		Interval:        cfg.Relay.SweepInterval,
		DiscoveryTTL:    cfg.Relay.DiscoveryTTL,
		Logger:          internallog.WithComponent(logger, "reaper"),
	})

	return &Daemon{
		cfg:           cfg,
		opts:          opts,
		logger:        logger,
		registry:      registry,
		registrations: store,
		discovery:     discoveryStore,
		dispatcher:    dispatcher,
		reaper:        reaper,
		authMw:        auth.NewMiddleware(cfg.Server.AuthToken, internallog.WithComponent(logger, "auth")),
	}, nil
}

// Start runs the daemon until ctx is cancelled or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	d.ln = ln

	router := api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
		Logger:    d.logger,
	})
	router.SetSessionCounter(d.registry)

	api.NewChannelsHandler(d.registrations,
		internallog.WithComponent(d.logger, "channels")).RegisterRoutes(router.Mux())
	api.NewSessionsHandler(d.registrations, d.registry, d.dispatcher, d.discovery,
		d.cfg.Server.PublicURL,
		internallog.WithComponent(d.logger, "sessions")).RegisterRoutes(router.Mux())
	api.NewRelayHandler(d.registry,
		internallog.WithComponent(d.logger, "relay")).RegisterRoutes(router.Mux())
	api.NewDiscoveryHandler(d.discovery,
		internallog.WithComponent(d.logger, "discovery")).RegisterRoutes(router.Mux())

	var handler http.Handler = router
	if d.authMw != nil {
		handler = d.authMw.Wrap(handler)
	}

	d.server = &http.Server{
		Handler: handler,
		// No WriteTimeout: relayed requests legitimately wait up to the
		// relay ceiling, and the tunnel endpoint holds connections open.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	d.reaper.Start(ctx)

	d.logger.Info("wakerelayd starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("public_url", d.cfg.Server.PublicURL))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the daemon.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated",
		slog.Int("active_sessions", d.registry.Len()))

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)

		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	d.reaper.Stop()
	d.registry.CloseAll()
	d.authMw.Close()

	if err := d.registrations.Close(); err != nil {
		d.logger.Error("registration store close error", internallog.Error(err))
	}

	d.logger.Info("shutdown complete")
	return nil
}

// Addr returns the bound listener address, for tests that start on :0.
func (d *Daemon) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}
