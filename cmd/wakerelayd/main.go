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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/wakerelay/internal/config"
	"github.com/tombee/wakerelay/internal/daemon"
	"github.com/tombee/wakerelay/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		listenAddr  = flag.String("listen", "", "Address to listen on")
		publicURL   = flag.String("public-url", "", "Externally reachable base URL for callbacks")
		storeType   = flag.String("store", "", "Registration store (memory, sqlite)")
		sqlitePath  = flag.String("sqlite-path", "", "SQLite database path")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("wakerelayd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *listenAddr != "" {
		cfg.Server.Addr = *listenAddr
	}
	if *publicURL != "" {
		cfg.Server.PublicURL = *publicURL
	}
	if *storeType != "" {
		cfg.Registration.Store = *storeType
	}
	if *sqlitePath != "" {
		cfg.Registration.SQLitePath = *sqlitePath
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// The config file can set log level and format; environment wins.
	logCfg := log.FromEnv()
	if os.Getenv("WAKERELAY_DEBUG") == "" &&
		os.Getenv("WAKERELAY_LOG_LEVEL") == "" &&
		os.Getenv("LOG_LEVEL") == "" && cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if os.Getenv("LOG_FORMAT") == "" && cfg.Log.Format != "" {
		logCfg.Format = log.Format(cfg.Log.Format)
	}
	logger = log.New(logCfg)
	slog.SetDefault(logger)

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("Failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("Error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("Daemon error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
