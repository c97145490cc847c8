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

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/wakerelay/internal/daemon/httputil"
	"github.com/tombee/wakerelay/internal/log"
	"github.com/tombee/wakerelay/internal/tracing"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
	Logger    *slog.Logger
}

// SessionCounter provides session counts for the health endpoint.
type SessionCounter interface {
	Len() int
}

// Router wraps an http.ServeMux with middleware and the base endpoints.
type Router struct {
	mux            *http.ServeMux
	config         RouterConfig
	sessionCounter SessionCounter
	logger         *slog.Logger
}

// NewRouter creates a new HTTP router with the base endpoints registered.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		logger: logger,
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Root endpoint for basic connectivity check
	r.mux.HandleFunc("GET /{$}", r.handleRoot)

	return r
}

// SetSessionCounter wires the session registry into the health endpoint.
func (r *Router) SetSessionCounter(counter SessionCounter) {
	r.sessionCounter = counter
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Middleware chain from innermost to outermost:
	// 1. Correlation middleware
	// 2. Request logging (outermost)

	var handler http.Handler = r.mux

	innerHandler := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))

		defer func() {
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		innerHandler.ServeHTTP(w, req)
	})

	handler = tracing.CorrelationMiddleware(handler)

	handler.ServeHTTP(w, req)
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "wakerelayd",
		"version": r.config.Version,
	})
}

// handleHealth handles GET /v1/health.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	health := map[string]any{
		"status": "ok",
	}
	if r.sessionCounter != nil {
		health["sessions"] = r.sessionCounter.Len()
	}
	httputil.WriteJSON(w, http.StatusOK, health)
}

// handleVersion handles GET /v1/version.
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}
