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

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tombee/wakerelay/internal/daemon/httputil"
)

// Middleware enforces bearer-token authentication on caller-facing routes.
//
// Remote-facing callback routes are exempt: a woken remote only knows the
// callback URL from its wake payload, not the daemon's control token. The
// tunnel dial-in and the discovery result post therefore skip auth, as does
// the health endpoint so probes keep working.
type Middleware struct {
	validator *TokenValidator
	logger    *slog.Logger
}

// NewMiddleware creates auth middleware for the given token. An empty token
// yields a nil middleware, which Wrap treats as a passthrough.
func NewMiddleware(token string, logger *slog.Logger) *Middleware {
	if token == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		validator: NewTokenValidator(token),
		logger:    logger,
	}
}

// Close releases the validator's background resources. Safe on nil.
func (m *Middleware) Close() {
	if m == nil {
		return
	}
	m.validator.Close()
}

// exempt reports whether a request bypasses authentication.
func exempt(r *http.Request) bool {
	switch {
	case r.URL.Path == "/v1/health":
		return true
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/mcp/"):
		// Remote tunnel dial-in.
		return true
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/discovery/"):
		// Remote discovery result post.
		return true
	}
	return false
}

// Wrap returns a handler that validates the Authorization header before
// delegating to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			httputil.WriteError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		if err := m.validator.Validate(token, r.RemoteAddr); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrRateLimitExceeded) {
				status = http.StatusTooManyRequests
			}
			m.logger.Warn("authentication failed",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("path", r.URL.Path))
			httputil.WriteError(w, status, "authentication failed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}
