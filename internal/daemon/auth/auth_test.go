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
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	require.Len(t, a, 43)
	require.NotEqual(t, a, b)
}

func TestTokenValidator_Validate(t *testing.T) {
	v := NewTokenValidator("secret")

	require.NoError(t, v.Validate("secret", "10.0.0.1:1234"))
	require.ErrorIs(t, v.Validate("wrong", "10.0.0.1:1234"), ErrAuthenticationFailed)
}

func TestTokenValidator_LockoutAfterRepeatedFailures(t *testing.T) {
	v := NewTokenValidator("secret")

	for i := 0; i < MaxFailedAttempts; i++ {
		require.ErrorIs(t, v.Validate("wrong", "10.0.0.2:1234"), ErrAuthenticationFailed)
	}
	require.True(t, v.IsLockedOut("10.0.0.2"))

	// Even the correct token is refused while locked out.
	require.ErrorIs(t, v.Validate("secret", "10.0.0.2:1234"), ErrRateLimitExceeded)

	// Other IPs are unaffected.
	require.NoError(t, v.Validate("secret", "10.0.0.3:1234"))
}

func TestTokenValidator_SuccessClearsFailures(t *testing.T) {
	v := NewTokenValidator("secret")

	require.ErrorIs(t, v.Validate("wrong", "10.0.0.4:1234"), ErrAuthenticationFailed)
	require.NoError(t, v.Validate("secret", "10.0.0.4:1234"))
	require.False(t, v.IsLockedOut("10.0.0.4"))
}

func TestTokenValidator_CleanupEvictsStaleEntries(t *testing.T) {
	v := NewTokenValidator("secret")
	defer v.Close()

	// Failures from many distinct IPs, none of which ever succeed.
	for i := 0; i < 50; i++ {
		addr := fmt.Sprintf("10.2.%d.1:1234", i)
		require.ErrorIs(t, v.Validate("wrong", addr), ErrAuthenticationFailed)
	}

	v.mu.Lock()
	require.Len(t, v.failedAttempts, 50)
	// Age half of the entries past the rate limit window.
	stale := time.Now().Add(-2 * RateLimitWindow)
	aged := 0
	for _, entry := range v.failedAttempts {
		if aged == 25 {
			break
		}
		entry.firstFail = stale
		entry.lockedUntil = time.Time{}
		aged++
	}
	v.mu.Unlock()

	v.cleanup()

	v.mu.RLock()
	defer v.mu.RUnlock()
	require.Len(t, v.failedAttempts, 25, "stale entries must be evicted")
}

func TestTokenValidator_CleanupKeepsActiveLockouts(t *testing.T) {
	v := NewTokenValidator("secret")
	defer v.Close()

	for i := 0; i < MaxFailedAttempts; i++ {
		require.ErrorIs(t, v.Validate("wrong", "10.3.0.1:1234"), ErrAuthenticationFailed)
	}
	require.True(t, v.IsLockedOut("10.3.0.1"))

	v.cleanup()

	require.True(t, v.IsLockedOut("10.3.0.1"),
		"cleanup must not release an active lockout")
}

func TestTokenValidator_CloseIsIdempotent(t *testing.T) {
	v := NewTokenValidator("secret")
	v.Close()
	v.Close()
}

func wrapTestHandler(t *testing.T, token string) http.Handler {
	t.Helper()
	m := NewMiddleware(token, nil)
	return m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestMiddleware_RequiresBearerToken(t *testing.T) {
	h := wrapTestHandler(t, "secret")

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/channels", nil)
			req.RemoteAddr = "10.1.0.1:5555"
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestMiddleware_ExemptRoutes(t *testing.T) {
	h := wrapTestHandler(t, "secret")

	exemptReqs := []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/health", nil),
		httptest.NewRequest(http.MethodGet, "/mcp/session-1", nil),
		httptest.NewRequest(http.MethodPost, "/discovery/req-1/servers", nil),
	}
	for _, req := range exemptReqs {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code,
			"%s %s should bypass auth", req.Method, req.URL.Path)
	}

	// The caller-facing relay POST is not exempt.
	req := httptest.NewRequest(http.MethodPost, "/mcp/session-1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_NilPassthrough(t *testing.T) {
	m := NewMiddleware("", nil)
	require.Nil(t, m)
	m.Close()

	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
