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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config configures request correlation timing.
type Config struct {
	// RequestTimeout is the total ceiling a relayed request waits for its
	// response frame. Default: 120s.
	RequestTimeout time.Duration

	// ActivityRefresh is how often an in-flight wait refreshes the session's
	// last-activity timestamp so a slow-but-alive remote is not reaped
	// mid-wait. Default: 5s.
	ActivityRefresh time.Duration

	// Logger is the structured logger for relay events.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Registry owns every Session. HTTP handlers and the reaper only borrow
// references by id; all mutation goes through Registry methods, which are
// safe for concurrent use.
type Registry struct {
	requestTimeout  time.Duration
	activityRefresh time.Duration
	logger          *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.ActivityRefresh <= 0 {
		cfg.ActivityRefresh = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		requestTimeout:  cfg.RequestTimeout,
		activityRefresh: cfg.ActivityRefresh,
		logger:          cfg.Logger,
		sessions:        make(map[string]*Session),
	}
}

// Create registers a new pending session under id.
func (r *Registry) Create(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	s := newSession(id, r.logger)
	r.sessions[id] = s
	activeSessions.Inc()
	return s, nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove evicts the session, closing its connection and failing any in-flight
// waits. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	activeSessions.Dec()
	if err := s.close("session evicted"); err != nil {
		r.logger.Debug("error closing evicted session", "session_id", id, "error", err)
	}
}

// Bind attaches a dialed-back connection to its pending session and starts
// the receive loop.
func (r *Registry) Bind(id string, conn *websocket.Conn) (*Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.bind(conn); err != nil {
		return nil, err
	}
	r.logger.Info("session connected", "session_id", id, "remote", conn.RemoteAddr().String())
	return s, nil
}

// Touch refreshes the session's last-activity timestamp.
func (r *Registry) Touch(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.Touch()
	return true
}

// Snapshot returns the current sessions. The slice is a copy; the sessions
// are live references.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll evicts every session. Called on daemon shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.Snapshot() {
		r.Remove(s.ID())
	}
}

// Relay forwards a JSON-RPC payload over the session's tunnel and waits for
// the response frame carrying the same correlation id.
//
// Payloads without an id are notifications: they are forwarded and Relay
// returns a nil response immediately without registering a pending entry.
// Payloads that are not JSON are rejected before anything reaches the tunnel.
//
// Responses are matched strictly by correlation id, never arrival order;
// multiple Relay calls may be in flight concurrently on one session. The
// pending entry is removed on every exit path: resolution, timeout,
// cancellation, and connection loss.
func (r *Registry) Relay(ctx context.Context, sessionID string, payload []byte) ([]byte, error) {
	s, ok := r.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !s.Connected() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, sessionID)
	}

	key, hasID, err := ExtractCorrelationID(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	s.Touch()

	if !hasID {
		// Fire-and-forget notification: no response expected.
		if err := s.send(payload); err != nil {
			relayRequests.WithLabelValues(outcomeError).Inc()
			return nil, err
		}
		relayRequests.WithLabelValues(outcomeNotification).Inc()
		return nil, nil
	}

	ch, err := s.addPending(key)
	if err != nil {
		return nil, err
	}

	if err := s.send(payload); err != nil {
		s.removePending(key)
		relayRequests.WithLabelValues(outcomeError).Inc()
		return nil, err
	}

	start := time.Now()
	ceiling := time.NewTimer(r.requestTimeout)
	defer ceiling.Stop()
	refresh := time.NewTicker(r.activityRefresh)
	defer refresh.Stop()

	for {
		select {
		case res := <-ch:
			relayDuration.Observe(time.Since(start).Seconds())
			if res.err != nil {
				relayRequests.WithLabelValues(outcomeError).Inc()
				return nil, res.err
			}
			relayRequests.WithLabelValues(outcomeOK).Inc()
			return res.frame, nil

		case <-refresh.C:
			s.Touch()

		case <-ceiling.C:
			s.removePending(key)
			// The receive loop may have resolved the handle between the
			// timer firing and the removal; prefer the real response.
			select {
			case res := <-ch:
				if res.err == nil {
					relayRequests.WithLabelValues(outcomeOK).Inc()
					return res.frame, nil
				}
				relayRequests.WithLabelValues(outcomeError).Inc()
				return nil, res.err
			default:
			}
			relayRequests.WithLabelValues(outcomeTimeout).Inc()
			r.logger.Warn("relay request timed out",
				"session_id", sessionID,
				"correlation_id", key,
				"timeout", r.requestTimeout)
			return nil, fmt.Errorf("%w after %s", ErrRelayTimeout, r.requestTimeout)

		case <-ctx.Done():
			s.removePending(key)
			relayRequests.WithLabelValues(outcomeError).Inc()
			return nil, ctx.Err()
		}
	}
}
