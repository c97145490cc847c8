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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/wakerelay/internal/log"
)

// result carries the outcome of a pending request to its waiter.
type result struct {
	frame []byte
	err   error
}

// Session binds an externally issued identifier to at most one live WebSocket
// connection plus its in-flight request bookkeeping. Sessions are created in a
// pending state when a wake notification is dispatched, become connected when
// the remote dials back, and are retired by the reaper.
type Session struct {
	id        string
	createdAt time.Time
	logger    *slog.Logger

	// mu guards connection state and activity timestamps.
	mu             sync.Mutex
	conn           *websocket.Conn
	lastActivity   time.Time
	disconnectedAt time.Time

	// wmu serializes frame writes; gorilla/websocket allows at most one
	// concurrent writer per connection.
	wmu sync.Mutex

	// pmu guards the pending map independently of mu: pending entries churn
	// on every relayed request, connection state changes rarely.
	pmu     sync.Mutex
	pending map[string]chan result
}

// newSession creates a session in the pending (unconnected) state.
func newSession(id string, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		createdAt: now,
		logger:    logger,
		// A never-connected session ages against the grace window from the
		// moment it was created.
		lastActivity:   now,
		disconnectedAt: now,
		pending:        make(map[string]chan result),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Connected reports whether a remote is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// DisconnectedAt returns when the session lost (or never had) a connection.
// The zero value means the session is currently connected.
func (s *Session) DisconnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return time.Time{}
	}
	return s.disconnectedAt
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// PendingCount returns the number of in-flight correlated requests.
func (s *Session) PendingCount() int {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return len(s.pending)
}

// bind attaches a connection and starts its receive loop. A disconnected
// session may be re-adopted by a new dial-back; a second connection while one
// is live is rejected.
func (s *Session) bind(conn *websocket.Conn) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.conn = conn
	s.lastActivity = time.Now()
	s.disconnectedAt = time.Time{}
	s.mu.Unlock()

	connectedSessions.Inc()
	go s.readLoop(conn)
	return nil
}

// send writes a frame to the tunnel.
func (s *Session) send(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	s.Touch()
	return nil
}

// addPending registers a single-resolution handle under the correlation key.
func (s *Session) addPending(key string) (chan result, error) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if _, exists := s.pending[key]; exists {
		return nil, ErrDuplicateRequestID
	}
	// Buffered so the resolver never blocks on a waiter that has already
	// timed out and walked away.
	ch := make(chan result, 1)
	s.pending[key] = ch
	return ch, nil
}

// removePending deregisters a handle. A late-arriving frame for a removed key
// is discarded by the receive loop rather than resolving a handle nobody is
// waiting on.
func (s *Session) removePending(key string) {
	s.pmu.Lock()
	delete(s.pending, key)
	s.pmu.Unlock()
}

// resolvePending removes the handle for key and delivers the frame to its
// waiter. Removal under pmu before delivery guarantees at-most-once
// resolution. Returns false when no waiter is registered for key.
func (s *Session) resolvePending(key string, frame []byte) bool {
	s.pmu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pmu.Unlock()
	if !ok {
		return false
	}
	ch <- result{frame: frame}
	return true
}

// failAllPending resolves every in-flight wait with err. Called on disconnect
// and eviction so waiters fail fast instead of waiting out the full ceiling.
func (s *Session) failAllPending(err error) {
	s.pmu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan result)
	s.pmu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
}

// markDisconnected clears the connection, fails in-flight waits, and starts
// the disconnect grace clock. The session itself stays registered so the
// remote can re-dial.
func (s *Session) markDisconnected() {
	s.mu.Lock()
	hadConn := s.conn != nil
	s.conn = nil
	s.disconnectedAt = time.Now()
	s.mu.Unlock()

	if hadConn {
		connectedSessions.Dec()
	}
	s.failAllPending(ErrConnectionClosed)
}

// close shuts the connection down with a close frame and fails all waiters.
// Safe to call on an unconnected session.
func (s *Session) close(reason string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.markDisconnected()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

// readLoop consumes frames from the tunnel until the connection drops.
// Frames carrying a pending correlation id resolve their waiter; anything
// else (unsolicited push, response to an already-timed-out request) is
// discarded without being treated as an error.
func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.markDisconnected()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("tunnel read error", "session_id", s.id, "error", err)
			} else {
				s.logger.Debug("tunnel closed", "session_id", s.id)
			}
			return
		}

		s.Touch()
		log.Trace(s.logger, "frame received",
			slog.String(log.SessionIDKey, s.id),
			slog.Int("size", len(frame)))

		key, hasID, err := ExtractCorrelationID(frame)
		if err != nil || !hasID {
			s.logger.Debug("discarding frame without correlation id",
				"session_id", s.id, "size", len(frame))
			discardedFrames.Inc()
			continue
		}

		if !s.resolvePending(key, frame) {
			s.logger.Debug("discarding unmatched response frame",
				"session_id", s.id, "correlation_id", key)
			discardedFrames.Inc()
		}
	}
}
