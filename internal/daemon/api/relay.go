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

package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tombee/wakerelay/internal/daemon/httputil"
	"github.com/tombee/wakerelay/internal/log"
	"github.com/tombee/wakerelay/internal/relay"
)

// maxRelayBody bounds proxied request bodies.
const maxRelayBody = 4 << 20

// RelayHandler serves the tunnel endpoints: the caller-facing JSON-RPC proxy
// and the remote-facing WebSocket dial-in.
type RelayHandler struct {
	registry *relay.Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewRelayHandler creates the handler for the given registry.
func NewRelayHandler(registry *relay.Registry, logger *slog.Logger) *RelayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Remotes dial back from arbitrary networks; the session id
				// in the callback URL is the credential.
				return true
			},
		},
		logger: logger,
	}
}

// RegisterRoutes registers tunnel routes on the mux.
func (h *RelayHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /mcp/{sessionId}", h.handleProxy)
	mux.HandleFunc("GET /mcp/{sessionId}", h.handleTunnel)
}

// handleProxy handles POST /mcp/{sessionId}: the body is forwarded over the
// session's tunnel and the matching response frame is returned verbatim.
func (h *RelayHandler) handleProxy(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRelayBody))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	frame, err := h.registry.Relay(r.Context(), sessionID, payload)
	if err != nil {
		h.writeRelayError(w, sessionID, err)
		return
	}

	if frame == nil {
		// Fire-and-forget notification: nothing to wait for.
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"message": "notification forwarded",
		})
		return
	}
	httputil.WriteRawJSON(w, http.StatusOK, frame)
}

// writeRelayError maps relay errors onto the HTTP surface.
func (h *RelayHandler) writeRelayError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, relay.ErrSessionNotFound), errors.Is(err, relay.ErrNotConnected):
		httputil.WriteError(w, http.StatusNotFound, "session not available: "+sessionID)
	case errors.Is(err, relay.ErrInvalidPayload):
		httputil.WriteError(w, http.StatusBadRequest, "payload is not valid JSON")
	case errors.Is(err, relay.ErrDuplicateRequestID):
		httputil.WriteError(w, http.StatusBadRequest, "request id already in flight")
	case errors.Is(err, relay.ErrRelayTimeout):
		httputil.WriteError(w, http.StatusGatewayTimeout, "remote did not respond in time")
	case errors.Is(err, relay.ErrConnectionClosed):
		httputil.WriteError(w, http.StatusBadGateway, "tunnel closed while waiting")
	default:
		h.logger.Error("relay failed",
			log.SessionIDKey, sessionID,
			log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "relay failed")
	}
}

// handleTunnel handles GET /mcp/{sessionId}: the woken remote dials back
// here and the connection becomes the session's tunnel.
func (h *RelayHandler) handleTunnel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	if !websocket.IsWebSocketUpgrade(r) {
		httputil.WriteError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}
	if _, ok := h.registry.Get(sessionID); !ok {
		httputil.WriteError(w, http.StatusNotFound, "unknown session: "+sessionID)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("websocket upgrade failed",
			log.SessionIDKey, sessionID,
			log.Error(err))
		return
	}

	if _, err := h.registry.Bind(sessionID, conn); err != nil {
		h.logger.Warn("tunnel bind rejected",
			log.SessionIDKey, sessionID,
			log.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}
}
