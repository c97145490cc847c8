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
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/wakerelay/internal/daemon/httputil"
	"github.com/tombee/wakerelay/internal/discovery"
	"github.com/tombee/wakerelay/internal/log"
	"github.com/tombee/wakerelay/internal/notify"
	"github.com/tombee/wakerelay/internal/registration"
	"github.com/tombee/wakerelay/internal/relay"
)

// SessionsHandler serves wake-notification and session lifecycle endpoints.
type SessionsHandler struct {
	registrations registration.Store
	registry      *relay.Registry
	dispatcher    notify.Dispatcher
	discovery     *discovery.Store
	publicURL     string
	logger        *slog.Logger
}

// NewSessionsHandler creates the handler. publicURL is the externally
// reachable base URL remotes use to dial back.
func NewSessionsHandler(
	registrations registration.Store,
	registry *relay.Registry,
	dispatcher notify.Dispatcher,
	discoveryStore *discovery.Store,
	publicURL string,
	logger *slog.Logger,
) *SessionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionsHandler{
		registrations: registrations,
		registry:      registry,
		dispatcher:    dispatcher,
		discovery:     discoveryStore,
		publicURL:     strings.TrimRight(publicURL, "/"),
		logger:        logger,
	}
}

// RegisterRoutes registers session routes on the mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /notify/{clientName}", h.handleNotify)
	mux.HandleFunc("GET /status/{sessionId}", h.handleStatus)
	mux.HandleFunc("POST /heartbeat/{sessionId}", h.handleHeartbeat)
}

type notifyRequest struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId"`
	CallbackURL string `json:"callbackUrl"`
}

// handleNotify handles POST /notify/{clientName}. An empty body (or any body
// without type "list_servers") triggers a plain tunnel wakeup; the discovery
// variant asks the remote to enumerate its servers instead.
func (h *SessionsHandler) handleNotify(w http.ResponseWriter, r *http.Request) {
	clientName := r.PathValue("clientName")

	reg, err := h.registrations.Get(r.Context(), clientName)
	if errors.Is(err, registration.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "unknown client: "+clientName)
		return
	}
	if err != nil {
		h.logger.Error("failed to load registration", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load registration")
		return
	}

	var req notifyRequest
	if body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16)); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if req.Type == "list_servers" {
		h.notifyDiscovery(w, r, reg, req)
		return
	}
	h.notifyWakeup(w, r, reg)
}

// notifyWakeup creates a pending session and dispatches a wake notification.
// The session is speculative: if the push transport refuses delivery it is
// rolled back so the reaper has nothing to clean up.
func (h *SessionsHandler) notifyWakeup(w http.ResponseWriter, r *http.Request, reg *registration.Registration) {
	sessionID := uuid.NewString()
	if _, err := h.registry.Create(sessionID); err != nil {
		h.logger.Error("failed to create session", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	callbackURL := h.publicURL + "/mcp/" + sessionID
	if err := h.dispatcher.SendWakeup(r.Context(), reg.ChannelURI, callbackURL, sessionID); err != nil {
		h.registry.Remove(sessionID)
		h.logger.Warn("wake delivery failed",
			log.ClientKey, reg.ClientName,
			log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "wake delivery failed: "+err.Error())
		return
	}

	h.logger.Info("wake notification sent",
		log.ClientKey, reg.ClientName,
		log.SessionIDKey, sessionID)

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message":     "wake notification sent",
		"sessionId":   sessionID,
		"callbackUrl": callbackURL,
	})
}

// notifyDiscovery creates a pending discovery request and dispatches the
// list-servers variant of the wakeup.
func (h *SessionsHandler) notifyDiscovery(w http.ResponseWriter, r *http.Request, reg *registration.Registration, req notifyRequest) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if _, err := h.discovery.Create(requestID, reg.ClientName); err != nil {
		if errors.Is(err, discovery.ErrExists) {
			httputil.WriteError(w, http.StatusConflict, "discovery request already exists: "+requestID)
			return
		}
		h.logger.Error("failed to create discovery request", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create discovery request")
		return
	}

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = h.publicURL + "/discovery/" + requestID + "/servers"
	}

	if err := h.dispatcher.SendDiscoveryWakeup(r.Context(), reg.ChannelURI, requestID, callbackURL); err != nil {
		h.discovery.Remove(requestID)
		h.logger.Warn("discovery wake delivery failed",
			log.ClientKey, reg.ClientName,
			log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "wake delivery failed: "+err.Error())
		return
	}

	h.logger.Info("discovery notification sent",
		log.ClientKey, reg.ClientName,
		slog.String("request_id", requestID))

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message":     "discovery notification sent",
		"requestId":   requestID,
		"callbackUrl": callbackURL,
	})
}

// handleStatus handles GET /status/{sessionId}.
func (h *SessionsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	session, ok := h.registry.Get(sessionID)
	if !ok {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"sessionId":  sessionID,
			"registered": false,
			"connected":  false,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"sessionId":  sessionID,
		"registered": true,
		"connected":  session.Connected(),
	})
}

// handleHeartbeat handles POST /heartbeat/{sessionId}. It refreshes the
// session's activity clock so the reaper leaves it alone.
func (h *SessionsHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	if !h.registry.Touch(sessionID) {
		httputil.WriteError(w, http.StatusNotFound, "unknown session: "+sessionID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"alive": true})
}
