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

	"github.com/tombee/wakerelay/internal/daemon/httputil"
	"github.com/tombee/wakerelay/internal/discovery"
	"github.com/tombee/wakerelay/internal/log"
)

// maxDiscoveryBody bounds posted discovery results.
const maxDiscoveryBody = 1 << 20

// DiscoveryHandler serves the discovery result post and poll endpoints.
type DiscoveryHandler struct {
	store  *discovery.Store
	logger *slog.Logger
}

// NewDiscoveryHandler creates the handler for the given store.
func NewDiscoveryHandler(store *discovery.Store, logger *slog.Logger) *DiscoveryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryHandler{store: store, logger: logger}
}

// RegisterRoutes registers discovery routes on the mux.
func (h *DiscoveryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /discovery/{requestId}/servers", h.handlePost)
	mux.HandleFunc("GET /discovery/{requestId}/servers", h.handlePoll)
}

type discoveryPollResponse struct {
	Status    string            `json:"status"`
	RequestID string            `json:"requestId"`
	Servers   []json.RawMessage `json:"servers,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// handlePost handles POST /discovery/{requestId}/servers: the woken remote
// posts its server list here. Malformed bodies still complete the request
// with an error field so pollers are never stuck on "pending".
func (h *DiscoveryHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDiscoveryBody))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := h.store.Complete(requestID, body)
	if errors.Is(err, discovery.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "unknown discovery request: "+requestID)
		return
	}
	if err != nil {
		h.logger.Error("failed to record discovery result", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to record discovery result")
		return
	}

	h.logger.Info("discovery result received",
		slog.String("request_id", requestID),
		slog.Int("servers", len(req.Servers)))

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message":   "discovery result recorded",
		"requestId": requestID,
	})
}

// handlePoll handles GET /discovery/{requestId}/servers. Polling an id that
// was never broadcast lazily creates a pending request, so pollers can start
// waiting before the broadcast lands.
func (h *DiscoveryHandler) handlePoll(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")

	req := h.store.GetOrCreate(requestID)

	resp := discoveryPollResponse{
		Status:    string(req.Status),
		RequestID: requestID,
	}
	if req.Status == discovery.StatusCompleted {
		resp.Servers = req.Servers
		if resp.Servers == nil {
			resp.Servers = []json.RawMessage{}
		}
		resp.Error = req.Error
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
