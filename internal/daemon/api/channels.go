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
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/wakerelay/internal/daemon/httputil"
	"github.com/tombee/wakerelay/internal/log"
	"github.com/tombee/wakerelay/internal/registration"
)

// ChannelsHandler serves push-channel registration endpoints.
type ChannelsHandler struct {
	store  registration.Store
	logger *slog.Logger
}

// NewChannelsHandler creates a handler backed by the given store.
func NewChannelsHandler(store registration.Store, logger *slog.Logger) *ChannelsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelsHandler{store: store, logger: logger}
}

// RegisterRoutes registers channel routes on the mux.
func (h *ChannelsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /channels/register", h.handleRegister)
	mux.HandleFunc("GET /channels", h.handleList)
}

type registerRequest struct {
	ClientName   string    `json:"clientName"`
	ChannelURI   string    `json:"channelUri"`
	MachineName  string    `json:"machineName"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type channelListing struct {
	ClientName          string    `json:"clientName"`
	MachineName         string    `json:"machineName"`
	ChannelURITruncated string    `json:"channelUriTruncated"`
	RegisteredAt        time.Time `json:"registeredAt"`
	LastSeen            time.Time `json:"lastSeen"`
}

// handleRegister handles POST /channels/register.
func (h *ChannelsHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reg := &registration.Registration{
		ClientName:  req.ClientName,
		ChannelURI:  req.ChannelURI,
		MachineName: req.MachineName,
		CreatedAt:   req.RegisteredAt,
	}
	if err := h.store.Upsert(r.Context(), reg); err != nil {
		if errors.Is(err, registration.ErrInvalid) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to store registration", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store registration")
		return
	}

	h.logger.Info("channel registered",
		log.ClientKey, req.ClientName,
		slog.String("channel", log.SanitizeChannelURI(req.ChannelURI)))

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message":    "channel registered",
		"clientName": reg.ClientName,
	})
}

// handleList handles GET /channels. Channel URIs are truncated so listings
// never leak the full push-channel secret.
func (h *ChannelsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	regs, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list registrations", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list registrations")
		return
	}

	listings := make([]channelListing, 0, len(regs))
	for _, reg := range regs {
		listings = append(listings, channelListing{
			ClientName:          reg.ClientName,
			MachineName:         reg.MachineName,
			ChannelURITruncated: log.SanitizeChannelURI(reg.ChannelURI),
			RegisteredAt:        reg.CreatedAt,
			LastSeen:            reg.UpdatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, listings)
}
