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

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendWakeup_PostsPayloadWithBearerToken(t *testing.T) {
	var got wakePayload
	var auth, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(Config{AccessToken: "tok-123"})
	err := d.SendWakeup(context.Background(), srv.URL, "https://relay.example.com/mcp/s1", "s1")
	require.NoError(t, err)

	require.Equal(t, "Bearer tok-123", auth)
	require.Equal(t, "application/json", contentType)
	require.Equal(t, "wake_request", got.Type)
	require.Equal(t, "s1", got.SessionID)
	require.Equal(t, "https://relay.example.com/mcp/s1", got.CallbackURL)
}

func TestSendDiscoveryWakeup_PostsListServersPayload(t *testing.T) {
	var got wakePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(Config{})
	err := d.SendDiscoveryWakeup(context.Background(), srv.URL,
		"req-9", "https://relay.example.com/discovery/req-9/servers")
	require.NoError(t, err)

	require.Equal(t, "list_servers", got.Type)
	require.Equal(t, "req-9", got.RequestID)
	require.Empty(t, got.SessionID)
}

func TestSend_NoAuthorizationHeaderWithoutToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(Config{})
	require.NoError(t, d.SendWakeup(context.Background(), srv.URL, "cb", "s1"))
	require.Empty(t, auth)
}

func TestSend_TransportRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "channel expired", http.StatusGone)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(Config{})
	err := d.SendWakeup(context.Background(), srv.URL, "cb", "s1")
	require.ErrorIs(t, err, ErrRejected)
	require.ErrorContains(t, err, "410")
}

func TestSend_InvalidChannelURI(t *testing.T) {
	d := NewHTTPDispatcher(Config{})
	err := d.SendWakeup(context.Background(), "not a uri", "cb", "s1")
	require.Error(t, err)
}

func TestSend_UnreachableTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	d := NewHTTPDispatcher(Config{Timeout: time.Second})
	err := d.SendWakeup(context.Background(), srv.URL, "cb", "s1")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRejected)
}

func TestSend_PerChannelRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	// Burst of 1 per minute: the second send on the same channel throttles,
	// a different channel still has budget.
	d := NewHTTPDispatcher(Config{RatePerMinute: 1})

	require.NoError(t, d.SendWakeup(context.Background(), srv.URL+"/a", "cb", "s1"))
	err := d.SendWakeup(context.Background(), srv.URL+"/a", "cb", "s2")
	require.ErrorIs(t, err, ErrRateLimited)

	require.NoError(t, d.SendWakeup(context.Background(), srv.URL+"/b", "cb", "s3"))
}

func TestSend_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d := NewHTTPDispatcher(Config{})
	err := d.SendWakeup(ctx, srv.URL, "cb", "s1")
	require.Error(t, err)
}
