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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tombee/wakerelay/internal/discovery"
	"github.com/tombee/wakerelay/internal/registration"
	"github.com/tombee/wakerelay/internal/relay"
)

// fakeDispatcher records wake notifications instead of delivering them.
type fakeDispatcher struct {
	mu        sync.Mutex
	wakeups   []fakeWakeup
	failNext  bool
	lastError error
}

type fakeWakeup struct {
	Kind        string
	ChannelURI  string
	CallbackURL string
	SessionID   string
	RequestID   string
}

func (d *fakeDispatcher) SendWakeup(ctx context.Context, channelURI, callbackURL, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		d.lastError = errors.New("push transport unavailable")
		return d.lastError
	}
	d.wakeups = append(d.wakeups, fakeWakeup{
		Kind: "wake", ChannelURI: channelURI, CallbackURL: callbackURL, SessionID: sessionID,
	})
	return nil
}

func (d *fakeDispatcher) SendDiscoveryWakeup(ctx context.Context, channelURI, requestID, callbackURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		d.lastError = errors.New("push transport unavailable")
		return d.lastError
	}
	d.wakeups = append(d.wakeups, fakeWakeup{
		Kind: "discovery", ChannelURI: channelURI, CallbackURL: callbackURL, RequestID: requestID,
	})
	return nil
}

func (d *fakeDispatcher) last(t *testing.T) fakeWakeup {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.wakeups, "expected at least one wakeup")
	return d.wakeups[len(d.wakeups)-1]
}

type testEnv struct {
	srv        *httptest.Server
	registry   *relay.Registry
	store      registration.Store
	discovery  *discovery.Store
	dispatcher *fakeDispatcher
}

func newTestEnv(t *testing.T, relayCfg relay.Config) *testEnv {
	t.Helper()

	registry := relay.NewRegistry(relayCfg)
	store := registration.NewMemoryStore()
	discoveryStore := discovery.NewStore()
	dispatcher := &fakeDispatcher{}

	router := NewRouter(RouterConfig{Version: "test"})
	router.SetSessionCounter(registry)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(registry.CloseAll)

	NewChannelsHandler(store, nil).RegisterRoutes(router.Mux())
	NewSessionsHandler(store, registry, dispatcher, discoveryStore, srv.URL, nil).RegisterRoutes(router.Mux())
	NewRelayHandler(registry, nil).RegisterRoutes(router.Mux())
	NewDiscoveryHandler(discoveryStore, nil).RegisterRoutes(router.Mux())

	return &testEnv{
		srv:        srv,
		registry:   registry,
		store:      store,
		discovery:  discoveryStore,
		dispatcher: dispatcher,
	}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func (e *testEnv) register(t *testing.T, clientName, channelURI string) {
	t.Helper()
	resp := e.postJSON(t, "/channels/register", map[string]string{
		"clientName":  clientName,
		"channelUri":  channelURI,
		"machineName": "TEST-BOX",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

// notify triggers a plain wakeup and returns the session id.
func (e *testEnv) notify(t *testing.T, clientName string) string {
	t.Helper()
	resp := e.postJSON(t, "/notify/"+clientName, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	sessionID, _ := body["sessionId"].(string)
	require.NotEmpty(t, sessionID)
	return sessionID
}

// dialBack connects to the tunnel endpoint the way a woken remote would.
func (e *testEnv) dialBack(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/mcp/" + sessionID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	s, ok := e.registry.Get(sessionID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.Connected() },
		2*time.Second, 10*time.Millisecond)
	return conn
}

func TestRegisterAndListChannels(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "workstation", "https://wns.example.net/channel?token=supersecret")

	resp := env.get(t, "/channels")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var listings []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listings))
	require.Len(t, listings, 1)
	require.Equal(t, "workstation", listings[0]["clientName"])
	require.Equal(t, "TEST-BOX", listings[0]["machineName"])

	truncated, _ := listings[0]["channelUriTruncated"].(string)
	require.NotContains(t, truncated, "supersecret",
		"listing must not leak the full channel URI")
}

func TestRegisterChannel_HonorsCallerTimestamp(t *testing.T) {
	env := newTestEnv(t, relay.Config{})

	registeredAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	resp := env.postJSON(t, "/channels/register", map[string]any{
		"clientName":   "tablet",
		"channelUri":   "https://wns.example.net/t",
		"registeredAt": registeredAt,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/channels")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var listings []struct {
		ClientName   string    `json:"clientName"`
		RegisteredAt time.Time `json:"registeredAt"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listings))
	require.Len(t, listings, 1)
	require.True(t, listings[0].RegisteredAt.Equal(registeredAt),
		"listing should carry the caller-supplied registration time")
}

func TestRegisterChannel_Validation(t *testing.T) {
	env := newTestEnv(t, relay.Config{})

	resp := env.postJSON(t, "/channels/register", map[string]string{"clientName": "no-channel"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/channels/register",
		strings.NewReader("not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)
	raw.Body.Close()
}

func TestNotify_UnknownClient(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	resp := env.postJSON(t, "/notify/phantom", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestNotify_CreatesSessionAndSendsWakeup(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "laptop", "https://wns.example.net/ch1")

	sessionID := env.notify(t, "laptop")

	wakeup := env.dispatcher.last(t)
	require.Equal(t, "wake", wakeup.Kind)
	require.Equal(t, "https://wns.example.net/ch1", wakeup.ChannelURI)
	require.Equal(t, sessionID, wakeup.SessionID)
	require.Equal(t, env.srv.URL+"/mcp/"+sessionID, wakeup.CallbackURL)

	_, ok := env.registry.Get(sessionID)
	require.True(t, ok, "session should be pending in the registry")
}

func TestNotify_RollsBackSessionOnDeliveryFailure(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "laptop", "https://wns.example.net/ch1")

	env.dispatcher.failNext = true
	resp := env.postJSON(t, "/notify/laptop", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()

	require.Equal(t, 0, env.registry.Len(),
		"speculative session must be rolled back when delivery fails")
}

func TestStatusAndHeartbeat(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "laptop", "https://wns.example.net/ch1")
	sessionID := env.notify(t, "laptop")

	body := decodeBody(t, env.get(t, "/status/"+sessionID))
	require.Equal(t, true, body["registered"])
	require.Equal(t, false, body["connected"])

	env.dialBack(t, sessionID)

	body = decodeBody(t, env.get(t, "/status/"+sessionID))
	require.Equal(t, true, body["registered"])
	require.Equal(t, true, body["connected"])

	body = decodeBody(t, env.get(t, "/status/unknown-session"))
	require.Equal(t, false, body["registered"])

	resp := env.postJSON(t, "/heartbeat/"+sessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.postJSON(t, "/heartbeat/unknown-session", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestProxy_EndToEndRoundTrip(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "laptop", "https://wns.example.net/ch1")
	sessionID := env.notify(t, "laptop")
	conn := env.dialBack(t, sessionID)

	// The remote echoes each request id back with a result.
	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID json.RawMessage `json:"id"`
			}
			if json.Unmarshal(frame, &req) != nil {
				continue
			}
			reply := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}`, req.ID)
			if conn.WriteMessage(websocket.TextMessage, []byte(reply)) != nil {
				return
			}
		}
	}()

	resp := env.postJSON(t, "/mcp/"+sessionID, map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "tools/list",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.EqualValues(t, 7, body["id"])
	require.NotNil(t, body["result"])
}

func TestProxy_NotificationReturnsImmediately(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "laptop", "https://wns.example.net/ch1")
	sessionID := env.notify(t, "laptop")
	conn := env.dialBack(t, sessionID)

	received := make(chan []byte, 1)
	go func() {
		_, frame, err := conn.ReadMessage()
		if err == nil {
			received <- frame
		}
	}()

	resp := env.postJSON(t, "/mcp/"+sessionID, map[string]any{
		"jsonrpc": "2.0", "method": "notifications/initialized",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	select {
	case frame := <-received:
		require.Contains(t, string(frame), "notifications/initialized")
	case <-time.After(2 * time.Second):
		t.Fatal("notification never reached the remote")
	}
}

func TestProxy_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, relay.Config{
		RequestTimeout:  200 * time.Millisecond,
		ActivityRefresh: 50 * time.Millisecond,
	})
	env.register(t, "laptop", "https://wns.example.net/ch1")

	// Unknown session: 404.
	resp := env.postJSON(t, "/mcp/no-such-session", map[string]any{"id": 1})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	sessionID := env.notify(t, "laptop")

	// Registered but not yet connected: 404.
	resp = env.postJSON(t, "/mcp/"+sessionID, map[string]any{"id": 1})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	env.dialBack(t, sessionID)

	// Non-JSON payload: 400, never forwarded.
	raw, err := http.Post(env.srv.URL+"/mcp/"+sessionID, "application/json",
		strings.NewReader("this is not json"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)
	raw.Body.Close()

	// Remote never answers: 504 after the ceiling.
	resp = env.postJSON(t, "/mcp/"+sessionID, map[string]any{"id": 2, "method": "ping"})
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	resp.Body.Close()
}

func TestTunnel_RequiresUpgrade(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "laptop", "https://wns.example.net/ch1")
	sessionID := env.notify(t, "laptop")

	// A plain GET is not a WebSocket handshake.
	resp := env.get(t, "/mcp/"+sessionID)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTunnel_UnknownSession(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/mcp/no-such-session"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDiscovery_EndToEnd(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "laptop", "https://wns.example.net/ch1")

	resp := env.postJSON(t, "/notify/laptop", map[string]string{"type": "list_servers"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	requestID, _ := body["requestId"].(string)
	require.NotEmpty(t, requestID)

	wakeup := env.dispatcher.last(t)
	require.Equal(t, "discovery", wakeup.Kind)
	require.Equal(t, requestID, wakeup.RequestID)
	require.Equal(t, env.srv.URL+"/discovery/"+requestID+"/servers", wakeup.CallbackURL)

	// Poller sees pending before the remote posts.
	body = decodeBody(t, env.get(t, "/discovery/"+requestID+"/servers"))
	require.Equal(t, "pending", body["status"])

	// The remote posts a bare array.
	resp = env.postJSON(t, "/discovery/"+requestID+"/servers",
		[]map[string]string{{"name": "files"}, {"name": "git"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	body = decodeBody(t, env.get(t, "/discovery/"+requestID+"/servers"))
	require.Equal(t, "completed", body["status"])
	servers, _ := body["servers"].([]any)
	require.Len(t, servers, 2)
}

func TestDiscovery_CallerSuppliedRequestID(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "laptop", "https://wns.example.net/ch1")

	resp := env.postJSON(t, "/notify/laptop", map[string]string{
		"type": "list_servers", "requestId": "my-req-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "my-req-1", body["requestId"])

	// Reusing the id conflicts.
	resp = env.postJSON(t, "/notify/laptop", map[string]string{
		"type": "list_servers", "requestId": "my-req-1",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestDiscovery_MalformedResultCompletesWithError(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "laptop", "https://wns.example.net/ch1")

	resp := env.postJSON(t, "/notify/laptop", map[string]string{"type": "list_servers"})
	body := decodeBody(t, resp)
	requestID := body["requestId"].(string)

	raw, err := http.Post(env.srv.URL+"/discovery/"+requestID+"/servers",
		"application/json", strings.NewReader("garbage"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, raw.StatusCode)
	raw.Body.Close()

	body = decodeBody(t, env.get(t, "/discovery/"+requestID+"/servers"))
	require.Equal(t, "completed", body["status"])
	require.NotEmpty(t, body["error"])
	servers, _ := body["servers"].([]any)
	require.Empty(t, servers)
}

func TestDiscovery_PollLazilyCreatesRequest(t *testing.T) {
	env := newTestEnv(t, relay.Config{})

	// Polling an id that was never broadcast starts tracking it as pending.
	resp := env.get(t, "/discovery/early-bird/servers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "pending", body["status"])
	require.Equal(t, "early-bird", body["requestId"])
	require.Equal(t, 1, env.discovery.Len())

	// The lazily created request completes like any other.
	resp = env.postJSON(t, "/discovery/early-bird/servers", []any{map[string]string{"name": "fs"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	body = decodeBody(t, env.get(t, "/discovery/early-bird/servers"))
	require.Equal(t, "completed", body["status"])
}

func TestDiscovery_PostToUnknownRequest(t *testing.T) {
	env := newTestEnv(t, relay.Config{})

	// Posting results requires a tracked id; only polls create lazily.
	resp := env.postJSON(t, "/discovery/phantom/servers", []any{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDiscovery_RollsBackOnDeliveryFailure(t *testing.T) {
	env := newTestEnv(t, relay.Config{})
	env.register(t, "laptop", "https://wns.example.net/ch1")

	env.dispatcher.failNext = true
	resp := env.postJSON(t, "/notify/laptop", map[string]string{
		"type": "list_servers", "requestId": "doomed",
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()

	require.Equal(t, 0, env.discovery.Len(),
		"failed dispatch must roll back the discovery request")
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t, relay.Config{})

	body := decodeBody(t, env.get(t, "/v1/health"))
	require.Equal(t, "ok", body["status"])

	body = decodeBody(t, env.get(t, "/v1/version"))
	require.Equal(t, "test", body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, relay.Config{})

	resp := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(data), "wakerelay_sessions")
}
