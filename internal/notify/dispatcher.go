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

// Package notify delivers wake notifications to remote clients over their
// registered push channels.
//
// Delivery is fire-and-forget: a nil error means the push transport accepted
// the request, not that the remote received or acted on it. Callers that
// created speculative state (a pending session, a discovery request) must
// roll it back when delivery fails.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/wakerelay/internal/log"
	"github.com/tombee/wakerelay/internal/tracing"
)

// ErrRateLimited is returned when the per-channel send budget is exhausted.
var ErrRateLimited = errors.New("notify: channel rate limit exceeded")

// ErrRejected is returned when the push transport refuses the notification.
var ErrRejected = errors.New("notify: transport rejected notification")

// Dispatcher sends wake notifications to remote clients.
type Dispatcher interface {
	// SendWakeup asks the remote behind channelURI to dial back to
	// callbackURL and bind the session identified by sessionID.
	SendWakeup(ctx context.Context, channelURI, callbackURL, sessionID string) error

	// SendDiscoveryWakeup asks the remote to enumerate its servers and
	// post the result to callbackURL under requestID.
	SendDiscoveryWakeup(ctx context.Context, channelURI, requestID, callbackURL string) error
}

// wakePayload is the JSON body posted to the push channel.
type wakePayload struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	CallbackURL string `json:"callbackUrl"`
}

// Config configures the HTTP dispatcher.
type Config struct {
	// Timeout bounds each outbound push request.
	Timeout time.Duration

	// AccessToken, when set, is sent as a bearer token to the push transport.
	AccessToken string

	// RatePerMinute caps notifications per channel URI. Zero disables
	// rate limiting.
	RatePerMinute int

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// HTTPDispatcher posts wake payloads to channel URIs over HTTP.
type HTTPDispatcher struct {
	client        *http.Client
	accessToken   string
	ratePerMinute int
	logger        *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ Dispatcher = (*HTTPDispatcher)(nil)

// NewHTTPDispatcher creates a dispatcher with the given configuration.
func NewHTTPDispatcher(cfg Config) *HTTPDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDispatcher{
		client:        client,
		accessToken:   cfg.AccessToken,
		ratePerMinute: cfg.RatePerMinute,
		logger:        logger,
		limiters:      make(map[string]*rate.Limiter),
	}
}

// SendWakeup posts a wake payload asking the remote to open a tunnel.
func (d *HTTPDispatcher) SendWakeup(ctx context.Context, channelURI, callbackURL, sessionID string) error {
	return d.send(ctx, channelURI, wakePayload{
		Type:        "wake_request",
		SessionID:   sessionID,
		CallbackURL: callbackURL,
	})
}

// SendDiscoveryWakeup posts a wake payload asking the remote to enumerate
// its servers.
func (d *HTTPDispatcher) SendDiscoveryWakeup(ctx context.Context, channelURI, requestID, callbackURL string) error {
	return d.send(ctx, channelURI, wakePayload{
		Type:        "list_servers",
		RequestID:   requestID,
		CallbackURL: callbackURL,
	})
}

func (d *HTTPDispatcher) send(ctx context.Context, channelURI string, payload wakePayload) error {
	start := time.Now()

	if _, err := url.ParseRequestURI(channelURI); err != nil {
		notificationsSent.WithLabelValues(payload.Type, outcomeError).Inc()
		return fmt.Errorf("notify: invalid channel URI: %w", err)
	}

	if !d.limiter(channelURI).Allow() {
		notificationsSent.WithLabelValues(payload.Type, outcomeThrottled).Inc()
		return ErrRateLimited
	}

	body, err := json.Marshal(payload)
	if err != nil {
		notificationsSent.WithLabelValues(payload.Type, outcomeError).Inc()
		return fmt.Errorf("notify: failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channelURI, bytes.NewReader(body))
	if err != nil {
		notificationsSent.WithLabelValues(payload.Type, outcomeError).Inc()
		return fmt.Errorf("notify: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.accessToken)
	}
	tracing.InjectIntoRequest(ctx, req)

	resp, err := d.client.Do(req)
	if err != nil {
		notificationsSent.WithLabelValues(payload.Type, outcomeError).Inc()
		return fmt.Errorf("notify: delivery failed: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		notificationsSent.WithLabelValues(payload.Type, outcomeRejected).Inc()
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	notificationsSent.WithLabelValues(payload.Type, outcomeOK).Inc()
	notificationDuration.Observe(time.Since(start).Seconds())
	d.logger.Debug("notification delivered",
		"type", payload.Type,
		"channel", log.SanitizeChannelURI(channelURI),
		log.DurationKey, time.Since(start),
	)
	return nil
}

// limiter returns the per-channel rate limiter, creating it on first use.
func (d *HTTPDispatcher) limiter(channelURI string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ratePerMinute <= 0 {
		// Unlimited.
		if l, ok := d.limiters[""]; ok {
			return l
		}
		l := rate.NewLimiter(rate.Inf, 1)
		d.limiters[""] = l
		return l
	}

	if l, ok := d.limiters[channelURI]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(float64(d.ratePerMinute)/60.0), d.ratePerMinute)
	d.limiters[channelURI] = l
	return l
}
