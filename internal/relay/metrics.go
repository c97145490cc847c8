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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay outcome labels.
const (
	outcomeOK           = "ok"
	outcomeTimeout      = "timeout"
	outcomeError        = "error"
	outcomeNotification = "notification"
)

// Reap reason labels.
const (
	reasonIdle      = "idle"
	reasonAbandoned = "abandoned"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wakerelay_sessions",
		Help: "Number of registered relay sessions.",
	})

	connectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wakerelay_connected_sessions",
		Help: "Number of sessions with a live tunnel connection.",
	})

	relayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakerelay_relay_requests_total",
			Help: "Total relayed requests by outcome (ok, timeout, error, notification).",
		},
		[]string{"outcome"},
	)

	relayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wakerelay_relay_duration_seconds",
		Help:    "Time from forwarding a correlated request to resolving its response.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	reapedSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakerelay_reaped_sessions_total",
			Help: "Total sessions evicted by the reaper, by reason (idle, abandoned).",
		},
		[]string{"reason"},
	)

	discardedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wakerelay_discarded_frames_total",
		Help: "Total inbound tunnel frames discarded for lacking a matching pending request.",
	})

	expiredDiscoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wakerelay_expired_discovery_requests_total",
		Help: "Total discovery requests expired by the reaper.",
	})
)
