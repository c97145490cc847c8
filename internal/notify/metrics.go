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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeRejected  = "rejected"
	outcomeThrottled = "throttled"
)

var (
	notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wakerelay_notifications_total",
		Help: "Wake notifications by payload type and delivery outcome.",
	}, []string{"type", "outcome"})

	notificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wakerelay_notification_duration_seconds",
		Help:    "Latency of accepted push notification deliveries.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)
