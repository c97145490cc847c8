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

import "errors"

var (
	// ErrSessionExists is returned when creating a session with an ID that is
	// already registered.
	ErrSessionExists = errors.New("relay: session already exists")

	// ErrSessionNotFound is returned when the session ID is not registered.
	ErrSessionNotFound = errors.New("relay: session not found")

	// ErrNotConnected is returned when a relay is attempted on a session
	// whose remote has not dialed back or has dropped.
	ErrNotConnected = errors.New("relay: session not connected")

	// ErrAlreadyConnected is returned when a second connection attempts to
	// bind to a session that already has a live connection.
	ErrAlreadyConnected = errors.New("relay: session already connected")

	// ErrInvalidPayload is returned when a relayed payload is not valid JSON.
	// The payload is never forwarded over the tunnel.
	ErrInvalidPayload = errors.New("relay: invalid payload")

	// ErrDuplicateRequestID is returned when a relay is attempted with a
	// correlation ID that is already pending on the same session. IDs are
	// expected to be unique per outstanding request.
	ErrDuplicateRequestID = errors.New("relay: duplicate request id")

	// ErrRelayTimeout is returned when no response frame arrives within the
	// configured ceiling. Distinct from transport failure so callers can
	// decide whether to retry.
	ErrRelayTimeout = errors.New("relay: request timed out")

	// ErrConnectionClosed is returned to in-flight waits when the session's
	// connection is closed or the session is evicted, so waiters fail fast
	// instead of waiting out the full ceiling.
	ErrConnectionClosed = errors.New("relay: connection closed")

	// ErrSendFailed is returned when writing a frame to the tunnel fails.
	ErrSendFailed = errors.New("relay: send failed")
)
