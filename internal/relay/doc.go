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

/*
Package relay implements the session registry and request/response correlator
at the heart of the daemon.

A Session is a logical tunnel: an externally issued identifier bound to at
most one live WebSocket connection plus its in-flight request bookkeeping.
Sessions are created in a pending state when a wake notification is
dispatched, become connected when the woken remote dials back, and are
retired by the Reaper when idle or abandoned.

# Correlation

Registry.Relay forwards a JSON-RPC payload over the session's tunnel and
parks the calling HTTP request on a single-resolution handle keyed by the
payload's id. The session's receive loop resolves the handle when a frame
with the matching id arrives. Matching is strictly by id; multiple requests
may be in flight concurrently on one tunnel and responses may arrive in any
order. Payloads without an id are notifications and are forwarded without
waiting.

Pending handles exist only between forwarding and resolution: they are
removed on response, timeout, cancellation, connection loss, and eviction,
so a late frame for a request nobody is waiting on is simply discarded.

# Concurrency

The registry map and each session's pending map are the only shared mutable
state. Each is guarded by its own mutex, and no lock is ever held across a
wait: waits happen on buffered channels after all map mutation is done.

# Lifecycle

	registry := relay.NewRegistry(relay.Config{})
	reaper := relay.NewReaper(registry, discoveryStore, relay.ReaperConfig{})
	reaper.Start(ctx)
	defer reaper.Stop()
	defer registry.CloseAll()
*/
package relay
