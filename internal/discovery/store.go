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

// Package discovery tracks broadcast "what servers do you have" queries.
//
// A discovery request is created when a caller asks a remote client to
// enumerate its servers, or lazily when a poller asks about an id before its
// broadcast. The remote posts results back keyed by request id; pollers see
// "pending" until then. Requests that never complete are expired by the
// lifecycle sweep so the map cannot grow without bound.
package discovery

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no discovery request exists for an id.
var ErrNotFound = errors.New("discovery: request not found")

// ErrExists is returned when a request id is already tracked.
var ErrExists = errors.New("discovery: request already exists")

// Status of a discovery request.
type Status string

const (
	// StatusPending means no result has been posted yet.
	StatusPending Status = "pending"

	// StatusCompleted means a result (possibly empty) was posted.
	StatusCompleted Status = "completed"
)

// Request is the poller-visible view of a discovery request.
type Request struct {
	ID          string
	ClientName  string
	Status      Status
	Servers     []json.RawMessage
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// resultWrapper is the enveloped result shape some remotes post.
type resultWrapper struct {
	Servers []json.RawMessage `json:"servers"`
	Error   string            `json:"error"`
}

// ParseResult decodes a posted discovery result body.
//
// Two shapes are accepted: a bare JSON array of server descriptors, and a
// {"servers": [...], "error": "..."} wrapper. Anything else degrades to an
// empty server list with a describing error string rather than failing the
// post, so a misbehaving remote still completes the request.
func ParseResult(body []byte) (servers []json.RawMessage, errMsg string) {
	var bare []json.RawMessage
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, ""
	}

	var wrapped resultWrapper
	if err := json.Unmarshal(body, &wrapped); err == nil && (wrapped.Servers != nil || wrapped.Error != "") {
		return wrapped.Servers, wrapped.Error
	}

	return nil, "unrecognized discovery result shape"
}

// Store is an in-memory discovery request tracker safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewStore creates an empty discovery store.
func NewStore() *Store {
	return &Store{
		requests: make(map[string]*Request),
	}
}

// Create registers a new pending request.
func (s *Store) Create(id, clientName string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[id]; ok {
		return nil, ErrExists
	}
	req := &Request{
		ID:         id,
		ClientName: clientName,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
	s.requests[id] = req
	copied := *req
	return &copied, nil
}

// Complete records a posted result body against a pending request.
// Completing an already-completed request replaces the previous result.
func (s *Store) Complete(id string, body []byte) (*Request, error) {
	servers, errMsg := ParseResult(body)

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	req.Status = StatusCompleted
	req.Servers = servers
	req.Error = errMsg
	req.CompletedAt = time.Now()
	copied := *req
	return &copied, nil
}

// Fail completes a request with no servers and an error message, used when
// the wake notification for it could not be delivered.
func (s *Store) Fail(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	req.Status = StatusCompleted
	req.Servers = nil
	req.Error = message
	req.CompletedAt = time.Now()
	return nil
}

// Remove deletes a request outright, for rolling back a failed dispatch.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
}

// GetOrCreate returns a snapshot of a request, lazily creating a pending
// entry when the id is not yet tracked. Polling an id before its broadcast
// starts tracking it; the lifecycle sweep expires it like any other request.
func (s *Store) GetOrCreate(id string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		req = &Request{
			ID:        id,
			Status:    StatusPending,
			CreatedAt: time.Now(),
		}
		s.requests[id] = req
	}
	copied := *req
	return &copied
}

// Get returns a snapshot of a request.
func (s *Store) Get(id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *req
	return &copied, nil
}

// Len returns the number of tracked requests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// ExpireBefore drops requests created before the cutoff and returns how
// many were removed. The lifecycle reaper calls this on every sweep.
func (s *Store) ExpireBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, req := range s.requests {
		if req.CreatedAt.Before(cutoff) {
			delete(s.requests, id)
			removed++
		}
	}
	return removed
}
