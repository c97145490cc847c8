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

package registration

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory registration store. Registrations do not
// survive a daemon restart.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*Registration
}

// NewMemoryStore creates a new in-memory registration store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: make(map[string]*Registration),
	}
}

// Upsert creates or replaces the registration for reg.ClientName.
func (s *MemoryStore) Upsert(ctx context.Context, reg *Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	createdAt := reg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	stored := &Registration{
		ClientName:  reg.ClientName,
		ChannelURI:  reg.ChannelURI,
		MachineName: reg.MachineName,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}
	if existing, ok := s.clients[reg.ClientName]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	s.clients[reg.ClientName] = stored

	reg.CreatedAt = stored.CreatedAt
	reg.UpdatedAt = stored.UpdatedAt
	return nil
}

// Get returns the registration for a client name.
func (s *MemoryStore) Get(ctx context.Context, clientName string) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.clients[clientName]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *reg
	return &copied, nil
}

// List returns all registrations ordered by client name.
func (s *MemoryStore) List(ctx context.Context) ([]*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Registration, 0, len(s.clients))
	for _, reg := range s.clients {
		copied := *reg
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ClientName < result[j].ClientName
	})
	return result, nil
}

// Close releases resources. It is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
