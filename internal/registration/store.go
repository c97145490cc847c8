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

// Package registration stores push-channel registrations for known clients.
//
// A registration maps a stable client name to the opaque notification
// channel URI the client most recently reported. Re-registering an
// existing client replaces its channel URI; the caller never needs to
// unregister first.
package registration

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no registration exists for a client name.
var ErrNotFound = errors.New("registration: client not found")

// ErrInvalid is returned when a registration is missing required fields.
var ErrInvalid = errors.New("registration: invalid registration")

// Registration is a client's push-channel registration.
type Registration struct {
	// ClientName is the caller-chosen stable identity of the remote client.
	ClientName string `json:"client_name"`

	// ChannelURI is the opaque push notification channel for the client.
	// It is treated as a secret: listings expose only a truncated form.
	ChannelURI string `json:"channel_uri"`

	// MachineName is the self-reported host name of the client, for
	// display in listings only.
	MachineName string `json:"machine_name,omitempty"`

	// CreatedAt is when the client first registered. Callers may supply
	// their own registration time on Upsert; when zero, the store stamps
	// the current time. Re-registering preserves the original value.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the channel URI was last replaced.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the registration carries the required fields.
func (r *Registration) Validate() error {
	if strings.TrimSpace(r.ClientName) == "" {
		return errors.Join(ErrInvalid, errors.New("client_name is required"))
	}
	if strings.TrimSpace(r.ChannelURI) == "" {
		return errors.Join(ErrInvalid, errors.New("channel_uri is required"))
	}
	return nil
}

// Store persists client registrations.
type Store interface {
	// Upsert creates or replaces the registration for reg.ClientName.
	// Re-registering the same client is not an error; the stored channel
	// URI is replaced and UpdatedAt advances.
	Upsert(ctx context.Context, reg *Registration) error

	// Get returns the registration for a client name, or ErrNotFound.
	Get(ctx context.Context, clientName string) (*Registration, error)

	// List returns all registrations ordered by client name.
	//
	// There is deliberately no delete operation: registrations are only
	// ever replaced by a newer Upsert for the same client name.
	List(ctx context.Context) ([]*Registration, error)

	// Close releases any resources held by the store.
	Close() error
}
