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
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists registrations to a SQLite database so clients
// survive daemon restarts.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLiteStore opens (and if necessary creates) a SQLite-backed store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *SQLiteStore) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS registrations (
			client_name TEXT PRIMARY KEY,
			channel_uri TEXT NOT NULL,
			machine_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Upsert creates or replaces the registration for reg.ClientName.
func (s *SQLiteStore) Upsert(ctx context.Context, reg *Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}

	now := time.Now()
	createdAt := reg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	query := `
		INSERT INTO registrations (client_name, channel_uri, machine_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_name) DO UPDATE SET
			channel_uri = excluded.channel_uri,
			machine_name = excluded.machine_name,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		reg.ClientName, reg.ChannelURI, reg.MachineName,
		createdAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert registration: %w", err)
	}

	stored, err := s.Get(ctx, reg.ClientName)
	if err != nil {
		return err
	}
	reg.CreatedAt = stored.CreatedAt
	reg.UpdatedAt = stored.UpdatedAt
	return nil
}

// Get returns the registration for a client name.
func (s *SQLiteStore) Get(ctx context.Context, clientName string) (*Registration, error) {
	query := `
		SELECT client_name, channel_uri, machine_name, created_at, updated_at
		FROM registrations WHERE client_name = ?
	`

	var reg Registration
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, clientName).Scan(
		&reg.ClientName, &reg.ChannelURI, &reg.MachineName, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}

	reg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	reg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &reg, nil
}

// List returns all registrations ordered by client name.
func (s *SQLiteStore) List(ctx context.Context) ([]*Registration, error) {
	query := `
		SELECT client_name, channel_uri, machine_name, created_at, updated_at
		FROM registrations ORDER BY client_name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer rows.Close()

	var result []*Registration
	for rows.Next() {
		var reg Registration
		var createdAt, updatedAt string
		if err := rows.Scan(&reg.ClientName, &reg.ChannelURI, &reg.MachineName, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		reg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		reg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		result = append(result, &reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate registrations: %w", err)
	}
	return result, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
