// Copyright 2025 The Vigil Authors
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

// Package sqlite provides a SQLite repository implementation for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
)

// cleanupBatchSize bounds each delete statement issued by the cleanup
// operations.
const cleanupBatchSize = 500

// Compile-time interface assertions.
var (
	_ store.WorkflowStore = (*Backend)(nil)
	_ store.TriggerStore  = (*Backend)(nil)
	_ store.ActionStore   = (*Backend)(nil)
	_ store.RunStore      = (*Backend)(nil)
	_ store.ChangeStore   = (*Backend)(nil)
	_ store.SnapshotStore = (*Backend)(nil)
	_ store.PlaybookStore = (*Backend)(nil)
	_ store.Store         = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db  *sql.DB
	bus *events.Bus
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool

	// Bus receives a typed event after a workflow create, update or delete
	// and after a trigger creation commits; other mutations publish no
	// event. Optional; nil disables event publication.
	Bus *events.Bus
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
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

	b := &Backend{db: db, bus: cfg.Bus}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			schedule_kind TEXT NOT NULL DEFAULT 'none',
			schedule_spec TEXT,
			timezone TEXT,
			change_detection_enabled INTEGER NOT NULL DEFAULT 0,
			change_detection TEXT,
			playbook_id TEXT,
			execution TEXT NOT NULL,
			metrics TEXT NOT NULL,
			rate_limit INTEGER NOT NULL DEFAULT 0,
			rate_window_ms INTEGER NOT NULL DEFAULT 0,
			last_run TIMESTAMP,
			next_run TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			config TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			trigger_count INTEGER NOT NULL DEFAULT 0,
			last_triggered TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_workflow ON triggers(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			ord INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			retry_on_failure INTEGER NOT NULL DEFAULT 0,
			retry_attempts INTEGER NOT NULL DEFAULT 0,
			retry_delay_ms INTEGER NOT NULL DEFAULT 0,
			continue_on_error INTEGER NOT NULL DEFAULT 0,
			config TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_workflow ON actions(workflow_id, ord, seq)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			run_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			trigger_kind TEXT,
			triggered_by TEXT,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			extracted_data TEXT,
			step_results TEXT,
			actions_executed TEXT,
			error TEXT,
			UNIQUE(workflow_id, run_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS changes (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			run_id TEXT,
			url TEXT NOT NULL,
			kind TEXT NOT NULL,
			severity TEXT NOT NULL,
			similarity REAL NOT NULL,
			change_score REAL NOT NULL,
			previous_value TEXT,
			current_value TEXT,
			diff TEXT,
			screenshot BLOB,
			detected_at TIMESTAMP NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			notified INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_workflow ON changes(workflow_id, detected_at DESC)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			method TEXT NOT NULL,
			content BLOB NOT NULL,
			hash TEXT NOT NULL,
			metadata TEXT,
			captured_at TIMESTAMP NOT NULL,
			PRIMARY KEY(workflow_id, url)
		)`,
		`CREATE TABLE IF NOT EXISTS playbooks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			steps TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// publish emits a bus event after a committed mutation.
func (b *Backend) publish(ctx context.Context, eventType events.Type, data map[string]any) {
	if b.bus != nil {
		b.bus.Publish(ctx, eventType, data)
	}
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return string(data), nil
}

func unmarshalJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
