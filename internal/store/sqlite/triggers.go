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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// CreateTrigger inserts a new trigger row.
func (b *Backend) CreateTrigger(ctx context.Context, t *store.Trigger) error {
	config, err := marshalJSON(t.Config)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO triggers (id, workflow_id, kind, config, enabled, trigger_count,
			last_triggered, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, string(t.Kind), config, t.Enabled, t.TriggerCount,
		nullTime(t.LastTriggered), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trigger: %w", err)
	}

	b.publish(ctx, events.TriggerRegistered, map[string]any{
		"trigger_id":  t.ID,
		"workflow_id": t.WorkflowID,
		"kind":        string(t.Kind),
	})
	return nil
}

// GetTrigger fetches a trigger by id.
func (b *Backend) GetTrigger(ctx context.Context, id string) (*store.Trigger, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, kind, config, enabled, trigger_count, last_triggered,
			created_at, updated_at
		FROM triggers WHERE id = ?`, id)

	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "trigger", ID: id}
	}
	return t, err
}

// ListTriggers returns triggers, optionally filtered by workflow.
func (b *Backend) ListTriggers(ctx context.Context, workflowID string) ([]*store.Trigger, error) {
	query := `
		SELECT id, workflow_id, kind, config, enabled, trigger_count, last_triggered,
			created_at, updated_at
		FROM triggers`
	var args []any
	if workflowID != "" {
		query += " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}
	query += " ORDER BY created_at"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*store.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// UpdateTrigger persists a modified trigger.
func (b *Backend) UpdateTrigger(ctx context.Context, t *store.Trigger) error {
	config, err := marshalJSON(t.Config)
	if err != nil {
		return err
	}

	t.UpdatedAt = time.Now().UTC()

	result, err := b.db.ExecContext(ctx, `
		UPDATE triggers SET kind = ?, config = ?, enabled = ?, trigger_count = ?,
			last_triggered = ?, updated_at = ?
		WHERE id = ?`,
		string(t.Kind), config, t.Enabled, t.TriggerCount,
		nullTime(t.LastTriggered), t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "trigger", ID: t.ID}
	}
	return nil
}

// DeleteTrigger removes a trigger.
func (b *Backend) DeleteTrigger(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, "DELETE FROM triggers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "trigger", ID: id}
	}
	return nil
}

func scanTrigger(row scanner) (*store.Trigger, error) {
	var t store.Trigger
	var kind string
	var config sql.NullString
	var lastTriggered sql.NullTime

	err := row.Scan(&t.ID, &t.WorkflowID, &kind, &config, &t.Enabled, &t.TriggerCount,
		&lastTriggered, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Kind = store.TriggerKind(kind)
	if lastTriggered.Valid {
		ts := lastTriggered.Time
		t.LastTriggered = &ts
	}
	if err := unmarshalJSON(config.String, &t.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger config: %w", err)
	}
	return &t, nil
}
