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
	"encoding/json"
	"fmt"
	"time"

	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// CreateAction inserts a new action row. The seq column records insertion
// order so ListActions can break Order ties deterministically.
func (b *Backend) CreateAction(ctx context.Context, a *store.Action) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	config := "{}"
	if len(a.Config) > 0 {
		config = string(a.Config)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM actions WHERE workflow_id = ?", a.WorkflowID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("failed to read max seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO actions (id, workflow_id, kind, ord, seq, enabled, retry_on_failure,
			retry_attempts, retry_delay_ms, continue_on_error, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkflowID, string(a.Kind), a.Order, maxSeq.Int64+1, a.Enabled,
		a.RetryOnFailure, a.RetryAttempts, a.RetryDelay.Milliseconds(),
		a.ContinueOnErr, config, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}

	return tx.Commit()
}

// GetAction fetches an action by id.
func (b *Backend) GetAction(ctx context.Context, id string) (*store.Action, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, kind, ord, enabled, retry_on_failure, retry_attempts,
			retry_delay_ms, continue_on_error, config, created_at, updated_at
		FROM actions WHERE id = ?`, id)

	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "action", ID: id}
	}
	return a, err
}

// ListActions returns the workflow's actions ordered by Order, insertion
// order breaking ties.
func (b *Backend) ListActions(ctx context.Context, workflowID string) ([]*store.Action, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, workflow_id, kind, ord, enabled, retry_on_failure, retry_attempts,
			retry_delay_ms, continue_on_error, config, created_at, updated_at
		FROM actions WHERE workflow_id = ? ORDER BY ord, seq`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*store.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// UpdateAction persists a modified action.
func (b *Backend) UpdateAction(ctx context.Context, a *store.Action) error {
	a.UpdatedAt = time.Now().UTC()

	config := "{}"
	if len(a.Config) > 0 {
		config = string(a.Config)
	}

	result, err := b.db.ExecContext(ctx, `
		UPDATE actions SET kind = ?, ord = ?, enabled = ?, retry_on_failure = ?,
			retry_attempts = ?, retry_delay_ms = ?, continue_on_error = ?, config = ?,
			updated_at = ?
		WHERE id = ?`,
		string(a.Kind), a.Order, a.Enabled, a.RetryOnFailure, a.RetryAttempts,
		a.RetryDelay.Milliseconds(), a.ContinueOnErr, config, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "action", ID: a.ID}
	}
	return nil
}

// DeleteAction removes an action.
func (b *Backend) DeleteAction(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, "DELETE FROM actions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "action", ID: id}
	}
	return nil
}

func scanAction(row scanner) (*store.Action, error) {
	var a store.Action
	var kind string
	var config sql.NullString
	var retryDelayMS int64

	err := row.Scan(&a.ID, &a.WorkflowID, &kind, &a.Order, &a.Enabled, &a.RetryOnFailure,
		&a.RetryAttempts, &retryDelayMS, &a.ContinueOnErr, &config, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Kind = store.ActionKind(kind)
	a.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	if config.String != "" {
		a.Config = json.RawMessage(config.String)
	}
	return &a, nil
}
