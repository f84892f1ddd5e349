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

// CreateWorkflow inserts a new workflow row.
func (b *Backend) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	execution, err := marshalJSON(w.Execution)
	if err != nil {
		return err
	}
	metrics, err := marshalJSON(w.Metrics)
	if err != nil {
		return err
	}
	changeDetection := ""
	if w.ChangeDetection != nil {
		if changeDetection, err = marshalJSON(w.ChangeDetection); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, status, schedule_kind, schedule_spec, timezone,
			change_detection_enabled, change_detection, playbook_id, execution, metrics,
			rate_limit, rate_window_ms, last_run, next_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, string(w.Status), string(w.ScheduleKind), w.ScheduleSpec, w.Timezone,
		w.ChangeDetectionEnabled, changeDetection, w.PlaybookID, execution, metrics,
		w.RateLimit, w.RateWindow.Milliseconds(), nullTime(w.LastRun), nullTime(w.NextRun),
		w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}

	b.publish(ctx, events.WorkflowCreated, map[string]any{
		"workflow_id": w.ID,
		"name":        w.Name,
	})
	return nil
}

// GetWorkflow fetches a workflow by id.
func (b *Backend) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, name, status, schedule_kind, schedule_spec, timezone,
			change_detection_enabled, change_detection, playbook_id, execution, metrics,
			rate_limit, rate_window_ms, last_run, next_run, created_at, updated_at
		FROM workflows WHERE id = ?`, id)

	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return w, err
}

// ListWorkflows returns all workflows ordered by creation time.
func (b *Backend) ListWorkflows(ctx context.Context) ([]*store.Workflow, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, status, schedule_kind, schedule_spec, timezone,
			change_detection_enabled, change_detection, playbook_id, execution, metrics,
			rate_limit, rate_window_ms, last_run, next_run, created_at, updated_at
		FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*store.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// UpdateWorkflow persists a modified workflow.
func (b *Backend) UpdateWorkflow(ctx context.Context, w *store.Workflow) error {
	execution, err := marshalJSON(w.Execution)
	if err != nil {
		return err
	}
	metrics, err := marshalJSON(w.Metrics)
	if err != nil {
		return err
	}
	changeDetection := ""
	if w.ChangeDetection != nil {
		if changeDetection, err = marshalJSON(w.ChangeDetection); err != nil {
			return err
		}
	}

	w.UpdatedAt = time.Now().UTC()

	result, err := b.db.ExecContext(ctx, `
		UPDATE workflows SET name = ?, status = ?, schedule_kind = ?, schedule_spec = ?,
			timezone = ?, change_detection_enabled = ?, change_detection = ?, playbook_id = ?,
			execution = ?, metrics = ?, rate_limit = ?, rate_window_ms = ?,
			last_run = ?, next_run = ?, updated_at = ?
		WHERE id = ?`,
		w.Name, string(w.Status), string(w.ScheduleKind), w.ScheduleSpec,
		w.Timezone, w.ChangeDetectionEnabled, changeDetection, w.PlaybookID,
		execution, metrics, w.RateLimit, w.RateWindow.Milliseconds(),
		nullTime(w.LastRun), nullTime(w.NextRun), w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: w.ID}
	}

	b.publish(ctx, events.WorkflowUpdated, map[string]any{
		"workflow_id": w.ID,
		"status":      string(w.Status),
	})
	return nil
}

// DeleteWorkflow removes a workflow and all dependent rows in a single
// transaction.
func (b *Backend) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Foreign keys cascade, but dependent tables are deleted explicitly so
	// the cascade does not depend on the connection's pragma state.
	for _, table := range []string{"snapshots", "changes", "runs", "actions", "triggers"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE workflow_id = ?", table), id); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	b.publish(ctx, events.WorkflowDeleted, map[string]any{"workflow_id": id})
	return nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*store.Workflow, error) {
	var w store.Workflow
	var status, scheduleKind string
	var scheduleSpec, timezone, changeDetection, playbookID, execution, metrics sql.NullString
	var rateWindowMS int64
	var lastRun, nextRun sql.NullTime

	err := row.Scan(&w.ID, &w.Name, &status, &scheduleKind, &scheduleSpec, &timezone,
		&w.ChangeDetectionEnabled, &changeDetection, &playbookID, &execution, &metrics,
		&w.RateLimit, &rateWindowMS, &lastRun, &nextRun, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}

	w.Status = store.WorkflowStatus(status)
	w.ScheduleKind = store.ScheduleKind(scheduleKind)
	w.ScheduleSpec = scheduleSpec.String
	w.Timezone = timezone.String
	w.PlaybookID = playbookID.String
	w.RateWindow = time.Duration(rateWindowMS) * time.Millisecond
	if lastRun.Valid {
		t := lastRun.Time
		w.LastRun = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		w.NextRun = &t
	}
	if err := unmarshalJSON(execution.String, &w.Execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution config: %w", err)
	}
	if err := unmarshalJSON(metrics.String, &w.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
	}
	if changeDetection.String != "" {
		w.ChangeDetection = &store.ChangeDetectionConfig{}
		if err := unmarshalJSON(changeDetection.String, w.ChangeDetection); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change detection config: %w", err)
		}
	}
	return &w, nil
}
