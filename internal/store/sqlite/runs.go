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
	"strings"
	"time"

	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// CreateRun assigns the next run_number for the workflow and inserts the
// run in a single transaction. A UNIQUE(workflow_id, run_number) violation
// from a concurrent caller surfaces as a ConflictError.
func (b *Backend) CreateRun(ctx context.Context, r *store.Run) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxNumber sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT MAX(run_number) FROM runs WHERE workflow_id = ?", r.WorkflowID).Scan(&maxNumber)
	if err != nil {
		return fmt.Errorf("failed to read max run_number: %w", err)
	}
	r.RunNumber = maxNumber.Int64 + 1

	extracted, err := marshalJSON(r.ExtractedData)
	if err != nil {
		return err
	}
	stepResults, err := marshalJSON(r.StepResults)
	if err != nil {
		return err
	}
	actions, err := marshalJSON(r.ActionsExecuted)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, run_number, status, trigger_kind, triggered_by,
			started_at, completed_at, duration_ms, extracted_data, step_results,
			actions_executed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.RunNumber, string(r.Status), r.TriggerKind, r.TriggeredBy,
		r.StartedAt.UTC(), nullTime(r.CompletedAt), r.Duration.Milliseconds(),
		extracted, stepResults, actions, r.Error)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "run", Message: "run_number collision"}
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "run", Message: "run_number collision"}
		}
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint
// violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetRun fetches a run by id.
func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, run_number, status, trigger_kind, triggered_by,
			started_at, completed_at, duration_ms, extracted_data, step_results,
			actions_executed, error
		FROM runs WHERE id = ?`, id)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return r, err
}

// UpdateRun persists a modified run.
func (b *Backend) UpdateRun(ctx context.Context, r *store.Run) error {
	extracted, err := marshalJSON(r.ExtractedData)
	if err != nil {
		return err
	}
	stepResults, err := marshalJSON(r.StepResults)
	if err != nil {
		return err
	}
	actions, err := marshalJSON(r.ActionsExecuted)
	if err != nil {
		return err
	}

	result, err := b.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, duration_ms = ?, extracted_data = ?,
			step_results = ?, actions_executed = ?, error = ?
		WHERE id = ?`,
		string(r.Status), nullTime(r.CompletedAt), r.Duration.Milliseconds(),
		extracted, stepResults, actions, r.Error, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "run", ID: r.ID}
	}
	return nil
}

// ListRuns returns runs matching the filter, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, workflow_id, run_number, status, trigger_kind, triggered_by,
			started_at, completed_at, duration_ms, extracted_data, step_results,
			actions_executed, error
		FROM runs WHERE 1=1`)
	var args []any

	if filter.WorkflowID != "" {
		query.WriteString(" AND workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query.WriteString(" AND started_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query.WriteString(" AND started_at <= ?")
		args = append(args, filter.Until.UTC())
	}

	query.WriteString(" ORDER BY started_at DESC LIMIT ?")
	args = append(args, pageSize(filter.Limit))

	rows, err := b.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ActiveRun returns the workflow's single non-terminal run, or nil.
func (b *Backend) ActiveRun(ctx context.Context, workflowID string) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, run_number, status, trigger_kind, triggered_by,
			started_at, completed_at, duration_ms, extracted_data, step_results,
			actions_executed, error
		FROM runs WHERE workflow_id = ? AND status IN ('pending', 'running')
		ORDER BY started_at DESC LIMIT 1`, workflowID)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// FailInFlightRuns marks every non-terminal run as failed with the given
// reason. Called once on startup; crashed runs are not resumed.
func (b *Backend) FailInFlightRuns(ctx context.Context, reason string) (int, error) {
	now := time.Now().UTC()
	result, err := b.db.ExecContext(ctx, `
		UPDATE runs SET status = 'failed', completed_at = ?, error = ?
		WHERE status IN ('pending', 'running')`, now, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to fail in-flight runs: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// CleanupRuns deletes terminal runs older than the cutoff in bounded
// batches and returns the count removed.
func (b *Backend) CleanupRuns(ctx context.Context, olderThan time.Time) (int, error) {
	total := 0
	for {
		result, err := b.db.ExecContext(ctx, `
			DELETE FROM runs WHERE id IN (
				SELECT id FROM runs
				WHERE started_at < ? AND status NOT IN ('pending', 'running')
				LIMIT ?
			)`, olderThan.UTC(), cleanupBatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to cleanup runs: %w", err)
		}
		n, _ := result.RowsAffected()
		total += int(n)
		if n < cleanupBatchSize {
			return total, nil
		}
	}
}

func pageSize(limit int) int {
	if limit <= 0 {
		return store.DefaultPageSize
	}
	if limit > store.MaxPageSize {
		return store.MaxPageSize
	}
	return limit
}

func scanRun(row scanner) (*store.Run, error) {
	var r store.Run
	var status string
	var triggerKind, triggeredBy, extracted, stepResults, actions, errMsg sql.NullString
	var completedAt sql.NullTime
	var durationMS int64

	err := row.Scan(&r.ID, &r.WorkflowID, &r.RunNumber, &status, &triggerKind, &triggeredBy,
		&r.StartedAt, &completedAt, &durationMS, &extracted, &stepResults, &actions, &errMsg)
	if err != nil {
		return nil, err
	}

	r.Status = store.RunStatus(status)
	r.TriggerKind = triggerKind.String
	r.TriggeredBy = triggeredBy.String
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if err := unmarshalJSON(extracted.String, &r.ExtractedData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extracted data: %w", err)
	}
	if err := unmarshalJSON(stepResults.String, &r.StepResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
	}
	if err := unmarshalJSON(actions.String, &r.ActionsExecuted); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action results: %w", err)
	}
	return &r, nil
}
