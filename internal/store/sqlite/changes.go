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

// CreateChange inserts a new change row.
func (b *Backend) CreateChange(ctx context.Context, c *store.Change) error {
	diff, err := marshalJSON(c.Diff)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO changes (id, workflow_id, run_id, url, kind, severity, similarity,
			change_score, previous_value, current_value, diff, screenshot, detected_at,
			acknowledged, notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkflowID, c.RunID, c.URL, string(c.Kind), string(c.Severity),
		c.Similarity, c.ChangeScore, c.PreviousValue, c.CurrentValue, diff,
		c.Screenshot, c.DetectedAt.UTC(), c.Acknowledged, c.Notified)
	if err != nil {
		return fmt.Errorf("failed to insert change: %w", err)
	}
	return nil
}

// GetChange fetches a change by id.
func (b *Backend) GetChange(ctx context.Context, id string) (*store.Change, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, run_id, url, kind, severity, similarity, change_score,
			previous_value, current_value, diff, screenshot, detected_at, acknowledged, notified
		FROM changes WHERE id = ?`, id)

	c, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "change", ID: id}
	}
	return c, err
}

// UpdateChange persists the change's mutable flags. Everything else is
// immutable after creation.
func (b *Backend) UpdateChange(ctx context.Context, c *store.Change) error {
	result, err := b.db.ExecContext(ctx, `
		UPDATE changes SET acknowledged = ?, notified = ? WHERE id = ?`,
		c.Acknowledged, c.Notified, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update change: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "change", ID: c.ID}
	}
	return nil
}

// ListChanges returns changes matching the filter, newest first.
func (b *Backend) ListChanges(ctx context.Context, filter store.ChangeFilter) ([]*store.Change, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, workflow_id, run_id, url, kind, severity, similarity, change_score,
			previous_value, current_value, diff, screenshot, detected_at, acknowledged, notified
		FROM changes WHERE 1=1`)
	var args []any

	if filter.WorkflowID != "" {
		query.WriteString(" AND workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Kind != "" {
		query.WriteString(" AND kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Severity != "" {
		query.WriteString(" AND severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Acknowledged != nil {
		query.WriteString(" AND acknowledged = ?")
		args = append(args, *filter.Acknowledged)
	}
	if !filter.Since.IsZero() {
		query.WriteString(" AND detected_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query.WriteString(" AND detected_at <= ?")
		args = append(args, filter.Until.UTC())
	}

	query.WriteString(" ORDER BY detected_at DESC LIMIT ?")
	args = append(args, pageSize(filter.Limit))

	rows, err := b.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var changes []*store.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// CleanupChanges deletes changes older than the cutoff in bounded batches
// and returns the count removed.
func (b *Backend) CleanupChanges(ctx context.Context, olderThan time.Time, onlyAcknowledged bool) (int, error) {
	ackClause := ""
	if onlyAcknowledged {
		ackClause = " AND acknowledged = 1"
	}

	total := 0
	for {
		result, err := b.db.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM changes WHERE id IN (
				SELECT id FROM changes WHERE detected_at < ?%s LIMIT ?
			)`, ackClause), olderThan.UTC(), cleanupBatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to cleanup changes: %w", err)
		}
		n, _ := result.RowsAffected()
		total += int(n)
		if n < cleanupBatchSize {
			return total, nil
		}
	}
}

func scanChange(row scanner) (*store.Change, error) {
	var c store.Change
	var kind, severity string
	var runID, previous, current, diff sql.NullString

	err := row.Scan(&c.ID, &c.WorkflowID, &runID, &c.URL, &kind, &severity, &c.Similarity,
		&c.ChangeScore, &previous, &current, &diff, &c.Screenshot, &c.DetectedAt,
		&c.Acknowledged, &c.Notified)
	if err != nil {
		return nil, err
	}

	c.Kind = store.ChangeKind(kind)
	c.Severity = store.ChangeSeverity(severity)
	c.RunID = runID.String
	c.PreviousValue = previous.String
	c.CurrentValue = current.String
	if err := unmarshalJSON(diff.String, &c.Diff); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diff: %w", err)
	}
	return &c, nil
}
