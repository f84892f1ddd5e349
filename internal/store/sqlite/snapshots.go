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

	"github.com/vigil-sh/vigil/internal/store"
)

// GetSnapshot fetches the reference snapshot for (workflow, URL), or nil
// when none exists yet.
func (b *Backend) GetSnapshot(ctx context.Context, workflowID, url string) (*store.ContentSnapshot, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT workflow_id, url, method, content, hash, metadata, captured_at
		FROM snapshots WHERE workflow_id = ? AND url = ?`, workflowID, url)

	var s store.ContentSnapshot
	var metadata sql.NullString
	err := row.Scan(&s.WorkflowID, &s.URL, &s.Method, &s.Content, &s.Hash, &metadata, &s.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if err := unmarshalJSON(metadata.String, &s.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot metadata: %w", err)
	}
	return &s, nil
}

// PutSnapshot replaces the snapshot for (workflow, URL) atomically.
func (b *Backend) PutSnapshot(ctx context.Context, s *store.ContentSnapshot) error {
	metadata, err := marshalJSON(s.Metadata)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO snapshots (workflow_id, url, method, content, hash, metadata, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, url) DO UPDATE SET
			method = excluded.method,
			content = excluded.content,
			hash = excluded.hash,
			metadata = excluded.metadata,
			captured_at = excluded.captured_at`,
		s.WorkflowID, s.URL, s.Method, s.Content, s.Hash, metadata, s.CapturedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshots removes every snapshot for a workflow.
func (b *Backend) DeleteSnapshots(ctx context.Context, workflowID string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM snapshots WHERE workflow_id = ?", workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}
