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

// CreatePlaybook inserts a new playbook row.
func (b *Backend) CreatePlaybook(ctx context.Context, p *store.Playbook) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO playbooks (id, name, steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Steps), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert playbook: %w", err)
	}
	return nil
}

// GetPlaybook fetches a playbook by id.
func (b *Backend) GetPlaybook(ctx context.Context, id string) (*store.Playbook, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, name, steps, created_at, updated_at FROM playbooks WHERE id = ?`, id)

	var p store.Playbook
	var steps string
	err := row.Scan(&p.ID, &p.Name, &steps, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "playbook", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get playbook: %w", err)
	}
	p.Steps = json.RawMessage(steps)
	return &p, nil
}

// DeletePlaybook removes a playbook.
func (b *Backend) DeletePlaybook(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, "DELETE FROM playbooks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete playbook: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "playbook", ID: id}
	}
	return nil
}
