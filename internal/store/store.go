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

package store

import (
	"context"
	"time"
)

// Default and maximum page sizes for list operations.
const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

// RunFilter narrows ListRuns. Zero values mean "any". Results are ordered
// newest first.
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
	Since      time.Time
	Until      time.Time
	Limit      int
}

// ChangeFilter narrows ListChanges. Zero values mean "any". Results are
// ordered newest first.
type ChangeFilter struct {
	WorkflowID   string
	Kind         ChangeKind
	Severity     ChangeSeverity
	Acknowledged *bool
	Since        time.Time
	Until        time.Time
	Limit        int
}

// WorkflowStore persists workflows.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
	UpdateWorkflow(ctx context.Context, w *Workflow) error

	// DeleteWorkflow removes a workflow and all dependent rows in a single
	// transaction. Returns NotFoundError if the workflow is already gone.
	DeleteWorkflow(ctx context.Context, id string) error
}

// TriggerStore persists triggers.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, t *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	ListTriggers(ctx context.Context, workflowID string) ([]*Trigger, error)
	UpdateTrigger(ctx context.Context, t *Trigger) error
	DeleteTrigger(ctx context.Context, id string) error
}

// ActionStore persists pipeline actions.
type ActionStore interface {
	CreateAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id string) (*Action, error)

	// ListActions returns the workflow's actions ordered by Order with
	// ties broken by insertion order.
	ListActions(ctx context.Context, workflowID string) ([]*Action, error)
	UpdateAction(ctx context.Context, a *Action) error
	DeleteAction(ctx context.Context, id string) error
}

// RunStore persists runs.
type RunStore interface {
	// CreateRun assigns the next run_number for the workflow and inserts
	// the run in a single transaction. Returns ConflictError if concurrent
	// callers collide; the caller retries.
	CreateRun(ctx context.Context, r *Run) error

	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, r *Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ActiveRun returns the workflow's single non-terminal run, or nil.
	ActiveRun(ctx context.Context, workflowID string) (*Run, error)

	// FailInFlightRuns marks every non-terminal run as failed with the
	// given reason. Called once on startup; crashed runs are not resumed.
	FailInFlightRuns(ctx context.Context, reason string) (int, error)

	// CleanupRuns deletes terminal runs older than the cutoff in bounded
	// batches and returns the count removed.
	CleanupRuns(ctx context.Context, olderThan time.Time) (int, error)
}

// ChangeStore persists detected changes.
type ChangeStore interface {
	CreateChange(ctx context.Context, c *Change) error
	GetChange(ctx context.Context, id string) (*Change, error)
	UpdateChange(ctx context.Context, c *Change) error
	ListChanges(ctx context.Context, filter ChangeFilter) ([]*Change, error)

	// CleanupChanges deletes changes older than the cutoff in bounded
	// batches and returns the count removed. When onlyAcknowledged is set,
	// unacknowledged changes are retained regardless of age.
	CleanupChanges(ctx context.Context, olderThan time.Time, onlyAcknowledged bool) (int, error)
}

// SnapshotStore persists content snapshots.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, workflowID, url string) (*ContentSnapshot, error)

	// PutSnapshot replaces the snapshot for (workflow, URL) atomically.
	PutSnapshot(ctx context.Context, s *ContentSnapshot) error

	DeleteSnapshots(ctx context.Context, workflowID string) error
}

// PlaybookStore persists step-graph definitions.
type PlaybookStore interface {
	CreatePlaybook(ctx context.Context, p *Playbook) error
	GetPlaybook(ctx context.Context, id string) (*Playbook, error)
	DeletePlaybook(ctx context.Context, id string) error
}

// Store is the complete repository surface. The repository is the only
// component that writes to durable storage.
type Store interface {
	WorkflowStore
	TriggerStore
	ActionStore
	RunStore
	ChangeStore
	SnapshotStore
	PlaybookStore

	Close() error
}
