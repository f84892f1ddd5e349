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

package manager

import (
	"context"
	"time"

	"github.com/vigil-sh/vigil/internal/store"
)

// WorkflowStats is the per-workflow rollup returned by Stats.
type WorkflowStats struct {
	WorkflowID      string        `json:"workflow_id"`
	Name            string        `json:"name"`
	Status          string        `json:"status"`
	TotalRuns       int64         `json:"total_runs"`
	SuccessfulRuns  int64         `json:"successful_runs"`
	FailedRuns      int64         `json:"failed_runs"`
	AverageDuration time.Duration `json:"average_duration"`
	LastDuration    time.Duration `json:"last_duration"`
	ChangesDetected int64         `json:"changes_detected"`
	LastRun         *time.Time    `json:"last_run,omitempty"`
	NextRun         *time.Time    `json:"next_run,omitempty"`
}

// GlobalStats aggregates across every workflow.
type GlobalStats struct {
	Workflows       int   `json:"workflows"`
	ActiveWorkflows int   `json:"active_workflows"`
	TotalRuns       int64 `json:"total_runs"`
	SuccessfulRuns  int64 `json:"successful_runs"`
	FailedRuns      int64 `json:"failed_runs"`
	ChangesDetected int64 `json:"changes_detected"`
}

// Stats returns the rollup for one workflow.
func (m *Manager) Stats(ctx context.Context, workflowID string) (*WorkflowStats, error) {
	w, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &WorkflowStats{
		WorkflowID:      w.ID,
		Name:            w.Name,
		Status:          string(w.Status),
		TotalRuns:       w.Metrics.TotalRuns,
		SuccessfulRuns:  w.Metrics.SuccessfulRuns,
		FailedRuns:      w.Metrics.FailedRuns,
		AverageDuration: w.Metrics.AverageDuration,
		LastDuration:    w.Metrics.LastDuration,
		ChangesDetected: w.Metrics.ChangesDetected,
		LastRun:         w.LastRun,
		NextRun:         w.NextRun,
	}, nil
}

// GlobalStats aggregates every workflow's counters.
func (m *Manager) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	workflows, err := m.store.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}

	stats := &GlobalStats{Workflows: len(workflows)}
	for _, w := range workflows {
		if w.Status == store.WorkflowActive {
			stats.ActiveWorkflows++
		}
		stats.TotalRuns += w.Metrics.TotalRuns
		stats.SuccessfulRuns += w.Metrics.SuccessfulRuns
		stats.FailedRuns += w.Metrics.FailedRuns
		stats.ChangesDetected += w.Metrics.ChangesDetected
	}
	return stats, nil
}
