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
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
	"github.com/vigil-sh/vigil/pkg/playbook"
)

// Execute runs a workflow once, honoring the single-flight guarantee:
// at most one non-terminal run exists per workflow at any instant. The
// completed run is returned; the run record is the canonical artifact of
// success or failure.
func (m *Manager) Execute(ctx context.Context, workflowID, triggerKind, triggeredBy string, data map[string]any) (*store.Run, error) {
	w, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if active, err := m.store.ActiveRun(ctx, workflowID); err != nil {
		return nil, errors.Wrap(err, "checking active run")
	} else if active != nil {
		return nil, &errors.AlreadyRunningError{WorkflowID: workflowID, RunID: active.ID}
	}

	run := &store.Run{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      store.RunPending,
		TriggerKind: triggerKind,
		TriggeredBy: triggeredBy,
		StartedAt:   time.Now().UTC(),
	}

	// Run-number collisions from concurrent creators resolve by bounded
	// retry.
	for attempt := 0; ; attempt++ {
		err = m.store.CreateRun(ctx, run)
		if err == nil {
			break
		}
		var conflict *errors.ConflictError
		if !errors.As(err, &conflict) || attempt == createRunAttempts-1 {
			return nil, errors.Wrap(err, "creating run")
		}
	}

	logger := m.logger.With(
		slog.String("run_id", run.ID),
		slog.String("workflow_id", workflowID),
		slog.String("trigger", triggerKind))

	run.Status = store.RunRunning
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "starting run")
	}
	m.bus.Publish(ctx, events.RunStarted, map[string]any{
		"run_id":      run.ID,
		"workflow_id": workflowID,
		"run_number":  run.RunNumber,
		"trigger":     triggerKind,
	})
	logger.Info("run started", slog.Int64("run_number", run.RunNumber))

	results, execErr := m.runPlaybook(ctx, w, run, data)
	run.StepResults = results

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Duration = now.Sub(run.StartedAt)

	switch {
	case execErr == nil:
		run.Status = store.RunSuccess
	case errors.Is(execErr, playbook.ErrCancelled):
		run.Status = store.RunCancelled
		run.Error = execErr.Error()
	default:
		var timeout *errors.TimeoutError
		if errors.As(execErr, &timeout) {
			run.Status = store.RunTimeout
		} else {
			run.Status = store.RunFailed
		}
		run.Error = execErr.Error()
	}

	// The action pipeline runs only after a successful playbook; the run
	// stays success even when actions fail.
	if run.Status == store.RunSuccess {
		acts, err := m.store.ListActions(ctx, workflowID)
		if err != nil {
			logger.Error("failed to list actions", slog.Any("error", err))
		} else if len(acts) > 0 {
			runCtx := map[string]any{
				"run_id":        run.ID,
				"workflow_id":   workflowID,
				"run_number":    run.RunNumber,
				"extractedData": run.ExtractedData,
				"trigger":       map[string]any{"kind": triggerKind, "by": triggeredBy, "data": data},
			}
			run.ActionsExecuted = m.pipeline.Run(ctx, run, acts, runCtx)
		}
	}

	if err := m.store.UpdateRun(ctx, run); err != nil {
		logger.Error("failed to persist run result", slog.Any("error", err))
	}
	m.updateMetrics(ctx, w, run)

	switch run.Status {
	case store.RunSuccess:
		m.bus.Publish(ctx, events.RunCompleted, map[string]any{
			"run_id":      run.ID,
			"workflow_id": workflowID,
			"duration_ms": run.Duration.Milliseconds(),
		})
		logger.Info("run completed", slog.Int64("duration_ms", run.Duration.Milliseconds()))
		// Chain dependents fire on every successful completion.
		m.router.OnWorkflowCompleted(ctx, workflowID, run.ExtractedData)
	default:
		m.bus.Publish(ctx, events.RunFailed, map[string]any{
			"run_id":      run.ID,
			"workflow_id": workflowID,
			"status":      string(run.Status),
			"error":       run.Error,
		})
		logger.Warn("run did not succeed",
			slog.String("status", string(run.Status)),
			slog.String("error", run.Error))
	}

	return run, nil
}

// runPlaybook loads the workflow's playbook and executes its DAG.
func (m *Manager) runPlaybook(ctx context.Context, w *store.Workflow, run *store.Run, data map[string]any) (map[string]store.StepResult, error) {
	if w.PlaybookID == "" {
		return nil, nil
	}
	pb, err := m.store.GetPlaybook(ctx, w.PlaybookID)
	if err != nil {
		return nil, err
	}
	def, err := playbook.Parse(pb.Steps)
	if err != nil {
		return nil, err
	}

	ec := playbook.NewExecutionContext(run.ID, w.ID, m.browser)
	ec.RetryAttempts = w.Execution.RetryAttempts
	if w.Execution.RetryDelay > 0 {
		ec.RetryDelay = w.Execution.RetryDelay
	}
	for k, v := range data {
		ec.SetVariable(k, v)
	}

	results, execErr := m.executor.Execute(ctx, def, ec, w.Execution.Timeout)
	run.ExtractedData = ec.Extracted()
	return results, execErr
}

// updateMetrics folds the run into the workflow's rollup counters.
func (m *Manager) updateMetrics(ctx context.Context, w *store.Workflow, run *store.Run) {
	fresh, err := m.store.GetWorkflow(ctx, w.ID)
	if err != nil {
		return
	}

	metrics := &fresh.Metrics
	metrics.TotalRuns++
	if run.Status == store.RunSuccess {
		metrics.SuccessfulRuns++
	} else {
		metrics.FailedRuns++
	}
	metrics.LastDuration = run.Duration
	// Running average over all completed runs.
	if metrics.TotalRuns == 1 {
		metrics.AverageDuration = run.Duration
	} else {
		total := int64(metrics.AverageDuration)*(metrics.TotalRuns-1) + int64(run.Duration)
		metrics.AverageDuration = time.Duration(total / metrics.TotalRuns)
	}

	started := run.StartedAt
	fresh.LastRun = &started
	if next, ok := m.sched.NextRun(w.ID); ok {
		fresh.NextRun = &next
	}

	if err := m.store.UpdateWorkflow(ctx, fresh); err != nil {
		m.logger.Warn("failed to persist workflow metrics",
			slog.String("workflow_id", w.ID),
			slog.Any("error", err))
	}
}
