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
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/internal/browser"
	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/internal/store/sqlite"
	"github.com/vigil-sh/vigil/internal/trigger"
	"github.com/vigil-sh/vigil/pkg/errors"
)

type fixture struct {
	m       *Manager
	backend *sqlite.Backend
	stub    *browser.StubBrowser
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	backend, err := sqlite.New(sqlite.Config{
		Path: filepath.Join(t.TempDir(), "vigil.db"),
		Bus:  bus,
	})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	stub := browser.NewStub()
	stub.SetPage("https://example.test", browser.StubPage{
		HTML:      "<html><body><h1>A</h1></body></html>",
		Selectors: map[string]string{"h1": "A"},
	})

	m := New(Config{
		MaxConcurrentWorkflows: 4,
		SchedulerTick:          50 * time.Millisecond,
		DetectionInterval:      time.Hour,
	}, backend, bus, stub)

	return &fixture{m: m, backend: backend, stub: stub, bus: bus}
}

func (f *fixture) createPlaybook(t *testing.T) string {
	t.Helper()
	steps := map[string]any{
		"steps": []map[string]any{
			{"id": "nav", "kind": "navigate", "config": map[string]any{"url": "https://example.test"}},
			{"id": "grab", "kind": "extract", "depends_on": []string{"nav"},
				"config": map[string]any{"selectors": map[string]any{"title": "h1"}}},
		},
	}
	if existing, err := f.backend.GetPlaybook(context.Background(), "pb-1"); err == nil {
		return existing.ID
	}
	raw, _ := json.Marshal(steps)
	pb := &store.Playbook{ID: "pb-1", Name: "grab title", Steps: raw}
	if err := f.backend.CreatePlaybook(context.Background(), pb); err != nil {
		t.Fatalf("CreatePlaybook: %v", err)
	}
	return pb.ID
}

func (f *fixture) createWorkflow(t *testing.T, mutate func(*store.Workflow)) *store.Workflow {
	t.Helper()
	w := &store.Workflow{
		Name:       "watch",
		Status:     store.WorkflowActive,
		PlaybookID: f.createPlaybook(t),
		Execution:  store.ExecutionConfig{Timeout: 10 * time.Second},
	}
	if mutate != nil {
		mutate(w)
	}
	created, err := f.m.CreateWorkflow(context.Background(), w, nil, nil)
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return created
}

func TestExecute_EndToEnd(t *testing.T) {
	f := newFixture(t)
	w := f.createWorkflow(t, nil)

	run, err := f.m.Execute(context.Background(), w.ID, "manual", "test", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != store.RunSuccess {
		t.Fatalf("status = %s, error = %s", run.Status, run.Error)
	}
	if run.ExtractedData["title"] != "A" {
		t.Errorf("extracted = %v", run.ExtractedData)
	}
	if run.RunNumber != 1 {
		t.Errorf("run_number = %d", run.RunNumber)
	}
	if run.CompletedAt == nil || run.CompletedAt.Before(run.StartedAt) {
		t.Error("completed_at invariant violated")
	}
	if run.Duration != run.CompletedAt.Sub(run.StartedAt) {
		t.Error("duration invariant violated")
	}

	stats, err := f.m.Stats(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalRuns != 1 || stats.SuccessfulRuns != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExecute_SingleFlight(t *testing.T) {
	f := newFixture(t)
	w := f.createWorkflow(t, nil)
	ctx := context.Background()

	// Pin an active run directly, then Execute must refuse.
	active := &store.Run{ID: "r-active", WorkflowID: w.ID, Status: store.RunRunning, StartedAt: time.Now()}
	if err := f.backend.CreateRun(ctx, active); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	_, err := f.m.Execute(ctx, w.ID, "manual", "test", nil)
	var already *errors.AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("err = %v, want AlreadyRunningError", err)
	}

	runs, _ := f.backend.ListRuns(ctx, store.RunFilter{WorkflowID: w.ID})
	if len(runs) != 1 {
		t.Errorf("runs = %d, want 1 (no new run created)", len(runs))
	}
}

func TestExecute_FailedStepMarksRunFailed(t *testing.T) {
	f := newFixture(t)

	steps := map[string]any{
		"steps": []map[string]any{
			{"id": "nav", "kind": "navigate", "config": map[string]any{"url": "https://missing.test"}},
		},
	}
	raw, _ := json.Marshal(steps)
	pb := &store.Playbook{ID: "pb-bad", Name: "bad", Steps: raw}
	if err := f.backend.CreatePlaybook(context.Background(), pb); err != nil {
		t.Fatalf("CreatePlaybook: %v", err)
	}

	w := f.createWorkflow(t, func(w *store.Workflow) { w.PlaybookID = "pb-bad" })

	run, err := f.m.Execute(context.Background(), w.ID, "manual", "test", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != store.RunFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if run.Error == "" {
		t.Error("error not recorded")
	}

	stats, _ := f.m.Stats(context.Background(), w.ID)
	if stats.FailedRuns != 1 {
		t.Errorf("failed_runs = %d", stats.FailedRuns)
	}
}

func TestScheduledInterval_EndToEnd(t *testing.T) {
	// S1: interval 500ms, playbook navigate+extract, expect >= 5
	// successful runs after ~3s.
	f := newFixture(t)
	ctx := context.Background()

	if err := f.m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.m.Stop()

	w := f.createWorkflow(t, func(w *store.Workflow) {
		w.ScheduleKind = store.ScheduleInterval
		w.ScheduleSpec = "500"
	})

	time.Sleep(3500 * time.Millisecond)
	f.m.Pause(ctx, w.ID)

	runs, err := f.backend.ListRuns(ctx, store.RunFilter{WorkflowID: w.ID})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) < 5 {
		t.Fatalf("runs = %d, want >= 5", len(runs))
	}
	for _, r := range runs {
		if r.Status != store.RunSuccess {
			t.Errorf("run %d status = %s (%s)", r.RunNumber, r.Status, r.Error)
		}
		if r.ExtractedData["title"] != "A" {
			t.Errorf("run %d extracted = %v", r.RunNumber, r.ExtractedData)
		}
	}

	stats, _ := f.m.Stats(ctx, w.ID)
	if stats.TotalRuns < 5 {
		t.Errorf("total_runs = %d, want >= 5", stats.TotalRuns)
	}

	// Run numbers are unique and monotonic (newest first listing).
	for i := 1; i < len(runs); i++ {
		if runs[i-1].RunNumber <= runs[i].RunNumber {
			t.Errorf("run numbers not monotonic: %d then %d", runs[i].RunNumber, runs[i-1].RunNumber)
		}
	}
}

func TestWebhookToRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.m.Stop()

	w := f.createWorkflow(t, nil)
	trig := &store.Trigger{
		WorkflowID: w.ID,
		Kind:       store.TriggerWebhook,
		Config:     store.TriggerConfig{Secret: "s3cr3t"},
		Enabled:    true,
	}
	if _, err := f.m.CreateWorkflow(ctx, &store.Workflow{Name: "other", Status: store.WorkflowDraft}, nil, nil); err != nil {
		t.Fatalf("noise workflow: %v", err)
	}

	trig.ID = "trig-1"
	if err := f.backend.CreateTrigger(ctx, trig); err != nil {
		t.Fatalf("CreateTrigger: %v", err)
	}
	// Re-arm to pick up the new trigger.
	if err := f.m.Pause(ctx, w.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := f.m.Resume(ctx, w.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	stored, err := f.backend.GetTrigger(ctx, trig.ID)
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}

	body := []byte(`{"x":1}`)
	headers := map[string]string{"x-webhook-signature": trigger.Sign(body, "s3cr3t")}
	if err := f.m.HandleWebhook(ctx, stored.Config.Token, body, headers); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		runs, _ := f.backend.ListRuns(ctx, store.RunFilter{WorkflowID: w.ID})
		return len(runs) == 1 && runs[0].Status == store.RunSuccess
	})

	runs, _ := f.backend.ListRuns(ctx, store.RunFilter{WorkflowID: w.ID})
	if runs[0].TriggerKind != string(store.TriggerWebhook) {
		t.Errorf("trigger_kind = %s", runs[0].TriggerKind)
	}

	// Wrong signature: 401-equivalent, no run.
	err = f.m.HandleWebhook(ctx, stored.Config.Token, body, map[string]string{"x-webhook-signature": "sha256=bad"})
	var sigErr *errors.SignatureError
	if !errors.As(err, &sigErr) {
		t.Fatalf("err = %v, want SignatureError", err)
	}
}

func TestChainTriggersFireDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.m.Stop()

	source := f.createWorkflow(t, nil)
	depB := f.createWorkflow(t, func(w *store.Workflow) { w.Name = "dep-b" })
	depC := f.createWorkflow(t, func(w *store.Workflow) { w.Name = "dep-c" })

	for i, dep := range []*store.Workflow{depB, depC} {
		trig := &store.Trigger{
			ID:         "chain-" + string(rune('b'+i)),
			WorkflowID: dep.ID,
			Kind:       store.TriggerChain,
			Config:     store.TriggerConfig{SourceWorkflow: source.ID},
			Enabled:    true,
		}
		if err := f.backend.CreateTrigger(ctx, trig); err != nil {
			t.Fatalf("CreateTrigger: %v", err)
		}
		if err := f.m.Pause(ctx, dep.ID); err != nil {
			t.Fatalf("Pause: %v", err)
		}
		if err := f.m.Resume(ctx, dep.ID); err != nil {
			t.Fatalf("Resume: %v", err)
		}
	}

	run, err := f.m.Execute(ctx, source.ID, "manual", "test", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != store.RunSuccess {
		t.Fatalf("source run = %s", run.Status)
	}

	waitFor(t, 5*time.Second, func() bool {
		for _, dep := range []*store.Workflow{depB, depC} {
			runs, _ := f.backend.ListRuns(ctx, store.RunFilter{WorkflowID: dep.ID})
			if len(runs) != 1 {
				return false
			}
		}
		return true
	})

	for _, dep := range []*store.Workflow{depB, depC} {
		runs, _ := f.backend.ListRuns(ctx, store.RunFilter{WorkflowID: dep.ID})
		if len(runs) != 1 {
			t.Fatalf("dependent %s runs = %d, want 1", dep.Name, len(runs))
		}
		if runs[0].TriggerKind != string(store.TriggerChain) {
			t.Errorf("dependent trigger_kind = %s", runs[0].TriggerKind)
		}
	}
}

func TestActionPipelineRunsAfterSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.createWorkflow(t, nil)

	cfg, _ := json.Marshal(map[string]any{"duration": float64(1)})
	act := &store.Action{
		ID:         "a1",
		WorkflowID: w.ID,
		Kind:       store.ActionDelay,
		Enabled:    true,
		Config:     cfg,
	}
	if err := f.backend.CreateAction(ctx, act); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}

	run, err := f.m.Execute(ctx, w.ID, "manual", "test", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(run.ActionsExecuted) != 1 || run.ActionsExecuted[0].Status != "success" {
		t.Errorf("actions = %+v", run.ActionsExecuted)
	}
}

func TestPauseRemovesSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.createWorkflow(t, func(w *store.Workflow) {
		w.ScheduleKind = store.ScheduleInterval
		w.ScheduleSpec = "60000"
	})

	if _, ok := f.m.sched.NextRun(w.ID); !ok {
		t.Fatal("workflow not scheduled after create")
	}
	if err := f.m.Pause(ctx, w.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, ok := f.m.sched.NextRun(w.ID); ok {
		t.Error("paused workflow still scheduled")
	}

	got, _ := f.backend.GetWorkflow(ctx, w.ID)
	if got.Status != store.WorkflowPaused {
		t.Errorf("status = %s", got.Status)
	}
}

func TestDeleteWorkflowCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.createWorkflow(t, nil)
	if _, err := f.m.Execute(ctx, w.ID, "manual", "test", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := f.m.DeleteWorkflow(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWorkflow: %v", err)
	}

	if _, err := f.backend.GetWorkflow(ctx, w.ID); err == nil {
		t.Error("workflow survived delete")
	}
	runs, _ := f.backend.ListRuns(ctx, store.RunFilter{WorkflowID: w.ID})
	if len(runs) != 0 {
		t.Error("runs survived cascade delete")
	}
}

func TestCreateWorkflow_InvalidScheduleRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.CreateWorkflow(context.Background(), &store.Workflow{
		Name:         "bad",
		Status:       store.WorkflowActive,
		ScheduleKind: store.ScheduleCron,
		ScheduleSpec: "not a cron",
	}, nil, nil)

	var valErr *errors.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestStartRecoversInterruptedRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.createWorkflow(t, nil)
	stuck := &store.Run{ID: "r-stuck", WorkflowID: w.ID, Status: store.RunRunning, StartedAt: time.Now()}
	if err := f.backend.CreateRun(ctx, stuck); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := f.m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.m.Stop()

	got, _ := f.backend.GetRun(ctx, stuck.ID)
	if got.Status != store.RunFailed {
		t.Errorf("status = %s, want failed after recovery", got.Status)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
