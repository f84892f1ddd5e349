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

// Package manager is the engine's single public entry point. It owns
// references to every other component and coordinates the workflow
// lifecycle; components communicate through the event bus, never with
// each other directly.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/internal/actions"
	"github.com/vigil-sh/vigil/internal/browser"
	"github.com/vigil-sh/vigil/internal/detector"
	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/scheduler"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/internal/trigger"
	"github.com/vigil-sh/vigil/pkg/errors"
	"github.com/vigil-sh/vigil/pkg/playbook"
)

// createRunAttempts bounds retries on run-number conflicts.
const createRunAttempts = 3

// Retention defaults.
const DefaultRetentionDays = 30

// Config contains manager configuration.
type Config struct {
	// MaxConcurrentWorkflows bounds the dispatch worker pool. Default 10.
	MaxConcurrentWorkflows int

	// MaxConcurrentSteps bounds parallel steps within a run. Default 3.
	MaxConcurrentSteps int

	// SchedulerTick overrides the rrule/cron evaluation cadence.
	SchedulerTick time.Duration

	// DetectionInterval is the change-detector sweep period. Default 1m.
	DetectionInterval time.Duration

	// RetentionDays bounds how long runs and acknowledged changes are
	// kept. Default 30.
	RetentionDays int

	// Logger is the structured logger. Default slog.Default().
	Logger *slog.Logger
}

// Manager wires the repository, scheduler, trigger router, change
// detector, step executor and action pipeline around one event bus.
type Manager struct {
	cfg      Config
	store    store.Store
	bus      *events.Bus
	browser  browser.Browser
	sched    *scheduler.Scheduler
	router   *trigger.Router
	detector *detector.Detector
	executor *playbook.Executor
	pipeline *actions.Pipeline
	logger   *slog.Logger

	mu          sync.Mutex
	triggerData map[string]map[string]any
	triggerKind map[string]store.TriggerKind
	triggerBy   map[string]string
	started     bool
	stopCh      chan struct{}
	unsubChange func()
	wg          sync.WaitGroup
}

// New creates a manager. The bus must be open; the store and browser are
// owned by the caller.
func New(cfg Config, st store.Store, bus *events.Bus, b browser.Browser) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.DetectionInterval <= 0 {
		cfg.DetectionInterval = time.Minute
	}

	m := &Manager{
		cfg:         cfg,
		store:       st,
		bus:         bus,
		browser:     b,
		logger:      logger.With(slog.String("component", "manager")),
		triggerData: make(map[string]map[string]any),
		triggerKind: make(map[string]store.TriggerKind),
		triggerBy:   make(map[string]string),
	}

	m.sched = scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrentWorkflows,
		Tick:          cfg.SchedulerTick,
		Logger:        logger,
	}, m.dispatch)
	m.router = trigger.NewRouter(st, bus, m.fire, logger)
	m.detector = detector.New(st, st, b, bus, logger)
	m.executor = playbook.NewExecutor(logger, bus).WithMaxConcurrentSteps(cfg.MaxConcurrentSteps)
	m.pipeline = actions.New(bus, logger)

	return m
}

// Pipeline exposes the action pipeline for adapter wiring.
func (m *Manager) Pipeline() *actions.Pipeline { return m.pipeline }

// Bus returns the event bus.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Start recovers interrupted runs, installs persisted schedules and
// triggers, and launches the background loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	// Runs crashed mid-flight are marked failed on recovery, never
	// resumed.
	if n, err := m.store.FailInFlightRuns(ctx, "interrupted by restart"); err != nil {
		return errors.Wrap(err, "recovering interrupted runs")
	} else if n > 0 {
		m.logger.Warn("marked interrupted runs as failed", slog.Int("count", n))
	}

	workflows, err := m.store.ListWorkflows(ctx)
	if err != nil {
		return errors.Wrap(err, "listing workflows")
	}
	for _, w := range workflows {
		if w.Status != store.WorkflowActive {
			continue
		}
		if err := m.arm(ctx, w); err != nil {
			m.logger.Error("failed to arm workflow on startup",
				slog.String("workflow_id", w.ID),
				slog.Any("error", err))
			w.Status = store.WorkflowError
			if uerr := m.store.UpdateWorkflow(ctx, w); uerr != nil {
				m.logger.Error("failed to mark workflow errored", slog.Any("error", uerr))
			}
		}
	}

	// Fold detected changes into the workflow's rollup counter.
	m.unsubChange = m.bus.Subscribe(events.ChangeDetected, func(ctx context.Context, e events.Event) {
		workflowID, _ := e.Data["workflow_id"].(string)
		if workflowID == "" {
			return
		}
		w, err := m.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return
		}
		w.Metrics.ChangesDetected++
		if err := m.store.UpdateWorkflow(ctx, w); err != nil {
			m.logger.Warn("failed to bump changes_detected", slog.Any("error", err))
		}
	})

	m.sched.Start()
	m.detector.Start(ctx, m.monitoredWorkflows, m.cfg.DetectionInterval)

	m.wg.Add(1)
	go m.retentionLoop(ctx)

	m.logger.Info("manager started", slog.Int("workflows", len(workflows)))
	return nil
}

// Stop halts the background loops. Runs dispatched by the scheduler have
// their context cancelled and are waited for.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	m.detector.Stop()
	m.sched.Stop()
	m.router.Close()
	if m.unsubChange != nil {
		m.unsubChange()
	}
	m.wg.Wait()
}

// arm schedules a workflow and registers its triggers.
func (m *Manager) arm(ctx context.Context, w *store.Workflow) error {
	if err := m.sched.Schedule(w); err != nil {
		return err
	}
	m.router.ConfigureRateLimit(w.ID, w.RateLimit, w.RateWindow)

	triggers, err := m.store.ListTriggers(ctx, w.ID)
	if err != nil {
		return errors.Wrap(err, "listing triggers")
	}
	for _, t := range triggers {
		if !t.Enabled {
			continue
		}
		if err := m.router.Register(ctx, t); err != nil {
			return errors.Wrapf(err, "registering trigger %s", t.ID)
		}
	}

	if next, ok := m.sched.NextRun(w.ID); ok {
		w.NextRun = &next
		if err := m.store.UpdateWorkflow(ctx, w); err != nil {
			m.logger.Warn("failed to persist next_run", slog.Any("error", err))
		}
	}
	return nil
}

// disarm removes a workflow from the scheduler and the router.
func (m *Manager) disarm(ctx context.Context, workflowID string) {
	m.sched.Unschedule(workflowID)
	if err := m.router.UnregisterWorkflow(ctx, workflowID); err != nil {
		m.logger.Warn("failed to unregister triggers",
			slog.String("workflow_id", workflowID),
			slog.Any("error", err))
	}
}

// fire is the trigger router's dispatch callback: it stashes the trigger
// payload and enqueues a run request.
func (m *Manager) fire(ctx context.Context, workflowID string, kind store.TriggerKind, triggeredBy string, data map[string]any) {
	m.mu.Lock()
	m.triggerData[workflowID] = data
	m.triggerKind[workflowID] = kind
	m.triggerBy[workflowID] = triggeredBy
	m.mu.Unlock()

	m.sched.Enqueue(scheduler.QueueItem{
		WorkflowID: workflowID,
		Priority:   priorityFor(kind),
	})
}

func priorityFor(kind store.TriggerKind) int {
	switch kind {
	case store.TriggerChain, store.TriggerEvent:
		return scheduler.PriorityChain
	default:
		return scheduler.PriorityScheduled
	}
}

// dispatch consumes a queue item: it resolves the stashed trigger
// payload and executes the workflow.
func (m *Manager) dispatch(ctx context.Context, item scheduler.QueueItem) {
	m.mu.Lock()
	data := m.triggerData[item.WorkflowID]
	kind, hasKind := m.triggerKind[item.WorkflowID]
	by := m.triggerBy[item.WorkflowID]
	delete(m.triggerData, item.WorkflowID)
	delete(m.triggerKind, item.WorkflowID)
	delete(m.triggerBy, item.WorkflowID)
	m.mu.Unlock()

	triggerKind := "scheduled"
	if hasKind {
		triggerKind = string(kind)
	}

	if _, err := m.Execute(ctx, item.WorkflowID, triggerKind, by, data); err != nil {
		var already *errors.AlreadyRunningError
		if errors.As(err, &already) {
			return
		}
		m.logger.Error("dispatched run failed",
			slog.String("workflow_id", item.WorkflowID),
			slog.Any("error", err))
	}
}

// monitoredWorkflows feeds the change detector's periodic sweep.
func (m *Manager) monitoredWorkflows(ctx context.Context) ([]*store.Workflow, error) {
	return m.store.ListWorkflows(ctx)
}

// retentionLoop deletes old runs and acknowledged changes daily.
func (m *Manager) retentionLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -m.cfg.RetentionDays)
			if n, err := m.store.CleanupRuns(ctx, cutoff); err != nil {
				m.logger.Error("run cleanup failed", slog.Any("error", err))
			} else if n > 0 {
				m.logger.Info("cleaned up runs", slog.Int("count", n))
			}
			if n, err := m.store.CleanupChanges(ctx, cutoff, true); err != nil {
				m.logger.Error("change cleanup failed", slog.Any("error", err))
			} else if n > 0 {
				m.logger.Info("cleaned up changes", slog.Int("count", n))
			}
		}
	}
}

// CreateWorkflow persists a workflow with its triggers and actions, then
// arms it when active.
func (m *Manager) CreateWorkflow(ctx context.Context, w *store.Workflow, triggers []*store.Trigger, acts []*store.Action) (*store.Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "workflow requires a name"}
	}
	if w.Status == "" {
		w.Status = store.WorkflowDraft
	}
	if w.Timezone == "" {
		w.Timezone = "UTC"
	}
	if err := scheduler.Validate(w.ScheduleKind, w.ScheduleSpec, w.Timezone); err != nil {
		return nil, err
	}
	if w.ChangeDetectionEnabled {
		if w.ChangeDetection == nil || w.ChangeDetection.URL == "" {
			return nil, &errors.ValidationError{Field: "change_detection", Message: "change detection requires a URL"}
		}
		if err := detector.ValidateMethod(w.ChangeDetection.Method); err != nil {
			return nil, err
		}
	}

	if err := m.store.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}

	for _, t := range triggers {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.WorkflowID = w.ID
		if err := m.store.CreateTrigger(ctx, t); err != nil {
			return nil, errors.Wrap(err, "persisting trigger")
		}
	}
	for _, a := range acts {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.WorkflowID = w.ID
		if err := m.store.CreateAction(ctx, a); err != nil {
			return nil, errors.Wrap(err, "persisting action")
		}
	}

	if w.Status == store.WorkflowActive {
		if err := m.arm(ctx, w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// UpdateWorkflow persists changes; schedule or status changes re-arm the
// workflow.
func (m *Manager) UpdateWorkflow(ctx context.Context, w *store.Workflow) (*store.Workflow, error) {
	existing, err := m.store.GetWorkflow(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if err := scheduler.Validate(w.ScheduleKind, w.ScheduleSpec, w.Timezone); err != nil {
		return nil, err
	}

	if err := m.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, err
	}

	rearm := existing.ScheduleKind != w.ScheduleKind ||
		existing.ScheduleSpec != w.ScheduleSpec ||
		existing.Timezone != w.Timezone ||
		existing.Status != w.Status

	if rearm {
		m.disarm(ctx, w.ID)
		if w.Status == store.WorkflowActive {
			if err := m.arm(ctx, w); err != nil {
				return nil, err
			}
		}
	}
	return w, nil
}

// DeleteWorkflow unschedules, unregisters triggers and cascade-deletes.
func (m *Manager) DeleteWorkflow(ctx context.Context, id string) error {
	m.disarm(ctx, id)
	return m.store.DeleteWorkflow(ctx, id)
}

// Pause moves a workflow to paused: no scheduler entry, no armed
// triggers.
func (m *Manager) Pause(ctx context.Context, id string) error {
	w, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	w.Status = store.WorkflowPaused
	if err := m.store.UpdateWorkflow(ctx, w); err != nil {
		return err
	}
	m.disarm(ctx, id)
	return nil
}

// Resume reactivates a paused workflow.
func (m *Manager) Resume(ctx context.Context, id string) error {
	w, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	w.Status = store.WorkflowActive
	if err := m.store.UpdateWorkflow(ctx, w); err != nil {
		return err
	}
	return m.arm(ctx, w)
}

// HandleWebhook delegates inbound webhook requests to the trigger
// router.
func (m *Manager) HandleWebhook(ctx context.Context, token string, body []byte, headers map[string]string) error {
	return m.router.HandleWebhook(ctx, token, body, headers)
}

// DetectConflicts delegates to the scheduler. A zero until defaults to
// 24 hours ahead.
func (m *Manager) DetectConflicts(workflowID string, until time.Time) ([]scheduler.Conflict, error) {
	now := time.Now()
	if until.IsZero() {
		until = now.Add(24 * time.Hour)
	}
	return m.sched.DetectConflicts(workflowID, now, until)
}

// CancelRun cancels an in-flight run.
func (m *Manager) CancelRun(runID string) bool {
	return m.executor.Cancel(runID)
}

// AcknowledgeChange flips a change's acknowledged flag.
func (m *Manager) AcknowledgeChange(ctx context.Context, changeID string) error {
	c, err := m.store.GetChange(ctx, changeID)
	if err != nil {
		return err
	}
	c.Acknowledged = true
	return m.store.UpdateChange(ctx, c)
}

// ListRuns exposes filtered run listing.
func (m *Manager) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return m.store.ListRuns(ctx, filter)
}

// ListChanges exposes filtered change listing.
func (m *Manager) ListChanges(ctx context.Context, filter store.ChangeFilter) ([]*store.Change, error) {
	return m.store.ListChanges(ctx, filter)
}

// GetWorkflow fetches a workflow.
func (m *Manager) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	return m.store.GetWorkflow(ctx, id)
}
