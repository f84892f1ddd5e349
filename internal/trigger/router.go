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

// Package trigger routes external stimuli into workflow runs: webhooks,
// API polls, internal events, chain completions and conditional
// page-change matches. It is the fan-in point for anything that wants to
// start a workflow.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// Firer dispatches a run request for a workflow. Implemented by the
// manager; the router never executes workflows itself.
type Firer func(ctx context.Context, workflowID string, kind store.TriggerKind, triggeredBy string, data map[string]any)

// Router maintains the in-memory trigger indexes and enforces the
// per-workflow rate limits before every dispatch.
type Router struct {
	store   store.TriggerStore
	bus     *events.Bus
	limiter *RateLimiter
	fire    Firer
	logger  *slog.Logger

	mu sync.RWMutex
	// webhooks indexes webhook registrations by token.
	webhooks map[string]*webhookRegistration
	// polls tracks api_poll cancel funcs by trigger id.
	polls map[string]context.CancelFunc
	// eventSubs tracks event-listener unsubscribers by trigger id.
	eventSubs map[string]func()
	// chains maps source workflow id to dependent workflow ids.
	chains map[string][]chainRegistration
	// conditionals indexes content/element/status triggers by workflow.
	conditionals map[string][]*store.Trigger

	unsubChange func()
	baseCtx     context.Context
	cancelBase  context.CancelFunc
	httpClient  HTTPClient
}

type webhookRegistration struct {
	TriggerID  string
	WorkflowID string
	Secret     string
	Uses       int64
}

type chainRegistration struct {
	TriggerID  string
	WorkflowID string
}

// NewRouter creates a trigger router.
func NewRouter(triggers store.TriggerStore, bus *events.Bus, fire Firer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		store:        triggers,
		bus:          bus,
		limiter:      NewRateLimiter(),
		fire:         fire,
		logger:       logger.With(slog.String("component", "trigger_router")),
		webhooks:     make(map[string]*webhookRegistration),
		polls:        make(map[string]context.CancelFunc),
		eventSubs:    make(map[string]func()),
		chains:       make(map[string][]chainRegistration),
		conditionals: make(map[string][]*store.Trigger),
		baseCtx:      ctx,
		cancelBase:   cancel,
	}
	r.unsubChange = bus.Subscribe(events.ChangeDetected, r.onChangeDetected)
	return r
}

// ConfigureRateLimit sets a workflow's token bucket.
func (r *Router) ConfigureRateLimit(workflowID string, limit int, window time.Duration) {
	r.limiter.Configure(workflowID, limit, window)
}

// Register arms a trigger. Dispatches on kind; for webhooks the allocated
// token is written into t.Config.Token.
func (r *Router) Register(ctx context.Context, t *store.Trigger) error {
	switch t.Kind {
	case store.TriggerWebhook:
		return r.registerWebhook(ctx, t)
	case store.TriggerAPIPoll:
		return r.registerPoll(t)
	case store.TriggerEvent:
		return r.registerEvent(t)
	case store.TriggerChain:
		return r.registerChain(t)
	case store.TriggerContent, store.TriggerElement, store.TriggerStatus:
		return r.registerConditional(t)
	default:
		return &errors.ValidationError{
			Field:      "kind",
			Message:    fmt.Sprintf("unknown trigger kind: %s", t.Kind),
			Suggestion: "use one of: webhook, api_poll, event, content, element, status, chain",
		}
	}
}

// Unregister disarms a trigger. Idempotent.
func (r *Router) Unregister(t *store.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch t.Kind {
	case store.TriggerWebhook:
		delete(r.webhooks, t.Config.Token)
	case store.TriggerAPIPoll:
		if cancel, ok := r.polls[t.ID]; ok {
			cancel()
			delete(r.polls, t.ID)
		}
	case store.TriggerEvent:
		if unsub, ok := r.eventSubs[t.ID]; ok {
			unsub()
			delete(r.eventSubs, t.ID)
		}
	case store.TriggerChain:
		deps := r.chains[t.Config.SourceWorkflow]
		for i, dep := range deps {
			if dep.TriggerID == t.ID {
				r.chains[t.Config.SourceWorkflow] = append(deps[:i], deps[i+1:]...)
				break
			}
		}
	case store.TriggerContent, store.TriggerElement, store.TriggerStatus:
		conds := r.conditionals[t.WorkflowID]
		for i, cond := range conds {
			if cond.ID == t.ID {
				r.conditionals[t.WorkflowID] = append(conds[:i], conds[i+1:]...)
				break
			}
		}
	}
}

// UnregisterWorkflow disarms every trigger of a workflow.
func (r *Router) UnregisterWorkflow(ctx context.Context, workflowID string) error {
	triggers, err := r.store.ListTriggers(ctx, workflowID)
	if err != nil {
		return errors.Wrap(err, "listing triggers")
	}
	for _, t := range triggers {
		r.Unregister(t)
	}
	r.limiter.Remove(workflowID)
	return nil
}

// registerWebhook allocates a token if not supplied and indexes the
// registration. The external URL is announced via event.
func (r *Router) registerWebhook(ctx context.Context, t *store.Trigger) error {
	if t.Config.Token == "" {
		t.Config.Token = uuid.NewString()
		if err := r.store.UpdateTrigger(ctx, t); err != nil {
			return errors.Wrap(err, "persisting webhook token")
		}
	}

	r.mu.Lock()
	r.webhooks[t.Config.Token] = &webhookRegistration{
		TriggerID:  t.ID,
		WorkflowID: t.WorkflowID,
		Secret:     t.Config.Secret,
	}
	r.mu.Unlock()

	r.bus.Publish(ctx, events.WebhookRegistered, map[string]any{
		"trigger_id":  t.ID,
		"workflow_id": t.WorkflowID,
		"url":         "/workflows/webhook/" + t.Config.Token,
	})
	return nil
}

// registerEvent subscribes a listener to the named internal event,
// filtered by optional source.
func (r *Router) registerEvent(t *store.Trigger) error {
	if t.Config.EventName == "" {
		return &errors.ValidationError{Field: "event_name", Message: "event trigger requires an event name"}
	}

	triggerID, workflowID := t.ID, t.WorkflowID
	source := t.Config.Source
	unsub := r.bus.Subscribe(events.Type(t.Config.EventName), func(ctx context.Context, e events.Event) {
		if source != "" {
			if s, _ := e.Data["source"].(string); s != source {
				return
			}
		}
		r.dispatch(ctx, triggerID, workflowID, store.TriggerEvent, string(e.Type), e.Data)
	})

	r.mu.Lock()
	r.eventSubs[t.ID] = unsub
	r.mu.Unlock()
	return nil
}

// registerChain appends the workflow to the source workflow's dependents.
func (r *Router) registerChain(t *store.Trigger) error {
	if t.Config.SourceWorkflow == "" {
		return &errors.ValidationError{Field: "source_workflow", Message: "chain trigger requires a source workflow"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[t.Config.SourceWorkflow] = append(r.chains[t.Config.SourceWorkflow], chainRegistration{
		TriggerID:  t.ID,
		WorkflowID: t.WorkflowID,
	})
	return nil
}

// registerConditional indexes a content/element/status trigger; they are
// evaluated against the detector's change events.
func (r *Router) registerConditional(t *store.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditionals[t.WorkflowID] = append(r.conditionals[t.WorkflowID], t)
	return nil
}

// OnWorkflowCompleted fires every chain dependent of the completed
// workflow with the run's result as data.
func (r *Router) OnWorkflowCompleted(ctx context.Context, workflowID string, result map[string]any) {
	r.mu.RLock()
	deps := make([]chainRegistration, len(r.chains[workflowID]))
	copy(deps, r.chains[workflowID])
	r.mu.RUnlock()

	for _, dep := range deps {
		r.dispatch(ctx, dep.TriggerID, dep.WorkflowID, store.TriggerChain, workflowID, result)
	}
}

// dispatch consults the workflow's token bucket, then fires. Exhausted
// buckets emit rate_limit:exceeded and drop the attempt.
func (r *Router) dispatch(ctx context.Context, triggerID, workflowID string, kind store.TriggerKind, triggeredBy string, data map[string]any) {
	if !r.limiter.Allow(workflowID) {
		limit, window := r.limiter.Limits(workflowID)
		r.bus.Publish(ctx, events.RateLimitExceeded, map[string]any{
			"workflow_id": workflowID,
			"trigger_id":  triggerID,
			"kind":        string(kind),
			"limit":       limit,
			"window_ms":   window.Milliseconds(),
		})
		r.logger.Warn("trigger dropped by rate limit",
			slog.String("workflow_id", workflowID),
			slog.String("kind", string(kind)))
		return
	}

	r.recordFired(ctx, triggerID)
	r.fire(ctx, workflowID, kind, triggeredBy, data)
}

// recordFired maintains the trigger count and last-triggered timestamp.
func (r *Router) recordFired(ctx context.Context, triggerID string) {
	if triggerID == "" {
		return
	}
	t, err := r.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	t.TriggerCount++
	t.LastTriggered = &now
	if err := r.store.UpdateTrigger(ctx, t); err != nil {
		r.logger.Warn("failed to record trigger firing",
			slog.String("trigger_id", triggerID),
			slog.Any("error", err))
	}
}

// Close disarms everything and stops background polls.
func (r *Router) Close() {
	r.cancelBase()
	if r.unsubChange != nil {
		r.unsubChange()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.polls {
		cancel()
		delete(r.polls, id)
	}
	for id, unsub := range r.eventSubs {
		unsub()
		delete(r.eventSubs, id)
	}
	r.webhooks = make(map[string]*webhookRegistration)
	r.chains = make(map[string][]chainRegistration)
	r.conditionals = make(map[string][]*store.Trigger)
}
