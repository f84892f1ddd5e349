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

// Package actions runs the post-run side-effect pipeline: ordered,
// retrying, templated actions dispatched by kind.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// AgentFacade dispatches a sub-task through the AI-agent orchestrator.
// External collaborator; the core only sees this surface.
type AgentFacade interface {
	RunPlaybook(ctx context.Context, playbookID string, input map[string]any) (map[string]any, error)
}

// EmailSender is the outbound email adapter.
type EmailSender interface {
	Send(ctx context.Context, recipients []string, subject, body string) (map[string]any, error)
}

// SMSSender is the outbound SMS adapter.
type SMSSender interface {
	Send(ctx context.Context, recipients []string, body string) (map[string]any, error)
}

// PRCreator issues a pull/merge request against a VCS provider.
type PRCreator interface {
	CreatePR(ctx context.Context, provider, repository, branch, base, title, body string) (map[string]any, error)
}

// Handler executes one action kind against the run context.
type Handler func(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error)

// Pipeline executes a workflow's actions strictly in order.
type Pipeline struct {
	handlers map[store.ActionKind]Handler
	bus      *events.Bus
	logger   *slog.Logger

	// HTTPClient is used by webhook, slack and discord deliveries.
	HTTPClient *http.Client

	// Adapters for external side effects. Nil adapters make the
	// corresponding actions fail with ExternalError.
	Agent AgentFacade
	Email EmailSender
	SMS   SMSSender
	VCS   PRCreator

	// ExportDir, when non-empty, is the base directory for relative export
	// destinations; absolute destinations are used as given.
	ExportDir string
}

// New creates an action pipeline with the default kind registry.
func New(bus *events.Bus, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		handlers: make(map[store.ActionKind]Handler),
		bus:      bus,
		logger:   logger.With(slog.String("component", "action_pipeline")),
	}
	p.registerDefaults()
	return p
}

// Register installs a handler for an action kind.
func (p *Pipeline) Register(kind store.ActionKind, handler Handler) {
	p.handlers[kind] = handler
}

// Run executes the actions in order against the run context. Disabled
// actions are skipped. On success an action's output enters the context
// under action_<id>. A failed action aborts the remainder unless its
// continue_on_error flag is set; the run itself stays successful either
// way — the returned results record what happened.
func (p *Pipeline) Run(ctx context.Context, run *store.Run, actions []*store.Action, runCtx map[string]any) []store.ActionResult {
	results := make([]store.ActionResult, 0, len(actions))

	for _, action := range actions {
		if !action.Enabled {
			results = append(results, store.ActionResult{
				ActionID: action.ID,
				Kind:     action.Kind,
				Status:   "skipped",
			})
			continue
		}

		result := p.runOne(ctx, action, runCtx)
		results = append(results, result)

		if result.Status == "success" {
			runCtx["action_"+action.ID] = result.Output
			p.publish(ctx, events.ActionCompleted, run, action, result)
			continue
		}

		p.publish(ctx, events.ActionFailed, run, action, result)
		if !action.ContinueOnErr {
			p.logger.Warn("action pipeline aborted",
				slog.String("run_id", run.ID),
				slog.String("action_id", action.ID),
				slog.String("error", result.Error))
			break
		}
	}
	return results
}

// runOne executes a single action with its retry budget.
func (p *Pipeline) runOne(ctx context.Context, action *store.Action, runCtx map[string]any) store.ActionResult {
	result := store.ActionResult{
		ActionID:  action.ID,
		Kind:      action.Kind,
		StartedAt: time.Now().UTC(),
	}

	handler, ok := p.handlers[action.Kind]
	if !ok {
		result.Status = "failed"
		result.Error = fmt.Sprintf("unknown action kind: %s", action.Kind)
		result.CompletedAt = time.Now().UTC()
		return result
	}

	var cfg map[string]any
	if len(action.Config) > 0 {
		if err := json.Unmarshal(action.Config, &cfg); err != nil {
			result.Status = "failed"
			result.Error = fmt.Sprintf("invalid action config: %v", err)
			result.CompletedAt = time.Now().UTC()
			return result
		}
	}

	retries := 0
	if action.RetryOnFailure {
		retries = action.RetryAttempts
	}
	delay := action.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var output map[string]any
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		attempts++
		output, lastErr = handler(ctx, action, cfg, runCtx)
		if lastErr == nil || attempt == retries {
			break
		}
		// Backoff doubles per attempt: delay, 2*delay, 4*delay, ...
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = retries
		case <-time.After(delay << attempt):
		}
	}

	result.Attempts = attempts
	result.CompletedAt = time.Now().UTC()
	if lastErr != nil {
		actionErr := &errors.ActionError{
			ActionID:   action.ID,
			ActionKind: string(action.Kind),
			Attempts:   result.Attempts,
			Err:        lastErr,
		}
		result.Status = "failed"
		result.Error = actionErr.Error()
		return result
	}
	result.Status = "success"
	result.Output = output
	return result
}

func (p *Pipeline) publish(ctx context.Context, eventType events.Type, run *store.Run, action *store.Action, result store.ActionResult) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, eventType, map[string]any{
		"run_id":      run.ID,
		"workflow_id": run.WorkflowID,
		"action_id":   action.ID,
		"kind":        string(action.Kind),
		"status":      result.Status,
		"error":       result.Error,
	})
}

func (p *Pipeline) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}
