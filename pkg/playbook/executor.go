package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// Handler executes one step kind. Handlers are pure functions of the step
// config plus the execution context.
type Handler func(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error)

// Executor runs playbook DAGs. The kind registry is closed for addition
// of new kinds without touching the scheduling core: Register installs a
// handler, the executor never switches on kind itself.
type Executor struct {
	handlers           map[string]Handler
	evaluator          *Evaluator
	maxConcurrentSteps int
	logger             *slog.Logger
	bus                *events.Bus

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool
}

// NewExecutor creates an executor with the default step registry.
func NewExecutor(logger *slog.Logger, bus *events.Bus) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		handlers:           make(map[string]Handler),
		evaluator:          NewEvaluator(),
		maxConcurrentSteps: DefaultMaxConcurrency,
		logger:             logger.With(slog.String("component", "step_executor")),
		bus:                bus,
		cancels:            make(map[string]context.CancelFunc),
		cancelled:          make(map[string]bool),
	}
	e.registerDefaults()
	return e
}

// WithMaxConcurrentSteps bounds parallel sibling steps within a run.
func (e *Executor) WithMaxConcurrentSteps(max int) *Executor {
	if max > 0 {
		e.maxConcurrentSteps = max
	}
	return e
}

// Register installs a handler for a step kind, replacing any existing
// one.
func (e *Executor) Register(kind string, handler Handler) {
	e.handlers[kind] = handler
}

// Cancel cancels a running playbook execution. The in-flight steps are
// treated as cancelled at the next completion barrier and the run's tab
// is closed.
func (e *Executor) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	if ok {
		e.cancelled[runID] = true
	}
	e.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// ErrCancelled is returned by Execute after Cancel stops the run.
var ErrCancelled = fmt.Errorf("run cancelled")

// stepDone is the completion record handed back by step workers.
type stepDone struct {
	id      string
	output  map[string]any
	err     error
	retries int
}

// Execute runs the playbook DAG to completion, respecting the partial
// order, the per-run deadline and the per-step retry budget. The run's
// tab is closed on every exit path.
//
// Returned errors are TimeoutError when the deadline lapsed,
// ErrCancelled after Cancel, CyclicDependencyError when no
// progress is possible, or StepError when a step exhausts its retries.
func (e *Executor) Execute(ctx context.Context, def *Definition, ec *ExecutionContext, timeout time.Duration) (map[string]store.StepResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.mu.Lock()
	e.cancels[ec.RunID] = cancel
	delete(e.cancelled, ec.RunID)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, ec.RunID)
		e.mu.Unlock()
	}()
	defer ec.CloseTab()

	started := time.Now()
	results := make(map[string]store.StepResult, len(def.Steps))
	status := make(map[string]string, len(def.Steps))
	for _, step := range def.Steps {
		status[step.ID] = "pending"
		results[step.ID] = store.StepResult{
			ID:           step.ID,
			Name:         stepName(&step),
			Kind:         step.Kind,
			Status:       "pending",
			Dependencies: step.DependsOn,
		}
	}

	done := make(chan stepDone)
	running := 0

	launch := func(step *StepDefinition) {
		status[step.ID] = "running"
		r := results[step.ID]
		r.Status = "running"
		r.StartedAt = time.Now()
		results[step.ID] = r
		running++

		e.publish(runCtx, events.StepStarted, ec, step.ID, nil)

		go func(step StepDefinition) {
			output, retries, err := e.runWithRetry(runCtx, &step, ec)
			done <- stepDone{id: step.ID, output: output, err: err, retries: retries}
		}(*step)
	}

	fail := func(result map[string]store.StepResult, err error) (map[string]store.StepResult, error) {
		// Drain in-flight workers before returning so none outlive the
		// run.
		cancel()
		for running > 0 {
			d := <-done
			running--
			r := results[d.id]
			r.Status = "cancelled"
			r.CompletedAt = time.Now()
			results[d.id] = r
		}
		return result, err
	}

	for {
		// Deadline and cancellation are checked at every step boundary.
		if err := runCtx.Err(); err != nil {
			if e.wasCancelled(ec.RunID) {
				return fail(results, ErrCancelled)
			}
			return fail(results, &errors.TimeoutError{Operation: "run", Duration: time.Since(started)})
		}

		launched := false
		for i := range def.Steps {
			step := &def.Steps[i]
			if status[step.ID] != "pending" || running >= e.maxConcurrentSteps {
				continue
			}
			if !depsCompleted(step, status) {
				continue
			}
			launch(step)
			launched = true
		}

		if running == 0 {
			if remaining := pendingSteps(status); len(remaining) > 0 {
				if !launched {
					return fail(results, &errors.CyclicDependencyError{Steps: remaining})
				}
				continue
			}
			return results, nil
		}

		select {
		case <-runCtx.Done():
			continue
		case d := <-done:
			running--
			r := results[d.id]
			r.RetryCount = d.retries
			r.CompletedAt = time.Now()
			if d.err != nil {
				if runCtx.Err() != nil && e.wasCancelled(ec.RunID) {
					r.Status = "cancelled"
					results[d.id] = r
					status[d.id] = "cancelled"
					continue
				}
				r.Status = "failed"
				r.Error = d.err.Error()
				results[d.id] = r
				status[d.id] = "failed"

				step, _ := def.Step(d.id)
				e.publish(runCtx, events.StepFailed, ec, d.id, map[string]any{"error": d.err.Error()})
				return fail(results, &errors.StepError{
					StepID:   d.id,
					StepKind: stepKind(step),
					Attempts: d.retries + 1,
					Err:      d.err,
				})
			}
			r.Status = "success"
			r.Output = d.output
			results[d.id] = r
			status[d.id] = "completed"
			e.publish(runCtx, events.StepCompleted, ec, d.id, map[string]any{"retry_count": d.retries})
		}
	}
}

// runWithRetry executes one step with exponential backoff, up to the
// step's (or the run's) retry budget. Each attempt yields a typed
// outcome; the loop decides based on it without unwinding.
func (e *Executor) runWithRetry(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, int, error) {
	handler, ok := e.handlers[step.Kind]
	if !ok {
		return nil, 0, &errors.ValidationError{
			Field:      "kind",
			Message:    fmt.Sprintf("unknown step kind: %s", step.Kind),
			Suggestion: "use one of: navigate, wait, click, fill, extract, condition, loop, screenshot, api, store",
		}
	}

	retries := ec.RetryAttempts
	if step.RetryAttempts != nil {
		retries = *step.RetryAttempts
	}
	delay := ec.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		output, err := handler(ctx, step, ec)
		if err == nil {
			return output, attempt, nil
		}
		lastErr = err

		if attempt == retries {
			break
		}

		e.publish(ctx, events.StepRetry, ec, step.ID, map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		e.logger.Debug("step retrying",
			slog.String("step_id", step.ID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))

		// Backoff doubles per attempt: delay, 2*delay, 4*delay, ...
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay << attempt):
		}
	}
	return nil, retries, lastErr
}

func (e *Executor) wasCancelled(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[runID]
}

func (e *Executor) publish(ctx context.Context, eventType events.Type, ec *ExecutionContext, stepID string, extra map[string]any) {
	if e.bus == nil {
		return
	}
	data := map[string]any{
		"run_id":      ec.RunID,
		"workflow_id": ec.WorkflowID,
		"step_id":     stepID,
	}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(ctx, eventType, data)
}

func depsCompleted(step *StepDefinition, status map[string]string) bool {
	for _, dep := range step.DependsOn {
		if status[dep] != "completed" {
			return false
		}
	}
	return true
}

func pendingSteps(status map[string]string) []string {
	var pending []string
	for id, s := range status {
		if s == "pending" {
			pending = append(pending, id)
		}
	}
	return pending
}

func stepName(step *StepDefinition) string {
	if step.Name != "" {
		return step.Name
	}
	return step.ID
}

func stepKind(step *StepDefinition) string {
	if step == nil {
		return ""
	}
	return step.Kind
}
