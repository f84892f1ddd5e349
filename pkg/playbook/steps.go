package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vigil-sh/vigil/internal/browser"
	"github.com/vigil-sh/vigil/internal/template"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// maxAPIResponseBytes caps the body recorded by api steps.
const maxAPIResponseBytes = 1 << 20

// registerDefaults installs the built-in step kinds.
func (e *Executor) registerDefaults() {
	e.Register(StepNavigate, e.stepNavigate)
	e.Register(StepWait, e.stepWait)
	e.Register(StepClick, e.stepClick)
	e.Register(StepFill, e.stepFill)
	e.Register(StepExtract, e.stepExtract)
	e.Register(StepCondition, e.stepCondition)
	e.Register(StepLoop, e.stepLoop)
	e.Register(StepScreenshot, e.stepScreenshot)
	e.Register(StepAPI, e.stepAPI)
	e.Register(StepStore, e.stepStore)
}

// configString reads a templated string option.
func configString(step *StepDefinition, ec *ExecutionContext, key string) string {
	v, ok := step.Config[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return template.Resolve(s, ec.Snapshot())
}

func requireString(step *StepDefinition, ec *ExecutionContext, key string) (string, error) {
	s := configString(step, ec, key)
	if s == "" {
		return "", &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("%s step requires %q", step.Kind, key),
		}
	}
	return s, nil
}

func (e *Executor) stepNavigate(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error) {
	url, err := requireString(step, ec, "url")
	if err != nil {
		return nil, err
	}

	tab, err := ec.Tab(func() (browser.Tab, error) { return ec.Browser.OpenTab(ctx) })
	if err != nil {
		return nil, &errors.ExternalError{Provider: "browser", Message: "failed to open tab", Err: err}
	}
	if err := tab.Navigate(ctx, url); err != nil {
		return nil, &errors.ExternalError{Provider: "browser", Message: "navigation failed", Err: err}
	}
	return map[string]any{
		"url":       url,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (e *Executor) stepWait(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error) {
	if selector := configString(step, ec, "selector"); selector != "" {
		tab := ec.CurrentTab()
		if tab == nil {
			return nil, &errors.ValidationError{Field: "selector", Message: "wait on selector requires a prior navigate"}
		}
		if err := tab.WaitSelector(ctx, selector); err != nil {
			return nil, &errors.ExternalError{Provider: "browser", Message: "wait for selector failed", Err: err}
		}
		return map[string]any{}, nil
	}

	duration, ok := durationOption(step.Config["duration"])
	if !ok {
		return nil, &errors.ValidationError{
			Field:      "duration",
			Message:    "wait step requires a duration in milliseconds or a selector",
			Suggestion: `e.g. {"duration": 500} or {"selector": "#ready"}`,
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(duration):
	}
	return map[string]any{}, nil
}

func (e *Executor) stepClick(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error) {
	selector, err := requireString(step, ec, "selector")
	if err != nil {
		return nil, err
	}
	tab := ec.CurrentTab()
	if tab == nil {
		return nil, &errors.ValidationError{Field: "selector", Message: "click requires a prior navigate"}
	}
	if err := tab.Click(ctx, selector); err != nil {
		return nil, &errors.ExternalError{Provider: "browser", Message: "click failed", Err: err}
	}
	return map[string]any{"selector": selector}, nil
}

// stepFill sets a value and fires a change event per configured field.
func (e *Executor) stepFill(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error) {
	fields, ok := step.Config["fields"].(map[string]any)
	if !ok || len(fields) == 0 {
		return nil, &errors.ValidationError{
			Field:   "fields",
			Message: "fill step requires a selector-to-value map under \"fields\"",
		}
	}
	tab := ec.CurrentTab()
	if tab == nil {
		return nil, &errors.ValidationError{Field: "fields", Message: "fill requires a prior navigate"}
	}

	snap := ec.Snapshot()
	count := 0
	for selector, raw := range fields {
		value, _ := raw.(string)
		if err := tab.Fill(ctx, selector, template.Resolve(value, snap)); err != nil {
			return nil, &errors.ExternalError{Provider: "browser", Message: fmt.Sprintf("fill %s failed", selector), Err: err}
		}
		count++
	}
	return map[string]any{"count": count}, nil
}

// stepExtract returns textContent per named selector and merges the
// values into the run's extracted data.
func (e *Executor) stepExtract(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error) {
	selectors, ok := step.Config["selectors"].(map[string]any)
	if !ok || len(selectors) == 0 {
		return nil, &errors.ValidationError{
			Field:   "selectors",
			Message: "extract step requires a name-to-selector map under \"selectors\"",
		}
	}
	tab := ec.CurrentTab()
	if tab == nil {
		return nil, &errors.ValidationError{Field: "selectors", Message: "extract requires a prior navigate"}
	}

	output := make(map[string]any, len(selectors))
	for name, raw := range selectors {
		selector, _ := raw.(string)
		text, err := tab.Text(ctx, selector)
		if err != nil {
			return nil, &errors.ExternalError{Provider: "browser", Message: fmt.Sprintf("extract %s failed", name), Err: err}
		}
		output[name] = text
	}
	ec.MergeExtracted(output)
	return output, nil
}

// stepCondition evaluates either a free-form expression or the
// structured {variable, operator, value} form.
func (e *Executor) stepCondition(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error) {
	snap := ec.Snapshot()

	if expression, ok := step.Config["expression"].(string); ok && expression != "" {
		result, err := e.evaluator.Evaluate(expression, snap)
		if err != nil {
			return nil, err
		}
		return map[string]any{"result": result}, nil
	}

	variable, _ := step.Config["variable"].(string)
	operator, _ := step.Config["operator"].(string)
	if variable == "" || operator == "" {
		return nil, &errors.ValidationError{
			Field:   "config",
			Message: "condition step requires an expression or variable/operator/value",
		}
	}

	actual, _ := template.Lookup(snap, variable)
	result, err := Compare(actual, operator, step.Config["value"])
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

// stepLoop runs its child steps repeatedly, over a fixed iteration count
// or a collection reference, setting loopIndex and loopItem variables.
func (e *Executor) stepLoop(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error) {
	if len(step.Steps) == 0 {
		return nil, &errors.ValidationError{Field: "steps", Message: "loop step requires child steps"}
	}

	items, err := loopItems(step, ec)
	if err != nil {
		return nil, err
	}

	var iterationResults []map[string]any
	for index, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ec.SetVariable("loopIndex", index)
		ec.SetVariable("loopItem", item)

		iteration := make(map[string]any, len(step.Steps))
		for i := range step.Steps {
			child := &step.Steps[i]
			output, _, err := e.runWithRetry(ctx, child, ec)
			if err != nil {
				if step.ContinueOnError {
					iteration[child.ID] = map[string]any{"error": err.Error()}
					continue
				}
				return nil, errors.Wrapf(err, "loop iteration %d step %s", index, child.ID)
			}
			iteration[child.ID] = output
		}
		iterationResults = append(iterationResults, iteration)
	}

	ec.DeleteVariable("loopIndex")
	ec.DeleteVariable("loopItem")

	return map[string]any{
		"iterations": len(items),
		"results":    iterationResults,
	}, nil
}

// loopItems resolves the iteration source: an explicit count or a
// collection reference into the context.
func loopItems(step *StepDefinition, ec *ExecutionContext) ([]any, error) {
	if raw, ok := step.Config["iterations"]; ok {
		n, ok := toFloat(raw)
		if !ok || n < 0 {
			return nil, &errors.ValidationError{Field: "iterations", Message: "iterations must be a non-negative integer"}
		}
		items := make([]any, int(n))
		for i := range items {
			items[i] = i
		}
		return items, nil
	}

	if ref, ok := step.Config["collection"].(string); ok && ref != "" {
		value, found := template.Lookup(ec.Snapshot(), strings.Trim(ref, "{} "))
		if !found {
			return nil, &errors.ValidationError{
				Field:   "collection",
				Message: fmt.Sprintf("collection %q not found in context", ref),
			}
		}
		items, ok := value.([]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "collection",
				Message: fmt.Sprintf("collection %q is not a list", ref),
			}
		}
		return items, nil
	}

	return nil, &errors.ValidationError{
		Field:   "config",
		Message: "loop step requires iterations or a collection reference",
	}
}

func (e *Executor) stepScreenshot(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error) {
	tab := ec.CurrentTab()
	if tab == nil {
		return nil, &errors.ValidationError{Field: "config", Message: "screenshot requires a prior navigate"}
	}
	image, err := tab.Screenshot(ctx)
	if err != nil {
		return nil, &errors.ExternalError{Provider: "browser", Message: "screenshot failed", Err: err}
	}
	return map[string]any{"image": image}, nil
}

// stepAPI issues an HTTP request with templated URL, headers and body.
func (e *Executor) stepAPI(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error) {
	url, err := requireString(step, ec, "url")
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(configString(step, ec, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := step.Config["body"]; ok {
		resolved := template.ResolveValue(raw, ec.Snapshot())
		data, err := json.Marshal(resolved)
		if err != nil {
			return nil, errors.Wrap(err, "encoding api body")
		}
		body = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &errors.ValidationError{Field: "url", Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := step.Config["headers"].(map[string]any); ok {
		snap := ec.Snapshot()
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, template.Resolve(s, snap))
			}
		}
	}

	resp, err := ec.client().Do(req)
	if err != nil {
		return nil, &errors.ExternalError{Provider: "http", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &errors.ExternalError{Provider: "http", Message: "reading response failed", Err: err}
	}

	var decoded any
	if json.Unmarshal(data, &decoded) != nil {
		decoded = string(data)
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   decoded,
	}, nil
}

// stepStore writes a literal value or another variable into the variable
// map.
func (e *Executor) stepStore(ctx context.Context, step *StepDefinition, ec *ExecutionContext) (map[string]any, error) {
	name, err := requireString(step, ec, "variable")
	if err != nil {
		return nil, err
	}

	var value any
	if source, ok := step.Config["source"].(string); ok && source != "" {
		v, found := template.Lookup(ec.Snapshot(), source)
		if !found {
			return nil, &errors.ValidationError{
				Field:   "source",
				Message: fmt.Sprintf("source %q not found in context", source),
			}
		}
		value = v
	} else {
		value = template.ResolveValue(step.Config["value"], ec.Snapshot())
	}

	ec.SetVariable(name, value)
	return map[string]any{"variable": name, "value": value}, nil
}

// durationOption reads a millisecond duration from a config value.
func durationOption(v any) (time.Duration, bool) {
	ms, ok := toFloat(v)
	if !ok || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
