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

package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/internal/template"
	"github.com/vigil-sh/vigil/pkg/errors"
	"github.com/vigil-sh/vigil/pkg/playbook"
)

func (p *Pipeline) registerDefaults() {
	p.Register(store.ActionRunPlaybook, p.runPlaybook)
	p.Register(store.ActionNotify, p.notify)
	p.Register(store.ActionCreatePR, p.createPR)
	p.Register(store.ActionWebhook, p.webhook)
	p.Register(store.ActionExport, p.export)
	p.Register(store.ActionScript, p.script)
	p.Register(store.ActionIntegration, p.integration)
	p.Register(store.ActionConditional, p.conditional)
	p.Register(store.ActionLoop, p.loop)
	p.Register(store.ActionDelay, p.delay)
}

func cfgString(cfg map[string]any, runCtx map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return template.Resolve(s, runCtx)
}

// runPlaybook dispatches a sub-task through the AI-agent facade. Failure
// of the sub-task propagates.
func (p *Pipeline) runPlaybook(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
	if p.Agent == nil {
		return nil, &errors.ExternalError{Provider: "agent", Message: "agent facade not configured"}
	}
	playbookID := cfgString(cfg, runCtx, "playbook_id")
	if playbookID == "" {
		return nil, &errors.ValidationError{Field: "playbook_id", Message: "run_playbook action requires playbook_id"}
	}
	input, _ := template.ResolveValue(cfg["input"], runCtx).(map[string]any)
	return p.Agent.RunPlaybook(ctx, playbookID, input)
}

// notify fans out by subtype: email and sms go through the outbound
// adapters, chat variants POST JSON to a provider webhook URL, the
// webhook subtype POSTs the full context.
func (p *Pipeline) notify(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
	subtype, _ := cfg["subtype"].(string)
	message := cfgString(cfg, runCtx, "template")
	subject := cfgString(cfg, runCtx, "subject")
	recipients := stringList(cfg["recipients"])

	switch subtype {
	case "email":
		if p.Email == nil {
			return nil, &errors.ExternalError{Provider: "email", Message: "email adapter not configured"}
		}
		return p.Email.Send(ctx, recipients, subject, message)

	case "sms":
		if p.SMS == nil {
			return nil, &errors.ExternalError{Provider: "sms", Message: "sms adapter not configured"}
		}
		return p.SMS.Send(ctx, recipients, message)

	case "slack", "discord":
		url := cfgString(cfg, runCtx, "webhook_url")
		if url == "" {
			return nil, &errors.ValidationError{Field: "webhook_url", Message: subtype + " notify requires webhook_url"}
		}
		payload := map[string]any{"text": message}
		if subtype == "discord" {
			payload = map[string]any{"content": message}
		}
		return p.postJSON(ctx, url, payload)

	case "webhook":
		url := cfgString(cfg, runCtx, "webhook_url")
		if url == "" {
			return nil, &errors.ValidationError{Field: "webhook_url", Message: "webhook notify requires webhook_url"}
		}
		return p.postJSON(ctx, url, map[string]any{"message": message, "context": runCtx})

	default:
		return nil, &errors.ValidationError{
			Field:      "subtype",
			Message:    fmt.Sprintf("unknown notify subtype: %s", subtype),
			Suggestion: "use one of: email, sms, slack, discord, webhook",
		}
	}
}

// createPR infers the provider from the repository URL and issues a
// pull/merge request with templated title and body.
func (p *Pipeline) createPR(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
	if p.VCS == nil {
		return nil, &errors.ExternalError{Provider: "vcs", Message: "vcs adapter not configured"}
	}
	repository := cfgString(cfg, runCtx, "repository")
	if repository == "" {
		return nil, &errors.ValidationError{Field: "repository", Message: "create_pr action requires repository"}
	}

	provider := inferProvider(repository)
	branch := cfgString(cfg, runCtx, "branch")
	base := cfgString(cfg, runCtx, "base")
	if base == "" {
		base = "main"
	}
	title := cfgString(cfg, runCtx, "title")
	body := cfgString(cfg, runCtx, "body")

	return p.VCS.CreatePR(ctx, provider, repository, branch, base, title, body)
}

// inferProvider maps a repository URL to its hosting provider.
func inferProvider(repository string) string {
	switch {
	case strings.Contains(repository, "github.com"):
		return "github"
	case strings.Contains(repository, "gitlab"):
		return "gitlab"
	case strings.Contains(repository, "bitbucket"):
		return "bitbucket"
	default:
		return "github"
	}
}

// webhook issues a POST (or GET) with a templated body; any non-2xx
// response is a failure.
func (p *Pipeline) webhook(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
	url := cfgString(cfg, runCtx, "url")
	if url == "" {
		return nil, &errors.ValidationError{Field: "url", Message: "webhook action requires url"}
	}
	method := strings.ToUpper(cfgString(cfg, runCtx, "method"))
	if method == "" {
		method = http.MethodPost
	}

	var reqBody io.Reader
	if raw, ok := cfg["body"]; ok {
		resolved := template.ResolveValue(raw, runCtx)
		data, err := json.Marshal(resolved)
		if err != nil {
			return nil, errors.Wrap(err, "encoding webhook body")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, &errors.ValidationError{Field: "url", Message: err.Error()}
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, &errors.ExternalError{Provider: "http", Message: "webhook request failed", Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errors.ExternalError{
			Provider: "http",
			Message:  fmt.Sprintf("webhook returned status %d", resp.StatusCode),
		}
	}
	return map[string]any{"status": resp.StatusCode, "response": string(respBody)}, nil
}

// integration emits integration:execute; an external handler responds
// through the callback within 30 seconds.
func (p *Pipeline) integration(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
	if p.bus == nil {
		return nil, &errors.ExternalError{Provider: "integration", Message: "event bus not configured"}
	}
	name := cfgString(cfg, runCtx, "name")
	if name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "integration action requires name"}
	}

	reply := make(chan map[string]any, 1)
	callback := func(output map[string]any) {
		select {
		case reply <- output:
		default:
		}
	}

	p.bus.Publish(ctx, events.IntegrationExecute, map[string]any{
		"name":     name,
		"config":   template.ResolveValue(cfg["config"], runCtx),
		"context":  runCtx,
		"callback": callback,
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case output := <-reply:
		return output, nil
	case <-time.After(30 * time.Second):
		return nil, &errors.ExternalError{Provider: "integration", Message: fmt.Sprintf("no handler responded for %s", name)}
	}
}

// conditional evaluates its condition with the same semantics as the
// step-level conditional, then dispatches the if_true or if_false action
// body recursively.
func (p *Pipeline) conditional(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
	matched, err := p.evaluateCondition(cfg, runCtx)
	if err != nil {
		return nil, err
	}

	branch := "if_false"
	if matched {
		branch = "if_true"
	}
	nested, ok := cfg[branch].(map[string]any)
	if !ok {
		return map[string]any{"result": matched, "executed": false}, nil
	}

	output, err := p.runNested(ctx, action, nested, runCtx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": matched, "executed": true, "output": output}, nil
}

func (p *Pipeline) evaluateCondition(cfg map[string]any, runCtx map[string]any) (bool, error) {
	condition, ok := cfg["condition"].(map[string]any)
	if !ok {
		return false, &errors.ValidationError{Field: "condition", Message: "conditional action requires a condition"}
	}

	if expression, ok := condition["expression"].(string); ok && expression != "" {
		return playbook.NewEvaluator().Evaluate(expression, runCtx)
	}

	variable, _ := condition["variable"].(string)
	operator, _ := condition["operator"].(string)
	if variable == "" || operator == "" {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: "condition requires an expression or variable/operator/value",
		}
	}
	actual, _ := template.Lookup(runCtx, variable)
	return playbook.Compare(actual, operator, condition["value"])
}

// loop iterates over inline items or a context reference, sequentially
// or in parallel, returning per-iteration results.
func (p *Pipeline) loop(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
	items, err := p.loopItems(cfg, runCtx)
	if err != nil {
		return nil, err
	}
	nested, ok := cfg["action"].(map[string]any)
	if !ok {
		return nil, &errors.ValidationError{Field: "action", Message: "loop action requires a nested action"}
	}
	parallel, _ := cfg["parallel"].(bool)

	results := make([]map[string]any, len(items))
	if parallel {
		type indexed struct {
			i   int
			out map[string]any
			err error
		}
		done := make(chan indexed, len(items))
		for i, item := range items {
			go func(i int, item any) {
				out, err := p.runNested(ctx, action, nested, loopContext(runCtx, i, item))
				done <- indexed{i, out, err}
			}(i, item)
		}
		var firstErr error
		for range items {
			d := <-done
			if d.err != nil && firstErr == nil {
				firstErr = d.err
			}
			results[d.i] = d.out
		}
		if firstErr != nil {
			return nil, firstErr
		}
	} else {
		for i, item := range items {
			out, err := p.runNested(ctx, action, nested, loopContext(runCtx, i, item))
			if err != nil {
				return nil, errors.Wrapf(err, "loop iteration %d", i)
			}
			results[i] = out
		}
	}

	return map[string]any{"iterations": len(items), "results": results}, nil
}

func (p *Pipeline) loopItems(cfg map[string]any, runCtx map[string]any) ([]any, error) {
	switch raw := cfg["items"].(type) {
	case []any:
		return raw, nil
	case string:
		value, found := template.Lookup(runCtx, strings.Trim(raw, "{} "))
		if !found {
			return nil, &errors.ValidationError{Field: "items", Message: fmt.Sprintf("items reference %q not found", raw)}
		}
		items, ok := value.([]any)
		if !ok {
			return nil, &errors.ValidationError{Field: "items", Message: fmt.Sprintf("items reference %q is not a list", raw)}
		}
		return items, nil
	default:
		return nil, &errors.ValidationError{Field: "items", Message: "loop action requires items"}
	}
}

// loopContext shallow-copies the run context with loop variables set.
func loopContext(runCtx map[string]any, index int, item any) map[string]any {
	out := make(map[string]any, len(runCtx)+2)
	for k, v := range runCtx {
		out[k] = v
	}
	out["loopIndex"] = index
	out["loopItem"] = item
	return out
}

// runNested executes an inline nested action body through the registry.
func (p *Pipeline) runNested(ctx context.Context, parent *store.Action, nested map[string]any, runCtx map[string]any) (map[string]any, error) {
	kindStr, _ := nested["kind"].(string)
	kind := store.ActionKind(kindStr)
	handler, ok := p.handlers[kind]
	if !ok {
		return nil, &errors.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown nested action kind: %s", kindStr)}
	}
	nestedCfg, _ := nested["config"].(map[string]any)
	return handler(ctx, parent, nestedCfg, runCtx)
}

// delay sleeps for the configured duration.
func (p *Pipeline) delay(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
	ms, ok := cfg["duration"].(float64)
	if !ok || ms < 0 {
		return nil, &errors.ValidationError{Field: "duration", Message: "delay action requires a duration in milliseconds"}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
	return map[string]any{"duration": ms}, nil
}

func (p *Pipeline) postJSON(ctx context.Context, url string, payload map[string]any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encoding payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &errors.ValidationError{Field: "webhook_url", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, &errors.ExternalError{Provider: "http", Message: "notification delivery failed", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errors.ExternalError{
			Provider: "http",
			Message:  fmt.Sprintf("notification returned status %d", resp.StatusCode),
		}
	}

	var decoded map[string]any
	if json.Unmarshal(body, &decoded) == nil && decoded != nil {
		return decoded, nil
	}
	return map[string]any{"status": resp.StatusCode}, nil
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
