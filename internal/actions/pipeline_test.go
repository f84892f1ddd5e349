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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
)

func testRun() *store.Run {
	return &store.Run{ID: "run-1", WorkflowID: "wf-1", Status: store.RunSuccess}
}

func testContext() map[string]any {
	return map[string]any{
		"extractedData": map[string]any{"title": "A"},
		"variables":     map[string]any{},
	}
}

func mkAction(id string, kind store.ActionKind, cfg map[string]any) *store.Action {
	raw, _ := json.Marshal(cfg)
	return &store.Action{
		ID:      id,
		Kind:    kind,
		Enabled: true,
		Config:  raw,
	}
}

func TestPipeline_OrderAndContextFlow(t *testing.T) {
	// S6: notify output feeds the following webhook body.
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := New(nil, nil)
	p.Register(store.ActionNotify, func(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
		return map[string]any{"id": "m7"}, nil
	})

	runCtx := testContext()
	actions := []*store.Action{
		mkAction("notify", store.ActionNotify, map[string]any{}),
		mkAction("hook", store.ActionWebhook, map[string]any{
			"url":  server.URL,
			"body": map[string]any{"v": "{{action_notify.id}}"},
		}),
	}

	results := p.Run(context.Background(), testRun(), actions, runCtx)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != "success" {
			t.Fatalf("action %s status = %s (%s)", r.ActionID, r.Status, r.Error)
		}
	}
	if received["v"] != "m7" {
		t.Errorf("webhook body = %v, want v=m7", received)
	}
}

func TestPipeline_AbortOnFailure(t *testing.T) {
	var webhookCalled atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookCalled.Store(true)
	}))
	defer server.Close()

	p := New(nil, nil)
	p.Register(store.ActionNotify, func(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("provider down")
	})

	actions := []*store.Action{
		mkAction("notify", store.ActionNotify, map[string]any{}),
		mkAction("hook", store.ActionWebhook, map[string]any{"url": server.URL}),
	}

	results := p.Run(context.Background(), testRun(), actions, testContext())
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1 (pipeline aborted)", len(results))
	}
	if results[0].Status != "failed" {
		t.Errorf("status = %s", results[0].Status)
	}
	if webhookCalled.Load() {
		t.Error("webhook called after aborting failure")
	}
}

func TestPipeline_ContinueOnError(t *testing.T) {
	p := New(nil, nil)
	p.Register(store.ActionNotify, func(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("provider down")
	})

	failing := mkAction("notify", store.ActionNotify, map[string]any{})
	failing.ContinueOnErr = true
	delay := mkAction("wait", store.ActionDelay, map[string]any{"duration": float64(1)})

	results := p.Run(context.Background(), testRun(), []*store.Action{failing, delay}, testContext())
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Status != "failed" || results[1].Status != "success" {
		t.Errorf("statuses = %s, %s", results[0].Status, results[1].Status)
	}
}

func TestPipeline_DisabledSkipped(t *testing.T) {
	p := New(nil, nil)
	disabled := mkAction("off", store.ActionDelay, map[string]any{"duration": float64(1)})
	disabled.Enabled = false

	results := p.Run(context.Background(), testRun(), []*store.Action{disabled}, testContext())
	if results[0].Status != "skipped" {
		t.Errorf("status = %s, want skipped", results[0].Status)
	}
}

func TestPipeline_RetrySucceeds(t *testing.T) {
	var attempts atomic.Int64
	p := New(nil, nil)
	p.Register(store.ActionNotify, func(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
		if attempts.Add(1) < 3 {
			return nil, fmt.Errorf("transient")
		}
		return map[string]any{"ok": true}, nil
	})

	action := mkAction("notify", store.ActionNotify, map[string]any{})
	action.RetryOnFailure = true
	action.RetryAttempts = 3
	action.RetryDelay = time.Millisecond

	results := p.Run(context.Background(), testRun(), []*store.Action{action}, testContext())
	if results[0].Status != "success" {
		t.Fatalf("status = %s (%s)", results[0].Status, results[0].Error)
	}
	if results[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", results[0].Attempts)
	}
}

func TestPipeline_EventsPublished(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	var completed, failed int
	bus.Subscribe(events.ActionCompleted, func(ctx context.Context, e events.Event) { completed++ })
	bus.Subscribe(events.ActionFailed, func(ctx context.Context, e events.Event) { failed++ })

	p := New(bus, nil)
	p.Register(store.ActionNotify, func(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("down")
	})

	ok := mkAction("wait", store.ActionDelay, map[string]any{"duration": float64(1)})
	bad := mkAction("notify", store.ActionNotify, map[string]any{})

	p.Run(context.Background(), testRun(), []*store.Action{ok, bad}, testContext())
	if completed != 1 || failed != 1 {
		t.Errorf("completed=%d failed=%d, want 1/1", completed, failed)
	}
}

func TestNotify_SlackPostsJSON(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer server.Close()

	p := New(nil, nil)
	action := mkAction("notify", store.ActionNotify, map[string]any{
		"subtype":     "slack",
		"webhook_url": server.URL,
		"template":    "Got {{extractedData.title}}",
	})

	results := p.Run(context.Background(), testRun(), []*store.Action{action}, testContext())
	if results[0].Status != "success" {
		t.Fatalf("status = %s (%s)", results[0].Status, results[0].Error)
	}
	if payload["text"] != "Got A" {
		t.Errorf("payload = %v", payload)
	}
}

func TestNotify_EmailAdapter(t *testing.T) {
	p := New(nil, nil)
	var gotSubject, gotBody string
	p.Email = emailFunc(func(ctx context.Context, recipients []string, subject, body string) (map[string]any, error) {
		gotSubject, gotBody = subject, body
		return map[string]any{"id": "mail-1"}, nil
	})

	action := mkAction("notify", store.ActionNotify, map[string]any{
		"subtype":    "email",
		"recipients": []any{"ops@example.test"},
		"subject":    "Change on {{extractedData.title}}",
		"template":   "body text",
	})

	results := p.Run(context.Background(), testRun(), []*store.Action{action}, testContext())
	if results[0].Status != "success" {
		t.Fatalf("status = %s (%s)", results[0].Status, results[0].Error)
	}
	if gotSubject != "Change on A" || gotBody != "body text" {
		t.Errorf("subject=%q body=%q", gotSubject, gotBody)
	}
}

type emailFunc func(ctx context.Context, recipients []string, subject, body string) (map[string]any, error)

func (f emailFunc) Send(ctx context.Context, recipients []string, subject, body string) (map[string]any, error) {
	return f(ctx, recipients, subject, body)
}

func TestWebhook_Non2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	p := New(nil, nil)
	action := mkAction("hook", store.ActionWebhook, map[string]any{"url": server.URL})

	results := p.Run(context.Background(), testRun(), []*store.Action{action}, testContext())
	if results[0].Status != "failed" {
		t.Errorf("status = %s, want failed on 502", results[0].Status)
	}
}

func TestCreatePR_ProviderInference(t *testing.T) {
	p := New(nil, nil)
	var gotProvider string
	p.VCS = prFunc(func(ctx context.Context, provider, repo, branch, base, title, body string) (map[string]any, error) {
		gotProvider = provider
		return map[string]any{"number": 12}, nil
	})

	action := mkAction("pr", store.ActionCreatePR, map[string]any{
		"repository": "https://gitlab.example.com/group/project",
		"branch":     "update",
		"title":      "Update for {{extractedData.title}}",
	})

	results := p.Run(context.Background(), testRun(), []*store.Action{action}, testContext())
	if results[0].Status != "success" {
		t.Fatalf("status = %s (%s)", results[0].Status, results[0].Error)
	}
	if gotProvider != "gitlab" {
		t.Errorf("provider = %s, want gitlab", gotProvider)
	}
}

type prFunc func(ctx context.Context, provider, repo, branch, base, title, body string) (map[string]any, error)

func (f prFunc) CreatePR(ctx context.Context, provider, repo, branch, base, title, body string) (map[string]any, error) {
	return f(ctx, provider, repo, branch, base, title, body)
}

func TestExport_JSONAndCSV(t *testing.T) {
	dir := t.TempDir()
	p := New(nil, nil)

	runCtx := testContext()

	jsonAction := mkAction("exp", store.ActionExport, map[string]any{
		"format":      "json",
		"destination": filepath.Join(dir, "out.json"),
	})
	results := p.Run(context.Background(), testRun(), []*store.Action{jsonAction}, runCtx)
	if results[0].Status != "success" {
		t.Fatalf("json export: %s (%s)", results[0].Status, results[0].Error)
	}
	if results[0].Output["format"] != "json" {
		t.Errorf("output = %v", results[0].Output)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.json"))
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if decoded["title"] != "A" {
		t.Errorf("exported data = %v", decoded)
	}

	csvAction := mkAction("exp2", store.ActionExport, map[string]any{
		"format":      "csv",
		"destination": filepath.Join(dir, "out.csv"),
	})
	results = p.Run(context.Background(), testRun(), []*store.Action{csvAction}, runCtx)
	if results[0].Status != "success" {
		t.Fatalf("csv export: %s (%s)", results[0].Status, results[0].Error)
	}
}

func TestScript_Sandboxed(t *testing.T) {
	p := New(nil, nil)

	t.Run("computes against context", func(t *testing.T) {
		action := mkAction("js", store.ActionScript, map[string]any{
			"script": `({doubled: context.extractedData.title + context.extractedData.title})`,
		})
		results := p.Run(context.Background(), testRun(), []*store.Action{action}, testContext())
		if results[0].Status != "success" {
			t.Fatalf("status = %s (%s)", results[0].Status, results[0].Error)
		}
		if results[0].Output["doubled"] != "AA" {
			t.Errorf("output = %v", results[0].Output)
		}
	})

	t.Run("time limit interrupts", func(t *testing.T) {
		action := mkAction("js", store.ActionScript, map[string]any{
			"script":  `while(true){}`,
			"sandbox": true,
			"timeout": float64(50),
		})
		start := time.Now()
		results := p.Run(context.Background(), testRun(), []*store.Action{action}, testContext())
		if results[0].Status != "failed" {
			t.Fatal("runaway script not interrupted")
		}
		if time.Since(start) > 5*time.Second {
			t.Error("interrupt took too long")
		}
	})
}

func TestConditionalAction(t *testing.T) {
	p := New(nil, nil)
	var branch string
	p.Register(store.ActionNotify, func(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
		branch, _ = cfg["label"].(string)
		return map[string]any{}, nil
	})

	action := mkAction("cond", store.ActionConditional, map[string]any{
		"condition": map[string]any{
			"variable": "extractedData.title",
			"operator": "==",
			"value":    "A",
		},
		"if_true":  map[string]any{"kind": "notify", "config": map[string]any{"label": "yes"}},
		"if_false": map[string]any{"kind": "notify", "config": map[string]any{"label": "no"}},
	})

	results := p.Run(context.Background(), testRun(), []*store.Action{action}, testContext())
	if results[0].Status != "success" {
		t.Fatalf("status = %s (%s)", results[0].Status, results[0].Error)
	}
	if branch != "yes" {
		t.Errorf("branch = %q, want yes", branch)
	}
}

func TestLoopAction(t *testing.T) {
	p := New(nil, nil)
	var seen []any
	p.Register(store.ActionNotify, func(ctx context.Context, action *store.Action, cfg map[string]any, runCtx map[string]any) (map[string]any, error) {
		seen = append(seen, runCtx["loopItem"])
		return map[string]any{"item": runCtx["loopItem"]}, nil
	})

	action := mkAction("loop", store.ActionLoop, map[string]any{
		"items":  []any{"x", "y"},
		"action": map[string]any{"kind": "notify", "config": map[string]any{}},
	})

	results := p.Run(context.Background(), testRun(), []*store.Action{action}, testContext())
	if results[0].Status != "success" {
		t.Fatalf("status = %s (%s)", results[0].Status, results[0].Error)
	}
	if results[0].Output["iterations"] != 2 {
		t.Errorf("iterations = %v", results[0].Output["iterations"])
	}
	if len(seen) != 2 || seen[0] != "x" || seen[1] != "y" {
		t.Errorf("seen = %v", seen)
	}
}

func TestIntegrationAction_Callback(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	bus.Subscribe(events.IntegrationExecute, func(ctx context.Context, e events.Event) {
		callback, _ := e.Data["callback"].(func(map[string]any))
		callback(map[string]any{"handled": true})
	})

	p := New(bus, nil)
	action := mkAction("intg", store.ActionIntegration, map[string]any{"name": "crm-sync"})

	results := p.Run(context.Background(), testRun(), []*store.Action{action}, testContext())
	if results[0].Status != "success" {
		t.Fatalf("status = %s (%s)", results[0].Status, results[0].Error)
	}
	if results[0].Output["handled"] != true {
		t.Errorf("output = %v", results[0].Output)
	}
}
