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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vigil-sh/vigil/internal/browser"
	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/manager"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/internal/store/sqlite"
	"github.com/vigil-sh/vigil/internal/trigger"
)

type fixture struct {
	server  *httptest.Server
	m       *manager.Manager
	backend *sqlite.Backend
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	backend, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "vigil.db")})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	stub := browser.NewStub()
	m := manager.New(manager.Config{DetectionInterval: time.Hour}, backend, bus, stub)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("manager.Start: %v", err)
	}
	t.Cleanup(m.Stop)

	srv := New(m, nil, nil)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: ts, m: m, backend: backend, bus: bus}
}

func (f *fixture) registerWebhook(t *testing.T, secret string) string {
	t.Helper()
	ctx := context.Background()

	w := &store.Workflow{Name: "hooked", Status: store.WorkflowActive}
	created, err := f.m.CreateWorkflow(ctx, w, []*store.Trigger{{
		Kind:    store.TriggerWebhook,
		Config:  store.TriggerConfig{Secret: secret},
		Enabled: true,
	}}, nil)
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	triggers, err := f.backend.ListTriggers(ctx, created.ID)
	if err != nil || len(triggers) != 1 {
		t.Fatalf("ListTriggers: %v (%d)", err, len(triggers))
	}
	return triggers[0].Config.Token
}

func TestWebhookEndpoint_Statuses(t *testing.T) {
	f := newFixture(t)
	token := f.registerWebhook(t, "s3cr3t")
	body := []byte(`{"x":1}`)

	post := func(token, signature string) int {
		req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/workflows/webhook/"+token, bytes.NewReader(body))
		if signature != "" {
			req.Header.Set("x-webhook-signature", signature)
		}
		resp, err := f.server.Client().Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if status := post(token, trigger.Sign(body, "s3cr3t")); status != http.StatusAccepted {
		t.Errorf("valid signature status = %d, want 202", status)
	}
	if status := post(token, "sha256=bad"); status != http.StatusUnauthorized {
		t.Errorf("bad signature status = %d, want 401", status)
	}
	if status := post("unknown-token", ""); status != http.StatusBadRequest {
		t.Errorf("unknown token status = %d, want 400", status)
	}
}

func TestWebhookEndpoint_RateLimit(t *testing.T) {
	f := newFixture(t)
	token := f.registerWebhook(t, "")
	body := []byte(`{}`)

	var accepted, limited int
	for i := 0; i < 120; i++ {
		resp, err := f.server.Client().Post(
			f.server.URL+"/workflows/webhook/"+token, "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusAccepted:
			accepted++
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
	}

	if accepted != 100 || limited != 20 {
		t.Errorf("accepted=%d limited=%d, want 100/20", accepted, limited)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := f.server.Client().Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStats_NotFound(t *testing.T) {
	f := newFixture(t)

	resp, err := f.server.Client().Get(f.server.URL + "/v1/workflows/ghost/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebSocket_ConnectPingAndEvents(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	readMessage := func() map[string]any {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		return msg
	}

	if msg := readMessage(); msg["type"] != "connected" {
		t.Errorf("first message = %v, want connected", msg)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := readMessage(); msg["type"] != "pong" {
		t.Errorf("reply = %v, want pong", msg)
	}

	// Bus events are forwarded with the {type, data, timestamp} shape.
	f.bus.Publish(context.Background(), events.RunStarted, map[string]any{"run_id": "r1"})
	msg := readMessage()
	if msg["type"] != string(events.RunStarted) {
		t.Errorf("type = %v", msg["type"])
	}
	if msg["timestamp"] == nil {
		t.Error("timestamp missing")
	}
	data, _ := msg["data"].(map[string]any)
	if data["run_id"] != "r1" {
		t.Errorf("data = %v", data)
	}
}

func TestAckChangeEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := &store.Workflow{ID: "wf-c", Name: "w", Status: store.WorkflowDraft}
	if err := f.backend.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	c := &store.Change{
		ID: "ch-1", WorkflowID: w.ID, URL: "u", Kind: store.ChangeContent,
		Severity: store.SeverityLow, DetectedAt: time.Now(),
	}
	if err := f.backend.CreateChange(ctx, c); err != nil {
		t.Fatalf("CreateChange: %v", err)
	}

	resp, err := f.server.Client().Post(f.server.URL+"/v1/changes/ch-1/ack", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	got, _ := f.backend.GetChange(ctx, "ch-1")
	if !got.Acknowledged {
		t.Error("change not acknowledged")
	}
}

func TestExecuteEndpoint_NoPlaybook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := &store.Workflow{Name: "simple", Status: store.WorkflowActive}
	created, err := f.m.CreateWorkflow(ctx, w, nil, nil)
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	resp, err := f.server.Client().Post(
		f.server.URL+"/v1/workflows/"+created.ID+"/execute", "application/json",
		strings.NewReader(`{"triggered_by":"tester"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var decoded struct {
		Run store.Run `json:"run"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Run.Status != store.RunSuccess {
		t.Errorf("run status = %s", decoded.Run.Status)
	}
}
