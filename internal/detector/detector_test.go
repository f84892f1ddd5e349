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

package detector

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vigil-sh/vigil/internal/browser"
	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/internal/store/sqlite"
)

const testURL = "https://example.test"

func newTestDetector(t *testing.T) (*Detector, *browser.StubBrowser, *sqlite.Backend, string) {
	t.Helper()

	backend, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "vigil.db")})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	w := &store.Workflow{ID: "wf-1", Name: "watch", Status: store.WorkflowActive}
	if err := backend.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	stub := browser.NewStub()
	d := New(backend, backend, stub, nil, nil)
	return d, stub, backend, w.ID
}

func TestDetect_FirstCallEstablishesBaseline(t *testing.T) {
	d, stub, _, wfID := newTestDetector(t)
	stub.SetPage(testURL, browser.StubPage{HTML: "<html><body><h1>Hi</h1></body></html>"})

	cfg := store.ChangeDetectionConfig{URL: testURL, Method: "dom", Threshold: 99}
	result, err := d.Detect(context.Background(), wfID, cfg)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result.HasChanged {
		t.Error("first call should not report a change")
	}
	if result.Similarity != 100 {
		t.Errorf("similarity = %v, want 100", result.Similarity)
	}
}

func TestDetect_DOMChange(t *testing.T) {
	d, stub, _, wfID := newTestDetector(t)
	ctx := context.Background()
	cfg := store.ChangeDetectionConfig{URL: testURL, Method: "dom", Threshold: 99}

	stub.SetPage(testURL, browser.StubPage{HTML: "<html><body><h1>Hi</h1></body></html>"})
	if _, err := d.Detect(ctx, wfID, cfg); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	stub.SetPage(testURL, browser.StubPage{HTML: "<html><body><h1>Bye</h1></body></html>"})
	result, err := d.Detect(ctx, wfID, cfg)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !result.HasChanged {
		t.Fatal("change not detected")
	}
	if result.Kind != store.ChangeStructure {
		t.Errorf("kind = %s, want structure", result.Kind)
	}

	modified, _ := result.Diff["modified"].([]map[string]any)
	foundTextMod := false
	for _, m := range modified {
		if m["kind"] == "text" && strings.HasPrefix(m["path"].(string), "body/h1[0]") {
			foundTextMod = true
		}
	}
	if !foundTextMod {
		t.Errorf("diff missing text modification at body/h1[0]: %v", result.Diff)
	}

	// A third capture identical to the second compares against the
	// replaced baseline and reports no change.
	result, err = d.Detect(ctx, wfID, cfg)
	if err != nil {
		t.Fatalf("third Detect: %v", err)
	}
	if result.HasChanged {
		t.Error("identical capture after baseline replacement should not report a change")
	}
}

func TestDetect_UnchangedKeepsBaseline(t *testing.T) {
	d, stub, backend, wfID := newTestDetector(t)
	ctx := context.Background()
	cfg := store.ChangeDetectionConfig{URL: testURL, Method: "text", Threshold: 95}

	stub.SetPage(testURL, browser.StubPage{HTML: "<html><body>a long stretch of perfectly stable page content here</body></html>"})
	if _, err := d.Detect(ctx, wfID, cfg); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	baseline, err := backend.GetSnapshot(ctx, wfID, testURL)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}

	// A one-character edit keeps similarity above the threshold; the
	// baseline must not advance.
	stub.SetPage(testURL, browser.StubPage{HTML: "<html><body>a long stretch of perfectly stable page content herX</body></html>"})
	result, err := d.Detect(ctx, wfID, cfg)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result.HasChanged {
		t.Fatalf("similarity %v under threshold unexpectedly", result.Similarity)
	}

	after, err := backend.GetSnapshot(ctx, wfID, testURL)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if after.Hash != baseline.Hash {
		t.Error("baseline replaced on unchanged call")
	}
}

func TestDetect_TextSimilarityProperties(t *testing.T) {
	simAB, _ := compareText("hello world", "hello there")
	simBA, _ := compareText("hello there", "hello world")
	if simAB != simBA {
		t.Errorf("similarity not symmetric: %v vs %v", simAB, simBA)
	}

	simAA, _ := compareText("hello", "hello")
	if simAA != 100 {
		t.Errorf("sim(a,a) = %v, want 100", simAA)
	}
}

func TestDetect_HashIgnoresVolatileContent(t *testing.T) {
	d, stub, _, wfID := newTestDetector(t)
	ctx := context.Background()
	cfg := store.ChangeDetectionConfig{URL: testURL, Method: "hash", Threshold: 99}

	stub.SetPage(testURL, browser.StubPage{HTML: "<html><body>v1 at 2026-08-01T10:00:00Z epoch 1754000000</body></html>"})
	if _, err := d.Detect(ctx, wfID, cfg); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	// Only the volatile parts differ; the hash must match.
	stub.SetPage(testURL, browser.StubPage{HTML: "<html><body>v1 at 2026-08-02T11:30:00Z epoch 1754100000</body></html>"})
	result, err := d.Detect(ctx, wfID, cfg)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result.HasChanged {
		t.Error("volatile-only difference reported as change")
	}

	stub.SetPage(testURL, browser.StubPage{HTML: "<html><body>v2 at 2026-08-02T11:30:00Z epoch 1754100000</body></html>"})
	result, err = d.Detect(ctx, wfID, cfg)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !result.HasChanged {
		t.Error("real difference not detected in hash mode")
	}
	if result.Similarity != 0 {
		t.Errorf("hash similarity = %v, want 0", result.Similarity)
	}
}

func TestDetect_VisualExactEquality(t *testing.T) {
	d, stub, _, wfID := newTestDetector(t)
	ctx := context.Background()
	cfg := store.ChangeDetectionConfig{URL: testURL, Method: "visual", Threshold: 99}

	stub.SetPage(testURL, browser.StubPage{HTML: "x", Screenshot: []byte{1, 2, 3}})
	if _, err := d.Detect(ctx, wfID, cfg); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	result, err := d.Detect(ctx, wfID, cfg)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result.HasChanged || result.Similarity != 100 {
		t.Errorf("identical screenshot: changed=%v sim=%v", result.HasChanged, result.Similarity)
	}

	stub.SetPage(testURL, browser.StubPage{HTML: "x", Screenshot: []byte{9, 9, 9}})
	result, err = d.Detect(ctx, wfID, cfg)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !result.HasChanged || result.Similarity != 0 {
		t.Errorf("different screenshot: changed=%v sim=%v", result.HasChanged, result.Similarity)
	}
	if result.Kind != store.ChangeVisual {
		t.Errorf("kind = %s, want visual", result.Kind)
	}
}

func TestSeverityBuckets(t *testing.T) {
	tests := []struct {
		score float64
		want  store.ChangeSeverity
	}{
		{0, store.SeverityLow},
		{9.9, store.SeverityLow},
		{10, store.SeverityMedium},
		{29.9, store.SeverityMedium},
		{30, store.SeverityHigh},
		{59.9, store.SeverityHigh},
		{60, store.SeverityCritical},
		{100, store.SeverityCritical},
	}
	for _, tt := range tests {
		if got := severityFor(tt.score); got != tt.want {
			t.Errorf("severityFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestRecord_PublishesEvent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	var published []events.Event
	bus.Subscribe(events.ChangeDetected, func(ctx context.Context, e events.Event) {
		published = append(published, e)
	})

	d, stub, backend, wfID := newTestDetector(t)
	d.bus = bus
	ctx := context.Background()
	cfg := store.ChangeDetectionConfig{URL: testURL, Method: "text", Threshold: 99}

	stub.SetPage(testURL, browser.StubPage{HTML: "<html><body>original content</body></html>"})
	if _, err := d.Detect(ctx, wfID, cfg); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	stub.SetPage(testURL, browser.StubPage{HTML: "<html><body>entirely different body text</body></html>"})
	result, err := d.Detect(ctx, wfID, cfg)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	change, err := d.Record(ctx, wfID, "run-1", cfg, result)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if change == nil {
		t.Fatal("expected a recorded change")
	}
	if change.ChangeScore != 100-change.Similarity {
		t.Error("change_score invariant violated")
	}
	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
	if published[0].Data["workflow_id"] != wfID {
		t.Errorf("event data = %v", published[0].Data)
	}

	stored, err := backend.ListChanges(ctx, store.ChangeFilter{WorkflowID: wfID})
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("stored %d changes, want 1", len(stored))
	}
}

func TestDOMComparator_Reflexivity(t *testing.T) {
	page := []byte(`{"tag":"body","path":"body","children":[{"tag":"h1","path":"body/h1[0]","text":"Hi"}]}`)
	sim, _, err := compareDOM(page, page, store.ChangeDetectionConfig{})
	if err != nil {
		t.Fatalf("compareDOM: %v", err)
	}
	if sim != 100 {
		t.Errorf("compare(snap, snap) = %v, want 100", sim)
	}
}
