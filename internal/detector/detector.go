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

// Package detector captures content snapshots per (workflow, URL) and
// computes structural, textual, visual and hash diffs against the stored
// baseline.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-sh/vigil/internal/browser"
	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// DefaultThreshold is the similarity threshold below which a change is
// reported when the workflow config does not set one.
const DefaultThreshold = 95.0

// defaultCompareAttributes is the attribute allowlist compared in DOM
// mode when the config does not set one.
var defaultCompareAttributes = []string{"id", "class", "href", "src"}

// Result is the outcome of one detect call.
type Result struct {
	HasChanged  bool
	Kind        store.ChangeKind
	Severity    store.ChangeSeverity
	Similarity  float64
	ChangeScore float64
	Previous    string
	Current     string
	Diff        map[string]any
	Screenshot  []byte
	Metadata    store.PageMetadata
}

// Detector captures and compares page snapshots. Safe for concurrent
// detect calls; snapshot updates per (workflow, URL) are serialized so the
// first-change-wins policy is preserved.
type Detector struct {
	store   store.SnapshotStore
	changes store.ChangeStore
	browser browser.Browser
	bus     *events.Bus
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// loop state
	loopMu   sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	interval time.Duration
	source   WorkflowSource
}

// WorkflowSource lists the workflows eligible for the periodic detection
// loop.
type WorkflowSource func(ctx context.Context) ([]*store.Workflow, error)

// New creates a detector.
func New(snapshots store.SnapshotStore, changes store.ChangeStore, b browser.Browser, bus *events.Bus, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		store:    snapshots,
		changes:  changes,
		browser:  b,
		bus:      bus,
		logger:   logger.With(slog.String("component", "detector")),
		locks:    make(map[string]*sync.Mutex),
		interval: time.Minute,
	}
}

// keyLock returns the mutex serializing captures for one (workflow, URL).
func (d *Detector) keyLock(workflowID, url string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := workflowID + "\x00" + url
	lock, ok := d.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[key] = lock
	}
	return lock
}

// Detect captures the page and compares it to the stored snapshot. The
// first call for a (workflow, URL) pair establishes the baseline and
// returns HasChanged=false with similarity 100. The baseline is replaced
// only when a change is detected, so consecutive unchanged calls keep the
// original reference.
func (d *Detector) Detect(ctx context.Context, workflowID string, cfg store.ChangeDetectionConfig) (*Result, error) {
	if cfg.URL == "" {
		return nil, &errors.ValidationError{Field: "url", Message: "change detection requires a URL"}
	}
	method := cfg.Method
	if method == "" {
		method = "text"
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	lock := d.keyLock(workflowID, cfg.URL)
	lock.Lock()
	defer lock.Unlock()

	capture, err := d.capture(ctx, cfg, method)
	if err != nil {
		return nil, errors.Wrap(err, "capturing page")
	}

	previous, err := d.store.GetSnapshot(ctx, workflowID, cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "loading snapshot")
	}

	snapshot := &store.ContentSnapshot{
		WorkflowID: workflowID,
		URL:        cfg.URL,
		Method:     method,
		Content:    capture.content,
		Hash:       capture.hash,
		Metadata:   capture.metadata,
		CapturedAt: time.Now().UTC(),
	}

	if previous == nil {
		if err := d.store.PutSnapshot(ctx, snapshot); err != nil {
			return nil, errors.Wrap(err, "storing baseline snapshot")
		}
		return &Result{
			HasChanged: false,
			Kind:       changeKind(method),
			Severity:   store.SeverityLow,
			Similarity: 100,
			Metadata:   capture.metadata,
		}, nil
	}

	similarity, diff, err := compare(method, previous.Content, capture.content, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "comparing snapshots")
	}

	result := &Result{
		Kind:        changeKind(method),
		Similarity:  similarity,
		ChangeScore: 100 - similarity,
		Previous:    string(previous.Content),
		Current:     string(capture.content),
		Diff:        diff,
		Screenshot:  capture.screenshot,
		Metadata:    capture.metadata,
	}
	result.HasChanged = similarity < threshold
	result.Severity = severityFor(result.ChangeScore)

	if result.HasChanged {
		// First-change-wins: the baseline advances only on a detected
		// change, never on unchanged captures.
		if err := d.store.PutSnapshot(ctx, snapshot); err != nil {
			return nil, errors.Wrap(err, "replacing snapshot")
		}
	}

	return result, nil
}

// Record persists a detected change and publishes change:detected.
func (d *Detector) Record(ctx context.Context, workflowID, runID string, cfg store.ChangeDetectionConfig, result *Result) (*store.Change, error) {
	if !result.HasChanged {
		return nil, nil
	}

	change := &store.Change{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		RunID:         runID,
		URL:           cfg.URL,
		Kind:          result.Kind,
		Severity:      result.Severity,
		Similarity:    result.Similarity,
		ChangeScore:   result.ChangeScore,
		PreviousValue: result.Previous,
		CurrentValue:  result.Current,
		Diff:          result.Diff,
		Screenshot:    result.Screenshot,
		DetectedAt:    time.Now().UTC(),
	}
	if err := d.changes.CreateChange(ctx, change); err != nil {
		return nil, errors.Wrap(err, "storing change")
	}

	if d.bus != nil {
		d.bus.Publish(ctx, events.ChangeDetected, map[string]any{
			"change_id":    change.ID,
			"workflow_id":  workflowID,
			"url":          cfg.URL,
			"kind":         string(change.Kind),
			"severity":     string(change.Severity),
			"similarity":   change.Similarity,
			"change_score": change.ChangeScore,
			"diff":         change.Diff,
		})
	}

	d.logger.Info("change detected",
		slog.String("workflow_id", workflowID),
		slog.String("url", cfg.URL),
		slog.String("severity", string(change.Severity)),
		slog.Float64("similarity", change.Similarity))

	return change, nil
}

// Start launches the periodic detection loop over the given workflow
// source.
func (d *Detector) Start(ctx context.Context, source WorkflowSource, interval time.Duration) {
	d.loopMu.Lock()
	if d.running {
		d.loopMu.Unlock()
		return
	}
	d.running = true
	d.source = source
	if interval > 0 {
		d.interval = interval
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.loopMu.Unlock()

	go d.run(ctx)
}

// Stop stops the periodic loop.
func (d *Detector) Stop() {
	d.loopMu.Lock()
	if !d.running {
		d.loopMu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.loopMu.Unlock()

	<-d.doneCh
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep runs one detection pass over all monitored workflows.
func (d *Detector) sweep(ctx context.Context) {
	workflows, err := d.source(ctx)
	if err != nil {
		d.logger.Error("failed to list workflows for detection sweep", slog.Any("error", err))
		return
	}

	for _, w := range workflows {
		if !w.ChangeDetectionEnabled || w.ChangeDetection == nil || w.Status != store.WorkflowActive {
			continue
		}
		result, err := d.Detect(ctx, w.ID, *w.ChangeDetection)
		if err != nil {
			d.logger.Warn("detection failed",
				slog.String("workflow_id", w.ID),
				slog.Any("error", err))
			continue
		}
		if _, err := d.Record(ctx, w.ID, "", *w.ChangeDetection, result); err != nil {
			d.logger.Error("failed to record change",
				slog.String("workflow_id", w.ID),
				slog.Any("error", err))
		}
	}
}

// severityFor buckets a change score.
func severityFor(score float64) store.ChangeSeverity {
	switch {
	case score < 10:
		return store.SeverityLow
	case score < 30:
		return store.SeverityMedium
	case score < 60:
		return store.SeverityHigh
	default:
		return store.SeverityCritical
	}
}

// changeKind maps a capture method to the change classification.
func changeKind(method string) store.ChangeKind {
	switch method {
	case "dom":
		return store.ChangeStructure
	case "visual":
		return store.ChangeVisual
	default:
		return store.ChangeContent
	}
}

// ValidateMethod rejects unknown capture methods.
func ValidateMethod(method string) error {
	switch method {
	case "", "dom", "text", "visual", "hash":
		return nil
	}
	return &errors.ValidationError{
		Field:      "method",
		Message:    fmt.Sprintf("unknown capture method: %s", method),
		Suggestion: "use one of: dom, text, visual, hash",
	}
}
