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

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

func TestParseSpec_Validation(t *testing.T) {
	tests := []struct {
		name    string
		kind    store.ScheduleKind
		spec    string
		wantErr bool
	}{
		{"valid rrule", store.ScheduleRRule, "FREQ=DAILY;BYHOUR=7;BYMINUTE=0", false},
		{"invalid rrule", store.ScheduleRRule, "FREQ=SOMETIMES", true},
		{"valid cron", store.ScheduleCron, "0 7 * * *", false},
		{"cron macro rejected", store.ScheduleCron, "@daily", true},
		{"cron six fields rejected", store.ScheduleCron, "0 0 7 * * *", true},
		{"cron garbage rejected", store.ScheduleCron, "99 99 * * *", true},
		{"valid interval", store.ScheduleInterval, "60000", false},
		{"zero interval rejected", store.ScheduleInterval, "0", true},
		{"negative interval rejected", store.ScheduleInterval, "-5", true},
		{"valid once", store.ScheduleOnce, "2030-01-01T00:00:00Z", false},
		{"invalid once", store.ScheduleOnce, "tomorrow", true},
		{"none", store.ScheduleNone, "", false},
		{"unknown kind", store.ScheduleKind("weekly"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.kind, tt.spec, "UTC")
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%s, %q) err = %v, wantErr %v", tt.kind, tt.spec, err, tt.wantErr)
			}
			if tt.wantErr {
				var valErr *errors.ValidationError
				if !errors.As(err, &valErr) {
					t.Errorf("err = %T, want ValidationError", err)
				}
			}
		})
	}
}

func TestParseSpec_InvalidTimezone(t *testing.T) {
	if err := Validate(store.ScheduleCron, "0 7 * * *", "Mars/Olympus"); err == nil {
		t.Error("invalid timezone accepted")
	}
}

func TestCronSpec_NextAndDue(t *testing.T) {
	sp, err := parseCronSpec("30 7 * * *", time.UTC)
	if err != nil {
		t.Fatalf("parseCronSpec: %v", err)
	}
	cron := sp.(*cronSpec)

	ref := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	next := cron.next(ref)
	want := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if !cron.due(want) {
		t.Error("expression not due at its own firing time")
	}
	if cron.due(ref) {
		t.Error("expression due at 07:00")
	}
}

func TestIntervalDispatch(t *testing.T) {
	var runs atomic.Int64
	s := New(Config{MaxConcurrent: 4, Tick: 50 * time.Millisecond}, func(ctx context.Context, item QueueItem) {
		runs.Add(1)
	})
	s.Start()
	defer s.Stop()

	w := &store.Workflow{
		ID:           "wf-interval",
		ScheduleKind: store.ScheduleInterval,
		ScheduleSpec: "100",
	}
	if err := s.Schedule(w); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	time.Sleep(time.Second)
	s.Unschedule(w.ID)

	got := runs.Load()
	if got < 5 {
		t.Errorf("runs = %d, want >= 5 after 1s at 100ms interval", got)
	}
}

func TestSingleFlightCoalescing(t *testing.T) {
	var mu sync.Mutex
	var concurrent, maxConcurrent, total int

	release := make(chan struct{})
	s := New(Config{MaxConcurrent: 10}, func(ctx context.Context, item QueueItem) {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		total++
		mu.Unlock()

		<-release

		mu.Lock()
		concurrent--
		mu.Unlock()
	})
	s.Start()
	defer s.Stop()

	// Enqueue the same workflow 100 times within a second at the same
	// priority.
	for i := 0; i < 100; i++ {
		s.Enqueue(QueueItem{WorkflowID: "wf-1", Priority: PriorityScheduled})
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxConcurrent, 1, "at most one run per workflow in flight")
	assert.LessOrEqual(t, total, 100, "total runs bounded by enqueues")
	// 100 enqueues coalesce to at most two dispatches: the first run plus
	// one coalesced follower.
	assert.LessOrEqual(t, total, 2, "enqueues for a busy workflow must coalesce")
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string

	started := make(chan struct{}, 16)
	s := New(Config{MaxConcurrent: 1}, func(ctx context.Context, item QueueItem) {
		mu.Lock()
		order = append(order, item.WorkflowID)
		mu.Unlock()
		started <- struct{}{}
	})

	// Fill the queue before the dispatch loop starts so priority decides.
	s.Enqueue(QueueItem{WorkflowID: "low", Priority: PriorityChain})
	s.Enqueue(QueueItem{WorkflowID: "mid", Priority: PriorityScheduled})
	s.Enqueue(QueueItem{WorkflowID: "high", Priority: PriorityManual})
	s.Enqueue(QueueItem{WorkflowID: "mid2", Priority: PriorityScheduled})

	s.Start()
	defer s.Stop()

	for i := 0; i < 4; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatches")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "mid", "mid2", "low"}, order,
		"dispatch order must follow priority, FIFO within a priority")
}

func TestConcurrencyBound(t *testing.T) {
	var mu sync.Mutex
	var concurrent, peak int

	release := make(chan struct{})
	s := New(Config{MaxConcurrent: 3}, func(ctx context.Context, item QueueItem) {
		mu.Lock()
		concurrent++
		if concurrent > peak {
			peak = concurrent
		}
		mu.Unlock()

		<-release

		mu.Lock()
		concurrent--
		mu.Unlock()
	})
	s.Start()
	defer s.Stop()

	for i := 0; i < 10; i++ {
		s.Enqueue(QueueItem{WorkflowID: string(rune('a' + i)), Priority: PriorityScheduled})
	}

	time.Sleep(200 * time.Millisecond)
	close(release)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 3, "dispatch concurrency must respect MaxConcurrent")
}

func TestOnceSelfUnschedules(t *testing.T) {
	var runs atomic.Int64
	s := New(Config{}, func(ctx context.Context, item QueueItem) {
		runs.Add(1)
	})
	s.Start()
	defer s.Stop()

	w := &store.Workflow{
		ID:           "wf-once",
		ScheduleKind: store.ScheduleOnce,
		ScheduleSpec: time.Now().Add(100 * time.Millisecond).UTC().Format(time.RFC3339Nano),
	}
	if err := s.Schedule(w); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
	if _, ok := s.NextRun(w.ID); ok {
		t.Error("once schedule still installed after firing")
	}
}

func TestDetectConflicts(t *testing.T) {
	s := New(Config{}, func(ctx context.Context, item QueueItem) {})

	base := time.Now().Add(time.Hour).Truncate(time.Hour)
	mkOnce := func(id string, at time.Time) {
		w := &store.Workflow{
			ID:           id,
			ScheduleKind: store.ScheduleOnce,
			ScheduleSpec: at.UTC().Format(time.RFC3339),
		}
		if err := s.Schedule(w); err != nil {
			t.Fatalf("Schedule %s: %v", id, err)
		}
	}

	mkOnce("target", base)
	mkOnce("near", base.Add(30*time.Second))     // high severity
	mkOnce("close", base.Add(2*time.Minute))     // medium
	mkOnce("adjacent", base.Add(4*time.Minute))  // low
	mkOnce("distant", base.Add(30*time.Minute))  // no conflict

	conflicts, err := s.DetectConflicts("target", time.Now(), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	if len(conflicts) != 3 {
		t.Fatalf("conflicts = %d, want 3: %+v", len(conflicts), conflicts)
	}

	severities := map[string]string{}
	for _, c := range conflicts {
		severities[c.OtherWorkflowID] = c.Severity
	}
	if severities["near"] != "high" || severities["close"] != "medium" || severities["adjacent"] != "low" {
		t.Errorf("severities = %v", severities)
	}
}

func TestDetectConflicts_UnknownWorkflow(t *testing.T) {
	s := New(Config{}, func(ctx context.Context, item QueueItem) {})

	_, err := s.DetectConflicts("ghost", time.Now(), time.Now().Add(time.Hour))
	var notFound *errors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestUnscheduleIdempotent(t *testing.T) {
	s := New(Config{}, func(ctx context.Context, item QueueItem) {})

	s.Unschedule("never-scheduled")
	s.Unschedule("never-scheduled")
}
