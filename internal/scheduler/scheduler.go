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

// Package scheduler turns schedule specifications into precisely-timed
// ready-queue insertions and drives bounded-concurrency dispatch.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-sh/vigil/internal/store"
)

// DefaultMaxConcurrent is the dispatch worker pool size when the config
// does not set one.
const DefaultMaxConcurrent = 10

// defaultTick is the cadence of the rrule/cron evaluation loop.
const defaultTick = time.Minute

// Dispatcher executes one run request. It blocks until the run is
// terminal; the scheduler will not dispatch the same workflow again while
// it is in flight.
type Dispatcher func(ctx context.Context, item QueueItem)

// job is the in-memory projection of a workflow's schedule.
type job struct {
	workflowID string
	kind       store.ScheduleKind
	spec       spec
	enabled    bool
	nextRun    time.Time
	lastRun    *time.Time

	// cancel stops the interval/once timer goroutine, when one exists.
	cancel context.CancelFunc
}

// Config contains scheduler configuration.
type Config struct {
	// MaxConcurrent bounds concurrently dispatched runs. Default 10.
	MaxConcurrent int

	// Tick overrides the rrule/cron evaluation cadence. Default 1 minute.
	Tick time.Duration

	// Logger is the structured logger. Default slog.Default().
	Logger *slog.Logger
}

// Scheduler owns the schedule index, the ready queue and the dispatch
// loop. The queue and in-flight set are protected by a single mutex;
// no I/O happens while it is held.
type Scheduler struct {
	dispatch      Dispatcher
	maxConcurrent int
	tick          time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*job
	queue    readyQueue
	pending  map[string]bool
	inflight map[string]bool
	// blocked holds the coalesced item for a workflow whose run is in
	// flight; it re-enters the queue when the run finishes.
	blocked map[string]*QueueItem
	seq     int64

	signal  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler.
func New(cfg Config, dispatch Dispatcher) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		dispatch:      dispatch,
		maxConcurrent: cfg.MaxConcurrent,
		tick:          cfg.Tick,
		logger:        logger.With(slog.String("component", "scheduler")),
		jobs:          make(map[string]*job),
		pending:       make(map[string]bool),
		inflight:      make(map[string]bool),
		blocked:       make(map[string]*QueueItem),
		signal:        make(chan struct{}, 1),
		baseCtx:       ctx,
		cancel:        cancel,
	}
}

// Schedule installs (or replaces) a workflow's schedule. A workflow with
// schedule kind none is unscheduled.
func (s *Scheduler) Schedule(w *store.Workflow) error {
	parsed, err := parseSpec(w.ScheduleKind, w.ScheduleSpec, w.Timezone)
	if err != nil {
		return err
	}

	s.Unschedule(w.ID)
	if parsed == nil {
		return nil
	}

	j := &job{
		workflowID: w.ID,
		kind:       w.ScheduleKind,
		spec:       parsed,
		enabled:    true,
		nextRun:    parsed.next(time.Now()),
	}

	s.mu.Lock()
	s.jobs[w.ID] = j
	s.mu.Unlock()

	switch w.ScheduleKind {
	case store.ScheduleInterval:
		s.startIntervalTimer(j, parsed.(*intervalSpec).period)
	case store.ScheduleOnce:
		s.startOnceTimer(j)
	}
	return nil
}

// Unschedule removes a workflow's schedule. Idempotent.
func (s *Scheduler) Unschedule(workflowID string) {
	s.mu.Lock()
	j, ok := s.jobs[workflowID]
	if ok {
		delete(s.jobs, workflowID)
	}
	delete(s.blocked, workflowID)
	delete(s.pending, workflowID)
	s.mu.Unlock()

	if ok && j.cancel != nil {
		j.cancel()
	}
}

// NextRun returns the next computed firing for a scheduled workflow.
func (s *Scheduler) NextRun(workflowID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[workflowID]
	if !ok {
		return time.Time{}, false
	}
	return j.nextRun, true
}

// Enqueue inserts a ready run request. Items for a workflow that already
// has one pending are coalesced, keeping at most one queued item per
// workflow.
func (s *Scheduler) Enqueue(item QueueItem) {
	if item.Priority <= 0 {
		item.Priority = PriorityScheduled
	}
	item.EnqueuedAt = time.Now()

	s.mu.Lock()
	if s.pending[item.WorkflowID] {
		s.mu.Unlock()
		return
	}
	s.pending[item.WorkflowID] = true

	if s.inflight[item.WorkflowID] {
		// Coalesce behind the in-flight run; re-queued on completion.
		copied := item
		s.blocked[item.WorkflowID] = &copied
		s.mu.Unlock()
		return
	}

	s.seq++
	item.seq = s.seq
	heap.Push(&s.queue, &item)
	s.mu.Unlock()

	s.wake()
}

// QueueDepth returns the number of queued items, excluding blocked ones.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Start launches the tick and dispatch loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.tickLoop()
	go s.dispatchLoop()
}

// Stop halts the loops and cancels interval/once timers. It cancels the
// context that dispatched runs receive and blocks until the dispatch loop
// and every run it dispatched have returned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	s.cancel()
	for _, j := range jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
	<-s.doneCh
}

func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// startIntervalTimer runs a periodic timer for an interval schedule.
func (s *Scheduler) startIntervalTimer(j *job, period time.Duration) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	j.cancel = cancel

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.fire(j, now, PriorityScheduled)
			}
		}
	}()
}

// startOnceTimer runs a one-shot timer that self-unschedules after
// firing.
func (s *Scheduler) startOnceTimer(j *job) {
	delay := time.Until(j.nextRun)
	if j.nextRun.IsZero() {
		// The instant already passed; nothing to arm.
		s.Unschedule(j.workflowID)
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	j.cancel = cancel

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case now := <-timer.C:
			s.fire(j, now, PriorityManual)
			s.Unschedule(j.workflowID)
		}
	}()
}

// tickLoop evaluates rrule and cron jobs. An rrule fires when its next
// computed instant is within one tick of now; a cron fires when the
// expression matches the current minute.
func (s *Scheduler) tickLoop() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.evaluateTick(now)
		}
	}
}

func (s *Scheduler) evaluateTick(now time.Time) {
	s.mu.Lock()
	due := make([]*job, 0)
	for _, j := range s.jobs {
		if !j.enabled {
			continue
		}
		switch j.kind {
		case store.ScheduleRRule:
			if !j.nextRun.IsZero() && j.nextRun.Sub(now) <= s.tick {
				due = append(due, j)
			}
		case store.ScheduleCron:
			if j.spec.(*cronSpec).due(now) {
				due = append(due, j)
			}
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(j, now, PriorityScheduled)
	}
}

// fire records the firing on the job and enqueues a run request.
func (s *Scheduler) fire(j *job, now time.Time, priority int) {
	s.mu.Lock()
	if _, stillScheduled := s.jobs[j.workflowID]; !stillScheduled {
		s.mu.Unlock()
		return
	}
	scheduled := j.nextRun
	if scheduled.IsZero() {
		scheduled = now
	}
	t := now
	j.lastRun = &t
	j.nextRun = j.spec.next(now)
	s.mu.Unlock()

	s.Enqueue(QueueItem{
		WorkflowID:    j.workflowID,
		ScheduleID:    j.workflowID,
		Priority:      priority,
		ScheduledTime: scheduled,
	})
}

// dispatchLoop drains the queue in priority order, launching up to
// maxConcurrent concurrent run requests with at most one per workflow.
func (s *Scheduler) dispatchLoop() {
	defer close(s.doneCh)

	slots := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup

	for {
		select {
		case <-s.stopCh:
			wg.Wait()
			return
		case <-s.signal:
		}

		for {
			item := s.popReady()
			if item == nil {
				break
			}

			slots <- struct{}{}
			wg.Add(1)
			go func(item *QueueItem) {
				defer wg.Done()
				defer func() { <-slots }()
				s.dispatch(s.baseCtx, *item)
				s.runFinished(item.WorkflowID)
			}(item)
		}
	}
}

// popReady pops the highest-priority item whose workflow is not in
// flight, marking it in flight. Items for busy workflows move to the
// blocked set.
func (s *Scheduler) popReady() *QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*QueueItem)
		if s.inflight[item.WorkflowID] {
			s.blocked[item.WorkflowID] = item
			continue
		}
		delete(s.pending, item.WorkflowID)
		s.inflight[item.WorkflowID] = true
		return item
	}
	return nil
}

// runFinished clears the in-flight mark and re-queues any coalesced item.
func (s *Scheduler) runFinished(workflowID string) {
	s.mu.Lock()
	delete(s.inflight, workflowID)
	if item, ok := s.blocked[workflowID]; ok {
		delete(s.blocked, workflowID)
		s.seq++
		item.seq = s.seq
		heap.Push(&s.queue, item)
	}
	s.mu.Unlock()

	s.wake()
}

// Validate checks a schedule without installing it.
func Validate(kind store.ScheduleKind, raw, timezone string) error {
	_, err := parseSpec(kind, raw, timezone)
	return err
}
