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

// Package store defines the persisted entities and the typed repository
// interface the rest of the engine depends on.
package store

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow.
type WorkflowStatus string

// Workflow statuses.
const (
	WorkflowActive WorkflowStatus = "active"
	WorkflowPaused WorkflowStatus = "paused"
	WorkflowError  WorkflowStatus = "error"
	WorkflowDraft  WorkflowStatus = "draft"
)

// ScheduleKind identifies how a workflow is scheduled.
type ScheduleKind string

// Schedule kinds.
const (
	ScheduleRRule    ScheduleKind = "rrule"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
	ScheduleNone     ScheduleKind = "none"
)

// ExecutionConfig bounds a single run of a workflow.
type ExecutionConfig struct {
	// Timeout is the run's wall-clock deadline. Zero means the engine
	// default (5 minutes).
	Timeout time.Duration `json:"timeout,omitempty"`

	// RetryAttempts is the default per-step retry budget.
	RetryAttempts int `json:"retry_attempts,omitempty"`

	// RetryDelay is the base backoff delay between step attempts.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
}

// WorkflowMetrics are rollup counters maintained by the engine.
// All counters are monotone non-decreasing except on explicit reset.
type WorkflowMetrics struct {
	TotalRuns       int64         `json:"total_runs"`
	SuccessfulRuns  int64         `json:"successful_runs"`
	FailedRuns      int64         `json:"failed_runs"`
	AverageDuration time.Duration `json:"average_duration"`
	ChangesDetected int64         `json:"changes_detected"`
	LastDuration    time.Duration `json:"last_duration"`
}

// ChangeDetectionConfig controls the change detector for a workflow.
type ChangeDetectionConfig struct {
	// URL is the monitored page.
	URL string `json:"url"`

	// Method is the capture method: dom, text, visual or hash.
	Method string `json:"method"`

	// Threshold is the similarity threshold below which a change is
	// reported. Default 95.
	Threshold float64 `json:"threshold,omitempty"`

	// IgnoreSelectors lists CSS selectors excluded from capture.
	IgnoreSelectors []string `json:"ignore_selectors,omitempty"`

	// IgnorePatterns lists regular expressions elided from text capture.
	IgnorePatterns []string `json:"ignore_patterns,omitempty"`

	// CompareAttributes restricts DOM attribute comparison to this
	// allowlist. Default: id, class, href, src.
	CompareAttributes []string `json:"compare_attributes,omitempty"`

	// VolatilePatterns lists additional regular expressions erased before
	// hashing in hash mode.
	VolatilePatterns []string `json:"volatile_patterns,omitempty"`
}

// Workflow is the watched unit: a named, persistent definition of a
// browser-driven task together with its schedule, triggers,
// change-detection config, and post-run actions.
type Workflow struct {
	ID                     string                 `json:"id"`
	Name                   string                 `json:"name"`
	Status                 WorkflowStatus         `json:"status"`
	ScheduleKind           ScheduleKind           `json:"schedule_kind"`
	ScheduleSpec           string                 `json:"schedule_spec,omitempty"`
	Timezone               string                 `json:"timezone,omitempty"`
	ChangeDetectionEnabled bool                   `json:"change_detection_enabled"`
	ChangeDetection        *ChangeDetectionConfig `json:"change_detection,omitempty"`
	PlaybookID             string                 `json:"playbook_id,omitempty"`
	Execution              ExecutionConfig        `json:"execution"`
	Metrics                WorkflowMetrics        `json:"metrics"`
	RateLimit              int                    `json:"rate_limit,omitempty"`
	RateWindow             time.Duration          `json:"rate_window,omitempty"`
	LastRun                *time.Time             `json:"last_run,omitempty"`
	NextRun                *time.Time             `json:"next_run,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`
}

// TriggerKind identifies what arms a trigger.
type TriggerKind string

// Trigger kinds.
const (
	TriggerWebhook TriggerKind = "webhook"
	TriggerAPIPoll TriggerKind = "api_poll"
	TriggerEvent   TriggerKind = "event"
	TriggerContent TriggerKind = "content"
	TriggerElement TriggerKind = "element"
	TriggerStatus  TriggerKind = "status"
	TriggerChain   TriggerKind = "chain"
)

// TriggerConfig carries the kind-specific trigger configuration.
// Only the fields for the trigger's kind are populated.
type TriggerConfig struct {
	// webhook
	Token  string `json:"token,omitempty"`
	Secret string `json:"secret,omitempty"`

	// api_poll
	Endpoint     string            `json:"endpoint,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Interval     time.Duration     `json:"interval,omitempty"`
	CompareField string            `json:"compare_field,omitempty"`
	LastResponse string            `json:"last_response,omitempty"`

	// event
	EventName string `json:"event_name,omitempty"`
	Source    string `json:"source,omitempty"`

	// content / element / status
	Selector   string  `json:"selector,omitempty"`
	Pattern    string  `json:"pattern,omitempty"`
	Threshold  float64 `json:"threshold,omitempty"`
	StatusCode string  `json:"status_code,omitempty"`

	// chain
	SourceWorkflow string `json:"source_workflow,omitempty"`
}

// Trigger is an arming condition referencing exactly one workflow.
type Trigger struct {
	ID            string        `json:"id"`
	WorkflowID    string        `json:"workflow_id"`
	Kind          TriggerKind   `json:"kind"`
	Config        TriggerConfig `json:"config"`
	Enabled       bool          `json:"enabled"`
	TriggerCount  int64         `json:"trigger_count"`
	LastTriggered *time.Time    `json:"last_triggered,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ActionKind identifies a post-run action.
type ActionKind string

// Action kinds.
const (
	ActionRunPlaybook ActionKind = "run_playbook"
	ActionNotify      ActionKind = "notify"
	ActionCreatePR    ActionKind = "create_pr"
	ActionWebhook     ActionKind = "webhook"
	ActionExport      ActionKind = "export"
	ActionScript      ActionKind = "script"
	ActionIntegration ActionKind = "integration"
	ActionConditional ActionKind = "conditional"
	ActionLoop        ActionKind = "loop"
	ActionDelay       ActionKind = "delay"
)

// Action is an ordered step of the post-run pipeline. The set of actions
// for a workflow is an ordered sequence by Order with ties broken by
// insertion order.
type Action struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Kind           ActionKind      `json:"kind"`
	Order          int             `json:"order"`
	Enabled        bool            `json:"enabled"`
	RetryOnFailure bool            `json:"retry_on_failure"`
	RetryAttempts  int             `json:"retry_attempts"`
	RetryDelay     time.Duration   `json:"retry_delay"`
	ContinueOnErr  bool            `json:"continue_on_error"`
	Config         json.RawMessage `json:"config"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RunStatus is the lifecycle status of a run. Terminal states are
// immutable.
type RunStatus string

// Run statuses.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// Terminal reports whether s is a terminal run status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// StepResult records the outcome of one step of a run.
type StepResult struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	RetryCount   int            `json:"retry_count"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// ActionResult records the outcome of one pipeline action.
type ActionResult struct {
	ActionID    string         `json:"action_id"`
	Kind        ActionKind     `json:"kind"`
	Status      string         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Run is one execution of a workflow.
type Run struct {
	ID              string                `json:"id"`
	WorkflowID      string                `json:"workflow_id"`
	RunNumber       int64                 `json:"run_number"`
	Status          RunStatus             `json:"status"`
	TriggerKind     string                `json:"trigger_kind"`
	TriggeredBy     string                `json:"triggered_by,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	Duration        time.Duration         `json:"duration"`
	ExtractedData   map[string]any        `json:"extracted_data,omitempty"`
	StepResults     map[string]StepResult `json:"step_results,omitempty"`
	ActionsExecuted []ActionResult        `json:"actions_executed,omitempty"`
	Error           string                `json:"error,omitempty"`
}

// ChangeKind classifies a detected change.
type ChangeKind string

// Change kinds.
const (
	ChangeContent   ChangeKind = "content"
	ChangeStructure ChangeKind = "structure"
	ChangeVisual    ChangeKind = "visual"
	ChangeStatus    ChangeKind = "status"
)

// ChangeSeverity buckets a change by its score.
type ChangeSeverity string

// Change severities.
const (
	SeverityLow      ChangeSeverity = "low"
	SeverityMedium   ChangeSeverity = "medium"
	SeverityHigh     ChangeSeverity = "high"
	SeverityCritical ChangeSeverity = "critical"
)

// Change is a detected difference for a monitored URL. Created immutable
// except for the Acknowledged and Notified flags.
type Change struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	RunID         string         `json:"run_id,omitempty"`
	URL           string         `json:"url"`
	Kind          ChangeKind     `json:"kind"`
	Severity      ChangeSeverity `json:"severity"`
	Similarity    float64        `json:"similarity"`
	ChangeScore   float64        `json:"change_score"`
	PreviousValue string         `json:"previous_value,omitempty"`
	CurrentValue  string         `json:"current_value,omitempty"`
	Diff          map[string]any `json:"diff,omitempty"`
	Screenshot    []byte         `json:"screenshot,omitempty"`
	DetectedAt    time.Time      `json:"detected_at"`
	Acknowledged  bool           `json:"acknowledged"`
	Notified      bool           `json:"notified"`
}

// PageMetadata is extracted alongside every snapshot capture.
type PageMetadata struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Images      []string `json:"images,omitempty"`
}

// ContentSnapshot is the detector's memoized reference state per
// (workflow, URL). Replaced atomically on each successful capture; never
// partially updated.
type ContentSnapshot struct {
	WorkflowID string       `json:"workflow_id"`
	URL        string       `json:"url"`
	Method     string       `json:"method"`
	Content    []byte       `json:"content"`
	Hash       string       `json:"hash"`
	Metadata   PageMetadata `json:"metadata"`
	CapturedAt time.Time    `json:"captured_at"`
}

// Playbook is a stored step-graph definition.
type Playbook struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Steps     json.RawMessage `json:"steps"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
