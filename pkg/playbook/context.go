package playbook

import (
	"net/http"
	"sync"
	"time"

	"github.com/vigil-sh/vigil/internal/browser"
)

// Default execution bounds.
const (
	DefaultRunTimeout     = 5 * time.Minute
	DefaultRetryAttempts  = 0
	DefaultRetryDelay     = time.Second
	DefaultMaxConcurrency = 3
)

// ExecutionContext carries the mutable state of one run: the variable
// map, the run's browser tab, retry defaults and the HTTP client used by
// api steps. Variable access is synchronized; the tab is owned by the
// run exclusively.
type ExecutionContext struct {
	RunID      string
	WorkflowID string

	// Browser vends the run's tab on first navigate.
	Browser browser.Browser

	// HTTPClient is used by api steps. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// RetryAttempts and RetryDelay are the per-step defaults from the
	// workflow's execution config.
	RetryAttempts int
	RetryDelay    time.Duration

	mu        sync.Mutex
	tab       browser.Tab
	variables map[string]any
	extracted map[string]any
}

// NewExecutionContext creates a context with empty state.
func NewExecutionContext(runID, workflowID string, b browser.Browser) *ExecutionContext {
	return &ExecutionContext{
		RunID:      runID,
		WorkflowID: workflowID,
		Browser:    b,
		RetryDelay: DefaultRetryDelay,
		variables:  make(map[string]any),
		extracted:  make(map[string]any),
	}
}

// SetVariable writes to the variable map.
func (ec *ExecutionContext) SetVariable(name string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.variables[name] = value
}

// Variable reads from the variable map.
func (ec *ExecutionContext) Variable(name string) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.variables[name]
	return v, ok
}

// DeleteVariable removes a variable.
func (ec *ExecutionContext) DeleteVariable(name string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.variables, name)
}

// MergeExtracted records values produced by extract steps.
func (ec *ExecutionContext) MergeExtracted(values map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for k, v := range values {
		ec.extracted[k] = v
	}
}

// Extracted returns a copy of the extracted-data payload.
func (ec *ExecutionContext) Extracted() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]any, len(ec.extracted))
	for k, v := range ec.extracted {
		out[k] = v
	}
	return out
}

// Snapshot renders the context for expression evaluation and templating:
// variables at the top level plus under "variables", extracted data under
// "extractedData".
func (ec *ExecutionContext) Snapshot() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	snap := make(map[string]any, len(ec.variables)+2)
	vars := make(map[string]any, len(ec.variables))
	for k, v := range ec.variables {
		snap[k] = v
		vars[k] = v
	}
	snap["variables"] = vars

	extracted := make(map[string]any, len(ec.extracted))
	for k, v := range ec.extracted {
		extracted[k] = v
	}
	snap["extractedData"] = extracted
	return snap
}

// Tab returns the run's tab, opening it on first use.
func (ec *ExecutionContext) Tab(open func() (browser.Tab, error)) (browser.Tab, error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.tab != nil {
		return ec.tab, nil
	}
	tab, err := open()
	if err != nil {
		return nil, err
	}
	ec.tab = tab
	return tab, nil
}

// CurrentTab returns the tab without opening one.
func (ec *ExecutionContext) CurrentTab() browser.Tab {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.tab
}

// CloseTab closes the run's tab if one was opened. Safe to call on every
// exit path.
func (ec *ExecutionContext) CloseTab() {
	ec.mu.Lock()
	tab := ec.tab
	ec.tab = nil
	ec.mu.Unlock()
	if tab != nil {
		tab.Close()
	}
}

func (ec *ExecutionContext) client() *http.Client {
	if ec.HTTPClient != nil {
		return ec.HTTPClient
	}
	return http.DefaultClient
}
