// Package playbook defines the step graph a workflow executes and the
// executor that runs it against a browser tab.
package playbook

import (
	"encoding/json"
	"fmt"

	"github.com/vigil-sh/vigil/pkg/errors"
)

// Step kinds understood by the default registry.
const (
	StepNavigate   = "navigate"
	StepWait       = "wait"
	StepClick      = "click"
	StepFill       = "fill"
	StepExtract    = "extract"
	StepCondition  = "condition"
	StepLoop       = "loop"
	StepScreenshot = "screenshot"
	StepAPI        = "api"
	StepStore      = "store"
)

// StepDefinition is one node of the playbook DAG.
type StepDefinition struct {
	// ID uniquely identifies the step within the playbook.
	ID string `json:"id"`

	// Name is the human-readable label. Defaults to the ID.
	Name string `json:"name,omitempty"`

	// Kind selects the handler.
	Kind string `json:"kind"`

	// Config carries kind-specific options.
	Config map[string]any `json:"config,omitempty"`

	// DependsOn lists sibling step IDs that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Steps are the child steps of a loop.
	Steps []StepDefinition `json:"steps,omitempty"`

	// RetryAttempts overrides the run's default per-step retry budget.
	RetryAttempts *int `json:"retry_attempts,omitempty"`

	// ContinueOnError keeps a loop iterating past a failed child.
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// Definition is a complete playbook.
type Definition struct {
	ID    string           `json:"id,omitempty"`
	Name  string           `json:"name,omitempty"`
	Steps []StepDefinition `json:"steps"`
}

// Parse decodes a playbook definition and validates its step graph.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{
			Field:   "playbook",
			Message: fmt.Sprintf("invalid playbook JSON: %v", err),
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks step IDs, dependency references and graph acyclicity.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "playbook has no steps"}
	}

	ids := make(map[string]*StepDefinition, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return &errors.ValidationError{Field: "steps", Message: "step is missing an id"}
		}
		if _, dup := ids[step.ID]; dup {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step id: %s", step.ID),
			}
		}
		ids[step.ID] = step
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := ids[dep]; !ok {
				return &errors.ValidationError{
					Field:   "depends_on",
					Message: fmt.Sprintf("step %s depends on unknown step %s", step.ID, dep),
				}
			}
		}
	}

	return d.checkAcyclic(ids)
}

// checkAcyclic rejects dependency cycles with a depth-first scan.
func (d *Definition) checkAcyclic(ids map[string]*StepDefinition) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(ids))

	var visit func(id string, trail []string) error
	visit = func(id string, trail []string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &errors.CyclicDependencyError{Steps: append(trail, id)}
		}
		state[id] = visiting
		for _, dep := range ids[id].DependsOn {
			if err := visit(dep, append(trail, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for id := range ids {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

// Step returns a step by id.
func (d *Definition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}
