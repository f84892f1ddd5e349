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
	"sort"
	"time"

	"github.com/vigil-sh/vigil/pkg/errors"
)

// Conflict window and severity boundaries.
const (
	conflictWindow = 5 * time.Minute
	severeWindow   = time.Minute
	mediumWindow   = 3 * time.Minute
)

// maxOccurrences bounds the firings enumerated per workflow in a
// conflict scan.
const maxOccurrences = 100

// Conflict is a pair of firings within five minutes of each other.
type Conflict struct {
	WorkflowID      string        `json:"workflow_id"`
	OtherWorkflowID string        `json:"other_workflow_id"`
	FireTime        time.Time     `json:"fire_time"`
	OtherFireTime   time.Time     `json:"other_fire_time"`
	Gap             time.Duration `json:"gap"`
	Severity        string        `json:"severity"`
}

// DetectConflicts enumerates the next firings of the given workflow
// within the range, then of every other scheduled workflow, and reports
// pairs whose fire times are within five minutes of each other.
func (s *Scheduler) DetectConflicts(workflowID string, from, until time.Time) ([]Conflict, error) {
	s.mu.Lock()
	target, ok := s.jobs[workflowID]
	others := make([]*job, 0, len(s.jobs))
	for id, j := range s.jobs {
		if id != workflowID {
			others = append(others, j)
		}
	}
	s.mu.Unlock()

	if !ok {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: workflowID}
	}

	targetFirings := occurrences(target.spec, from, until)

	var conflicts []Conflict
	for _, other := range others {
		for _, otherFire := range occurrences(other.spec, from, until) {
			for _, fire := range targetFirings {
				gap := fire.Sub(otherFire)
				if gap < 0 {
					gap = -gap
				}
				if gap >= conflictWindow {
					continue
				}
				conflicts = append(conflicts, Conflict{
					WorkflowID:      workflowID,
					OtherWorkflowID: other.workflowID,
					FireTime:        fire,
					OtherFireTime:   otherFire,
					Gap:             gap,
					Severity:        conflictSeverity(gap),
				})
			}
		}
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].FireTime.Before(conflicts[j].FireTime)
	})
	return conflicts, nil
}

// occurrences enumerates a spec's firings in [from, until], bounded by
// maxOccurrences.
func occurrences(sp spec, from, until time.Time) []time.Time {
	var result []time.Time
	cursor := from
	for len(result) < maxOccurrences {
		next := sp.next(cursor)
		if next.IsZero() || next.After(until) {
			break
		}
		result = append(result, next)
		cursor = next
	}
	return result
}

func conflictSeverity(gap time.Duration) string {
	switch {
	case gap < severeWindow:
		return "high"
	case gap < mediumWindow:
		return "medium"
	default:
		return "low"
	}
}
