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

package trigger

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
)

// onChangeDetected evaluates the affected workflow's content, element and
// status triggers against a detector change event.
func (r *Router) onChangeDetected(ctx context.Context, e events.Event) {
	workflowID, _ := e.Data["workflow_id"].(string)
	if workflowID == "" {
		return
	}

	r.mu.RLock()
	conds := make([]*store.Trigger, len(r.conditionals[workflowID]))
	copy(conds, r.conditionals[workflowID])
	r.mu.RUnlock()

	for _, t := range conds {
		if !t.Enabled {
			continue
		}
		matched, err := evaluateConditional(t, e)
		if err != nil {
			r.logger.Warn("conditional trigger evaluation failed",
				slog.String("trigger_id", t.ID),
				slog.Any("error", err))
			continue
		}
		if matched {
			r.dispatch(ctx, t.ID, t.WorkflowID, t.Kind, "change:"+asString(e.Data["change_id"]), e.Data)
		}
	}
}

// evaluateConditional applies the kind-specific match rules:
//   - content: pattern match against changed text, or change_score above
//     the threshold
//   - element: configured selector present in the diff's added paths
//   - status: HTTP status equal to, or matching, the configured value
func evaluateConditional(t *store.Trigger, e events.Event) (bool, error) {
	switch t.Kind {
	case store.TriggerContent:
		if t.Config.Pattern != "" {
			re, err := regexp.Compile(t.Config.Pattern)
			if err != nil {
				return false, err
			}
			for _, text := range changedText(e) {
				if re.MatchString(text) {
					return true, nil
				}
			}
		}
		if t.Config.Threshold > 0 {
			return asFloat(e.Data["change_score"]) > t.Config.Threshold, nil
		}
		return false, nil

	case store.TriggerElement:
		if t.Config.Selector == "" {
			return false, nil
		}
		for _, path := range addedPaths(e) {
			if strings.Contains(path, t.Config.Selector) {
				return true, nil
			}
		}
		return false, nil

	case store.TriggerStatus:
		status := asString(e.Data["status"])
		if status == "" {
			return false, nil
		}
		if t.Config.StatusCode == status {
			return true, nil
		}
		re, err := regexp.Compile(t.Config.StatusCode)
		if err != nil {
			return false, err
		}
		return re.MatchString(status), nil
	}
	return false, nil
}

// changedText collects the added/removed text spans from a change event's
// diff payload.
func changedText(e events.Event) []string {
	diff, _ := e.Data["diff"].(map[string]any)
	var texts []string
	for _, key := range []string{"added", "removed"} {
		switch spans := diff[key].(type) {
		case []string:
			texts = append(texts, spans...)
		case []any:
			for _, s := range spans {
				texts = append(texts, asString(s))
			}
		}
	}
	return texts
}

func addedPaths(e events.Event) []string {
	diff, _ := e.Data["diff"].(map[string]any)
	switch paths := diff["added"].(type) {
	case []string:
		return paths
	case []any:
		out := make([]string, 0, len(paths))
		for _, p := range paths {
			out = append(out, asString(p))
		}
		return out
	}
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int:
		return strconv.Itoa(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	case int64:
		return float64(f)
	default:
		return 0
	}
}
