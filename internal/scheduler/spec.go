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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/teambition/rrule-go"

	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// spec is a parsed schedule specification able to compute occurrences.
type spec interface {
	// next returns the first occurrence strictly after the given instant,
	// or the zero time when there is none.
	next(after time.Time) time.Time
}

// parseSpec validates and parses a workflow's schedule.
func parseSpec(kind store.ScheduleKind, raw, timezone string) (spec, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:      "timezone",
				Message:    fmt.Sprintf("invalid timezone %q", timezone),
				Suggestion: "use an IANA timezone name such as Europe/Oslo",
			}
		}
	}

	switch kind {
	case store.ScheduleRRule:
		return parseRRuleSpec(raw, loc)
	case store.ScheduleCron:
		return parseCronSpec(raw, loc)
	case store.ScheduleInterval:
		return parseIntervalSpec(raw)
	case store.ScheduleOnce:
		return parseOnceSpec(raw)
	case store.ScheduleNone, "":
		return nil, nil
	default:
		return nil, &errors.ValidationError{
			Field:      "schedule_kind",
			Message:    fmt.Sprintf("unknown schedule kind: %s", kind),
			Suggestion: "use one of: rrule, cron, interval, once, none",
		}
	}
}

// rruleSpec evaluates iCalendar RRULEs in the workflow's timezone.
type rruleSpec struct {
	rule *rrule.RRule
}

func parseRRuleSpec(raw string, loc *time.Location) (spec, error) {
	option, err := rrule.StrToROptionInLocation(raw, loc)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "schedule_spec",
			Message:    fmt.Sprintf("invalid RRULE: %v", err),
			Suggestion: "use standard iCalendar format, e.g. FREQ=DAILY;BYHOUR=7;BYMINUTE=0",
		}
	}
	if option.Dtstart.IsZero() {
		option.Dtstart = time.Now().In(loc).Truncate(time.Second)
	}
	rule, err := rrule.NewRRule(*option)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "schedule_spec",
			Message: fmt.Sprintf("invalid RRULE: %v", err),
		}
	}
	return &rruleSpec{rule: rule}, nil
}

func (s *rruleSpec) next(after time.Time) time.Time {
	return s.rule.After(after, false)
}

// cronSpec evaluates strict 5-field POSIX cron expressions. Predefined
// macros such as @daily are rejected.
type cronSpec struct {
	expr string
	loc  *time.Location
}

func parseCronSpec(raw string, loc *time.Location) (spec, error) {
	if strings.HasPrefix(strings.TrimSpace(raw), "@") {
		return nil, &errors.ValidationError{
			Field:      "schedule_spec",
			Message:    "cron macros are not supported",
			Suggestion: "use a 5-field expression (min hour dom mon dow)",
		}
	}
	if fields := strings.Fields(raw); len(fields) != 5 {
		return nil, &errors.ValidationError{
			Field:      "schedule_spec",
			Message:    fmt.Sprintf("cron expression must have 5 fields, got %d", len(strings.Fields(raw))),
			Suggestion: "format: min hour dom mon dow",
		}
	}
	if !gronx.New().IsValid(raw) {
		return nil, &errors.ValidationError{
			Field:   "schedule_spec",
			Message: fmt.Sprintf("invalid cron expression: %s", raw),
		}
	}
	return &cronSpec{expr: raw, loc: loc}, nil
}

func (s *cronSpec) next(after time.Time) time.Time {
	next, err := gronx.NextTickAfter(s.expr, after.In(s.loc), false)
	if err != nil {
		return time.Time{}
	}
	return next
}

// due reports whether the expression matches the given instant.
func (s *cronSpec) due(at time.Time) bool {
	due, err := gronx.New().IsDue(s.expr, at.In(s.loc))
	return err == nil && due
}

// intervalSpec fires at a fixed millisecond period.
type intervalSpec struct {
	period time.Duration
}

func parseIntervalSpec(raw string) (spec, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return nil, &errors.ValidationError{
			Field:      "schedule_spec",
			Message:    fmt.Sprintf("interval must be a positive integer of milliseconds, got %q", raw),
			Suggestion: "e.g. 60000 for one minute",
		}
	}
	return &intervalSpec{period: time.Duration(ms) * time.Millisecond}, nil
}

func (s *intervalSpec) next(after time.Time) time.Time {
	return after.Add(s.period)
}

// onceSpec fires a single time.
type onceSpec struct {
	at time.Time
}

func parseOnceSpec(raw string) (spec, error) {
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "schedule_spec",
			Message:    fmt.Sprintf("once schedule must be an ISO-8601 instant, got %q", raw),
			Suggestion: "e.g. 2026-03-01T07:00:00Z",
		}
	}
	return &onceSpec{at: at}, nil
}

func (s *onceSpec) next(after time.Time) time.Time {
	if s.at.After(after) {
		return s.at
	}
	return time.Time{}
}
