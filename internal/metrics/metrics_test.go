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

package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vigil-sh/vigil/internal/events"
)

func TestCollector_CountsEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	c := NewCollector()
	c.Attach(bus)
	defer c.Detach()

	ctx := context.Background()
	bus.Publish(ctx, events.RunStarted, nil)
	bus.Publish(ctx, events.RunCompleted, map[string]any{"duration_ms": int64(1500)})
	bus.Publish(ctx, events.RunFailed, map[string]any{"status": "timeout"})
	bus.Publish(ctx, events.RateLimitExceeded, nil)
	bus.Publish(ctx, events.ChangeDetected, map[string]any{"severity": "high"})

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"vigil_runs_started_total 1",
		`vigil_runs_completed_total{status="success"} 1`,
		`vigil_runs_completed_total{status="timeout"} 1`,
		"vigil_rate_limit_drops_total 1",
		`vigil_changes_detected_total{severity="high"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
