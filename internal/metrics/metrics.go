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

// Package metrics exposes the engine's Prometheus collectors. The
// collectors feed off the event bus so no component depends on the
// metrics layer directly.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil-sh/vigil/internal/events"
)

// Collector subscribes to the event bus and maintains the engine counters
// and the run-duration histogram.
type Collector struct {
	registry *prometheus.Registry

	runsStarted     prometheus.Counter
	runsCompleted   *prometheus.CounterVec
	runDuration     prometheus.Histogram
	stepRetries     prometheus.Counter
	changesDetected *prometheus.CounterVec
	rateLimitDrops  prometheus.Counter
	actionFailures  prometheus.Counter

	unsubs []func()
}

// NewCollector creates the collectors and registers them on a private
// registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_runs_started_total",
			Help: "Workflow runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_runs_completed_total",
			Help: "Workflow runs completed, by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vigil_run_duration_seconds",
			Help:    "Duration of completed runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		stepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_step_retries_total",
			Help: "Step retry attempts.",
		}),
		changesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_changes_detected_total",
			Help: "Detected page changes, by severity.",
		}, []string{"severity"}),
		rateLimitDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_rate_limit_drops_total",
			Help: "Trigger attempts dropped by per-workflow rate limits.",
		}),
		actionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_action_failures_total",
			Help: "Pipeline actions that exhausted their retries.",
		}),
	}

	c.registry.MustRegister(
		c.runsStarted, c.runsCompleted, c.runDuration, c.stepRetries,
		c.changesDetected, c.rateLimitDrops, c.actionFailures,
	)
	return c
}

// Attach subscribes the collectors to the bus.
func (c *Collector) Attach(bus *events.Bus) {
	c.unsubs = append(c.unsubs,
		bus.Subscribe(events.RunStarted, func(ctx context.Context, e events.Event) {
			c.runsStarted.Inc()
		}),
		bus.Subscribe(events.RunCompleted, func(ctx context.Context, e events.Event) {
			c.runsCompleted.WithLabelValues("success").Inc()
			if ms, ok := e.Data["duration_ms"].(int64); ok {
				c.runDuration.Observe(float64(ms) / 1000)
			}
		}),
		bus.Subscribe(events.RunFailed, func(ctx context.Context, e events.Event) {
			status, _ := e.Data["status"].(string)
			if status == "" {
				status = "failed"
			}
			c.runsCompleted.WithLabelValues(status).Inc()
		}),
		bus.Subscribe(events.StepRetry, func(ctx context.Context, e events.Event) {
			c.stepRetries.Inc()
		}),
		bus.Subscribe(events.ChangeDetected, func(ctx context.Context, e events.Event) {
			severity, _ := e.Data["severity"].(string)
			c.changesDetected.WithLabelValues(severity).Inc()
		}),
		bus.Subscribe(events.RateLimitExceeded, func(ctx context.Context, e events.Event) {
			c.rateLimitDrops.Inc()
		}),
		bus.Subscribe(events.ActionFailed, func(ctx context.Context, e events.Event) {
			c.actionFailures.Inc()
		}),
	)
}

// Detach unsubscribes from the bus.
func (c *Collector) Detach() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// Handler returns the /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
