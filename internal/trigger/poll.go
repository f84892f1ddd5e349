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
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// pollResponseLimit caps how much of a poll response is read and stored.
const pollResponseLimit = 1 << 20

// minPollInterval guards against hot polling loops.
const minPollInterval = time.Second

// HTTPClient is the outbound client used by api_poll triggers. Overridable
// in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// SetHTTPClient replaces the poll HTTP client. Must be called before any
// poll trigger is registered.
func (r *Router) SetHTTPClient(client HTTPClient) {
	r.httpClient = client
}

func (r *Router) client() HTTPClient {
	if r.httpClient != nil {
		return r.httpClient
	}
	return http.DefaultClient
}

// registerPoll starts a periodic task that fetches the endpoint and fires
// the workflow when the compared value differs from the stored one.
func (r *Router) registerPoll(t *store.Trigger) error {
	if t.Config.Endpoint == "" {
		return &errors.ValidationError{Field: "endpoint", Message: "api_poll trigger requires an endpoint"}
	}
	interval := t.Config.Interval
	if interval < minPollInterval {
		interval = minPollInterval
	}

	pollCtx, cancel := context.WithCancel(r.baseCtx)

	r.mu.Lock()
	if existing, ok := r.polls[t.ID]; ok {
		existing()
	}
	r.polls[t.ID] = cancel
	r.mu.Unlock()

	go r.pollLoop(pollCtx, t, interval)
	return nil
}

func (r *Router) pollLoop(ctx context.Context, t *store.Trigger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx, t)
		}
	}
}

// pollOnce issues one request and compares the extracted value (or the
// whole body) to the last stored response.
func (r *Router) pollOnce(ctx context.Context, t *store.Trigger) {
	method := t.Config.Method
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, t.Config.Endpoint, nil)
	if err != nil {
		r.logger.Warn("poll request build failed", slog.String("trigger_id", t.ID), slog.Any("error", err))
		return
	}
	for k, v := range t.Config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		r.logger.Warn("poll request failed", slog.String("trigger_id", t.ID), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, pollResponseLimit))
	if err != nil {
		r.logger.Warn("poll body read failed", slog.String("trigger_id", t.ID), slog.Any("error", err))
		return
	}

	observed := string(body)
	if t.Config.CompareField != "" {
		extracted, err := extractField(body, t.Config.CompareField)
		if err != nil {
			r.logger.Warn("poll compare_field extraction failed",
				slog.String("trigger_id", t.ID),
				slog.String("field", t.Config.CompareField),
				slog.Any("error", err))
			return
		}
		observed = extracted
	}

	current, err := r.store.GetTrigger(ctx, t.ID)
	if err != nil {
		return
	}

	if current.Config.LastResponse == observed {
		return
	}

	previous := current.Config.LastResponse
	current.Config.LastResponse = observed
	if err := r.store.UpdateTrigger(ctx, current); err != nil {
		r.logger.Warn("failed to store poll response", slog.String("trigger_id", t.ID), slog.Any("error", err))
		return
	}

	// The very first observation establishes the baseline without firing.
	if previous == "" {
		return
	}

	r.dispatch(ctx, t.ID, t.WorkflowID, store.TriggerAPIPoll, t.Config.Endpoint, map[string]any{
		"endpoint": t.Config.Endpoint,
		"previous": previous,
		"current":  observed,
		"status":   resp.StatusCode,
	})
}

// extractField walks a dotted path in the JSON response using gojq and
// renders the result as a comparable string.
func extractField(body []byte, field string) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", errors.Wrap(err, "parsing poll response")
	}

	query, err := gojq.Parse("." + strings.TrimPrefix(field, "."))
	if err != nil {
		return "", &errors.ValidationError{Field: "compare_field", Message: err.Error()}
	}

	iter := query.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return "", nil
	}
	if err, isErr := v.(error); isErr {
		return "", errors.Wrap(err, "evaluating compare_field")
	}

	rendered, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "rendering compared value")
	}
	return string(rendered), nil
}
