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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/vigil-sh/vigil/internal/events"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// Signature headers accepted on webhook ingress, checked in order.
var signatureHeaders = []string{"x-webhook-signature", "x-hub-signature"}

// HandleWebhook verifies and dispatches an inbound webhook request.
// Returns ValidationError for unknown tokens, SignatureError on HMAC
// mismatch, RateLimitError when the bucket is exhausted.
func (r *Router) HandleWebhook(ctx context.Context, token string, body []byte, headers map[string]string) error {
	r.mu.RLock()
	reg, ok := r.webhooks[token]
	r.mu.RUnlock()
	if !ok {
		return &errors.ValidationError{Field: "token", Message: "unknown webhook token"}
	}

	if reg.Secret != "" {
		if err := verifySignature(body, headers, reg.Secret); err != nil {
			return err
		}
	}

	if !r.limiter.Allow(reg.WorkflowID) {
		limit, window := r.limiter.Limits(reg.WorkflowID)
		r.bus.Publish(ctx, events.RateLimitExceeded, map[string]any{
			"workflow_id": reg.WorkflowID,
			"trigger_id":  reg.TriggerID,
			"kind":        string(store.TriggerWebhook),
			"limit":       limit,
			"window_ms":   window.Milliseconds(),
		})
		return &errors.RateLimitError{WorkflowID: reg.WorkflowID, Limit: limit, Window: window}
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = map[string]any{"raw": string(body)}
		}
	}

	r.mu.Lock()
	reg.Uses++
	r.mu.Unlock()

	r.recordFired(ctx, reg.TriggerID)
	r.fire(ctx, reg.WorkflowID, store.TriggerWebhook, token, payload)
	return nil
}

// verifySignature checks the sha256=<hex> HMAC of the raw body against
// the accepted signature headers using a constant-time compare.
func verifySignature(body []byte, headers map[string]string, secret string) error {
	var provided string
	for _, header := range signatureHeaders {
		if v := headerValue(headers, header); v != "" {
			provided = v
			break
		}
	}
	if provided == "" {
		return &errors.SignatureError{Reason: "no signature header found"}
	}

	parts := strings.SplitN(provided, "=", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return &errors.SignatureError{Reason: "expected sha256=<hex> signature"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		return &errors.SignatureError{Reason: "signature mismatch"}
	}
	return nil
}

// headerValue looks a header up case-insensitively.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Sign computes the sha256=<hex> signature for a body. Exposed for tests
// and for outbound webhook verification by receivers.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
