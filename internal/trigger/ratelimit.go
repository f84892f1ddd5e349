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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default per-workflow rate limit: 100 trigger attempts per 60-second
// window.
const (
	DefaultRateLimit  = 100
	DefaultRateWindow = 60 * time.Second
)

// RateLimiter owns per-workflow token buckets. Buckets advance on read
// with monotonic wall-clock; attempts that cannot obtain a token are
// dropped, not queued.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*workflowBucket
}

type workflowBucket struct {
	limiter *rate.Limiter
	limit   int
	window  time.Duration
}

// NewRateLimiter creates an empty rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*workflowBucket)}
}

// Configure sets the bucket size for a workflow. Zero values select the
// defaults. Reconfiguring resets the bucket.
func (r *RateLimiter) Configure(workflowID string, limit int, window time.Duration) {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[workflowID] = &workflowBucket{
		limiter: rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit),
		limit:   limit,
		window:  window,
	}
}

// Allow consumes one token for the workflow, creating a default bucket on
// first use. Returns false when the bucket is exhausted.
func (r *RateLimiter) Allow(workflowID string) bool {
	r.mu.Lock()
	bucket, ok := r.buckets[workflowID]
	if !ok {
		bucket = &workflowBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(DefaultRateLimit)/DefaultRateWindow.Seconds()), DefaultRateLimit),
			limit:   DefaultRateLimit,
			window:  DefaultRateWindow,
		}
		r.buckets[workflowID] = bucket
	}
	r.mu.Unlock()

	return bucket.limiter.Allow()
}

// Limits returns the configured capacity and window for a workflow.
func (r *RateLimiter) Limits(workflowID string) (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bucket, ok := r.buckets[workflowID]; ok {
		return bucket.limit, bucket.window
	}
	return DefaultRateLimit, DefaultRateWindow
}

// Remove drops a workflow's bucket.
func (r *RateLimiter) Remove(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, workflowID)
}
