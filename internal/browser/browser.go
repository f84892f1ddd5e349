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

// Package browser defines the capability surface the engine consumes from
// the headless browser. The real driver lives outside the core; the engine
// only ever sees these interfaces. Each run owns its tab exclusively for
// the run's lifetime and must close it on every exit path.
package browser

import "context"

// Browser vends tabs.
type Browser interface {
	// OpenTab opens a new browser tab.
	OpenTab(ctx context.Context) (Tab, error)

	// Close shuts the browser down, closing any remaining tabs.
	Close() error
}

// Tab is a single browser tab.
type Tab interface {
	// Navigate loads the given URL and waits for the load event.
	Navigate(ctx context.Context, url string) error

	// WaitIdle blocks until the network is idle.
	WaitIdle(ctx context.Context) error

	// WaitSelector blocks until the selector matches a visible element.
	WaitSelector(ctx context.Context, selector string) error

	// Content returns the current page HTML.
	Content(ctx context.Context) (string, error)

	// StatusCode returns the HTTP status of the last navigation.
	StatusCode(ctx context.Context) (int, error)

	// Evaluate runs a script in the page and returns its result.
	Evaluate(ctx context.Context, script string) (any, error)

	// Text returns the textContent of the first element matching the
	// selector.
	Text(ctx context.Context, selector string) (string, error)

	// Click clicks the first element matching the selector.
	Click(ctx context.Context, selector string) error

	// Fill sets the value of the first element matching the selector and
	// fires a change event.
	Fill(ctx context.Context, selector, value string) error

	// Screenshot captures a full-page screenshot.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close releases the tab. Safe to call more than once.
	Close() error
}
