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

package browser

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/vigil-sh/vigil/pkg/errors"
)

// StubBrowser is an in-memory Browser for tests and for deployments where
// the real driver is not attached. Pages are registered per URL; selector
// lookups consult the page's Selectors map first, then match a bare tag
// name against the HTML. #id, .class and compound selectors resolve only
// through the Selectors map.
type StubBrowser struct {
	mu     sync.Mutex
	pages  map[string]*StubPage
	closed bool

	// OpenErr, when set, fails every OpenTab call. Used to exercise
	// external-failure paths.
	OpenErr error
}

// StubPage is the canned content served for a URL.
type StubPage struct {
	HTML       string
	Status     int
	Screenshot []byte

	// Selectors maps selector strings to text content, consulted before
	// the HTML is scanned.
	Selectors map[string]string
}

// NewStub creates an empty stub browser.
func NewStub() *StubBrowser {
	return &StubBrowser{pages: make(map[string]*StubPage)}
}

// SetPage registers (or replaces) the page served for a URL.
func (b *StubBrowser) SetPage(url string, page StubPage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if page.Status == 0 {
		page.Status = 200
	}
	b.pages[url] = &page
}

// OpenTab opens a new stub tab.
func (b *StubBrowser) OpenTab(ctx context.Context) (Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &errors.ExternalError{Provider: "browser", Message: "browser closed"}
	}
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	return &stubTab{browser: b}, nil
}

// Close shuts the stub down.
func (b *StubBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type stubTab struct {
	browser *StubBrowser
	mu      sync.Mutex
	page    *StubPage
	url     string
	closed  bool

	// fills records Fill calls keyed by selector, for assertions.
	fills map[string]string
}

func (t *stubTab) current() (*StubPage, error) {
	if t.closed {
		return nil, &errors.ExternalError{Provider: "browser", Message: "tab closed"}
	}
	if t.page == nil {
		return nil, &errors.ExternalError{Provider: "browser", Message: "no page loaded"}
	}
	return t.page, nil
}

func (t *stubTab) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.browser.mu.Lock()
	page, ok := t.browser.pages[url]
	t.browser.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &errors.ExternalError{Provider: "browser", Message: "tab closed"}
	}
	if !ok {
		return &errors.ExternalError{Provider: "browser", Message: fmt.Sprintf("no page registered for %s", url)}
	}
	t.page = page
	t.url = url
	return nil
}

func (t *stubTab) WaitIdle(ctx context.Context) error {
	return ctx.Err()
}

func (t *stubTab) WaitSelector(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	page, err := t.current()
	if err != nil {
		return err
	}
	if _, ok := lookupSelector(page, selector); !ok {
		return &errors.ExternalError{Provider: "browser", Message: fmt.Sprintf("selector %q not found", selector)}
	}
	return nil
}

func (t *stubTab) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	page, err := t.current()
	if err != nil {
		return "", err
	}
	return page.HTML, nil
}

func (t *stubTab) StatusCode(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	page, err := t.current()
	if err != nil {
		return 0, err
	}
	return page.Status, nil
}

func (t *stubTab) Evaluate(ctx context.Context, script string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.current(); err != nil {
		return nil, err
	}
	// The stub does not run scripts; it echoes them for assertions.
	return map[string]any{"script": script}, nil
}

func (t *stubTab) Text(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	page, err := t.current()
	if err != nil {
		return "", err
	}
	text, ok := lookupSelector(page, selector)
	if !ok {
		return "", &errors.ExternalError{Provider: "browser", Message: fmt.Sprintf("selector %q not found", selector)}
	}
	return text, nil
}

func (t *stubTab) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	page, err := t.current()
	if err != nil {
		return err
	}
	if _, ok := lookupSelector(page, selector); !ok {
		return &errors.ExternalError{Provider: "browser", Message: fmt.Sprintf("selector %q not found", selector)}
	}
	return nil
}

func (t *stubTab) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.current(); err != nil {
		return err
	}
	if t.fills == nil {
		t.fills = make(map[string]string)
	}
	t.fills[selector] = value
	return nil
}

func (t *stubTab) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	page, err := t.current()
	if err != nil {
		return nil, err
	}
	if page.Screenshot != nil {
		return page.Screenshot, nil
	}
	return []byte(page.HTML), nil
}

func (t *stubTab) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// lookupSelector resolves a selector against a stub page: the Selectors
// map first, then a tag scan of the HTML.
func lookupSelector(page *StubPage, selector string) (string, bool) {
	if text, ok := page.Selectors[selector]; ok {
		return text, true
	}

	tag := selector
	if strings.HasPrefix(selector, "#") || strings.HasPrefix(selector, ".") || strings.ContainsAny(selector, " >[") {
		return "", false
	}
	re := regexp.MustCompile(`(?is)<` + regexp.QuoteMeta(tag) + `[^>]*>(.*?)</` + regexp.QuoteMeta(tag) + `>`)
	match := re.FindStringSubmatch(page.HTML)
	if match == nil {
		return "", false
	}
	return strings.TrimSpace(stripTags(match[1])), true
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

func stripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}
