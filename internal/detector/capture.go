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

package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// domNode is one element of the captured DOM tree, keyed by its
// structural path (e.g. body/div[0]/h1[0]).
type domNode struct {
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Text       string            `json:"text,omitempty"`
	Path       string            `json:"path"`
	Children   []*domNode        `json:"children,omitempty"`
}

type captureResult struct {
	content    []byte
	hash       string
	metadata   store.PageMetadata
	screenshot []byte
}

// Volatile substrings erased from hash-mode content before hashing:
// ISO-8601 timestamps and unix-epoch integers.
var (
	isoTimestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`)
	epochPattern        = regexp.MustCompile(`\b1\d{9,12}\b`)
)

// capture opens a tab, waits for network idle, and produces content
// shaped by the configured method.
func (d *Detector) capture(ctx context.Context, cfg store.ChangeDetectionConfig, method string) (*captureResult, error) {
	tab, err := d.browser.OpenTab(ctx)
	if err != nil {
		return nil, &errors.ExternalError{Provider: "browser", Message: "failed to open tab", Err: err}
	}
	defer tab.Close()

	if err := tab.Navigate(ctx, cfg.URL); err != nil {
		return nil, &errors.ExternalError{Provider: "browser", Message: "navigation failed", Err: err}
	}
	if err := tab.WaitIdle(ctx); err != nil {
		return nil, &errors.ExternalError{Provider: "browser", Message: "wait for network idle failed", Err: err}
	}

	rawHTML, err := tab.Content(ctx)
	if err != nil {
		return nil, &errors.ExternalError{Provider: "browser", Message: "failed to read content", Err: err}
	}

	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, errors.Wrap(err, "parsing HTML")
	}

	result := &captureResult{metadata: extractMetadata(doc)}

	switch method {
	case "dom":
		tree := buildDOMTree(findBody(doc), "body", cfg.IgnoreSelectors)
		content, err := json.Marshal(tree)
		if err != nil {
			return nil, errors.Wrap(err, "encoding DOM tree")
		}
		result.content = content

	case "text":
		text := visibleText(findBody(doc), cfg.IgnoreSelectors)
		for _, pattern := range cfg.IgnorePatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, &errors.ValidationError{
					Field:   "ignore_patterns",
					Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
				}
			}
			text = re.ReplaceAllString(text, "")
		}
		result.content = []byte(normalizeWhitespace(text))

	case "visual":
		shot, err := tab.Screenshot(ctx)
		if err != nil {
			return nil, &errors.ExternalError{Provider: "browser", Message: "screenshot failed", Err: err}
		}
		result.content = shot
		result.screenshot = shot

	case "hash":
		canonical := isoTimestampPattern.ReplaceAllString(rawHTML, "")
		canonical = epochPattern.ReplaceAllString(canonical, "")
		for _, pattern := range cfg.VolatilePatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, &errors.ValidationError{
					Field:   "volatile_patterns",
					Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
				}
			}
			canonical = re.ReplaceAllString(canonical, "")
		}
		sum := sha256.Sum256([]byte(canonical))
		result.content = []byte(hex.EncodeToString(sum[:]))

	default:
		return nil, &errors.ValidationError{
			Field:      "method",
			Message:    fmt.Sprintf("unknown capture method: %s", method),
			Suggestion: "use one of: dom, text, visual, hash",
		}
	}

	sum := sha256.Sum256(result.content)
	result.hash = hex.EncodeToString(sum[:])
	return result, nil
}

// findBody locates the body element, falling back to the document root.
func findBody(doc *html.Node) *html.Node {
	var body *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if body != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "body" {
			body = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if body == nil {
		return doc
	}
	return body
}

// buildDOMTree recursively walks an element into the captured tree.
// Elements matching any ignore selector are skipped entirely; text is
// recorded only for leaves.
func buildDOMTree(n *html.Node, path string, ignore []string) *domNode {
	if n == nil {
		return nil
	}

	node := &domNode{Tag: nodeTag(n), Path: path}
	if attrs := elementAttributes(n); len(attrs) > 0 {
		node.Attributes = attrs
	}

	childCounts := make(map[string]int)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if matchesAnySelector(c, ignore) {
			continue
		}
		tag := c.Data
		childPath := fmt.Sprintf("%s/%s[%d]", path, tag, childCounts[tag])
		childCounts[tag]++
		node.Children = append(node.Children, buildDOMTree(c, childPath, ignore))
	}

	if len(node.Children) == 0 {
		node.Text = normalizeWhitespace(textContent(n))
	}
	return node
}

func nodeTag(n *html.Node) string {
	if n.Type == html.ElementNode {
		return n.Data
	}
	return "body"
}

func elementAttributes(n *html.Node) map[string]string {
	if n.Type != html.ElementNode || len(n.Attr) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}
	return attrs
}

// matchesAnySelector supports the selector subset the detector honors in
// ignore lists: tag, #id and .class.
func matchesAnySelector(n *html.Node, selectors []string) bool {
	for _, sel := range selectors {
		if matchesSelector(n, sel) {
			return true
		}
	}
	return false
}

func matchesSelector(n *html.Node, selector string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch {
	case strings.HasPrefix(selector, "#"):
		return attrValue(n, "id") == selector[1:]
	case strings.HasPrefix(selector, "."):
		for _, class := range strings.Fields(attrValue(n, "class")) {
			if class == selector[1:] {
				return true
			}
		}
		return false
	default:
		return n.Data == selector
	}
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// visibleText walks the body collecting text nodes, skipping script and
// style subtrees and ignored selectors.
func visibleText(n *html.Node, ignore []string) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "script" || n.Data == "style" || n.Data == "noscript" {
				return
			}
			if matchesAnySelector(n, ignore) {
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

var whitespacePattern = regexp.MustCompile(`\s+`)

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// maxMetadataImages caps the image sources recorded per capture.
const maxMetadataImages = 10

// extractMetadata pulls the page title, meta description/keywords and the
// first non-data image sources.
func extractMetadata(doc *html.Node) store.PageMetadata {
	var meta store.PageMetadata
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if meta.Title == "" {
					meta.Title = normalizeWhitespace(textContent(n))
				}
			case "meta":
				name := strings.ToLower(attrValue(n, "name"))
				content := attrValue(n, "content")
				switch name {
				case "description":
					meta.Description = content
				case "keywords":
					for _, kw := range strings.Split(content, ",") {
						if kw = strings.TrimSpace(kw); kw != "" {
							meta.Keywords = append(meta.Keywords, kw)
						}
					}
				}
			case "img":
				src := attrValue(n, "src")
				if src != "" && !strings.HasPrefix(src, "data:") && len(meta.Images) < maxMetadataImages {
					meta.Images = append(meta.Images, src)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return meta
}
