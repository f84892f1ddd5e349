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

// Package template resolves {{path.to.value}} placeholders against an
// execution context. Handlers never parse templates themselves; they call
// Resolve and friends.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-\[\]]+)\s*\}\}`)

// Resolve replaces every {{path.to.value}} placeholder in s by walking
// the dotted path in ctx. Unresolved placeholders are left literal.
func Resolve(s string, ctx map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := Lookup(ctx, path)
		if !ok {
			return match
		}
		return stringify(value)
	})
}

// ResolveValue recursively resolves placeholders in a value. A string
// that is exactly one placeholder resolves to the referenced value with
// its type preserved; mixed strings resolve to text.
func ResolveValue(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case string:
		if path, ok := pureRef(v); ok {
			if resolved, found := Lookup(ctx, path); found {
				return resolved
			}
			return v
		}
		return Resolve(v, ctx)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for k, val := range v {
			resolved[k] = ResolveValue(val, ctx)
		}
		return resolved
	case []any:
		resolved := make([]any, len(v))
		for i, val := range v {
			resolved[i] = ResolveValue(val, ctx)
		}
		return resolved
	default:
		return value
	}
}

// Lookup walks a dotted path in the context and returns the value at the
// end of it.
func Lookup(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = ctx

	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// pureRef reports whether s is exactly a single placeholder, returning
// its path.
func pureRef(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	match := placeholderPattern.FindStringSubmatch(trimmed)
	if match == nil || match[0] != trimmed {
		return "", false
	}
	return match[1], true
}

// asMap normalizes the map shapes that appear after JSON decoding.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// stringify renders a resolved value into a placeholder slot.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
