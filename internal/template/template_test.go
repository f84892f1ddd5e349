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

package template

import (
	"reflect"
	"testing"
)

func testContext() map[string]any {
	return map[string]any{
		"extractedData": map[string]any{
			"title": "A",
			"price": 42.5,
		},
		"action_notify": map[string]any{
			"id": "m7",
		},
		"variables": map[string]any{
			"name": "vigil",
		},
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple path", "Got {{extractedData.title}}", "Got A"},
		{"numeric value", "price={{extractedData.price}}", "price=42.5"},
		{"multiple placeholders", "{{extractedData.title}}/{{variables.name}}", "A/vigil"},
		{"unresolved left literal", "Got {{missing.path}}", "Got {{missing.path}}"},
		{"no placeholders", "plain text", "plain text"},
		{"whitespace in braces", "Got {{ extractedData.title }}", "Got A"},
		{"prior action output", "id={{action_notify.id}}", "id=m7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.input, testContext()); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolveValue_PreservesTypes(t *testing.T) {
	got := ResolveValue("{{extractedData.price}}", testContext())
	if got != 42.5 {
		t.Errorf("pure ref = %v (%T), want 42.5", got, got)
	}

	mixed := ResolveValue("cost: {{extractedData.price}}", testContext())
	if mixed != "cost: 42.5" {
		t.Errorf("mixed = %v", mixed)
	}
}

func TestResolveValue_Nested(t *testing.T) {
	input := map[string]any{
		"v":    "{{action_notify.id}}",
		"list": []any{"{{extractedData.title}}", "literal"},
		"deep": map[string]any{"x": "{{variables.name}}"},
	}

	got := ResolveValue(input, testContext())
	want := map[string]any{
		"v":    "m7",
		"list": []any{"A", "literal"},
		"deep": map[string]any{"x": "vigil"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLookup(t *testing.T) {
	ctx := testContext()

	if v, ok := Lookup(ctx, "extractedData.title"); !ok || v != "A" {
		t.Errorf("Lookup = %v, %v", v, ok)
	}
	if _, ok := Lookup(ctx, "extractedData.title.deeper"); ok {
		t.Error("lookup through a leaf should fail")
	}
	if _, ok := Lookup(ctx, "nope"); ok {
		t.Error("missing key should fail")
	}
}
