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
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agnivade/levenshtein"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// compare dispatches on capture method and returns similarity in [0,100]
// plus a method-specific diff report.
func compare(method string, previous, current []byte, cfg store.ChangeDetectionConfig) (float64, map[string]any, error) {
	switch method {
	case "dom":
		return compareDOM(previous, current, cfg)
	case "text":
		similarity, diff := compareText(string(previous), string(current))
		return similarity, diff, nil
	case "visual", "hash":
		// Exact equality only; a perceptual diff may replace this for
		// visual mode but the contract stays similarity in [0,100].
		if bytes.Equal(previous, current) {
			return 100, nil, nil
		}
		return 0, map[string]any{"equal": false}, nil
	default:
		return 0, nil, &errors.ValidationError{
			Field:   "method",
			Message: fmt.Sprintf("unknown capture method: %s", method),
		}
	}
}

// flatNode is a DOM node flattened by structural path for comparison.
type flatNode struct {
	Tag        string
	Text       string
	Attributes map[string]string
}

// compareDOM flattens both trees by structural path. Similarity is the
// share of union paths present in both with equal tag, text and compared
// attributes.
func compareDOM(previous, current []byte, cfg store.ChangeDetectionConfig) (float64, map[string]any, error) {
	prevTree, err := decodeTree(previous)
	if err != nil {
		return 0, nil, errors.Wrap(err, "decoding previous DOM tree")
	}
	currTree, err := decodeTree(current)
	if err != nil {
		return 0, nil, errors.Wrap(err, "decoding current DOM tree")
	}

	prevFlat := make(map[string]flatNode)
	currFlat := make(map[string]flatNode)
	flatten(prevTree, prevFlat)
	flatten(currTree, currFlat)

	compareAttrs := cfg.CompareAttributes
	if len(compareAttrs) == 0 {
		compareAttrs = defaultCompareAttributes
	}

	var added, removed []string
	var modified []map[string]any
	matching := 0
	union := make(map[string]struct{}, len(prevFlat)+len(currFlat))
	for path := range prevFlat {
		union[path] = struct{}{}
	}
	for path := range currFlat {
		union[path] = struct{}{}
	}

	for path := range union {
		prev, inPrev := prevFlat[path]
		curr, inCurr := currFlat[path]
		switch {
		case !inPrev:
			added = append(added, path)
		case !inCurr:
			removed = append(removed, path)
		default:
			mods := nodeModifications(prev, curr, compareAttrs)
			if len(mods) == 0 {
				matching++
				continue
			}
			for _, m := range mods {
				m["path"] = path
				modified = append(modified, m)
			}
		}
	}

	similarity := 100.0
	if len(union) > 0 {
		similarity = float64(matching) / float64(len(union)) * 100
	}

	diff := map[string]any{}
	if len(added) > 0 {
		diff["added"] = added
	}
	if len(removed) > 0 {
		diff["removed"] = removed
	}
	if len(modified) > 0 {
		diff["modified"] = modified
	}
	return similarity, diff, nil
}

func decodeTree(data []byte) (*domNode, error) {
	var tree domNode
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

func flatten(node *domNode, out map[string]flatNode) {
	if node == nil {
		return
	}
	out[node.Path] = flatNode{Tag: node.Tag, Text: node.Text, Attributes: node.Attributes}
	for _, child := range node.Children {
		flatten(child, out)
	}
}

// nodeModifications reports per-path tag, text and attribute changes.
func nodeModifications(prev, curr flatNode, compareAttrs []string) []map[string]any {
	var mods []map[string]any
	if prev.Tag != curr.Tag {
		mods = append(mods, map[string]any{"kind": "tag", "previous": prev.Tag, "current": curr.Tag})
	}
	if prev.Text != curr.Text {
		mods = append(mods, map[string]any{"kind": "text", "previous": prev.Text, "current": curr.Text})
	}
	for _, attr := range compareAttrs {
		pv, cv := prev.Attributes[attr], curr.Attributes[attr]
		if pv != cv {
			mods = append(mods, map[string]any{"kind": "attribute", "attribute": attr, "previous": pv, "current": cv})
		}
	}
	return mods
}

// compareText computes an edit-distance-based similarity plus a diff
// sequence split into added/removed spans.
func compareText(previous, current string) (float64, map[string]any) {
	if previous == current {
		return 100, nil
	}

	longer := len([]rune(previous))
	if l := len([]rune(current)); l > longer {
		longer = l
	}
	if longer == 0 {
		return 100, nil
	}

	distance := levenshtein.ComputeDistance(previous, current)
	similarity := float64(longer-distance) / float64(longer) * 100
	if similarity < 0 {
		similarity = 0
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(previous, current, false))

	var added, removed []string
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added = append(added, d.Text)
		case diffmatchpatch.DiffDelete:
			removed = append(removed, d.Text)
		}
	}

	diff := map[string]any{}
	if len(added) > 0 {
		diff["added"] = added
	}
	if len(removed) > 0 {
		diff["removed"] = removed
	}
	return similarity, diff
}
