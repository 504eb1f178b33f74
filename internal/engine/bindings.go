// Copyright 2025 The flowd Authors
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

package engine

import (
	"strconv"
	"strings"

	"github.com/meshworks/flowd/pkg/errors"
	"github.com/meshworks/flowd/pkg/workflow"
)

// pointerTokens splits a JSON-pointer path into unescaped reference tokens.
// The empty path addresses the whole document.
func pointerTokens(path string) []string {
	if path == "" {
		return nil
	}
	path = strings.TrimPrefix(path, "/")
	tokens := strings.Split(path, "/")
	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "~1", "/")
		tokens[i] = strings.ReplaceAll(tok, "~0", "~")
	}
	return tokens
}

// pointerGet resolves a JSON-pointer path against a value tree. The second
// return is false when any step is missing or not traversable.
func pointerGet(root any, path string) (any, bool) {
	current := root
	for _, tok := range pointerTokens(path) {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[tok]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// pointerSet writes a value at a JSON-pointer path under a parameters map,
// creating intermediate objects as needed. Array index steps must already
// exist; "-" appends. The empty path is rejected: a binding may not replace
// the whole parameters tree.
func pointerSet(root map[string]any, path string, value any) error {
	tokens := pointerTokens(path)
	if len(tokens) == 0 {
		return &errors.ValidationError{Field: "targetPath", Message: "empty binding target path"}
	}

	var parent any = root
	for i, tok := range tokens {
		last := i == len(tokens)-1
		switch node := parent.(type) {
		case map[string]any:
			if last {
				node[tok] = value
				return nil
			}
			next, ok := node[tok]
			if !ok {
				child := make(map[string]any)
				node[tok] = child
				parent = child
				continue
			}
			parent = next
		case []any:
			if tok == "-" {
				if !last {
					return &errors.ValidationError{Field: "targetPath", Message: "append step must be final"}
				}
				return &errors.ValidationError{Field: "targetPath", Message: "cannot append through a parent reference"}
			}
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(node) {
				return &errors.ValidationError{Field: "targetPath", Message: "array index out of range: " + tok}
			}
			if last {
				node[idx] = value
				return nil
			}
			parent = node[idx]
		default:
			return &errors.ValidationError{Field: "targetPath", Message: "path traverses a scalar at " + tok}
		}
	}
	return nil
}

// applyBindings copies values from a completed source node into its targets'
// parameters. Bindings whose source value is absent are skipped; targets that
// are already terminal are left alone.
func (r *RunRecord) applyBindings(source *NodeState) {
	for _, binding := range r.Bindings[source.TaskID] {
		var rootVal any
		switch binding.SourceRoot {
		case workflow.RootResult:
			rootVal = source.Result
		case workflow.RootParameters:
			rootVal = source.Parameters
		default:
			continue
		}

		value, ok := pointerGet(rootVal, binding.SourcePath)
		if !ok {
			continue
		}

		target, ok := r.Nodes[binding.TargetTaskID]
		if !ok || target.Status.Terminal() {
			continue
		}
		if target.Parameters == nil {
			target.Parameters = make(map[string]any)
		}
		// Best effort: a malformed target path skips the binding rather than
		// failing the run.
		_ = pointerSet(target.Parameters, binding.TargetPath, cloneValue(value))
	}
}
