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

package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/meshworks/flowd/pkg/errors"
)

// DefinitionHash computes the canonical SHA-256 hash of a definition.
//
// Canonicalisation round-trips the definition through a generic JSON value so
// object keys are emitted in sorted order, and normalises UUID-like values to
// their string form first. The string form is a wire-format compatibility
// requirement: two definitions differing only in UUID representation hash
// identically.
func DefinitionHash(def *Definition) (string, error) {
	if def == nil {
		return "", errors.New("definition is nil")
	}

	raw, err := json.Marshal(NormalizeIdentifiers(def))
	if err != nil {
		return "", errors.Wrap(err, "marshaling definition")
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", errors.Wrap(err, "canonicalising definition")
	}

	// encoding/json sorts map keys, so re-marshaling the generic value
	// yields the canonical byte form.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", errors.Wrap(err, "canonicalising definition")
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeIdentifiers returns a deep copy of the definition with every
// UUID-like value stringified. Parameters may carry uuid.UUID or [16]byte
// values from upstream decoders.
func NormalizeIdentifiers(def *Definition) *Definition {
	if def == nil {
		return nil
	}

	out := &Definition{
		ID:    def.ID,
		Name:  def.Name,
		Nodes: normalizeNodes(def.Nodes),
		Edges: append([]EdgeDefinition(nil), def.Edges...),
	}
	if def.Subgraphs != nil {
		out.Subgraphs = make(map[string]*Subgraph, len(def.Subgraphs))
		for id, sub := range def.Subgraphs {
			if sub == nil {
				out.Subgraphs[id] = nil
				continue
			}
			out.Subgraphs[id] = &Subgraph{
				ID:    sub.ID,
				Nodes: normalizeNodes(sub.Nodes),
				Edges: append([]EdgeDefinition(nil), sub.Edges...),
			}
		}
	}
	return out
}

func normalizeNodes(nodes []NodeDefinition) []NodeDefinition {
	out := make([]NodeDefinition, len(nodes))
	for i, node := range nodes {
		node.Parameters = normalizeMap(node.Parameters)
		mws := make([]MiddlewareDefinition, len(node.Middlewares))
		for j, mw := range node.Middlewares {
			mw.Parameters = normalizeMap(mw.Parameters)
			mws[j] = mw
		}
		node.Middlewares = mws
		node.ResourceRefs = append([]string(nil), node.ResourceRefs...)
		node.Bindings = append([]BindingDefinition(nil), node.Bindings...)
		out[i] = node
	}
	return out
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case uuid.UUID:
		return val.String()
	case *uuid.UUID:
		if val == nil {
			return nil
		}
		return val.String()
	case [16]byte:
		return uuid.UUID(val).String()
	case map[string]any:
		return normalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
