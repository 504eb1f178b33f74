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
	"fmt"

	"github.com/meshworks/flowd/pkg/errors"
)

// Validate checks a definition for structural problems: duplicate node ids,
// edges referencing unknown nodes, container nodes pointing at missing
// subgraphs, and illegal binding roots. An empty workflow (zero nodes) is
// valid; it completes immediately at run time.
func Validate(def *Definition) error {
	if def == nil {
		return &errors.ValidationError{Message: "definition is nil"}
	}

	if err := validateGraph("", def.Nodes, def.Edges, def.Subgraphs); err != nil {
		return err
	}

	for id, sub := range def.Subgraphs {
		if sub == nil {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("subgraphs.%s", id),
				Message: "subgraph is nil",
			}
		}
		// Nested containers may reference any subgraph, including siblings.
		if err := validateGraph(id, sub.Nodes, sub.Edges, def.Subgraphs); err != nil {
			return err
		}
	}

	return nil
}

func validateGraph(scope string, nodes []NodeDefinition, edges []EdgeDefinition, subgraphs map[string]*Subgraph) error {
	seen := make(map[string]bool, len(nodes))

	for i := range nodes {
		node := &nodes[i]
		if node.ID == "" {
			return &errors.ValidationError{
				Field:   fieldInScope(scope, "nodes"),
				Message: "node id is empty",
			}
		}
		if seen[node.ID] {
			return &errors.ValidationError{
				Field:   fieldInScope(scope, "nodes"),
				Message: fmt.Sprintf("duplicate node id %q", node.ID),
			}
		}
		seen[node.ID] = true

		if node.IsContainer() {
			if _, ok := subgraphs[node.SubgraphID]; !ok {
				return &errors.ValidationError{
					Field:   fieldInScope(scope, node.ID),
					Message: fmt.Sprintf("unknown subgraph %q", node.SubgraphID),
				}
			}
		} else if node.Package.Name == "" {
			return &errors.ValidationError{
				Field:   fieldInScope(scope, node.ID),
				Message: "package name is required for non-container nodes",
			}
		}

		mwSeen := make(map[string]bool, len(node.Middlewares))
		for _, mw := range node.Middlewares {
			if mw.ID == "" {
				return &errors.ValidationError{
					Field:   fieldInScope(scope, node.ID),
					Message: "middleware id is empty",
				}
			}
			if mwSeen[mw.ID] {
				return &errors.ValidationError{
					Field:   fieldInScope(scope, node.ID),
					Message: fmt.Sprintf("duplicate middleware id %q", mw.ID),
				}
			}
			mwSeen[mw.ID] = true
		}

		for _, b := range node.Bindings {
			if b.SourceRoot != RootParameters && b.SourceRoot != RootResult {
				return &errors.ValidationError{
					Field:   fieldInScope(scope, node.ID),
					Message: fmt.Sprintf("invalid binding source root %q", b.SourceRoot),
				}
			}
			if b.TargetRoot != RootParameters {
				return &errors.ValidationError{
					Field:   fieldInScope(scope, node.ID),
					Message: fmt.Sprintf("binding target root must be %q, got %q", RootParameters, b.TargetRoot),
				}
			}
		}
	}

	for _, edge := range edges {
		if !seen[edge.Source] {
			return &errors.ValidationError{
				Field:   fieldInScope(scope, "edges"),
				Message: fmt.Sprintf("edge source %q does not exist", edge.Source),
			}
		}
		if !seen[edge.Target] {
			return &errors.ValidationError{
				Field:   fieldInScope(scope, "edges"),
				Message: fmt.Sprintf("edge target %q does not exist", edge.Target),
			}
		}
		if edge.Source == edge.Target {
			return &errors.ValidationError{
				Field:   fieldInScope(scope, "edges"),
				Message: fmt.Sprintf("self-edge on %q", edge.Source),
			}
		}
	}

	return nil
}

func fieldInScope(scope, field string) string {
	if scope == "" {
		return field
	}
	return scope + "." + field
}
