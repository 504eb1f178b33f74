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

// Package workflow defines the workflow definition model shared between the
// scheduler core and its clients: directed graphs of nodes grouped into
// reusable subgraphs, with optional middleware chains per node and declarative
// edge bindings evaluated when a source node completes.
package workflow

// PackageRef identifies an executable package at a specific version.
type PackageRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Definition is a complete workflow: the root graph plus any subgraphs
// referenced by container nodes.
type Definition struct {
	// ID is the workflow identifier. UUID values are stringified before
	// hashing and storage.
	ID string `json:"id,omitempty"`

	// Name is the human-readable workflow label.
	Name string `json:"name,omitempty"`

	// Nodes are the root-level nodes of the graph.
	Nodes []NodeDefinition `json:"nodes"`

	// Edges are the root-level dependency edges.
	Edges []EdgeDefinition `json:"edges,omitempty"`

	// Subgraphs maps subgraph id to the reusable subgraph expanded by
	// container nodes.
	Subgraphs map[string]*Subgraph `json:"subgraphs,omitempty"`
}

// NodeDefinition describes a single node in a workflow graph.
type NodeDefinition struct {
	// ID is unique within its enclosing graph (root or subgraph).
	ID string `json:"id"`

	// Type names the node implementation the worker runs.
	Type string `json:"type"`

	// Package is the executable package providing the node type.
	Package PackageRef `json:"package"`

	// Parameters are the initial node parameters; edge bindings and
	// middleware output projections mutate a copy at run time.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Middlewares is the ordered wrapper chain around this node. The first
	// entry is the outermost middleware; control flows inward via next().
	Middlewares []MiddlewareDefinition `json:"middlewares,omitempty"`

	// SubgraphID marks this node as a container expanding into the named
	// subgraph when set.
	SubgraphID string `json:"subgraphId,omitempty"`

	// FrameAlias optionally names the frame a container opens; defaults to
	// the node id.
	FrameAlias string `json:"frameAlias,omitempty"`

	// ResourceRefs lists resource keys this node requires at dispatch time.
	ResourceRefs []string `json:"resourceRefs,omitempty"`

	// Affinity optionally pins dispatch to a named worker.
	Affinity string `json:"affinity,omitempty"`

	// Bindings are the outgoing edge bindings evaluated when this node
	// completes.
	Bindings []BindingDefinition `json:"bindings,omitempty"`
}

// MiddlewareDefinition describes one link of a node's middleware chain.
type MiddlewareDefinition struct {
	// ID is unique within the host node's chain.
	ID string `json:"id"`

	// Type names the middleware implementation.
	Type string `json:"type"`

	// Package is the executable package providing the middleware.
	Package PackageRef `json:"package"`

	// Parameters are the middleware's own parameters.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// EdgeDefinition is a dependency edge: the target is not dispatchable until
// the source is terminal.
type EdgeDefinition struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// BindingDefinition is a declarative copy rule from a source node's
// parameters or result into a target node's parameters, evaluated when the
// source completes. Paths are JSON-pointer style ("/a/b/0").
type BindingDefinition struct {
	// SourceRoot selects the value tree the copy reads from:
	// "parameters" or "result".
	SourceRoot string `json:"sourceRoot"`

	// SourcePath is the JSON-pointer path under the source root.
	SourcePath string `json:"sourcePath"`

	// TargetNode is the node whose parameters receive the value.
	TargetNode string `json:"targetNode"`

	// TargetRoot must be "parameters"; it is the only legal target root.
	TargetRoot string `json:"targetRoot"`

	// TargetPath is the JSON-pointer path under the target's parameters.
	TargetPath string `json:"targetPath"`
}

// Subgraph is a reusable graph fragment instantiated as a frame when a
// container node referencing it becomes ready.
type Subgraph struct {
	ID    string           `json:"id"`
	Nodes []NodeDefinition `json:"nodes"`
	Edges []EdgeDefinition `json:"edges,omitempty"`
}

// Source root and target root values for BindingDefinition.
const (
	RootParameters = "parameters"
	RootResult     = "result"
)

// IsContainer reports whether the node expands into a subgraph.
func (n *NodeDefinition) IsContainer() bool {
	return n.SubgraphID != ""
}

// HasMiddleware reports whether the node carries a middleware chain.
func (n *NodeDefinition) HasMiddleware() bool {
	return len(n.Middlewares) > 0
}
