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
	"fmt"
	"time"

	"github.com/meshworks/flowd/pkg/errors"
	"github.com/meshworks/flowd/pkg/workflow"
)

// middlewareTaskInfix separates a host task id from its middleware link ids.
const middlewareTaskInfix = "::mw::"

// scopedID builds a frame-scoped task id.
func scopedID(frameID, nodeID string) string {
	if frameID == "" {
		return nodeID
	}
	return frameID + "::" + nodeID
}

// frameIDFor derives the deterministic frame id a container opens.
func frameIDFor(containerTaskID, subgraphID string) string {
	return containerTaskID + "::" + subgraphID
}

// buildRun validates and instantiates a definition into a fresh run record.
// Root nodes are materialised immediately; subgraphs are planned as frame
// definitions (depth-first, with recursion detection) and instantiated
// lazily when their container becomes ready.
func buildRun(id string, def *workflow.Definition, tenant, clientSessionID string, now time.Time) (*RunRecord, error) {
	def = workflow.NormalizeIdentifiers(def)
	if err := workflow.Validate(def); err != nil {
		return nil, err
	}
	hash, err := workflow.DefinitionHash(def)
	if err != nil {
		return nil, err
	}

	run := &RunRecord{
		ID:              id,
		Tenant:          tenant,
		ClientSessionID: clientSessionID,
		Definition:      def,
		DefinitionHash:  hash,
		Status:          StatusQueued,
		Nodes:           make(map[string]*NodeState),
		Frames:          make(map[string]*FrameDefinition),
		ActiveFrames:    make(map[string]*FrameRuntimeState),
		Bindings:        make(map[string][]edgeBinding),
		CreatedAt:       now,
	}

	if err := validateAcyclic("", def.Nodes, def.Edges); err != nil {
		return nil, err
	}
	if err := run.instantiateGraph("", def.Nodes, def.Edges); err != nil {
		return nil, err
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if !node.IsContainer() {
			continue
		}
		if err := run.planFrames(node.ID, node.SubgraphID, "", def.Subgraphs, nil); err != nil {
			return nil, err
		}
	}

	return run, nil
}

// planFrames registers frame definitions for a container and, recursively,
// for any containers inside the referenced subgraph. The path argument
// tracks subgraph ids on the current expansion chain to reject recursion.
func (r *RunRecord) planFrames(containerTaskID, subgraphID, parentFrameID string, subgraphs map[string]*workflow.Subgraph, path []string) error {
	for _, seen := range path {
		if seen == subgraphID {
			return &errors.ValidationError{
				Field:   "subgraphs." + subgraphID,
				Message: "recursive subgraph expansion",
			}
		}
	}

	sub := subgraphs[subgraphID]
	if err := validateAcyclic(subgraphID, sub.Nodes, sub.Edges); err != nil {
		return err
	}
	if err := validateBindingTargets(subgraphID, sub.Nodes); err != nil {
		return err
	}
	frameID := frameIDFor(containerTaskID, subgraphID)
	r.Frames[frameID] = &FrameDefinition{
		FrameID:         frameID,
		ContainerTaskID: containerTaskID,
		ParentFrameID:   parentFrameID,
		SubgraphID:      subgraphID,
		Subgraph:        sub,
	}

	path = append(path, subgraphID)
	for i := range sub.Nodes {
		node := &sub.Nodes[i]
		if !node.IsContainer() {
			continue
		}
		innerTask := scopedID(frameID, node.ID)
		if err := r.planFrames(innerTask, node.SubgraphID, frameID, subgraphs, path); err != nil {
			return err
		}
	}
	return nil
}

// validateAcyclic rejects dependency cycles in one graph scope (Kahn's
// algorithm): a cyclic scope could never drain and would wedge the run.
func validateAcyclic(scope string, nodes []workflow.NodeDefinition, edges []workflow.EdgeDefinition) error {
	indegree := make(map[string]int, len(nodes))
	adjacent := make(map[string][]string, len(nodes))
	for i := range nodes {
		indegree[nodes[i].ID] = 0
	}
	for _, edge := range edges {
		indegree[edge.Target]++
		adjacent[edge.Source] = append(adjacent[edge.Source], edge.Target)
	}

	queue := make([]string, 0, len(nodes))
	for i := range nodes {
		if indegree[nodes[i].ID] == 0 {
			queue = append(queue, nodes[i].ID)
		}
	}
	settled := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		settled++
		for _, next := range adjacent[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if settled != len(nodes) {
		field := "edges"
		if scope != "" {
			field = scope + ".edges"
		}
		return &errors.ValidationError{Field: field, Message: "dependency cycle detected"}
	}
	return nil
}

// validateBindingTargets checks subgraph bindings ahead of frame activation;
// root bindings are checked during instantiation.
func validateBindingTargets(scope string, nodes []workflow.NodeDefinition) error {
	ids := make(map[string]bool, len(nodes))
	for i := range nodes {
		ids[nodes[i].ID] = true
	}
	for i := range nodes {
		for _, b := range nodes[i].Bindings {
			if !ids[b.TargetNode] {
				return &errors.ValidationError{
					Field:   scope + "." + nodes[i].ID,
					Message: fmt.Sprintf("binding target %q does not exist", b.TargetNode),
				}
			}
		}
	}
	return nil
}

// instantiateGraph materialises node states for one graph scope (the root or
// one frame), wires dependency edges, and records edge bindings with
// frame-scoped targets.
func (r *RunRecord) instantiateGraph(frameID string, nodes []workflow.NodeDefinition, edges []workflow.EdgeDefinition) error {
	for i := range nodes {
		def := &nodes[i]
		taskID := scopedID(frameID, def.ID)
		if _, exists := r.Nodes[taskID]; exists {
			return &errors.ValidationError{
				Field:   "nodes",
				Message: fmt.Sprintf("task id collision at %q", taskID),
			}
		}

		kind := KindTask
		switch {
		case def.IsContainer():
			kind = KindContainer
		case def.HasMiddleware():
			kind = KindHost
		}

		node := &NodeState{
			NodeID:       def.ID,
			TaskID:       taskID,
			FrameID:      frameID,
			Kind:         kind,
			Status:       StatusQueued,
			NodeType:     def.Type,
			Package:      def.Package,
			Parameters:   cloneMap(def.Parameters),
			ResourceRefs: append([]string(nil), def.ResourceRefs...),
			Affinity:     def.Affinity,
			SubgraphID:   def.SubgraphID,
			FrameAlias:   def.FrameAlias,
			ChainBlocked: def.HasMiddleware(),
		}
		if def.IsContainer() {
			node.OwnedFrameID = frameIDFor(taskID, def.SubgraphID)
		}
		r.Nodes[taskID] = node
		r.Order = append(r.Order, taskID)

		for j, mw := range def.Middlewares {
			mwTask := taskID + middlewareTaskInfix + mw.ID
			link := &NodeState{
				NodeID:     mw.ID,
				TaskID:     mwTask,
				FrameID:    frameID,
				Kind:       KindMiddleware,
				Status:     StatusQueued,
				NodeType:   mw.Type,
				Package:    mw.Package,
				Parameters: cloneMap(mw.Parameters),
				HostTaskID: taskID,
				ChainIndex: j,
				// Only the outermost link starts unblocked; the rest wait
				// for next().
				ChainBlocked: j > 0,
			}
			r.Nodes[mwTask] = link
			r.Order = append(r.Order, mwTask)
			node.Chain = append(node.Chain, mwTask)
			node.ChainIDs = append(node.ChainIDs, mw.ID)
		}
	}

	for _, edge := range edges {
		sourceTask := scopedID(frameID, edge.Source)
		targetTask := scopedID(frameID, edge.Target)
		source := r.Nodes[sourceTask]
		target := r.Nodes[targetTask]
		if source == nil || target == nil {
			return &errors.ValidationError{
				Field:   "edges",
				Message: fmt.Sprintf("edge %s -> %s references unknown node", edge.Source, edge.Target),
			}
		}

		target.Dependencies++
		source.Dependents = append(source.Dependents, targetTask)

		// The outermost middleware inherits the host's upstream dependencies
		// so the chain does not start before the host's predecessors finish.
		if len(target.Chain) > 0 {
			first := r.Nodes[target.Chain[0]]
			first.Dependencies++
			source.Dependents = append(source.Dependents, first.TaskID)
		}
	}

	for i := range nodes {
		def := &nodes[i]
		sourceTask := scopedID(frameID, def.ID)
		for _, b := range def.Bindings {
			targetTask := scopedID(frameID, b.TargetNode)
			if _, ok := r.Nodes[targetTask]; !ok {
				return &errors.ValidationError{
					Field:   def.ID,
					Message: fmt.Sprintf("binding target %q does not exist", b.TargetNode),
				}
			}
			r.Bindings[sourceTask] = append(r.Bindings[sourceTask], edgeBinding{
				BindingDefinition: b,
				TargetTaskID:      targetTask,
			})
		}
	}

	return nil
}
