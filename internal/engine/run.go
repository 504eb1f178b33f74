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

// Package engine owns run state: the node graph instantiated from a workflow
// definition, frame expansion for container nodes, middleware chain routing,
// and the status rollup that decides when a run is terminal. All mutation
// happens under the engine lock; side effects (dispatches, next replies,
// events) are gathered and handed back to the caller to act on after the lock
// is released.
package engine

import (
	"time"

	"github.com/meshworks/flowd/internal/events"
	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/errors"
	"github.com/meshworks/flowd/pkg/workflow"
)

// Status is the lifecycle state of a run or node.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// NodeKind classifies how a node participates in scheduling.
type NodeKind string

const (
	// KindTask is a plain dispatchable node.
	KindTask NodeKind = "task"

	// KindContainer expands into a frame instead of dispatching.
	KindContainer NodeKind = "container"

	// KindHost carries a middleware chain and is only invoked through the
	// innermost middleware's next() call.
	KindHost NodeKind = "host"

	// KindMiddleware is one link of a host's wrapper chain.
	KindMiddleware NodeKind = "middleware"
)

// NodeState is the runtime record for one task. Nodes are keyed by TaskID,
// which is frame-scoped: root nodes use their node id, frame members are
// prefixed with their frame id.
type NodeState struct {
	NodeID  string
	TaskID  string
	FrameID string
	Kind    NodeKind
	Status  Status

	NodeType     string
	Package      workflow.PackageRef
	Parameters   map[string]any
	ResourceRefs []string
	Affinity     string

	// Dependencies counts unfinished upstream nodes; Dependents lists the
	// task ids released when this node completes.
	Dependencies int
	Dependents   []string
	Enqueued     bool

	// ChainBlocked holds a node back from the ready set: true for hosts
	// awaiting their chain and for middleware links not yet invoked via
	// next().
	ChainBlocked bool

	// Chain is the host-side view: middleware task ids outermost first.
	// ChainIDs carries the definition-level middleware ids in the same order.
	Chain    []string
	ChainIDs []string

	// HostTaskID and ChainIndex are the middleware-side view.
	HostTaskID string
	ChainIndex int

	// Container expansion.
	SubgraphID   string
	FrameAlias   string
	OwnedFrameID string

	// Dispatch bookkeeping.
	WorkerName       string
	WorkerInstanceID string
	DispatchID       string
	Seq              uint64
	PendingAck       bool
	AckDeadline      time.Time
	Attempts         int

	// Outcome and progress.
	Result    map[string]any
	Artifacts []map[string]any
	Metadata  map[string]any
	Error     *errors.CommandError
	Stage     string
	Progress  *float64
	Message   string

	// Revision increments on every result or feedback application; eventSeq
	// numbers deltas within the node's event stream.
	Revision int64
	eventSeq int64

	StartedAt  *time.Time
	FinishedAt *time.Time
}

// edgeBinding is a BindingDefinition with its target resolved to a task id.
type edgeBinding struct {
	workflow.BindingDefinition
	TargetTaskID string
}

// FrameDefinition is the static plan for one container expansion, computed
// depth-first at bootstrap with a deterministic frame id.
type FrameDefinition struct {
	FrameID         string
	ContainerTaskID string
	ParentFrameID   string
	SubgraphID      string
	Subgraph        *workflow.Subgraph
}

// FrameRuntimeState tracks one active frame: the container expansion in
// flight and the task ids of its direct members.
type FrameRuntimeState struct {
	FrameID         string
	ContainerTaskID string
	Status          Status
	TaskIDs         []string
	StartedAt       time.Time
	FinishedAt      *time.Time
}

// RunRecord is the authoritative state of one run. It is only touched under
// the engine lock; snapshots returned to callers are deep copies.
type RunRecord struct {
	ID              string
	Tenant          string
	ClientSessionID string
	Definition      *workflow.Definition
	DefinitionHash  string
	Status          Status
	Error           *errors.CommandError

	// Nodes is the arena of all node state keyed by task id; Order preserves
	// creation order for deterministic iteration.
	Nodes map[string]*NodeState
	Order []string

	Frames       map[string]*FrameDefinition
	ActiveFrames map[string]*FrameRuntimeState

	// Bindings maps source task id to the edge bindings evaluated when that
	// node completes.
	Bindings map[string][]edgeBinding

	// NextSeq numbers dispatches within the run.
	NextSeq uint64

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// rollup recomputes the run status from its nodes: any failure dominates,
// then terminal mixes, then activity. An empty run is immediately succeeded.
func (r *RunRecord) rollup() Status {
	if len(r.Nodes) == 0 {
		return StatusSucceeded
	}

	allTerminal := true
	anyFailed := false
	anyCancelled := false
	anyActive := false
	for _, node := range r.Nodes {
		switch node.Status {
		case StatusFailed:
			anyFailed = true
		case StatusCancelled:
			anyCancelled = true
		case StatusSucceeded, StatusSkipped:
		case StatusRunning:
			anyActive = true
			allTerminal = false
		default:
			allTerminal = false
			if node.Enqueued {
				anyActive = true
			}
		}
	}

	switch {
	case anyFailed:
		return StatusFailed
	case allTerminal && anyCancelled:
		return StatusCancelled
	case allTerminal:
		return StatusSucceeded
	case anyActive:
		return StatusRunning
	default:
		return StatusQueued
	}
}

// NodeSummary is the externally visible view of one node.
type NodeSummary struct {
	NodeID     string               `json:"nodeId"`
	TaskID     string               `json:"taskId"`
	FrameID    string               `json:"frameId,omitempty"`
	Kind       NodeKind             `json:"kind"`
	Status     Status               `json:"status"`
	WorkerName string               `json:"workerName,omitempty"`
	Attempts   int                  `json:"attempts,omitempty"`
	Stage      string               `json:"stage,omitempty"`
	Progress   *float64             `json:"progress,omitempty"`
	Message    string               `json:"message,omitempty"`
	Result     map[string]any       `json:"result,omitempty"`
	Error      *errors.CommandError `json:"error,omitempty"`
	StartedAt  *time.Time           `json:"startedAt,omitempty"`
	FinishedAt *time.Time           `json:"finishedAt,omitempty"`
}

// RunSummary is the externally visible view of one run. All maps are deep
// copies; callers may mutate freely.
type RunSummary struct {
	RunID          string               `json:"runId"`
	Tenant         string               `json:"tenant"`
	Status         Status               `json:"status"`
	DefinitionHash string               `json:"definitionHash"`
	Error          *errors.CommandError `json:"error,omitempty"`
	Nodes          []NodeSummary        `json:"nodes"`
	CreatedAt      time.Time            `json:"createdAt"`
	StartedAt      *time.Time           `json:"startedAt,omitempty"`
	FinishedAt     *time.Time           `json:"finishedAt,omitempty"`
}

// summarize builds a deep-copied summary. NO aliasing of internal maps.
func (r *RunRecord) summarize() *RunSummary {
	out := &RunSummary{
		RunID:          r.ID,
		Tenant:         r.Tenant,
		Status:         r.Status,
		DefinitionHash: r.DefinitionHash,
		Error:          r.Error,
		Nodes:          make([]NodeSummary, 0, len(r.Order)),
		CreatedAt:      r.CreatedAt,
		StartedAt:      copyTime(r.StartedAt),
		FinishedAt:     copyTime(r.FinishedAt),
	}
	for _, taskID := range r.Order {
		node := r.Nodes[taskID]
		out.Nodes = append(out.Nodes, NodeSummary{
			NodeID:     node.NodeID,
			TaskID:     node.TaskID,
			FrameID:    node.FrameID,
			Kind:       node.Kind,
			Status:     node.Status,
			WorkerName: node.WorkerName,
			Attempts:   node.Attempts,
			Stage:      node.Stage,
			Progress:   copyFloat(node.Progress),
			Message:    node.Message,
			Result:     cloneMap(node.Result),
			Error:      node.Error,
			StartedAt:  copyTime(node.StartedAt),
			FinishedAt: copyTime(node.FinishedAt),
		})
	}
	return out
}

func (r *RunRecord) snapshotData() events.RunSnapshotData {
	data := events.RunSnapshotData{
		RunID:          r.ID,
		Status:         string(r.Status),
		DefinitionHash: r.DefinitionHash,
		Error:          r.Error,
		Nodes:          make([]events.NodeSnapshot, 0, len(r.Order)),
		CreatedAt:      r.CreatedAt,
		StartedAt:      copyTime(r.StartedAt),
		FinishedAt:     copyTime(r.FinishedAt),
	}
	for _, taskID := range r.Order {
		node := r.Nodes[taskID]
		data.Nodes = append(data.Nodes, events.NodeSnapshot{
			NodeID:     node.NodeID,
			TaskID:     node.TaskID,
			Status:     string(node.Status),
			WorkerName: node.WorkerName,
			FrameID:    node.FrameID,
			Error:      node.Error,
		})
	}
	return data
}

func (r *RunRecord) scope() events.Scope {
	return events.Scope{
		Tenant:          r.Tenant,
		RunID:           r.ID,
		ClientSessionID: r.ClientSessionID,
	}
}

// DispatchRequest is a unit of work handed to the dispatcher. The payload's
// parameters are a deep copy taken under the engine lock.
type DispatchRequest struct {
	RunID    string
	Tenant   string
	TaskID   string
	Seq      uint64
	Attempts int
	Affinity string
	Payload  protocol.DispatchPayload
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// cloneMap deep-copies a parameter/result tree.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneSliceOfMaps(s []map[string]any) []map[string]any {
	if s == nil {
		return nil
	}
	out := make([]map[string]any, len(s))
	for i, m := range s {
		out[i] = cloneMap(m)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// mergeMaps deep-merges src into dst. Nested maps merge recursively; any
// other value type replaces. Returns dst (allocated if nil).
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				dst[k] = mergeMaps(existing, sub)
				continue
			}
		}
		dst[k] = cloneValue(v)
	}
	return dst
}
