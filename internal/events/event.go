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

// Package events defines the projections the run engine publishes to an
// external fan-out bus: run and node state changes, result snapshots, and
// fine-grained result deltas ordered by (revision, sequence).
package events

import (
	"time"

	"github.com/meshworks/flowd/pkg/errors"
)

// Event types.
const (
	TypeRunState           = "run.state"
	TypeRunSnapshot        = "run.snapshot"
	TypeNodeState          = "node.state"
	TypeNodeResultSnapshot = "node.result.snapshot"
	TypeNodeResultDelta    = "node.result.delta"
	TypeWorkerHeartbeat    = "worker.heartbeat"
	TypeWorkerPackage      = "worker.package"
)

// Delta operations for node.result.delta events.
const (
	OpAppend  = "append"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// Scope identifies the audience of an event.
type Scope struct {
	Tenant          string `json:"tenant"`
	RunID           string `json:"runId,omitempty"`
	ClientSessionID string `json:"clientSessionId,omitempty"`
}

// Event is one publication on the fan-out bus.
type Event struct {
	Scope      Scope     `json:"scope"`
	OccurredAt time.Time `json:"occurredAt"`
	Type       string    `json:"type"`
	Data       any       `json:"data"`
}

// RunStateData is the payload of run.state events.
type RunStateData struct {
	RunID      string               `json:"runId"`
	Status     string               `json:"status"`
	Error      *errors.CommandError `json:"error,omitempty"`
	StartedAt  *time.Time           `json:"startedAt,omitempty"`
	FinishedAt *time.Time           `json:"finishedAt,omitempty"`
}

// NodeSnapshot is the per-node view inside a run snapshot.
type NodeSnapshot struct {
	NodeID     string               `json:"nodeId"`
	TaskID     string               `json:"taskId"`
	Status     string               `json:"status"`
	WorkerName string               `json:"workerName,omitempty"`
	FrameID    string               `json:"frameId,omitempty"`
	Error      *errors.CommandError `json:"error,omitempty"`
}

// RunSnapshotData is the payload of run.snapshot events: the aggregate view
// of the run plus all nodes.
type RunSnapshotData struct {
	RunID          string               `json:"runId"`
	Status         string               `json:"status"`
	DefinitionHash string               `json:"definitionHash,omitempty"`
	Error          *errors.CommandError `json:"error,omitempty"`
	Nodes          []NodeSnapshot       `json:"nodes"`
	CreatedAt      time.Time            `json:"createdAt"`
	StartedAt      *time.Time           `json:"startedAt,omitempty"`
	FinishedAt     *time.Time           `json:"finishedAt,omitempty"`
}

// NodeStateData is the payload of node.state events.
type NodeStateData struct {
	RunID      string               `json:"runId"`
	NodeID     string               `json:"nodeId"`
	TaskID     string               `json:"taskId"`
	Status     string               `json:"status"`
	Stage      string               `json:"stage,omitempty"`
	Progress   *float64             `json:"progress,omitempty"`
	Message    string               `json:"message,omitempty"`
	WorkerName string               `json:"workerName,omitempty"`
	Error      *errors.CommandError `json:"error,omitempty"`
}

// NodeResultSnapshotData is the payload of node.result.snapshot events,
// published after a node reaches a terminal status.
type NodeResultSnapshotData struct {
	RunID     string           `json:"runId"`
	NodeID    string           `json:"nodeId"`
	TaskID    string           `json:"taskId"`
	Status    string           `json:"status"`
	Revision  int64            `json:"revision"`
	Result    map[string]any   `json:"result,omitempty"`
	Artifacts []map[string]any `json:"artifacts,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// NodeResultDeltaData is the payload of node.result.delta events: one
// append/replace/remove at a JSON pointer. For a given (runId, nodeId) the
// (revision, sequence) pair is strictly increasing; consumers reconstruct
// state by applying deltas on the last snapshot.
type NodeResultDeltaData struct {
	RunID    string `json:"runId"`
	NodeID   string `json:"nodeId"`
	Revision int64  `json:"revision"`
	Sequence int64  `json:"sequence"`
	Op       string `json:"op"`
	Path     string `json:"path"`
	Value    any    `json:"value,omitempty"`

	// Terminal marks a streamed channel closed when the delta targets
	// /channels/<channel>.
	Terminal bool `json:"terminal,omitempty"`
}

// WorkerHeartbeatData is the payload of worker.heartbeat events.
type WorkerHeartbeatData struct {
	WorkerInstanceID string `json:"workerInstanceId"`
	WorkerName       string `json:"workerName"`
	Healthy          bool   `json:"healthy"`
	Inflight         int    `json:"inflight"`
	LatencyMs        int64  `json:"latencyMs"`
	QueueDepth       int    `json:"queueDepth"`
}

// WorkerPackageData is the payload of worker.package events.
type WorkerPackageData struct {
	WorkerInstanceID string `json:"workerInstanceId"`
	WorkerName       string `json:"workerName"`
	PackageName      string `json:"packageName"`
	PackageVersion   string `json:"packageVersion"`
	Status           string `json:"status"`
}

// New creates an event with the given scope and payload, stamped now.
func New(scope Scope, eventType string, data any) Event {
	return Event{
		Scope:      scope,
		OccurredAt: time.Now().UTC(),
		Type:       eventType,
		Data:       data,
	}
}
