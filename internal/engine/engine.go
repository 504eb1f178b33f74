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
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshworks/flowd/internal/events"
	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/errors"
	"github.com/meshworks/flowd/pkg/workflow"
)

// DefaultNextTimeout bounds a middleware call-through that does not request
// its own timeout.
const DefaultNextTimeout = 5 * time.Minute

// NextReply is a biz.exec.next.response to deliver to a worker session.
type NextReply struct {
	WorkerInstanceID string
	Tenant           string
	Payload          protocol.NextResponsePayload
}

// Effects are the side effects of one engine mutation, gathered under the
// lock and acted on by the caller afterwards.
type Effects struct {
	Dispatches []*DispatchRequest
	Replies    []NextReply
	Events     []events.Event
}

// pendingNext is one outstanding middleware call-through awaiting its
// target's outcome.
type pendingNext struct {
	RequestID        string
	RunID            string
	CallerTaskID     string
	TargetTaskID     string
	WorkerInstanceID string
	Tenant           string
	Deadline         time.Time
}

// Options tune engine behaviour.
type Options struct {
	// NextTimeout is the default deadline for middleware call-throughs.
	NextTimeout time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Engine is the run registry and state machine. One lock guards all runs;
// mutations are short and never block on IO.
type Engine struct {
	mu   sync.Mutex
	runs map[string]*RunRecord
	next map[string]*pendingNext

	logger      *slog.Logger
	nextTimeout time.Duration
	now         func() time.Time
}

// New creates an engine.
func New(logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.NextTimeout <= 0 {
		opts.NextTimeout = DefaultNextTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		runs:        make(map[string]*RunRecord),
		next:        make(map[string]*pendingNext),
		logger:      logger,
		nextTimeout: opts.NextTimeout,
		now:         opts.Clock,
	}
}

// StartRun validates, instantiates, and admits a run. The returned effects
// carry the initial dispatches and events; an empty workflow is terminal
// (succeeded) immediately.
func (e *Engine) StartRun(runID string, def *workflow.Definition, tenant, clientSessionID string) (*RunSummary, *Effects, error) {
	now := e.now().UTC()
	run, err := buildRun(runID, def, tenant, clientSessionID, now)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.runs[runID]; exists {
		return nil, nil, &errors.ValidationError{Field: "runId", Message: "run already exists: " + runID}
	}
	e.runs[runID] = run

	eff := &Effects{}
	e.collectReadyLocked(run, now, eff)
	e.refreshRunLocked(run, now, eff)
	eff.Events = append(eff.Events, events.New(run.scope(), events.TypeRunSnapshot, run.snapshotData()))

	return run.summarize(), eff, nil
}

// Get returns a deep-copied summary of a run.
func (e *Engine) Get(runID string) (*RunSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return run.summarize(), nil
}

// GetDefinition returns a deep copy of the definition a run was started with.
func (e *Engine) GetDefinition(runID string) (*workflow.Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return workflow.NormalizeIdentifiers(run.Definition), nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Tenant string
	Status Status
	Limit  int
}

// List returns run summaries, newest first.
func (e *Engine) List(filter ListFilter) []*RunSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*RunSummary, 0, len(e.runs))
	for _, run := range e.runs {
		if filter.Tenant != "" && run.Tenant != filter.Tenant {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run.summarize())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Cancel terminates a run. Cancelling a terminal run is a no-op.
func (e *Engine) Cancel(runID string) (*Effects, error) {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	eff := &Effects{}
	if run.Status.Terminal() {
		return eff, nil
	}

	for _, taskID := range run.Order {
		node := run.Nodes[taskID]
		if !node.Status.Terminal() {
			e.markTerminalLocked(run, node, StatusCancelled, nil, now, eff)
		}
	}
	e.refreshRunLocked(run, now, eff)
	return eff, nil
}

// MarkDispatched records that a dispatch was handed to a worker. The ack
// deadline starts the dispatch-acknowledgement timer owned by the dispatcher.
func (e *Engine) MarkDispatched(runID, taskID, dispatchID, workerName, workerInstanceID string, ackDeadline time.Time) (*Effects, error) {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	run, node, err := e.lookupLocked(runID, taskID)
	if err != nil {
		return nil, err
	}
	if node.DispatchID != dispatchID || node.Status != StatusQueued {
		// Stale dispatch: the node was reset or resolved in the meantime.
		return &Effects{}, nil
	}

	node.Status = StatusRunning
	node.WorkerName = workerName
	node.WorkerInstanceID = workerInstanceID
	node.PendingAck = true
	node.AckDeadline = ackDeadline
	node.StartedAt = &now

	eff := &Effects{}
	eff.Events = append(eff.Events, nodeStateEvent(run, node))
	e.refreshRunLocked(run, now, eff)
	return eff, nil
}

// MarkAcknowledged clears the pending-ack flag once the worker confirmed
// receipt of a dispatch.
func (e *Engine) MarkAcknowledged(runID, taskID, dispatchID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, node, err := e.lookupLocked(runID, taskID)
	if err != nil {
		return err
	}
	if node.DispatchID == dispatchID {
		node.PendingAck = false
	}
	return nil
}

// ResetAfterAckTimeout returns a node to the queue after its dispatch went
// unacknowledged, producing a fresh dispatch with the attempt count carried
// forward. A stale dispatch id is a no-op.
func (e *Engine) ResetAfterAckTimeout(runID, taskID, dispatchID string) (*Effects, error) {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	run, node, err := e.lookupLocked(runID, taskID)
	if err != nil {
		return nil, err
	}

	eff := &Effects{}
	if run.Status.Terminal() || node.DispatchID != dispatchID || node.Status != StatusRunning || !node.PendingAck {
		return eff, nil
	}

	e.resetNodeLocked(node)
	eff.Events = append(eff.Events, nodeStateEvent(run, node))
	eff.Dispatches = append(eff.Dispatches, run.buildDispatch(node))
	e.refreshRunLocked(run, now, eff)
	return eff, nil
}

// FailNode marks a node failed with a scheduler-side error (for example
// E.DISPATCH.UNAVAILABLE after the retry budget) and propagates the failure
// through its frame or the run.
func (e *Engine) FailNode(runID, taskID string, cmdErr *errors.CommandError) (*Effects, error) {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	run, node, err := e.lookupLocked(runID, taskID)
	if err != nil {
		return nil, err
	}

	eff := &Effects{}
	if run.Status.Terminal() || node.Status.Terminal() {
		return eff, nil
	}
	e.finishNodeLocked(run, node, StatusFailed, cmdErr, now, eff)
	e.refreshRunLocked(run, now, eff)
	return eff, nil
}

// Dispatchable is the dispatcher's pre-send revalidation: the dispatch is
// still wanted only if the run is live and the node still waits on this
// dispatch id.
func (e *Engine) Dispatchable(runID, taskID, dispatchID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[runID]
	if !ok || run.Status.Terminal() {
		return false
	}
	node, ok := run.Nodes[taskID]
	if !ok {
		return false
	}
	return node.Status == StatusQueued && node.Enqueued && node.DispatchID == dispatchID
}

func (e *Engine) lookupLocked(runID, taskID string) (*RunRecord, *NodeState, error) {
	run, ok := e.runs[runID]
	if !ok {
		return nil, nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	node, ok := run.Nodes[taskID]
	if !ok {
		return nil, nil, &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	return run, node, nil
}

// resetNodeLocked returns a node to the dispatchable queued state, clearing
// worker attribution. The attempt count is preserved.
func (e *Engine) resetNodeLocked(node *NodeState) {
	node.Status = StatusQueued
	node.Enqueued = false
	node.PendingAck = false
	node.WorkerName = ""
	node.WorkerInstanceID = ""
	node.DispatchID = ""
	node.AckDeadline = time.Time{}
	node.StartedAt = nil
}

// collectReadyLocked scans for dispatchable nodes until a fixpoint: ready
// plain nodes and middleware produce dispatches, ready containers expand
// their frame (which may itself release further nodes).
func (e *Engine) collectReadyLocked(run *RunRecord, now time.Time, eff *Effects) {
	for {
		progressed := false
		for i := 0; i < len(run.Order); i++ {
			node := run.Nodes[run.Order[i]]
			if node.Status != StatusQueued || node.Enqueued || node.ChainBlocked || node.Dependencies > 0 {
				continue
			}
			if node.Kind == KindContainer {
				e.activateFrameLocked(run, node, now, eff)
			} else {
				eff.Dispatches = append(eff.Dispatches, run.buildDispatch(node))
			}
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// activateFrameLocked expands a ready container into its frame, materialising
// the subgraph's node states. An empty subgraph completes the frame on the
// spot.
func (e *Engine) activateFrameLocked(run *RunRecord, container *NodeState, now time.Time, eff *Effects) {
	fdef := run.Frames[container.OwnedFrameID]

	container.Status = StatusRunning
	container.Enqueued = true
	container.StartedAt = &now

	frame := &FrameRuntimeState{
		FrameID:         fdef.FrameID,
		ContainerTaskID: container.TaskID,
		Status:          StatusRunning,
		StartedAt:       now,
	}
	run.ActiveFrames[fdef.FrameID] = frame

	before := len(run.Order)
	// The subgraph was validated at bootstrap; instantiation cannot fail.
	if err := run.instantiateGraph(fdef.FrameID, fdef.Subgraph.Nodes, fdef.Subgraph.Edges); err != nil {
		e.logger.Error("frame instantiation failed",
			slog.String("run_id", run.ID),
			slog.String("frame_id", fdef.FrameID),
			slog.Any("error", err))
	}
	frame.TaskIDs = append(frame.TaskIDs, run.Order[before:]...)

	eff.Events = append(eff.Events, nodeStateEvent(run, container))
	for _, taskID := range frame.TaskIDs {
		eff.Events = append(eff.Events, nodeStateEvent(run, run.Nodes[taskID]))
	}

	if len(frame.TaskIDs) == 0 {
		e.checkFrameLocked(run, frame, now, eff)
	}
}

// buildDispatch assigns the next run-level sequence and a dispatch id and
// marks the node enqueued.
func (r *RunRecord) buildDispatch(node *NodeState) *DispatchRequest {
	r.NextSeq++
	node.Seq = r.NextSeq
	node.Attempts++
	node.Enqueued = true
	node.DispatchID = uuid.NewString()

	payload := protocol.DispatchPayload{
		RunID:          r.ID,
		NodeID:         node.NodeID,
		TaskID:         node.TaskID,
		NodeType:       node.NodeType,
		PackageName:    node.Package.Name,
		PackageVersion: node.Package.Version,
		Parameters:     cloneMap(node.Parameters),
		ResourceRefs:   append([]string(nil), node.ResourceRefs...),
		Affinity:       node.Affinity,
		DispatchID:     node.DispatchID,
		// Workers serialise executions sharing a key; the key scopes a node
		// to its run and frame so retries of the same node never overlap.
		ConcurrencyKey: r.ID + ":" + node.FrameID + ":" + node.NodeID,
	}
	switch node.Kind {
	case KindMiddleware:
		host := r.Nodes[node.HostTaskID]
		idx := node.ChainIndex
		payload.HostNodeID = node.HostTaskID
		payload.MiddlewareChain = append([]string(nil), host.ChainIDs...)
		payload.ChainIndex = &idx
	case KindHost:
		payload.HostNodeID = node.TaskID
		payload.MiddlewareChain = append([]string(nil), node.ChainIDs...)
	}

	return &DispatchRequest{
		RunID:    r.ID,
		Tenant:   r.Tenant,
		TaskID:   node.TaskID,
		Seq:      node.Seq,
		Attempts: node.Attempts,
		Affinity: node.Affinity,
		Payload:  payload,
	}
}

// markTerminalLocked performs the terminal transition for one node without
// propagating failure: events, pending-next resolution, and dependency
// release on success or skip.
func (e *Engine) markTerminalLocked(run *RunRecord, node *NodeState, status Status, cmdErr *errors.CommandError, now time.Time, eff *Effects) {
	if node.Status.Terminal() {
		return
	}
	node.Status = status
	node.Error = cmdErr
	node.FinishedAt = &now
	node.Enqueued = false
	node.PendingAck = false
	node.Revision++

	eff.Events = append(eff.Events, nodeStateEvent(run, node))
	if status == StatusSucceeded || status == StatusFailed {
		eff.Events = append(eff.Events, resultSnapshotEvent(run, node))
	}

	e.resolveNextForLocked(run, node, eff)

	if status == StatusSucceeded || status == StatusSkipped {
		run.applyBindings(node)
		for _, dep := range node.Dependents {
			if d := run.Nodes[dep]; d != nil && d.Dependencies > 0 {
				d.Dependencies--
			}
		}
	}
}

// finishNodeLocked is markTerminalLocked plus propagation: a root failure
// fails the run, a frame member's terminal state rechecks its frame.
func (e *Engine) finishNodeLocked(run *RunRecord, node *NodeState, status Status, cmdErr *errors.CommandError, now time.Time, eff *Effects) {
	e.markTerminalLocked(run, node, status, cmdErr, now, eff)

	if status == StatusFailed && node.FrameID == "" {
		e.failRunLocked(run, now, eff)
		return
	}
	if node.FrameID != "" {
		if frame := run.ActiveFrames[node.FrameID]; frame != nil && !frame.Status.Terminal() {
			e.checkFrameLocked(run, frame, now, eff)
		}
	}
}

// checkFrameLocked settles a frame once its members allow it: any failed
// member fails the frame (cancelling still-queued siblings and failing the
// container); all members terminal without failure succeeds it.
func (e *Engine) checkFrameLocked(run *RunRecord, frame *FrameRuntimeState, now time.Time, eff *Effects) {
	var failErr *errors.CommandError
	allTerminal := true
	for _, taskID := range frame.TaskIDs {
		member := run.Nodes[taskID]
		if member.Status == StatusFailed && failErr == nil {
			failErr = member.Error
		}
		if !member.Status.Terminal() {
			allTerminal = false
		}
	}

	container := run.Nodes[frame.ContainerTaskID]

	if failErr != nil {
		for _, taskID := range frame.TaskIDs {
			member := run.Nodes[taskID]
			if member.Status == StatusQueued {
				e.markTerminalLocked(run, member, StatusCancelled, nil, now, eff)
			}
		}
		frame.Status = StatusFailed
		frame.FinishedAt = &now
		e.finishNodeLocked(run, container, StatusFailed, failErr, now, eff)
		return
	}
	if !allTerminal {
		return
	}

	frame.Status = StatusSucceeded
	frame.FinishedAt = &now
	container.Result = frameResult(run, frame)
	container.Revision++

	if len(container.Chain) > 0 {
		// The container was invoked through a middleware chain: answer the
		// pending next() with the aggregate and let the chain unwind; the
		// outermost middleware's result finalises the container.
		e.resolveNextForLocked(run, container, eff)
		return
	}
	e.finishNodeLocked(run, container, StatusSucceeded, nil, now, eff)
}

// frameResult aggregates the results of a frame's non-middleware members
// keyed by node id.
func frameResult(run *RunRecord, frame *FrameRuntimeState) map[string]any {
	nodes := make(map[string]any)
	for _, taskID := range frame.TaskIDs {
		member := run.Nodes[taskID]
		if member.Kind == KindMiddleware || member.Result == nil {
			continue
		}
		nodes[member.NodeID] = cloneMap(member.Result)
	}
	return map[string]any{"nodes": nodes}
}

// failRunLocked cancels everything still live after a root-level failure.
// The failing node is already terminal; the run error is taken from it by
// refreshRunLocked's rollup via the first failed node.
func (e *Engine) failRunLocked(run *RunRecord, now time.Time, eff *Effects) {
	if run.Error == nil {
		for _, taskID := range run.Order {
			node := run.Nodes[taskID]
			if node.Status == StatusFailed && node.Error != nil {
				run.Error = node.Error
				break
			}
		}
	}
	for _, taskID := range run.Order {
		node := run.Nodes[taskID]
		if !node.Status.Terminal() {
			e.markTerminalLocked(run, node, StatusCancelled, nil, now, eff)
		}
	}
}

// refreshRunLocked recomputes the rollup status, stamps transitions, and
// purges pending next requests when the run goes terminal.
func (e *Engine) refreshRunLocked(run *RunRecord, now time.Time, eff *Effects) {
	next := run.rollup()
	if next == run.Status {
		return
	}
	run.Status = next
	if next == StatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if next.Terminal() && run.FinishedAt == nil {
		run.FinishedAt = &now
		e.purgeNextLocked(run, eff)
	}

	eff.Events = append(eff.Events, events.New(run.scope(), events.TypeRunState, events.RunStateData{
		RunID:      run.ID,
		Status:     string(run.Status),
		Error:      run.Error,
		StartedAt:  copyTime(run.StartedAt),
		FinishedAt: copyTime(run.FinishedAt),
	}))
	if next.Terminal() {
		eff.Events = append(eff.Events, events.New(run.scope(), events.TypeRunSnapshot, run.snapshotData()))
	}
}

func nodeStateEvent(run *RunRecord, node *NodeState) events.Event {
	return events.New(run.scope(), events.TypeNodeState, events.NodeStateData{
		RunID:      run.ID,
		NodeID:     node.NodeID,
		TaskID:     node.TaskID,
		Status:     string(node.Status),
		Stage:      node.Stage,
		Progress:   copyFloat(node.Progress),
		Message:    node.Message,
		WorkerName: node.WorkerName,
		Error:      node.Error,
	})
}

func resultSnapshotEvent(run *RunRecord, node *NodeState) events.Event {
	return events.New(run.scope(), events.TypeNodeResultSnapshot, events.NodeResultSnapshotData{
		RunID:     run.ID,
		NodeID:    node.NodeID,
		TaskID:    node.TaskID,
		Status:    string(node.Status),
		Revision:  node.Revision,
		Result:    cloneMap(node.Result),
		Artifacts: cloneSliceOfMaps(node.Artifacts),
		Metadata:  cloneMap(node.Metadata),
	})
}
