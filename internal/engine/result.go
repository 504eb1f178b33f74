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
	"time"

	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/errors"
	"github.com/meshworks/flowd/pkg/workflow"
)

func statusFromWire(s string) (Status, bool) {
	switch Status(s) {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped:
		return Status(s), true
	}
	return "", false
}

// ApplyResult applies a worker's terminal task outcome. Results for terminal
// runs or already-terminal nodes are dropped (late and duplicate delivery are
// expected under redelivery); a mismatched dispatch id marks the result as
// stale.
func (e *Engine) ApplyResult(payload *protocol.ResultPayload) (*Effects, error) {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[payload.RunID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: payload.RunID}
	}

	eff := &Effects{}
	if run.Status.Terminal() {
		e.logger.Debug("dropping result for finalised run",
			slog.String("run_id", payload.RunID),
			slog.String("task_id", payload.TaskID))
		return eff, nil
	}
	node, ok := run.Nodes[payload.TaskID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "task", ID: payload.TaskID}
	}
	if node.Status.Terminal() {
		return eff, nil
	}
	if payload.DispatchID != "" && node.DispatchID != "" && payload.DispatchID != node.DispatchID {
		e.logger.Debug("dropping stale result",
			slog.String("run_id", payload.RunID),
			slog.String("task_id", payload.TaskID),
			slog.String("dispatch_id", payload.DispatchID))
		return eff, nil
	}
	if node.Kind == KindContainer {
		return nil, &errors.ValidationError{Field: "taskId", Message: "containers do not execute directly: " + payload.TaskID}
	}

	status, ok := statusFromWire(payload.Status)
	if !ok {
		return nil, &errors.ValidationError{Field: "status", Message: "unknown result status " + payload.Status}
	}

	node.PendingAck = false
	if payload.Result != nil {
		node.Result = cloneMap(payload.Result)
	}
	if payload.Artifacts != nil {
		node.Artifacts = cloneSliceOfMaps(payload.Artifacts)
	}
	if len(payload.Metadata) > 0 {
		node.Metadata = mergeMaps(node.Metadata, payload.Metadata)
	}

	switch {
	case node.Kind == KindHost && status == StatusSucceeded && !run.Nodes[node.Chain[0]].Status.Terminal():
		// The host finished while its chain is still unwinding: record the
		// result, answer the pending next(), and park the host back in the
		// queue (chain-blocked) so middleware can invoke it again before the
		// outermost link finalises the chain.
		node.Revision++
		e.resetNodeLocked(node)
		node.ChainBlocked = true
		eff.Events = append(eff.Events, nodeStateEvent(run, node))
		e.resolveNextForLocked(run, node, eff)

	case node.Kind == KindMiddleware:
		e.applyMiddlewareResultLocked(run, node, status, payload.Error, now, eff)

	default:
		e.finishNodeLocked(run, node, status, payload.Error, now, eff)
	}

	e.collectReadyLocked(run, now, eff)
	e.refreshRunLocked(run, now, eff)
	return eff, nil
}

// applyMiddlewareResultLocked settles one chain link. Success projects the
// link's output ports onto the host; the outermost link (or a skip anywhere
// in the chain) finalises the host. Failure fails the host.
func (e *Engine) applyMiddlewareResultLocked(run *RunRecord, mw *NodeState, status Status, cmdErr *errors.CommandError, now time.Time, eff *Effects) {
	host := run.Nodes[mw.HostTaskID]

	switch status {
	case StatusFailed:
		e.markTerminalLocked(run, mw, StatusFailed, cmdErr, now, eff)
		if !host.Status.Terminal() {
			e.finishNodeLocked(run, host, StatusFailed, cmdErr, now, eff)
		}
		return
	case StatusCancelled:
		e.markTerminalLocked(run, mw, StatusCancelled, cmdErr, now, eff)
		if !host.Status.Terminal() {
			e.finishNodeLocked(run, host, StatusCancelled, nil, now, eff)
		}
		return
	}

	e.markTerminalLocked(run, mw, status, nil, now, eff)
	projectOutputPorts(host, mw.Result)

	if mw.ChainIndex == 0 || status == StatusSkipped {
		e.finaliseHostLocked(run, host, mw.ChainIndex, now, eff)
	}
}

// finaliseHostLocked closes out a middleware chain: links inward of the
// settling index that never ran are skipped, and the host goes terminal. A
// skip before the host executed succeeds the host with whatever the chain
// projected onto it.
func (e *Engine) finaliseHostLocked(run *RunRecord, host *NodeState, fromIndex int, now time.Time, eff *Effects) {
	for i := fromIndex + 1; i < len(host.Chain); i++ {
		link := run.Nodes[host.Chain[i]]
		if link.Status == StatusQueued {
			e.markTerminalLocked(run, link, StatusSkipped, nil, now, eff)
		}
	}
	if host.Status.Terminal() {
		return
	}
	e.finishNodeLocked(run, host, StatusSucceeded, nil, now, eff)
}

// projectOutputPorts copies middleware output-port values onto the host. A
// port is a {"binding": {"root", "path"}, "value"} entry under the result's
// "outputPorts" list; the root selects the host's result or parameters tree.
func projectOutputPorts(host *NodeState, result map[string]any) {
	ports, _ := result["outputPorts"].([]any)
	for _, raw := range ports {
		port, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		binding, ok := port["binding"].(map[string]any)
		if !ok {
			continue
		}
		root, _ := binding["root"].(string)
		path, _ := binding["path"].(string)

		switch root {
		case workflow.RootResult:
			if host.Result == nil {
				host.Result = make(map[string]any)
			}
			_ = pointerSet(host.Result, path, cloneValue(port["value"]))
		case workflow.RootParameters:
			if host.Parameters == nil {
				host.Parameters = make(map[string]any)
			}
			_ = pointerSet(host.Parameters, path, cloneValue(port["value"]))
		}
	}
}

// ApplyError applies a worker's structured business error. E.RUNNER.CANCELLED
// resets the node for redispatch, E.CMD.CONCURRENCY_VIOLATION is advisory,
// and every other code fails the node as a failed result would.
func (e *Engine) ApplyError(payload *protocol.ErrorPayload) (*Effects, error) {
	if payload.Error == nil {
		return nil, &errors.ValidationError{Field: "error", Message: "error payload without error"}
	}
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[payload.RunID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: payload.RunID}
	}

	eff := &Effects{}
	if run.Status.Terminal() {
		return eff, nil
	}
	node, ok := run.Nodes[payload.TaskID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "task", ID: payload.TaskID}
	}
	if node.Status.Terminal() {
		return eff, nil
	}

	switch payload.Error.Code {
	case errors.CodeRunnerCancelled:
		if node.Status == StatusRunning {
			e.logger.Info("runner cancelled, requeueing task",
				slog.String("run_id", run.ID),
				slog.String("task_id", node.TaskID),
				slog.String("worker", node.WorkerName))
			e.resetNodeLocked(node)
			e.dropNextForLocked(run, node)
			eff.Events = append(eff.Events, nodeStateEvent(run, node))
			eff.Dispatches = append(eff.Dispatches, run.buildDispatch(node))
		}

	case errors.CodeConcurrencyViolation:
		// Advisory only: the worker kept the original in-flight task.
		e.logger.Warn("worker reported concurrency violation",
			slog.String("run_id", run.ID),
			slog.String("task_id", node.TaskID),
			slog.String("worker", node.WorkerName))

	default:
		if node.Kind == KindMiddleware {
			e.applyMiddlewareResultLocked(run, node, StatusFailed, payload.Error, now, eff)
		} else {
			e.finishNodeLocked(run, node, StatusFailed, payload.Error, now, eff)
		}
		e.collectReadyLocked(run, now, eff)
	}

	e.refreshRunLocked(run, now, eff)
	return eff, nil
}
