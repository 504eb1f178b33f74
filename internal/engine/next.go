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
	"time"

	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/errors"
)

// HandleNext routes a middleware call-through: the caller link hands control
// inward to the next chain link, or to the host when the chain is exhausted.
// Rejections come back as immediate error replies rather than Go errors so
// the worker always receives a next.response.
func (e *Engine) HandleNext(payload *protocol.NextRequestPayload, workerInstanceID, tenant string) (*Effects, error) {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	eff := &Effects{}
	reject := func(code, message string) (*Effects, error) {
		eff.Replies = append(eff.Replies, NextReply{
			WorkerInstanceID: workerInstanceID,
			Tenant:           tenant,
			Payload: protocol.NextResponsePayload{
				RequestID: payload.RequestID,
				Error:     errors.NewCommand(code, message),
			},
		})
		return eff, nil
	}

	run, ok := e.runs[payload.RunID]
	if !ok || run.Status.Terminal() {
		return reject(errors.NextRunFinalised, "run is finalised or unknown")
	}
	if _, dup := e.next[payload.RequestID]; dup {
		return reject(errors.NextDuplicate, "duplicate next request id")
	}

	host, ok := run.Nodes[payload.NodeID]
	if !ok || len(host.Chain) == 0 {
		return reject(errors.NextNoChain, "node has no middleware chain")
	}
	caller, ok := run.Nodes[host.TaskID+middlewareTaskInfix+payload.MiddlewareID]
	if !ok || caller.ChainIndex != payload.ChainIndex || caller.HostTaskID != host.TaskID {
		return reject(errors.NextInvalidChain, "middleware does not match chain position")
	}
	if caller.Status != StatusRunning {
		return reject(errors.NextInvalidChain, "calling middleware is not running")
	}

	var target *NodeState
	if payload.ChainIndex+1 < len(host.Chain) {
		target = run.Nodes[host.Chain[payload.ChainIndex+1]]
	} else {
		target = host
	}

	if target.Dependencies > 0 {
		return reject(errors.NextTargetNotReady, "target still has unmet dependencies")
	}

	// A target that already settled is re-activated: back to queued with its
	// prior outcome cleared, so the call-through drives a fresh execution.
	if target.Status.Terminal() {
		e.resetNodeLocked(target)
		target.Error = nil
		target.FinishedAt = nil
		eff.Events = append(eff.Events, nodeStateEvent(run, target))
	}

	if len(payload.Parameters) > 0 {
		target.Parameters = mergeMaps(target.Parameters, payload.Parameters)
	}
	if target.Status == StatusQueued && !target.Enqueued {
		target.ChainBlocked = false
	}

	timeout := e.nextTimeout
	if payload.TimeoutMs > 0 {
		timeout = time.Duration(payload.TimeoutMs) * time.Millisecond
	}
	e.next[payload.RequestID] = &pendingNext{
		RequestID:        payload.RequestID,
		RunID:            run.ID,
		CallerTaskID:     caller.TaskID,
		TargetTaskID:     target.TaskID,
		WorkerInstanceID: workerInstanceID,
		Tenant:           tenant,
		Deadline:         now.Add(timeout),
	}

	e.collectReadyLocked(run, now, eff)
	e.refreshRunLocked(run, now, eff)
	return eff, nil
}

// ExpireNext times out overdue pending call-throughs, producing next_timeout
// replies. Driven by the daemon's housekeeping ticker.
func (e *Engine) ExpireNext() *Effects {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	eff := &Effects{}
	for id, p := range e.next {
		if p.Deadline.After(now) {
			continue
		}
		delete(e.next, id)
		eff.Replies = append(eff.Replies, NextReply{
			WorkerInstanceID: p.WorkerInstanceID,
			Tenant:           p.Tenant,
			Payload: protocol.NextResponsePayload{
				RequestID: p.RequestID,
				Error:     errors.NewCommand(errors.NextTimeout, "next target did not settle in time"),
			},
		})
	}
	return eff
}

// PendingNext returns the number of outstanding call-throughs.
func (e *Engine) PendingNext() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.next)
}

// dropNextForLocked discards pending call-throughs targeting a node without
// replying. Used when the worker hands the node back for redispatch: the new
// execution owes no answer to the old request, and the caller's own timeout
// covers the silence.
func (e *Engine) dropNextForLocked(run *RunRecord, node *NodeState) {
	for id, p := range e.next {
		if p.RunID == run.ID && p.TargetTaskID == node.TaskID {
			delete(e.next, id)
		}
	}
}

// resolveNextForLocked answers every pending call-through whose target is the
// given node, from the node's current outcome.
func (e *Engine) resolveNextForLocked(run *RunRecord, node *NodeState, eff *Effects) {
	for id, p := range e.next {
		if p.RunID != run.ID || p.TargetTaskID != node.TaskID {
			continue
		}
		delete(e.next, id)
		eff.Replies = append(eff.Replies, e.replyFromNodeLocked(p, node))
	}
}

func (e *Engine) replyFromNodeLocked(p *pendingNext, node *NodeState) NextReply {
	reply := NextReply{
		WorkerInstanceID: p.WorkerInstanceID,
		Tenant:           p.Tenant,
		Payload:          protocol.NextResponsePayload{RequestID: p.RequestID},
	}
	switch node.Status {
	case StatusFailed:
		cmdErr := errors.NewCommand(errors.NextFailed, "next target failed")
		if node.Error != nil {
			cmdErr = cmdErr.WithDetail("cause", node.Error)
		}
		reply.Payload.Error = cmdErr
	case StatusCancelled:
		reply.Payload.Error = errors.NewCommand(errors.NextCancelled, "next target was cancelled")
	default:
		reply.Payload.Result = cloneMap(node.Result)
	}
	return reply
}

// purgeNextLocked fails every pending call-through for a run that went
// terminal.
func (e *Engine) purgeNextLocked(run *RunRecord, eff *Effects) {
	for id, p := range e.next {
		if p.RunID != run.ID {
			continue
		}
		delete(e.next, id)
		eff.Replies = append(eff.Replies, NextReply{
			WorkerInstanceID: p.WorkerInstanceID,
			Tenant:           p.Tenant,
			Payload: protocol.NextResponsePayload{
				RequestID: p.RequestID,
				Error:     errors.NewCommand(errors.NextRunFinalised, "run is finalised"),
			},
		})
	}
}
