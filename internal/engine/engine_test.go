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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshworks/flowd/internal/events"
	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/errors"
	"github.com/meshworks/flowd/pkg/workflow"
)

func newTestEngine() *Engine {
	return New(nil, Options{})
}

func taskNode(id string) workflow.NodeDefinition {
	return workflow.NodeDefinition{
		ID:      id,
		Type:    "task",
		Package: workflow.PackageRef{Name: "pkg-" + id, Version: "1.0.0"},
	}
}

func markRunning(t *testing.T, e *Engine, d *DispatchRequest) {
	t.Helper()
	_, err := e.MarkDispatched(d.RunID, d.TaskID, d.Payload.DispatchID, "w1", "wi-1", time.Now().Add(5*time.Second))
	require.NoError(t, err)
}

func succeed(t *testing.T, e *Engine, d *DispatchRequest, result map[string]any) *Effects {
	t.Helper()
	markRunning(t, e, d)
	eff, err := e.ApplyResult(&protocol.ResultPayload{
		RunID:      d.RunID,
		TaskID:     d.TaskID,
		Status:     string(StatusSucceeded),
		Result:     result,
		DispatchID: d.Payload.DispatchID,
	})
	require.NoError(t, err)
	return eff
}

func TestLinearChainRunsToCompletion(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{
		Nodes: []workflow.NodeDefinition{taskNode("a"), taskNode("b"), taskNode("c")},
		Edges: []workflow.EdgeDefinition{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
	}

	summary, eff, err := e.StartRun("run-1", def, "t1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, summary.Status)
	require.Len(t, eff.Dispatches, 1)
	assert.Equal(t, "a", eff.Dispatches[0].TaskID)
	assert.Equal(t, uint64(1), eff.Dispatches[0].Seq)
	assert.Equal(t, "run-1::a", eff.Dispatches[0].Payload.ConcurrencyKey)

	eff = succeed(t, e, eff.Dispatches[0], map[string]any{"out": 1})
	require.Len(t, eff.Dispatches, 1)
	assert.Equal(t, "b", eff.Dispatches[0].TaskID)

	eff = succeed(t, e, eff.Dispatches[0], nil)
	require.Len(t, eff.Dispatches, 1)
	assert.Equal(t, "c", eff.Dispatches[0].TaskID)

	eff = succeed(t, e, eff.Dispatches[0], nil)
	assert.Empty(t, eff.Dispatches)

	got, err := e.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestFanOutJoinFailureCancelsDependent(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{
		Nodes: []workflow.NodeDefinition{taskNode("a"), taskNode("b"), taskNode("c"), taskNode("d")},
		Edges: []workflow.EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "b", Target: "d"},
			{Source: "c", Target: "d"},
		},
	}

	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	eff = succeed(t, e, eff.Dispatches[0], nil)
	require.Len(t, eff.Dispatches, 2, "fan-out dispatches b and c together")

	var b, c *DispatchRequest
	for _, d := range eff.Dispatches {
		if d.TaskID == "b" {
			b = d
		} else {
			c = d
		}
	}
	require.NotNil(t, b)
	require.NotNil(t, c)

	markRunning(t, e, b)
	markRunning(t, e, c)
	_, err = e.ApplyResult(&protocol.ResultPayload{
		RunID:  "run-1",
		TaskID: "c",
		Status: string(StatusFailed),
		Error:  errors.NewCommand("E.TASK.BOOM", "exploded"),
	})
	require.NoError(t, err)

	got, err := e.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "E.TASK.BOOM", got.Error.Code)

	for _, node := range got.Nodes {
		switch node.TaskID {
		case "d":
			assert.Equal(t, StatusCancelled, node.Status, "join node is never dispatched")
		case "b":
			assert.Equal(t, StatusCancelled, node.Status, "in-flight sibling is cancelled on run failure")
		}
	}
}

func TestEdgeBindingCopiesResultIntoParameters(t *testing.T) {
	e := newTestEngine()
	source := taskNode("a")
	source.Bindings = []workflow.BindingDefinition{{
		SourceRoot: workflow.RootResult,
		SourcePath: "/items/0/name",
		TargetNode: "b",
		TargetRoot: workflow.RootParameters,
		TargetPath: "/input/name",
	}}
	def := &workflow.Definition{
		Nodes: []workflow.NodeDefinition{source, taskNode("b")},
		Edges: []workflow.EdgeDefinition{{Source: "a", Target: "b"}},
	}

	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)

	eff = succeed(t, e, eff.Dispatches[0], map[string]any{
		"items": []any{map[string]any{"name": "widget"}},
	})
	require.Len(t, eff.Dispatches, 1)
	params := eff.Dispatches[0].Payload.Parameters
	require.NotNil(t, params)
	input, ok := params["input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "widget", input["name"])
}

func TestMiddlewareChainUnwinds(t *testing.T) {
	e := newTestEngine()
	host := taskNode("h")
	host.Middlewares = []workflow.MiddlewareDefinition{
		{ID: "m1", Type: "mw", Package: workflow.PackageRef{Name: "pkg-mw"}},
		{ID: "m2", Type: "mw", Package: workflow.PackageRef{Name: "pkg-mw"}},
	}
	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{host}}

	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	require.Len(t, eff.Dispatches, 1, "only the outermost middleware starts")
	m1 := eff.Dispatches[0]
	assert.Equal(t, "h::mw::m1", m1.TaskID)
	assert.Equal(t, "h", m1.Payload.HostNodeID)
	require.NotNil(t, m1.Payload.ChainIndex)
	assert.Equal(t, 0, *m1.Payload.ChainIndex)
	assert.Equal(t, []string{"m1", "m2"}, m1.Payload.MiddlewareChain)
	markRunning(t, e, m1)

	// m1 calls next() -> m2 dispatches.
	eff, err = e.HandleNext(&protocol.NextRequestPayload{
		RequestID:    "req-1",
		RunID:        "run-1",
		NodeID:       "h",
		MiddlewareID: "m1",
		ChainIndex:   0,
		Parameters:   map[string]any{"fromM1": true},
	}, "wi-1", "t1")
	require.NoError(t, err)
	assert.Empty(t, eff.Replies)
	require.Len(t, eff.Dispatches, 1)
	m2 := eff.Dispatches[0]
	assert.Equal(t, "h::mw::m2", m2.TaskID)
	assert.Equal(t, true, m2.Payload.Parameters["fromM1"], "next() parameters flow inward")
	markRunning(t, e, m2)

	// m2 calls next() -> the host dispatches.
	eff, err = e.HandleNext(&protocol.NextRequestPayload{
		RequestID:    "req-2",
		RunID:        "run-1",
		NodeID:       "h",
		MiddlewareID: "m2",
		ChainIndex:   1,
	}, "wi-1", "t1")
	require.NoError(t, err)
	require.Len(t, eff.Dispatches, 1)
	h := eff.Dispatches[0]
	assert.Equal(t, "h", h.TaskID)
	assert.Nil(t, h.Payload.ChainIndex)

	// Host result answers m2's pending next() and parks the host back in the
	// queue, chain-blocked, so middleware can invoke it again.
	eff = succeed(t, e, h, map[string]any{"answer": 42})
	require.Len(t, eff.Replies, 1)
	assert.Equal(t, "req-2", eff.Replies[0].Payload.RequestID)
	assert.Equal(t, 42, eff.Replies[0].Payload.Result["answer"])
	assert.Empty(t, eff.Dispatches, "a parked host is not redispatched unbidden")

	got, err := e.Get("run-1")
	require.NoError(t, err)
	for _, node := range got.Nodes {
		if node.TaskID == "h" {
			assert.Equal(t, StatusQueued, node.Status, "host is requeued while the chain unwinds")
		}
	}

	// m2 completes: m1's pending next() resolves with m2's result.
	eff, err = e.ApplyResult(&protocol.ResultPayload{
		RunID:  "run-1",
		TaskID: "h::mw::m2",
		Status: string(StatusSucceeded),
		Result: map[string]any{"wrapped": true},
	})
	require.NoError(t, err)
	require.Len(t, eff.Replies, 1)
	assert.Equal(t, "req-1", eff.Replies[0].Payload.RequestID)
	assert.Equal(t, true, eff.Replies[0].Payload.Result["wrapped"])

	// m1 (outermost) completes: the host finalises and the run succeeds.
	_, err = e.ApplyResult(&protocol.ResultPayload{
		RunID:  "run-1",
		TaskID: "h::mw::m1",
		Status: string(StatusSucceeded),
	})
	require.NoError(t, err)

	got, err = e.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
}

func TestNextReinvokesHostAfterResult(t *testing.T) {
	e := newTestEngine()
	host := taskNode("h")
	host.Middlewares = []workflow.MiddlewareDefinition{
		{ID: "retry", Type: "mw", Package: workflow.PackageRef{Name: "pkg-mw"}},
	}
	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{host}}

	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	markRunning(t, e, eff.Dispatches[0])

	// First call-through executes the host.
	eff, err = e.HandleNext(&protocol.NextRequestPayload{
		RequestID: "req-1", RunID: "run-1", NodeID: "h", MiddlewareID: "retry", ChainIndex: 0,
	}, "wi-1", "t1")
	require.NoError(t, err)
	require.Len(t, eff.Dispatches, 1)
	first := eff.Dispatches[0]
	assert.Equal(t, "h", first.TaskID)

	eff = succeed(t, e, first, map[string]any{"attempt": 1})
	require.Len(t, eff.Replies, 1)
	assert.Equal(t, "req-1", eff.Replies[0].Payload.RequestID)

	// The middleware calls next() again: the settled host goes back through
	// the queue with a fresh dispatch.
	eff, err = e.HandleNext(&protocol.NextRequestPayload{
		RequestID: "req-2", RunID: "run-1", NodeID: "h", MiddlewareID: "retry", ChainIndex: 0,
	}, "wi-1", "t1")
	require.NoError(t, err)
	assert.Empty(t, eff.Replies, "a repeat call-through is not answered from the stale outcome")
	require.Len(t, eff.Dispatches, 1)
	second := eff.Dispatches[0]
	assert.Equal(t, "h", second.TaskID)
	assert.NotEqual(t, first.Payload.DispatchID, second.Payload.DispatchID)

	eff = succeed(t, e, second, map[string]any{"attempt": 2})
	require.Len(t, eff.Replies, 1)
	assert.Equal(t, "req-2", eff.Replies[0].Payload.RequestID)
	assert.Equal(t, 2, eff.Replies[0].Payload.Result["attempt"])

	// The outermost middleware settles and the host finalises with the
	// latest execution's result.
	_, err = e.ApplyResult(&protocol.ResultPayload{
		RunID: "run-1", TaskID: "h::mw::retry", Status: string(StatusSucceeded),
	})
	require.NoError(t, err)

	got, err := e.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	for _, node := range got.Nodes {
		if node.TaskID == "h" {
			assert.Equal(t, StatusSucceeded, node.Status)
			assert.Equal(t, 2, node.Result["attempt"])
		}
	}
}

func TestMiddlewareSkipShortCircuitsChain(t *testing.T) {
	e := newTestEngine()
	host := taskNode("h")
	host.Middlewares = []workflow.MiddlewareDefinition{
		{ID: "cache", Type: "mw", Package: workflow.PackageRef{Name: "pkg-mw"}},
		{ID: "inner", Type: "mw", Package: workflow.PackageRef{Name: "pkg-mw"}},
	}
	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{host}}

	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	markRunning(t, e, eff.Dispatches[0])

	// The outermost middleware skips: cached value projected onto the host,
	// the inner link and the host never execute.
	_, err = e.ApplyResult(&protocol.ResultPayload{
		RunID:  "run-1",
		TaskID: "h::mw::cache",
		Status: string(StatusSkipped),
		Result: map[string]any{
			"outputPorts": []any{map[string]any{
				"binding": map[string]any{"root": "result", "path": "/cached"},
				"value":   "hit",
			}},
		},
	})
	require.NoError(t, err)

	got, err := e.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	for _, node := range got.Nodes {
		switch node.TaskID {
		case "h":
			assert.Equal(t, StatusSucceeded, node.Status)
			assert.Equal(t, "hit", node.Result["cached"])
		case "h::mw::inner":
			assert.Equal(t, StatusSkipped, node.Status)
		}
	}
}

func TestMiddlewareFailureFailsHost(t *testing.T) {
	e := newTestEngine()
	host := taskNode("h")
	host.Middlewares = []workflow.MiddlewareDefinition{
		{ID: "m1", Type: "mw", Package: workflow.PackageRef{Name: "pkg-mw"}},
	}
	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{host}}

	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	markRunning(t, e, eff.Dispatches[0])

	_, err = e.ApplyResult(&protocol.ResultPayload{
		RunID:  "run-1",
		TaskID: "h::mw::m1",
		Status: string(StatusFailed),
		Error:  errors.NewCommand("E.MW.BROKE", "middleware broke"),
	})
	require.NoError(t, err)

	got, err := e.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "E.MW.BROKE", got.Error.Code)
}

func TestNextRejections(t *testing.T) {
	e := newTestEngine()
	host := taskNode("h")
	host.Middlewares = []workflow.MiddlewareDefinition{
		{ID: "m1", Type: "mw", Package: workflow.PackageRef{Name: "pkg-mw"}},
	}
	def := &workflow.Definition{
		Nodes: []workflow.NodeDefinition{host, taskNode("plain")},
	}

	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	for _, d := range eff.Dispatches {
		markRunning(t, e, d)
	}

	tests := []struct {
		name     string
		payload  protocol.NextRequestPayload
		wantCode string
	}{
		{
			name:     "unknown run",
			payload:  protocol.NextRequestPayload{RequestID: "r1", RunID: "nope", NodeID: "h", MiddlewareID: "m1"},
			wantCode: errors.NextRunFinalised,
		},
		{
			name:     "no chain",
			payload:  protocol.NextRequestPayload{RequestID: "r2", RunID: "run-1", NodeID: "plain", MiddlewareID: "m1"},
			wantCode: errors.NextNoChain,
		},
		{
			name:     "wrong chain position",
			payload:  protocol.NextRequestPayload{RequestID: "r3", RunID: "run-1", NodeID: "h", MiddlewareID: "m1", ChainIndex: 7},
			wantCode: errors.NextInvalidChain,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff, err := e.HandleNext(&tt.payload, "wi-1", "t1")
			require.NoError(t, err)
			require.Len(t, eff.Replies, 1)
			require.NotNil(t, eff.Replies[0].Payload.Error)
			assert.Equal(t, tt.wantCode, eff.Replies[0].Payload.Error.Code)
		})
	}

	t.Run("duplicate request id", func(t *testing.T) {
		first, err := e.HandleNext(&protocol.NextRequestPayload{
			RequestID: "dup", RunID: "run-1", NodeID: "h", MiddlewareID: "m1", ChainIndex: 0,
		}, "wi-1", "t1")
		require.NoError(t, err)
		require.Len(t, first.Dispatches, 1, "chain of one routes next() to the host")

		second, err := e.HandleNext(&protocol.NextRequestPayload{
			RequestID: "dup", RunID: "run-1", NodeID: "h", MiddlewareID: "m1", ChainIndex: 0,
		}, "wi-1", "t1")
		require.NoError(t, err)
		require.Len(t, second.Replies, 1)
		assert.Equal(t, errors.NextDuplicate, second.Replies[0].Payload.Error.Code)
	})
}

func TestNextTimeout(t *testing.T) {
	current := time.Now()
	e := New(nil, Options{Clock: func() time.Time { return current }})

	host := taskNode("h")
	host.Middlewares = []workflow.MiddlewareDefinition{
		{ID: "m1", Type: "mw", Package: workflow.PackageRef{Name: "pkg-mw"}},
	}
	_, eff, err := e.StartRun("run-1", &workflow.Definition{Nodes: []workflow.NodeDefinition{host}}, "t1", "")
	require.NoError(t, err)
	markRunning(t, e, eff.Dispatches[0])

	_, err = e.HandleNext(&protocol.NextRequestPayload{
		RequestID: "req-1", RunID: "run-1", NodeID: "h", MiddlewareID: "m1", ChainIndex: 0, TimeoutMs: 1000,
	}, "wi-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.PendingNext())

	current = current.Add(500 * time.Millisecond)
	assert.Empty(t, e.ExpireNext().Replies, "deadline not reached yet")

	current = current.Add(time.Second)
	expired := e.ExpireNext()
	require.Len(t, expired.Replies, 1)
	assert.Equal(t, errors.NextTimeout, expired.Replies[0].Payload.Error.Code)
	assert.Zero(t, e.PendingNext())
}

func TestContainerFrameExpansion(t *testing.T) {
	e := newTestEngine()
	container := workflow.NodeDefinition{ID: "c", Type: "group", SubgraphID: "sg"}
	def := &workflow.Definition{
		Nodes: []workflow.NodeDefinition{container, taskNode("after")},
		Edges: []workflow.EdgeDefinition{{Source: "c", Target: "after"}},
		Subgraphs: map[string]*workflow.Subgraph{
			"sg": {
				ID:    "sg",
				Nodes: []workflow.NodeDefinition{taskNode("x"), taskNode("y")},
				Edges: []workflow.EdgeDefinition{{Source: "x", Target: "y"}},
			},
		},
	}

	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	require.Len(t, eff.Dispatches, 1)
	assert.Equal(t, "c::sg::x", eff.Dispatches[0].TaskID, "frame members get frame-scoped task ids")
	assert.Equal(t, "run-1:c::sg:x", eff.Dispatches[0].Payload.ConcurrencyKey,
		"concurrency key carries the frame scope")

	eff = succeed(t, e, eff.Dispatches[0], map[string]any{"from": "x"})
	require.Len(t, eff.Dispatches, 1)
	assert.Equal(t, "c::sg::y", eff.Dispatches[0].TaskID)

	eff = succeed(t, e, eff.Dispatches[0], map[string]any{"from": "y"})
	require.Len(t, eff.Dispatches, 1)
	assert.Equal(t, "after", eff.Dispatches[0].TaskID, "frame completion releases the container's dependents")

	got, err := e.Get("run-1")
	require.NoError(t, err)
	for _, node := range got.Nodes {
		if node.TaskID == "c" {
			assert.Equal(t, StatusSucceeded, node.Status)
			nodes, ok := node.Result["nodes"].(map[string]any)
			require.True(t, ok)
			assert.Contains(t, nodes, "x")
			assert.Contains(t, nodes, "y")
		}
	}
}

func TestNestedContainersExpandDepthFirst(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{
		Nodes: []workflow.NodeDefinition{{ID: "outer", Type: "group", SubgraphID: "sg1"}},
		Subgraphs: map[string]*workflow.Subgraph{
			"sg1": {ID: "sg1", Nodes: []workflow.NodeDefinition{{ID: "mid", Type: "group", SubgraphID: "sg2"}}},
			"sg2": {ID: "sg2", Nodes: []workflow.NodeDefinition{taskNode("leaf")}},
		},
	}

	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	require.Len(t, eff.Dispatches, 1)
	assert.Equal(t, "outer::sg1::mid::sg2::leaf", eff.Dispatches[0].TaskID)

	_ = succeed(t, e, eff.Dispatches[0], nil)

	got, err := e.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status, "leaf completion cascades through both frames")
}

func TestRecursiveSubgraphRejected(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{
		Nodes: []workflow.NodeDefinition{{ID: "c", Type: "group", SubgraphID: "sg"}},
		Subgraphs: map[string]*workflow.Subgraph{
			"sg": {ID: "sg", Nodes: []workflow.NodeDefinition{{ID: "again", Type: "group", SubgraphID: "sg"}}},
		},
	}

	_, _, err := e.StartRun("run-1", def, "t1", "")
	require.Error(t, err)
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDependencyCycleRejected(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{
		Nodes: []workflow.NodeDefinition{taskNode("a"), taskNode("b")},
		Edges: []workflow.EdgeDefinition{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}

	_, _, err := e.StartRun("run-1", def, "t1", "")
	require.Error(t, err)
}

func TestEmptyWorkflowSucceedsImmediately(t *testing.T) {
	e := newTestEngine()
	summary, eff, err := e.StartRun("run-1", &workflow.Definition{}, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, summary.Status)
	assert.NotNil(t, summary.FinishedAt)
	assert.Empty(t, eff.Dispatches)
}

func TestCancelIsIdempotent(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{
		Nodes: []workflow.NodeDefinition{taskNode("a"), taskNode("b")},
		Edges: []workflow.EdgeDefinition{{Source: "a", Target: "b"}},
	}
	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	markRunning(t, e, eff.Dispatches[0])

	first, err := e.Cancel("run-1")
	require.NoError(t, err)
	assert.NotEmpty(t, first.Events)

	second, err := e.Cancel("run-1")
	require.NoError(t, err)
	assert.Empty(t, second.Events, "cancelling a terminal run is a no-op")

	got, err := e.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// Late results after cancellation are dropped.
	eff2, err := e.ApplyResult(&protocol.ResultPayload{RunID: "run-1", TaskID: "a", Status: string(StatusSucceeded)})
	require.NoError(t, err)
	assert.Empty(t, eff2.Events)
}

func TestDuplicateResultIsIdempotent(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{
		Nodes: []workflow.NodeDefinition{taskNode("a"), taskNode("b")},
		Edges: []workflow.EdgeDefinition{{Source: "a", Target: "b"}},
	}
	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	a := eff.Dispatches[0]

	first := succeed(t, e, a, nil)
	require.Len(t, first.Dispatches, 1)

	again, err := e.ApplyResult(&protocol.ResultPayload{
		RunID: "run-1", TaskID: "a", Status: string(StatusSucceeded), DispatchID: a.Payload.DispatchID,
	})
	require.NoError(t, err)
	assert.Empty(t, again.Dispatches, "duplicate result must not re-release dependents")
}

func TestAckTimeoutResetRedispatches(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{taskNode("a")}}
	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	a := eff.Dispatches[0]
	assert.Equal(t, 1, a.Attempts)
	markRunning(t, e, a)

	reset, err := e.ResetAfterAckTimeout("run-1", "a", a.Payload.DispatchID)
	require.NoError(t, err)
	require.Len(t, reset.Dispatches, 1)
	retry := reset.Dispatches[0]
	assert.Equal(t, 2, retry.Attempts)
	assert.NotEqual(t, a.Payload.DispatchID, retry.Payload.DispatchID, "retry gets a fresh dispatch id")

	// A stale reset for the superseded dispatch does nothing.
	stale, err := e.ResetAfterAckTimeout("run-1", "a", a.Payload.DispatchID)
	require.NoError(t, err)
	assert.Empty(t, stale.Dispatches)
}

func TestRunnerCancelledRequeues(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{taskNode("a")}}
	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	a := eff.Dispatches[0]
	markRunning(t, e, a)

	requeued, err := e.ApplyError(&protocol.ErrorPayload{
		RunID:  "run-1",
		TaskID: "a",
		Error:  errors.NewCommand(errors.CodeRunnerCancelled, "worker shutting down"),
	})
	require.NoError(t, err)
	require.Len(t, requeued.Dispatches, 1)
	assert.Equal(t, "a", requeued.Dispatches[0].TaskID)

	got, err := e.Get("run-1")
	require.NoError(t, err)
	assert.False(t, got.Status.Terminal())
}

func TestRunnerCancelledDropsPendingNext(t *testing.T) {
	e := newTestEngine()
	host := taskNode("h")
	host.Middlewares = []workflow.MiddlewareDefinition{
		{ID: "m1", Type: "mw", Package: workflow.PackageRef{Name: "pkg-mw"}},
	}
	_, eff, err := e.StartRun("run-1", &workflow.Definition{Nodes: []workflow.NodeDefinition{host}}, "t1", "")
	require.NoError(t, err)
	markRunning(t, e, eff.Dispatches[0])

	eff, err = e.HandleNext(&protocol.NextRequestPayload{
		RequestID: "req-1", RunID: "run-1", NodeID: "h", MiddlewareID: "m1", ChainIndex: 0,
	}, "wi-1", "t1")
	require.NoError(t, err)
	require.Len(t, eff.Dispatches, 1)
	markRunning(t, e, eff.Dispatches[0])
	require.Equal(t, 1, e.PendingNext())

	// The worker hands the host back: it is requeued and the outstanding
	// call-through is discarded without a reply. The caller's own timeout
	// covers the silence.
	requeued, err := e.ApplyError(&protocol.ErrorPayload{
		RunID:  "run-1",
		TaskID: "h",
		Error:  errors.NewCommand(errors.CodeRunnerCancelled, "worker shutting down"),
	})
	require.NoError(t, err)
	require.Len(t, requeued.Dispatches, 1)
	assert.Equal(t, "h", requeued.Dispatches[0].TaskID)
	assert.Empty(t, requeued.Replies)
	assert.Zero(t, e.PendingNext())
}

func TestConcurrencyViolationIsAdvisory(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{taskNode("a")}}
	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	markRunning(t, e, eff.Dispatches[0])

	out, err := e.ApplyError(&protocol.ErrorPayload{
		RunID:  "run-1",
		TaskID: "a",
		Error:  errors.NewCommand(errors.CodeConcurrencyViolation, "already running one"),
	})
	require.NoError(t, err)
	assert.Empty(t, out.Dispatches)

	got, err := e.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestFeedbackEmitsOrderedDeltas(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{taskNode("a")}}
	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	markRunning(t, e, eff.Dispatches[0])

	progress := 0.5
	out, err := e.ApplyFeedback(&protocol.FeedbackPayload{
		RunID:    "run-1",
		TaskID:   "a",
		Stage:    "working",
		Progress: &progress,
		Metadata: map[string]any{"step": 1},
		Chunks: []protocol.FeedbackChunk{
			{Channel: "stdout", Text: "line 1"},
			{Channel: "stdout", Text: "line 2"},
		},
	})
	require.NoError(t, err)

	var deltas []events.NodeResultDeltaData
	for _, ev := range out.Events {
		if ev.Type == events.TypeNodeResultDelta {
			deltas = append(deltas, ev.Data.(events.NodeResultDeltaData))
		}
	}
	require.Len(t, deltas, 3)
	assert.Equal(t, events.OpReplace, deltas[0].Op)
	assert.Equal(t, "/metadata/step", deltas[0].Path)
	assert.Equal(t, events.OpAppend, deltas[1].Op)
	assert.Equal(t, "/channels/stdout", deltas[1].Path)

	var lastRev, lastSeq int64
	for _, d := range deltas {
		require.True(t, d.Revision > lastRev || (d.Revision == lastRev && d.Sequence > lastSeq),
			"(revision, sequence) must be strictly increasing")
		lastRev, lastSeq = d.Revision, d.Sequence
	}

	// A later feedback bumps the revision.
	out, err = e.ApplyFeedback(&protocol.FeedbackPayload{
		RunID: "run-1", TaskID: "a", Metadata: map[string]any{"step": 2},
	})
	require.NoError(t, err)
	for _, ev := range out.Events {
		if ev.Type == events.TypeNodeResultDelta {
			assert.Greater(t, ev.Data.(events.NodeResultDeltaData).Revision, lastRev)
		}
	}
}

func TestFeedbackNestedMetadataMergesPerLeaf(t *testing.T) {
	e := newTestEngine()
	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{taskNode("a")}}
	_, eff, err := e.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	a := eff.Dispatches[0]
	markRunning(t, e, a)

	_, err = e.ApplyFeedback(&protocol.FeedbackPayload{
		RunID: "run-1", TaskID: "a",
		Metadata: map[string]any{"results": map[string]any{"keep": "v0"}},
	})
	require.NoError(t, err)

	out, err := e.ApplyFeedback(&protocol.FeedbackPayload{
		RunID: "run-1", TaskID: "a",
		Metadata: map[string]any{"results": map[string]any{
			"files": map[string]any{"count": 3},
			"phase": "scan",
		}},
	})
	require.NoError(t, err)

	// Only the touched leaves are published, each under its full pointer.
	var deltas []events.NodeResultDeltaData
	for _, ev := range out.Events {
		if ev.Type == events.TypeNodeResultDelta {
			deltas = append(deltas, ev.Data.(events.NodeResultDeltaData))
		}
	}
	require.Len(t, deltas, 2)
	assert.Equal(t, "/metadata/results/files/count", deltas[0].Path)
	assert.Equal(t, 3, deltas[0].Value)
	assert.Equal(t, "/metadata/results/phase", deltas[1].Path)
	assert.Equal(t, "scan", deltas[1].Value)

	// The untouched sibling survives the deep merge; the terminal snapshot
	// carries the whole merged tree.
	done, err := e.ApplyResult(&protocol.ResultPayload{
		RunID: "run-1", TaskID: "a", Status: string(StatusSucceeded), DispatchID: a.Payload.DispatchID,
	})
	require.NoError(t, err)
	var merged map[string]any
	for _, ev := range done.Events {
		if ev.Type == events.TypeNodeResultSnapshot {
			merged = ev.Data.(events.NodeResultSnapshotData).Metadata
		}
	}
	require.NotNil(t, merged)
	results := merged["results"].(map[string]any)
	assert.Equal(t, "v0", results["keep"])
	assert.Equal(t, "scan", results["phase"])
	assert.Equal(t, map[string]any{"count": 3}, results["files"])
}

func TestListFiltersAndOrders(t *testing.T) {
	current := time.Now()
	e := New(nil, Options{Clock: func() time.Time { return current }})

	_, _, err := e.StartRun("run-1", &workflow.Definition{Nodes: []workflow.NodeDefinition{taskNode("a")}}, "t1", "")
	require.NoError(t, err)
	current = current.Add(time.Second)
	_, _, err = e.StartRun("run-2", &workflow.Definition{}, "t2", "")
	require.NoError(t, err)

	all := e.List(ListFilter{})
	require.Len(t, all, 2)
	assert.Equal(t, "run-2", all[0].RunID, "newest first")

	tenant := e.List(ListFilter{Tenant: "t1"})
	require.Len(t, tenant, 1)
	assert.Equal(t, "run-1", tenant[0].RunID)

	done := e.List(ListFilter{Status: StatusSucceeded})
	require.Len(t, done, 1)
	assert.Equal(t, "run-2", done[0].RunID)
}

func TestSummaryDoesNotAliasEngineState(t *testing.T) {
	e := newTestEngine()
	node := taskNode("a")
	node.Parameters = map[string]any{"keep": "original"}
	_, eff, err := e.StartRun("run-1", &workflow.Definition{Nodes: []workflow.NodeDefinition{node}}, "t1", "")
	require.NoError(t, err)

	_ = succeed(t, e, eff.Dispatches[0], map[string]any{"value": "v1"})

	first, err := e.Get("run-1")
	require.NoError(t, err)
	first.Nodes[0].Result["value"] = "mutated"

	second, err := e.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", second.Nodes[0].Result["value"])
}

func TestDispatchableRevalidation(t *testing.T) {
	e := newTestEngine()
	_, eff, err := e.StartRun("run-1", &workflow.Definition{Nodes: []workflow.NodeDefinition{taskNode("a")}}, "t1", "")
	require.NoError(t, err)
	a := eff.Dispatches[0]

	assert.True(t, e.Dispatchable("run-1", "a", a.Payload.DispatchID))
	assert.False(t, e.Dispatchable("run-1", "a", "other-dispatch"))

	_, err = e.Cancel("run-1")
	require.NoError(t, err)
	assert.False(t, e.Dispatchable("run-1", "a", a.Payload.DispatchID), "terminal run is never dispatchable")
}
