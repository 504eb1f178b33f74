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

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshworks/flowd/internal/engine"
	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/workflow"
)

func candidate(name string, mutate func(*Candidate)) Candidate {
	c := Candidate{
		WorkerInstanceID: "wi-" + name,
		WorkerName:       name,
		Tenant:           "t1",
		Connected:        true,
		Registered:       true,
		Healthy:          true,
		LastHeartbeat:    time.Now(),
		Packages:         map[string]string{"pkg": "1.0.0"},
	}
	if mutate != nil {
		mutate(&c)
	}
	return c
}

func TestEligibility(t *testing.T) {
	now := time.Now()
	req := Requirements{PackageName: "pkg"}

	tests := []struct {
		name   string
		mutate func(*Candidate)
		req    Requirements
		want   bool
	}{
		{"baseline", nil, req, true},
		{"disconnected", func(c *Candidate) { c.Connected = false }, req, false},
		{"unregistered", func(c *Candidate) { c.Registered = false }, req, false},
		{"draining", func(c *Candidate) { c.Draining = true }, req, false},
		{"stale heartbeat", func(c *Candidate) { c.LastHeartbeat = now.Add(-time.Hour) }, req, false},
		{"missing package", nil, Requirements{PackageName: "other"}, false},
		{"version mismatch", nil, Requirements{PackageName: "pkg", PackageVersion: "2.0.0"}, false},
		{"affinity mismatch", nil, Requirements{PackageName: "pkg", Affinity: "other"}, false},
		{"affinity match", nil, Requirements{PackageName: "pkg", Affinity: "w"}, true},
		{"unhealthy stays eligible", func(c *Candidate) { c.Healthy = false }, req, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate("w", tt.mutate)
			assert.Equal(t, tt.want, Eligible(&c, tt.req, now, 30*time.Second))
		})
	}
}

func TestSelectionStrategies(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		candidate("busy-fast", func(c *Candidate) { c.Inflight = 9; c.LatencyMs = 5 }),
		candidate("idle-slow", func(c *Candidate) { c.Inflight = 0; c.LatencyMs = 200 }),
		candidate("sick-idle", func(c *Candidate) { c.Inflight = 0; c.LatencyMs = 1; c.Healthy = false }),
	}
	req := Requirements{PackageName: "pkg"}

	t.Run("default prefers healthy then least loaded", func(t *testing.T) {
		got := Select(StrategyDefault, candidates, req, now, 0)
		require.NotNil(t, got)
		assert.Equal(t, "idle-slow", got.WorkerName)
	})

	t.Run("least_inflight ignores health rank first", func(t *testing.T) {
		got := Select(StrategyLeastInflight, candidates, req, now, 0)
		require.NotNil(t, got)
		assert.Equal(t, "idle-slow", got.WorkerName, "healthy wins the inflight tie")
	})

	t.Run("least_latency picks fastest healthy ordering", func(t *testing.T) {
		got := Select(StrategyLeastLatency, candidates, req, now, 0)
		require.NotNil(t, got)
		assert.Equal(t, "sick-idle", got.WorkerName, "latency dominates before health")
	})

	t.Run("deterministic tie-break on name", func(t *testing.T) {
		tied := []Candidate{candidate("b", nil), candidate("a", nil)}
		got := Select(StrategyDefault, tied, req, now, 0)
		require.NotNil(t, got)
		assert.Equal(t, "a", got.WorkerName)
	})

	t.Run("none eligible", func(t *testing.T) {
		got := Select(StrategyDefault, candidates, Requirements{PackageName: "missing"}, now, 0)
		assert.Nil(t, got)
	})

	t.Run("random picks an eligible worker", func(t *testing.T) {
		got := Select(StrategyRandom, candidates, req, now, 0)
		require.NotNil(t, got)
	})
}

func TestQueueBlocksAndDrains(t *testing.T) {
	q := NewQueue()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	q.Enqueue(&item{req: &engine.DispatchRequest{TaskID: "a"}})
	q.Enqueue(&item{req: &engine.DispatchRequest{TaskID: "b"}})
	assert.Equal(t, 2, q.Len())

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got.req.TaskID, "FIFO order")

	q.Close()
	got, err = q.Dequeue(context.Background())
	require.NoError(t, err, "close drains remaining items first")
	assert.Equal(t, "b", got.req.TaskID)

	_, err = q.Dequeue(context.Background())
	assert.Error(t, err)
}

func TestValidateMetadata(t *testing.T) {
	idx := func(i int) *int { return &i }

	tests := []struct {
		name    string
		payload protocol.DispatchPayload
		wantErr bool
	}{
		{"plain task", protocol.DispatchPayload{TaskID: "a"}, false},
		{"middleware link", protocol.DispatchPayload{TaskID: "m", HostNodeID: "h", MiddlewareChain: []string{"m"}, ChainIndex: idx(0)}, false},
		{"host via next", protocol.DispatchPayload{TaskID: "h", HostNodeID: "h", MiddlewareChain: []string{"m"}}, false},
		{"chain index without host", protocol.DispatchPayload{TaskID: "m", ChainIndex: idx(0), MiddlewareChain: []string{"m"}}, true},
		{"chain index without chain", protocol.DispatchPayload{TaskID: "m", HostNodeID: "h", ChainIndex: idx(0)}, true},
		{"chain index out of range", protocol.DispatchPayload{TaskID: "m", HostNodeID: "h", MiddlewareChain: []string{"m"}, ChainIndex: idx(3)}, true},
		{"host without chain", protocol.DispatchPayload{TaskID: "h", HostNodeID: "h"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMetadata(&tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type fakeWorkers struct {
	mu   sync.Mutex
	list []Candidate
}

func (f *fakeWorkers) Candidates(string) []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Candidate(nil), f.list...)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.DispatchPayload
	ch   chan protocol.DispatchPayload
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan protocol.DispatchPayload, 16)}
}

func (f *fakeSender) SendDispatch(_ context.Context, _ string, payload protocol.DispatchPayload) error {
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	f.mu.Unlock()
	f.ch <- payload
	return nil
}

func TestDispatcherDeliversAndAcks(t *testing.T) {
	eng := engine.New(nil, engine.Options{})
	workers := &fakeWorkers{list: []Candidate{candidate("w1", func(c *Candidate) {
		c.Packages = map[string]string{"pkg-a": "1.0.0"}
	})}}
	sender := newFakeSender()
	queue := NewQueue()
	metrics := NewMetrics(prometheus.NewRegistry(), queue)

	var effMu sync.Mutex
	var collected []*engine.Effects
	d := New(eng, workers, sender, queue, metrics, nil, Options{AckTimeout: time.Minute}, func(eff *engine.Effects) {
		effMu.Lock()
		collected = append(collected, eff)
		effMu.Unlock()
	})
	d.Start()
	defer d.Stop()

	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{{
		ID: "a", Type: "task", Package: workflow.PackageRef{Name: "pkg-a", Version: "1.0.0"},
	}}}
	_, eff, err := eng.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	d.Enqueue(eff.Dispatches...)

	select {
	case payload := <-sender.ch:
		assert.Equal(t, "a", payload.TaskID)
		d.Acknowledge(payload.RunID, payload.TaskID, payload.DispatchID)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never reached the worker")
	}

	got, err := eng.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRunning, got.Status)
	assert.Equal(t, "w1", got.Nodes[0].WorkerName)
}

func TestDispatcherFailsRunWhenNoWorker(t *testing.T) {
	eng := engine.New(nil, engine.Options{})
	queue := NewQueue()
	metrics := NewMetrics(prometheus.NewRegistry(), queue)
	d := New(eng, &fakeWorkers{}, newFakeSender(), queue, metrics, nil, Options{
		AckTimeout:  time.Minute,
		MaxAttempts: 2,
		BaseRetry:   5 * time.Millisecond,
		MaxRetry:    10 * time.Millisecond,
	}, nil)
	d.Start()
	defer d.Stop()

	def := &workflow.Definition{Nodes: []workflow.NodeDefinition{{
		ID: "a", Type: "task", Package: workflow.PackageRef{Name: "pkg-a"},
	}}}
	_, eff, err := eng.StartRun("run-1", def, "t1", "")
	require.NoError(t, err)
	d.Enqueue(eff.Dispatches...)

	require.Eventually(t, func() bool {
		got, err := eng.Get("run-1")
		return err == nil && got.Status == engine.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := eng.Get("run-1")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "E.DISPATCH.UNAVAILABLE", got.Error.Code)
}
