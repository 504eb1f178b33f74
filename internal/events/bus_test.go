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

package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusFanOut(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()

	all := bus.Subscribe()
	defer all.Cancel()
	scoped := bus.SubscribeRun("run-1")
	defer scoped.Cancel()

	require.NoError(t, bus.Publish(context.Background(), New(Scope{Tenant: "t1", RunID: "run-1"}, TypeRunState, RunStateData{RunID: "run-1", Status: "running"})))
	require.NoError(t, bus.Publish(context.Background(), New(Scope{Tenant: "t1", RunID: "run-2"}, TypeRunState, RunStateData{RunID: "run-2", Status: "running"})))

	assert.Len(t, all.C, 2)
	require.Len(t, scoped.C, 1)
	got := <-scoped.C
	assert.Equal(t, "run-1", got.Scope.RunID)
}

func TestMemoryBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), New(Scope{Tenant: "t1"}, TypeNodeState, nil)))
	}
	assert.Len(t, sub.C, 1, "overflow events are dropped, not queued")
}

func TestSubscriptionCancelIsIdempotent(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Cancel()
	sub.Cancel()

	require.NoError(t, bus.Publish(context.Background(), New(Scope{Tenant: "t1"}, TypeNodeState, nil)))
	_, open := <-sub.C
	assert.False(t, open, "cancelled subscription channel is closed")
}

func TestEmitterSurvivesNilBus(t *testing.T) {
	emitter := NewEmitter(nil, nil)
	emitter.Emit(context.Background(), []Event{New(Scope{}, TypeRunState, nil)})
}
