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

package protocol

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeDispatch, "tenant-1", Sender{Role: RoleScheduler, ID: "sched-1"}, &DispatchPayload{
		RunID:       "run-1",
		NodeID:      "a",
		TaskID:      "a",
		NodeType:    "task",
		PackageName: "pkg-a",
		DispatchID:  "d-1",
	})
	require.NoError(t, err)
	env.Ack = &AckInfo{Request: true}

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, TypeDispatch, decoded.Type)
	assert.Equal(t, "tenant-1", decoded.Tenant)
	assert.True(t, decoded.Ack.Request)

	var payload DispatchPayload
	require.NoError(t, decoded.DecodePayload(&payload))
	assert.Equal(t, "run-1", payload.RunID)
	assert.Equal(t, "d-1", payload.DispatchID)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"missing type", `{"id":"x","sender":{"role":"worker","id":"w"}}`},
		{"missing id", `{"type":"control.ack","sender":{"role":"worker","id":"w"}}`},
		{"unknown role", `{"type":"control.ack","id":"x","sender":{"role":"intruder","id":"w"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestEnvelopeKinds(t *testing.T) {
	ctrl := &Envelope{Type: TypeAck}
	biz := &Envelope{Type: TypeResult}

	assert.True(t, ctrl.IsControl())
	assert.False(t, ctrl.IsBusiness())
	assert.True(t, biz.IsBusiness())
	assert.False(t, biz.IsControl())
}

func TestHeartbeatFresh(t *testing.T) {
	now := time.Now()

	t.Run("no cap accepts anything", func(t *testing.T) {
		assert.True(t, HeartbeatFresh(now.Add(-time.Hour), now, 0))
	})

	t.Run("exactly maxAge is healthy", func(t *testing.T) {
		assert.True(t, HeartbeatFresh(now.Add(-30*time.Second), now, 30*time.Second))
	})

	t.Run("strictly older is not", func(t *testing.T) {
		assert.False(t, HeartbeatFresh(now.Add(-30*time.Second-time.Nanosecond), now, 30*time.Second))
	})
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 10 * time.Second, Attempts: 6}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(5), "backoff caps at max")
	assert.Equal(t, 10*time.Second, p.Backoff(6))
}

func TestAckTrackerResolveCancelsRetry(t *testing.T) {
	tracker := NewAckTracker(RetryPolicy{Base: 20 * time.Millisecond, Max: 40 * time.Millisecond, Attempts: 3}, nil)
	defer tracker.Close()

	var sends atomic.Int32
	tracker.Track(context.Background(), "env-1", func() error {
		sends.Add(1)
		return nil
	}, func(error) {
		t.Error("onFail should not fire for a resolved ack")
	})

	assert.True(t, tracker.Resolve("env-1"))
	assert.False(t, tracker.Resolve("env-1"), "second resolve is a no-op")

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, sends.Load(), "no resend after resolve")
}

func TestAckTrackerFailsAfterAttempts(t *testing.T) {
	tracker := NewAckTracker(RetryPolicy{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond, Attempts: 2}, nil)
	defer tracker.Close()

	var sends atomic.Int32
	failed := make(chan error, 1)
	tracker.Track(context.Background(), "env-2", func() error {
		sends.Add(1)
		return nil
	}, func(err error) {
		failed <- err
	})

	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("onFail never fired")
	}
	assert.Equal(t, int32(2), sends.Load(), "one resend per attempt")
	assert.Zero(t, tracker.Pending())
}
