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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func seqEnvelope(seq uint64) *Envelope {
	return &Envelope{
		Type:       TypeDispatch,
		ID:         "env-" + string(rune('a'+seq)),
		Tenant:     "t1",
		Sender:     Sender{Role: RoleScheduler, ID: "sched"},
		SessionSeq: &seq,
	}
}

func TestSendWindowAcquireAssignsSequences(t *testing.T) {
	w := NewSendWindow(4)
	ctx := context.Background()

	for want := uint64(1); want <= 4; want++ {
		seq, err := w.Acquire(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	assert.Equal(t, 4, w.Inflight())
}

func TestSendWindowBlocksWhenFull(t *testing.T) {
	w := NewSendWindow(1)
	ctx := context.Background()

	_, err := w.Acquire(ctx)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = w.Acquire(blocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Releasing the credit unblocks the next acquire.
	w.HandleAck(1, 0)
	seq, err := w.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestSendWindowBitmapRelease(t *testing.T) {
	w := NewSendWindow(4)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := w.Acquire(ctx)
		require.NoError(t, err)
	}

	// Ack seq 1 contiguously plus seq 3 via bitmap: bit k covers ackSeq+1+k,
	// so bit 1 covers seq 3.
	w.HandleAck(1, 0b10)
	assert.Equal(t, 2, w.Inflight(), "seq 2 and 4 remain inflight")

	w.HandleAck(4, 0)
	assert.Equal(t, 0, w.Inflight())
}

func TestSendWindowSizeOneStillFlows(t *testing.T) {
	w := NewSendWindow(1)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		seq, err := w.Acquire(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, seq)
		w.HandleAck(seq, 0)
	}
}

func TestRecvWindowInOrderDelivery(t *testing.T) {
	w := NewRecvWindow(8)

	delivered, reason := w.Receive(seqEnvelope(1))
	assert.Equal(t, DropNone, reason)
	require.Len(t, delivered, 1)

	delivered, reason = w.Receive(seqEnvelope(2))
	assert.Equal(t, DropNone, reason)
	require.Len(t, delivered, 1)
}

func TestRecvWindowBuffersGaps(t *testing.T) {
	w := NewRecvWindow(8)

	delivered, reason := w.Receive(seqEnvelope(3))
	assert.Equal(t, DropNone, reason)
	assert.Empty(t, delivered, "gapped frame must be buffered")

	delivered, reason = w.Receive(seqEnvelope(2))
	assert.Equal(t, DropNone, reason)
	assert.Empty(t, delivered)

	delivered, reason = w.Receive(seqEnvelope(1))
	assert.Equal(t, DropNone, reason)
	require.Len(t, delivered, 3, "filling the gap releases buffered successors")
	assert.Equal(t, uint64(1), *delivered[0].SessionSeq)
	assert.Equal(t, uint64(2), *delivered[1].SessionSeq)
	assert.Equal(t, uint64(3), *delivered[2].SessionSeq)
}

func TestRecvWindowDrops(t *testing.T) {
	w := NewRecvWindow(4)

	_, _ = w.Receive(seqEnvelope(1))

	_, reason := w.Receive(seqEnvelope(1))
	assert.Equal(t, DropStale, reason)

	_, reason = w.Receive(seqEnvelope(3))
	assert.Equal(t, DropNone, reason)
	_, reason = w.Receive(seqEnvelope(3))
	assert.Equal(t, DropDuplicate, reason)

	_, reason = w.Receive(seqEnvelope(99))
	assert.Equal(t, DropOutOfWindow, reason)
}

func TestRecvWindowAckState(t *testing.T) {
	w := NewRecvWindow(8)

	_, _ = w.Receive(seqEnvelope(1))
	_, _ = w.Receive(seqEnvelope(3))
	_, _ = w.Receive(seqEnvelope(5))

	ackSeq, bitmap, size := w.AckState()
	assert.Equal(t, uint64(1), ackSeq)
	assert.Equal(t, uint64(0b1010), bitmap, "bits for seq 3 and 5 relative to base 1")
	assert.Equal(t, 8, size)
}

func TestRecvWindowUnsequencedBypasses(t *testing.T) {
	w := NewRecvWindow(4)
	env := &Envelope{Type: TypeHeartbeat, ID: "hb", Sender: Sender{Role: RoleWorker, ID: "w1"}}

	delivered, reason := w.Receive(env)
	assert.Equal(t, DropNone, reason)
	require.Len(t, delivered, 1)
}

func TestWindowReset(t *testing.T) {
	send := NewSendWindow(4)
	recv := NewRecvWindow(4)
	ctx := context.Background()

	_, err := send.Acquire(ctx)
	require.NoError(t, err)
	_, _ = recv.Receive(seqEnvelope(1))

	send.Reset()
	recv.Reset()

	seq, err := send.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq, "sequencing restarts after reset")

	delivered, reason := recv.Receive(seqEnvelope(1))
	assert.Equal(t, DropNone, reason)
	assert.Len(t, delivered, 1)
}

// TestRecvWindowDeliversInOrder feeds a random permutation of a sequence
// range through the receive window and asserts strictly in-order delivery
// with no loss and no duplicates.
func TestRecvWindowDeliversInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 60).Draw(t, "n")
		w := NewRecvWindow(64)

		perm := rapid.Permutation(seqRange(n)).Draw(t, "perm")

		var delivered []uint64
		for _, seq := range perm {
			out, reason := w.Receive(seqEnvelope(seq))
			if reason != DropNone {
				t.Fatalf("unexpected drop %q for seq %d", reason, seq)
			}
			for _, env := range out {
				delivered = append(delivered, *env.SessionSeq)
			}
		}

		if len(delivered) != n {
			t.Fatalf("delivered %d of %d frames", len(delivered), n)
		}
		for i, seq := range delivered {
			if seq != uint64(i+1) {
				t.Fatalf("out-of-order delivery at %d: got seq %d", i, seq)
			}
		}
	})
}

func seqRange(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i + 1)
	}
	return out
}
