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
	"sync"
)

// DefaultWindowSize is the sliding-window credit count used when a session
// does not configure one.
const DefaultWindowSize = 64

// SendWindow grants credits for outbound business frames. Each send acquires
// a credit and the next sessionSeq; credits are released when the peer's ack
// state covers the sequence.
type SendWindow struct {
	mu       sync.Mutex
	size     int
	nextSeq  uint64
	inflight map[uint64]struct{}
	signal   chan struct{}
	closed   bool
}

// NewSendWindow creates a send window with the given credit count.
func NewSendWindow(size int) *SendWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &SendWindow{
		size:     size,
		inflight: make(map[uint64]struct{}),
		signal:   make(chan struct{}, 1),
	}
}

// Acquire blocks until a credit is available, then assigns and returns the
// next sessionSeq. Sequences start at 1.
func (w *SendWindow) Acquire(ctx context.Context) (uint64, error) {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return 0, context.Canceled
		}
		if len(w.inflight) < w.size {
			w.nextSeq++
			seq := w.nextSeq
			w.inflight[seq] = struct{}{}
			w.mu.Unlock()
			return seq, nil
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-w.signal:
			// Credit may be available, loop again.
		}
	}
}

// HandleAck releases credits for every sequence ≤ ackSeq and every sequence
// whose bit is set in the bitmap (bit k covers ackSeq+1+k).
func (w *SendWindow) HandleAck(ackSeq uint64, bitmap uint64) {
	w.mu.Lock()
	released := false
	for seq := range w.inflight {
		if seq <= ackSeq {
			delete(w.inflight, seq)
			released = true
			continue
		}
		offset := seq - ackSeq - 1
		if offset < 64 && bitmap&(1<<offset) != 0 {
			delete(w.inflight, seq)
			released = true
		}
	}
	w.mu.Unlock()

	if released {
		w.notify()
	}
}

// Inflight returns the number of unacknowledged sequences.
func (w *SendWindow) Inflight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// Reset clears all window state and restarts sequencing from 1. Called on
// control.reset and non-resumed session accept.
func (w *SendWindow) Reset() {
	w.mu.Lock()
	w.nextSeq = 0
	w.inflight = make(map[uint64]struct{})
	w.mu.Unlock()
	w.notify()
}

// Close releases all waiters.
func (w *SendWindow) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.notify()
}

func (w *SendWindow) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// DropReason classifies why a received frame was not delivered.
type DropReason string

const (
	DropNone        DropReason = ""
	DropStale       DropReason = "stale"
	DropDuplicate   DropReason = "duplicate"
	DropOutOfWindow DropReason = "out_of_window"
)

// RecvWindow tracks the receive side: the last contiguously delivered
// sequence plus a buffer of out-of-order arrivals.
type RecvWindow struct {
	mu     sync.Mutex
	size   int
	base   uint64
	buffer map[uint64]*Envelope
}

// NewRecvWindow creates a receive window of the given size.
func NewRecvWindow(size int) *RecvWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &RecvWindow{
		size:   size,
		buffer: make(map[uint64]*Envelope),
	}
}

// Receive accepts a sequenced frame. Frames arriving strictly in order are
// returned for delivery together with any buffered successors they unblock;
// gapped frames are buffered and return nothing. Duplicates, stale frames
// (≤ base), and frames beyond the window are dropped with a reason.
func (w *RecvWindow) Receive(env *Envelope) ([]*Envelope, DropReason) {
	if env.SessionSeq == nil {
		// Unsequenced frames bypass the window.
		return []*Envelope{env}, DropNone
	}
	seq := *env.SessionSeq

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case seq <= w.base:
		return nil, DropStale
	case seq > w.base+uint64(w.size):
		return nil, DropOutOfWindow
	case seq == w.base+1:
		delivered := []*Envelope{env}
		w.base = seq
		for {
			next, ok := w.buffer[w.base+1]
			if !ok {
				break
			}
			delete(w.buffer, w.base+1)
			w.base++
			delivered = append(delivered, next)
		}
		return delivered, DropNone
	default:
		if _, ok := w.buffer[seq]; ok {
			return nil, DropDuplicate
		}
		w.buffer[seq] = env
		return nil, DropNone
	}
}

// AckState returns the window state carried on every ack envelope: the last
// contiguous sequence, the bitmap of buffered out-of-order sequences, and
// the window size.
func (w *RecvWindow) AckState() (ackSeq uint64, bitmap uint64, recvWindow int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for seq := range w.buffer {
		offset := seq - w.base - 1
		if offset < 64 {
			bitmap |= 1 << offset
		}
	}
	return w.base, bitmap, w.size
}

// Reset clears all receive state.
func (w *RecvWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.base = 0
	w.buffer = make(map[uint64]*Envelope)
}
