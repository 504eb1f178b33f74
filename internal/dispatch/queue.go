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

	"github.com/meshworks/flowd/internal/engine"
)

// item is one queued dispatch plus its worker-selection retry count, which is
// independent of the engine's ack-level attempt count.
type item struct {
	req            *engine.DispatchRequest
	selectionTries int
}

// Queue is an in-memory FIFO of dispatch requests. Dequeue blocks until an
// item is available or the context is cancelled.
type Queue struct {
	mu     sync.Mutex
	items  []*item
	signal chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Enqueue appends a dispatch. Enqueueing on a closed queue is a no-op.
func (q *Queue) Enqueue(it *item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.notify()
}

// Dequeue removes the oldest item, blocking until one exists. Returns the
// context error on cancellation and context.Canceled once closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (*item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, context.Canceled
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters; queued items are discarded after drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
