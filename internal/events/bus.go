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
	"sync"
)

// Bus carries events from the engine to interested consumers.
type Bus interface {
	Publish(ctx context.Context, event Event) error
}

// Subscription receives events for one subscriber until cancelled.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel detaches the subscription from the bus and closes its channel.
func (s *Subscription) Cancel() {
	s.cancel()
}

type subscriber struct {
	ch    chan Event
	runID string
}

// MemoryBus is an in-process fan-out bus. Slow subscribers do not block the
// publisher: events are dropped for a subscriber whose buffer is full.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	bufSize int
	closed  bool
}

// NewMemoryBus creates a bus whose subscriber channels buffer up to bufSize
// events.
func NewMemoryBus(bufSize int) *MemoryBus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemoryBus{
		subs:    make(map[int]*subscriber),
		bufSize: bufSize,
	}
}

// Publish fans the event out to every matching subscriber.
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	for _, sub := range b.subs {
		if sub.runID != "" && sub.runID != event.Scope.RunID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber is not keeping up; drop rather than stall the
			// engine.
		}
	}
	return nil
}

// Subscribe registers a consumer for all events.
func (b *MemoryBus) Subscribe() *Subscription {
	return b.subscribe("")
}

// SubscribeRun registers a consumer for events scoped to one run.
func (b *MemoryBus) SubscribeRun(runID string) *Subscription {
	return b.subscribe(runID)
}

func (b *MemoryBus) subscribe(runID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.bufSize), runID: runID}
	if b.closed {
		close(sub.ch)
		return &Subscription{C: sub.ch, cancel: func() {}}
	}
	b.subs[id] = sub

	var once sync.Once
	return &Subscription{
		C: sub.ch,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				delete(b.subs, id)
				b.mu.Unlock()
				close(sub.ch)
			})
		},
	}
}

// Close detaches and closes every subscriber.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}
