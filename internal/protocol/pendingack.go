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
	"log/slog"
	"sync"
	"time"

	"github.com/meshworks/flowd/pkg/errors"
)

// RetryPolicy bounds per-message ack retries with exponential backoff.
type RetryPolicy struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// DefaultRetryPolicy is used when a tracker is created without one.
var DefaultRetryPolicy = RetryPolicy{
	Base:     500 * time.Millisecond,
	Max:      8 * time.Second,
	Attempts: 5,
}

// Backoff returns the delay before the given retry attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

type pendingAck struct {
	cancel context.CancelFunc
}

// AckTracker tracks outbound ack.request=true envelopes by id and drives the
// retry timer for each. Resolving an id cancels its timer; exceeding the
// retry budget fails the send through the onFail callback.
type AckTracker struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
	policy  RetryPolicy
	logger  *slog.Logger
}

// NewAckTracker creates a tracker with the given retry policy.
func NewAckTracker(policy RetryPolicy, logger *slog.Logger) *AckTracker {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AckTracker{
		pending: make(map[string]*pendingAck),
		policy:  policy,
		logger:  logger,
	}
}

// Track registers an envelope id and starts its retry timer. The send
// function is invoked for every retry; onFail is invoked once if the retry
// budget is exhausted before the id is resolved.
func (t *AckTracker) Track(ctx context.Context, id string, send func() error, onFail func(error)) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if prev, ok := t.pending[id]; ok {
		prev.cancel()
	}
	t.pending[id] = &pendingAck{cancel: cancel}
	t.mu.Unlock()

	go t.retryLoop(ctx, id, send, onFail)
}

func (t *AckTracker) retryLoop(ctx context.Context, id string, send func() error, onFail func(error)) {
	for attempt := 1; attempt <= t.policy.Attempts; attempt++ {
		timer := time.NewTimer(t.policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.logger.Debug("resending unacknowledged envelope",
			slog.String("envelope_id", id),
			slog.Int("attempt", attempt))
		if err := send(); err != nil {
			t.logger.Debug("ack retry send failed",
				slog.String("envelope_id", id),
				slog.Any("error", err))
		}
	}

	if t.remove(id) {
		onFail(&errors.TimeoutError{
			Operation: "envelope acknowledgement",
			Duration:  t.policy.Backoff(t.policy.Attempts) * time.Duration(t.policy.Attempts),
		})
	}
}

// Resolve cancels the retry timer for the given id. Returns false if the id
// was not tracked (already resolved, failed, or never requested an ack).
func (t *AckTracker) Resolve(id string) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if ok {
		p.cancel()
	}
	return ok
}

// Pending returns the number of unresolved envelope ids.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close cancels every retry timer.
func (t *AckTracker) Close() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingAck)
	t.mu.Unlock()

	for _, p := range pending {
		p.cancel()
	}
}

func (t *AckTracker) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		delete(t.pending, id)
		return true
	}
	return false
}
