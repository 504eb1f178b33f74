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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meshworks/flowd/internal/engine"
	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/errors"
)

// Sender delivers a dispatch payload to one worker session.
type Sender interface {
	SendDispatch(ctx context.Context, workerInstanceID string, payload protocol.DispatchPayload) error
}

// WorkerSource produces candidate snapshots for selection.
type WorkerSource interface {
	Candidates(tenant string) []Candidate
}

// Options tune the dispatcher.
type Options struct {
	AckTimeout      time.Duration
	MaxAttempts     int
	BaseRetry       time.Duration
	MaxRetry        time.Duration
	Strategy        string
	MaxHeartbeatAge time.Duration
}

func (o *Options) withDefaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseRetry <= 0 {
		o.BaseRetry = time.Second
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = 30 * time.Second
	}
	if o.Strategy == "" {
		o.Strategy = StrategyDefault
	}
}

// Dispatcher drains the dispatch queue: for each request it revalidates with
// the engine, selects a worker, sends, and arms the acknowledgement timer.
// Failed selection retries with exponential backoff until the attempt budget
// fails the node with E.DISPATCH.UNAVAILABLE.
type Dispatcher struct {
	queue     *Queue
	engine    *engine.Engine
	workers   WorkerSource
	sender    Sender
	opts      Options
	metrics   *Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	onEffects func(*engine.Effects)

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	mu        sync.Mutex
	ackTimers map[string]*time.Timer
	waiters   map[*time.Timer]struct{}
	stopped   bool
}

// New creates a dispatcher. onEffects receives every engine effect produced
// by dispatcher-driven mutations; queued dispatches inside those effects must
// be fed back through Enqueue by the callback's owner.
func New(eng *engine.Engine, workers WorkerSource, sender Sender, queue *Queue, metrics *Metrics, logger *slog.Logger, opts Options, onEffects func(*engine.Effects)) *Dispatcher {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:     queue,
		engine:    eng,
		workers:   workers,
		sender:    sender,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
		tracer:    otel.Tracer("flowd/dispatch"),
		onEffects: onEffects,
		ctx:       ctx,
		cancel:    cancel,
		doneCh:    make(chan struct{}),
		ackTimers: make(map[string]*time.Timer),
		waiters:   make(map[*time.Timer]struct{}),
	}
}

// Start launches the delivery loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop cancels the loop and all pending timers, waiting for the loop to
// drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.doneCh
		return
	}
	d.stopped = true
	timers := make([]*time.Timer, 0, len(d.ackTimers)+len(d.waiters))
	for _, t := range d.ackTimers {
		timers = append(timers, t)
	}
	for t := range d.waiters {
		timers = append(timers, t)
	}
	d.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	d.cancel()
	d.queue.Close()
	<-d.doneCh
}

// Enqueue adds engine-produced dispatch requests to the queue.
func (d *Dispatcher) Enqueue(reqs ...*engine.DispatchRequest) {
	for _, req := range reqs {
		d.queue.Enqueue(&item{req: req})
	}
}

// Acknowledge confirms worker receipt of a dispatch: the engine clears the
// pending-ack flag and the local timer is disarmed.
func (d *Dispatcher) Acknowledge(runID, taskID, dispatchID string) {
	if err := d.engine.MarkAcknowledged(runID, taskID, dispatchID); err != nil {
		d.logger.Debug("ack for unknown dispatch",
			slog.String("run_id", runID),
			slog.String("task_id", taskID),
			slog.Any("error", err))
	}

	d.mu.Lock()
	timer, ok := d.ackTimers[dispatchID]
	if ok {
		delete(d.ackTimers, dispatchID)
	}
	d.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		it, err := d.queue.Dequeue(d.ctx)
		if err != nil {
			return
		}
		d.deliver(it)
	}
}

func (d *Dispatcher) deliver(it *item) {
	req := it.req
	if !d.engine.Dispatchable(req.RunID, req.TaskID, req.Payload.DispatchID) {
		d.metrics.Dispatched.WithLabelValues("dropped").Inc()
		return
	}

	if err := validateMetadata(&req.Payload); err != nil {
		d.metrics.Dispatched.WithLabelValues("invalid_metadata").Inc()
		eff, ferr := d.engine.FailNode(req.RunID, req.TaskID,
			errors.NewCommand(errors.CodeDispatchInvalidMetadata, err.Error()))
		if ferr == nil {
			d.emit(eff)
		}
		return
	}

	now := time.Now().UTC()
	candidate := Select(d.opts.Strategy, d.workers.Candidates(req.Tenant), Requirements{
		PackageName:    req.Payload.PackageName,
		PackageVersion: req.Payload.PackageVersion,
		Affinity:       req.Affinity,
	}, now, d.opts.MaxHeartbeatAge)
	if candidate == nil {
		d.requeue(it)
		return
	}

	ctx, span := d.tracer.Start(d.ctx, "dispatch.send", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("task.id", req.TaskID),
		attribute.String("worker.name", candidate.WorkerName),
	))
	err := d.sender.SendDispatch(ctx, candidate.WorkerInstanceID, req.Payload)
	span.End()
	if err != nil {
		d.logger.Warn("dispatch send failed",
			slog.String("run_id", req.RunID),
			slog.String("task_id", req.TaskID),
			slog.String("worker", candidate.WorkerName),
			slog.Any("error", err))
		d.requeue(it)
		return
	}

	deadline := now.Add(d.opts.AckTimeout)
	eff, err := d.engine.MarkDispatched(req.RunID, req.TaskID, req.Payload.DispatchID,
		candidate.WorkerName, candidate.WorkerInstanceID, deadline)
	if err != nil {
		d.logger.Warn("mark dispatched failed", slog.Any("error", err))
		return
	}
	d.emit(eff)
	d.armAckTimer(req, deadline)
	d.metrics.Dispatched.WithLabelValues("sent").Inc()
}

// requeue schedules a selection retry with exponential backoff, or fails the
// node once the budget is spent.
func (d *Dispatcher) requeue(it *item) {
	it.selectionTries++
	if it.selectionTries >= d.opts.MaxAttempts {
		d.metrics.Unavailable.Inc()
		eff, err := d.engine.FailNode(it.req.RunID, it.req.TaskID,
			errors.NewCommandf(errors.CodeDispatchUnavailable,
				"no eligible worker after %d attempts", it.selectionTries).
				WithDetail("package", it.req.Payload.PackageName))
		if err == nil {
			d.emit(eff)
		}
		return
	}

	d.metrics.Retries.Inc()
	policy := protocol.RetryPolicy{Base: d.opts.BaseRetry, Max: d.opts.MaxRetry, Attempts: d.opts.MaxAttempts}
	delay := policy.Backoff(it.selectionTries)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.waiters, timer)
		d.mu.Unlock()
		d.queue.Enqueue(it)
	})
	d.waiters[timer] = struct{}{}
	d.mu.Unlock()
}

// armAckTimer starts the dispatch-acknowledgement timeout. On expiry the
// engine resets the node and the replacement dispatch re-enters the queue,
// unless the attempt budget fails the node instead.
func (d *Dispatcher) armAckTimer(req *engine.DispatchRequest, deadline time.Time) {
	dispatchID := req.Payload.DispatchID

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	timer := time.AfterFunc(time.Until(deadline), func() {
		d.mu.Lock()
		delete(d.ackTimers, dispatchID)
		d.mu.Unlock()
		d.onAckTimeout(req)
	})
	d.ackTimers[dispatchID] = timer
	d.mu.Unlock()
}

func (d *Dispatcher) onAckTimeout(req *engine.DispatchRequest) {
	eff, err := d.engine.ResetAfterAckTimeout(req.RunID, req.TaskID, req.Payload.DispatchID)
	if err != nil || eff == nil {
		return
	}
	if len(eff.Dispatches) == 0 {
		// The dispatch was settled in the meantime.
		return
	}
	d.metrics.AckTimeouts.Inc()
	d.logger.Warn("dispatch unacknowledged, resetting",
		slog.String("run_id", req.RunID),
		slog.String("task_id", req.TaskID),
		slog.String("dispatch_id", req.Payload.DispatchID))

	retries := eff.Dispatches
	eff.Dispatches = nil
	d.emit(eff)

	for _, retry := range retries {
		if retry.Attempts > d.opts.MaxAttempts {
			d.metrics.Unavailable.Inc()
			feff, ferr := d.engine.FailNode(retry.RunID, retry.TaskID,
				errors.NewCommandf(errors.CodeDispatchUnavailable,
					"dispatch unacknowledged after %d attempts", retry.Attempts-1))
			if ferr == nil {
				d.emit(feff)
			}
			continue
		}
		d.queue.Enqueue(&item{req: retry})
	}
}

func (d *Dispatcher) emit(eff *engine.Effects) {
	if eff == nil || d.onEffects == nil {
		return
	}
	d.onEffects(eff)
}

// validateMetadata rejects middleware routing inconsistencies before a
// payload reaches the wire.
func validateMetadata(p *protocol.DispatchPayload) error {
	if p.ChainIndex != nil {
		if p.HostNodeID == "" {
			return fmt.Errorf("middleware dispatch %s has no host node", p.TaskID)
		}
		if len(p.MiddlewareChain) == 0 {
			return fmt.Errorf("middleware dispatch %s has an empty chain", p.TaskID)
		}
		if *p.ChainIndex < 0 || *p.ChainIndex >= len(p.MiddlewareChain) {
			return fmt.Errorf("middleware dispatch %s chain index %d out of range", p.TaskID, *p.ChainIndex)
		}
	}
	if p.HostNodeID != "" && p.ChainIndex == nil && len(p.MiddlewareChain) == 0 {
		return fmt.Errorf("host dispatch %s carries no middleware chain", p.TaskID)
	}
	return nil
}
