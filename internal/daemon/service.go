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

// Package daemon assembles the scheduler control plane: run engine,
// dispatcher, worker session server, resource binder, and event bus, behind
// one Service with a graceful lifecycle.
package daemon

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meshworks/flowd/internal/config"
	"github.com/meshworks/flowd/internal/dispatch"
	"github.com/meshworks/flowd/internal/engine"
	"github.com/meshworks/flowd/internal/events"
	internallog "github.com/meshworks/flowd/internal/log"
	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/internal/resource"
	"github.com/meshworks/flowd/internal/session"
	"github.com/meshworks/flowd/pkg/workflow"
)

// Options contains build-time service metadata.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Stores are the external repositories the core consumes. Any of them may be
// nil; in-memory fallbacks are installed for the workflow store, and resource
// binding is skipped without a catalog.
type Stores struct {
	Workflows workflow.Store
	Catalog   workflow.PackageCatalog
	Grants    resource.GrantStore
	Resources resource.Provider
}

// Service is the flowd scheduler daemon.
type Service struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	bus        *events.MemoryBus
	emitter    *events.Emitter
	engine     *engine.Engine
	registry   *session.Registry
	sessions   *session.Server
	store      *session.InstanceStore
	queue      *dispatch.Queue
	dispatcher *dispatch.Dispatcher
	binder     *resource.Binder
	workflows  workflow.Store
	promReg    *prometheus.Registry
	tracer     trace.Tracer

	server *http.Server
	ln     net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New assembles a service from configuration.
func New(cfg *config.Config, stores Stores, opts Options) (*Service, error) {
	logger := internallog.WithComponent(internallog.New(&internallog.Config{
		Level:  cfg.Log.Level,
		Format: internallog.Format(cfg.Log.Format),
	}), "daemon")

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("flowd/daemon"),
		ctx:    ctx,
		cancel: cancel,
	}

	s.bus = events.NewMemoryBus(0)
	s.emitter = events.NewEmitter(s.bus, internallog.WithComponent(logger, "events"))

	s.engine = engine.New(internallog.WithComponent(logger, "engine"), engine.Options{})

	s.workflows = stores.Workflows
	if s.workflows == nil {
		s.workflows = workflow.NewMemoryStore()
	}
	if stores.Catalog != nil {
		s.binder = resource.NewBinder(
			resource.NewManifestCache(stores.Catalog),
			stores.Grants,
			stores.Resources,
			cfg.Resource.MaxInlineBytes,
			internallog.WithComponent(logger, "resource"),
		)
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			cancel()
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		store, err := session.OpenInstanceStore(filepath.Join(cfg.DataDir, "instances.db"))
		if err != nil {
			cancel()
			return nil, err
		}
		s.store = store
	}

	signingKey := []byte(cfg.TokenSigningKey)
	if len(signingKey) == 0 {
		// Ephemeral key: sessions do not survive a restart without one.
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			cancel()
			return nil, fmt.Errorf("generating session signing key: %w", err)
		}
		logger.Warn("no token_signing_key configured, using ephemeral key",
			slog.String("hint", "set token_signing_key to let sessions resume across restarts"))
	}

	s.registry = session.NewRegistry(nil)
	s.sessions = session.NewServer(
		s.registry,
		session.NewTokenIssuer(signingKey, nil),
		s.store,
		s,
		s.emitter,
		internallog.WithComponent(logger, "session"),
		session.Options{
			AuthToken:         cfg.AuthToken,
			WindowSize:        cfg.Session.WindowSize,
			HeartbeatInterval: time.Duration(cfg.Session.HeartbeatIntervalSeconds) * time.Second,
			HeartbeatJitter:   time.Duration(cfg.Session.HeartbeatJitterSeconds) * time.Second,
			ReconnectBase:     time.Duration(cfg.Session.Reconnect.BaseDelaySeconds) * time.Second,
			ReconnectMax:      time.Duration(cfg.Session.Reconnect.MaxDelaySeconds) * time.Second,
			ReconnectJitter:   cfg.Session.Reconnect.Jitter,
		},
	)

	s.promReg = prometheus.NewRegistry()
	s.promReg.MustRegister(collectors.NewGoCollector())
	s.promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s.queue = dispatch.NewQueue()
	s.dispatcher = dispatch.New(
		s.engine,
		s.registry,
		s.sessions,
		s.queue,
		dispatch.NewMetrics(s.promReg, s.queue),
		internallog.WithComponent(logger, "dispatch"),
		dispatch.Options{
			AckTimeout:      time.Duration(cfg.Dispatch.AckTimeoutSeconds) * time.Second,
			MaxAttempts:     cfg.Dispatch.MaxAttempts,
			BaseRetry:       time.Duration(cfg.Dispatch.BaseRetrySeconds) * time.Second,
			MaxRetry:        time.Duration(cfg.Dispatch.MaxRetrySeconds) * time.Second,
			Strategy:        cfg.Dispatch.WorkerStrategy,
			MaxHeartbeatAge: time.Duration(cfg.Dispatch.WorkerMaxHeartbeatAgeSeconds) * time.Second,
		},
		s.applyEffects,
	)

	return s, nil
}

// Start runs the service until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.Handle("/v1/worker", s.sessions)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections write indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.dispatcher.Start()
	go s.housekeeping()

	s.logger.Info("flowd starting",
		slog.String("version", s.opts.Version),
		slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-errCh:
		s.shutdown()
		return err
	}
}

func (s *Service) shutdown() {
	s.logger.Info("flowd stopping")
	s.sessions.DrainAll("scheduler shutting down")
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(shutdownCtx)
	}

	s.dispatcher.Stop()
	s.sessions.Shutdown()
	if s.store != nil {
		_ = s.store.Close()
	}
	s.bus.Close()
}

// Addr returns the bound listen address, once started.
func (s *Service) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// housekeeping drives the clock-based maintenance: expiring middleware
// next() deadlines and sweeping lapsed disconnected sessions.
func (s *Service) housekeeping() {
	nextTicker := time.NewTicker(time.Second)
	sweepTicker := time.NewTicker(30 * time.Second)
	defer nextTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-nextTicker.C:
			s.applyEffects(s.engine.ExpireNext())
		case <-sweepTicker.C:
			for _, id := range s.registry.Sweep() {
				s.logger.Info("session grace expired", slog.String("session_id", id))
			}
		}
	}
}

// applyEffects plays out one engine mutation's side effects after the engine
// lock has been released: events to the bus, next() replies to workers, and
// dispatch requests (with resources bound) to the dispatcher.
func (s *Service) applyEffects(eff *engine.Effects) {
	if eff == nil {
		return
	}
	if len(eff.Events) > 0 {
		s.emitter.Emit(s.ctx, eff.Events)
	}
	for _, reply := range eff.Replies {
		if err := s.sessions.SendNextResponse(s.ctx, reply.WorkerInstanceID, reply.Payload); err != nil {
			s.logger.Warn("delivering next response failed",
				slog.String("worker_instance_id", reply.WorkerInstanceID),
				slog.String("request_id", reply.Payload.RequestID),
				slog.Any("error", err))
		}
	}
	for _, req := range eff.Dispatches {
		s.bindResources(req)
		s.dispatcher.Enqueue(req)
	}
}

// bindResources injects resource bindings into a dispatch before it enters
// the queue.
func (s *Service) bindResources(req *engine.DispatchRequest) {
	if s.binder == nil {
		return
	}
	workflowID := ""
	if def, err := s.engine.GetDefinition(req.RunID); err == nil {
		workflowID = def.ID
	}
	s.binder.Apply(s.ctx, req.Tenant, workflowID, &req.Payload)
}

// StartRun bootstraps a run from a workflow definition and returns its
// summary. The run id is generated here.
func (s *Service) StartRun(ctx context.Context, def *workflow.Definition, tenant, clientSessionID string) (*engine.RunSummary, error) {
	runID := uuid.NewString()
	workflowID := ""
	if def != nil {
		workflowID = def.ID
	}
	_, span := s.tracer.Start(ctx, "run.start", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("workflow.id", workflowID),
	))
	summary, eff, err := s.engine.StartRun(runID, def, tenant, clientSessionID)
	span.End()
	if err != nil {
		return nil, err
	}
	s.applyEffects(eff)
	return summary, nil
}

// StartRunByID loads a stored workflow definition and starts a run from it.
func (s *Service) StartRunByID(ctx context.Context, workflowID, tenant, clientSessionID string) (*engine.RunSummary, error) {
	def, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return s.StartRun(ctx, def, tenant, clientSessionID)
}

// GetRun returns a deep-copied run summary.
func (s *Service) GetRun(runID string) (*engine.RunSummary, error) {
	return s.engine.Get(runID)
}

// ListRuns lists run summaries, newest first.
func (s *Service) ListRuns(filter engine.ListFilter) []*engine.RunSummary {
	return s.engine.List(filter)
}

// CancelRun cancels a run; idempotent.
func (s *Service) CancelRun(runID string) error {
	eff, err := s.engine.Cancel(runID)
	if err != nil {
		return err
	}
	s.applyEffects(eff)
	return nil
}

// Subscribe attaches an event subscription scoped to one run; an empty runID
// subscribes to everything.
func (s *Service) Subscribe(runID string) *events.Subscription {
	if runID == "" {
		return s.bus.Subscribe()
	}
	return s.bus.SubscribeRun(runID)
}

// Workers returns the session registry snapshot.
func (s *Service) Workers() []session.SessionSummary {
	return s.registry.Snapshot()
}

// DrainWorker excludes a worker from future selection and notifies it.
func (s *Service) DrainWorker(workerInstanceID, reason string) error {
	return s.sessions.DrainWorker(workerInstanceID, reason)
}

// HandleResult applies a worker's terminal task outcome.
func (s *Service) HandleResult(ctx context.Context, workerInstanceID string, p *protocol.ResultPayload) {
	_, span := s.tracer.Start(ctx, "run.result", trace.WithAttributes(
		attribute.String("run.id", p.RunID),
		attribute.String("task.id", p.TaskID),
		attribute.String("result.status", p.Status),
	))
	eff, err := s.engine.ApplyResult(p)
	span.End()
	if err != nil {
		s.logger.Debug("result not applied",
			slog.String("run_id", p.RunID),
			slog.String("task_id", p.TaskID),
			slog.String("worker_instance_id", workerInstanceID),
			slog.Any("error", err))
		return
	}
	s.applyEffects(eff)
}

// HandleFeedback applies non-terminal progress.
func (s *Service) HandleFeedback(_ context.Context, workerInstanceID string, p *protocol.FeedbackPayload) {
	eff, err := s.engine.ApplyFeedback(p)
	if err != nil {
		s.logger.Debug("feedback not applied",
			slog.String("run_id", p.RunID),
			slog.String("task_id", p.TaskID),
			slog.Any("error", err))
		return
	}
	s.applyEffects(eff)
}

// HandleError applies a worker-reported business error.
func (s *Service) HandleError(_ context.Context, workerInstanceID string, p *protocol.ErrorPayload) {
	eff, err := s.engine.ApplyError(p)
	if err != nil {
		s.logger.Debug("error report not applied",
			slog.String("run_id", p.RunID),
			slog.String("task_id", p.TaskID),
			slog.Any("error", err))
		return
	}
	s.applyEffects(eff)
}

// HandleNext routes a middleware next() call-through into the engine.
func (s *Service) HandleNext(_ context.Context, workerInstanceID, tenant string, p *protocol.NextRequestPayload) {
	eff, err := s.engine.HandleNext(p, workerInstanceID, tenant)
	if err != nil {
		s.logger.Debug("next request not applied",
			slog.String("run_id", p.RunID),
			slog.String("request_id", p.RequestID),
			slog.Any("error", err))
		return
	}
	s.applyEffects(eff)
}

// DispatchAcknowledged confirms worker receipt of a dispatch.
func (s *Service) DispatchAcknowledged(runID, taskID, dispatchID string) {
	s.dispatcher.Acknowledge(runID, taskID, dispatchID)
}
