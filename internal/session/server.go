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

package session

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/meshworks/flowd/internal/events"
	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/errors"
)

// BusinessHandler receives in-order business frames from worker sessions.
// The run engine side of the daemon implements it.
type BusinessHandler interface {
	HandleResult(ctx context.Context, workerInstanceID string, p *protocol.ResultPayload)
	HandleFeedback(ctx context.Context, workerInstanceID string, p *protocol.FeedbackPayload)
	HandleError(ctx context.Context, workerInstanceID string, p *protocol.ErrorPayload)
	HandleNext(ctx context.Context, workerInstanceID, tenant string, p *protocol.NextRequestPayload)

	// DispatchAcknowledged fires when a window ack covers an outbound
	// dispatch, confirming worker receipt.
	DispatchAcknowledged(runID, taskID, dispatchID string)
}

// Options tune the session server.
type Options struct {
	// AuthToken, when non-empty, is required from workers at handshake.
	AuthToken string

	// WindowSize is the per-session sliding-window credit count.
	WindowSize int

	// Pacing advertised to workers at session accept.
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectJitter   float64

	// HandshakeRate and HandshakeBurst bound connection attempts.
	HandshakeRate  rate.Limit
	HandshakeBurst int

	// Retry bounds per-envelope ack retries.
	Retry protocol.RetryPolicy
}

func (o *Options) withDefaults() {
	if o.WindowSize <= 0 {
		o.WindowSize = protocol.DefaultWindowSize
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.HandshakeRate <= 0 {
		o.HandshakeRate = 10
	}
	if o.HandshakeBurst <= 0 {
		o.HandshakeBurst = 20
	}
	if o.Retry.Attempts <= 0 {
		o.Retry = protocol.DefaultRetryPolicy
	}
}

// Server is the worker-facing WebSocket endpoint. It owns session lifecycle
// (handshake, resume, reset), orders inbound business frames through each
// session's receive window, and delivers outbound dispatches and next()
// responses through the send window with ack retries.
type Server struct {
	registry *Registry
	issuer   *TokenIssuer
	store    *InstanceStore
	handler  BusinessHandler
	emitter  *events.Emitter
	logger   *slog.Logger
	opts     Options

	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	tracker  *protocol.AckTracker
	identity protocol.Sender

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a session server. The store may be nil for ephemeral
// deployments.
func NewServer(registry *Registry, issuer *TokenIssuer, store *InstanceStore, handler BusinessHandler, emitter *events.Emitter, logger *slog.Logger, opts Options) *Server {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry: registry,
		issuer:   issuer,
		store:    store,
		handler:  handler,
		emitter:  emitter,
		logger:   logger,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers authenticate via handshake, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:  rate.NewLimiter(opts.HandshakeRate, opts.HandshakeBurst),
		tracker:  protocol.NewAckTracker(opts.Retry, logger),
		identity: protocol.Sender{Role: protocol.RoleScheduler, ID: "flowd"},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ServeHTTP upgrades a worker connection and runs its session until the
// connection drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	s.serveConn(newWSConn(ws))
}

// serveConn runs one connection: the first frame must open or resume a
// session; everything after flows through the session read loop.
func (s *Server) serveConn(conn *wsConn) {
	defer conn.close()

	env, err := conn.readEnvelope()
	if err != nil {
		return
	}

	var sess *WorkerSession
	switch env.Type {
	case protocol.TypeHandshake:
		sess = s.handleHandshake(conn, env)
	case protocol.TypeResume:
		sess = s.handleResume(conn, env)
	default:
		s.sendReset(conn, errors.ResetProtocolMismatch, "expected handshake or resume, got "+env.Type)
		return
	}
	if sess == nil {
		return
	}

	s.readLoop(sess, conn)
}

func (s *Server) handleHandshake(conn *wsConn, env *protocol.Envelope) *WorkerSession {
	var p protocol.HandshakePayload
	if err := env.DecodePayload(&p); err != nil {
		s.sendReset(conn, errors.ResetProtocolMismatch, err.Error())
		return nil
	}
	if p.ProtocolVersion != protocol.ProtocolVersion {
		s.sendReset(conn, errors.ResetProtocolMismatch,
			"unsupported protocol version "+p.ProtocolVersion)
		return nil
	}
	if s.opts.AuthToken != "" && p.AuthToken != s.opts.AuthToken {
		s.sendReset(conn, errors.ResetAuthFailed, "invalid auth token")
		return nil
	}

	instanceID := p.WorkerInstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if s.store != nil {
		if err := s.store.Ensure(s.ctx, instanceID, "", env.Tenant); err != nil {
			s.logger.Warn("recording worker instance failed", slog.Any("error", err))
		}
	}

	now := time.Now().UTC()
	sess := &WorkerSession{
		SessionID:        uuid.NewString(),
		WorkerInstanceID: instanceID,
		Tenant:           env.Tenant,
		ConnectedAt:      now,
		LastHeartbeat:    now,
		conn:             conn,
		send:             protocol.NewSendWindow(s.opts.WindowSize),
		recv:             protocol.NewRecvWindow(s.opts.WindowSize),
		pendingDispatch:  make(map[uint64]dispatchRef),
	}
	if replaced := s.registry.Add(sess); replaced != nil {
		replaced.close()
	}

	// The handshake is answered with a plain ack; the session credentials
	// travel on control.session.accept once the worker registers.
	s.sendAck(sess, conn, env.ID)
	s.logger.Info("worker session opened",
		slog.String("session_id", sess.SessionID),
		slog.String("worker_instance_id", instanceID))
	return sess
}

func (s *Server) handleResume(conn *wsConn, env *protocol.Envelope) *WorkerSession {
	var p protocol.ResumePayload
	if err := env.DecodePayload(&p); err != nil {
		s.sendReset(conn, errors.ResetProtocolMismatch, err.Error())
		return nil
	}
	if _, err := s.registry.Get(p.SessionID); err != nil {
		s.sendReset(conn, errors.ResetSessionNotFound, "no resumable session "+p.SessionID)
		return nil
	}
	if _, err := s.issuer.Verify(p.SessionToken, p.SessionID); err != nil {
		s.sendReset(conn, errors.ResetAuthFailed, "invalid session token")
		return nil
	}

	sess, prev, err := s.registry.Resume(p.SessionID, conn)
	if err != nil {
		s.sendReset(conn, errors.ResetSessionNotFound, "no resumable session "+p.SessionID)
		return nil
	}
	if prev != nil {
		prev.close()
	}
	if p.LastSeenSeq > 0 {
		// Everything the worker saw before disconnecting is acknowledged.
		sess.send.HandleAck(p.LastSeenSeq, 0)
	}

	token, err := s.issuer.Mint(sess.SessionID, sess.WorkerInstanceID, sess.Tenant)
	if err != nil {
		s.logger.Error("minting session token failed", slog.Any("error", err))
		s.sendReset(conn, errors.ResetAuthFailed, "session token unavailable")
		return nil
	}
	if err := s.sendAccept(conn, sess, env.ID, token, true); err != nil {
		return nil
	}
	s.logger.Info("worker session resumed",
		slog.String("session_id", sess.SessionID),
		slog.String("worker_instance_id", sess.WorkerInstanceID))
	return sess
}

func (s *Server) sendAccept(conn *wsConn, sess *WorkerSession, corr, token string, resumed bool) error {
	env, err := protocol.NewEnvelope(protocol.TypeSessionAccept, sess.Tenant, s.identity, protocol.SessionAcceptPayload{
		SessionID:                sess.SessionID,
		SessionToken:             token,
		WorkerInstanceID:         sess.WorkerInstanceID,
		Resumed:                  resumed,
		HeartbeatIntervalSeconds: int(s.opts.HeartbeatInterval / time.Second),
		HeartbeatJitterSeconds:   int(s.opts.HeartbeatJitter / time.Second),
		ReconnectBaseSeconds:     int(s.opts.ReconnectBase / time.Second),
		ReconnectMaxSeconds:      int(s.opts.ReconnectMax / time.Second),
		ReconnectJitter:          s.opts.ReconnectJitter,
		WindowSize:               s.opts.WindowSize,
	})
	if err != nil {
		return err
	}
	env.Corr = corr
	return conn.writeEnvelope(env)
}

func (s *Server) sendReset(conn *wsConn, code, reason string) {
	env, err := protocol.NewEnvelope(protocol.TypeReset, "", s.identity,
		protocol.ResetPayload{Code: code, Reason: reason})
	if err != nil {
		return
	}
	if werr := conn.writeEnvelope(env); werr != nil {
		s.logger.Debug("reset write failed", slog.Any("error", werr))
	}
}

func (s *Server) readLoop(sess *WorkerSession, conn *wsConn) {
	for {
		env, err := conn.readEnvelope()
		if err != nil {
			s.registry.MarkDisconnected(sess.SessionID)
			s.logger.Info("worker session disconnected",
				slog.String("session_id", sess.SessionID),
				slog.String("worker_instance_id", sess.WorkerInstanceID))
			return
		}

		switch {
		case env.Type == protocol.TypeHeartbeat:
			s.handleHeartbeat(sess, conn, env)
		case env.Type == protocol.TypeRegister:
			s.handleRegister(sess, conn, env)
		case env.Type == protocol.TypeDrain:
			s.registry.SetDraining(sess.WorkerInstanceID, true)
			s.logger.Info("worker draining",
				slog.String("worker_instance_id", sess.WorkerInstanceID))
		case env.Type == protocol.TypeAck:
			s.handleWindowAck(sess, env)
		case env.IsBusiness():
			s.handleBusiness(sess, conn, env)
		default:
			s.logger.Debug("ignoring unknown frame",
				slog.String("type", env.Type),
				slog.String("session_id", sess.SessionID))
		}
	}
}

func (s *Server) handleHeartbeat(sess *WorkerSession, conn *wsConn, env *protocol.Envelope) {
	var p protocol.HeartbeatPayload
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Debug("bad heartbeat payload", slog.Any("error", err))
		return
	}
	s.registry.UpdateHeartbeat(sess.SessionID, p.Healthy, p.Metrics)
	if s.store != nil {
		if err := s.store.Touch(s.ctx, sess.WorkerInstanceID); err != nil {
			s.logger.Debug("touching worker instance failed", slog.Any("error", err))
		}
	}
	s.emitter.Emit(s.ctx, []events.Event{events.New(
		events.Scope{Tenant: sess.Tenant},
		events.TypeWorkerHeartbeat,
		events.WorkerHeartbeatData{
			WorkerInstanceID: sess.WorkerInstanceID,
			WorkerName:       sess.WorkerName,
			Healthy:          p.Healthy,
			Inflight:         p.Metrics.Inflight,
			LatencyMs:        p.Metrics.LatencyMs,
			QueueDepth:       p.Metrics.QueueDepth,
		})})
	if env.Ack != nil && env.Ack.Request {
		s.sendAck(sess, conn, env.ID)
	}
}

func (s *Server) handleRegister(sess *WorkerSession, conn *wsConn, env *protocol.Envelope) {
	var p protocol.RegisterPayload
	if err := env.DecodePayload(&p); err != nil {
		s.logger.Debug("bad register payload", slog.Any("error", err))
		return
	}

	installed := make(map[string]string, len(p.Packages))
	batch := make([]events.Event, 0, len(p.Packages))
	for _, pkg := range p.Packages {
		if pkg.Status == protocol.PackageInstalled {
			installed[pkg.Name] = pkg.Version
		}
		batch = append(batch, events.New(
			events.Scope{Tenant: sess.Tenant},
			events.TypeWorkerPackage,
			events.WorkerPackageData{
				WorkerInstanceID: sess.WorkerInstanceID,
				WorkerName:       p.WorkerName,
				PackageName:      pkg.Name,
				PackageVersion:   pkg.Version,
				Status:           pkg.Status,
			}))
	}
	first := s.registry.SetRegistered(sess.SessionID, p.WorkerName, installed)
	if s.store != nil {
		if err := s.store.Ensure(s.ctx, sess.WorkerInstanceID, p.WorkerName, sess.Tenant); err != nil {
			s.logger.Warn("recording worker instance failed", slog.Any("error", err))
		}
	}
	s.emitter.Emit(s.ctx, batch)
	s.logger.Info("worker registered",
		slog.String("worker_name", p.WorkerName),
		slog.String("worker_instance_id", sess.WorkerInstanceID),
		slog.Int("packages", len(installed)))

	// The first registration completes the session opening: mint the resume
	// token and hand the worker its session credentials. Later registrations
	// only refresh capabilities, so a plain ack suffices.
	if first {
		token, err := s.issuer.Mint(sess.SessionID, sess.WorkerInstanceID, sess.Tenant)
		if err != nil {
			s.logger.Error("minting session token failed", slog.Any("error", err))
			s.registry.Remove(sess.SessionID)
			s.sendReset(conn, errors.ResetAuthFailed, "session token unavailable")
			return
		}
		if err := s.sendAccept(conn, sess, env.ID, token, false); err != nil {
			s.logger.Debug("session accept write failed", slog.Any("error", err))
		}
		return
	}

	if env.Ack != nil && env.Ack.Request {
		s.sendAck(sess, conn, env.ID)
	}
}

// handleWindowAck applies the peer's ack state: per-envelope resolution,
// send-window credit release, and dispatch receipt confirmation.
func (s *Server) handleWindowAck(sess *WorkerSession, env *protocol.Envelope) {
	if env.Ack == nil {
		return
	}
	if env.Ack.For != "" {
		s.tracker.Resolve(env.Ack.For)
	}
	if env.Ack.AckSeq == nil {
		return
	}
	sess.send.HandleAck(*env.Ack.AckSeq, env.Ack.AckBitmap)
	for _, ref := range s.registry.AckDispatches(sess.SessionID, *env.Ack.AckSeq, env.Ack.AckBitmap) {
		s.handler.DispatchAcknowledged(ref.RunID, ref.TaskID, ref.DispatchID)
	}
}

// handleBusiness orders a sequenced frame through the receive window and
// delivers whatever becomes contiguous. Duplicates and stale frames are
// acked anyway so the worker's window advances.
func (s *Server) handleBusiness(sess *WorkerSession, conn *wsConn, env *protocol.Envelope) {
	delivered, reason := sess.recv.Receive(env)
	if reason == protocol.DropOutOfWindow {
		s.logger.Warn("frame beyond receive window",
			slog.String("type", env.Type),
			slog.String("session_id", sess.SessionID))
		return
	}

	if env.SessionSeq != nil || (env.Ack != nil && env.Ack.Request) {
		s.sendAck(sess, conn, env.ID)
	}

	for _, e := range delivered {
		s.deliver(sess, e)
	}
}

func (s *Server) deliver(sess *WorkerSession, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResult:
		var p protocol.ResultPayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn("bad result payload", slog.Any("error", err))
			return
		}
		s.handler.HandleResult(s.ctx, sess.WorkerInstanceID, &p)
	case protocol.TypeFeedback:
		var p protocol.FeedbackPayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn("bad feedback payload", slog.Any("error", err))
			return
		}
		s.handler.HandleFeedback(s.ctx, sess.WorkerInstanceID, &p)
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn("bad error payload", slog.Any("error", err))
			return
		}
		s.handler.HandleError(s.ctx, sess.WorkerInstanceID, &p)
	case protocol.TypeNextRequest:
		var p protocol.NextRequestPayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn("bad next request payload", slog.Any("error", err))
			return
		}
		s.handler.HandleNext(s.ctx, sess.WorkerInstanceID, sess.Tenant, &p)
	default:
		s.logger.Debug("ignoring business frame", slog.String("type", env.Type))
	}
}

// sendAck reports the session's receive-window state, optionally confirming
// one envelope by id.
func (s *Server) sendAck(sess *WorkerSession, conn *wsConn, forID string) {
	ackSeq, bitmap, window := sess.recv.AckState()
	env, err := protocol.NewEnvelope(protocol.TypeAck, sess.Tenant, s.identity, nil)
	if err != nil {
		return
	}
	env.Ack = &protocol.AckInfo{
		For:        forID,
		AckSeq:     &ackSeq,
		AckBitmap:  bitmap,
		RecvWindow: window,
	}
	if werr := conn.writeEnvelope(env); werr != nil {
		s.logger.Debug("ack write failed", slog.Any("error", werr))
	}
}

// SendDispatch delivers a dispatch over the worker's session. The envelope
// consumes a send-window credit, is tracked for dispatch-level receipt via
// window acks, and is retried until acknowledged or the retry budget lapses.
// Dispatch-level loss is covered by the dispatcher's ack timeout.
func (s *Server) SendDispatch(ctx context.Context, workerInstanceID string, payload protocol.DispatchPayload) error {
	sess, err := s.registry.GetByInstance(workerInstanceID)
	if err != nil {
		return err
	}
	env, err := s.sendSequenced(ctx, sess, protocol.TypeDispatch, payload)
	if err != nil {
		return err
	}
	s.registry.TrackDispatch(sess.SessionID, *env.SessionSeq, dispatchRef{
		RunID:      payload.RunID,
		TaskID:     payload.TaskID,
		DispatchID: payload.DispatchID,
		EnvelopeID: env.ID,
	})
	s.writeTracked(sess.SessionID, env)
	return nil
}

// SendNextResponse answers a middleware next() request over the worker's
// session.
func (s *Server) SendNextResponse(ctx context.Context, workerInstanceID string, payload protocol.NextResponsePayload) error {
	sess, err := s.registry.GetByInstance(workerInstanceID)
	if err != nil {
		return err
	}
	env, err := s.sendSequenced(ctx, sess, protocol.TypeNextResponse, payload)
	if err != nil {
		return err
	}
	s.writeTracked(sess.SessionID, env)
	return nil
}

// sendSequenced builds a business envelope with the session's next window
// sequence. Blocks while the window is out of credits.
func (s *Server) sendSequenced(ctx context.Context, sess *WorkerSession, msgType string, payload any) (*protocol.Envelope, error) {
	seq, err := sess.send.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "acquiring window credit for %s", msgType)
	}
	env, err := protocol.NewEnvelope(msgType, sess.Tenant, s.identity, payload)
	if err != nil {
		return nil, err
	}
	env.SessionSeq = &seq
	env.Ack = &protocol.AckInfo{Request: true}
	return env, nil
}

// writeTracked sends an envelope and arms its ack retry timer. The retry
// send re-resolves the transport so a resumed connection picks up pending
// envelopes.
func (s *Server) writeTracked(sessionID string, env *protocol.Envelope) {
	send := func() error {
		conn := s.registry.Transport(sessionID)
		if conn == nil {
			return &errors.NotFoundError{Resource: "session transport", ID: sessionID}
		}
		return conn.writeEnvelope(env)
	}
	if err := send(); err != nil {
		s.logger.Debug("envelope write deferred to retry",
			slog.String("type", env.Type),
			slog.Any("error", err))
	}
	s.tracker.Track(s.ctx, env.ID, send, func(err error) {
		s.logger.Warn("envelope never acknowledged",
			slog.String("type", env.Type),
			slog.String("envelope_id", env.ID),
			slog.Any("error", err))
	})
}

// DrainWorker marks a worker draining and tells it to stop accepting new
// dispatches. In-flight tasks run to completion.
func (s *Server) DrainWorker(workerInstanceID, reason string) error {
	sess, err := s.registry.GetByInstance(workerInstanceID)
	if err != nil {
		return err
	}
	s.registry.SetDraining(workerInstanceID, true)

	env, err := protocol.NewEnvelope(protocol.TypeDrain, sess.Tenant, s.identity,
		protocol.DrainPayload{Reason: reason})
	if err != nil {
		return err
	}
	if conn := s.registry.Transport(sess.SessionID); conn != nil {
		return conn.writeEnvelope(env)
	}
	return nil
}

// DrainAll broadcasts control.drain to every connected worker. Used by the
// daemon during graceful shutdown so workers stop expecting new dispatches.
func (s *Server) DrainAll(reason string) {
	for _, summary := range s.registry.Snapshot() {
		if !summary.Connected {
			continue
		}
		if err := s.DrainWorker(summary.WorkerInstanceID, reason); err != nil {
			s.logger.Debug("drain broadcast failed",
				slog.String("worker_instance_id", summary.WorkerInstanceID),
				slog.Any("error", err))
		}
	}
}

// Shutdown stops ack retries and closes every live connection.
func (s *Server) Shutdown() {
	s.cancel()
	s.tracker.Close()
	for _, conn := range s.registry.DetachAll() {
		conn.close()
	}
}
