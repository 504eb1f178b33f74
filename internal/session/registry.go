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

// Package session owns the worker side of the control plane: the WebSocket
// server workers connect to, the session registry the dispatcher selects
// from, session tokens for resume, and the durable worker instance index.
package session

import (
	"sync"
	"time"

	"github.com/meshworks/flowd/internal/dispatch"
	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/errors"
)

// DisconnectGrace is how long a disconnected session stays resumable before
// the registry discards it.
const DisconnectGrace = 5 * time.Minute

// WorkerSession is the registry record for one worker connection, live or in
// the disconnect grace window.
type WorkerSession struct {
	SessionID        string
	WorkerInstanceID string
	WorkerName       string
	Tenant           string

	Registered bool
	Draining   bool
	Healthy    bool
	Inflight   int
	LatencyMs  int64
	QueueDepth int

	// Packages maps installed package name to version.
	Packages map[string]string

	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	DisconnectedAt *time.Time

	// conn is the live transport; nil while disconnected.
	conn *wsConn

	// Sliding windows survive disconnects so a resume continues the
	// sequence space.
	send *protocol.SendWindow
	recv *protocol.RecvWindow

	// pendingDispatch maps outbound sessionSeq to the dispatch it carried,
	// so window acks can confirm dispatch receipt.
	pendingDispatch map[uint64]dispatchRef
}

type dispatchRef struct {
	RunID      string
	TaskID     string
	DispatchID string
	EnvelopeID string
}

// SessionSummary is the externally visible view of one session.
type SessionSummary struct {
	SessionID        string            `json:"sessionId"`
	WorkerInstanceID string            `json:"workerInstanceId"`
	WorkerName       string            `json:"workerName"`
	Tenant           string            `json:"tenant"`
	Registered       bool              `json:"registered"`
	Draining         bool              `json:"draining"`
	Healthy          bool              `json:"healthy"`
	Connected        bool              `json:"connected"`
	Inflight         int               `json:"inflight"`
	LatencyMs        int64             `json:"latencyMs"`
	QueueDepth       int               `json:"queueDepth"`
	Packages         map[string]string `json:"packages,omitempty"`
	ConnectedAt      time.Time         `json:"connectedAt"`
	LastHeartbeat    time.Time         `json:"lastHeartbeat"`
}

// Registry tracks worker sessions by session id and instance id.
type Registry struct {
	mu         sync.Mutex
	bySession  map[string]*WorkerSession
	byInstance map[string]*WorkerSession
	now        func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		bySession:  make(map[string]*WorkerSession),
		byInstance: make(map[string]*WorkerSession),
		now:        clock,
	}
}

// Add registers a fresh session, replacing any prior session for the same
// worker instance. The replaced session's transport (if any) is detached and
// returned so the caller can close it.
func (r *Registry) Add(s *WorkerSession) *wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced *wsConn
	prev := r.byInstance[s.WorkerInstanceID]
	if prev != nil {
		delete(r.bySession, prev.SessionID)
		replaced = prev.conn
		prev.conn = nil
		if prev.send != nil {
			prev.send.Close()
		}
	}
	r.bySession[s.SessionID] = s
	r.byInstance[s.WorkerInstanceID] = s
	return replaced
}

// Get looks a session up by session id.
func (r *Registry) Get(sessionID string) (*WorkerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "session", ID: sessionID}
	}
	return s, nil
}

// GetByInstance looks a session up by worker instance id.
func (r *Registry) GetByInstance(instanceID string) (*WorkerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byInstance[instanceID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "worker", ID: instanceID}
	}
	return s, nil
}

// MarkDisconnected detaches the transport and starts the grace window.
func (r *Registry) MarkDisconnected(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	now := r.now().UTC()
	s.conn = nil
	s.DisconnectedAt = &now
}

// Resume reattaches a transport to a session, returning the detached prior
// transport (if the session was still nominally connected).
func (r *Registry) Resume(sessionID string, conn *wsConn) (*WorkerSession, *wsConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		return nil, nil, &errors.NotFoundError{Resource: "session", ID: sessionID}
	}
	prev := s.conn
	s.conn = conn
	s.DisconnectedAt = nil
	return s, prev, nil
}

// Transport returns the live transport for a session, or nil while it is
// disconnected.
func (r *Registry) Transport(sessionID string) *wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	return s.conn
}

// DetachAll detaches every live transport and returns them for closing.
// Used at shutdown.
func (r *Registry) DetachAll() []*wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var conns []*wsConn
	for _, s := range r.bySession {
		if s.conn != nil {
			conns = append(conns, s.conn)
			s.conn = nil
			s.DisconnectedAt = &now
		}
	}
	return conns
}

// Remove drops a session outright.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sessionID)
}

func (r *Registry) removeLocked(sessionID string) {
	s, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)
	if cur := r.byInstance[s.WorkerInstanceID]; cur == s {
		delete(r.byInstance, s.WorkerInstanceID)
	}
	if s.send != nil {
		s.send.Close()
	}
}

// Sweep discards sessions whose disconnect grace has lapsed and returns
// their session ids.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var expired []string
	for id, s := range r.bySession {
		if s.DisconnectedAt != nil && now.Sub(*s.DisconnectedAt) > DisconnectGrace {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.removeLocked(id)
	}
	return expired
}

// Candidates produces the dispatcher's selection view. Disconnected sessions
// are reported as not connected but remain listed until swept.
func (r *Registry) Candidates(tenant string) []dispatch.Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]dispatch.Candidate, 0, len(r.bySession))
	for _, s := range r.bySession {
		if tenant != "" && s.Tenant != "" && s.Tenant != tenant {
			continue
		}
		packages := make(map[string]string, len(s.Packages))
		for name, version := range s.Packages {
			packages[name] = version
		}
		out = append(out, dispatch.Candidate{
			WorkerInstanceID: s.WorkerInstanceID,
			WorkerName:       s.WorkerName,
			Tenant:           s.Tenant,
			Connected:        s.conn != nil,
			Registered:       s.Registered,
			Draining:         s.Draining,
			Healthy:          s.Healthy,
			Inflight:         s.Inflight,
			LatencyMs:        s.LatencyMs,
			QueueDepth:       s.QueueDepth,
			LastHeartbeat:    s.LastHeartbeat,
			Packages:         packages,
		})
	}
	return out
}

// Snapshot returns deep-copied summaries of every session.
func (r *Registry) Snapshot() []SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionSummary, 0, len(r.bySession))
	for _, s := range r.bySession {
		packages := make(map[string]string, len(s.Packages))
		for name, version := range s.Packages {
			packages[name] = version
		}
		out = append(out, SessionSummary{
			SessionID:        s.SessionID,
			WorkerInstanceID: s.WorkerInstanceID,
			WorkerName:       s.WorkerName,
			Tenant:           s.Tenant,
			Registered:       s.Registered,
			Draining:         s.Draining,
			Healthy:          s.Healthy,
			Connected:        s.conn != nil,
			Inflight:         s.Inflight,
			LatencyMs:        s.LatencyMs,
			QueueDepth:       s.QueueDepth,
			Packages:         packages,
			ConnectedAt:      s.ConnectedAt,
			LastHeartbeat:    s.LastHeartbeat,
		})
	}
	return out
}

// UpdateHeartbeat records liveness and load metrics for a session.
func (r *Registry) UpdateHeartbeat(sessionID string, healthy bool, metrics protocol.HeartbeatMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	s.Healthy = healthy
	s.Inflight = metrics.Inflight
	s.LatencyMs = metrics.LatencyMs
	s.QueueDepth = metrics.QueueDepth
	s.LastHeartbeat = r.now().UTC()
}

// SetRegistered records worker capabilities after control.register and
// reports whether this was the session's first registration.
func (r *Registry) SetRegistered(sessionID, workerName string, packages map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		return false
	}
	first := !s.Registered
	s.Registered = true
	s.WorkerName = workerName
	s.Packages = packages
	s.Healthy = true
	s.LastHeartbeat = r.now().UTC()
	return first
}

// SetDraining flips the draining flag; a draining worker is excluded from
// future selection but keeps its in-flight tasks.
func (r *Registry) SetDraining(instanceID string, draining bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byInstance[instanceID]
	if !ok {
		return false
	}
	s.Draining = draining
	return true
}

// TrackDispatch remembers which dispatch an outbound sessionSeq carried.
func (r *Registry) TrackDispatch(sessionID string, seq uint64, ref dispatchRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	if s.pendingDispatch == nil {
		s.pendingDispatch = make(map[uint64]dispatchRef)
	}
	s.pendingDispatch[seq] = ref
}

// AckDispatches releases dispatch refs covered by an ack's sequence state
// (contiguous ackSeq plus bitmap, bit k covering ackSeq+1+k) and returns
// them for dispatch-level acknowledgement.
func (r *Registry) AckDispatches(sessionID string, ackSeq, bitmap uint64) []dispatchRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	var acked []dispatchRef
	for seq, ref := range s.pendingDispatch {
		covered := seq <= ackSeq
		if !covered {
			offset := seq - ackSeq - 1
			covered = offset < 64 && bitmap&(1<<offset) != 0
		}
		if covered {
			delete(s.pendingDispatch, seq)
			acked = append(acked, ref)
		}
	}
	return acked
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession)
}
