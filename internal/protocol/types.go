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
	"time"

	"github.com/meshworks/flowd/pkg/errors"
)

// Control-frame message types.
const (
	TypeHandshake     = "control.handshake"
	TypeRegister      = "control.register"
	TypeResume        = "control.resume"
	TypeHeartbeat     = "control.heartbeat"
	TypeAck           = "control.ack"
	TypeSessionAccept = "control.session.accept"
	TypeReset         = "control.reset"
	TypeDrain         = "control.drain"
)

// Business message types.
const (
	TypeDispatch     = "biz.exec.dispatch"
	TypeResult       = "biz.exec.result"
	TypeFeedback     = "biz.exec.feedback"
	TypeError        = "biz.exec.error"
	TypeNextRequest  = "biz.exec.next.request"
	TypeNextResponse = "biz.exec.next.response"
)

// ProtocolVersion is the control-plane protocol version this scheduler speaks.
const ProtocolVersion = "1"

// Authentication modes for control.handshake.
const (
	AuthModeToken       = "token"
	AuthModeFingerprint = "fingerprint"
	AuthModeNone        = "none"
)

// HandshakePayload opens a session (W→S).
type HandshakePayload struct {
	ProtocolVersion string `json:"protocolVersion"`
	AuthMode        string `json:"authMode,omitempty"`
	AuthToken       string `json:"authToken,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`

	// WorkerInstanceID is the durable instance id assigned on first
	// handshake; empty on a worker's very first connection.
	WorkerInstanceID string `json:"workerInstanceId,omitempty"`
}

// PackageStatus values for RegisterPayload packages.
const (
	PackageInstalled = "installed"
	PackageFailed    = "failed"
)

// PackageInfo advertises one installed package.
type PackageInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// RegisterPayload advertises worker capabilities (W→S).
type RegisterPayload struct {
	WorkerName   string        `json:"workerName"`
	Packages     []PackageInfo `json:"packages,omitempty"`
	RuntimeNames []string      `json:"runtimeNames,omitempty"`
	FeatureFlags []string      `json:"featureFlags,omitempty"`
	Concurrency  int           `json:"concurrency,omitempty"`
}

// ResumePayload reconnects with a prior session (W→S).
type ResumePayload struct {
	SessionID    string `json:"sessionId"`
	SessionToken string `json:"sessionToken"`
	LastSeenSeq  uint64 `json:"lastSeenSeq,omitempty"`
}

// HeartbeatMetrics carries worker load indicators.
type HeartbeatMetrics struct {
	Inflight   int   `json:"inflight"`
	LatencyMs  int64 `json:"latencyMs"`
	QueueDepth int   `json:"queueDepth"`
}

// HeartbeatPayload reports liveness and metrics (W→S).
type HeartbeatPayload struct {
	Healthy bool             `json:"healthy"`
	Metrics HeartbeatMetrics `json:"metrics"`
}

// SessionAcceptPayload establishes or resumes a session (S→W).
type SessionAcceptPayload struct {
	SessionID        string `json:"sessionId"`
	SessionToken     string `json:"sessionToken"`
	WorkerInstanceID string `json:"workerInstanceId"`
	Resumed          bool   `json:"resumed"`

	// HeartbeatIntervalSeconds and reconnect bounds advertise the pacing
	// the scheduler expects from this worker.
	HeartbeatIntervalSeconds int     `json:"heartbeatIntervalSeconds,omitempty"`
	HeartbeatJitterSeconds   int     `json:"heartbeatJitterSeconds,omitempty"`
	ReconnectBaseSeconds     int     `json:"reconnectBaseSeconds,omitempty"`
	ReconnectMaxSeconds      int     `json:"reconnectMaxSeconds,omitempty"`
	ReconnectJitter          float64 `json:"reconnectJitter,omitempty"`
	WindowSize               int     `json:"windowSize,omitempty"`
}

// ResetPayload terminates a session (S→W).
type ResetPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// DrainPayload tells a worker to stop accepting new dispatches (S→W) or a
// worker to announce it is draining (W→S).
type DrainPayload struct {
	Reason string `json:"reason,omitempty"`
}

// DispatchPayload hands a task to a worker (S→W).
type DispatchPayload struct {
	RunID          string         `json:"runId"`
	NodeID         string         `json:"nodeId"`
	TaskID         string         `json:"taskId"`
	NodeType       string         `json:"nodeType"`
	PackageName    string         `json:"packageName"`
	PackageVersion string         `json:"packageVersion,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ResourceRefs   []string       `json:"resourceRefs,omitempty"`
	Affinity       string         `json:"affinity,omitempty"`
	ConcurrencyKey string         `json:"concurrencyKey,omitempty"`
	DispatchID     string         `json:"dispatchId"`

	// Middleware routing: set when this dispatch targets a middleware link
	// or a host invoked through next().
	HostNodeID      string   `json:"hostNodeId,omitempty"`
	MiddlewareChain []string `json:"middlewareChain,omitempty"`
	ChainIndex      *int     `json:"chainIndex,omitempty"`
}

// ResultPayload reports a terminal task outcome (W→S).
type ResultPayload struct {
	RunID      string               `json:"runId"`
	TaskID     string               `json:"taskId"`
	Status     string               `json:"status"`
	Result     map[string]any       `json:"result,omitempty"`
	Error      *errors.CommandError `json:"error,omitempty"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
	Artifacts  []map[string]any     `json:"artifacts,omitempty"`
	DurationMs int64                `json:"durationMs,omitempty"`
	DispatchID string               `json:"dispatchId,omitempty"`
}

// FeedbackChunk is one ordered streaming record on a named channel.
type FeedbackChunk struct {
	Channel    string         `json:"channel"`
	Text       string         `json:"text,omitempty"`
	DataBase64 string         `json:"dataBase64,omitempty"`
	MimeType   string         `json:"mimeType,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FeedbackPayload reports non-terminal progress (W→S).
type FeedbackPayload struct {
	RunID    string          `json:"runId"`
	TaskID   string          `json:"taskId"`
	Stage    string          `json:"stage,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Metrics  map[string]any  `json:"metrics,omitempty"`
	Chunks   []FeedbackChunk `json:"chunks,omitempty"`
}

// ErrorPayload reports a structured business error (W→S).
type ErrorPayload struct {
	RunID      string               `json:"runId"`
	TaskID     string               `json:"taskId"`
	Error      *errors.CommandError `json:"error"`
	DispatchID string               `json:"dispatchId,omitempty"`
}

// NextRequestPayload is a middleware call-through (W→S).
type NextRequestPayload struct {
	RequestID    string         `json:"requestId"`
	RunID        string         `json:"runId"`
	NodeID       string         `json:"nodeId"`
	MiddlewareID string         `json:"middlewareId"`
	ChainIndex   int            `json:"chainIndex"`
	TimeoutMs    int64          `json:"timeoutMs,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// NextResponsePayload answers a next.request (S→W).
type NextResponsePayload struct {
	RequestID string               `json:"requestId"`
	Result    map[string]any       `json:"result,omitempty"`
	Error     *errors.CommandError `json:"error,omitempty"`
}

// HeartbeatFresh reports whether a heartbeat timestamp is fresh at the given
// instant. A heartbeat exactly maxAge old is still considered fresh; a
// non-positive maxAge disables the cutoff.
func HeartbeatFresh(lastHeartbeat, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return now.Sub(lastHeartbeat) <= maxAge
}
