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

// Package protocol implements the control-plane wire protocol: JSON envelopes
// over WebSocket, per-session sliding-window sequencing with ack bitmaps, and
// per-message ack tracking with retry.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meshworks/flowd/pkg/errors"
)

// Sender roles.
const (
	RoleWorker    = "worker"
	RoleScheduler = "scheduler"
)

// Type prefixes. Control frames never consume window credits.
const (
	controlPrefix = "control."
	bizPrefix     = "biz."
)

// Envelope is the wire frame for every control-plane message.
type Envelope struct {
	// Type is the dot-namespaced message type (control.* or biz.*).
	Type string `json:"type"`

	// ID is the globally unique message id.
	ID string `json:"id"`

	// TS is the send timestamp.
	TS time.Time `json:"ts"`

	// Corr correlates responses with requests.
	Corr string `json:"corr,omitempty"`

	// Seq is the business sequence number (per-run dispatch numbering).
	Seq *uint64 `json:"seq,omitempty"`

	// SessionSeq is the session sliding-window position. Present on every
	// business frame, absent on control frames.
	SessionSeq *uint64 `json:"sessionSeq,omitempty"`

	// Tenant is carried on every envelope.
	Tenant string `json:"tenant"`

	// Sender identifies the sending party.
	Sender Sender `json:"sender"`

	// Ack carries per-message and window acknowledgement state.
	Ack *AckInfo `json:"ack,omitempty"`

	// Payload is the typed message body.
	Payload json.RawMessage `json:"payload"`
}

// Sender identifies a protocol party.
type Sender struct {
	Role string `json:"role"`
	ID   string `json:"id"`
}

// AckInfo carries acknowledgement state on an envelope.
type AckInfo struct {
	// Request asks the receiver to acknowledge this envelope by id.
	Request bool `json:"request,omitempty"`

	// For acknowledges the envelope with this id.
	For string `json:"for,omitempty"`

	// AckSeq is the last contiguously received sessionSeq.
	AckSeq *uint64 `json:"ackSeq,omitempty"`

	// AckBitmap marks out-of-order receipts after AckSeq; bit k set means
	// sessionSeq AckSeq+1+k was received.
	AckBitmap uint64 `json:"ackBitmap,omitempty"`

	// RecvWindow advertises the receiver's window size.
	RecvWindow int `json:"recvWindow,omitempty"`
}

// NewEnvelope creates an envelope of the given type with a fresh id and
// timestamp, marshaling payload into the body. A nil payload produces an
// empty object body.
func NewEnvelope(msgType, tenant string, sender Sender, payload any) (*Envelope, error) {
	body := json.RawMessage(`{}`)
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "marshaling %s payload", msgType)
		}
		body = raw
	}
	return &Envelope{
		Type:    msgType,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Tenant:  tenant,
		Sender:  sender,
		Payload: body,
	}, nil
}

// IsControl reports whether the envelope is a control frame.
func (e *Envelope) IsControl() bool {
	return strings.HasPrefix(e.Type, controlPrefix)
}

// IsBusiness reports whether the envelope is a business frame.
func (e *Envelope) IsBusiness() bool {
	return strings.HasPrefix(e.Type, bizPrefix)
}

// DecodePayload unmarshals the envelope body into out.
func (e *Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return errors.Wrapf(err, "decoding %s payload", e.Type)
	}
	return nil
}

// Encode serialises the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encoding envelope")
	}
	return data, nil
}

// Decode parses an envelope from its wire form and checks mandatory fields.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decoding envelope")
	}
	if env.Type == "" {
		return nil, &errors.ValidationError{Field: "type", Message: "missing message type"}
	}
	if env.ID == "" {
		return nil, &errors.ValidationError{Field: "id", Message: "missing message id"}
	}
	if env.Sender.Role != RoleWorker && env.Sender.Role != RoleScheduler {
		return nil, &errors.ValidationError{Field: "sender.role", Message: "unknown sender role " + env.Sender.Role}
	}
	return &env, nil
}
