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

package errors

import (
	"fmt"
	"time"
)

// Scheduler-emitted command error codes.
const (
	// CodeDispatchUnavailable means no worker satisfied selection within the
	// configured retries. Fails the run.
	CodeDispatchUnavailable = "E.DISPATCH.UNAVAILABLE"

	// CodeDispatchInvalidMetadata means a middleware chain inconsistency or
	// similar pre-send validation failure. Fails the node.
	CodeDispatchInvalidMetadata = "E.DISPATCH.INVALID_METADATA"
)

// Worker-reported command error codes the scheduler reacts to.
const (
	// CodeConcurrencyViolation is advisory; the existing in-flight task is kept.
	CodeConcurrencyViolation = "E.CMD.CONCURRENCY_VIOLATION"

	// CodeRunnerCancelled resets the affected node for redispatch.
	CodeRunnerCancelled = "E.RUNNER.CANCELLED"
)

// Middleware next() outcome codes.
const (
	NextRunFinalised    = "next_run_finalised"
	NextDuplicate       = "next_duplicate"
	NextNoChain         = "next_no_chain"
	NextInvalidChain    = "next_invalid_chain"
	NextTargetNotReady  = "next_target_not_ready"
	NextTimeout         = "next_timeout"
	NextFailed          = "next_failed"
	NextCancelled       = "next_cancelled"
	NextUnavailable     = "next_unavailable"
)

// control.reset codes.
const (
	ResetSessionNotFound  = "session_not_found"
	ResetAuthFailed       = "auth_failed"
	ResetProtocolMismatch = "protocol_mismatch"
)

// CommandError is the structured error carried on envelopes and surfaced into
// run and node error fields. It is the wire shape of every scheduler- and
// worker-reported failure.
type CommandError struct {
	// Code is the stable machine-readable error code (e.g. E.DISPATCH.UNAVAILABLE).
	Code string `json:"code"`

	// Message is the human-readable error description.
	Message string `json:"message"`

	// Details carries optional structured context.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// NewCommand creates a CommandError with the given code and message.
func NewCommand(code, message string) *CommandError {
	return &CommandError{Code: code, Message: message}
}

// NewCommandf creates a CommandError with a formatted message.
func NewCommandf(code, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns the error with an additional detail entry set.
func (e *CommandError) WithDetail(key string, value any) *CommandError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ValidationError represents input validation failures.
// Use this for malformed workflow definitions or invalid envelope payloads.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested run, session, or grant does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "session", "manifest")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "dispatch.ackTimeoutSeconds")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "dispatch ack", "next request")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
