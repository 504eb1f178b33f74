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
	"log/slog"
)

// Emitter publishes event batches gathered under the engine lock after the
// lock has been released. Publish failures are logged and swallowed: event
// delivery never blocks or fails run-state transitions.
type Emitter struct {
	bus    Bus
	logger *slog.Logger
}

// NewEmitter wraps a bus. A nil bus yields an emitter that discards events.
func NewEmitter(bus Bus, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{bus: bus, logger: logger}
}

// Emit publishes the batch in order.
func (e *Emitter) Emit(ctx context.Context, batch []Event) {
	if e == nil || e.bus == nil {
		return
	}
	for _, event := range batch {
		if err := e.bus.Publish(ctx, event); err != nil {
			e.logger.Warn("event publish failed",
				slog.String("event", event.Type),
				slog.String("run_id", event.Scope.RunID),
				slog.Any("error", err))
		}
	}
}
