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

package engine

import (
	"sort"
	"strings"

	"github.com/meshworks/flowd/internal/events"
	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/errors"
)

// ApplyFeedback applies non-terminal progress from a worker: stage and
// progress updates, a deep metadata merge emitted as replace deltas, and
// streamed channel chunks emitted as append deltas. Every feedback bumps the
// node revision; deltas within it are numbered by the node's event sequence,
// so (revision, sequence) is strictly increasing per node.
func (e *Engine) ApplyFeedback(payload *protocol.FeedbackPayload) (*Effects, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[payload.RunID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: payload.RunID}
	}

	eff := &Effects{}
	if run.Status.Terminal() {
		return eff, nil
	}
	node, ok := run.Nodes[payload.TaskID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "task", ID: payload.TaskID}
	}
	if node.Status.Terminal() {
		// Late feedback after the result is dropped.
		return eff, nil
	}

	node.Revision++
	if payload.Stage != "" {
		node.Stage = payload.Stage
	}
	if payload.Progress != nil {
		node.Progress = copyFloat(payload.Progress)
	}
	if payload.Message != "" {
		node.Message = payload.Message
	}
	eff.Events = append(eff.Events, nodeStateEvent(run, node))

	delta := func(op, path string, value any, terminal bool) {
		node.eventSeq++
		eff.Events = append(eff.Events, events.New(run.scope(), events.TypeNodeResultDelta, events.NodeResultDeltaData{
			RunID:    run.ID,
			NodeID:   node.NodeID,
			Revision: node.Revision,
			Sequence: node.eventSeq,
			Op:       op,
			Path:     path,
			Value:    value,
			Terminal: terminal,
		}))
	}

	if len(payload.Metadata) > 0 {
		node.Metadata = mergeMaps(node.Metadata, payload.Metadata)
		emitLeafDeltas("/metadata", payload.Metadata, delta)
	}
	if len(payload.Metrics) > 0 {
		node.Metadata = mergeMaps(node.Metadata, map[string]any{"metrics": payload.Metrics})
		emitLeafDeltas("/metrics", payload.Metrics, delta)
	}

	// Chunk history is not retained server-side; consumers reconstruct
	// channel streams from the append deltas.
	for _, chunk := range payload.Chunks {
		value := map[string]any{"channel": chunk.Channel}
		if chunk.Text != "" {
			value["text"] = chunk.Text
		}
		if chunk.DataBase64 != "" {
			value["dataBase64"] = chunk.DataBase64
		}
		if chunk.MimeType != "" {
			value["mimeType"] = chunk.MimeType
		}
		if len(chunk.Metadata) > 0 {
			value["metadata"] = cloneMap(chunk.Metadata)
		}
		terminal, _ := chunk.Metadata["terminal"].(bool)
		delta(events.OpAppend, "/channels/"+escapePointerToken(chunk.Channel), value, terminal)
	}

	return eff, nil
}

// emitLeafDeltas walks an update tree and emits one replace delta per leaf
// path, in key order, so a merge touching a nested value only publishes the
// paths it changed. An empty map is itself a leaf.
func emitLeafDeltas(prefix string, m map[string]any, emit func(op, path string, value any, terminal bool)) {
	for _, key := range sortedKeys(m) {
		path := prefix + "/" + escapePointerToken(key)
		if sub, ok := m[key].(map[string]any); ok && len(sub) > 0 {
			emitLeafDeltas(path, sub, emit)
			continue
		}
		emit(events.OpReplace, path, cloneValue(m[key]), false)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapePointerToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	return strings.ReplaceAll(tok, "/", "~1")
}
