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

package workflow

import (
	"context"
	"sync"

	"github.com/meshworks/flowd/pkg/errors"
)

// Store is the persistent catalog of workflow definitions. The scheduler core
// consumes it through this contract only; durable implementations live
// outside the core.
type Store interface {
	// Get returns the definition with the given id.
	Get(ctx context.Context, id string) (*Definition, error)

	// Put stores or replaces a definition.
	Put(ctx context.Context, def *Definition) error
}

// PackageManifest describes an installable package and its requirements.
type PackageManifest struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Requirements Requirements   `json:"requirements"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Requirements lists what a package needs at dispatch time.
type Requirements struct {
	Resources []ResourceRequirement `json:"resources,omitempty"`
}

// ResourceRequirement names a resource key a package expects to be granted.
type ResourceRequirement struct {
	// Key is the binding key injected into dispatch parameters.
	Key string `json:"key"`

	// Type hints the resource kind (file, secret, token, ...).
	Type string `json:"type,omitempty"`

	// Required makes a missing grant a binding error.
	Required bool `json:"required,omitempty"`

	// Metadata carries manifest-level hints; metadata.inline=true forces the
	// resource value to be read and inlined into the dispatch.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PackageCatalog resolves package manifests by name and version.
type PackageCatalog interface {
	GetManifest(ctx context.Context, name, version string) (*PackageManifest, error)
}

// MemoryStore is an in-memory Store for tests and embedded use.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewMemoryStore creates an empty in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]*Definition)}
}

// Get returns the definition with the given id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return def, nil
}

// Put stores or replaces a definition.
func (s *MemoryStore) Put(ctx context.Context, def *Definition) error {
	if def == nil || def.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "definition id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = def
	return nil
}
