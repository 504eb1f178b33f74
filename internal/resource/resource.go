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

// Package resource resolves resource grants at dispatch time and injects
// resource bindings into outgoing dispatch parameters. Grant storage and
// resource blobs live outside the core behind the GrantStore and Provider
// contracts.
package resource

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meshworks/flowd/pkg/errors"
)

// Grant authorises one resource for a (package, resourceKey, scope) triple.
type Grant struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`

	PackageName string `json:"packageName"`

	// PackageVersion restricts the grant to one package version; empty
	// matches any version.
	PackageVersion string `json:"packageVersion,omitempty"`

	// ResourceKey is the manifest requirement key this grant satisfies.
	ResourceKey string `json:"resourceKey"`

	// WorkflowID scopes the grant to one workflow; empty means global.
	WorkflowID string `json:"workflowId,omitempty"`

	Tenant    string    `json:"tenant,omitempty"`
	GrantedAt time.Time `json:"grantedAt"`
}

// GrantStore lists the grants for a package. Both workflow-scoped and global
// grants are returned; the binder applies scope precedence.
type GrantStore interface {
	List(ctx context.Context, tenant, packageName string) ([]Grant, error)
}

// Meta describes a stored resource.
type Meta struct {
	ResourceID string         `json:"resourceId"`
	Type       string         `json:"type,omitempty"`
	Filename   string         `json:"filename,omitempty"`
	MimeType   string         `json:"mimeType,omitempty"`
	SizeBytes  int64          `json:"sizeBytes,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Provider opens the underlying resource content and metadata by id.
type Provider interface {
	Open(ctx context.Context, resourceID string) ([]byte, *Meta, error)
}

// MemoryGrantStore is an in-memory GrantStore for tests and embedded use.
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants []Grant
}

// NewMemoryGrantStore creates an empty grant store.
func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{}
}

// Put adds a grant.
func (s *MemoryGrantStore) Put(g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = append(s.grants, g)
}

// List returns all grants for the package, newest first.
func (s *MemoryGrantStore) List(_ context.Context, tenant, packageName string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Grant
	for _, g := range s.grants {
		if g.PackageName != packageName {
			continue
		}
		if tenant != "" && g.Tenant != "" && g.Tenant != tenant {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GrantedAt.After(out[j].GrantedAt)
	})
	return out, nil
}

// MemoryProvider is an in-memory Provider for tests and embedded use.
type MemoryProvider struct {
	mu        sync.RWMutex
	resources map[string]memoryResource
}

type memoryResource struct {
	data []byte
	meta Meta
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{resources: make(map[string]memoryResource)}
}

// Put stores a resource.
func (p *MemoryProvider) Put(data []byte, meta Meta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources[meta.ResourceID] = memoryResource{data: data, meta: meta}
}

// Open returns a resource's content and metadata.
func (p *MemoryProvider) Open(_ context.Context, resourceID string) ([]byte, *Meta, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	res, ok := p.resources[resourceID]
	if !ok {
		return nil, nil, &errors.NotFoundError{Resource: "resource", ID: resourceID}
	}
	meta := res.meta
	return res.data, &meta, nil
}
