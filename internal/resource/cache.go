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

package resource

import (
	"context"
	"sync"

	"github.com/meshworks/flowd/pkg/workflow"
)

// ManifestCache memoises package manifest lookups by (name, version).
// Manifests are immutable once published, so entries never expire.
type ManifestCache struct {
	catalog workflow.PackageCatalog

	mu    sync.Mutex
	cache map[manifestKey]*workflow.PackageManifest
}

type manifestKey struct {
	name    string
	version string
}

// NewManifestCache wraps a catalog with memoisation.
func NewManifestCache(catalog workflow.PackageCatalog) *ManifestCache {
	return &ManifestCache{
		catalog: catalog,
		cache:   make(map[manifestKey]*workflow.PackageManifest),
	}
}

// GetManifest returns the manifest for a package, consulting the catalog on
// first use. Lookup failures are not cached.
func (c *ManifestCache) GetManifest(ctx context.Context, name, version string) (*workflow.PackageManifest, error) {
	key := manifestKey{name: name, version: version}

	c.mu.Lock()
	if m, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	m, err := c.catalog.GetManifest(ctx, name, version)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = m
	c.mu.Unlock()
	return m, nil
}
