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
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/errors"
	"github.com/meshworks/flowd/pkg/workflow"
)

type countingCatalog struct {
	manifests map[string]*workflow.PackageManifest
	calls     atomic.Int64
}

func (c *countingCatalog) GetManifest(_ context.Context, name, version string) (*workflow.PackageManifest, error) {
	c.calls.Add(1)
	m, ok := c.manifests[name+"@"+version]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "manifest", ID: name}
	}
	return m, nil
}

func testFixture(manifest *workflow.PackageManifest) (*Binder, *MemoryGrantStore, *MemoryProvider) {
	catalog := &countingCatalog{manifests: map[string]*workflow.PackageManifest{
		manifest.Name + "@" + manifest.Version: manifest,
	}}
	grants := NewMemoryGrantStore()
	provider := NewMemoryProvider()
	binder := NewBinder(NewManifestCache(catalog), grants, provider, 0, nil)
	return binder, grants, provider
}

func fileManifest(key string, required bool) *workflow.PackageManifest {
	return &workflow.PackageManifest{
		Name:    "pkg-a",
		Version: "1.0.0",
		Requirements: workflow.Requirements{Resources: []workflow.ResourceRequirement{
			{Key: key, Type: "file", Required: required},
		}},
	}
}

func TestBinderInjectsFileBinding(t *testing.T) {
	binder, grants, provider := testFixture(fileManifest("config", true))
	grants.Put(Grant{ID: "g1", ResourceID: "res-1", PackageName: "pkg-a", ResourceKey: "config", GrantedAt: time.Now()})
	provider.Put([]byte("big blob"), Meta{
		ResourceID: "res-1", Type: "file", Filename: "config.yaml",
		MimeType: "application/yaml", SizeBytes: 8,
	})

	payload := &protocol.DispatchPayload{PackageName: "pkg-a", PackageVersion: "1.0.0"}
	binder.Apply(context.Background(), "t1", "wf-1", payload)

	bindings, ok := payload.Parameters[BindingsParam].(map[string]any)
	require.True(t, ok)
	binding := bindings["config"].(map[string]any)
	assert.Equal(t, "res-1", binding["resourceId"])
	assert.Equal(t, "config.yaml", binding["filename"])
	assert.NotContains(t, binding, "value", "plain files are referenced, not inlined")
	assert.Equal(t, []string{"res-1"}, payload.ResourceRefs)
	assert.NotContains(t, payload.Parameters, BindingErrorsParam)
}

func TestBinderInlinesSecrets(t *testing.T) {
	manifest := &workflow.PackageManifest{
		Name:    "pkg-a",
		Version: "1.0.0",
		Requirements: workflow.Requirements{Resources: []workflow.ResourceRequirement{
			{Key: "api", Type: "secret", Required: true},
		}},
	}
	binder, grants, provider := testFixture(manifest)
	grants.Put(Grant{ID: "g1", ResourceID: "res-1", PackageName: "pkg-a", ResourceKey: "api", GrantedAt: time.Now()})
	provider.Put([]byte("hunter2"), Meta{ResourceID: "res-1", Type: "secret", SizeBytes: 7})

	payload := &protocol.DispatchPayload{PackageName: "pkg-a", PackageVersion: "1.0.0"}
	binder.Apply(context.Background(), "t1", "", payload)

	bindings := payload.Parameters[BindingsParam].(map[string]any)
	binding := bindings["api"].(map[string]any)
	assert.Equal(t, "hunter2", binding["value"])
}

func TestBinderInlineForcedByManifestMetadata(t *testing.T) {
	manifest := &workflow.PackageManifest{
		Name:    "pkg-a",
		Version: "1.0.0",
		Requirements: workflow.Requirements{Resources: []workflow.ResourceRequirement{
			{Key: "template", Type: "file", Metadata: map[string]any{"inline": true}},
		}},
	}
	binder, grants, provider := testFixture(manifest)
	grants.Put(Grant{ID: "g1", ResourceID: "res-1", PackageName: "pkg-a", ResourceKey: "template", GrantedAt: time.Now()})
	provider.Put([]byte("{{ body }}"), Meta{ResourceID: "res-1", Type: "file"})

	payload := &protocol.DispatchPayload{PackageName: "pkg-a", PackageVersion: "1.0.0"}
	binder.Apply(context.Background(), "t1", "", payload)

	binding := payload.Parameters[BindingsParam].(map[string]any)["template"].(map[string]any)
	assert.Equal(t, "{{ body }}", binding["value"])
}

func TestBinderOversizedInlineBecomesError(t *testing.T) {
	manifest := &workflow.PackageManifest{
		Name:    "pkg-a",
		Version: "1.0.0",
		Requirements: workflow.Requirements{Resources: []workflow.ResourceRequirement{
			{Key: "api", Type: "secret", Required: true},
		}},
	}
	catalog := &countingCatalog{manifests: map[string]*workflow.PackageManifest{"pkg-a@1.0.0": manifest}}
	grants := NewMemoryGrantStore()
	provider := NewMemoryProvider()
	binder := NewBinder(NewManifestCache(catalog), grants, provider, 8, nil)

	grants.Put(Grant{ID: "g1", ResourceID: "res-1", PackageName: "pkg-a", ResourceKey: "api", GrantedAt: time.Now()})
	provider.Put([]byte(strings.Repeat("x", 9)), Meta{ResourceID: "res-1", Type: "secret"})

	payload := &protocol.DispatchPayload{PackageName: "pkg-a", PackageVersion: "1.0.0"}
	binder.Apply(context.Background(), "t1", "", payload)

	errsList := payload.Parameters[BindingErrorsParam].([]any)
	require.Len(t, errsList, 1)
	entry := errsList[0].(map[string]any)
	assert.Equal(t, "api", entry["key"])
	assert.Contains(t, entry["error"], "too large")

	// The binding itself still lands, minus the value.
	binding := payload.Parameters[BindingsParam].(map[string]any)["api"].(map[string]any)
	assert.NotContains(t, binding, "value")
}

func TestBinderMissingGrants(t *testing.T) {
	t.Run("required missing is an error", func(t *testing.T) {
		binder, _, _ := testFixture(fileManifest("config", true))
		payload := &protocol.DispatchPayload{PackageName: "pkg-a", PackageVersion: "1.0.0"}
		binder.Apply(context.Background(), "t1", "", payload)

		errsList := payload.Parameters[BindingErrorsParam].([]any)
		require.Len(t, errsList, 1)
		assert.Equal(t, "config", errsList[0].(map[string]any)["key"])
	})

	t.Run("optional missing is silent", func(t *testing.T) {
		binder, _, _ := testFixture(fileManifest("config", false))
		payload := &protocol.DispatchPayload{PackageName: "pkg-a", PackageVersion: "1.0.0"}
		binder.Apply(context.Background(), "t1", "", payload)
		assert.Nil(t, payload.Parameters)
	})
}

func TestGrantScopePrecedence(t *testing.T) {
	base := time.Now()
	grants := []Grant{
		{ID: "global-old", ResourceID: "r1", ResourceKey: "config", GrantedAt: base.Add(-2 * time.Hour)},
		{ID: "global-new", ResourceID: "r2", ResourceKey: "config", GrantedAt: base},
		{ID: "scoped", ResourceID: "r3", ResourceKey: "config", WorkflowID: "wf-1", GrantedAt: base.Add(-time.Hour)},
		{ID: "versioned", ResourceID: "r4", ResourceKey: "config", PackageVersion: "2.0.0", GrantedAt: base.Add(time.Hour)},
	}

	t.Run("workflow scope beats newer global", func(t *testing.T) {
		got := selectGrant(grants, "config", "1.0.0", "wf-1")
		require.NotNil(t, got)
		assert.Equal(t, "scoped", got.ID)
	})

	t.Run("global falls back to newest version match", func(t *testing.T) {
		got := selectGrant(grants, "config", "1.0.0", "wf-other")
		require.NotNil(t, got)
		assert.Equal(t, "global-new", got.ID, "2.0.0-only grant is skipped")
	})

	t.Run("version pinned grant matches its version", func(t *testing.T) {
		got := selectGrant(grants, "config", "2.0.0", "")
		require.NotNil(t, got)
		assert.Equal(t, "versioned", got.ID)
	})

	t.Run("no key match", func(t *testing.T) {
		assert.Nil(t, selectGrant(grants, "other", "1.0.0", ""))
	})
}

func TestManifestCacheMemoises(t *testing.T) {
	catalog := &countingCatalog{manifests: map[string]*workflow.PackageManifest{
		"pkg-a@1.0.0": fileManifest("config", false),
	}}
	cache := NewManifestCache(catalog)

	for i := 0; i < 3; i++ {
		_, err := cache.GetManifest(context.Background(), "pkg-a", "1.0.0")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), catalog.calls.Load())

	// Failures are retried, not cached.
	_, err := cache.GetManifest(context.Background(), "missing", "1.0.0")
	assert.Error(t, err)
	_, err = cache.GetManifest(context.Background(), "missing", "1.0.0")
	assert.Error(t, err)
	assert.Equal(t, int64(3), catalog.calls.Load())
}
