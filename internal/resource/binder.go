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
	"log/slog"
	"sort"

	"github.com/meshworks/flowd/internal/protocol"
	"github.com/meshworks/flowd/pkg/workflow"
)

// Parameter keys injected into dispatch parameters.
const (
	BindingsParam      = "__resourceBindings"
	BindingErrorsParam = "__resourceBindingErrors"
)

// DefaultMaxInlineBytes caps how large a resource may be to inline its value
// into a dispatch.
const DefaultMaxInlineBytes = 65536

// inlineTypes are resource types whose values are always inlined.
var inlineTypes = map[string]bool{
	"secret":     true,
	"token":      true,
	"api_key":    true,
	"apikey":     true,
	"key":        true,
	"credential": true,
}

// Binder resolves a package's resource requirements against the grant store
// and injects the resulting bindings into a dispatch payload. Binding
// problems never block the dispatch; they are surfaced to the worker as
// structured error entries so the failure is attributable.
type Binder struct {
	manifests *ManifestCache
	grants    GrantStore
	provider  Provider
	maxInline int
	logger    *slog.Logger
}

// NewBinder creates a binder. maxInline <= 0 selects the default cap.
func NewBinder(manifests *ManifestCache, grants GrantStore, provider Provider, maxInline int, logger *slog.Logger) *Binder {
	if maxInline <= 0 {
		maxInline = DefaultMaxInlineBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		manifests: manifests,
		grants:    grants,
		provider:  provider,
		maxInline: maxInline,
		logger:    logger,
	}
}

// Apply resolves the payload package's resource requirements and mutates the
// payload in place: bindings land under __resourceBindings, problems under
// __resourceBindingErrors, and bound resource ids are appended to
// resourceRefs.
func (b *Binder) Apply(ctx context.Context, tenant, workflowID string, payload *protocol.DispatchPayload) {
	if b == nil || b.manifests == nil || payload.PackageName == "" {
		return
	}

	manifest, err := b.manifests.GetManifest(ctx, payload.PackageName, payload.PackageVersion)
	if err != nil {
		// No manifest means no declared requirements.
		b.logger.Debug("no package manifest",
			slog.String("package", payload.PackageName),
			slog.Any("error", err))
		return
	}
	if len(manifest.Requirements.Resources) == 0 {
		return
	}

	grants, err := b.grants.List(ctx, tenant, payload.PackageName)
	if err != nil {
		b.logger.Warn("listing resource grants failed",
			slog.String("package", payload.PackageName),
			slog.Any("error", err))
		grants = nil
	}

	bindings := make(map[string]any)
	var bindErrors []any

	for _, req := range manifest.Requirements.Resources {
		grant := selectGrant(grants, req.Key, payload.PackageVersion, workflowID)
		if grant == nil {
			if req.Required {
				bindErrors = append(bindErrors, map[string]any{
					"key":   req.Key,
					"error": "no grant for required resource",
				})
			}
			continue
		}

		data, meta, err := b.provider.Open(ctx, grant.ResourceID)
		if err != nil {
			bindErrors = append(bindErrors, map[string]any{
				"key":        req.Key,
				"resourceId": grant.ResourceID,
				"error":      "resource unreadable: " + err.Error(),
			})
			continue
		}

		binding := map[string]any{
			"resourceId": meta.ResourceID,
			"type":       meta.Type,
			"filename":   meta.Filename,
			"mimeType":   meta.MimeType,
			"sizeBytes":  meta.SizeBytes,
		}
		if len(meta.Metadata) > 0 {
			binding["metadata"] = meta.Metadata
		}

		if shouldInline(req, meta) {
			if len(data) > b.maxInline {
				bindErrors = append(bindErrors, map[string]any{
					"key":        req.Key,
					"resourceId": grant.ResourceID,
					"error":      "resource too large to inline",
				})
			} else {
				binding["value"] = string(data)
			}
		}

		bindings[req.Key] = binding
		payload.ResourceRefs = append(payload.ResourceRefs, grant.ResourceID)
	}

	if len(bindings) == 0 && len(bindErrors) == 0 {
		return
	}
	if payload.Parameters == nil {
		payload.Parameters = make(map[string]any)
	}
	if len(bindings) > 0 {
		payload.Parameters[BindingsParam] = bindings
	}
	if len(bindErrors) > 0 {
		payload.Parameters[BindingErrorsParam] = bindErrors
	}
}

// selectGrant picks the grant for one requirement key: workflow-scoped grants
// win over global ones, and within a scope the newest version-compatible
// grant wins.
func selectGrant(grants []Grant, key, packageVersion, workflowID string) *Grant {
	matching := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if g.ResourceKey != key {
			continue
		}
		if g.PackageVersion != "" && packageVersion != "" && g.PackageVersion != packageVersion {
			continue
		}
		matching = append(matching, g)
	}
	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].GrantedAt.After(matching[j].GrantedAt)
	})

	if workflowID != "" {
		for i := range matching {
			if matching[i].WorkflowID == workflowID {
				return &matching[i]
			}
		}
	}
	for i := range matching {
		if matching[i].WorkflowID == "" {
			return &matching[i]
		}
	}
	return nil
}

// shouldInline reports whether a binding's value is read and embedded into
// the dispatch: always for credential-like types, or when the manifest
// requirement asks for it via metadata.inline.
func shouldInline(req workflow.ResourceRequirement, meta *Meta) bool {
	if inlineTypes[req.Type] || inlineTypes[meta.Type] {
		return true
	}
	if v, ok := req.Metadata["inline"].(bool); ok && v {
		return true
	}
	return false
}
