// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manager aggregates every provider behind one interface and owns
// the two cross-provider concerns no single provider can decide alone:
// capability-based model selection against the host hardware profile, and
// memory admission control for load operations.
package manager

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/hardware"
	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
	"github.com/AleutianAI/AleutianMM/services/multimodal/provider"
)

var tracer = otel.Tracer("aleutianmm.manager")

const (
	// mergedCatalogTTL bounds staleness of the cross-provider listing,
	// independent of the per-provider caches.
	mergedCatalogTTL = 60 * time.Second

	// defaultSafetyBufferGB is headroom never handed to models, so the
	// host itself keeps breathing room.
	defaultSafetyBufferGB = 2.0

	// forcedRefreshInterval throttles force-refresh requests so a
	// misbehaving caller cannot hammer every backend.
	forcedRefreshInterval = 10 * time.Second

	// defaultEvictionGrace protects recently-used residents from
	// eviction: a model used moments ago is presumed required by an
	// in-flight request.
	defaultEvictionGrace = 30 * time.Second
)

// =============================================================================
// ModelManager Interface
// =============================================================================

// ModelManager is the unified cross-provider model lifecycle interface.
//
// # Description
//
// Aggregates all provider managers, merges their catalogs, selects models
// by capability against the live hardware profile, and gates every load
// through atomic admission control. This is the only component that may
// mark models loaded or evict them.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ModelManager interface {
	// ListAvailableModels returns the merged, filtered catalog across all
	// providers.
	ListAvailableModels(ctx context.Context, filter catalog.ListFilter) ([]catalog.ModelInfo, error)

	// GetModelInfo resolves a qualified ("provider/name") or bare model
	// name to its descriptor.
	GetModelInfo(ctx context.Context, name string) (catalog.ModelInfo, bool)

	// GetBestModelForTask selects the best model declaring the given
	// capability that the current hardware can run, walking fallback
	// chains when needed. Returns a NotFound-class error rather than an
	// unusable model.
	GetBestModelForTask(ctx context.Context, capability string, preferProvider catalog.Provider) (string, error)

	// DownloadModel delegates to the resolved provider.
	DownloadModel(ctx context.Context, name string, progress provider.PullProgressCallback) error

	// LoadModel performs admission control, evicting least-recently-used
	// models if needed, then delegates the load. The check-evict-load
	// sequence is a single critical section.
	LoadModel(ctx context.Context, name string) error

	// UnloadModel delegates the unload and releases admission accounting.
	UnloadModel(ctx context.Context, name string) error

	// CheckResourceAvailability reports whether requiredGB fits in the
	// current headroom (available RAM minus safety buffer minus resident
	// models). Pure query, no side effects.
	CheckResourceAvailability(ctx context.Context, requiredGB float64) bool

	// UnloadAllModels evicts every resident model, optionally restricted
	// to one provider or excluding one provider. Safe with zero loaded
	// models.
	UnloadAllModels(ctx context.Context, only, exclude catalog.Provider) error

	// WarmModels pre-loads the named models in priority order through
	// admission control. Individual failures are logged and skipped.
	WarmModels(ctx context.Context, names []string) error

	// RefreshCatalog rebuilds the merged catalog. force bypasses the TTL
	// (subject to throttling).
	RefreshCatalog(ctx context.Context, force bool) error
}

// =============================================================================
// UnifiedModelManager
// =============================================================================

// residentModel is the admission-control accounting record for one loaded
// model.
type residentModel struct {
	id       string
	provider catalog.Provider
	name     string
	sizeGB   float64
	loadedAt time.Time
	lastUsed time.Time
}

// UnifiedModelManager implements ModelManager.
//
// # Thread Safety
//
// Safe for concurrent use. The merged catalog and the admission state are
// guarded by separate locks; admission (check-evict-load) is one global
// critical section because memory is a host-wide resource spanning
// providers.
type UnifiedModelManager struct {
	providers map[catalog.Provider]provider.Manager
	order     []catalog.Provider
	profiler  hardware.Profiler
	catalog   *catalog.Catalog
	logger    *slog.Logger

	safetyBufferGB float64
	evictionGrace  time.Duration
	forceLimiter   *rate.Limiter

	catMu    sync.Mutex
	merged   []catalog.ModelInfo
	mergedAt time.Time

	admissionMu sync.Mutex
	resident    map[string]*residentModel
}

// ManagerOption customizes a UnifiedModelManager.
type ManagerOption func(*UnifiedModelManager)

// WithSafetyBufferGB overrides the admission safety buffer.
func WithSafetyBufferGB(gb float64) ManagerOption {
	return func(m *UnifiedModelManager) { m.safetyBufferGB = gb }
}

// WithEvictionGrace overrides how long recently-used residents are
// protected from eviction.
func WithEvictionGrace(d time.Duration) ManagerOption {
	return func(m *UnifiedModelManager) { m.evictionGrace = d }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *UnifiedModelManager) { m.logger = l }
}

// NewUnifiedModelManager constructs the manager over the given providers.
//
// # Inputs
//
//   - profiler: hardware profiler for selection and admission headroom
//   - cat: declarative model catalog (may be empty, never nil)
//   - managers: one Manager per active provider
//
// # Examples
//
//	mm := manager.NewUnifiedModelManager(profiler, cat,
//	    []provider.Manager{ollamaMgr, hubMgr})
func NewUnifiedModelManager(profiler hardware.Profiler, cat *catalog.Catalog, managers []provider.Manager, opts ...ManagerOption) *UnifiedModelManager {
	m := &UnifiedModelManager{
		providers:      make(map[catalog.Provider]provider.Manager, len(managers)),
		profiler:       profiler,
		catalog:        cat,
		logger:         slog.Default(),
		safetyBufferGB: defaultSafetyBufferGB,
		evictionGrace:  defaultEvictionGrace,
		forceLimiter:   rate.NewLimiter(rate.Every(forcedRefreshInterval), 1),
		resident:       make(map[string]*residentModel),
	}
	for _, mgr := range managers {
		p := mgr.Provider()
		m.providers[p] = mgr
	}
	// Stable resolution order for determinism.
	for _, p := range catalog.KnownProviders {
		if _, ok := m.providers[p]; ok {
			m.order = append(m.order, p)
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// Catalog Operations
// =============================================================================

// ListAvailableModels implements ModelManager.
func (m *UnifiedModelManager) ListAvailableModels(ctx context.Context, filter catalog.ListFilter) ([]catalog.ModelInfo, error) {
	ctx, span := tracer.Start(ctx, "ListAvailableModels")
	defer span.End()

	merged, err := m.mergedCatalog(ctx, false)
	if err != nil {
		return nil, err
	}
	if filter.IsZero() {
		return merged, nil
	}

	out := make([]catalog.ModelInfo, 0, len(merged))
	for i := range merged {
		if filter.Matches(&merged[i]) {
			out = append(out, merged[i])
		}
	}
	return out, nil
}

// GetModelInfo implements ModelManager.
func (m *UnifiedModelManager) GetModelInfo(ctx context.Context, name string) (catalog.ModelInfo, bool) {
	mgr, _, bare, err := m.resolve(ctx, name)
	if err != nil {
		return catalog.ModelInfo{}, false
	}
	return mgr.GetInfo(ctx, bare)
}

// RefreshCatalog implements ModelManager.
func (m *UnifiedModelManager) RefreshCatalog(ctx context.Context, force bool) error {
	_, err := m.mergedCatalog(ctx, force)
	return err
}

// mergedCatalog returns the cross-provider listing, refreshing when stale.
// Forced refreshes bypass the TTL but are throttled; a throttled force
// serves the cached view.
func (m *UnifiedModelManager) mergedCatalog(ctx context.Context, force bool) ([]catalog.ModelInfo, error) {
	m.catMu.Lock()
	defer m.catMu.Unlock()

	fresh := !m.mergedAt.IsZero() && time.Since(m.mergedAt) < mergedCatalogTTL
	if fresh && !force {
		return append([]catalog.ModelInfo(nil), m.merged...), nil
	}
	if force && fresh && !m.forceLimiter.Allow() {
		m.logger.Debug("forced catalog refresh throttled, serving cached view")
		return append([]catalog.ModelInfo(nil), m.merged...), nil
	}

	var models []catalog.ModelInfo
	var errs []error
	for _, p := range m.order {
		list, err := m.providers[p].ListAvailable(ctx)
		if err != nil {
			m.logger.Warn("provider listing failed, merging without it",
				slog.String("provider", string(p)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		for _, info := range list {
			m.enrichFromCatalog(&info)
			models = append(models, info)
		}
	}
	if len(models) == 0 && len(errs) == len(m.order) && len(errs) > 0 {
		return nil, mmerrors.Wrap(mmerrors.KindBackendUnavailable,
			"every provider listing failed", errs[0])
	}

	// Order-stable merge for deterministic tests and paging.
	sort.Slice(models, func(i, j int) bool { return models[i].ID() < models[j].ID() })

	m.merged = models
	m.mergedAt = time.Now()
	return append([]catalog.ModelInfo(nil), m.merged...), nil
}

// enrichFromCatalog overlays declarative catalog metadata (tags,
// capabilities) onto a live descriptor when the backend reports none.
func (m *UnifiedModelManager) enrichFromCatalog(info *catalog.ModelInfo) {
	if m.catalog == nil {
		return
	}
	entry, ok := m.catalog.Lookup(info.Name)
	if !ok || entry.Provider != info.Provider {
		return
	}
	if len(entry.Tags) > 0 && len(info.Tags) == 0 {
		info.Tags = append([]string(nil), entry.Tags...)
	}
	if len(entry.Capabilities) > 0 {
		seen := make(map[string]bool, len(info.Capabilities))
		for _, c := range info.Capabilities {
			seen[c] = true
		}
		for _, c := range catalog.NormalizeCapabilities(entry.Capabilities) {
			if !seen[c] {
				info.Capabilities = append(info.Capabilities, c)
			}
		}
		sort.Strings(info.Capabilities)
	}
}

// =============================================================================
// Selection
// =============================================================================

// GetBestModelForTask implements ModelManager.
//
// # Description
//
// Selection order: capability match, hardware satisfiability, optional
// provider preference, then loaded-first / smallest / lexical ordering.
// When no capable model is satisfiable on this host, each candidate's
// fallback chain is walked (bounded depth) for a satisfiable entry. A
// NotFound-class error is returned rather than an unusable model.
func (m *UnifiedModelManager) GetBestModelForTask(ctx context.Context, capability string, preferProvider catalog.Provider) (string, error) {
	ctx, span := tracer.Start(ctx, "GetBestModelForTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.capability", capability),
		attribute.String("task.prefer_provider", string(preferProvider)),
	)

	if capability == "" {
		return "", mmerrors.InvalidInput("capability cannot be empty")
	}

	profile := m.profiler.Detect(ctx)
	merged, err := m.mergedCatalog(ctx, false)
	if err != nil {
		return "", err
	}

	var capable, satisfiable []catalog.ModelInfo
	for i := range merged {
		if !merged[i].HasCapability(capability) {
			continue
		}
		capable = append(capable, merged[i])
		if m.requirementsSatisfied(&profile, &merged[i]) {
			satisfiable = append(satisfiable, merged[i])
		}
	}

	if preferProvider != "" {
		var preferred []catalog.ModelInfo
		for _, c := range satisfiable {
			if c.Provider == preferProvider {
				preferred = append(preferred, c)
			}
		}
		if len(preferred) > 0 {
			satisfiable = preferred
		}
	}

	if len(satisfiable) > 0 {
		best := pickBest(satisfiable)
		m.touch(best.ID())
		span.SetAttributes(attribute.String("model.selected", best.ID()))
		return best.ID(), nil
	}

	// Nothing runs directly: walk fallback chains of capable candidates
	// in deterministic order.
	if m.catalog != nil {
		sort.Slice(capable, func(i, j int) bool { return capable[i].ID() < capable[j].ID() })
		for _, c := range capable {
			entry, ok := m.catalog.WalkFallbacks(c.Name, func(e *catalog.ModelConfig) bool {
				return e.HasCapability(capability) &&
					profile.Satisfies(e.MinRAMGB, e.MinGPUGB, e.RequiresGPU)
			})
			if ok {
				m.logger.Info("selected fallback model",
					slog.String("requested", c.ID()),
					slog.String("fallback", entry.QualifiedName()),
					slog.String("capability", capability),
				)
				span.SetAttributes(attribute.String("model.selected", entry.QualifiedName()))
				return entry.QualifiedName(), nil
			}
		}
	}

	return "", &mmerrors.OpError{
		Kind:        mmerrors.KindNotFound,
		Message:     "no model satisfies capability " + capability + " on this hardware",
		Remediation: "install a model declaring this capability or configure a CPU-capable fallback",
	}
}

// requirementsSatisfied checks a descriptor's declared hardware
// requirements against the profile. Models without a catalog entry carry
// no requirements.
func (m *UnifiedModelManager) requirementsSatisfied(profile *hardware.HardwareProfile, info *catalog.ModelInfo) bool {
	if m.catalog == nil {
		return true
	}
	entry, ok := m.catalog.Lookup(info.Name)
	if !ok || entry.Provider != info.Provider {
		return true
	}
	return profile.Satisfies(entry.MinRAMGB, entry.MinGPUGB, entry.RequiresGPU)
}

// pickBest orders candidates loaded-first, then smallest, then lexical.
func pickBest(candidates []catalog.ModelInfo) catalog.ModelInfo {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		if a.Loaded != b.Loaded {
			return a.Loaded
		}
		if a.SizeMB != b.SizeMB {
			return a.SizeMB < b.SizeMB
		}
		return a.ID() < b.ID()
	})
	return candidates[0]
}

// =============================================================================
// Name Resolution
// =============================================================================

// resolve maps a qualified or bare model name to its provider manager and
// provider-local name.
//
// Resolution order: explicit "provider/" prefix, then the naming
// heuristic ("/" → hub, ":" → ollama), then a scan of active providers in
// stable order, then the declarative catalog.
func (m *UnifiedModelManager) resolve(ctx context.Context, name string) (provider.Manager, catalog.Provider, string, error) {
	if name == "" {
		return nil, "", "", mmerrors.InvalidInput("model name cannot be empty")
	}

	for _, p := range m.order {
		prefix := string(p) + "/"
		if rest, ok := strings.CutPrefix(name, prefix); ok && rest != "" {
			return m.providers[p], p, rest, nil
		}
	}

	if p, ok := catalog.InferProvider(name); ok {
		if mgr, active := m.providers[p]; active {
			return mgr, p, name, nil
		}
		return nil, "", "", mmerrors.New(mmerrors.KindNotFound,
			"provider "+string(p)+" is not active")
	}

	for _, p := range m.order {
		if _, found := m.providers[p].GetInfo(ctx, name); found {
			return m.providers[p], p, name, nil
		}
	}

	if m.catalog != nil {
		if entry, ok := m.catalog.Lookup(name); ok {
			if mgr, active := m.providers[entry.Provider]; active {
				return mgr, entry.Provider, entry.Name, nil
			}
		}
	}

	return nil, "", "", mmerrors.NotFound("", name)
}

// qualifiedID builds the normalized admission key for a model.
func qualifiedID(p catalog.Provider, bare string) string {
	return string(p) + "/" + catalog.NormalizeName(bare, p)
}

// touch refreshes LRU recency for a resident model, if tracked. Resident
// keys are qualifiedID-normalized, so the incoming ID must be normalized
// the same way or tagless names like "ollama/tiny" miss their
// "ollama/tiny:latest" entry.
func (m *UnifiedModelManager) touch(id string) {
	key := id
	if p, bare, ok := strings.Cut(id, "/"); ok {
		key = qualifiedID(catalog.Provider(p), bare)
	}
	m.admissionMu.Lock()
	defer m.admissionMu.Unlock()
	if r, ok := m.resident[key]; ok {
		r.lastUsed = time.Now()
	}
}

// Compile-time interface compliance check.
var _ ModelManager = (*UnifiedModelManager)(nil)
