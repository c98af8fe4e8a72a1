// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provider implements the uniform per-backend model lifecycle
// contract and its two concrete implementations: the Ollama local-daemon
// provider and the Hub downloadable-repository provider.
//
// The provider set is a fixed, closed collection of tagged variants: one
// implementation struct per backend behind the Manager interface. There is
// no runtime attribute probing; dispatch happens on catalog.Provider.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
)

// catalogCacheTTL is how long a provider's model listing stays fresh.
// Mutating calls (Download/Load/Unload) invalidate affected entries
// immediately.
const catalogCacheTTL = 60 * time.Second

// PullProgressCallback receives download progress updates.
//
// total is 0 when the backend does not report a size; status is the
// backend's native phase string ("downloading", "verifying", ...).
type PullProgressCallback func(status string, completed, total int64)

// =============================================================================
// Manager Interface
// =============================================================================

// Manager is the uniform model lifecycle contract every provider
// implements.
//
// # Description
//
// Each concrete provider owns a short-TTL cache of its catalog so
// repeated queries do not hammer the backend. Mutating calls invalidate
// the cache for the affected model immediately.
//
// # Failure Semantics
//
// When the underlying backend is unreachable, every call returns an error
// matching mmerrors.ErrBackendUnavailable after a bounded number of
// backend-start/retry cycles with exponential backoff.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Manager interface {
	// Provider returns the backend identity this manager serves.
	Provider() catalog.Provider

	// ListInstalled returns models present on local disk. Never blocks
	// on the network beyond the local daemon/store.
	ListInstalled(ctx context.Context) ([]catalog.ModelInfo, error)

	// ListAvailable returns the provider's full catalog including
	// non-installed entries. Providers without a registry API return
	// the same result as ListInstalled.
	ListAvailable(ctx context.Context) ([]catalog.ModelInfo, error)

	// GetInfo looks up a single model by name.
	GetInfo(ctx context.Context, name string) (catalog.ModelInfo, bool)

	// Download fetches a model. Idempotent: downloading an installed
	// model is a no-op success.
	Download(ctx context.Context, name string, progress PullProgressCallback) error

	// Load makes a model resident in memory. Fails with a NotFound-class
	// error when the model was never downloaded.
	Load(ctx context.Context, name string) error

	// Unload releases a model from memory. Idempotent: unloading an
	// already-unloaded model is a no-op success.
	Unload(ctx context.Context, name string) error

	// IsAvailable reports whether the model is installed locally.
	IsAvailable(ctx context.Context, name string) bool

	// IsLoaded reports whether the model is currently resident.
	IsLoaded(ctx context.Context, name string) bool
}

// =============================================================================
// modelCache
// =============================================================================

// modelCache is the shared TTL catalog cache used by both concrete
// providers.
//
// # Thread Safety
//
// modelCache is safe for concurrent use.
type modelCache struct {
	mu        sync.RWMutex
	models    map[string]catalog.ModelInfo // keyed by normalized name
	fetchedAt time.Time
	ttl       time.Duration
}

func newModelCache(ttl time.Duration) *modelCache {
	if ttl <= 0 {
		ttl = catalogCacheTTL
	}
	return &modelCache{
		models: make(map[string]catalog.ModelInfo),
		ttl:    ttl,
	}
}

// fresh reports whether the cache can serve reads without a refresh.
func (c *modelCache) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl
}

// replace swaps the entire cache content.
func (c *modelCache) replace(models []catalog.ModelInfo, provider catalog.Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = make(map[string]catalog.ModelInfo, len(models))
	for _, m := range models {
		c.models[catalog.NormalizeName(m.Name, provider)] = m
	}
	c.fetchedAt = time.Now()
}

// get returns a cached entry by normalized name.
func (c *modelCache) get(key string) (catalog.ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[key]
	return m, ok
}

// list returns a copy of all cached entries.
func (c *modelCache) list() []catalog.ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]catalog.ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	return out
}

// invalidate drops a single entry and forces the next read to refresh.
func (c *modelCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.models, key)
	c.fetchedAt = time.Time{}
}

// invalidateAll forces the next read to refresh.
func (c *modelCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

// =============================================================================
// MockManager
// =============================================================================

// MockManager is a test double for Manager with per-method overrides and
// call tracking.
//
// # Thread Safety
//
// MockManager is safe for concurrent use.
type MockManager struct {
	// ProviderValue is returned by Provider. Defaults to "ollama".
	ProviderValue catalog.Provider

	// Function overrides (nil uses the map-backed default behavior).
	ListInstalledFunc func(ctx context.Context) ([]catalog.ModelInfo, error)
	ListAvailableFunc func(ctx context.Context) ([]catalog.ModelInfo, error)
	DownloadFunc      func(ctx context.Context, name string) error
	LoadFunc          func(ctx context.Context, name string) error
	UnloadFunc        func(ctx context.Context, name string) error

	mu sync.Mutex

	// Models is the backing catalog for default behavior, keyed by name.
	Models map[string]catalog.ModelInfo

	// Call tracking.
	DownloadCalls []string
	LoadCalls     []string
	UnloadCalls   []string
}

// NewMockManager creates a mock backed by the given models.
func NewMockManager(p catalog.Provider, models ...catalog.ModelInfo) *MockManager {
	m := &MockManager{
		ProviderValue: p,
		Models:        make(map[string]catalog.ModelInfo, len(models)),
	}
	for _, mi := range models {
		mi.Normalize()
		m.Models[mi.Name] = mi
	}
	return m
}

// Provider implements Manager.
func (m *MockManager) Provider() catalog.Provider {
	if m.ProviderValue == "" {
		return catalog.ProviderOllama
	}
	return m.ProviderValue
}

// ListInstalled implements Manager.
func (m *MockManager) ListInstalled(ctx context.Context) ([]catalog.ModelInfo, error) {
	if m.ListInstalledFunc != nil {
		return m.ListInstalledFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []catalog.ModelInfo
	for _, mi := range m.Models {
		if mi.Installed {
			out = append(out, mi)
		}
	}
	return out, nil
}

// ListAvailable implements Manager.
func (m *MockManager) ListAvailable(ctx context.Context) ([]catalog.ModelInfo, error) {
	if m.ListAvailableFunc != nil {
		return m.ListAvailableFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]catalog.ModelInfo, 0, len(m.Models))
	for _, mi := range m.Models {
		out = append(out, mi)
	}
	return out, nil
}

// GetInfo implements Manager.
func (m *MockManager) GetInfo(_ context.Context, name string) (catalog.ModelInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.Models[name]
	return mi, ok
}

// Download implements Manager.
func (m *MockManager) Download(ctx context.Context, name string, _ PullProgressCallback) error {
	m.mu.Lock()
	m.DownloadCalls = append(m.DownloadCalls, name)
	m.mu.Unlock()
	if m.DownloadFunc != nil {
		return m.DownloadFunc(ctx, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mi, ok := m.Models[name]; ok {
		mi.Installed = true
		m.Models[name] = mi
	}
	return nil
}

// Load implements Manager. The default behavior mirrors the real
// providers: loading a model that was never downloaded fails NotFound.
func (m *MockManager) Load(ctx context.Context, name string) error {
	m.mu.Lock()
	m.LoadCalls = append(m.LoadCalls, name)
	m.mu.Unlock()
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.Models[name]
	if !ok || !mi.Installed {
		return mmerrors.NotFound(string(m.Provider()), name)
	}
	mi.Loaded = true
	m.Models[name] = mi
	return nil
}

// Unload implements Manager.
func (m *MockManager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	m.UnloadCalls = append(m.UnloadCalls, name)
	m.mu.Unlock()
	if m.UnloadFunc != nil {
		return m.UnloadFunc(ctx, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mi, ok := m.Models[name]; ok {
		mi.Loaded = false
		m.Models[name] = mi
	}
	return nil
}

// IsAvailable implements Manager.
func (m *MockManager) IsAvailable(_ context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.Models[name]
	return ok && mi.Installed
}

// IsLoaded implements Manager.
func (m *MockManager) IsLoaded(_ context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.Models[name]
	return ok && mi.Loaded
}

// Compile-time interface compliance check.
var _ Manager = (*MockManager)(nil)
