// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
)

const (
	// hubManifestName is the per-model descriptor file in the local store.
	hubManifestName = "manifest.json"

	hubIndexTimeout = 30 * time.Second

	// hubProgressChunk is the copy granularity for download progress
	// reporting.
	hubProgressChunk = 1 << 20
)

// =============================================================================
// Wire Types
// =============================================================================

// hubManifest is the on-disk descriptor written next to a downloaded
// model's weights.
type hubManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	SizeMB       int64             `json:"size_mb"`
	Capabilities []string          `json:"capabilities"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DownloadedAt time.Time         `json:"downloaded_at"`
}

// hubIndex mirrors the remote registry index document.
type hubIndex struct {
	Models []hubIndexEntry `json:"models"`
}

type hubIndexEntry struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	SizeMB       int64             `json:"size_mb"`
	Capabilities []string          `json:"capabilities"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	URL          string            `json:"url"`
}

// =============================================================================
// HubProvider
// =============================================================================

// HubProvider manages models from a downloadable-model repository.
//
// # Description
//
// Models live under a local store directory, one subdirectory per
// namespace/name pair, each holding the weights plus a manifest.json
// descriptor. The remote registry is a single JSON index document listing
// downloadable models and their artifact URLs.
//
// Unlike the daemon provider, the hub has no serving process: Load marks a
// model resident for admission accounting after verifying it is installed,
// and Unload releases that mark. A filesystem watcher invalidates the
// installed-model cache when the store changes underneath us (external
// deletion, manual placement).
//
// # Thread Safety
//
// HubProvider is safe for concurrent use.
type HubProvider struct {
	storeDir   string
	indexURL   string
	httpClient *http.Client
	cache      *modelCache // installed models
	remote     *modelCache // remote index
	logger     *slog.Logger

	mu     sync.Mutex
	loaded map[string]time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// HubOption customizes a HubProvider.
type HubOption func(*HubProvider)

// WithHubHTTPClient replaces the HTTP client.
func WithHubHTTPClient(c *http.Client) HubOption {
	return func(p *HubProvider) { p.httpClient = c }
}

// WithHubLogger sets the logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(p *HubProvider) { p.logger = l }
}

// WithHubCacheTTL overrides both catalog cache TTLs.
func WithHubCacheTTL(ttl time.Duration) HubOption {
	return func(p *HubProvider) {
		p.cache = newModelCache(ttl)
		p.remote = newModelCache(ttl)
	}
}

// NewHubProvider creates a provider over the given local store directory
// and remote index URL. The store directory is created if missing and a
// filesystem watcher is attached to it; watcher setup failure is
// non-fatal (cache TTL still bounds staleness).
func NewHubProvider(storeDir, indexURL string, opts ...HubOption) (*HubProvider, error) {
	if storeDir == "" {
		return nil, mmerrors.InvalidInput("hub store directory cannot be empty")
	}
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, mmerrors.Wrap(mmerrors.KindInvalidInput, "creating hub store directory", err)
	}

	p := &HubProvider{
		storeDir:   storeDir,
		indexURL:   indexURL,
		httpClient: &http.Client{Timeout: hubIndexTimeout},
		cache:      newModelCache(catalogCacheTTL),
		remote:     newModelCache(catalogCacheTTL),
		logger:     slog.Default(),
		loaded:     make(map[string]time.Time),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if werr := watcher.Add(storeDir); werr == nil {
			p.watcher = watcher
			go p.watch()
		} else {
			_ = watcher.Close()
			p.logger.Warn("hub store watch failed, relying on cache TTL",
				slog.String("error", werr.Error()))
		}
	} else {
		p.logger.Warn("fsnotify unavailable, relying on cache TTL",
			slog.String("error", err.Error()))
	}

	return p, nil
}

// Close stops the filesystem watcher.
func (p *HubProvider) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// watch invalidates the installed-model cache on any store event.
func (p *HubProvider) watch() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			p.logger.Debug("hub store changed", slog.String("path", ev.Name))
			p.cache.invalidateAll()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("hub store watch error", slog.String("error", err.Error()))
		}
	}
}

// Provider implements Manager.
func (p *HubProvider) Provider() catalog.Provider { return catalog.ProviderHub }

// ListInstalled implements Manager by scanning store manifests.
func (p *HubProvider) ListInstalled(ctx context.Context) ([]catalog.ModelInfo, error) {
	if err := p.refreshInstalled(ctx); err != nil {
		return nil, err
	}
	return p.cache.list(), nil
}

// ListAvailable implements Manager: the remote index merged with local
// installed state. When the index is unreachable the local listing is
// returned so offline hosts keep working with what they have.
func (p *HubProvider) ListAvailable(ctx context.Context) ([]catalog.ModelInfo, error) {
	installed, err := p.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}

	if err := p.refreshRemote(ctx); err != nil {
		p.logger.Warn("hub index unreachable, listing installed models only",
			slog.String("error", err.Error()))
		return installed, nil
	}

	byName := make(map[string]catalog.ModelInfo)
	for _, m := range p.remote.list() {
		byName[catalog.NormalizeName(m.Name, catalog.ProviderHub)] = m
	}
	for _, m := range installed {
		byName[catalog.NormalizeName(m.Name, catalog.ProviderHub)] = m
	}

	out := make([]catalog.ModelInfo, 0, len(byName))
	for _, m := range byName {
		out = append(out, m)
	}
	return out, nil
}

// GetInfo implements Manager. Installed state wins over the remote index.
func (p *HubProvider) GetInfo(ctx context.Context, name string) (catalog.ModelInfo, bool) {
	key := catalog.NormalizeName(name, catalog.ProviderHub)
	if err := p.refreshInstalled(ctx); err == nil {
		if m, ok := p.cache.get(key); ok {
			return m, true
		}
	}
	if err := p.refreshRemote(ctx); err == nil {
		return p.remote.get(key)
	}
	return catalog.ModelInfo{}, false
}

// Download implements Manager.
//
// # Description
//
// Idempotent: a model already present in the store is a no-op success
// (with a final "already installed" progress callback). Artifacts stream
// into a temp file that is renamed into place only after a complete
// transfer, so partial downloads never appear installed.
func (p *HubProvider) Download(ctx context.Context, name string, progress PullProgressCallback) error {
	if err := catalog.ValidateModelName(name); err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "invalid model name", err)
	}

	if p.isInstalled(ctx, name) {
		if progress != nil {
			progress("already installed", 0, 0)
		}
		return nil
	}

	entry, err := p.lookupIndexEntry(ctx, name)
	if err != nil {
		return err
	}

	dir := p.modelDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "creating model directory", err)
	}

	if err := p.fetchArtifact(ctx, entry, dir, progress); err != nil {
		// Leave no half-built model directory behind.
		_ = os.RemoveAll(dir)
		return err
	}

	manifest := hubManifest{
		Name:         entry.Name,
		Version:      entry.Version,
		SizeMB:       entry.SizeMB,
		Capabilities: catalog.NormalizeCapabilities(entry.Capabilities),
		Tags:         entry.Tags,
		Metadata:     entry.Metadata,
		DownloadedAt: time.Now().UTC(),
	}
	if err := p.writeManifest(dir, manifest); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}

	p.cache.invalidateAll()
	p.logger.Info("model downloaded",
		slog.String("model", name),
		slog.Int64("size_mb", entry.SizeMB),
	)
	if progress != nil {
		progress("complete", entry.SizeMB<<20, entry.SizeMB<<20)
	}
	return nil
}

// Load implements Manager: verifies installation and marks the model
// resident for admission accounting.
func (p *HubProvider) Load(ctx context.Context, name string) error {
	if !p.isInstalled(ctx, name) {
		return &mmerrors.OpError{
			Kind:        mmerrors.KindNotFound,
			Provider:    string(catalog.ProviderHub),
			Model:       name,
			Message:     "model is not installed",
			Remediation: "download the model before loading it",
		}
	}

	key := catalog.NormalizeName(name, catalog.ProviderHub)
	p.mu.Lock()
	p.loaded[key] = time.Now()
	p.mu.Unlock()
	p.cache.invalidateAll()

	p.logger.Info("model loaded", slog.String("model", name))
	return nil
}

// Unload implements Manager. No-op success when the model is not resident.
func (p *HubProvider) Unload(_ context.Context, name string) error {
	key := catalog.NormalizeName(name, catalog.ProviderHub)

	p.mu.Lock()
	_, resident := p.loaded[key]
	delete(p.loaded, key)
	p.mu.Unlock()

	if resident {
		p.cache.invalidateAll()
		p.logger.Info("model unloaded", slog.String("model", name))
	}
	return nil
}

// IsAvailable implements Manager.
func (p *HubProvider) IsAvailable(ctx context.Context, name string) bool {
	return p.isInstalled(ctx, name)
}

// IsLoaded implements Manager.
func (p *HubProvider) IsLoaded(_ context.Context, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loaded[catalog.NormalizeName(name, catalog.ProviderHub)]
	return ok
}

// =============================================================================
// Internals
// =============================================================================

// modelDir maps "namespace/name" to a store subdirectory. ValidateModelName
// has already rejected path traversal characters.
func (p *HubProvider) modelDir(name string) string {
	return filepath.Join(p.storeDir, filepath.FromSlash(strings.ToLower(name)))
}

func (p *HubProvider) isInstalled(ctx context.Context, name string) bool {
	if err := p.refreshInstalled(ctx); err != nil {
		return false
	}
	_, ok := p.cache.get(catalog.NormalizeName(name, catalog.ProviderHub))
	return ok
}

// refreshInstalled rescans the store when the cache is stale.
func (p *HubProvider) refreshInstalled(_ context.Context) error {
	if p.cache.fresh() {
		return nil
	}

	var models []catalog.ModelInfo
	err := filepath.WalkDir(p.storeDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != hubManifestName {
			return nil
		}
		manifest, merr := p.readManifest(filepath.Dir(path))
		if merr != nil {
			p.logger.Warn("skipping unreadable manifest",
				slog.String("path", path),
				slog.String("error", merr.Error()),
			)
			return nil
		}
		models = append(models, p.manifestToInfo(manifest))
		return nil
	})
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindBackendUnavailable, "scanning hub store", err)
	}

	p.cache.replace(models, catalog.ProviderHub)
	return nil
}

// refreshRemote fetches the registry index when the cache is stale.
func (p *HubProvider) refreshRemote(ctx context.Context) error {
	if p.remote.fresh() {
		return nil
	}
	if p.indexURL == "" {
		return mmerrors.New(mmerrors.KindBackendUnavailable, "no hub index configured")
	}

	ctx, cancel := context.WithTimeout(ctx, hubIndexTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.indexURL, nil)
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "creating index request", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return mmerrors.BackendUnavailable(string(catalog.ProviderHub), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return mmerrors.Wrap(mmerrors.KindBackendUnavailable,
			fmt.Sprintf("index returned status %d", resp.StatusCode), nil)
	}

	var index hubIndex
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return mmerrors.Wrap(mmerrors.KindBackendUnavailable, "parsing hub index", err)
	}

	models := make([]catalog.ModelInfo, 0, len(index.Models))
	for _, e := range index.Models {
		meta := make(map[string]string, len(e.Metadata)+1)
		for k, v := range e.Metadata {
			meta[k] = v
		}
		if e.URL != "" {
			// Stash the artifact URL so Download can find it without a
			// second index round trip.
			meta["artifact_url"] = e.URL
		}
		m := catalog.ModelInfo{
			Name:         e.Name,
			Provider:     catalog.ProviderHub,
			SizeMB:       e.SizeMB,
			Version:      e.Version,
			Capabilities: e.Capabilities,
			Tags:         e.Tags,
			Metadata:     meta,
			Installed:    false,
		}
		m.Normalize()
		models = append(models, m)
	}
	p.remote.replace(models, catalog.ProviderHub)
	return nil
}

// lookupIndexEntry finds a model in the remote index by normalized name.
func (p *HubProvider) lookupIndexEntry(ctx context.Context, name string) (hubIndexEntry, error) {
	if err := p.refreshRemote(ctx); err != nil {
		return hubIndexEntry{}, err
	}

	key := catalog.NormalizeName(name, catalog.ProviderHub)
	m, ok := p.remote.get(key)
	if !ok {
		return hubIndexEntry{}, mmerrors.NotFound(string(catalog.ProviderHub), name)
	}
	url := m.Metadata["artifact_url"]
	return hubIndexEntry{
		Name:         m.Name,
		Version:      m.Version,
		SizeMB:       m.SizeMB,
		Capabilities: m.Capabilities,
		Tags:         m.Tags,
		Metadata:     m.Metadata,
		URL:          url,
	}, nil
}

// fetchArtifact streams the model artifact into dir, reporting progress.
func (p *HubProvider) fetchArtifact(ctx context.Context, entry hubIndexEntry, dir string, progress PullProgressCallback) error {
	if entry.URL == "" {
		return mmerrors.New(mmerrors.KindNotFound, "index entry carries no artifact URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "creating artifact request", err)
	}

	// Artifact transfers are long-running: bounded by context, not client
	// timeout.
	client := &http.Client{Transport: p.httpClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return mmerrors.BackendUnavailable(string(catalog.ProviderHub), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return mmerrors.NotFound(string(catalog.ProviderHub), entry.Name)
	}
	if resp.StatusCode != http.StatusOK {
		return mmerrors.Wrap(mmerrors.KindBackendUnavailable,
			fmt.Sprintf("artifact fetch returned status %d", resp.StatusCode), nil)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "creating temp file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, hubProgressChunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				_ = tmp.Close()
				return mmerrors.Wrap(mmerrors.KindInvalidInput, "writing artifact", werr)
			}
			written += int64(n)
			if progress != nil {
				progress("downloading", written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = tmp.Close()
			return mmerrors.BackendUnavailable(string(catalog.ProviderHub), rerr)
		}
	}
	if err := tmp.Close(); err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "closing artifact file", err)
	}

	final := filepath.Join(dir, artifactFileName(entry))
	if err := os.Rename(tmpName, final); err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "finalizing artifact", err)
	}
	return nil
}

// artifactFileName derives the on-disk artifact name from the entry URL.
func artifactFileName(entry hubIndexEntry) string {
	base := entry.URL
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.IndexAny(base, "?#"); idx >= 0 {
		base = base[:idx]
	}
	if base == "" {
		base = "model.bin"
	}
	return base
}

func (p *HubProvider) writeManifest(dir string, manifest hubManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "marshaling manifest", err)
	}
	if err := os.WriteFile(filepath.Join(dir, hubManifestName), data, 0o644); err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "writing manifest", err)
	}
	return nil
}

func (p *HubProvider) readManifest(dir string) (hubManifest, error) {
	var manifest hubManifest
	data, err := os.ReadFile(filepath.Join(dir, hubManifestName))
	if err != nil {
		return manifest, err
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, err
	}
	if manifest.Name == "" {
		return manifest, fmt.Errorf("manifest missing model name")
	}
	return manifest, nil
}

func (p *HubProvider) manifestToInfo(manifest hubManifest) catalog.ModelInfo {
	key := catalog.NormalizeName(manifest.Name, catalog.ProviderHub)
	p.mu.Lock()
	_, isLoaded := p.loaded[key]
	p.mu.Unlock()

	m := catalog.ModelInfo{
		Name:         manifest.Name,
		Provider:     catalog.ProviderHub,
		SizeMB:       manifest.SizeMB,
		Version:      manifest.Version,
		Capabilities: manifest.Capabilities,
		Tags:         manifest.Tags,
		Metadata:     manifest.Metadata,
		Loaded:       isLoaded,
		Installed:    true,
		ModifiedAt:   manifest.DownloadedAt,
	}
	m.Normalize()
	return m
}

// Compile-time interface compliance check.
var _ Manager = (*HubProvider)(nil)
