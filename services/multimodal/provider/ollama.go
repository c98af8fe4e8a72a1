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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
)

// Ollama API timeouts. Lightweight availability probes get 3 seconds;
// inference-adjacent calls (load/unload ping) get 30.
const (
	ollamaProbeTimeout = 3 * time.Second
	ollamaCallTimeout  = 30 * time.Second

	// ollamaStartAttempts bounds the daemon-start/retry cycles before
	// surfacing BackendUnavailable (~10s with exponential backoff).
	ollamaStartAttempts = 5
)

// =============================================================================
// Wire Types
// =============================================================================

// ollamaTagsResponse mirrors GET /api/tags.
type ollamaTagsResponse struct {
	Models []ollamaModel `json:"models"`
}

type ollamaModel struct {
	Name       string             `json:"name"`
	Size       int64              `json:"size"`
	Digest     string             `json:"digest"`
	ModifiedAt time.Time          `json:"modified_at"`
	Details    ollamaModelDetails `json:"details"`
}

type ollamaModelDetails struct {
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// ollamaPullRequest mirrors POST /api/pull.
type ollamaPullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// ollamaPullProgress is one line of the streaming pull response.
type ollamaPullProgress struct {
	Status    string `json:"status"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
	Error     string `json:"error"`
}

// ollamaGenerateRequest is the minimal load/unload ping. An empty prompt
// with a keep_alive setting makes the daemon load (or release) the model
// without producing tokens.
type ollamaGenerateRequest struct {
	Model     string `json:"model"`
	KeepAlive string `json:"keep_alive"`
}

// visionFamilies marks model families that can process images.
var visionFamilies = map[string]bool{
	"clip":   true,
	"llava":  true,
	"mllama": true,
}

// =============================================================================
// OllamaProvider
// =============================================================================

// OllamaProvider manages models served by a local Ollama daemon.
//
// # Description
//
// The daemon has no native mutual-exclusion guarantees for load/unload, so
// this provider tracks residency itself and the unified manager serializes
// admission on top. Load sends a minimal generate request with
// keep_alive=-1 (stay resident); Unload sends keep_alive=0 (release now).
//
// When the daemon is unreachable the provider attempts a bounded number of
// start/retry cycles ("ollama serve" + exponential backoff) before
// surfacing BackendUnavailable.
//
// # Thread Safety
//
// OllamaProvider is safe for concurrent use.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
	cache      *modelCache
	logger     *slog.Logger

	// startDaemon spawns the local daemon; overridable in tests.
	startDaemon func(ctx context.Context) error

	mu     sync.Mutex
	loaded map[string]time.Time // normalized name -> load time
}

// OllamaOption customizes an OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithOllamaHTTPClient replaces the HTTP client.
func WithOllamaHTTPClient(c *http.Client) OllamaOption {
	return func(p *OllamaProvider) { p.httpClient = c }
}

// WithOllamaLogger sets the logger.
func WithOllamaLogger(l *slog.Logger) OllamaOption {
	return func(p *OllamaProvider) { p.logger = l }
}

// WithOllamaStarter replaces the daemon-start hook.
func WithOllamaStarter(start func(ctx context.Context) error) OllamaOption {
	return func(p *OllamaProvider) { p.startDaemon = start }
}

// WithOllamaCacheTTL overrides the catalog cache TTL.
func WithOllamaCacheTTL(ttl time.Duration) OllamaOption {
	return func(p *OllamaProvider) { p.cache = newModelCache(ttl) }
}

// NewOllamaProvider creates a provider for the daemon at baseURL
// (e.g., "http://localhost:11434").
func NewOllamaProvider(baseURL string, opts ...OllamaOption) *OllamaProvider {
	p := &OllamaProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: ollamaCallTimeout},
		cache:      newModelCache(catalogCacheTTL),
		logger:     slog.Default(),
		loaded:     make(map[string]time.Time),
	}
	p.startDaemon = func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "ollama", "serve")
		return cmd.Start()
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provider implements Manager.
func (p *OllamaProvider) Provider() catalog.Provider { return catalog.ProviderOllama }

// ListInstalled implements Manager. Ollama has no remote registry API, so
// this reflects the daemon's local store.
func (p *OllamaProvider) ListInstalled(ctx context.Context) ([]catalog.ModelInfo, error) {
	if err := p.ensureFresh(ctx); err != nil {
		return nil, err
	}
	return p.cache.list(), nil
}

// ListAvailable implements Manager. Equals ListInstalled: the daemon
// exposes no registry catalog.
func (p *OllamaProvider) ListAvailable(ctx context.Context) ([]catalog.ModelInfo, error) {
	return p.ListInstalled(ctx)
}

// GetInfo implements Manager.
func (p *OllamaProvider) GetInfo(ctx context.Context, name string) (catalog.ModelInfo, bool) {
	if err := p.ensureFresh(ctx); err != nil {
		return catalog.ModelInfo{}, false
	}
	return p.cache.get(catalog.NormalizeName(name, catalog.ProviderOllama))
}

// Download implements Manager via the streaming pull endpoint.
//
// # Description
//
// Idempotent: pulling an installed model re-verifies layers and succeeds
// without changing its descriptor beyond cache timestamps. Progress is
// reported through the callback using the daemon's native status lines.
func (p *OllamaProvider) Download(ctx context.Context, name string, progress PullProgressCallback) error {
	if err := catalog.ValidateModelName(name); err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "invalid model name", err)
	}
	if err := p.ensureReachable(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(ollamaPullRequest{Name: name, Stream: true})
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "marshaling pull request", err)
	}

	// Pulls are long-running: bounded by the caller's context, not the
	// 30s client timeout.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "creating pull request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Transport: p.httpClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return p.classifyTransport(err, "pull")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return mmerrors.NotFound(string(catalog.ProviderOllama), name)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return mmerrors.Wrap(mmerrors.KindBackendUnavailable,
			fmt.Sprintf("pull failed with status %d", resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(respBody))))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line ollamaPullProgress
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue // Tolerate malformed interleaved lines.
		}
		if line.Error != "" {
			if strings.Contains(strings.ToLower(line.Error), "not found") {
				return mmerrors.NotFound(string(catalog.ProviderOllama), name)
			}
			return mmerrors.Wrap(mmerrors.KindBackendUnavailable, "pull failed",
				fmt.Errorf("%s", line.Error))
		}
		if progress != nil {
			progress(line.Status, line.Completed, line.Total)
		}
	}
	if err := scanner.Err(); err != nil {
		return p.classifyTransport(err, "pull")
	}

	p.cache.invalidate(catalog.NormalizeName(name, catalog.ProviderOllama))
	p.logger.Info("model pulled", slog.String("model", name))
	return nil
}

// Load implements Manager by pinning the model resident with
// keep_alive=-1.
func (p *OllamaProvider) Load(ctx context.Context, name string) error {
	if !p.IsAvailable(ctx, name) {
		return &mmerrors.OpError{
			Kind:        mmerrors.KindNotFound,
			Provider:    string(catalog.ProviderOllama),
			Model:       name,
			Message:     "model is not installed",
			Remediation: "download the model before loading it",
		}
	}

	if err := p.keepAlivePing(ctx, name, "-1"); err != nil {
		return err
	}

	key := catalog.NormalizeName(name, catalog.ProviderOllama)
	p.mu.Lock()
	p.loaded[key] = time.Now()
	p.mu.Unlock()
	p.cache.invalidate(key)

	p.logger.Info("model loaded", slog.String("model", name))
	return nil
}

// Unload implements Manager by releasing the model with keep_alive=0.
// Unloading a model that is not resident is a no-op success.
func (p *OllamaProvider) Unload(ctx context.Context, name string) error {
	key := catalog.NormalizeName(name, catalog.ProviderOllama)

	p.mu.Lock()
	_, resident := p.loaded[key]
	p.mu.Unlock()
	if !resident {
		return nil
	}

	if err := p.keepAlivePing(ctx, name, "0"); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.loaded, key)
	p.mu.Unlock()
	p.cache.invalidate(key)

	p.logger.Info("model unloaded", slog.String("model", name))
	return nil
}

// IsAvailable implements Manager.
func (p *OllamaProvider) IsAvailable(ctx context.Context, name string) bool {
	_, ok := p.GetInfo(ctx, name)
	return ok
}

// IsLoaded implements Manager from tracked state; it does not query the
// daemon.
func (p *OllamaProvider) IsLoaded(_ context.Context, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loaded[catalog.NormalizeName(name, catalog.ProviderOllama)]
	return ok
}

// =============================================================================
// Internals
// =============================================================================

// keepAlivePing sends the minimal generate request that makes the daemon
// load or release a model.
func (p *OllamaProvider) keepAlivePing(ctx context.Context, name, keepAlive string) error {
	if err := p.ensureReachable(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(ollamaGenerateRequest{Model: name, KeepAlive: keepAlive})
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "marshaling generate request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ollamaCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "creating generate request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return p.classifyTransport(err, "load/unload")
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return mmerrors.NotFound(string(catalog.ProviderOllama), name)
	}
	if resp.StatusCode != http.StatusOK {
		return mmerrors.Wrap(mmerrors.KindBackendUnavailable,
			fmt.Sprintf("generate returned status %d", resp.StatusCode), nil)
	}
	return nil
}

// ensureFresh refreshes the catalog cache when stale.
func (p *OllamaProvider) ensureFresh(ctx context.Context) error {
	if p.cache.fresh() {
		return nil
	}
	if err := p.ensureReachable(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ollamaCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return mmerrors.Wrap(mmerrors.KindInvalidInput, "creating tags request", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return p.classifyTransport(err, "list models")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return mmerrors.Wrap(mmerrors.KindBackendUnavailable,
			fmt.Sprintf("tags returned status %d", resp.StatusCode), nil)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		// Provider-internal parse failures never leak raw: wrapped
		// before crossing the manager boundary.
		return mmerrors.Wrap(mmerrors.KindBackendUnavailable, "parsing tags response", err)
	}

	models := make([]catalog.ModelInfo, 0, len(tags.Models))
	for _, om := range tags.Models {
		models = append(models, p.toModelInfo(om))
	}
	p.cache.replace(models, catalog.ProviderOllama)
	return nil
}

// toModelInfo converts daemon metadata to the provider-agnostic
// descriptor.
func (p *OllamaProvider) toModelInfo(om ollamaModel) catalog.ModelInfo {
	caps := []string{catalog.CapabilityText}
	for _, fam := range append(om.Details.Families, om.Details.Family) {
		if visionFamilies[strings.ToLower(fam)] {
			caps = append(caps, catalog.CapabilityImage)
			break
		}
	}

	version := "latest"
	if idx := strings.LastIndex(om.Name, ":"); idx > 0 {
		version = om.Name[idx+1:]
	}

	key := catalog.NormalizeName(om.Name, catalog.ProviderOllama)
	p.mu.Lock()
	_, isLoaded := p.loaded[key]
	p.mu.Unlock()

	m := catalog.ModelInfo{
		Name:         om.Name,
		Provider:     catalog.ProviderOllama,
		SizeMB:       om.Size / (1024 * 1024),
		Version:      version,
		Capabilities: caps,
		Loaded:       isLoaded,
		Installed:    true,
		ModifiedAt:   om.ModifiedAt,
		Metadata: map[string]string{
			"digest":         om.Digest,
			"family":         om.Details.Family,
			"parameter_size": om.Details.ParameterSize,
			"quantization":   om.Details.QuantizationLevel,
		},
	}
	m.Normalize()
	return m
}

// ensureReachable probes the daemon, attempting a bounded number of
// start/retry cycles with exponential backoff before giving up.
func (p *OllamaProvider) ensureReachable(ctx context.Context) error {
	if p.probe(ctx) == nil {
		return nil
	}

	p.logger.Warn("ollama daemon unreachable, attempting start")
	if err := p.startDaemon(ctx); err != nil {
		p.logger.Warn("daemon start failed", slog.String("error", err.Error()))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 4 * time.Second
	b.MaxElapsedTime = 10 * time.Second

	var lastErr error
	attempts := 0
	operation := func() error {
		attempts++
		if attempts > ollamaStartAttempts {
			return backoff.Permanent(lastErr)
		}
		lastErr = p.probe(ctx)
		return lastErr
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return mmerrors.BackendUnavailable(string(catalog.ProviderOllama), err)
	}
	return nil
}

// probe checks daemon liveness with the 3-second availability timeout.
func (p *OllamaProvider) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ollamaProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("version probe returned status %d", resp.StatusCode)
	}
	return nil
}

// classifyTransport distinguishes timeouts from unreachable backends so
// callers can tell "slow backend" apart from "backend rejected request".
func (p *OllamaProvider) classifyTransport(err error, operation string) error {
	if err == nil {
		return nil
	}
	if ctxErr := context.DeadlineExceeded; strings.Contains(err.Error(), ctxErr.Error()) ||
		strings.Contains(err.Error(), "Client.Timeout") {
		return mmerrors.Timeout(string(catalog.ProviderOllama), operation)
	}
	return mmerrors.BackendUnavailable(string(catalog.ProviderOllama), err)
}

// Compile-time interface compliance check.
var _ Manager = (*OllamaProvider)(nil)
