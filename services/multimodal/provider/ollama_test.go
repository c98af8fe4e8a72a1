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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
)

// fakeOllama is a minimal daemon stand-in for provider tests.
type fakeOllama struct {
	models       []ollamaModel
	tagsCalls    atomic.Int64
	pullErr      string
	generateCode int
}

func (f *fakeOllama) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, `{"version":"0.5.0"}`)
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		f.tagsCalls.Add(1)
		_ = json.NewEncoder(w).Encode(ollamaTagsResponse{Models: f.models})
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, _ *http.Request) {
		if f.pullErr != "" {
			_ = json.NewEncoder(w).Encode(ollamaPullProgress{Error: f.pullErr})
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaPullProgress{Status: "downloading", Completed: 50, Total: 100})
		_ = json.NewEncoder(w).Encode(ollamaPullProgress{Status: "verifying", Completed: 100, Total: 100})
		_ = json.NewEncoder(w).Encode(ollamaPullProgress{Status: "success"})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, _ *http.Request) {
		if f.generateCode != 0 {
			w.WriteHeader(f.generateCode)
			return
		}
		_, _ = fmt.Fprintln(w, `{"done":true}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestOllama(t *testing.T, f *fakeOllama) *OllamaProvider {
	t.Helper()
	srv := f.server(t)
	return NewOllamaProvider(srv.URL,
		WithOllamaStarter(func(context.Context) error { return nil }),
	)
}

func TestOllamaProvider_ListInstalled(t *testing.T) {
	fake := &fakeOllama{models: []ollamaModel{
		{Name: "llava:13b", Size: 8 << 30, Details: ollamaModelDetails{Families: []string{"llama", "clip"}}},
		{Name: "minilm:latest", Size: 90 << 20, Details: ollamaModelDetails{Family: "bert"}},
	}}
	p := newTestOllama(t, fake)

	models, err := p.ListInstalled(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)

	byName := make(map[string]catalog.ModelInfo)
	for _, m := range models {
		byName[m.Name] = m
	}

	llava := byName["llava:13b"]
	assert.Equal(t, catalog.ProviderOllama, llava.Provider)
	assert.True(t, llava.Installed)
	assert.True(t, llava.HasCapability("image"), "clip family implies image capability")
	assert.True(t, llava.HasCapability("text"))
	assert.Equal(t, int64(8<<10), llava.SizeMB)
	assert.Equal(t, "13b", llava.Version)

	minilm := byName["minilm:latest"]
	assert.False(t, minilm.HasCapability("image"))
}

func TestOllamaProvider_CacheServesRepeatedReads(t *testing.T) {
	fake := &fakeOllama{models: []ollamaModel{{Name: "minilm:latest"}}}
	p := newTestOllama(t, fake)

	ctx := context.Background()
	_, err := p.ListInstalled(ctx)
	require.NoError(t, err)
	_, err = p.ListInstalled(ctx)
	require.NoError(t, err)
	_ = p.IsAvailable(ctx, "minilm")

	assert.Equal(t, int64(1), fake.tagsCalls.Load(), "reads within the TTL must hit the cache")
}

func TestOllamaProvider_DownloadReportsProgress(t *testing.T) {
	fake := &fakeOllama{models: []ollamaModel{}}
	p := newTestOllama(t, fake)

	var statuses []string
	var lastCompleted int64
	err := p.Download(context.Background(), "llava:13b", func(status string, completed, total int64) {
		statuses = append(statuses, status)
		if completed > lastCompleted {
			lastCompleted = completed
		}
	})
	require.NoError(t, err)
	assert.Contains(t, statuses, "downloading")
	assert.Equal(t, int64(100), lastCompleted)
}

func TestOllamaProvider_DownloadUnknownModel(t *testing.T) {
	fake := &fakeOllama{pullErr: "pull model manifest: file not found"}
	p := newTestOllama(t, fake)

	err := p.Download(context.Background(), "nope:latest", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mmerrors.ErrNotFound))
}

func TestOllamaProvider_DownloadRejectsBadName(t *testing.T) {
	p := newTestOllama(t, &fakeOllama{})

	err := p.Download(context.Background(), "../../etc/passwd", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mmerrors.ErrInvalidInput))
}

func TestOllamaProvider_LoadRequiresInstall(t *testing.T) {
	fake := &fakeOllama{models: []ollamaModel{{Name: "minilm:latest"}}}
	p := newTestOllama(t, fake)
	ctx := context.Background()

	err := p.Load(ctx, "ghost:latest")
	require.Error(t, err)
	assert.True(t, errors.Is(err, mmerrors.ErrNotFound))

	require.NoError(t, p.Load(ctx, "minilm"))
	assert.True(t, p.IsLoaded(ctx, "minilm:latest"), "bare and tagged names resolve to the same model")
}

func TestOllamaProvider_UnloadIsIdempotent(t *testing.T) {
	fake := &fakeOllama{models: []ollamaModel{{Name: "minilm:latest"}}}
	p := newTestOllama(t, fake)
	ctx := context.Background()

	require.NoError(t, p.Unload(ctx, "minilm"), "unloading a non-resident model succeeds")

	require.NoError(t, p.Load(ctx, "minilm"))
	require.NoError(t, p.Unload(ctx, "minilm"))
	assert.False(t, p.IsLoaded(ctx, "minilm"))
	require.NoError(t, p.Unload(ctx, "minilm"))
}

func TestOllamaProvider_UnreachableDaemon(t *testing.T) {
	started := atomic.Int64{}
	p := NewOllamaProvider("http://127.0.0.1:1",
		WithOllamaStarter(func(context.Context) error {
			started.Add(1)
			return nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Skip the backoff wait.

	_, err := p.ListInstalled(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mmerrors.ErrBackendUnavailable))
	assert.Equal(t, int64(1), started.Load(), "provider must attempt a daemon start")
}
