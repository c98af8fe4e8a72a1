// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
	"github.com/AleutianAI/AleutianMM/services/multimodal/provider"
)

// admissionFixture builds a manager over one mock ollama provider with
// the given catalog entries and available RAM.
func admissionFixture(t *testing.T, availRAM float64, entries []catalog.ModelConfig, models []catalog.ModelInfo, opts ...ManagerOption) (*UnifiedModelManager, *provider.MockManager) {
	t.Helper()
	cat, err := catalog.NewCatalog(entries)
	require.NoError(t, err)
	ollama := provider.NewMockManager(catalog.ProviderOllama, models...)
	m := NewUnifiedModelManager(cpuProfiler(availRAM*2, availRAM), cat,
		[]provider.Manager{ollama}, opts...)
	return m, ollama
}

func TestAdmission_ConcurrentLoadsNeverOvercommit(t *testing.T) {
	// Two concurrent 6GB loads against 8GB of headroom (10GB available,
	// 2GB safety buffer): exactly one passes admission, the other gets
	// InsufficientResources. The fresh resident is inside its eviction
	// grace window, so the loser cannot free memory by evicting it.
	entries := []catalog.ModelConfig{
		{Name: "alpha:latest", Provider: catalog.ProviderOllama, MinRAMGB: 6},
		{Name: "beta:latest", Provider: catalog.ProviderOllama, MinRAMGB: 6},
	}
	models := []catalog.ModelInfo{
		{Name: "alpha:latest", Provider: catalog.ProviderOllama, SizeMB: 6144, Installed: true},
		{Name: "beta:latest", Provider: catalog.ProviderOllama, SizeMB: 6144, Installed: true},
	}
	m, _ := admissionFixture(t, 10, entries, models)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, name := range []string{"alpha:latest", "beta:latest"} {
		wg.Add(1)
		go func(slot int, model string) {
			defer wg.Done()
			results[slot] = m.LoadModel(ctx, model)
		}(i, name)
	}
	wg.Wait()

	var successes, rejections int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, mmerrors.ErrInsufficientResources):
			rejections++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one load passes admission")
	assert.Equal(t, 1, rejections)
}

func TestAdmission_HerdNeverExceedsHeadroom(t *testing.T) {
	// Eight concurrent 3GB loads, 8GB headroom: at most two residents.
	var entries []catalog.ModelConfig
	var models []catalog.ModelInfo
	names := []string{"m0:latest", "m1:latest", "m2:latest", "m3:latest",
		"m4:latest", "m5:latest", "m6:latest", "m7:latest"}
	for _, n := range names {
		entries = append(entries, catalog.ModelConfig{
			Name: n, Provider: catalog.ProviderOllama, MinRAMGB: 3,
		})
		models = append(models, catalog.ModelInfo{
			Name: n, Provider: catalog.ProviderOllama, SizeMB: 3072, Installed: true,
		})
	}
	m, mock := admissionFixture(t, 10, entries, models)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			_ = m.LoadModel(ctx, model)
		}(n)
	}
	wg.Wait()

	loads := len(mock.LoadCalls)
	assert.LessOrEqual(t, loads, 2, "3GB residents must never exceed 8GB headroom")
	assert.Positive(t, loads, "at least one load must pass")
}

func TestAdmission_EvictsLeastRecentlyUsed(t *testing.T) {
	entries := []catalog.ModelConfig{
		{Name: "old:latest", Provider: catalog.ProviderOllama, MinRAMGB: 4},
		{Name: "recent:latest", Provider: catalog.ProviderOllama, MinRAMGB: 2},
		{Name: "incoming:latest", Provider: catalog.ProviderOllama, MinRAMGB: 5},
	}
	models := []catalog.ModelInfo{
		{Name: "old:latest", Provider: catalog.ProviderOllama, SizeMB: 4096, Installed: true},
		{Name: "recent:latest", Provider: catalog.ProviderOllama, SizeMB: 2048, Installed: true},
		{Name: "incoming:latest", Provider: catalog.ProviderOllama, SizeMB: 5120, Installed: true},
	}
	// Grace zero so residents are evictable immediately.
	m, mock := admissionFixture(t, 10, entries, models, WithEvictionGrace(0))
	ctx := context.Background()

	require.NoError(t, m.LoadModel(ctx, "old:latest"))
	require.NoError(t, m.LoadModel(ctx, "recent:latest"))

	// Touch "recent" so "old" is the LRU victim.
	_, err := m.GetBestModelForTask(ctx, "text", "")
	require.NoError(t, err)

	// 10 - 2 buffer - 6 resident = 2 headroom; incoming needs 5, so the
	// 4GB "old" model must be evicted.
	require.NoError(t, m.LoadModel(ctx, "incoming:latest"))

	require.Len(t, mock.UnloadCalls, 1)
	assert.Equal(t, "old:latest", mock.UnloadCalls[0])
}

func TestAdmission_RecencyTouchMatchesTaglessNames(t *testing.T) {
	// Resident keys carry the normalized ":latest" suffix. Selecting a
	// tagless model must still refresh its recency, or it wrongly becomes
	// the LRU victim.
	entries := []catalog.ModelConfig{
		{Name: "tiny", Provider: catalog.ProviderOllama, MinRAMGB: 2},
		{Name: "other:latest", Provider: catalog.ProviderOllama, MinRAMGB: 4},
		{Name: "incoming:latest", Provider: catalog.ProviderOllama, MinRAMGB: 5},
	}
	models := []catalog.ModelInfo{
		{Name: "tiny", Provider: catalog.ProviderOllama, SizeMB: 2048, Installed: true},
		{Name: "other:latest", Provider: catalog.ProviderOllama, SizeMB: 4096, Installed: true},
		{Name: "incoming:latest", Provider: catalog.ProviderOllama, SizeMB: 5120, Installed: true},
	}
	m, mock := admissionFixture(t, 10, entries, models, WithEvictionGrace(0))
	ctx := context.Background()

	require.NoError(t, m.LoadModel(ctx, "tiny"))
	require.NoError(t, m.LoadModel(ctx, "other:latest"))

	// Both are loaded; selection picks the smaller "tiny" and touches it
	// via its tagless ID "ollama/tiny".
	best, err := m.GetBestModelForTask(ctx, "text", "")
	require.NoError(t, err)
	require.Equal(t, "ollama/tiny", best)

	// 10 - 2 buffer - 6 resident = 2 headroom; incoming needs 5. "other"
	// is now the LRU victim and freeing its 4GB suffices, so "tiny" must
	// survive.
	require.NoError(t, m.LoadModel(ctx, "incoming:latest"))

	require.Len(t, mock.UnloadCalls, 1)
	assert.Equal(t, "other:latest", mock.UnloadCalls[0])
}

func TestAdmission_RejectionCarriesShortfall(t *testing.T) {
	entries := []catalog.ModelConfig{
		{Name: "huge:latest", Provider: catalog.ProviderOllama, MinRAMGB: 64},
	}
	models := []catalog.ModelInfo{
		{Name: "huge:latest", Provider: catalog.ProviderOllama, SizeMB: 65536, Installed: true},
	}
	m, _ := admissionFixture(t, 10, entries, models)

	err := m.LoadModel(context.Background(), "huge:latest")
	require.Error(t, err)
	require.True(t, errors.Is(err, mmerrors.ErrInsufficientResources))

	var oe *mmerrors.OpError
	require.True(t, errors.As(err, &oe))
	assert.Contains(t, oe.Remediation, "free", "rejection must carry remediation with the shortfall")
}

func TestAdmission_ReloadingResidentIsNoOp(t *testing.T) {
	entries := []catalog.ModelConfig{
		{Name: "alpha:latest", Provider: catalog.ProviderOllama, MinRAMGB: 4},
	}
	models := []catalog.ModelInfo{
		{Name: "alpha:latest", Provider: catalog.ProviderOllama, SizeMB: 4096, Installed: true},
	}
	m, mock := admissionFixture(t, 10, entries, models)
	ctx := context.Background()

	require.NoError(t, m.LoadModel(ctx, "alpha:latest"))
	require.NoError(t, m.LoadModel(ctx, "alpha:latest"))

	assert.Len(t, mock.LoadCalls, 1, "reloading a resident model must not hit the provider")
}

func TestUnloadAllModels(t *testing.T) {
	ollama := provider.NewMockManager(catalog.ProviderOllama,
		catalog.ModelInfo{Name: "a:latest", Provider: catalog.ProviderOllama, SizeMB: 1024, Installed: true},
	)
	hub := provider.NewMockManager(catalog.ProviderHub,
		catalog.ModelInfo{Name: "acme/b", Provider: catalog.ProviderHub, SizeMB: 1024, Installed: true},
	)
	m := NewUnifiedModelManager(cpuProfiler(32, 24), emptyCatalog(t),
		[]provider.Manager{ollama, hub})
	ctx := context.Background()

	// Safe with zero loaded models.
	require.NoError(t, m.UnloadAllModels(ctx, "", ""))

	require.NoError(t, m.LoadModel(ctx, "a:latest"))
	require.NoError(t, m.LoadModel(ctx, "acme/b"))

	// Exclude hub: only the ollama model is evicted.
	require.NoError(t, m.UnloadAllModels(ctx, "", catalog.ProviderHub))
	assert.Len(t, ollama.UnloadCalls, 1)
	assert.Empty(t, hub.UnloadCalls)

	// Unload the rest.
	require.NoError(t, m.UnloadAllModels(ctx, "", ""))
	assert.Len(t, hub.UnloadCalls, 1)
}

func TestCheckResourceAvailability(t *testing.T) {
	entries := []catalog.ModelConfig{
		{Name: "alpha:latest", Provider: catalog.ProviderOllama, MinRAMGB: 4},
	}
	models := []catalog.ModelInfo{
		{Name: "alpha:latest", Provider: catalog.ProviderOllama, SizeMB: 4096, Installed: true},
	}
	m, _ := admissionFixture(t, 10, entries, models)
	ctx := context.Background()

	// 10 available - 2 buffer = 8 headroom.
	assert.True(t, m.CheckResourceAvailability(ctx, 8))
	assert.False(t, m.CheckResourceAvailability(ctx, 8.1))

	require.NoError(t, m.LoadModel(ctx, "alpha:latest"))
	assert.True(t, m.CheckResourceAvailability(ctx, 4))
	assert.False(t, m.CheckResourceAvailability(ctx, 4.1),
		"resident footprints reduce reported headroom")
}

func TestWarmModels_SkipsFailures(t *testing.T) {
	entries := []catalog.ModelConfig{
		{Name: "good:latest", Provider: catalog.ProviderOllama, MinRAMGB: 2},
	}
	models := []catalog.ModelInfo{
		{Name: "good:latest", Provider: catalog.ProviderOllama, SizeMB: 2048, Installed: true},
	}
	m, mock := admissionFixture(t, 10, entries, models)

	err := m.WarmModels(context.Background(), []string{"ghost:latest", "good:latest"})
	require.Error(t, err, "the missing model's failure is reported")

	assert.Equal(t, []string{"ghost:latest", "good:latest"}, mock.LoadCalls,
		"a failed warm entry must not block later entries")
}
