// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCatalog_IndexesByBareAndQualifiedName(t *testing.T) {
	cat, err := NewCatalog([]ModelConfig{
		{Name: "llava:13b", Provider: ProviderOllama},
		{Name: "openai/clip-vit-base", Provider: ProviderHub},
	})
	require.NoError(t, err)

	e, ok := cat.Lookup("llava:13b")
	require.True(t, ok)
	assert.Equal(t, ProviderOllama, e.Provider)

	e, ok = cat.Lookup("ollama/llava:13b")
	require.True(t, ok)
	assert.Equal(t, "llava:13b", e.Name)

	_, ok = cat.Lookup("unknown")
	assert.False(t, ok)
}

func TestNewCatalog_RejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []ModelConfig
	}{
		{
			name:    "invalid model name",
			entries: []ModelConfig{{Name: "-bad", Provider: ProviderOllama}},
		},
		{
			name: "duplicate entry",
			entries: []ModelConfig{
				{Name: "llava:13b", Provider: ProviderOllama},
				{Name: "llava:13b", Provider: ProviderOllama},
			},
		},
		{
			name: "dangling fallback",
			entries: []ModelConfig{
				{Name: "llava:13b", Provider: ProviderOllama, FallbackModel: "ghost"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.entries)
			assert.Error(t, err)
		})
	}
}

func TestCatalog_WalkFallbacks(t *testing.T) {
	cat, err := NewCatalog([]ModelConfig{
		{Name: "big:70b", Provider: ProviderOllama, RequiresGPU: true, FallbackModel: "mid:13b"},
		{Name: "mid:13b", Provider: ProviderOllama, RequiresGPU: true, FallbackModel: "small:7b"},
		{Name: "small:7b", Provider: ProviderOllama},
	})
	require.NoError(t, err)

	// Accept the first CPU-capable entry.
	entry, found := cat.WalkFallbacks("big:70b", func(e *ModelConfig) bool {
		return !e.RequiresGPU
	})
	require.True(t, found)
	assert.Equal(t, "small:7b", entry.Name)

	// Chain that never satisfies terminates without a match.
	_, found = cat.WalkFallbacks("big:70b", func(e *ModelConfig) bool { return false })
	assert.False(t, found)
}

func TestCatalog_WalkFallbacks_CycleTerminates(t *testing.T) {
	cat, err := NewCatalog([]ModelConfig{
		{Name: "a:1", Provider: ProviderOllama, FallbackModel: "b:1"},
		{Name: "b:1", Provider: ProviderOllama, FallbackModel: "a:1"},
	})
	require.NoError(t, err)

	calls := 0
	_, found := cat.WalkFallbacks("a:1", func(e *ModelConfig) bool {
		calls++
		return false
	})

	assert.False(t, found)
	assert.LessOrEqual(t, calls, MaxFallbackDepth+1, "cycle walk must be bounded")
}

func TestModelConfig_HasCapability(t *testing.T) {
	c := ModelConfig{Name: "llava:13b", Capabilities: []string{"image"}}
	assert.True(t, c.HasCapability("Image"))
	assert.False(t, c.HasCapability("audio"))

	// Empty capability set normalizes to text.
	c2 := ModelConfig{Name: "minilm"}
	assert.True(t, c2.HasCapability("text"))
}

func TestListFilter_Matches(t *testing.T) {
	m := ModelInfo{
		Name:         "llava:13b",
		Provider:     ProviderOllama,
		SizeMB:       8192,
		Tags:         []string{"vision"},
		Capabilities: []string{"image", "text"},
		Installed:    true,
	}

	tests := []struct {
		name     string
		filter   ListFilter
		expected bool
	}{
		{"zero filter matches", ListFilter{}, true},
		{"capability match", ListFilter{Capability: "image"}, true},
		{"capability miss", ListFilter{Capability: "audio"}, false},
		{"provider match", ListFilter{Provider: ProviderOllama}, true},
		{"provider miss", ListFilter{Provider: ProviderHub}, false},
		{"tag match", ListFilter{Tag: "vision"}, true},
		{"size limit pass", ListFilter{MaxSizeMB: 10000}, true},
		{"size limit fail", ListFilter{MaxSizeMB: 4096}, false},
		{"installed only", ListFilter{InstalledOnly: true}, true},
		{"AND across predicates", ListFilter{Capability: "image", MaxSizeMB: 4096}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.filter.Matches(&m))
		})
	}
}
