// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/hardware"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "multimodal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.HardwareAdaptation)
	assert.Equal(t, "ollama/llama3.1:8b", cfg.DefaultModels.Text)
	assert.Equal(t, "ollama/llava:7b", cfg.DefaultModels.Image)
	assert.Equal(t, cfg.DefaultModels.Image, cfg.DefaultModels.Video,
		"video defaults to the image model")
	assert.Equal(t, 10, cfg.Processing.MaxFrames)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, 24*time.Hour, cfg.Retention())
}

func TestLoad_FileOverridesAndFillsGaps(t *testing.T) {
	path := writeConfig(t, `
hardware_adaptation: false
default_models:
  text: ollama/minilm:latest
processing:
  max_frames: 6
jobs:
  workers: 2
  retention_hours: 0
models:
  - name: llava:13b
    provider: ollama
    capabilities: [image, text]
    min_ram_gb: 16
    min_gpu_gb: 8
    requires_gpu: true
    fallback_model: llava:7b
  - name: llava:7b
    provider: ollama
    capabilities: [image, text]
    min_ram_gb: 8
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.HardwareAdaptation)
	assert.Equal(t, "ollama/minilm:latest", cfg.DefaultModels.Text)
	assert.Equal(t, "ollama/llava:7b", cfg.DefaultModels.Image, "unset fields get defaults")
	assert.Equal(t, 6, cfg.Processing.MaxFrames)
	assert.Equal(t, 4, cfg.Processing.FrameParallelism)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, time.Duration(0), cfg.Retention())

	cat, err := cfg.Catalog()
	require.NoError(t, err)
	entry, ok := cat.Lookup("llava:13b")
	require.True(t, ok)
	assert.Equal(t, "llava:7b", entry.FallbackModel)
	assert.True(t, entry.RequiresGPU)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"max_frames too large", "processing:\n  max_frames: 500\n"},
		{"bad provider", "models:\n  - name: x:latest\n    provider: cloud\n"},
		{"bad ollama url", "ollama:\n  base_url: not-a-url\n"},
		{"negative retention", "jobs:\n  retention_hours: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoad_MalformedYAMLErrors(t *testing.T) {
	_, err := Load(writeConfig(t, "models: [unclosed"))
	assert.Error(t, err)
}

func TestCatalog_DanglingFallbackRejected(t *testing.T) {
	cfg := Default()
	cfg.Models = []catalog.ModelConfig{
		{Name: "a:latest", Provider: catalog.ProviderOllama, FallbackModel: "ghost:latest"},
	}
	_, err := cfg.Catalog()
	assert.Error(t, err)
}

func TestAdaptToHardware_TierPresets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	low := cfg.AdaptToHardware(hardware.TierLow)
	assert.Equal(t, "ollama/gemma2:2b", low.DefaultModels.Text)
	assert.Equal(t, 4, low.Processing.MaxFrames)
	assert.Equal(t, 1, low.Processing.FrameParallelism)

	high := cfg.AdaptToHardware(hardware.TierHigh)
	assert.Equal(t, "ollama/llava:13b", high.DefaultModels.Image)
	assert.Equal(t, "ollama/llava:13b", high.DefaultModels.Video)
	assert.Equal(t, 10, high.Processing.MaxFrames,
		"limits are clamped down, never raised")
}

func TestAdaptToHardware_RespectsOperatorPins(t *testing.T) {
	path := writeConfig(t, `
default_models:
  text: ollama/custom:latest
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	low := cfg.AdaptToHardware(hardware.TierLow)
	assert.Equal(t, "ollama/custom:latest", low.DefaultModels.Text,
		"operator-pinned models survive adaptation")
	assert.Equal(t, "ollama/llava:7b", low.DefaultModels.Image)
}

func TestAdaptToHardware_DisabledIsNoOp(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.HardwareAdaptation = false

	out := cfg.AdaptToHardware(hardware.TierLow)
	assert.Equal(t, cfg, out)
}
