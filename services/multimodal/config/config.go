// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates multimodal.yaml.
//
// Only this package touches files; the rest of the service consumes the
// validated MultimodalConfig value it produces.
//
// Thread Safety:
//
//	MultimodalConfig values are plain data; treat loaded configs as
//	immutable and they are safe for concurrent reads.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/hardware"
)

// MaxYAMLFileSize is the maximum allowed config file size (1MB).
const MaxYAMLFileSize = 1024 * 1024

var validate = validator.New()

// ===== Types =====

// DefaultModels names the model used per modality when the caller does
// not pin one. Qualified "provider/name" IDs.
type DefaultModels struct {
	Text       string `yaml:"text,omitempty"`
	Image      string `yaml:"image,omitempty"`
	Video      string `yaml:"video,omitempty"`
	Multimodal string `yaml:"multimodal,omitempty"`
}

// ProcessingConfig bounds per-request processing work.
type ProcessingConfig struct {
	// MaxFrames caps how many frames a video job samples.
	MaxFrames int `yaml:"max_frames" validate:"gte=1,lte=64"`

	// FrameParallelism bounds concurrent per-frame model calls.
	FrameParallelism int `yaml:"frame_parallelism" validate:"gte=1,lte=16"`

	// BatchSize is the number of items grouped per backend call where
	// the backend supports batching.
	BatchSize int `yaml:"batch_size" validate:"gte=1,lte=64"`

	// MaxImageMB rejects single images larger than this.
	MaxImageMB int `yaml:"max_image_mb" validate:"gte=1,lte=512"`
}

// OllamaConfig configures the daemon-backed provider.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

// HubConfig configures the repository-backed provider.
type HubConfig struct {
	StoreDir string `yaml:"store_dir,omitempty"`
	IndexURL string `yaml:"index_url" validate:"omitempty,url"`
}

// JobsConfig configures the orchestration layer.
type JobsConfig struct {
	// Workers bounds concurrent job processing.
	Workers int `yaml:"workers" validate:"gte=1,lte=64"`

	// RetentionHours is how long terminal jobs are kept. Zero disables
	// purging.
	RetentionHours int `yaml:"retention_hours" validate:"gte=0"`

	// StoreDir enables the persistent job store when non-empty.
	StoreDir string `yaml:"store_dir,omitempty"`
}

// ManagerConfig tunes admission control.
type ManagerConfig struct {
	// SafetyBufferGB is RAM held back from every admission decision.
	SafetyBufferGB float64 `yaml:"safety_buffer_gb" validate:"gte=0,lte=64"`

	// WarmModels are loaded at startup, in priority order.
	WarmModels []string `yaml:"warm_models,omitempty"`
}

// MultimodalConfig is the root of multimodal.yaml.
type MultimodalConfig struct {
	// HardwareAdaptation rewrites defaults per capability tier when
	// enabled.
	HardwareAdaptation bool `yaml:"hardware_adaptation"`

	DefaultModels DefaultModels    `yaml:"default_models"`
	Processing    ProcessingConfig `yaml:"processing"`
	Ollama        OllamaConfig     `yaml:"ollama"`
	Hub           HubConfig        `yaml:"hub"`
	Jobs          JobsConfig       `yaml:"jobs"`
	Manager       ManagerConfig    `yaml:"manager"`

	// Models are the declarative catalog entries.
	Models []catalog.ModelConfig `yaml:"models,omitempty" validate:"dive"`
}

// ===== Defaults =====

// Default returns the configuration used when no file is given.
func Default() MultimodalConfig {
	return MultimodalConfig{
		HardwareAdaptation: true,
		DefaultModels: DefaultModels{
			Text:  "ollama/llama3.1:8b",
			Image: "ollama/llava:7b",
		},
		Processing: ProcessingConfig{
			MaxFrames:        10,
			FrameParallelism: 4,
			BatchSize:        4,
			MaxImageMB:       64,
		},
		Ollama: OllamaConfig{BaseURL: "http://localhost:11434"},
		Hub:    HubConfig{},
		Jobs: JobsConfig{
			Workers:        4,
			RetentionHours: 24,
		},
		Manager: ManagerConfig{SafetyBufferGB: 2},
	}
}

// applyDefaults fills zero-valued fields before validation.
func (c *MultimodalConfig) applyDefaults() {
	def := Default()
	if c.DefaultModels.Text == "" {
		c.DefaultModels.Text = def.DefaultModels.Text
	}
	if c.DefaultModels.Image == "" {
		c.DefaultModels.Image = def.DefaultModels.Image
	}
	if c.DefaultModels.Video == "" {
		c.DefaultModels.Video = c.DefaultModels.Image
	}
	if c.DefaultModels.Multimodal == "" {
		c.DefaultModels.Multimodal = c.DefaultModels.Image
	}
	if c.Processing.MaxFrames == 0 {
		c.Processing.MaxFrames = def.Processing.MaxFrames
	}
	if c.Processing.FrameParallelism == 0 {
		c.Processing.FrameParallelism = def.Processing.FrameParallelism
	}
	if c.Processing.BatchSize == 0 {
		c.Processing.BatchSize = def.Processing.BatchSize
	}
	if c.Processing.MaxImageMB == 0 {
		c.Processing.MaxImageMB = def.Processing.MaxImageMB
	}
	if c.Ollama.BaseURL == "" {
		c.Ollama.BaseURL = def.Ollama.BaseURL
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = def.Jobs.Workers
	}
	if c.Manager.SafetyBufferGB == 0 {
		c.Manager.SafetyBufferGB = def.Manager.SafetyBufferGB
	}
}

// ===== Loading =====

// Load reads, defaults, and validates a config file.
//
// # Inputs
//
//	path - YAML file path. Empty returns Default() with video/multimodal
//	       defaults filled in.
//
// # Outputs
//
//	MultimodalConfig - validated configuration
//	error - unreadable file, malformed YAML, or failed validation
func Load(path string) (MultimodalConfig, error) {
	cfg := MultimodalConfig{HardwareAdaptation: true}
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
		if info.Size() > MaxYAMLFileSize {
			return cfg, fmt.Errorf("config file %s exceeds %d bytes", path, MaxYAMLFileSize)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := validate.Struct(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Catalog builds the indexed model catalog from the declared entries.
func (c *MultimodalConfig) Catalog() (*catalog.Catalog, error) {
	return catalog.NewCatalog(c.Models)
}

// Retention converts the retention setting to a duration.
func (c *MultimodalConfig) Retention() time.Duration {
	return time.Duration(c.Jobs.RetentionHours) * time.Hour
}

// ===== Hardware Adaptation =====

// tierPreset holds the built-in knobs for one capability tier.
type tierPreset struct {
	textModel        string
	imageModel       string
	maxFrames        int
	frameParallelism int
	batchSize        int
}

var tierPresets = map[hardware.Tier]tierPreset{
	hardware.TierLow: {
		textModel:        "ollama/gemma2:2b",
		imageModel:       "ollama/llava:7b",
		maxFrames:        4,
		frameParallelism: 1,
		batchSize:        1,
	},
	hardware.TierMedium: {
		textModel:        "ollama/llama3.1:8b",
		imageModel:       "ollama/llava:7b",
		maxFrames:        10,
		frameParallelism: 2,
		batchSize:        4,
	},
	hardware.TierHigh: {
		textModel:        "ollama/llama3.1:8b",
		imageModel:       "ollama/llava:13b",
		maxFrames:        20,
		frameParallelism: 4,
		batchSize:        8,
	},
}

// AdaptToHardware rewrites defaults for the host's capability tier.
//
// # Description
//
// No-op unless HardwareAdaptation is enabled. Operator-pinned default
// models are respected: only models still at their built-in defaults
// are swapped for the tier's preset. Frame and batch limits are always
// clamped to the tier.
func (c MultimodalConfig) AdaptToHardware(tier hardware.Tier) MultimodalConfig {
	if !c.HardwareAdaptation {
		return c
	}
	preset, ok := tierPresets[tier]
	if !ok {
		return c
	}

	def := Default()
	if c.DefaultModels.Text == def.DefaultModels.Text {
		c.DefaultModels.Text = preset.textModel
	}
	if c.DefaultModels.Image == def.DefaultModels.Image {
		c.DefaultModels.Image = preset.imageModel
		c.DefaultModels.Video = preset.imageModel
		c.DefaultModels.Multimodal = preset.imageModel
	}
	if c.Processing.MaxFrames > preset.maxFrames {
		c.Processing.MaxFrames = preset.maxFrames
	}
	if c.Processing.FrameParallelism > preset.frameParallelism {
		c.Processing.FrameParallelism = preset.frameParallelism
	}
	if c.Processing.BatchSize > preset.batchSize {
		c.Processing.BatchSize = preset.batchSize
	}
	return c
}
