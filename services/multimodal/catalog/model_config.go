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
	"fmt"
	"strings"
)

// =============================================================================
// ModelConfig
// =============================================================================

// ModelConfig is a declarative catalog entry loaded from configuration.
//
// # Description
//
// Unlike ModelInfo (which reflects live backend state), ModelConfig declares
// operator intent: which models the deployment knows about, their hardware
// requirements, and which model to fall back to when those requirements
// cannot be met on the current host.
//
// # Configuration
//
// Entries are declared in multimodal.yaml:
//
//	models:
//	  - name: llava:13b
//	    provider: ollama
//	    capabilities: [image, text]
//	    min_ram_gb: 16
//	    min_gpu_gb: 8
//	    requires_gpu: true
//	    fallback_model: llava:7b
//
// # Thread Safety
//
// ModelConfig is immutable after loading and safe for concurrent reads.
type ModelConfig struct {
	// Name is the model identifier within its provider.
	Name string `yaml:"name" validate:"required"`

	// Provider is the backend that serves this model.
	Provider Provider `yaml:"provider" validate:"required,oneof=ollama hub"`

	// Tags are free-form operator labels.
	Tags []string `yaml:"tags,omitempty"`

	// Capabilities declares the modalities this model handles.
	Capabilities []string `yaml:"capabilities,omitempty"`

	// MinRAMGB is the minimum host RAM needed to load this model.
	MinRAMGB float64 `yaml:"min_ram_gb,omitempty" validate:"gte=0"`

	// MinGPUGB is the minimum GPU memory needed. Zero means no GPU
	// memory requirement.
	MinGPUGB float64 `yaml:"min_gpu_gb,omitempty" validate:"gte=0"`

	// RequiresGPU marks models that cannot run on CPU at all.
	RequiresGPU bool `yaml:"requires_gpu,omitempty"`

	// FallbackModel names another catalog entry to try when this model's
	// hardware requirements are not satisfiable. Chains are walked with a
	// bounded depth; a well-formed chain terminates at a model with
	// RequiresGPU=false.
	FallbackModel string `yaml:"fallback_model,omitempty"`

	// Parameters carries opaque per-model invocation parameters.
	Parameters map[string]any `yaml:"parameters,omitempty"`
}

// QualifiedName returns the "provider/name" identity for this entry.
func (c *ModelConfig) QualifiedName() string {
	return string(c.Provider) + "/" + c.Name
}

// HasCapability reports whether the entry declares the given capability,
// case-insensitive, after normalization defaults (empty set → text).
func (c *ModelConfig) HasCapability(capability string) bool {
	if capability == "" {
		return false
	}
	for _, cc := range NormalizeCapabilities(c.Capabilities) {
		if strings.EqualFold(cc, capability) {
			return true
		}
	}
	return false
}

// =============================================================================
// Catalog
// =============================================================================

// MaxFallbackDepth bounds fallback-chain walks. Misconfigured cycles
// terminate instead of looping.
const MaxFallbackDepth = 5

// Catalog is an indexed, immutable set of ModelConfig entries.
//
// # Thread Safety
//
// Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	entries []ModelConfig
	byName  map[string]*ModelConfig
}

// NewCatalog builds a catalog from configuration entries.
//
// # Description
//
// Validates every entry name, indexes entries by both bare name and
// qualified "provider/name", and verifies fallback references point at
// declared entries. Fallback cycles are NOT rejected here; they are
// rendered harmless by the bounded walk in WalkFallbacks.
//
// # Outputs
//
//   - *Catalog: indexed catalog
//   - error: first invalid entry or dangling fallback reference
func NewCatalog(entries []ModelConfig) (*Catalog, error) {
	c := &Catalog{
		entries: append([]ModelConfig(nil), entries...),
		byName:  make(map[string]*ModelConfig, len(entries)*2),
	}

	for i := range c.entries {
		e := &c.entries[i]
		if err := ValidateModelName(e.Name); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		key := strings.ToLower(e.Name)
		if _, dup := c.byName[key]; dup {
			return nil, fmt.Errorf("duplicate catalog entry: %s", e.Name)
		}
		c.byName[key] = e
		c.byName[strings.ToLower(e.QualifiedName())] = e
	}

	for i := range c.entries {
		e := &c.entries[i]
		if e.FallbackModel == "" {
			continue
		}
		if _, ok := c.byName[strings.ToLower(e.FallbackModel)]; !ok {
			return nil, fmt.Errorf("entry %s: fallback_model %q is not declared in the catalog",
				e.Name, e.FallbackModel)
		}
	}

	return c, nil
}

// Entries returns a copy of all catalog entries in declaration order.
func (c *Catalog) Entries() []ModelConfig {
	return append([]ModelConfig(nil), c.entries...)
}

// Lookup finds an entry by bare or qualified name, case-insensitive.
func (c *Catalog) Lookup(name string) (*ModelConfig, bool) {
	e, ok := c.byName[strings.ToLower(name)]
	return e, ok
}

// WalkFallbacks walks the fallback chain starting at the named entry,
// invoking fn for each entry including the starting one. The walk stops
// when fn returns true (found), when the chain ends, or after
// MaxFallbackDepth hops — whichever comes first.
//
// # Outputs
//
//   - *ModelConfig: the entry fn accepted, or nil
//   - bool: true if fn accepted an entry
func (c *Catalog) WalkFallbacks(name string, fn func(*ModelConfig) bool) (*ModelConfig, bool) {
	entry, ok := c.Lookup(name)
	if !ok {
		return nil, false
	}
	for depth := 0; depth <= MaxFallbackDepth; depth++ {
		if fn(entry) {
			return entry, true
		}
		if entry.FallbackModel == "" {
			return nil, false
		}
		next, ok := c.Lookup(entry.FallbackModel)
		if !ok {
			return nil, false
		}
		entry = next
	}
	return nil, false
}
