// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog provides the provider-agnostic model descriptors shared
// by every layer of the multimodal subsystem.
//
// A model is uniquely addressed by the pair (provider, name[:version]).
// Bare names are resolved through a naming-convention heuristic: names
// containing "/" belong to the repository-style hub provider, names
// containing ":" belong to the daemon-style Ollama provider.
package catalog

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// Provider
// =============================================================================

// Provider identifies a model-serving backend.
type Provider string

const (
	// ProviderOllama is the local-daemon style provider. Models are
	// addressed as name[:tag] (e.g., "llava:13b").
	ProviderOllama Provider = "ollama"

	// ProviderHub is the downloadable-repository style provider. Models
	// are addressed as namespace/name (e.g., "openai/clip-vit-base").
	ProviderHub Provider = "hub"
)

// KnownProviders lists all providers in stable resolution order.
// Ollama first: bare names without separators most often refer to
// daemon-local models.
var KnownProviders = []Provider{ProviderOllama, ProviderHub}

// InferProvider guesses the provider for a bare model name.
//
// # Description
//
// Applies the naming-convention heuristic from the catalog identity rules:
// "/" means repository-style, ":" means daemon-style. Returns false when
// the name carries no separator and the caller must fall back to a catalog
// scan in KnownProviders order.
//
// # Examples
//
//	p, ok := catalog.InferProvider("openai/clip-vit-base") // ProviderHub, true
//	p, ok = catalog.InferProvider("llava:13b")             // ProviderOllama, true
//	_, ok = catalog.InferProvider("minilm")                // false
func InferProvider(name string) (Provider, bool) {
	switch {
	case strings.Contains(name, "/"):
		return ProviderHub, true
	case strings.Contains(name, ":"):
		return ProviderOllama, true
	default:
		return "", false
	}
}

// =============================================================================
// Capabilities
// =============================================================================

// Capability tags describe what kind of input a model can process.
const (
	CapabilityText       = "text"
	CapabilityImage      = "image"
	CapabilityVideo      = "video"
	CapabilityAudio      = "audio"
	CapabilityMultimodal = "multimodal"
)

// validCapabilities is the closed set of recognized capability tags.
var validCapabilities = map[string]bool{
	CapabilityText:       true,
	CapabilityImage:      true,
	CapabilityVideo:      true,
	CapabilityAudio:      true,
	CapabilityMultimodal: true,
}

// NormalizeCapabilities lowercases, de-duplicates, and filters a capability
// list to the recognized set. An empty result defaults to {text}: every
// model can at minimum be addressed as a text model.
func NormalizeCapabilities(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	result := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if !validCapabilities[c] || seen[c] {
			continue
		}
		seen[c] = true
		result = append(result, c)
	}
	if len(result) == 0 {
		return []string{CapabilityText}
	}
	sort.Strings(result)
	return result
}

// =============================================================================
// ModelInfo
// =============================================================================

// ModelInfo is a normalized, provider-agnostic description of a model.
//
// # Description
//
// ModelInfo is the currency between providers, the unified manager, and the
// processors. Providers construct it from their native metadata; everything
// above treats it as read-only except the Loaded flag, which the manager
// flips under its own locking.
//
// # Thread Safety
//
// All fields except Loaded are immutable after construction. Loaded is
// mutated only by the owning provider manager under its lock; callers
// receive copies.
type ModelInfo struct {
	// Name is the model identifier within its provider
	// (e.g., "llava:13b", "openai/clip-vit-base").
	Name string `json:"name"`

	// Provider is the backend that owns this model.
	Provider Provider `json:"provider"`

	// SizeMB is the on-disk size in megabytes. Zero means unknown.
	SizeMB int64 `json:"size_mb"`

	// Tags are free-form labels from configuration or the backend.
	Tags []string `json:"tags,omitempty"`

	// Version is the model version or tag. Defaults to "latest".
	Version string `json:"version"`

	// Capabilities is the normalized capability set. Never empty.
	Capabilities []string `json:"capabilities"`

	// Loaded indicates whether the model is currently resident in memory.
	Loaded bool `json:"loaded"`

	// Installed indicates whether the model is present on local disk.
	Installed bool `json:"installed"`

	// ModifiedAt is when the model was last updated, if the backend
	// reports it.
	ModifiedAt time.Time `json:"modified_at,omitzero"`

	// Metadata carries opaque provider-specific key-value pairs
	// (quantization, parameter counts, digests, ...).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ID returns the fully-qualified identity "provider/name".
func (m *ModelInfo) ID() string {
	return string(m.Provider) + "/" + m.Name
}

// HasCapability reports whether the model declares the given capability.
// Matching is case-insensitive.
func (m *ModelInfo) HasCapability(capability string) bool {
	if capability == "" {
		return false
	}
	capability = strings.ToLower(capability)
	for _, c := range m.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// HasTag reports whether the model carries the given tag, case-insensitive.
func (m *ModelInfo) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// SizeGB returns the size in gigabytes as a float.
func (m *ModelInfo) SizeGB() float64 {
	return float64(m.SizeMB) / 1024.0
}

// Normalize applies identity defaults in place: empty version becomes
// "latest" and the capability set is normalized (empty → {text}).
func (m *ModelInfo) Normalize() {
	if m.Version == "" {
		m.Version = "latest"
	}
	m.Capabilities = NormalizeCapabilities(m.Capabilities)
}

// Clone returns a deep copy safe for mutation by the caller.
func (m *ModelInfo) Clone() ModelInfo {
	out := *m
	out.Tags = append([]string(nil), m.Tags...)
	out.Capabilities = append([]string(nil), m.Capabilities...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// =============================================================================
// Serialization
// =============================================================================

// ToMap serializes the descriptor into a flat map suitable for JSON/YAML
// transport. FromMap inverts it; the pair round-trips all fields including
// the empty-capabilities normalization.
func (m *ModelInfo) ToMap() map[string]any {
	out := map[string]any{
		"name":         m.Name,
		"provider":     string(m.Provider),
		"size_mb":      m.SizeMB,
		"version":      m.Version,
		"capabilities": append([]string(nil), m.Capabilities...),
		"loaded":       m.Loaded,
		"installed":    m.Installed,
	}
	if len(m.Tags) > 0 {
		out["tags"] = append([]string(nil), m.Tags...)
	}
	if !m.ModifiedAt.IsZero() {
		out["modified_at"] = m.ModifiedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(m.Metadata) > 0 {
		meta := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			meta[k] = v
		}
		out["metadata"] = meta
	}
	return out
}

// FromMap reconstructs a ModelInfo from a map produced by ToMap (or from
// equivalently-shaped decoded JSON/YAML). Unknown keys are ignored; the
// result is normalized.
func FromMap(data map[string]any) (ModelInfo, error) {
	var m ModelInfo

	name, _ := data["name"].(string)
	if name == "" {
		return m, fmt.Errorf("model map missing name")
	}
	m.Name = name

	if p, ok := data["provider"].(string); ok {
		m.Provider = Provider(p)
	}
	m.SizeMB = toInt64(data["size_mb"])
	if v, ok := data["version"].(string); ok {
		m.Version = v
	}
	m.Tags = toStringSlice(data["tags"])
	m.Capabilities = toStringSlice(data["capabilities"])
	if b, ok := data["loaded"].(bool); ok {
		m.Loaded = b
	}
	if b, ok := data["installed"].(bool); ok {
		m.Installed = b
	}
	if ts, ok := data["modified_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.ModifiedAt = parsed
		}
	}
	switch meta := data["metadata"].(type) {
	case map[string]string:
		m.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			m.Metadata[k] = v
		}
	case map[string]any:
		m.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			if s, ok := v.(string); ok {
				m.Metadata[k] = s
			}
		}
	}

	m.Normalize()
	return m, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// =============================================================================
// Name Validation
// =============================================================================

// modelNamePattern validates model name format across both providers.
// Format: [namespace/]name[:tag]
// Examples: "llava:13b", "openai/clip-vit-base", "minilm"
var modelNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*(/[a-zA-Z0-9][a-zA-Z0-9_.-]*)?(:[a-zA-Z0-9][a-zA-Z0-9_.-]*)?$`)

// ValidateModelName checks if a model name is valid.
//
// # Description
//
// Model names must start with an alphanumeric character, contain only
// alphanumerics, dash, underscore, and dot, optionally carry one
// namespace prefix and one tag suffix, and be at most 256 characters.
//
// # Security
//
// This validation prevents injection through model names. Always validate
// before using model names in URLs or filesystem paths.
func ValidateModelName(name string) error {
	if name == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if len(name) > 256 {
		return fmt.Errorf("model name exceeds 256 characters")
	}
	if !modelNamePattern.MatchString(name) {
		return fmt.Errorf("model name %q does not match pattern [namespace/]name[:tag]", name)
	}
	return nil
}

// NormalizeName normalizes a model name for comparison: lowercase, and
// daemon-style names without a tag get ":latest" appended. Hub names keep
// their namespace form untouched beyond case folding.
func NormalizeName(name string, provider Provider) string {
	name = strings.ToLower(name)
	if provider == ProviderOllama && !strings.Contains(name, ":") {
		name += ":latest"
	}
	return name
}
