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

// ListFilter narrows a merged model listing. All provided predicates are
// combined with logical AND; zero values mean "no constraint".
type ListFilter struct {
	// Capability keeps only models declaring this capability.
	Capability string

	// Provider keeps only models from this provider.
	Provider Provider

	// Tag keeps only models carrying this tag.
	Tag string

	// MaxSizeMB keeps only models at or below this size. Zero disables
	// the predicate.
	MaxSizeMB int64

	// InstalledOnly keeps only models present on local disk.
	InstalledOnly bool
}

// IsZero reports whether the filter imposes no constraints.
func (f ListFilter) IsZero() bool {
	return f.Capability == "" && f.Provider == "" && f.Tag == "" &&
		f.MaxSizeMB == 0 && !f.InstalledOnly
}

// Matches reports whether a model passes every provided predicate.
func (f ListFilter) Matches(m *ModelInfo) bool {
	if f.Capability != "" && !m.HasCapability(f.Capability) {
		return false
	}
	if f.Provider != "" && m.Provider != f.Provider {
		return false
	}
	if f.Tag != "" && !m.HasTag(f.Tag) {
		return false
	}
	if f.MaxSizeMB > 0 && m.SizeMB > f.MaxSizeMB {
		return false
	}
	if f.InstalledOnly && !m.Installed {
		return false
	}
	return true
}
