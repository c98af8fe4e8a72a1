// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mmerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindBackendUnavailable, "BACKEND_UNAVAILABLE"},
		{KindNotFound, "NOT_FOUND"},
		{KindInsufficientResources, "INSUFFICIENT_RESOURCES"},
		{KindInvalidInput, "INVALID_INPUT"},
		{KindTimeout, "TIMEOUT"},
		{Kind(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.String())
		})
	}
}

func TestOpError_UnwrapMatchesSentinel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"not found", NotFound("ollama", "llama3:8b"), ErrNotFound},
		{"backend unavailable", BackendUnavailable("ollama", errors.New("connection refused")), ErrBackendUnavailable},
		{"insufficient resources", InsufficientResources("llava:13b", 10, 4), ErrInsufficientResources},
		{"invalid input", InvalidInput("unsupported format"), ErrInvalidInput},
		{"timeout", Timeout("hub", "download"), ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
		})
	}
}

func TestOpError_MatchesThroughWrapping(t *testing.T) {
	inner := NotFound("hub", "org/model")
	wrapped := fmt.Errorf("resolving model: %w", inner)

	assert.ErrorIs(t, wrapped, ErrNotFound)

	var oe *OpError
	require.ErrorAs(t, wrapped, &oe)
	assert.Equal(t, "hub", oe.Provider)
	assert.Equal(t, "org/model", oe.Model)
}

func TestInsufficientResources_CarriesShortfall(t *testing.T) {
	err := InsufficientResources("llava:13b", 12.0, 5.5)

	assert.Contains(t, err.Message, "12.0 GB")
	assert.Contains(t, err.Message, "5.5 GB")
	assert.Contains(t, err.Remediation, "6.5 GB")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    Kind
		matched bool
	}{
		{"op error", NotFound("ollama", "x"), KindNotFound, true},
		{"wrapped op error", fmt.Errorf("outer: %w", Timeout("ollama", "load")), KindTimeout, true},
		{"bare sentinel", ErrInvalidInput, KindInvalidInput, true},
		{"wrapped sentinel", fmt.Errorf("outer: %w", ErrBackendUnavailable), KindBackendUnavailable, true},
		{"unrelated error", errors.New("boom"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := KindOf(tt.err)
			assert.Equal(t, tt.matched, ok)
			if tt.matched {
				assert.Equal(t, tt.kind, kind)
			}
		})
	}
}

func TestOpError_FullError(t *testing.T) {
	err := BackendUnavailable("ollama", errors.New("dial tcp: connection refused"))

	full := err.FullError()
	assert.Contains(t, full, "not reachable")
	assert.Contains(t, full, "connection refused")
	assert.Contains(t, full, "To fix:")
}
