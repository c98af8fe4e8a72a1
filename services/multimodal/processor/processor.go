// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package processor routes incoming payloads to the modality processor
// that understands them and invokes models selected through the unified
// manager.
//
// Processors never panic on bad input: validation failures are local,
// non-fatal errors carried in the ProcessingResult.
package processor

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutianmm.processor")

// Modality identifies the kind of payload a processor handles.
type Modality string

const (
	ModalityText       Modality = "text"
	ModalityImage      Modality = "image"
	ModalityVideo      Modality = "video"
	ModalityMultimodal Modality = "multimodal"
)

// =============================================================================
// ProcessingResult
// =============================================================================

// ProcessingResult is the outcome of one processing call.
//
// # Description
//
// Success and Error are mutually exclusive: Error is non-empty exactly
// when Success is false. Invalid input and per-frame failures are
// reported here, never as panics.
type ProcessingResult struct {
	// Success reports whether processing produced usable content.
	Success bool `json:"success"`

	// Content is the model output (or aggregated output for video).
	Content string `json:"content,omitempty"`

	// Model is the qualified ID of the model that produced Content.
	Model string `json:"model,omitempty"`

	// Modality is the modality that handled the input.
	Modality Modality `json:"modality"`

	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`

	// Metadata carries processor-specific details (frame counts,
	// routing confidence, ...).
	Metadata map[string]any `json:"metadata,omitempty"`

	// Duration is wall-clock processing time.
	Duration time.Duration `json:"duration"`
}

// failure builds an unsuccessful result for the given modality.
func failure(m Modality, reason string) ProcessingResult {
	return ProcessingResult{Success: false, Modality: m, Error: reason}
}

// =============================================================================
// Processor Interface
// =============================================================================

// Processor handles one modality.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Processor interface {
	// Modality returns the modality this processor handles.
	Modality() Modality

	// ValidateInput checks the payload without invoking any model.
	// Returns ok=false with a human-readable reason for rejection.
	ValidateInput(data any) (ok bool, reason string)

	// Process validates the input, resolves a model (the hint wins over
	// capability-based selection), enforces resource admission, and
	// invokes the model. Invalid input yields a failed result, not an
	// error; the error return is reserved for infrastructure failures.
	Process(ctx context.Context, input any, modelHint string) (ProcessingResult, error)
}

// =============================================================================
// Invoker
// =============================================================================

// Invoker sends a prompt (plus optional media payloads) to a concrete
// model and returns its raw text output. Backends are opaque; no
// inference logic lives in this repository.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Invoker interface {
	Invoke(ctx context.Context, modelID, prompt string, media [][]byte) (string, error)
}

// MockInvoker is a test double for Invoker.
type MockInvoker struct {
	// InvokeFunc overrides Invoke. Nil echoes a canned response.
	InvokeFunc func(ctx context.Context, modelID, prompt string, media [][]byte) (string, error)

	mu sync.Mutex

	// Calls records every invocation's model ID.
	Calls []string

	// Prompts records every invocation's prompt.
	Prompts []string
}

// Invoke implements Invoker.
func (m *MockInvoker) Invoke(ctx context.Context, modelID, prompt string, media [][]byte) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, modelID)
	m.Prompts = append(m.Prompts, prompt)
	m.mu.Unlock()
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, modelID, prompt, media)
	}
	return "mock response", nil
}

// Compile-time interface compliance check.
var _ Invoker = (*MockInvoker)(nil)
