// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mmerrors defines the error taxonomy for the multimodal model
// resource manager.
//
// Every error that crosses the UnifiedModelManager boundary is classified
// as exactly one of five kinds. Callers above the manager match on the
// sentinel errors with errors.Is and never need to know which concrete
// provider produced the failure:
//
//	if errors.Is(err, mmerrors.ErrInsufficientResources) {
//	    // suggest a smaller model
//	}
//
// Provider-internal failures (JSON parse errors, HTTP status codes, broken
// pipes) are wrapped into one of these kinds at the provider boundary.
package mmerrors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

// ErrBackendUnavailable indicates a provider's underlying service is
// unreachable even after retry/backoff.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrNotFound indicates the requested model or job does not exist.
// Never retried.
var ErrNotFound = errors.New("not found")

// ErrInsufficientResources indicates admission control could not free
// enough memory headroom for a load.
var ErrInsufficientResources = errors.New("insufficient resources")

// ErrInvalidInput indicates a local validation failure (bad file,
// unsupported format, malformed model name). Recoverable by the caller
// supplying different input; never retried automatically.
var ErrInvalidInput = errors.New("invalid input")

// ErrTimeout indicates a bounded wait was exceeded. Distinct from
// ErrBackendUnavailable so callers can tell "slow backend" apart from
// "backend rejected request".
var ErrTimeout = errors.New("timeout")

// =============================================================================
// Kind
// =============================================================================

// Kind categorizes an operation failure for programmatic handling.
type Kind int

const (
	// KindBackendUnavailable maps to ErrBackendUnavailable.
	KindBackendUnavailable Kind = iota

	// KindNotFound maps to ErrNotFound.
	KindNotFound

	// KindInsufficientResources maps to ErrInsufficientResources.
	KindInsufficientResources

	// KindInvalidInput maps to ErrInvalidInput.
	KindInvalidInput

	// KindTimeout maps to ErrTimeout.
	KindTimeout
)

// String returns the kind as a string for logging.
func (k Kind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "BACKEND_UNAVAILABLE"
	case KindNotFound:
		return "NOT_FOUND"
	case KindInsufficientResources:
		return "INSUFFICIENT_RESOURCES"
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Sentinel returns the sentinel error for this kind.
func (k Kind) Sentinel() error {
	switch k {
	case KindBackendUnavailable:
		return ErrBackendUnavailable
	case KindNotFound:
		return ErrNotFound
	case KindInsufficientResources:
		return ErrInsufficientResources
	case KindInvalidInput:
		return ErrInvalidInput
	case KindTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// =============================================================================
// OpError
// =============================================================================

// OpError provides structured error information for model operations.
//
// # Description
//
// Carries the failure kind plus enough context for diagnostics and user
// remediation. Unwrap returns the kind's sentinel so errors.Is matching
// works through arbitrary wrapping.
//
// # Thread Safety
//
// OpError is immutable after creation and safe for concurrent read access.
type OpError struct {
	// Kind categorizes the error for programmatic handling.
	Kind Kind

	// Provider is the provider that produced the error (may be empty for
	// manager-level failures such as admission rejections).
	Provider string

	// Model is the model involved, if any.
	Model string

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging (wrapped cause
	// text, HTTP status, computed shortfall, ...).
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s: %s (model: %s)", e.Kind, e.Message, e.Model)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the kind's sentinel error.
func (e *OpError) Unwrap() error {
	return e.Kind.Sentinel()
}

// FullError returns a detailed message including detail and remediation.
func (e *OpError) FullError() string {
	msg := e.Error()
	if e.Detail != "" {
		msg += "\n\nDetails: " + e.Detail
	}
	if e.Remediation != "" {
		msg += "\n\nTo fix: " + e.Remediation
	}
	return msg
}

// =============================================================================
// Constructors
// =============================================================================

// New creates an OpError of the given kind.
func New(kind Kind, message string) *OpError {
	return &OpError{Kind: kind, Message: message}
}

// Wrap creates an OpError of the given kind carrying the cause text in
// Detail. A nil cause behaves like New.
func Wrap(kind Kind, message string, cause error) *OpError {
	e := &OpError{Kind: kind, Message: message}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// NotFound creates a KindNotFound error for a model.
func NotFound(provider, model string) *OpError {
	return &OpError{
		Kind:     KindNotFound,
		Provider: provider,
		Model:    model,
		Message:  "model not found",
	}
}

// BackendUnavailable creates a KindBackendUnavailable error for a provider.
func BackendUnavailable(provider string, cause error) *OpError {
	e := &OpError{
		Kind:        KindBackendUnavailable,
		Provider:    provider,
		Message:     fmt.Sprintf("%s backend is not reachable", provider),
		Remediation: fmt.Sprintf("check that the %s service is running and accessible", provider),
	}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// InsufficientResources creates a KindInsufficientResources error carrying
// the computed shortfall so UIs can suggest a smaller model.
func InsufficientResources(model string, requiredGB, availableGB float64) *OpError {
	return &OpError{
		Kind:    KindInsufficientResources,
		Model:   model,
		Message: fmt.Sprintf("need %.1f GB but only %.1f GB headroom available", requiredGB, availableGB),
		Remediation: fmt.Sprintf("free %.1f GB of memory or select a smaller model",
			requiredGB-availableGB),
	}
}

// InvalidInput creates a KindInvalidInput error.
func InvalidInput(reason string) *OpError {
	return &OpError{Kind: KindInvalidInput, Message: reason}
}

// Timeout creates a KindTimeout error for an operation against a provider.
func Timeout(provider, operation string) *OpError {
	return &OpError{
		Kind:     KindTimeout,
		Provider: provider,
		Message:  fmt.Sprintf("%s timed out", operation),
	}
}

// KindOf extracts the Kind from any error in the chain. Returns the kind
// and true when the error (or a wrapped error) is an OpError or one of the
// sentinels; otherwise false.
func KindOf(err error) (Kind, bool) {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind, true
	}
	switch {
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable, true
	case errors.Is(err, ErrNotFound):
		return KindNotFound, true
	case errors.Is(err, ErrInsufficientResources):
		return KindInsufficientResources, true
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput, true
	case errors.Is(err, ErrTimeout):
		return KindTimeout, true
	}
	return 0, false
}
