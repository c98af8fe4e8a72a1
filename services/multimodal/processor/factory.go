// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"context"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
)

// Factory routes payloads to the processor for their modality.
//
// # Description
//
// Dispatch when no modality is given: a string naming an existing file is
// classified by file signature, then extension, then MIME guess; any
// other string is text; a map of named parts is multimodal; VideoInput is
// video; raw bytes are classified by signature. Anything else defaults to
// text and is logged as a low-confidence routing decision.
//
// # Thread Safety
//
// Factory is safe for concurrent use after construction.
type Factory struct {
	processors map[Modality]Processor
	logger     *slog.Logger
}

// FactoryOption customizes a Factory.
type FactoryOption func(*factoryConfig)

type factoryConfig struct {
	logger    *slog.Logger
	videoOpts []VideoOption
}

// WithFactoryLogger sets the logger for the factory and its processors.
func WithFactoryLogger(l *slog.Logger) FactoryOption {
	return func(c *factoryConfig) { c.logger = l }
}

// WithVideoOptions forwards options to the video processor.
func WithVideoOptions(opts ...VideoOption) FactoryOption {
	return func(c *factoryConfig) { c.videoOpts = append(c.videoOpts, opts...) }
}

// NewFactory constructs a factory with all four modality processors.
func NewFactory(m manager.ModelManager, inv Invoker, opts ...FactoryOption) *Factory {
	cfg := &factoryConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Factory{
		logger: cfg.logger,
		processors: map[Modality]Processor{
			ModalityText:       NewTextProcessor(m, inv, cfg.logger),
			ModalityImage:      NewImageProcessor(m, inv, cfg.logger),
			ModalityVideo:      NewVideoProcessor(m, inv, cfg.logger, cfg.videoOpts...),
			ModalityMultimodal: NewMultimodalProcessor(m, inv, cfg.logger),
		},
	}
}

// ProcessorFor returns the processor for a modality.
func (f *Factory) ProcessorFor(m Modality) (Processor, bool) {
	p, ok := f.processors[m]
	return p, ok
}

// Detect classifies a payload. The second return names the detection
// method; "default" marks the low-confidence text fallback.
func (f *Factory) Detect(input any) (Modality, string) {
	switch v := input.(type) {
	case string:
		if info, err := os.Stat(v); err == nil && !info.IsDir() {
			return classifyPath(v)
		}
		return ModalityText, "string"
	case map[string]any:
		return ModalityMultimodal, "structured"
	case VideoInput, *VideoInput:
		return ModalityVideo, "typed"
	case []byte:
		if m, ok := sniffSignature(v); ok {
			return m, "signature"
		}
		return ModalityText, "default"
	default:
		return ModalityText, "default"
	}
}

// Process dispatches the payload and runs it through the matching
// processor. An explicit modality skips detection; the model hint skips
// capability-based selection.
func (f *Factory) Process(ctx context.Context, input any, modelHint string, modality Modality) (ProcessingResult, error) {
	method := "explicit"
	if modality == "" {
		modality, method = f.Detect(input)
		if method == "default" {
			f.logger.Warn("low-confidence modality routing, defaulting to text",
				slog.String("input_type", typeName(input)),
			)
		}
	}

	p, ok := f.processors[modality]
	if !ok {
		return failure(modality, "no processor registered for modality "+string(modality)), nil
	}

	f.logger.Debug("dispatching payload",
		slog.String("modality", string(modality)),
		slog.String("method", method),
	)
	result, err := p.Process(ctx, input, modelHint)
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	result.Metadata["routing_method"] = method
	return result, err
}

// typeName renders a payload's dynamic type for logging.
func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	switch v.(type) {
	case string:
		return "string"
	case []byte:
		return "bytes"
	case map[string]any:
		return "map"
	default:
		return "other"
	}
}
