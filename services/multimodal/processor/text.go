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
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
)

// TextProcessor handles plain-text payloads.
type TextProcessor struct {
	modelGate
}

// NewTextProcessor creates a text processor.
func NewTextProcessor(m manager.ModelManager, inv Invoker, logger *slog.Logger) *TextProcessor {
	return &TextProcessor{modelGate: newModelGate(m, inv, logger)}
}

// Modality implements Processor.
func (p *TextProcessor) Modality() Modality { return ModalityText }

// ValidateInput implements Processor: the payload must be a non-blank
// string.
func (p *TextProcessor) ValidateInput(data any) (bool, string) {
	s, ok := data.(string)
	if !ok {
		return false, "text input must be a string"
	}
	if strings.TrimSpace(s) == "" {
		return false, "text input is empty"
	}
	return true, ""
}

// Process implements Processor.
func (p *TextProcessor) Process(ctx context.Context, input any, modelHint string) (ProcessingResult, error) {
	ctx, span := tracer.Start(ctx, "TextProcessor.Process")
	defer span.End()
	start := time.Now()

	if ok, reason := p.ValidateInput(input); !ok {
		processingTotal.WithLabelValues(string(ModalityText), "invalid_input").Inc()
		return failure(ModalityText, reason), nil
	}
	text := input.(string)

	model, err := p.acquireModel(ctx, catalog.CapabilityText, modelHint)
	if err != nil {
		processingTotal.WithLabelValues(string(ModalityText), "error").Inc()
		return failure(ModalityText, err.Error()), err
	}
	span.SetAttributes(attribute.String("model.name", model))

	out, err := p.invoker.Invoke(ctx, model, text, nil)
	if err != nil {
		processingTotal.WithLabelValues(string(ModalityText), "error").Inc()
		return failure(ModalityText, err.Error()), err
	}

	processingTotal.WithLabelValues(string(ModalityText), "success").Inc()
	return ProcessingResult{
		Success:  true,
		Content:  out,
		Model:    model,
		Modality: ModalityText,
		Duration: time.Since(start),
	}, nil
}

// Compile-time interface compliance check.
var _ Processor = (*TextProcessor)(nil)
