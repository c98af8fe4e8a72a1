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
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
)

// MultimodalProcessor handles structured payloads combining named parts,
// e.g. {"text": "what is in this picture?", "image": <bytes or path>}.
type MultimodalProcessor struct {
	modelGate
}

// NewMultimodalProcessor creates a multimodal processor.
func NewMultimodalProcessor(m manager.ModelManager, inv Invoker, logger *slog.Logger) *MultimodalProcessor {
	return &MultimodalProcessor{modelGate: newModelGate(m, inv, logger)}
}

// Modality implements Processor.
func (p *MultimodalProcessor) Modality() Modality { return ModalityMultimodal }

// ValidateInput implements Processor: the payload must be a map carrying
// at least one recognized part ("text", "image").
func (p *MultimodalProcessor) ValidateInput(data any) (bool, string) {
	parts, ok := data.(map[string]any)
	if !ok {
		return false, "multimodal input must be a map of named parts"
	}
	if len(parts) == 0 {
		return false, "multimodal input is empty"
	}

	known := 0
	if txt, present := parts["text"]; present {
		if s, isStr := txt.(string); !isStr || strings.TrimSpace(s) == "" {
			return false, "text part must be a non-empty string"
		}
		known++
	}
	if img, present := parts["image"]; present {
		switch v := img.(type) {
		case []byte:
			if len(v) == 0 {
				return false, "image part is empty"
			}
		case string:
			if _, err := os.Stat(v); err != nil {
				return false, "image part path does not exist"
			}
		default:
			return false, "image part must be a file path or raw bytes"
		}
		known++
	}
	if known == 0 {
		return false, "multimodal input carries no recognized parts (text, image)"
	}
	return true, ""
}

// Process implements Processor.
func (p *MultimodalProcessor) Process(ctx context.Context, input any, modelHint string) (ProcessingResult, error) {
	ctx, span := tracer.Start(ctx, "MultimodalProcessor.Process")
	defer span.End()
	start := time.Now()

	if ok, reason := p.ValidateInput(input); !ok {
		processingTotal.WithLabelValues(string(ModalityMultimodal), "invalid_input").Inc()
		return failure(ModalityMultimodal, reason), nil
	}
	parts := input.(map[string]any)

	prompt := defaultImagePrompt
	if txt, ok := parts["text"].(string); ok && txt != "" {
		prompt = txt
	}

	var media [][]byte
	if img, present := parts["image"]; present {
		payload, err := materializeImage(img)
		if err != nil {
			processingTotal.WithLabelValues(string(ModalityMultimodal), "error").Inc()
			return failure(ModalityMultimodal, err.Error()), err
		}
		media = append(media, payload)
	}

	// Image-bearing requests need a vision-capable model; pure text maps
	// degrade to text capability.
	capability := catalog.CapabilityMultimodal
	if len(media) == 0 {
		capability = catalog.CapabilityText
	}

	model, err := p.acquireModel(ctx, capability, modelHint)
	if err != nil {
		processingTotal.WithLabelValues(string(ModalityMultimodal), "error").Inc()
		return failure(ModalityMultimodal, err.Error()), err
	}
	span.SetAttributes(attribute.String("model.name", model))

	out, err := p.invoker.Invoke(ctx, model, prompt, media)
	if err != nil {
		processingTotal.WithLabelValues(string(ModalityMultimodal), "error").Inc()
		return failure(ModalityMultimodal, err.Error()), err
	}

	processingTotal.WithLabelValues(string(ModalityMultimodal), "success").Inc()
	return ProcessingResult{
		Success:  true,
		Content:  out,
		Model:    model,
		Modality: ModalityMultimodal,
		Metadata: map[string]any{"parts": len(parts)},
		Duration: time.Since(start),
	}, nil
}

// materializeImage turns an image part (path or bytes) into raw bytes.
func materializeImage(img any) ([]byte, error) {
	switch v := img.(type) {
	case []byte:
		return v, nil
	case string:
		return os.ReadFile(v)
	default:
		return nil, os.ErrInvalid
	}
}

// Compile-time interface compliance check.
var _ Processor = (*MultimodalProcessor)(nil)
