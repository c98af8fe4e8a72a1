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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
)

// defaultImagePrompt is used when the caller provides only the image.
const defaultImagePrompt = "Describe this image in detail."

// maxImageBytes rejects absurd payloads before they reach a backend.
const maxImageBytes = 64 << 20

// ImageProcessor handles single-image payloads: a path to an image file
// or raw image bytes.
type ImageProcessor struct {
	modelGate
}

// NewImageProcessor creates an image processor.
func NewImageProcessor(m manager.ModelManager, inv Invoker, logger *slog.Logger) *ImageProcessor {
	return &ImageProcessor{modelGate: newModelGate(m, inv, logger)}
}

// Modality implements Processor.
func (p *ImageProcessor) Modality() Modality { return ModalityImage }

// ValidateInput implements Processor. Paths must exist and carry an image
// signature or extension; raw bytes must carry an image signature.
func (p *ImageProcessor) ValidateInput(data any) (bool, string) {
	switch v := data.(type) {
	case string:
		info, err := os.Stat(v)
		if err != nil || info.IsDir() {
			return false, "image path does not exist"
		}
		if info.Size() > maxImageBytes {
			return false, "image exceeds maximum size"
		}
		if m, _ := classifyPath(v); m != ModalityImage {
			return false, "file is not a recognized image format"
		}
		return true, ""
	case []byte:
		if len(v) == 0 {
			return false, "image payload is empty"
		}
		if len(v) > maxImageBytes {
			return false, "image exceeds maximum size"
		}
		if m, ok := sniffSignature(v); !ok || m != ModalityImage {
			return false, "payload is not a recognized image format"
		}
		return true, ""
	default:
		return false, "image input must be a file path or raw bytes"
	}
}

// Process implements Processor.
func (p *ImageProcessor) Process(ctx context.Context, input any, modelHint string) (ProcessingResult, error) {
	ctx, span := tracer.Start(ctx, "ImageProcessor.Process")
	defer span.End()
	start := time.Now()

	if ok, reason := p.ValidateInput(input); !ok {
		processingTotal.WithLabelValues(string(ModalityImage), "invalid_input").Inc()
		return failure(ModalityImage, reason), nil
	}

	payload, err := p.imageBytes(input)
	if err != nil {
		processingTotal.WithLabelValues(string(ModalityImage), "error").Inc()
		return failure(ModalityImage, err.Error()), err
	}

	model, err := p.acquireModel(ctx, catalog.CapabilityImage, modelHint)
	if err != nil {
		processingTotal.WithLabelValues(string(ModalityImage), "error").Inc()
		return failure(ModalityImage, err.Error()), err
	}
	span.SetAttributes(attribute.String("model.name", model))

	out, err := p.invoker.Invoke(ctx, model, defaultImagePrompt, [][]byte{payload})
	if err != nil {
		processingTotal.WithLabelValues(string(ModalityImage), "error").Inc()
		return failure(ModalityImage, err.Error()), err
	}

	processingTotal.WithLabelValues(string(ModalityImage), "success").Inc()
	return ProcessingResult{
		Success:  true,
		Content:  out,
		Model:    model,
		Modality: ModalityImage,
		Metadata: map[string]any{"image_bytes": len(payload)},
		Duration: time.Since(start),
	}, nil
}

// imageBytes materializes the image payload. Validation has already
// bounded the size.
func (p *ImageProcessor) imageBytes(input any) ([]byte, error) {
	switch v := input.(type) {
	case []byte:
		return v, nil
	case string:
		return os.ReadFile(v)
	default:
		return nil, os.ErrInvalid
	}
}

// Compile-time interface compliance check.
var _ Processor = (*ImageProcessor)(nil)
