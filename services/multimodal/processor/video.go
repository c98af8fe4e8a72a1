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
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
)

// SampleStrategy selects which frames of a video are analyzed.
type SampleStrategy string

const (
	// SampleUniform spreads samples evenly across the video.
	SampleUniform SampleStrategy = "uniform"

	// SampleStart takes the first frames.
	SampleStart SampleStrategy = "start"

	// SampleEnd takes the last frames.
	SampleEnd SampleStrategy = "end"
)

const (
	defaultMaxFrames        = 10
	defaultFrameParallelism = 4

	framePrompt   = "Describe what is happening in this video frame."
	summaryPrompt = "The following are frame-by-frame descriptions of a video. Summarize the video in a few sentences.\n\n"
)

// VideoInput is a video payload: frames arrive already decoded from an
// upstream extraction pipeline; this processor only samples and routes
// them.
type VideoInput struct {
	// Frames are the decoded frame images in order.
	Frames [][]byte

	// Prompt optionally replaces the per-frame prompt.
	Prompt string
}

// frameResult is the outcome of analyzing one sampled frame.
type frameResult struct {
	Index   int    `json:"index"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// VideoProcessor samples frames and routes each through an image-capable
// model, then aggregates.
//
// # Description
//
// Per-frame failures are isolated: one bad frame is recorded and the
// rest continue. When more than half of the sampled frames fail, the
// whole job fails fast instead of burning model calls on a broken input.
type VideoProcessor struct {
	modelGate
	strategy    SampleStrategy
	maxFrames   int
	parallelism int
}

// VideoOption customizes a VideoProcessor.
type VideoOption func(*VideoProcessor)

// WithSampleStrategy sets the frame sampling strategy.
func WithSampleStrategy(s SampleStrategy) VideoOption {
	return func(p *VideoProcessor) { p.strategy = s }
}

// WithMaxFrames bounds how many frames are sampled.
func WithMaxFrames(n int) VideoOption {
	return func(p *VideoProcessor) {
		if n > 0 {
			p.maxFrames = n
		}
	}
}

// WithFrameParallelism bounds concurrent per-frame model calls.
func WithFrameParallelism(n int) VideoOption {
	return func(p *VideoProcessor) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// NewVideoProcessor creates a video processor.
func NewVideoProcessor(m manager.ModelManager, inv Invoker, logger *slog.Logger, opts ...VideoOption) *VideoProcessor {
	p := &VideoProcessor{
		modelGate:   newModelGate(m, inv, logger),
		strategy:    SampleUniform,
		maxFrames:   defaultMaxFrames,
		parallelism: defaultFrameParallelism,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Modality implements Processor.
func (p *VideoProcessor) Modality() Modality { return ModalityVideo }

// ValidateInput implements Processor.
func (p *VideoProcessor) ValidateInput(data any) (bool, string) {
	var in *VideoInput
	switch v := data.(type) {
	case VideoInput:
		in = &v
	case *VideoInput:
		in = v
	default:
		return false, "video input must be a VideoInput with decoded frames"
	}
	if len(in.Frames) == 0 {
		return false, "video input contains no frames"
	}
	for i, f := range in.Frames {
		if len(f) == 0 {
			return false, fmt.Sprintf("frame %d is empty", i)
		}
	}
	return true, ""
}

// Process implements Processor.
func (p *VideoProcessor) Process(ctx context.Context, input any, modelHint string) (ProcessingResult, error) {
	ctx, span := tracer.Start(ctx, "VideoProcessor.Process")
	defer span.End()
	start := time.Now()

	if ok, reason := p.ValidateInput(input); !ok {
		processingTotal.WithLabelValues(string(ModalityVideo), "invalid_input").Inc()
		return failure(ModalityVideo, reason), nil
	}
	var in VideoInput
	switch v := input.(type) {
	case VideoInput:
		in = v
	case *VideoInput:
		in = *v
	}

	model, err := p.acquireModel(ctx, catalog.CapabilityImage, modelHint)
	if err != nil {
		processingTotal.WithLabelValues(string(ModalityVideo), "error").Inc()
		return failure(ModalityVideo, err.Error()), err
	}
	span.SetAttributes(
		attribute.String("model.name", model),
		attribute.Int("video.total_frames", len(in.Frames)),
	)

	indices := sampleIndices(len(in.Frames), p.maxFrames, p.strategy)
	prompt := in.Prompt
	if prompt == "" {
		prompt = framePrompt
	}

	results := make([]frameResult, len(indices))
	var failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for slot, frameIdx := range indices {
		g.Go(func() error {
			out, ferr := p.invoker.Invoke(gctx, model, prompt, [][]byte{in.Frames[frameIdx]})
			framesProcessedTotal.Inc()
			if ferr != nil {
				results[slot] = frameResult{Index: frameIdx, Error: ferr.Error()}
				if int(failed.Add(1))*2 > len(indices) {
					return fmt.Errorf("more than half of %d sampled frames failed", len(indices))
				}
				return nil
			}
			results[slot] = frameResult{Index: frameIdx, Content: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		processingTotal.WithLabelValues(string(ModalityVideo), "error").Inc()
		return failure(ModalityVideo, err.Error()), nil
	}

	var sb strings.Builder
	succeeded := 0
	for _, r := range results {
		if r.Error != "" {
			continue
		}
		succeeded++
		fmt.Fprintf(&sb, "Frame %d: %s\n", r.Index, r.Content)
	}
	aggregate := sb.String()

	meta := map[string]any{
		"total_frames":     len(in.Frames),
		"sampled_frames":   len(indices),
		"succeeded_frames": succeeded,
		"failed_frames":    int(failed.Load()),
		"frame_results":    results,
		"sample_strategy":  string(p.strategy),
	}

	content := aggregate
	summary, serr := p.invoker.Invoke(ctx, model, summaryPrompt+aggregate, nil)
	if serr != nil {
		// Degrade to the raw aggregate rather than failing a job whose
		// frames all analyzed fine.
		p.logger.Warn("video summary call failed, returning aggregate only",
			slog.String("error", serr.Error()))
		meta["summary_error"] = serr.Error()
	} else {
		content = summary + "\n\n" + aggregate
		meta["summary"] = summary
	}

	processingTotal.WithLabelValues(string(ModalityVideo), "success").Inc()
	return ProcessingResult{
		Success:  true,
		Content:  content,
		Model:    model,
		Modality: ModalityVideo,
		Metadata: meta,
		Duration: time.Since(start),
	}, nil
}

// sampleIndices picks up to max frame indices from total using the given
// strategy. Uniform sampling spreads picks evenly including the first
// region of each stride.
func sampleIndices(total, max int, strategy SampleStrategy) []int {
	if max <= 0 || total <= 0 {
		return nil
	}
	if total <= max {
		indices := make([]int, total)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}

	indices := make([]int, 0, max)
	switch strategy {
	case SampleStart:
		for i := 0; i < max; i++ {
			indices = append(indices, i)
		}
	case SampleEnd:
		for i := total - max; i < total; i++ {
			indices = append(indices, i)
		}
	default: // SampleUniform
		for i := 0; i < max; i++ {
			indices = append(indices, i*total/max)
		}
	}
	return indices
}

// Compile-time interface compliance check.
var _ Processor = (*VideoProcessor)(nil)
