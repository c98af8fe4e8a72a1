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
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
)

// frames builds n distinct fake frame payloads.
func frames(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("frame-%02d", i))
	}
	return out
}

func TestSampleIndices(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		max      int
		strategy SampleStrategy
		want     []int
	}{
		{"fewer frames than budget takes all", 3, 10, SampleUniform, []int{0, 1, 2}},
		{"uniform spreads evenly", 10, 5, SampleUniform, []int{0, 2, 4, 6, 8}},
		{"start takes the head", 10, 3, SampleStart, []int{0, 1, 2}},
		{"end takes the tail", 10, 3, SampleEnd, []int{7, 8, 9}},
		{"zero budget yields nothing", 10, 0, SampleUniform, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sampleIndices(tt.total, tt.max, tt.strategy))
		})
	}
}

func TestVideoProcessor_IsolatesSingleFrameFailure(t *testing.T) {
	// Ten sampled frames, frame 3 fails: nine analyses, one recorded
	// error, a summary, and an overall success.
	inv := &MockInvoker{
		InvokeFunc: func(_ context.Context, _, prompt string, media [][]byte) (string, error) {
			if len(media) == 1 && bytes.Equal(media[0], []byte("frame-03")) {
				return "", errors.New("backend choked on frame")
			}
			if len(media) == 0 {
				return "a short summary", nil
			}
			return "frame analysis", nil
		},
	}
	p := NewVideoProcessor(&manager.MockModelManager{BestModel: "ollama/llava:latest"},
		inv, nil, WithMaxFrames(10), WithFrameParallelism(1))

	result, err := p.Process(context.Background(), VideoInput{Frames: frames(10)}, "")
	require.NoError(t, err)
	require.True(t, result.Success, "one bad frame must not fail the job")

	assert.Equal(t, 9, result.Metadata["succeeded_frames"])
	assert.Equal(t, 1, result.Metadata["failed_frames"])
	assert.Equal(t, "a short summary", result.Metadata["summary"])
	assert.Contains(t, result.Content, "a short summary")
	assert.NotContains(t, result.Content, "Frame 3:", "the failed frame contributes no content")
}

func TestVideoProcessor_FailsFastWhenMajorityFails(t *testing.T) {
	inv := &MockInvoker{
		InvokeFunc: func(context.Context, string, string, [][]byte) (string, error) {
			return "", errors.New("backend down")
		},
	}
	p := NewVideoProcessor(&manager.MockModelManager{BestModel: "ollama/llava:latest"},
		inv, nil, WithMaxFrames(10), WithFrameParallelism(1))

	result, err := p.Process(context.Background(), VideoInput{Frames: frames(10)}, "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "half")
}

func TestVideoProcessor_SummaryFailureDegrades(t *testing.T) {
	inv := &MockInvoker{
		InvokeFunc: func(_ context.Context, _, _ string, media [][]byte) (string, error) {
			if len(media) == 0 {
				return "", errors.New("summary model unavailable")
			}
			return "frame analysis", nil
		},
	}
	p := NewVideoProcessor(&manager.MockModelManager{BestModel: "ollama/llava:latest"},
		inv, nil, WithMaxFrames(4))

	result, err := p.Process(context.Background(), VideoInput{Frames: frames(4)}, "")
	require.NoError(t, err)
	require.True(t, result.Success, "summary failure degrades, it does not fail the job")
	assert.Contains(t, result.Content, "frame analysis")
	assert.NotEmpty(t, result.Metadata["summary_error"])
}

func TestVideoProcessor_ValidateInput(t *testing.T) {
	p := NewVideoProcessor(&manager.MockModelManager{}, &MockInvoker{}, nil)

	tests := []struct {
		name  string
		input any
		valid bool
	}{
		{"valid frames", VideoInput{Frames: frames(2)}, true},
		{"pointer input", &VideoInput{Frames: frames(1)}, true},
		{"no frames", VideoInput{}, false},
		{"empty frame", VideoInput{Frames: [][]byte{{}}}, false},
		{"wrong type", "not a video", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := p.ValidateInput(tt.input)
			assert.Equal(t, tt.valid, ok, reason)
		})
	}
}

func TestVideoProcessor_RespectsModelHint(t *testing.T) {
	inv := &MockInvoker{}
	mm := &manager.MockModelManager{BestModel: "ollama/auto:latest"}
	p := NewVideoProcessor(mm, inv, nil, WithMaxFrames(2))

	result, err := p.Process(context.Background(), VideoInput{Frames: frames(2)}, "ollama/pinned:latest")
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "ollama/pinned:latest", result.Model)
	assert.Empty(t, mm.BestModelCalls, "a pinned model skips selection")
	assert.Equal(t, []string{"ollama/pinned:latest"}, mm.LoadCalls,
		"the pinned model still goes through admission")
}
