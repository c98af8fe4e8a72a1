// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package job owns asynchronous processing jobs: submission, worker
// dispatch, cooperative cancellation, persistence, and retention. The
// model layer below it only ever sees read-only frame payloads.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is a job lifecycle state.
type Status string

// ===== Lifecycle States =====

const (
	// StatusPending marks a job accepted but not yet picked up.
	StatusPending Status = "pending"

	// StatusProcessing marks a job owned by a worker.
	StatusProcessing Status = "processing"

	// StatusCompleted, StatusFailed, and StatusCancelled are terminal.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Frame is one extracted video frame handed in by the caller. Frames
// arrive already decoded; this layer samples and routes, it never
// touches containers or codecs.
type Frame struct {
	// Index is the frame's position in the source sequence.
	Index int `json:"index"`

	// TimestampMS is the frame's offset into the source, if known.
	TimestampMS int64 `json:"timestamp_ms,omitempty"`

	// Payload is the encoded image bytes.
	Payload []byte `json:"payload"`
}

// Job is a unit of asynchronous work.
//
// # Description
//
// A job is created pending, moves to processing when a worker picks it
// up, and ends in exactly one terminal state. Progress runs 0-100.
// Cancellation is cooperative: workers check for it between steps, so a
// cancelled job may still finish the step it is in.
//
// # Thread Safety
//
// Job values are copied in and out of stores; mutate only the copy you
// own and write it back through the store.
type Job struct {
	// ID is an opaque unique token.
	ID string `json:"id"`

	// Source references the input (a URL, a path, or a caller tag).
	Source string `json:"source"`

	// Query is the optional caller prompt applied to the input.
	Query string `json:"query,omitempty"`

	// ModelHint pins a specific model, bypassing capability selection.
	ModelHint string `json:"model_hint,omitempty"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"`

	// Frames holds the decoded frame payloads for video work. Empty for
	// text-only jobs.
	Frames []Frame `json:"frames,omitempty"`

	// Results carries the processor output once the job completes.
	Results map[string]any `json:"results,omitempty"`

	// Error is set iff the job failed.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob creates a pending job with a fresh ID.
func NewJob(source, query, modelHint string, frames []Frame) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Source:    source,
		Query:     query,
		ModelHint: modelHint,
		Status:    StatusPending,
		Frames:    frames,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to hand across goroutines.
func (j *Job) Clone() *Job {
	out := *j
	if j.Frames != nil {
		out.Frames = make([]Frame, len(j.Frames))
		for i, f := range j.Frames {
			out.Frames[i] = f
			if f.Payload != nil {
				out.Frames[i].Payload = append([]byte(nil), f.Payload...)
			}
		}
	}
	if j.Results != nil {
		out.Results = make(map[string]any, len(j.Results))
		for k, v := range j.Results {
			out.Results[k] = v
		}
	}
	return &out
}

// setStatus applies a transition and bumps UpdatedAt. Transitions out
// of a terminal state are ignored.
func (j *Job) setStatus(s Status) bool {
	if j.Status.Terminal() {
		return false
	}
	j.Status = s
	j.UpdatedAt = time.Now().UTC()
	return true
}
