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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the processor metrics; the composition root exposes it
// on /metrics alongside the manager registry.
var Registry = prometheus.NewRegistry()

var (
	processingTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutianmm",
		Subsystem: "processor",
		Name:      "processing_total",
		Help:      "Processing calls by modality and outcome.",
	}, []string{"modality", "outcome"})

	framesProcessedTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "aleutianmm",
		Subsystem: "processor",
		Name:      "video_frames_processed_total",
		Help:      "Sampled video frames sent through an image-capable model.",
	})
)
