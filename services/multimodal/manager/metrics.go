// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the manager's metrics; the composition root exposes it
// on /metrics.
var Registry = prometheus.NewRegistry()

var (
	modelLoadsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutianmm",
		Subsystem: "manager",
		Name:      "model_loads_total",
		Help:      "Model loads that passed admission, by provider.",
	}, []string{"provider"})

	modelDownloadsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutianmm",
		Subsystem: "manager",
		Name:      "model_downloads_total",
		Help:      "Completed model downloads, by provider.",
	}, []string{"provider"})

	modelEvictionsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutianmm",
		Subsystem: "manager",
		Name:      "model_evictions_total",
		Help:      "Models evicted by admission control, by provider.",
	}, []string{"provider"})

	admissionRejectionsTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "aleutianmm",
		Subsystem: "manager",
		Name:      "admission_rejections_total",
		Help:      "Load requests rejected for insufficient memory headroom.",
	})

	residentModelsGauge = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "aleutianmm",
		Subsystem: "manager",
		Name:      "resident_models",
		Help:      "Models currently tracked as loaded across all providers.",
	})
)
