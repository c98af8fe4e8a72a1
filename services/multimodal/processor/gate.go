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

	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
)

// modelGate is the shared model-resolution and admission-enforcement
// logic embedded by every processor.
//
// # Description
//
// Before a memory-heavy invocation, the gate checks headroom for the
// chosen model; when headroom is short it bulk-evicts other providers'
// residents and lets LoadModel's admission control settle the rest. This
// is the enforcement point for the manager's admission policy.
type modelGate struct {
	models  manager.ModelManager
	invoker Invoker
	logger  *slog.Logger
}

func newModelGate(m manager.ModelManager, inv Invoker, logger *slog.Logger) modelGate {
	if logger == nil {
		logger = slog.Default()
	}
	return modelGate{models: m, invoker: inv, logger: logger}
}

// acquireModel resolves the model for a capability (a caller hint wins)
// and loads it through admission control, freeing memory first when the
// headroom check fails.
func (g *modelGate) acquireModel(ctx context.Context, capability, hint string) (string, error) {
	id := hint
	if id == "" {
		selected, err := g.models.GetBestModelForTask(ctx, capability, "")
		if err != nil {
			return "", err
		}
		id = selected
	}

	if info, ok := g.models.GetModelInfo(ctx, id); ok && info.SizeGB() > 0 {
		if !g.models.CheckResourceAvailability(ctx, info.SizeGB()) {
			g.logger.Info("headroom short, evicting other providers' models",
				slog.String("model", id),
				slog.Float64("required_gb", info.SizeGB()),
			)
			if err := g.models.UnloadAllModels(ctx, "", info.Provider); err != nil {
				g.logger.Warn("bulk eviction failed",
					slog.String("error", err.Error()))
			}
		}
	}

	if err := g.models.LoadModel(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}
