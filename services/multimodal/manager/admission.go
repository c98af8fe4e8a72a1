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
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
	"github.com/AleutianAI/AleutianMM/services/multimodal/provider"
)

// =============================================================================
// Download / Load / Unload
// =============================================================================

// DownloadModel implements ModelManager.
func (m *UnifiedModelManager) DownloadModel(ctx context.Context, name string, progress provider.PullProgressCallback) error {
	ctx, span := tracer.Start(ctx, "DownloadModel")
	defer span.End()
	span.SetAttributes(attribute.String("model.name", name))

	mgr, p, bare, err := m.resolve(ctx, name)
	if err != nil {
		return err
	}
	if err := mgr.Download(ctx, bare, progress); err != nil {
		return err
	}
	modelDownloadsTotal.WithLabelValues(string(p)).Inc()
	m.invalidateMerged()
	return nil
}

// LoadModel implements ModelManager.
//
// # Description
//
// The admission sequence — read headroom, evict least-recently-used
// residents, delegate the load, commit accounting — runs as ONE critical
// section under the global admission lock. Two concurrent loads can never
// both observe the same headroom and jointly overcommit memory; that
// interleaving is the direct cause of host OOM crashes.
//
// Loading an already-resident model only refreshes its recency.
func (m *UnifiedModelManager) LoadModel(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "LoadModel")
	defer span.End()
	span.SetAttributes(attribute.String("model.name", name))

	mgr, p, bare, err := m.resolve(ctx, name)
	if err != nil {
		return err
	}
	id := qualifiedID(p, bare)
	requiredGB := m.requiredGB(ctx, mgr, p, bare)
	span.SetAttributes(attribute.Float64("model.required_gb", requiredGB))

	m.admissionMu.Lock()
	defer m.admissionMu.Unlock()

	if r, ok := m.resident[id]; ok {
		r.lastUsed = time.Now()
		return nil
	}

	headroom := m.headroomLocked(ctx)
	if requiredGB > headroom {
		freed := m.evictLocked(ctx, requiredGB-headroom, map[string]bool{id: true})
		headroom += freed
	}
	if requiredGB > headroom {
		admissionRejectionsTotal.Inc()
		m.logger.Warn("admission rejected",
			slog.String("model", id),
			slog.Float64("required_gb", requiredGB),
			slog.Float64("headroom_gb", headroom),
		)
		return mmerrors.InsufficientResources(id, requiredGB, headroom)
	}

	if err := mgr.Load(ctx, bare); err != nil {
		return err
	}

	now := time.Now()
	m.resident[id] = &residentModel{
		id:       id,
		provider: p,
		name:     bare,
		sizeGB:   requiredGB,
		loadedAt: now,
		lastUsed: now,
	}
	modelLoadsTotal.WithLabelValues(string(p)).Inc()
	residentModelsGauge.Set(float64(len(m.resident)))
	m.invalidateMerged()

	m.logger.Info("model admitted and loaded",
		slog.String("model", id),
		slog.Float64("size_gb", requiredGB),
		slog.Float64("remaining_headroom_gb", headroom-requiredGB),
	)
	return nil
}

// UnloadModel implements ModelManager.
func (m *UnifiedModelManager) UnloadModel(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "UnloadModel")
	defer span.End()
	span.SetAttributes(attribute.String("model.name", name))

	mgr, p, bare, err := m.resolve(ctx, name)
	if err != nil {
		return err
	}
	if err := mgr.Unload(ctx, bare); err != nil {
		return err
	}

	m.admissionMu.Lock()
	delete(m.resident, qualifiedID(p, bare))
	residentModelsGauge.Set(float64(len(m.resident)))
	m.admissionMu.Unlock()
	m.invalidateMerged()
	return nil
}

// UnloadAllModels implements ModelManager.
func (m *UnifiedModelManager) UnloadAllModels(ctx context.Context, only, exclude catalog.Provider) error {
	ctx, span := tracer.Start(ctx, "UnloadAllModels")
	defer span.End()

	m.admissionMu.Lock()
	defer m.admissionMu.Unlock()

	var errs []error
	for id, r := range m.resident {
		if only != "" && r.provider != only {
			continue
		}
		if exclude != "" && r.provider == exclude {
			continue
		}
		if err := m.providers[r.provider].Unload(ctx, r.name); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(m.resident, id)
	}
	residentModelsGauge.Set(float64(len(m.resident)))
	m.invalidateMerged()
	return errors.Join(errs...)
}

// WarmModels implements ModelManager: pre-loads models in priority order.
// A failed warm is logged and skipped so one bad entry does not block the
// rest of the warm list.
func (m *UnifiedModelManager) WarmModels(ctx context.Context, names []string) error {
	ctx, span := tracer.Start(ctx, "WarmModels")
	defer span.End()

	var errs []error
	for _, name := range names {
		if err := m.LoadModel(ctx, name); err != nil {
			m.logger.Warn("model warmup failed",
				slog.String("model", name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		m.logger.Info("model warmed", slog.String("model", name))
	}
	return errors.Join(errs...)
}

// =============================================================================
// Headroom
// =============================================================================

// CheckResourceAvailability implements ModelManager. Pure query: uses the
// cached hardware snapshot, mutates nothing.
func (m *UnifiedModelManager) CheckResourceAvailability(ctx context.Context, requiredGB float64) bool {
	profile := m.profiler.Detect(ctx)

	m.admissionMu.Lock()
	defer m.admissionMu.Unlock()
	return requiredGB <= m.headroomFrom(profile.AvailableRAMGB)
}

// headroomLocked computes current admission headroom with a fresh memory
// reading. Caller holds admissionMu.
func (m *UnifiedModelManager) headroomLocked(ctx context.Context) float64 {
	profile := m.profiler.Refresh(ctx)
	return m.headroomFrom(profile.AvailableRAMGB)
}

// headroomFrom subtracts the safety buffer and every resident model's
// declared footprint from available RAM. Declared footprints are deducted
// even when the OS reading already reflects them; overcounting fails safe,
// undercounting crashes hosts. Caller holds admissionMu.
func (m *UnifiedModelManager) headroomFrom(availableRAMGB float64) float64 {
	headroom := availableRAMGB - m.safetyBufferGB
	for _, r := range m.resident {
		headroom -= r.sizeGB
	}
	return headroom
}

// evictLocked frees at least neededGB by unloading resident models,
// least-recently-used first. Models in the keep set and models used
// within the eviction grace window are never victims: a model used
// moments ago is presumed required by an in-flight request. Returns the
// total declared footprint actually freed. Caller holds admissionMu.
func (m *UnifiedModelManager) evictLocked(ctx context.Context, neededGB float64, keep map[string]bool) float64 {
	now := time.Now()
	victims := make([]*residentModel, 0, len(m.resident))
	for id, r := range m.resident {
		if keep[id] || now.Sub(r.lastUsed) < m.evictionGrace {
			continue
		}
		victims = append(victims, r)
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].lastUsed.Before(victims[j].lastUsed)
	})

	var freed float64
	for _, v := range victims {
		if freed >= neededGB {
			break
		}
		if err := m.providers[v.provider].Unload(ctx, v.name); err != nil {
			m.logger.Warn("eviction failed, skipping victim",
				slog.String("model", v.id),
				slog.String("error", err.Error()),
			)
			continue
		}
		delete(m.resident, v.id)
		freed += v.sizeGB
		modelEvictionsTotal.WithLabelValues(string(v.provider)).Inc()
		m.logger.Info("evicted model for admission",
			slog.String("model", v.id),
			slog.Float64("freed_gb", v.sizeGB),
		)
	}
	if freed > 0 {
		residentModelsGauge.Set(float64(len(m.resident)))
	}
	return freed
}

// requiredGB resolves a model's admission footprint: the declared
// min_ram_gb when the catalog has an entry, otherwise the on-disk size as
// a proxy.
func (m *UnifiedModelManager) requiredGB(ctx context.Context, mgr provider.Manager, p catalog.Provider, bare string) float64 {
	if m.catalog != nil {
		if entry, ok := m.catalog.Lookup(bare); ok && entry.Provider == p {
			if entry.MinRAMGB > 0 {
				return entry.MinRAMGB
			}
		}
	}
	if info, ok := mgr.GetInfo(ctx, bare); ok {
		return info.SizeGB()
	}
	return 0
}

// invalidateMerged forces the next merged-catalog read to refresh.
func (m *UnifiedModelManager) invalidateMerged() {
	m.catMu.Lock()
	m.mergedAt = time.Time{}
	m.catMu.Unlock()
}
