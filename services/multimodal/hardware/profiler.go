// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hardware

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// =============================================================================
// Profiler Interface
// =============================================================================

// Profiler produces HardwareProfile snapshots.
//
// # Description
//
// Detect never errors: individual probe failures degrade to conservative
// defaults. The first successful detection is cached for the process
// lifetime; Refresh forces a new probe pass.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Profiler interface {
	// Detect returns the cached profile, probing on first call.
	Detect(ctx context.Context) HardwareProfile

	// Refresh discards the cache and probes again.
	Refresh(ctx context.Context) HardwareProfile
}

// =============================================================================
// DefaultProfiler
// =============================================================================

// DefaultProfiler implements Profiler with the built-in probe chain.
//
// # Thread Safety
//
// DefaultProfiler is safe for concurrent use.
type DefaultProfiler struct {
	gpuProbes []GPUProbe
	sys       SysProbe
	diskPath  string
	logger    *slog.Logger

	mu     sync.Mutex
	cached *HardwareProfile
}

// ProfilerOption customizes a DefaultProfiler.
type ProfilerOption func(*DefaultProfiler)

// WithGPUProbes replaces the built-in GPU probe chain.
func WithGPUProbes(probes ...GPUProbe) ProfilerOption {
	return func(p *DefaultProfiler) { p.gpuProbes = probes }
}

// WithSysProbe replaces the memory/disk probe.
func WithSysProbe(sys SysProbe) ProfilerOption {
	return func(p *DefaultProfiler) { p.sys = sys }
}

// WithDiskPath sets the filesystem path checked for model-store space.
func WithDiskPath(path string) ProfilerOption {
	return func(p *DefaultProfiler) { p.diskPath = path }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ProfilerOption {
	return func(p *DefaultProfiler) { p.logger = logger }
}

// NewDefaultProfiler creates a profiler with the standard probe chain
// (NVML, then nvidia-smi) and gopsutil system probes.
//
// # Examples
//
//	profiler := hardware.NewDefaultProfiler()
//	profile := profiler.Detect(ctx)
//	if profile.Tier() == hardware.TierLow {
//	    slog.Warn("constrained host", "tier", profile.Tier())
//	}
func NewDefaultProfiler(opts ...ProfilerOption) *DefaultProfiler {
	p := &DefaultProfiler{
		gpuProbes: defaultProbeChain(),
		sys:       DefaultSysProbe{},
		diskPath:  "/",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Detect returns the cached profile, probing on first call.
func (p *DefaultProfiler) Detect(ctx context.Context) HardwareProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return p.cached.Clone()
	}
	profile := p.probe(ctx)
	p.cached = &profile
	return profile.Clone()
}

// Refresh discards the cache and probes again.
func (p *DefaultProfiler) Refresh(ctx context.Context) HardwareProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile := p.probe(ctx)
	p.cached = &profile
	return profile.Clone()
}

// probe runs every detection strategy, degrading each failure to its
// conservative default. Caller holds p.mu.
func (p *DefaultProfiler) probe(ctx context.Context) HardwareProfile {
	profile := defaultProfile()
	profile.DetectedAt = time.Now()

	// GPU chain: first confident probe wins.
	for _, gp := range p.gpuProbes {
		gpus, ok := gp.Probe(ctx)
		if !ok {
			continue
		}
		profile.GPUs = gpus
		profile.HasGPU = len(gpus) > 0
		p.logger.Debug("GPU probe decided",
			slog.String("probe", gp.Name()),
			slog.Int("devices", len(gpus)),
		)
		break
	}

	if total, avail, err := p.sys.Memory(ctx); err == nil {
		profile.TotalRAMGB = total
		profile.AvailableRAMGB = avail
	} else {
		p.logger.Warn("memory probe failed, using conservative default",
			slog.String("error", err.Error()),
		)
	}

	if total, avail, err := p.sys.Disk(ctx, p.diskPath); err == nil {
		profile.TotalDiskGB = total
		profile.AvailableDiskGB = avail
	} else {
		p.logger.Warn("disk probe failed, disk state unknown",
			slog.String("error", err.Error()),
		)
	}

	profile.CPUCount = runtime.NumCPU()
	profile.Platform = runtime.GOOS
	profile.CUDA = profile.HasGPU
	profile.MPS = runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
	profile.DirectML = false // No DirectML probe; Windows hosts run CPU-only.

	p.logger.Info("hardware profile detected",
		slog.Bool("has_gpu", profile.HasGPU),
		slog.Float64("total_ram_gb", profile.TotalRAMGB),
		slog.Float64("available_disk_gb", profile.AvailableDiskGB),
		slog.String("tier", string(profile.Tier())),
	)

	return profile
}

// Compile-time interface compliance check.
var _ Profiler = (*DefaultProfiler)(nil)
