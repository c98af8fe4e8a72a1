// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hardware detects host capability and derives the coarse
// capability tier used for model selection and admission control.
//
// Detection fails soft: any individual probe (GPU, memory, disk) that
// errors degrades to a conservative default rather than aborting, so the
// aggregate Detect call never returns an error.
//
// # Probe Chain
//
// GPU detection runs a prioritized chain of strategies behind one
// interface: the NVML library API first, then the nvidia-smi CLI with a
// hard 3-second timeout. Each probe returns either a confident result or
// "unknown"; the profiler uses the first confident result.
package hardware

import (
	"runtime"
	"time"
)

// =============================================================================
// Capability Tier
// =============================================================================

// Tier is a coarse classification of host hardware used to pick
// appropriately-sized models and batch parameters.
type Tier string

const (
	// TierLow covers GPU-less hosts with limited RAM, or any host with
	// less than 5 GB of free disk.
	TierLow Tier = "low"

	// TierMedium covers hosts with a mid-range GPU (>= 4 GB VRAM) or
	// ample RAM.
	TierMedium Tier = "medium"

	// TierHigh covers hosts with a large GPU (>= 8 GB VRAM) or
	// workstation-class RAM.
	TierHigh Tier = "high"
)

// Tier thresholds. Tier derivation is a pure function of profile fields so
// it can be re-derived identically from a serialized profile.
const (
	gpuHighGB = 8.0
	gpuMedGB  = 4.0
	ramHighGB = 32.0
	ramMedGB  = 8.0
	minDiskGB = 5.0
)

// DiskUnknown is recorded in TotalDiskGB/AvailableDiskGB when the disk
// probe fails. A genuine reading of 0 means the disk is full; only a
// negative value means no reading was possible.
const DiskUnknown = -1.0

// =============================================================================
// GPUInfo
// =============================================================================

// GPUInfo describes a single detected GPU.
type GPUInfo struct {
	// Name is the device name reported by the driver.
	Name string `json:"name"`

	// MemoryGB is total device memory in gigabytes.
	MemoryGB float64 `json:"memory_gb"`

	// ComputeCapability is the CUDA compute capability ("8.6") when the
	// NVML probe supplied it. The CLI fallback leaves it empty.
	ComputeCapability string `json:"compute_capability,omitempty"`

	// Available reports whether the device is usable (initialized and
	// not in a fault state).
	Available bool `json:"available"`
}

// =============================================================================
// HardwareProfile
// =============================================================================

// HardwareProfile is an immutable snapshot of host capability.
//
// # Description
//
// Computed once per process (or on forced refresh) and cached. Profile
// objects are never mutated after creation; consumers receive copies.
//
// # Invariants
//
//   - HasGPU == (len(GPUs) > 0)
//   - Tier derivation is a pure function of the remaining fields
type HardwareProfile struct {
	// HasGPU reports whether at least one GPU was detected.
	HasGPU bool `json:"has_gpu"`

	// GPUs lists detected devices in driver order.
	GPUs []GPUInfo `json:"gpus,omitempty"`

	// CPUCount is the number of logical CPU cores.
	CPUCount int `json:"cpu_count"`

	// TotalRAMGB / AvailableRAMGB describe host memory in gigabytes.
	TotalRAMGB     float64 `json:"total_ram_gb"`
	AvailableRAMGB float64 `json:"available_ram_gb"`

	// TotalDiskGB / AvailableDiskGB describe the model-store filesystem.
	// DiskUnknown (negative) means the probe failed and disk state is
	// unknown; zero is a real reading of a full disk.
	TotalDiskGB     float64 `json:"total_disk_gb"`
	AvailableDiskGB float64 `json:"available_disk_gb"`

	// Platform is the runtime.GOOS value at detection time.
	Platform string `json:"platform"`

	// Accelerator API flags.
	CUDA     bool `json:"cuda"`
	MPS      bool `json:"mps"`
	DirectML bool `json:"directml"`

	// DetectedAt is when this snapshot was taken.
	DetectedAt time.Time `json:"detected_at"`
}

// MaxGPUMemoryGB returns the largest single-device memory, or 0 without
// a GPU.
func (p *HardwareProfile) MaxGPUMemoryGB() float64 {
	var max float64
	for _, g := range p.GPUs {
		if g.MemoryGB > max {
			max = g.MemoryGB
		}
	}
	return max
}

// Tier derives the capability tier from the profile.
//
// # Description
//
// Pure function of the profile fields, deterministic and re-derivable from
// a serialized profile:
//
//  1. available disk below 5 GB forces "low" unconditionally; a full disk
//     reads 0 and forces "low", only DiskUnknown skips the check
//  2. with a GPU: >= 8 GB device memory is "high", >= 4 GB is "medium"
//  3. without a GPU: >= 32 GB RAM is "high", >= 8 GB is "medium"
//  4. everything else is "low"
func (p *HardwareProfile) Tier() Tier {
	if p.AvailableDiskGB >= 0 && p.AvailableDiskGB < minDiskGB {
		return TierLow
	}
	if p.HasGPU {
		switch mem := p.MaxGPUMemoryGB(); {
		case mem >= gpuHighGB:
			return TierHigh
		case mem >= gpuMedGB:
			return TierMedium
		default:
			return TierLow
		}
	}
	switch {
	case p.TotalRAMGB >= ramHighGB:
		return TierHigh
	case p.TotalRAMGB >= ramMedGB:
		return TierMedium
	default:
		return TierLow
	}
}

// Satisfies reports whether the host meets the given model requirements.
//
// # Inputs
//
//   - minRAMGB: minimum host RAM (0 = no requirement)
//   - minGPUGB: minimum single-device GPU memory (0 = no requirement)
//   - requiresGPU: model cannot run on CPU
func (p *HardwareProfile) Satisfies(minRAMGB, minGPUGB float64, requiresGPU bool) bool {
	if requiresGPU && !p.HasGPU {
		return false
	}
	if minGPUGB > 0 && p.MaxGPUMemoryGB() < minGPUGB {
		return false
	}
	if minRAMGB > 0 && p.TotalRAMGB < minRAMGB {
		return false
	}
	return true
}

// Clone returns a deep copy of the profile.
func (p *HardwareProfile) Clone() HardwareProfile {
	out := *p
	out.GPUs = append([]GPUInfo(nil), p.GPUs...)
	return out
}

// defaultProfile is the conservative fallback used when every probe fails:
// a GPU-less host with modest memory. It still satisfies the HasGPU
// invariant.
func defaultProfile() HardwareProfile {
	return HardwareProfile{
		CPUCount:        runtime.NumCPU(),
		TotalRAMGB:      8,
		AvailableRAMGB:  4,
		TotalDiskGB:     DiskUnknown,
		AvailableDiskGB: DiskUnknown,
		Platform:        runtime.GOOS,
		DetectedAt:      time.Now(),
	}
}
