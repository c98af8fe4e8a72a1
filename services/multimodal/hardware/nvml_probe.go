// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !nonvml

package hardware

import (
	"context"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVMLProbe detects NVIDIA GPUs through the NVML library API.
//
// # Description
//
// Highest-priority probe in the chain: NVML is the driver's own interface
// and reports compute capability, which the CLI fallback cannot. NVML is
// initialized per probe call and shut down before returning; failure to
// initialize (no driver, no NVIDIA hardware) yields "unknown" so the CLI
// probe gets its turn.
//
// # Thread Safety
//
// NVMLProbe is safe for concurrent use; NVML itself serializes
// init/shutdown internally.
type NVMLProbe struct{}

func newNVMLProbe() GPUProbe { return &NVMLProbe{} }

// Name identifies the probe for logging.
func (p *NVMLProbe) Name() string { return "nvml" }

// Probe enumerates devices via NVML.
func (p *NVMLProbe) Probe(_ context.Context) ([]GPUInfo, bool) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, false
	}
	defer func() { _ = nvml.Shutdown() }()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, false
	}

	gpus := make([]GPUInfo, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue // Skip failed device
		}

		name, _ := device.GetName()
		memInfo, memRet := device.GetMemoryInfo()

		info := GPUInfo{
			Name:      name,
			Available: memRet == nvml.SUCCESS,
		}
		if memRet == nvml.SUCCESS {
			info.MemoryGB = float64(memInfo.Total) / (1024 * 1024 * 1024)
		}
		if major, minor, ccRet := device.GetCudaComputeCapability(); ccRet == nvml.SUCCESS {
			info.ComputeCapability = fmt.Sprintf("%d.%d", major, minor)
		}
		gpus = append(gpus, info)
	}

	return gpus, true
}

var _ GPUProbe = (*NVMLProbe)(nil)
