// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build nonvml

package hardware

// The nonvml build tag removes the NVML dependency for platforms where
// the library cannot link. Detection then relies on the nvidia-smi CLI
// fallback alone.

import "context"

type nvmlStubProbe struct{}

func newNVMLProbe() GPUProbe { return nvmlStubProbe{} }

func (nvmlStubProbe) Name() string { return "nvml-stub" }

func (nvmlStubProbe) Probe(_ context.Context) ([]GPUInfo, bool) {
	return nil, false
}
