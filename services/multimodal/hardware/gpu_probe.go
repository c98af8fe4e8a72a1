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
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// gpuProbeTimeout bounds any subprocess spawned to query GPU driver
// state. Failure past the timeout is treated as "no GPU found", never as
// an error.
const gpuProbeTimeout = 3 * time.Second

// =============================================================================
// GPUProbe Interface
// =============================================================================

// GPUProbe is one strategy in the GPU detection chain.
//
// # Description
//
// Each probe returns either a confident result (ok=true, possibly with an
// empty device list meaning "confidently no GPU") or "unknown" (ok=false),
// in which case the profiler moves to the next strategy.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type GPUProbe interface {
	// Name identifies the probe for logging.
	Name() string

	// Probe inspects the host for GPUs. ok=false means this strategy
	// could not determine GPU state and the next probe should run.
	Probe(ctx context.Context) (gpus []GPUInfo, ok bool)
}

// defaultProbeChain returns the built-in probe priority order: library
// API first, CLI tool fallback.
func defaultProbeChain() []GPUProbe {
	return []GPUProbe{newNVMLProbe(), &SmiProbe{}}
}

// =============================================================================
// SmiProbe (nvidia-smi CLI fallback)
// =============================================================================

// SmiProbe detects NVIDIA GPUs via the nvidia-smi command-line tool.
//
// # Description
//
// Queries device name and total memory as CSV. Used when the NVML library
// is unavailable (not installed, or the binary was built with the nonvml
// tag). The subprocess call carries a hard 3-second timeout.
//
// # Limitations
//
//   - Only detects NVIDIA GPUs
//   - Cannot report compute capability
type SmiProbe struct {
	// runner overrides subprocess execution in tests. Nil uses exec.
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Name identifies the probe for logging.
func (p *SmiProbe) Name() string { return "nvidia-smi" }

// Probe runs nvidia-smi and parses its CSV output.
func (p *SmiProbe) Probe(ctx context.Context) ([]GPUInfo, bool) {
	ctx, cancel := context.WithTimeout(ctx, gpuProbeTimeout)
	defer cancel()

	run := p.runner
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}

	output, err := run(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		// Tool missing or timed out: this strategy cannot decide.
		return nil, false
	}

	var gpus []GPUInfo
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			continue
		}
		memMB, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		gpus = append(gpus, GPUInfo{
			Name:      strings.TrimSpace(parts[0]),
			MemoryGB:  float64(memMB) / 1024.0,
			Available: true,
		})
	}

	// A successful run with no parseable devices is a confident
	// "no GPU" answer.
	return gpus, true
}

// =============================================================================
// StaticProbe (test double)
// =============================================================================

// StaticProbe returns a fixed answer. Used in tests and to force a known
// hardware shape in development.
type StaticProbe struct {
	// ProbeName is returned by Name.
	ProbeName string

	// GPUs is the fixed device list.
	GPUs []GPUInfo

	// Confident is returned as the ok flag.
	Confident bool
}

// Name identifies the probe for logging.
func (p *StaticProbe) Name() string {
	if p.ProbeName == "" {
		return "static"
	}
	return p.ProbeName
}

// Probe returns the configured answer.
func (p *StaticProbe) Probe(_ context.Context) ([]GPUInfo, bool) {
	return append([]GPUInfo(nil), p.GPUs...), p.Confident
}

// Compile-time interface compliance checks.
var (
	_ GPUProbe = (*SmiProbe)(nil)
	_ GPUProbe = (*StaticProbe)(nil)
)
