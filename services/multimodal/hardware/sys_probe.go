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
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// =============================================================================
// SysProbe Interface
// =============================================================================

// SysProbe reports host memory and disk state.
//
// # Description
//
// Abstracts the OS-level probes for testability. The default implementation
// uses gopsutil's native APIs with a manual /proc/meminfo fallback on Linux.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type SysProbe interface {
	// Memory returns total and available RAM in gigabytes.
	Memory(ctx context.Context) (totalGB, availableGB float64, err error)

	// Disk returns total and available space for the given path in
	// gigabytes.
	Disk(ctx context.Context, path string) (totalGB, availableGB float64, err error)
}

// =============================================================================
// DefaultSysProbe
// =============================================================================

// DefaultSysProbe implements SysProbe via gopsutil.
type DefaultSysProbe struct{}

// Memory returns host RAM via the OS-native API, falling back to a manual
// /proc/meminfo parse when the native call fails.
func (DefaultSysProbe) Memory(ctx context.Context) (float64, float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		return bytesToGB(vm.Total), bytesToGB(vm.Available), nil
	}

	total, avail, procErr := readProcMeminfo()
	if procErr != nil {
		return 0, 0, fmt.Errorf("memory probe failed: %w", err)
	}
	return total, avail, nil
}

// Disk returns filesystem statistics for the given path.
func (DefaultSysProbe) Disk(ctx context.Context, path string) (float64, float64, error) {
	if path == "" {
		path = "/"
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, 0, fmt.Errorf("disk probe failed for %s: %w", path, err)
	}
	return bytesToGB(usage.Total), bytesToGB(usage.Free), nil
}

// readProcMeminfo parses MemTotal and MemAvailable from /proc/meminfo.
func readProcMeminfo() (totalGB, availableGB float64, err error) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = file.Close() }()

	var totalKB, availKB int64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		var target *int64
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			target = &totalKB
		case strings.HasPrefix(line, "MemAvailable:"):
			target = &availKB
		default:
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if v, perr := strconv.ParseInt(fields[1], 10, 64); perr == nil {
			*target = v
		}
	}
	if totalKB == 0 {
		return 0, 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
	}
	return float64(totalKB) / (1024 * 1024), float64(availKB) / (1024 * 1024), nil
}

func bytesToGB(b uint64) float64 {
	return float64(b) / (1024 * 1024 * 1024)
}

// =============================================================================
// MockSysProbe
// =============================================================================

// MockSysProbe is a test double for SysProbe.
type MockSysProbe struct {
	// MemoryFunc is called by Memory. Nil returns 16/12 GB.
	MemoryFunc func(ctx context.Context) (float64, float64, error)

	// DiskFunc is called by Disk. Nil returns 500/200 GB.
	DiskFunc func(ctx context.Context, path string) (float64, float64, error)
}

// Memory invokes MemoryFunc or returns the default.
func (m *MockSysProbe) Memory(ctx context.Context) (float64, float64, error) {
	if m.MemoryFunc != nil {
		return m.MemoryFunc(ctx)
	}
	return 16, 12, nil
}

// Disk invokes DiskFunc or returns the default.
func (m *MockSysProbe) Disk(ctx context.Context, path string) (float64, float64, error) {
	if m.DiskFunc != nil {
		return m.DiskFunc(ctx, path)
	}
	return 500, 200, nil
}

// Compile-time interface compliance checks.
var (
	_ SysProbe = DefaultSysProbe{}
	_ SysProbe = (*MockSysProbe)(nil)
)
