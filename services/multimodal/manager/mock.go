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
	"sync"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/provider"
)

// MockModelManager is a test double for ModelManager with per-method
// overrides and call tracking.
//
// # Thread Safety
//
// MockModelManager is safe for concurrent use.
type MockModelManager struct {
	ListAvailableModelsFunc func(ctx context.Context, filter catalog.ListFilter) ([]catalog.ModelInfo, error)
	GetModelInfoFunc        func(ctx context.Context, name string) (catalog.ModelInfo, bool)
	GetBestModelForTaskFunc func(ctx context.Context, capability string, preferProvider catalog.Provider) (string, error)
	DownloadModelFunc       func(ctx context.Context, name string) error
	LoadModelFunc           func(ctx context.Context, name string) error
	UnloadModelFunc         func(ctx context.Context, name string) error
	CheckResourceFunc       func(ctx context.Context, requiredGB float64) bool
	UnloadAllModelsFunc     func(ctx context.Context, only, exclude catalog.Provider) error

	mu sync.Mutex

	// BestModel is returned by the default GetBestModelForTask.
	BestModel string

	// Call tracking.
	BestModelCalls []string
	LoadCalls      []string
	UnloadCalls    []string
	UnloadAllCalls int
	CheckCalls     []float64
	RefreshCalls   int
	WarmCalls      [][]string
}

// ListAvailableModels implements ModelManager.
func (m *MockModelManager) ListAvailableModels(ctx context.Context, filter catalog.ListFilter) ([]catalog.ModelInfo, error) {
	if m.ListAvailableModelsFunc != nil {
		return m.ListAvailableModelsFunc(ctx, filter)
	}
	return nil, nil
}

// GetModelInfo implements ModelManager.
func (m *MockModelManager) GetModelInfo(ctx context.Context, name string) (catalog.ModelInfo, bool) {
	if m.GetModelInfoFunc != nil {
		return m.GetModelInfoFunc(ctx, name)
	}
	return catalog.ModelInfo{}, false
}

// GetBestModelForTask implements ModelManager.
func (m *MockModelManager) GetBestModelForTask(ctx context.Context, capability string, preferProvider catalog.Provider) (string, error) {
	m.mu.Lock()
	m.BestModelCalls = append(m.BestModelCalls, capability)
	m.mu.Unlock()
	if m.GetBestModelForTaskFunc != nil {
		return m.GetBestModelForTaskFunc(ctx, capability, preferProvider)
	}
	return m.BestModel, nil
}

// DownloadModel implements ModelManager.
func (m *MockModelManager) DownloadModel(ctx context.Context, name string, _ provider.PullProgressCallback) error {
	if m.DownloadModelFunc != nil {
		return m.DownloadModelFunc(ctx, name)
	}
	return nil
}

// LoadModel implements ModelManager.
func (m *MockModelManager) LoadModel(ctx context.Context, name string) error {
	m.mu.Lock()
	m.LoadCalls = append(m.LoadCalls, name)
	m.mu.Unlock()
	if m.LoadModelFunc != nil {
		return m.LoadModelFunc(ctx, name)
	}
	return nil
}

// UnloadModel implements ModelManager.
func (m *MockModelManager) UnloadModel(ctx context.Context, name string) error {
	m.mu.Lock()
	m.UnloadCalls = append(m.UnloadCalls, name)
	m.mu.Unlock()
	if m.UnloadModelFunc != nil {
		return m.UnloadModelFunc(ctx, name)
	}
	return nil
}

// CheckResourceAvailability implements ModelManager.
func (m *MockModelManager) CheckResourceAvailability(ctx context.Context, requiredGB float64) bool {
	m.mu.Lock()
	m.CheckCalls = append(m.CheckCalls, requiredGB)
	m.mu.Unlock()
	if m.CheckResourceFunc != nil {
		return m.CheckResourceFunc(ctx, requiredGB)
	}
	return true
}

// UnloadAllModels implements ModelManager.
func (m *MockModelManager) UnloadAllModels(ctx context.Context, only, exclude catalog.Provider) error {
	m.mu.Lock()
	m.UnloadAllCalls++
	m.mu.Unlock()
	if m.UnloadAllModelsFunc != nil {
		return m.UnloadAllModelsFunc(ctx, only, exclude)
	}
	return nil
}

// WarmModels implements ModelManager.
func (m *MockModelManager) WarmModels(ctx context.Context, names []string) error {
	m.mu.Lock()
	m.WarmCalls = append(m.WarmCalls, names)
	m.mu.Unlock()
	for _, name := range names {
		if err := m.LoadModel(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// RefreshCatalog implements ModelManager.
func (m *MockModelManager) RefreshCatalog(context.Context, bool) error {
	m.mu.Lock()
	m.RefreshCalls++
	m.mu.Unlock()
	return nil
}

// Compile-time interface compliance check.
var _ ModelManager = (*MockModelManager)(nil)
