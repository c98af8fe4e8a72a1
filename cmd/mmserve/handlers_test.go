// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/hardware"
	"github.com/AleutianAI/AleutianMM/services/multimodal/job"
	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
	"github.com/AleutianAI/AleutianMM/services/multimodal/processor"
)

func testRouter(t *testing.T, mm *manager.MockModelManager) *gin.Engine {
	t.Helper()
	if mm == nil {
		mm = &manager.MockModelManager{BestModel: "ollama/test:latest"}
	}
	profiler := hardware.NewDefaultProfiler(
		hardware.WithGPUProbes(&hardware.StaticProbe{Confident: true}),
		hardware.WithSysProbe(&hardware.MockSysProbe{
			MemoryFunc: func(context.Context) (float64, float64, error) { return 16, 12, nil },
		}),
	)
	factory := processor.NewFactory(mm, &processor.MockInvoker{})
	orch := job.NewOrchestrator(job.NewMemoryStore(), factory, mm, profiler)
	t.Cleanup(orch.Close)
	return newRouter(orch, slog.Default())
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router := testRouter(t, nil)
	w := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHardwareEndpoint(t *testing.T) {
	router := testRouter(t, nil)
	w := doJSON(t, router, http.MethodGet, "/v1/hardware", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tier string `json:"tier"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "medium", resp.Tier, "16GB RAM without a GPU is the medium tier")
}

func TestListModelsEndpoint(t *testing.T) {
	var gotFilter catalog.ListFilter
	mm := &manager.MockModelManager{
		ListAvailableModelsFunc: func(_ context.Context, f catalog.ListFilter) ([]catalog.ModelInfo, error) {
			gotFilter = f
			return []catalog.ModelInfo{
				{Name: "llava:7b", Provider: catalog.ProviderOllama, Capabilities: []string{"image", "text"}},
			}, nil
		},
	}
	router := testRouter(t, mm)

	w := doJSON(t, router, http.MethodGet, "/v1/models?capability=image&installed=true&max_size_mb=9000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image", gotFilter.Capability)
	assert.True(t, gotFilter.InstalledOnly)
	assert.Equal(t, int64(9000), gotFilter.MaxSizeMB)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestListModelsEndpoint_BadSizeParam(t *testing.T) {
	router := testRouter(t, nil)
	w := doJSON(t, router, http.MethodGet, "/v1/models?max_size_mb=huge", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessEndpoint_Text(t *testing.T) {
	router := testRouter(t, nil)
	w := doJSON(t, router, http.MethodPost, "/v1/process",
		processRequest{Text: "what is Go?"})
	require.Equal(t, http.StatusOK, w.Code)

	var result processor.ProcessingResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, processor.ModalityText, result.Modality)
	assert.Equal(t, "mock response", result.Content)
}

func TestProcessEndpoint_MultimodalParts(t *testing.T) {
	router := testRouter(t, nil)
	png := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})
	w := doJSON(t, router, http.MethodPost, "/v1/process",
		processRequest{Text: "describe this", ImageB64: png})
	require.Equal(t, http.StatusOK, w.Code)

	var result processor.ProcessingResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, processor.ModalityMultimodal, result.Modality)
}

func TestProcessEndpoint_Rejections(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(t, router, http.MethodPost, "/v1/process", processRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty request")

	w = doJSON(t, router, http.MethodPost, "/v1/process",
		processRequest{ImageB64: "not-base64!!!"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "bad base64")
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(t, router, http.MethodPost, "/v1/jobs",
		jobRequest{Source: "inline", Query: "summarize"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var submitted job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.ID)

	require.Eventually(t, func() bool {
		resp := doJSON(t, router, http.MethodGet, "/v1/jobs/"+submitted.ID, nil)
		if resp.Code != http.StatusOK {
			return false
		}
		var j job.Job
		if err := json.Unmarshal(resp.Body.Bytes(), &j); err != nil {
			return false
		}
		return j.Status == job.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	list := doJSON(t, router, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var listResp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &listResp))
	assert.Equal(t, 1, listResp.Count)
}

func TestJobEndpoints_NotFound(t *testing.T) {
	router := testRouter(t, nil)

	w := doJSON(t, router, http.MethodGet, "/v1/jobs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/jobs/ghost/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpointServes(t *testing.T) {
	router := testRouter(t, nil)
	w := doJSON(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
