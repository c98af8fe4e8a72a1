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
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/job"
	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
	"github.com/AleutianAI/AleutianMM/services/multimodal/processor"
)

// processRequest is the body for synchronous processing.
type processRequest struct {
	// Modality forces a processor; empty means content-based dispatch.
	Modality string `json:"modality,omitempty"`

	// Text is the prompt or text payload.
	Text string `json:"text,omitempty"`

	// ImageB64 is an optional base64-encoded image payload.
	ImageB64 string `json:"image_b64,omitempty"`

	// Model pins a specific model, bypassing capability selection.
	Model string `json:"model,omitempty"`
}

// jobRequest is the body for asynchronous submission.
type jobRequest struct {
	Source string `json:"source,omitempty"`
	Query  string `json:"query,omitempty"`
	Model  string `json:"model,omitempty"`
	Frames []struct {
		Index       int    `json:"index"`
		TimestampMS int64  `json:"timestamp_ms,omitempty"`
		PayloadB64  string `json:"payload_b64"`
	} `json:"frames,omitempty"`
}

// newRouter builds the HTTP surface: three collaborator calls plus
// health, metrics, and job lifecycle endpoints.
func newRouter(orch *job.Orchestrator, log *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("mmserve"))

	gatherers := prometheus.Gatherers{manager.Registry, processor.Registry}
	metricsHandler := promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metricsHandler))

	v1 := router.Group("/v1")
	v1.GET("/hardware", handleHardware(orch))
	v1.GET("/models", handleListModels(orch))
	v1.POST("/process", handleProcess(orch, log))
	v1.POST("/jobs", handleSubmitJob(orch))
	v1.GET("/jobs", handleListJobs(orch))
	v1.GET("/jobs/:id", handleGetJob(orch))
	v1.POST("/jobs/:id/cancel", handleCancelJob(orch))

	return router
}

func handleHardware(orch *job.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		profile := orch.GetHardwareSummary(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"profile": profile,
			"tier":    profile.Tier(),
		})
	}
}

func handleListModels(orch *job.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := catalog.ListFilter{
			Capability:    c.Query("capability"),
			Provider:      catalog.Provider(c.Query("provider")),
			Tag:           c.Query("tag"),
			InstalledOnly: c.Query("installed") == "true",
		}
		if raw := c.Query("max_size_mb"); raw != "" {
			size, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "max_size_mb must be an integer"})
				return
			}
			filter.MaxSizeMB = size
		}

		models, err := orch.ListModels(c.Request.Context(), filter)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"models": models, "count": len(models)})
	}
}

func handleProcess(orch *job.Orchestrator, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req processRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		input, err := payloadFromRequest(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := orch.SubmitCapabilityRequest(c.Request.Context(),
			processor.Modality(req.Modality), input, req.Model)
		if err != nil {
			log.Warn("processing request failed", slog.String("error", err.Error()))
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// payloadFromRequest shapes the request into a processor input: both
// parts present means a structured multimodal payload, one part means a
// plain payload of that kind.
func payloadFromRequest(req processRequest) (any, error) {
	if req.ImageB64 == "" {
		if req.Text == "" {
			return nil, errors.New("request needs text, an image, or both")
		}
		return req.Text, nil
	}
	image, err := base64.StdEncoding.DecodeString(req.ImageB64)
	if err != nil {
		return nil, errors.New("image_b64 is not valid base64")
	}
	if req.Text == "" {
		return image, nil
	}
	return map[string]any{"text": req.Text, "image": image}, nil
}

func handleSubmitJob(orch *job.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req jobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		frames := make([]job.Frame, 0, len(req.Frames))
		for i, f := range req.Frames {
			payload, err := base64.StdEncoding.DecodeString(f.PayloadB64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "frame " + strconv.Itoa(i) + ": payload_b64 is not valid base64",
				})
				return
			}
			frames = append(frames, job.Frame{
				Index:       f.Index,
				TimestampMS: f.TimestampMS,
				Payload:     payload,
			})
		}

		j, err := orch.Submit(c.Request.Context(), req.Source, req.Query, req.Model, frames)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, j)
	}
}

func handleListJobs(orch *job.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := orch.List(c.Request.Context())
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
	}
}

func handleGetJob(orch *job.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		j, err := orch.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, j)
	}
}

func handleCancelJob(orch *job.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := orch.Cancel(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	kind, ok := mmerrors.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case mmerrors.KindNotFound:
		return http.StatusNotFound
	case mmerrors.KindInvalidInput:
		return http.StatusBadRequest
	case mmerrors.KindInsufficientResources:
		return http.StatusServiceUnavailable
	case mmerrors.KindBackendUnavailable:
		return http.StatusBadGateway
	case mmerrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
