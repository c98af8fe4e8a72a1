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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianMM/pkg/logging"
	"github.com/AleutianAI/AleutianMM/services/multimodal/config"
	"github.com/AleutianAI/AleutianMM/services/multimodal/hardware"
	"github.com/AleutianAI/AleutianMM/services/multimodal/job"
	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
	"github.com/AleutianAI/AleutianMM/services/multimodal/processor"
	"github.com/AleutianAI/AleutianMM/services/multimodal/provider"
)

// runServe is the composition root: every collaborator is built and
// injected here, no package-level singletons.
func runServe(ctx context.Context) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(flagLogLevel),
		LogDir:  flagLogDir,
		Service: "mmserve",
		JSON:    flagJSONLogs,
	})
	defer logger.Close()
	log := logger.Slog()
	slog.SetDefault(log)

	if flagTracing {
		shutdown, err := initTracer(ctx)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	profiler := hardware.NewDefaultProfiler(hardware.WithLogger(log))
	profile := profiler.Detect(ctx)
	cfg = cfg.AdaptToHardware(profile.Tier())
	log.Info("hardware profile",
		slog.String("tier", string(profile.Tier())),
		slog.Float64("total_ram_gb", profile.TotalRAMGB),
		slog.Int("gpus", len(profile.GPUs)),
	)

	cat, err := cfg.Catalog()
	if err != nil {
		return fmt.Errorf("model catalog: %w", err)
	}

	ollama := provider.NewOllamaProvider(cfg.Ollama.BaseURL,
		provider.WithOllamaLogger(log))

	hubDir := cfg.Hub.StoreDir
	if hubDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve hub store dir: %w", err)
		}
		hubDir = filepath.Join(home, ".aleutianmm", "hub")
	}
	hub, err := provider.NewHubProvider(hubDir, cfg.Hub.IndexURL,
		provider.WithHubLogger(log))
	if err != nil {
		return fmt.Errorf("hub provider: %w", err)
	}
	defer hub.Close()

	models := manager.NewUnifiedModelManager(profiler, cat,
		[]provider.Manager{ollama, hub},
		manager.WithSafetyBufferGB(cfg.Manager.SafetyBufferGB),
		manager.WithManagerLogger(log),
	)

	invoker := &processor.DaemonInvoker{BaseURL: cfg.Ollama.BaseURL}
	factory := processor.NewFactory(models, invoker,
		processor.WithFactoryLogger(log),
		processor.WithVideoOptions(
			processor.WithMaxFrames(cfg.Processing.MaxFrames),
			processor.WithFrameParallelism(cfg.Processing.FrameParallelism),
		),
	)

	var store job.Store
	if cfg.Jobs.StoreDir != "" {
		bs, err := job.NewBadgerStore(job.DefaultBadgerConfig(cfg.Jobs.StoreDir))
		if err != nil {
			return fmt.Errorf("job store: %w", err)
		}
		store = bs
	} else {
		store = job.NewMemoryStore()
	}
	defer store.Close()

	orch := job.NewOrchestrator(store, factory, models, profiler,
		job.WithWorkers(cfg.Jobs.Workers),
		job.WithRetention(cfg.Retention(), 0),
		job.WithOrchestratorLogger(log),
	)
	defer orch.Close()

	if len(cfg.Manager.WarmModels) > 0 {
		go func() {
			warmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := models.WarmModels(warmCtx, cfg.Manager.WarmModels); err != nil {
				log.Warn("model warmup incomplete", slog.String("error", err.Error()))
			}
		}()
	}

	router := newRouter(orch, log)
	srv := &http.Server{
		Addr:              flagAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("mmserve listening", slog.String("addr", flagAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
