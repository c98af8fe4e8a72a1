// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package job

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianMM/services/multimodal/catalog"
	"github.com/AleutianAI/AleutianMM/services/multimodal/hardware"
	"github.com/AleutianAI/AleutianMM/services/multimodal/manager"
	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
	"github.com/AleutianAI/AleutianMM/services/multimodal/processor"
)

var tracer = otel.Tracer("aleutianmm.job")

const (
	defaultWorkers       = 4
	defaultRetention     = 24 * time.Hour
	defaultPurgeInterval = 10 * time.Minute
)

// Orchestrator is the entry point for external callers.
//
// # Description
//
// Synchronous capability requests go straight through the processor
// factory. Asynchronous work is submitted as a Job: the submit path
// only persists the pending record, and a bounded worker pool runs the
// slow processing off the request path. Workers honor cancellation
// between steps, never mid-invocation.
//
// # Thread Safety
//
// Safe for concurrent use after construction.
type Orchestrator struct {
	store    Store
	factory  *processor.Factory
	models   manager.ModelManager
	profiler hardware.Profiler
	logger   *slog.Logger

	workers       *semaphore.Weighted
	retention     time.Duration
	purgeInterval time.Duration

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	wg   sync.WaitGroup
	done chan struct{}
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithWorkers bounds concurrent job processing.
func WithWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRetention sets how long terminal jobs are kept and how often the
// purge sweep runs. A zero age disables purging.
func WithRetention(age, interval time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.retention = age
		if interval > 0 {
			o.purgeInterval = interval
		}
	}
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator wires the job layer over its collaborators and starts
// the retention sweeper. Call Close to drain workers and stop it.
func NewOrchestrator(store Store, factory *processor.Factory, models manager.ModelManager, profiler hardware.Profiler, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		factory:       factory,
		models:        models,
		profiler:      profiler,
		logger:        slog.Default(),
		workers:       semaphore.NewWeighted(defaultWorkers),
		retention:     defaultRetention,
		purgeInterval: defaultPurgeInterval,
		cancels:       make(map[string]context.CancelFunc),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.retention > 0 {
		o.wg.Add(1)
		go o.purgeLoop()
	}
	return o
}

// ===== Synchronous Surface =====

// SubmitCapabilityRequest runs a payload through the processor for its
// modality and returns the result inline. An empty modality triggers
// content-based dispatch.
func (o *Orchestrator) SubmitCapabilityRequest(ctx context.Context, modality processor.Modality, payload any, modelHint string) (processor.ProcessingResult, error) {
	ctx, span := tracer.Start(ctx, "job.SubmitCapabilityRequest")
	defer span.End()
	span.SetAttributes(attribute.String("request.modality", string(modality)))

	return o.factory.Process(ctx, payload, modelHint, modality)
}

// GetHardwareSummary returns the cached hardware profile for status
// display.
func (o *Orchestrator) GetHardwareSummary(ctx context.Context) hardware.HardwareProfile {
	return o.profiler.Detect(ctx)
}

// ListModels returns the merged, filtered model listing.
func (o *Orchestrator) ListModels(ctx context.Context, filter catalog.ListFilter) ([]catalog.ModelInfo, error) {
	return o.models.ListAvailableModels(ctx, filter)
}

// ===== Asynchronous Jobs =====

// Submit accepts work and returns the pending job immediately. The
// heavy processing happens on the worker pool.
func (o *Orchestrator) Submit(ctx context.Context, source, query, modelHint string, frames []Frame) (*Job, error) {
	if strings.TrimSpace(source) == "" && strings.TrimSpace(query) == "" && len(frames) == 0 {
		return nil, mmerrors.New(mmerrors.KindInvalidInput, "job needs a source, a query, or frames")
	}

	j := NewJob(source, query, modelHint, frames)
	if err := o.store.Create(ctx, j); err != nil {
		return nil, err
	}

	o.logger.Info("job submitted",
		slog.String("job_id", j.ID),
		slog.String("source", j.Source),
		slog.Int("frames", len(j.Frames)),
	)

	o.wg.Add(1)
	go o.run(j.ID)
	return j.Clone(), nil
}

// Get returns a copy of the job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Job, error) {
	return o.store.Get(ctx, id)
}

// List returns copies of all jobs, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]*Job, error) {
	return o.store.List(ctx)
}

// Cancel requests cooperative cancellation. Pending jobs are cancelled
// immediately; processing jobs finish their current step first. Already
// terminal jobs are left untouched.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	o.cancelMu.Lock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
	}
	o.cancelMu.Unlock()

	if j.Status == StatusPending {
		j.setStatus(StatusCancelled)
		return o.store.Update(ctx, j)
	}
	return nil
}

// Close stops accepting background work and waits for in-flight jobs.
func (o *Orchestrator) Close() {
	close(o.done)
	o.wg.Wait()
}

// ===== Worker Path =====

// run executes one job on the worker pool.
func (o *Orchestrator) run(id string) {
	defer o.wg.Done()

	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.cancelMu.Lock()
	o.cancels[id] = cancel
	o.cancelMu.Unlock()
	defer func() {
		o.cancelMu.Lock()
		delete(o.cancels, id)
		o.cancelMu.Unlock()
	}()

	// Blocking ops stay off the submit path; the semaphore bounds how
	// many jobs process at once.
	if err := o.workers.Acquire(jobCtx, 1); err != nil {
		o.finish(id, func(j *Job) {
			j.setStatus(StatusCancelled)
		})
		return
	}
	defer o.workers.Release(1)

	ctx, span := tracer.Start(jobCtx, "job.process")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	j, err := o.store.Get(ctx, id)
	if err != nil {
		o.logger.Error("job vanished before processing", slog.String("job_id", id))
		return
	}
	if j.Status.Terminal() {
		return
	}

	j.setStatus(StatusProcessing)
	j.Progress = 10
	if err := o.store.Update(ctx, j); err != nil {
		o.logger.Error("job update failed",
			slog.String("job_id", id), slog.String("error", err.Error()))
		return
	}

	// Cooperative checkpoint between pickup and the heavy invocation.
	if o.checkCancelled(ctx, id) {
		return
	}

	input, modality := o.payloadFor(j)
	result, err := o.factory.Process(ctx, input, j.ModelHint, modality)

	// A cancel that lands mid-invocation is honored here, at the next
	// checkpoint. The provider call itself is never aborted.
	if o.checkCancelled(ctx, id) {
		return
	}

	switch {
	case err != nil:
		o.finish(id, func(j *Job) {
			j.setStatus(StatusFailed)
			j.Error = err.Error()
			j.Progress = 100
		})
	case !result.Success:
		o.finish(id, func(j *Job) {
			j.setStatus(StatusFailed)
			j.Error = result.Error
			j.Progress = 100
		})
	default:
		o.finish(id, func(j *Job) {
			j.setStatus(StatusCompleted)
			j.Progress = 100
			j.Results = map[string]any{
				"content":  result.Content,
				"model":    result.Model,
				"modality": string(result.Modality),
				"metadata": result.Metadata,
			}
		})
	}
}

// payloadFor maps a job onto a processor input. Jobs carrying frames
// are video work; everything else is treated as a text query.
func (o *Orchestrator) payloadFor(j *Job) (any, processor.Modality) {
	if len(j.Frames) > 0 {
		frames := make([][]byte, len(j.Frames))
		for i, f := range j.Frames {
			frames[i] = f.Payload
		}
		return processor.VideoInput{Frames: frames, Prompt: j.Query}, processor.ModalityVideo
	}
	return j.Query, processor.ModalityText
}

// checkCancelled writes the cancelled terminal state when the job's
// context is done. Returns true when the worker should stop.
func (o *Orchestrator) checkCancelled(ctx context.Context, id string) bool {
	if ctx.Err() == nil {
		return false
	}
	o.finish(id, func(j *Job) {
		j.setStatus(StatusCancelled)
	})
	return true
}

// finish applies a terminal mutation to the stored job. Uses a fresh
// context so a cancelled job still gets its state persisted.
func (o *Orchestrator) finish(id string, mutate func(*Job)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	j, err := o.store.Get(ctx, id)
	if err != nil {
		return
	}
	if j.Status.Terminal() {
		return
	}
	mutate(j)
	if err := o.store.Update(ctx, j); err != nil {
		o.logger.Error("terminal job update failed",
			slog.String("job_id", id), slog.String("error", err.Error()))
		return
	}
	o.logger.Info("job finished",
		slog.String("job_id", id),
		slog.String("status", string(j.Status)),
	)
}

// purgeLoop sweeps terminal jobs past the retention age.
func (o *Orchestrator) purgeLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := o.store.Purge(ctx, time.Now().UTC().Add(-o.retention))
			cancel()
			if err != nil {
				o.logger.Warn("job retention sweep failed",
					slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				o.logger.Info("purged expired jobs", slog.Int("removed", removed))
			}
		}
	}
}
