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
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianMM/services/multimodal/mmerrors"
)

// Store persists jobs.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; workers and HTTP
// handlers hit the store from separate goroutines.
type Store interface {
	// Create persists a new job. Fails on duplicate ID.
	Create(ctx context.Context, j *Job) error

	// Get returns a copy of the job, or a NotFound error.
	Get(ctx context.Context, id string) (*Job, error)

	// Update overwrites the stored job. Fails NotFound if absent.
	Update(ctx context.Context, j *Job) error

	// List returns copies of all jobs, newest first.
	List(ctx context.Context) ([]*Job, error)

	// Purge removes terminal jobs whose last update is older than the
	// cutoff and returns how many were removed.
	Purge(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// ===== In-Memory Store =====

// MemoryStore keeps jobs in a map. Suitable for tests and for servers
// that do not need job history across restarts.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return mmerrors.New(mmerrors.KindInvalidInput, "job already exists: "+j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, mmerrors.New(mmerrors.KindNotFound, "job not found: "+id)
	}
	return j.Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return mmerrors.New(mmerrors.KindNotFound, "job not found: "+j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Compile-time interface compliance check.
var _ Store = (*MemoryStore)(nil)
