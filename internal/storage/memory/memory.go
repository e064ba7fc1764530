// Package memory is an in-process reference pipeline.Storage, mirroring
// the shape of the teacher's GORM repos (internal/data/repos/jobs/job_run.go)
// without a database: a mutex-guarded map per table, used by the
// engine's own tests and by examples that don't need Postgres.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/dataflow/pipeline"
)

type resourceRow struct {
	pipeline.ResourceRun
}

type stepKey struct {
	resourceRunID string
	stepName      string
}

// Storage is a mutex-guarded in-memory pipeline.Storage.
type Storage struct {
	mu sync.Mutex

	runs      map[string]*pipeline.PipelineRun
	resources map[string]*resourceRow            // resource_run_id -> row
	byKey     map[string]string                   // (run_id, resource_id) -> resource_run_id
	steps     map[stepKey]*pipeline.StepProgress  // (resource_run_id, step_name) -> row
	artifacts []pipeline.Artifact
}

// New returns an empty Storage.
func New() *Storage {
	return &Storage{
		runs:      make(map[string]*pipeline.PipelineRun),
		resources: make(map[string]*resourceRow),
		byKey:     make(map[string]string),
		steps:     make(map[stepKey]*pipeline.StepProgress),
	}
}

func key(runID, resourceID string) string { return runID + "\x00" + resourceID }

func (s *Storage) CreateRun(_ context.Context, run pipeline.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return nil
	}
	r := run
	s.runs[run.RunID] = &r
	return nil
}

func (s *Storage) CompleteRun(_ context.Context, runID string, status pipeline.RunStatus, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("memory storage: run %q not found", runID)
	}
	now := time.Now().UTC()
	r.Status = status
	r.EndTime = &now
	r.DurationMs = durationMs
	return nil
}

func (s *Storage) GetResourceRunID(_ context.Context, runID, resourceID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key(runID, resourceID)]
	return id, ok, nil
}

func (s *Storage) CreateResourceRunsBatch(_ context.Context, runID string, updates []pipeline.ResourceRunUpdate) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("memory storage: run %q not found", runID)
	}
	ids := make([]string, len(updates))
	for i, u := range updates {
		k := key(runID, u.ResourceID)
		if id, exists := s.byKey[k]; exists {
			ids[i] = id
			continue
		}
		id := uuid.NewString()
		s.byKey[k] = id
		s.resources[id] = &resourceRow{pipeline.ResourceRun{
			ResourceRunID: id,
			RunID:         runID,
			ResourceID:    u.ResourceID,
			ResourceType:  u.ResourceType,
			Status:        pipeline.ResourceProcessing,
			StartTime:     time.Now().UTC(),
		}}
		ids[i] = id
		if run.Status == pipeline.RunPending {
			run.Status = pipeline.RunRunning
		}
		run.TotalCount++
	}
	return ids, nil
}

func (s *Storage) UpdateStepProgressBatch(_ context.Context, _ string, updates []pipeline.StepProgressUpdate) ([]pipeline.StepProgressUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deferred []pipeline.StepProgressUpdate
	for _, u := range updates {
		if _, ok := s.resources[u.ResourceRunID]; !ok {
			deferred = append(deferred, u)
			continue
		}
		k := stepKey{resourceRunID: u.ResourceRunID, stepName: u.StepName}
		s.steps[k] = &pipeline.StepProgress{
			ResourceRunID: u.ResourceRunID,
			StepName:      u.StepName,
			Sequence:      u.Sequence,
			Status:        u.Status,
			StartTime:     u.StartTime,
			EndTime:       u.EndTime,
			DurationMs:    u.DurationMs,
			ErrorMessage:  u.ErrorMessage,
		}
	}
	return deferred, nil
}

func (s *Storage) CompleteResourceRunsBatch(_ context.Context, runID string, updates []pipeline.ResourceCompleteUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("memory storage: run %q not found", runID)
	}
	now := time.Now().UTC()
	for _, u := range updates {
		row, ok := s.resources[u.ResourceRunID]
		if !ok {
			return fmt.Errorf("memory storage: resource_run %q not found", u.ResourceRunID)
		}
		row.Status = u.Status
		row.EndTime = &now
		row.DurationMs = u.DurationMs
		row.ErrorMessage = u.ErrorMessage
		row.ErrorStep = u.ErrorStep
		switch u.Status {
		case pipeline.ResourceCompleted:
			run.CompletedCount++
		case pipeline.ResourceFailed:
			run.FailedCount++
		case pipeline.ResourceSkipped:
			run.SkippedCount++
		}
	}
	return nil
}

func (s *Storage) GetIncompleteResourceIds(_ context.Context, runID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, row := range s.resources {
		if row.RunID != runID {
			continue
		}
		if row.Status != pipeline.ResourceCompleted && row.Status != pipeline.ResourceSkipped {
			out[row.ResourceID] = struct{}{}
		}
	}
	return out, nil
}

// Run returns a copy of the run row, for tests asserting terminal state.
func (s *Storage) Run(runID string) (pipeline.PipelineRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return pipeline.PipelineRun{}, false
	}
	return *r, true
}

// GetRun is the error-returning counterpart to Run, satisfying the same
// narrow read capability internal/httpapi's status server uses against
// internal/storage/postgres.Store.
func (s *Storage) GetRun(_ context.Context, runID string) (pipeline.PipelineRun, bool, error) {
	r, ok := s.Run(runID)
	return r, ok, nil
}

// ResourceByID returns a copy of a resource's row, for tests.
func (s *Storage) ResourceByID(runID, resourceID string) (pipeline.ResourceRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key(runID, resourceID)]
	if !ok {
		return pipeline.ResourceRun{}, false
	}
	row, ok := s.resources[id]
	if !ok {
		return pipeline.ResourceRun{}, false
	}
	return row.ResourceRun, true
}

// StepsFor returns every recorded step for a resource_run_id, for tests.
func (s *Storage) StepsFor(resourceRunID string) []pipeline.StepProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pipeline.StepProgress
	for k, v := range s.steps {
		if k.resourceRunID == resourceRunID {
			out = append(out, *v)
		}
	}
	return out
}
