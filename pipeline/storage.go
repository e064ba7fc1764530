package pipeline

import (
	"context"
	"time"
)

// ResourceRunUpdate is one (resource_id, resource_type) pair the engine
// wants a ResourceRun row to exist for.
type ResourceRunUpdate struct {
	ResourceID   string
	ResourceType string
}

// StepProgressUpdate is one stage outcome the tracker wants persisted
// against a resource_run_id.
type StepProgressUpdate struct {
	ResourceRunID string
	StepName      string
	Sequence      int
	Status        StepStatus
	StartTime     time.Time
	EndTime       *time.Time
	DurationMs    int64
	ErrorMessage  string
}

// ResourceCompleteUpdate is a terminal status write for one resource_run_id.
type ResourceCompleteUpdate struct {
	ResourceRunID string
	Status        ResourceStatus
	DurationMs    int64
	ErrorMessage  string
	ErrorStep     string
}

// Storage is the narrow persistence contract the engine writes through.
// Implementations may back it with any store (relational, embedded,
// in-memory); the engine never assumes a concrete schema beyond this
// interface. See spec.md §6.1.
type Storage interface {
	// CreateRun is idempotent on run_id: on conflict it leaves the
	// existing row untouched.
	CreateRun(ctx context.Context, run PipelineRun) error

	// CompleteRun sets end_time, duration_ms and status on the run row.
	CompleteRun(ctx context.Context, runID string, status RunStatus, durationMs int64) error

	// GetResourceRunID is a lookup only; it does not create a row.
	GetResourceRunID(ctx context.Context, runID, resourceID string) (resourceRunID string, found bool, err error)

	// CreateResourceRunsBatch is idempotent on (run_id, resource_id). It
	// increments the run's total_resources by the number of newly
	// created rows and transitions the run pending -> running on the
	// first create. It returns the resource_run_id assigned to each
	// update, in the same order as the input slice.
	CreateResourceRunsBatch(ctx context.Context, runID string, updates []ResourceRunUpdate) (resourceRunIDs []string, err error)

	// UpdateStepProgressBatch upserts (resource_run_id, step_name) rows.
	// Any update whose resource_run_id is not yet known to storage is
	// returned in deferred for the tracker to retry in a later batch.
	UpdateStepProgressBatch(ctx context.Context, runID string, updates []StepProgressUpdate) (deferred []StepProgressUpdate, err error)

	// CompleteResourceRunsBatch updates ResourceRun status/timing and the
	// run's aggregate counters.
	CompleteResourceRunsBatch(ctx context.Context, runID string, updates []ResourceCompleteUpdate) error

	// GetIncompleteResourceIds returns resource_ids whose status is not
	// in {completed, skipped} for the given run.
	GetIncompleteResourceIds(ctx context.Context, runID string) (map[string]struct{}, error)
}

// ArtifactRequest is one enqueued artifact capture.
type ArtifactRequest struct {
	ResourceRunID string
	StepName      string
	ArtifactName  string
	StorageType   StorageType
	Data          []byte
	Metadata      map[string]any
}

// ArtifactResult is the sink's per-request outcome.
type ArtifactResult struct {
	StoragePath string
	Metadata    map[string]any
	Err         error
}

// ArtifactSink is the narrow contract the artifact batcher flushes
// through. SaveBatch must be atomic per request: each request either
// persists and reports success, or leaves no trace and reports
// failure. See spec.md §6.2.
type ArtifactSink interface {
	SaveBatch(ctx context.Context, requests []ArtifactRequest) ([]ArtifactResult, error)
}
