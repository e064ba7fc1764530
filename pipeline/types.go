// Package pipeline implements the DataFlow engine: a bounded-concurrency,
// record-oriented orchestration library with durable progress tracking,
// artifact capture, and fresh/retry source selection.
package pipeline

import "time"

// RunType distinguishes a run driven by the full input source from one
// driven by an earlier run's incomplete resources.
type RunType string

const (
	RunTypeFresh RunType = "fresh"
	RunTypeRetry RunType = "retry"
)

// RunStatus is the lifecycle state of a PipelineRun. It advances
// monotonically pending -> running -> (completed | failed).
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ResourceStatus is the terminal or in-flight state of a ResourceRun.
type ResourceStatus string

const (
	ResourceProcessing ResourceStatus = "processing"
	ResourceCompleted  ResourceStatus = "completed"
	ResourceFailed     ResourceStatus = "failed"
	ResourceSkipped    ResourceStatus = "skipped"
)

// StepStatus is the state of one stage's outcome for one resource.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// StorageType names where an Artifact's payload actually lives.
type StorageType string

const (
	StorageDatabase    StorageType = "database"
	StorageObjectStore StorageType = "object_store"
	StorageMemory      StorageType = "memory"
)

// PipelineRun is the top-level record of one pipeline execution.
type PipelineRun struct {
	RunID         string
	Category      string
	Name          string
	RunType       RunType
	Status        RunStatus
	StartTime     time.Time
	EndTime       *time.Time
	DurationMs    int64
	TotalCount    int64
	CompletedCount int64
	FailedCount   int64
	SkippedCount  int64
	ParentRunID   string
	Configuration []byte
}

// ResourceRun is one record's traversal of the pipeline within one run.
type ResourceRun struct {
	ResourceRunID string
	RunID         string
	ResourceID    string
	ResourceType  string
	Status        ResourceStatus
	StartTime     time.Time
	EndTime       *time.Time
	DurationMs    int64
	RetryCount    int
	ErrorMessage  string
	ErrorStep     string
}

// StepProgress is one stage's outcome for one resource.
type StepProgress struct {
	ResourceRunID string
	StepName      string
	Sequence      int
	Status        StepStatus
	StartTime     time.Time
	EndTime       *time.Time
	DurationMs    int64
	ErrorMessage  string
}

// Artifact is a named side-channel payload captured during a stage.
// Artifacts are append-only: once persisted they are never updated.
type Artifact struct {
	ArtifactID    string
	ResourceRunID string
	StepName      string
	ArtifactName  string
	StorageType   StorageType
	StoragePath   string
	Data          []byte
	Metadata      map[string]any
	CreatedAt     time.Time
}
