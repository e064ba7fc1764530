package postgres

import (
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/dataflow/pipeline"
)

// pipelineRunModel mirrors pipeline.PipelineRun as a GORM row, grounded
// on the teacher's JobRun model (internal/domain) and job_run.go repo.
// Configuration is gorm.io/datatypes.JSON, the teacher's column type for
// opaque JSON blobs (internal/modules/library/steps/taxonomy_route.go),
// in place of a raw []byte + manual json.Marshal.
type pipelineRunModel struct {
	RunID          string `gorm:"primaryKey;column:run_id"`
	Category       string `gorm:"column:category;index"`
	Name           string `gorm:"column:name"`
	RunType        string `gorm:"column:run_type"`
	Status         string `gorm:"column:status;index"`
	StartTime      time.Time
	EndTime        *time.Time
	DurationMs     int64
	TotalCount     int64
	CompletedCount int64
	FailedCount    int64
	SkippedCount   int64
	ParentRunID    string         `gorm:"column:parent_run_id;index"`
	Configuration  datatypes.JSON `gorm:"column:configuration"`
}

func (pipelineRunModel) TableName() string { return "pipeline_runs" }

// resourceRunModel mirrors pipeline.ResourceRun.
type resourceRunModel struct {
	ResourceRunID string `gorm:"primaryKey;column:resource_run_id"`
	RunID         string `gorm:"column:run_id;uniqueIndex:idx_run_resource"`
	ResourceID    string `gorm:"column:resource_id;uniqueIndex:idx_run_resource"`
	ResourceType  string `gorm:"column:resource_type"`
	Status        string `gorm:"column:status;index"`
	StartTime     time.Time
	EndTime       *time.Time
	DurationMs    int64
	RetryCount    int
	ErrorMessage  string
	ErrorStep     string
}

func (resourceRunModel) TableName() string { return "resource_runs" }

// stepProgressModel mirrors pipeline.StepProgress.
type stepProgressModel struct {
	ResourceRunID string `gorm:"primaryKey;column:resource_run_id;uniqueIndex:idx_resource_step"`
	StepName      string `gorm:"primaryKey;column:step_name;uniqueIndex:idx_resource_step"`
	Sequence      int
	Status        string `gorm:"column:status"`
	StartTime     time.Time
	EndTime       *time.Time
	DurationMs    int64
	ErrorMessage  string
}

func (stepProgressModel) TableName() string { return "step_progress" }

// artifactModel mirrors pipeline.Artifact.
type artifactModel struct {
	ArtifactID    string `gorm:"primaryKey;column:artifact_id"`
	ResourceRunID string `gorm:"column:resource_run_id;index"`
	StepName      string `gorm:"column:step_name"`
	ArtifactName  string `gorm:"column:artifact_name"`
	StorageType   string `gorm:"column:storage_type"`
	StoragePath   string `gorm:"column:storage_path"`
	Data          []byte         `gorm:"column:data"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`
	CreatedAt     time.Time
}

func (artifactModel) TableName() string { return "artifacts" }

func toRunModel(r pipeline.PipelineRun, configBlob []byte) pipelineRunModel {
	var cfg datatypes.JSON
	if len(configBlob) > 0 {
		cfg = datatypes.JSON(configBlob)
	}
	return pipelineRunModel{
		RunID:         r.RunID,
		Category:      r.Category,
		Name:          r.Name,
		RunType:       string(r.RunType),
		Status:        string(r.Status),
		StartTime:     r.StartTime,
		ParentRunID:   r.ParentRunID,
		Configuration: cfg,
	}
}
