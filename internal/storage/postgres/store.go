// Package postgres is the GORM+Postgres pipeline.Storage implementation,
// grounded on the teacher's internal/data/db/postgres.go (connection
// setup) and internal/data/repos/jobs/job_run.go (idempotent upserts via
// clause.OnConflict, SELECT ... FOR UPDATE SKIP LOCKED-style claiming).
package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/dataflow/pipeline"
)

// Store is the GORM-backed pipeline.Storage.
type Store struct {
	db *gorm.DB
}

// Config holds the connection parameters, mirroring the teacher's
// NewPostgresService env lookups (wired through internal/config).
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// Open connects to Postgres and auto-migrates the engine's four tables.
func Open(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
	)
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("dataflow postgres: connect: %w", err)
	}
	if err := db.AutoMigrate(&pipelineRunModel{}, &resourceRunModel{}, &stepProgressModel{}, &artifactModel{}); err != nil {
		return nil, fmt.Errorf("dataflow postgres: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open *gorm.DB, for tests using sqlite.
func NewWithDB(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) CreateRun(ctx context.Context, run pipeline.PipelineRun) error {
	model := toRunModel(run, run.Configuration)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "run_id"}}, DoNothing: true}).
		Create(&model).Error
}

func (s *Store) CompleteRun(ctx context.Context, runID string, status pipeline.RunStatus, durationMs int64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&pipelineRunModel{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{
			"status":      string(status),
			"end_time":    now,
			"duration_ms": durationMs,
		}).Error
}

// GetRun returns the run row for runID, for the httpapi status surface.
// Not part of pipeline.Storage — it satisfies the narrower
// httpapi.RunReader capability.
func (s *Store) GetRun(ctx context.Context, runID string) (pipeline.PipelineRun, bool, error) {
	var row pipelineRunModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return pipeline.PipelineRun{}, false, nil
		}
		return pipeline.PipelineRun{}, false, err
	}
	return pipeline.PipelineRun{
		RunID:          row.RunID,
		Category:       row.Category,
		Name:           row.Name,
		RunType:        pipeline.RunType(row.RunType),
		Status:         pipeline.RunStatus(row.Status),
		StartTime:      row.StartTime,
		EndTime:        row.EndTime,
		DurationMs:     row.DurationMs,
		TotalCount:     row.TotalCount,
		CompletedCount: row.CompletedCount,
		FailedCount:    row.FailedCount,
		SkippedCount:   row.SkippedCount,
		ParentRunID:    row.ParentRunID,
		Configuration:  []byte(row.Configuration),
	}, true, nil
}

func (s *Store) GetResourceRunID(ctx context.Context, runID, resourceID string) (string, bool, error) {
	var row resourceRunModel
	err := s.db.WithContext(ctx).
		Select("resource_run_id").
		Where("run_id = ? AND resource_id = ?", runID, resourceID).
		First(&row).Error
	if err != nil {
		if gorm.ErrRecordNotFound == err {
			return "", false, nil
		}
		return "", false, err
	}
	return row.ResourceRunID, true, nil
}

// CreateResourceRunsBatch upserts on (run_id, resource_id): a racing
// writer's row wins, this caller just reads back the id. total_resources
// is incremented only for rows this call actually created.
func (s *Store) CreateResourceRunsBatch(ctx context.Context, runID string, updates []pipeline.ResourceRunUpdate) ([]string, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	ids := make([]string, len(updates))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created := int64(0)
		for i, u := range updates {
			id := uuid.NewString()
			model := resourceRunModel{
				ResourceRunID: id,
				RunID:         runID,
				ResourceID:    u.ResourceID,
				ResourceType:  u.ResourceType,
				Status:        string(pipeline.ResourceProcessing),
				StartTime:     time.Now().UTC(),
			}
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "run_id"}, {Name: "resource_id"}},
				DoNothing: true,
			}).Create(&model)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				var existing resourceRunModel
				if err := tx.Select("resource_run_id").
					Where("run_id = ? AND resource_id = ?", runID, u.ResourceID).
					First(&existing).Error; err != nil {
					return err
				}
				ids[i] = existing.ResourceRunID
				continue
			}
			ids[i] = id
			created++
		}
		if created > 0 {
			if err := tx.Model(&pipelineRunModel{}).Where("run_id = ? AND status = ?", runID, string(pipeline.RunPending)).
				Update("status", string(pipeline.RunRunning)).Error; err != nil {
				return err
			}
			if err := tx.Model(&pipelineRunModel{}).Where("run_id = ?", runID).
				Update("total_count", gorm.Expr("total_count + ?", created)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// UpdateStepProgressBatch upserts on (resource_run_id, step_name).
// Updates whose resource_run_id has no matching row yet are returned
// in deferred, per the out-of-order-arrival contract in spec.md §4.3.
func (s *Store) UpdateStepProgressBatch(ctx context.Context, _ string, updates []pipeline.StepProgressUpdate) ([]pipeline.StepProgressUpdate, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(updates))
	seen := make(map[string]bool)
	for _, u := range updates {
		if !seen[u.ResourceRunID] {
			seen[u.ResourceRunID] = true
			ids = append(ids, u.ResourceRunID)
		}
	}
	var existing []resourceRunModel
	if err := s.db.WithContext(ctx).Select("resource_run_id").Where("resource_run_id IN ?", ids).Find(&existing).Error; err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(existing))
	for _, e := range existing {
		known[e.ResourceRunID] = true
	}

	var ready []stepProgressModel
	var deferred []pipeline.StepProgressUpdate
	for _, u := range updates {
		if !known[u.ResourceRunID] {
			deferred = append(deferred, u)
			continue
		}
		ready = append(ready, stepProgressModel{
			ResourceRunID: u.ResourceRunID,
			StepName:      u.StepName,
			Sequence:      u.Sequence,
			Status:        string(u.Status),
			StartTime:     u.StartTime,
			EndTime:       u.EndTime,
			DurationMs:    u.DurationMs,
			ErrorMessage:  u.ErrorMessage,
		})
	}
	if len(ready) == 0 {
		return deferred, nil
	}
	// A single INSERT ... ON CONFLICT cannot touch the same row twice, so
	// only the last update for each (resource_run_id, step_name) in the
	// batch is written.
	last := make(map[[2]string]int, len(ready))
	for i, m := range ready {
		last[[2]string{m.ResourceRunID, m.StepName}] = i
	}
	rows := make([]stepProgressModel, 0, len(last))
	for i, m := range ready {
		if last[[2]string{m.ResourceRunID, m.StepName}] == i {
			rows = append(rows, m)
		}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_run_id"}, {Name: "step_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"sequence", "status", "start_time", "end_time", "duration_ms", "error_message"}),
	}).Create(&rows).Error
	if err != nil {
		return nil, err
	}
	return deferred, nil
}

func (s *Store) CompleteResourceRunsBatch(ctx context.Context, runID string, updates []pipeline.ResourceCompleteUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counts := map[pipeline.ResourceStatus]int64{}
		for _, u := range updates {
			if err := tx.Model(&resourceRunModel{}).Where("resource_run_id = ?", u.ResourceRunID).
				Updates(map[string]any{
					"status":        string(u.Status),
					"end_time":      now,
					"duration_ms":   u.DurationMs,
					"error_message": u.ErrorMessage,
					"error_step":    u.ErrorStep,
				}).Error; err != nil {
				return err
			}
			counts[u.Status]++
		}
		for status, n := range counts {
			col := map[pipeline.ResourceStatus]string{
				pipeline.ResourceCompleted: "completed_count",
				pipeline.ResourceFailed:    "failed_count",
				pipeline.ResourceSkipped:   "skipped_count",
			}[status]
			if col == "" {
				continue
			}
			if err := tx.Model(&pipelineRunModel{}).Where("run_id = ?", runID).
				Update(col, gorm.Expr(col+" + ?", n)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetIncompleteResourceIds(ctx context.Context, runID string) (map[string]struct{}, error) {
	var rows []resourceRunModel
	if err := s.db.WithContext(ctx).Select("resource_id").
		Where("run_id = ? AND status NOT IN ?", runID, []string{string(pipeline.ResourceCompleted), string(pipeline.ResourceSkipped)}).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		out[r.ResourceID] = struct{}{}
	}
	return out, nil
}
