package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/dataflow/pipeline"
)

// ArtifactSink persists artifacts directly in the pipeline database
// (StorageType database), for callers that don't need an object store —
// spec.md §4.4 names database storage as a valid ArtifactSink backend
// alongside an external blob store.
type ArtifactSink struct {
	store *Store
}

// NewArtifactSink wraps an already-open Store.
func NewArtifactSink(store *Store) *ArtifactSink { return &ArtifactSink{store: store} }

func (a *ArtifactSink) SaveBatch(ctx context.Context, requests []pipeline.ArtifactRequest) ([]pipeline.ArtifactResult, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	rows := make([]artifactModel, len(requests))
	results := make([]pipeline.ArtifactResult, len(requests))
	for i, r := range requests {
		id := uuid.NewString()
		metaBlob, _ := json.Marshal(r.Metadata)
		rows[i] = artifactModel{
			ArtifactID:    id,
			ResourceRunID: r.ResourceRunID,
			StepName:      r.StepName,
			ArtifactName:  r.ArtifactName,
			StorageType:   string(pipeline.StorageDatabase),
			StoragePath:   "db://" + id,
			Data:          r.Data,
			Metadata:      datatypes.JSON(metaBlob),
			CreatedAt:     now,
		}
		results[i] = pipeline.ArtifactResult{StoragePath: rows[i].StoragePath, Metadata: r.Metadata}
	}
	if err := a.store.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return results, nil
}
