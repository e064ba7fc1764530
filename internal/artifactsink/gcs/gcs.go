// Package gcs is the Google Cloud Storage-backed pipeline.ArtifactSink,
// adapted from the teacher's internal/platform/gcp/bucket.go BucketService
// (same client, same upload idiom, narrowed to the one operation the
// engine needs: a durable batched write per artifact).
package gcs

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/yungbote/dataflow/pipeline"
)

// Sink writes each artifact as an object under its resource_run_id/step
// prefix in a single GCS bucket.
type Sink struct {
	client     *storage.Client
	bucketName string
}

// New opens a GCS client and binds it to bucketName, mirroring the
// teacher's NewBucketServiceWithConfig.
func New(ctx context.Context, bucketName string) (*Sink, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("dataflow gcs sink: bucket name required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("dataflow gcs sink: new client: %w", err)
	}
	return &Sink{client: client, bucketName: bucketName}, nil
}

func (s *Sink) SaveBatch(ctx context.Context, requests []pipeline.ArtifactRequest) ([]pipeline.ArtifactResult, error) {
	bucket := s.client.Bucket(s.bucketName)
	results := make([]pipeline.ArtifactResult, len(requests))
	for i, r := range requests {
		objectKey := fmt.Sprintf("%s/%s/%s-%s", r.ResourceRunID, r.StepName, r.ArtifactName, uuid.NewString())
		w := bucket.Object(objectKey).NewWriter(ctx)
		if metaBlob, err := json.Marshal(r.Metadata); err == nil {
			w.Metadata = map[string]string{"pipeline_metadata": string(metaBlob)}
		}
		if _, err := w.Write(r.Data); err != nil {
			_ = w.Close()
			results[i] = pipeline.ArtifactResult{Err: fmt.Errorf("dataflow gcs sink: write %q: %w", objectKey, err)}
			continue
		}
		if err := w.Close(); err != nil {
			results[i] = pipeline.ArtifactResult{Err: fmt.Errorf("dataflow gcs sink: close %q: %w", objectKey, err)}
			continue
		}
		results[i] = pipeline.ArtifactResult{
			StoragePath: fmt.Sprintf("gs://%s/%s", s.bucketName, objectKey),
			Metadata:    r.Metadata,
		}
	}
	return results, nil
}
