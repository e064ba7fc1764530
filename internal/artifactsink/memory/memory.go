// Package memory is an in-process reference pipeline.ArtifactSink,
// used by the engine's tests in place of GCS.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/dataflow/pipeline"
)

// Sink stores every saved artifact's bytes in memory, keyed by the
// path it assigns.
type Sink struct {
	mu    sync.Mutex
	byPath map[string]pipeline.ArtifactRequest
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{byPath: make(map[string]pipeline.ArtifactRequest)}
}

func (s *Sink) SaveBatch(_ context.Context, requests []pipeline.ArtifactRequest) ([]pipeline.ArtifactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.ArtifactResult, len(requests))
	for i, r := range requests {
		path := fmt.Sprintf("memory://%s/%s/%s", r.ResourceRunID, r.StepName, uuid.NewString())
		s.byPath[path] = r
		out[i] = pipeline.ArtifactResult{StoragePath: path, Metadata: r.Metadata}
	}
	return out, nil
}

// Get returns the request stored at path, for tests.
func (s *Sink) Get(path string) (pipeline.ArtifactRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byPath[path]
	return r, ok
}

// Len returns the number of artifacts saved so far.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPath)
}
