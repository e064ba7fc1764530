package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

// countingStorage counts CreateResourceRunsBatch calls and always
// returns one fresh id per call, simulating a store where GetResourceRunID
// never finds an existing row (every caller is a genuine first-sight).
type countingStorage struct {
	noopStorage
	creates atomic.Int64
}

func (s *countingStorage) GetResourceRunID(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}

func (s *countingStorage) CreateResourceRunsBatch(_ context.Context, _ string, updates []ResourceRunUpdate) ([]string, error) {
	n := s.creates.Add(1)
	ids := make([]string, len(updates))
	for i := range updates {
		ids[i] = "id-" + string(rune('a'+int(n)-1))
	}
	return ids, nil
}

// noopStorage satisfies Storage with zero-value no-op methods, so
// countingStorage only needs to override what it actually uses.
type noopStorage struct{}

func (noopStorage) CreateRun(context.Context, PipelineRun) error { return nil }
func (noopStorage) CompleteRun(context.Context, string, RunStatus, int64) error {
	return nil
}
func (noopStorage) GetResourceRunID(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}
func (noopStorage) CreateResourceRunsBatch(context.Context, string, []ResourceRunUpdate) ([]string, error) {
	return nil, nil
}
func (noopStorage) UpdateStepProgressBatch(context.Context, string, []StepProgressUpdate) ([]StepProgressUpdate, error) {
	return nil, nil
}
func (noopStorage) CompleteResourceRunsBatch(context.Context, string, []ResourceCompleteUpdate) error {
	return nil
}
func (noopStorage) GetIncompleteResourceIds(context.Context, string) (map[string]struct{}, error) {
	return nil, nil
}

// Concurrent resolve() calls for the same (run_id, resource_id) pair
// coalesce into a single storage create, per spec.md §4.5's "coalesced
// get-or-create" requirement, grounded on golang.org/x/sync/singleflight.
func TestResourceRunCacheCoalescesConcurrentResolves(t *testing.T) {
	storage := &countingStorage{}
	cache := newResourceRunCache(storage, newHandlePool(8))

	const n = 50
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := cache.resolve(context.Background(), "run-1", "resource-1", "widget")
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	if got := storage.creates.Load(); got != 1 {
		t.Fatalf("expected exactly 1 CreateResourceRunsBatch call, got %d", got)
	}
	first := ids[0]
	if first == "" {
		t.Fatalf("expected a non-empty resolved id")
	}
	for i, id := range ids {
		if id != first {
			t.Fatalf("caller %d got id %q, want %q (every caller must observe the same id)", i, id, first)
		}
	}
}

// A second, distinct resource_id resolves independently of the first.
func TestResourceRunCacheDistinctKeysDoNotCoalesce(t *testing.T) {
	storage := &countingStorage{}
	cache := newResourceRunCache(storage, newHandlePool(8))

	id1, err := cache.resolve(context.Background(), "run-1", "resource-1", "widget")
	if err != nil {
		t.Fatalf("resolve resource-1: %v", err)
	}
	id2, err := cache.resolve(context.Background(), "run-1", "resource-2", "widget")
	if err != nil {
		t.Fatalf("resolve resource-2: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct ids for distinct resources, got %q for both", id1)
	}
	if got := storage.creates.Load(); got != 2 {
		t.Fatalf("expected 2 CreateResourceRunsBatch calls, got %d", got)
	}

	// Re-resolving resource-1 must hit the in-process resolved cache, not
	// issue a third create.
	again, err := cache.resolve(context.Background(), "run-1", "resource-1", "widget")
	if err != nil {
		t.Fatalf("resolve resource-1 again: %v", err)
	}
	if again != id1 {
		t.Fatalf("expected cached id %q on re-resolve, got %q", id1, again)
	}
	if got := storage.creates.Load(); got != 2 {
		t.Fatalf("expected still 2 CreateResourceRunsBatch calls after a cached re-resolve, got %d", got)
	}
}
