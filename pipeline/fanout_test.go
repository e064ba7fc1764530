package pipeline_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	storagemem "github.com/yungbote/dataflow/internal/storage/memory"
	"github.com/yungbote/dataflow/pipeline"
)

type parentRecord struct {
	ID       string
	ChildIdx int
}

type childRecord struct {
	ParentID string
	ChildID  string
}

// Scenario 5 (spec.md §8): 2 parent records, TransformMany expands each
// into 3 children. 6 items reach the terminal stage; each parent's
// ResourceRun only completes once all 3 of its children finish.
func TestFanOutParentCompletesAfterAllChildren(t *testing.T) {
	store := storagemem.New()
	pctx := newTestContext(t, store, nil, pipeline.RunTypeFresh, "")

	parents := []parentRecord{{ID: "parent-1"}, {ID: "parent-2"}}
	source := pipeline.SliceSource(parents, func(p parentRecord) string { return p.ID })

	b, err := pipeline.New[parentRecord](pctx, source)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	expanded := pipeline.TransformMany(b, "expand", func(_ context.Context, _ *pipeline.Context, p parentRecord) ([]childRecord, error) {
		out := make([]childRecord, 3)
		for i := 0; i < 3; i++ {
			out[i] = childRecord{ParentID: p.ID, ChildID: fmt.Sprintf("%s-child-%d", p.ID, i)}
		}
		return out, nil
	})

	var terminalCount atomic.Int64
	if err := pipeline.Complete(expanded, func(_ context.Context, _ *pipeline.Context, _ childRecord) error {
		terminalCount.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got := terminalCount.Load(); got != 6 {
		t.Fatalf("expected 6 items through the terminal stage, got %d", got)
	}

	run, ok := store.Run(pctx.RunID)
	if !ok {
		t.Fatalf("run not found")
	}
	if run.Status != pipeline.RunCompleted {
		t.Fatalf("expected run completed, got %s", run.Status)
	}
	if run.CompletedCount != 2 {
		t.Fatalf("expected 2 completed parent resources, got %d", run.CompletedCount)
	}
	if run.TotalCount != 2 {
		t.Fatalf("expected 2 total resources (roots, not children), got %d", run.TotalCount)
	}

	for _, p := range parents {
		row, ok := store.ResourceByID(pctx.RunID, p.ID)
		if !ok {
			t.Fatalf("parent resource %q not recorded", p.ID)
		}
		if row.Status != pipeline.ResourceCompleted {
			t.Fatalf("parent %q: expected completed, got %s", p.ID, row.Status)
		}
		steps := store.StepsFor(row.ResourceRunID)
		// expand and final each upsert one row keyed by the shared
		// resource_run_id: all 3 children write the same (resource_run_id,
		// "final") key, so the row count stays 2 per parent regardless of
		// fan-out width.
		if len(steps) != 2 {
			t.Fatalf("parent %q: expected 2 step rows, got %d", p.ID, len(steps))
		}
	}
}

// One child failing fails only that child's line; the sibling children
// and the parent resource still reach their own terminal outcomes, but
// the parent is recorded failed because not every child succeeded.
func TestFanOutSingleChildFailureFailsParentOnly(t *testing.T) {
	store := storagemem.New()
	pctx := newTestContext(t, store, nil, pipeline.RunTypeFresh, "")

	parents := []parentRecord{{ID: "p-a"}, {ID: "p-b"}}
	source := pipeline.SliceSource(parents, func(p parentRecord) string { return p.ID })

	b, err := pipeline.New[parentRecord](pctx, source)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	expanded := pipeline.TransformMany(b, "expand", func(_ context.Context, _ *pipeline.Context, p parentRecord) ([]childRecord, error) {
		out := make([]childRecord, 3)
		for i := 0; i < 3; i++ {
			out[i] = childRecord{ParentID: p.ID, ChildID: fmt.Sprintf("%s-child-%d", p.ID, i)}
		}
		return out, nil
	})
	validated := pipeline.Transform(expanded, "validate", func(_ context.Context, _ *pipeline.Context, c childRecord) (childRecord, error) {
		if c.ParentID == "p-a" && c.ChildID == "p-a-child-1" {
			return c, fmt.Errorf("validation failed for %s", c.ChildID)
		}
		return c, nil
	})

	var terminalCount atomic.Int64
	if err := pipeline.Complete(validated, func(_ context.Context, _ *pipeline.Context, _ childRecord) error {
		terminalCount.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Only the 5 surviving children (p-a has 2, p-b has 3) reach the
	// terminal action; the failed child is dropped from the chain.
	if got := terminalCount.Load(); got != 5 {
		t.Fatalf("expected 5 items through the terminal stage, got %d", got)
	}

	run, ok := store.Run(pctx.RunID)
	if !ok {
		t.Fatalf("run not found")
	}
	if run.CompletedCount != 1 || run.FailedCount != 1 {
		t.Fatalf("expected 1 completed + 1 failed parent, got completed=%d failed=%d", run.CompletedCount, run.FailedCount)
	}

	rowA, ok := store.ResourceByID(pctx.RunID, "p-a")
	if !ok {
		t.Fatalf("parent p-a not recorded")
	}
	if rowA.Status != pipeline.ResourceFailed {
		t.Fatalf("expected p-a failed (one child failed), got %s", rowA.Status)
	}
	if rowA.ErrorStep != "validate" {
		t.Fatalf("expected p-a error_step validate, got %q", rowA.ErrorStep)
	}

	rowB, ok := store.ResourceByID(pctx.RunID, "p-b")
	if !ok {
		t.Fatalf("parent p-b not recorded")
	}
	if rowB.Status != pipeline.ResourceCompleted {
		t.Fatalf("expected p-b completed (no failing children), got %s", rowB.Status)
	}
}
