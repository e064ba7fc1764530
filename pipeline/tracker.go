package pipeline

import (
	"context"
	"sync"
	"time"
)

// mirrorEntry is the tracker's in-memory summary of one resource,
// guarded by its own lock (spec.md §5: "a lock per resource key rather
// than a global lock"). It exists only to let finalize() decide the
// run's terminal status; it is never read from storage.
type mirrorEntry struct {
	mu     sync.Mutex
	status ResourceStatus
	steps  map[string]StepStatus
}

// tracker is the pipeline's ledger-writer: it owns three independent
// batching streams (resource_start, step_progress, resource_complete),
// each with its own consumer goroutine, per spec.md §4.3.
type tracker struct {
	pctx    *Context
	storage Storage
	runID   string

	startQ    *unboundedQueue[ResourceRunUpdate]
	stepQ     *unboundedQueue[StepProgressUpdate]
	completeQ *unboundedQueue[ResourceCompleteUpdate]

	wg sync.WaitGroup

	fatalMu  sync.Mutex
	fatalErr error

	mirrorMu sync.Mutex
	mirror   map[string]*mirrorEntry // resourceID -> entry

	seqMu   sync.Mutex
	nextSeq map[string]int            // resourceRunID -> next sequence value
	seqOf   map[string]map[string]int // resourceRunID -> stepName -> assigned sequence
}

func newTracker(pctx *Context) *tracker {
	return &tracker{
		pctx:      pctx,
		storage:   pctx.storage,
		runID:     pctx.RunID,
		startQ:    newUnboundedQueue[ResourceRunUpdate](),
		stepQ:     newUnboundedQueue[StepProgressUpdate](),
		completeQ: newUnboundedQueue[ResourceCompleteUpdate](),
		mirror:    make(map[string]*mirrorEntry),
		nextSeq:   make(map[string]int),
		seqOf:     make(map[string]map[string]int),
	}
}

func (t *tracker) start() {
	t.wg.Add(3)
	go (&batchConsumer[ResourceRunUpdate]{
		queue:         t.startQ,
		batchSize:     t.pctx.cfg.ProgressBatchSizeStart,
		flushInterval: time.Duration(t.pctx.cfg.ProgressFlushIntervalStartMs) * time.Millisecond,
		flush:         t.flushStart,
		onFatal:       t.reportFatal,
	}).run(&t.wg)
	go (&batchConsumer[StepProgressUpdate]{
		queue:         t.stepQ,
		batchSize:     t.pctx.cfg.ProgressBatchSizeStep,
		flushInterval: time.Duration(t.pctx.cfg.ProgressFlushIntervalStepMs) * time.Millisecond,
		flush:         t.flushStep,
		onFatal:       t.reportFatal,
	}).run(&t.wg)
	go (&batchConsumer[ResourceCompleteUpdate]{
		queue:         t.completeQ,
		batchSize:     t.pctx.cfg.ProgressBatchSizeComplete,
		flushInterval: time.Duration(t.pctx.cfg.ProgressFlushIntervalCompleteMs) * time.Millisecond,
		flush:         t.flushComplete,
		onFatal:       t.reportFatal,
	}).run(&t.wg)
}

func (t *tracker) reportFatal(err error) {
	t.fatalMu.Lock()
	if t.fatalErr == nil {
		t.fatalErr = &FatalError{Stage: "progress_flush", Err: err}
	}
	t.fatalMu.Unlock()
	t.pctx.Log.Error("progress persistence flush failed; run will be torn down", "error", err)
}

func (t *tracker) Err() error {
	t.fatalMu.Lock()
	defer t.fatalMu.Unlock()
	return t.fatalErr
}

// flushStart, flushStep and flushComplete each rent a handle from the
// context's handlePool before touching storage, per spec.md §4.6 — the
// same pool the resource-run cache rents from, so the three tracker
// streams and cache misses share one bound on concurrent storage access.
// All three use a detached copy of the run's context: on cancellation
// mid-run, the final drain-then-exit flush must still be able to
// persist records for resources that already reached a terminal step
// (spec.md §4.2/§5 "drain whatever they have already received"), which
// a context already cancelled by the same signal cannot do.

func (t *tracker) flushStart(batch []ResourceRunUpdate) ([]ResourceRunUpdate, error) {
	ctx := context.WithoutCancel(t.pctx.Ctx)
	if err := t.pctx.handlePool.rent(ctx); err != nil {
		return nil, err
	}
	defer t.pctx.handlePool.give()
	_, err := t.storage.CreateResourceRunsBatch(ctx, t.runID, batch)
	return nil, err
}

func (t *tracker) flushStep(batch []StepProgressUpdate) ([]StepProgressUpdate, error) {
	ctx := context.WithoutCancel(t.pctx.Ctx)
	if err := t.pctx.handlePool.rent(ctx); err != nil {
		return nil, err
	}
	defer t.pctx.handlePool.give()
	return t.storage.UpdateStepProgressBatch(ctx, t.runID, batch)
}

func (t *tracker) flushComplete(batch []ResourceCompleteUpdate) ([]ResourceCompleteUpdate, error) {
	ctx := context.WithoutCancel(t.pctx.Ctx)
	if err := t.pctx.handlePool.rent(ctx); err != nil {
		return nil, err
	}
	defer t.pctx.handlePool.give()
	err := t.storage.CompleteResourceRunsBatch(ctx, t.runID, batch)
	return nil, err
}

func (t *tracker) entry(resourceID string) *mirrorEntry {
	t.mirrorMu.Lock()
	defer t.mirrorMu.Unlock()
	e, ok := t.mirror[resourceID]
	if !ok {
		e = &mirrorEntry{status: ResourceProcessing, steps: make(map[string]StepStatus)}
		t.mirror[resourceID] = e
	}
	return e
}

// RecordResourceStart resolves (and, on first appearance, creates) the
// resource_run_id for resourceID via the single-flight resource-run
// cache, then enqueues an idempotent create onto the batched
// resource_start stream for bulk bookkeeping. Both paths write the same
// idempotent row, so duplicate creation is harmless.
func (t *tracker) RecordResourceStart(resourceID, resourceType string) (string, error) {
	id, err := t.pctx.cache.resolve(t.pctx.Ctx, t.runID, resourceID, resourceType)
	if err != nil {
		return "", err
	}
	t.entry(resourceID).status = ResourceProcessing
	t.startQ.push(ResourceRunUpdate{ResourceID: resourceID, ResourceType: resourceType})
	return id, nil
}

func (t *tracker) nextSequence(resourceRunID, stepName string) int {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	steps, ok := t.seqOf[resourceRunID]
	if !ok {
		steps = make(map[string]int)
		t.seqOf[resourceRunID] = steps
	}
	if seq, ok := steps[stepName]; ok {
		return seq
	}
	seq := t.nextSeq[resourceRunID] + 1
	t.nextSeq[resourceRunID] = seq
	steps[stepName] = seq
	return seq
}

// RecordStepStart records a stage's in-progress state for one resource.
func (t *tracker) RecordStepStart(resourceID, resourceRunID, stepName string) {
	seq := t.nextSequence(resourceRunID, stepName)
	now := time.Now().UTC()
	e := t.entry(resourceID)
	e.mu.Lock()
	e.steps[stepName] = StepInProgress
	e.mu.Unlock()
	t.stepQ.push(StepProgressUpdate{
		ResourceRunID: resourceRunID,
		StepName:      stepName,
		Sequence:      seq,
		Status:        StepInProgress,
		StartTime:     now,
	})
}

// RecordStepComplete records a stage's successful outcome.
func (t *tracker) RecordStepComplete(resourceID, resourceRunID, stepName string, durationMs int64) {
	seq := t.nextSequence(resourceRunID, stepName)
	now := time.Now().UTC()
	e := t.entry(resourceID)
	e.mu.Lock()
	e.steps[stepName] = StepCompleted
	e.mu.Unlock()
	t.stepQ.push(StepProgressUpdate{
		ResourceRunID: resourceRunID,
		StepName:      stepName,
		Sequence:      seq,
		Status:        StepCompleted,
		EndTime:       &now,
		DurationMs:    durationMs,
	})
}

// RecordStepFailed records a stage's failed outcome.
func (t *tracker) RecordStepFailed(resourceID, resourceRunID, stepName string, durationMs int64, errMsg string) {
	seq := t.nextSequence(resourceRunID, stepName)
	now := time.Now().UTC()
	e := t.entry(resourceID)
	e.mu.Lock()
	e.steps[stepName] = StepFailed
	e.mu.Unlock()
	t.stepQ.push(StepProgressUpdate{
		ResourceRunID: resourceRunID,
		StepName:      stepName,
		Sequence:      seq,
		Status:        StepFailed,
		EndTime:       &now,
		DurationMs:    durationMs,
		ErrorMessage:  errMsg,
	})
}

// RecordResourceComplete records a resource's terminal outcome. Called
// once a resource (or, for a fanned-out root, all of its children)
// reaches a terminal stage.
func (t *tracker) RecordResourceComplete(resourceID, resourceRunID string, status ResourceStatus, durationMs int64, errMsg, errStep string) {
	e := t.entry(resourceID)
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	t.completeQ.push(ResourceCompleteUpdate{
		ResourceRunID: resourceRunID,
		Status:        status,
		DurationMs:    durationMs,
		ErrorMessage:  errMsg,
		ErrorStep:     errStep,
	})
}

// hasIncomplete reports whether any resource in the in-memory mirror is
// not in a clean terminal state — used by finalize to pick the run's
// terminal status. "Incomplete" mirrors GetIncompleteResourceIds: any
// status other than completed or skipped, so a resource that failed
// (not just one still processing) marks the whole run failed (spec.md
// §4.6 "writes the run's final status (completed if no incomplete
// resources remain, failed otherwise)").
func (t *tracker) hasIncomplete() bool {
	t.mirrorMu.Lock()
	defer t.mirrorMu.Unlock()
	for _, e := range t.mirror {
		e.mu.Lock()
		incomplete := e.status != ResourceCompleted && e.status != ResourceSkipped
		e.mu.Unlock()
		if incomplete {
			return true
		}
	}
	return false
}

// finalize completes all three writer queues, awaits their drain, then
// writes the run's final status.
func (t *tracker) finalize() error {
	startedAt := time.Now()
	t.startQ.close()
	t.stepQ.close()
	t.completeQ.close()
	t.wg.Wait()

	if err := t.Err(); err != nil {
		return err
	}

	status := RunCompleted
	if t.hasIncomplete() {
		status = RunFailed
	}
	durationMs := time.Since(startedAt).Milliseconds()
	if err := t.storage.CompleteRun(context.WithoutCancel(t.pctx.Ctx), t.runID, status, durationMs); err != nil {
		return &FatalError{Stage: "complete_run", Err: err}
	}
	return nil
}
