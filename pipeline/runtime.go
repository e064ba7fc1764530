package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// rootAgg tracks one root resource's in-flight item count across stage
// boundaries, so a fanned-out resource (spec.md §4.2) is marked complete
// exactly once, after every child it produced reaches a terminal state.
// A non-fanned-out resource is the degenerate case: pending starts and
// stays at 1 until the single item finishes or fails.
type rootAgg struct {
	pending       int64
	failed        bool
	errMsg        string
	errStep       string
	resourceRunID string
	start         time.Time
	finished      bool
}

// runtime executes the stage chain a Builder assembles. It is untyped:
// generics live only in the Builder/Transform/TransformMany wrappers
// that build each stageNode's closure.
type runtime struct {
	pctx     *Context
	sourceFn func(ctx context.Context, emit func(resourceID string, payload any) bool) error
	stages   []stageNode

	aggMu sync.Mutex
	aggs  map[string]*rootAgg
}

func newRuntime(pctx *Context) *runtime {
	return &runtime{pctx: pctx, aggs: make(map[string]*rootAgg)}
}

func (rt *runtime) aggLocked(resourceID string) *rootAgg {
	a, ok := rt.aggs[resourceID]
	if !ok {
		a = &rootAgg{start: time.Now()}
		rt.aggs[resourceID] = a
	}
	return a
}

// adjustPending changes the in-flight count for resourceID's root by
// delta, finishing the root once it reaches zero. delta is positive for
// fan-out (one item became many) and negative when an item leaves the
// pipeline (reaches the last stage, or is dropped/failed mid-chain).
func (rt *runtime) adjustPending(resourceID string, delta int64) {
	if delta == 0 {
		return
	}
	rt.aggMu.Lock()
	a := rt.aggLocked(resourceID)
	a.pending += delta
	shouldFinish := a.pending <= 0 && !a.finished
	if shouldFinish {
		a.finished = true
	}
	resourceRunID, failed, errMsg, errStep, start := a.resourceRunID, a.failed, a.errMsg, a.errStep, a.start
	rt.aggMu.Unlock()

	if shouldFinish {
		status := ResourceCompleted
		if failed {
			status = ResourceFailed
		}
		rt.pctx.tracker.RecordResourceComplete(resourceID, resourceRunID, status, time.Since(start).Milliseconds(), errMsg, errStep)
	}
}

// failRoot marks it's root failed (first failure wins the recorded
// error/step) and retires the failing item's pending slot.
func (rt *runtime) failRoot(it item, step string, err error) {
	rt.aggMu.Lock()
	a := rt.aggLocked(it.resourceID)
	if !a.failed {
		a.failed = true
		a.errMsg = err.Error()
		a.errStep = step
	}
	rt.aggMu.Unlock()
	rt.adjustPending(it.resourceID, -1)
}

// registerRoot establishes the root's baseline pending count of 1 when
// an item first enters the pipeline from the source.
func (rt *runtime) registerRoot(resourceID, resourceRunID string) {
	rt.aggMu.Lock()
	a := rt.aggLocked(resourceID)
	a.resourceRunID = resourceRunID
	a.pending++
	rt.aggMu.Unlock()
}

// run drives the full stage chain to completion: one goroutine pumps
// the source into stage 0's channel, one goroutine per stage runs a
// bounded worker pool (errgroup.SetLimit) draining its input channel
// into the next, and a final sink goroutine retires completed items.
// Cancelling ctx unwinds every stage's workers via their shared group
// context.
func (rt *runtime) run(ctx context.Context) error {
	if len(rt.stages) == 0 {
		return ErrEmptyStages
	}

	chans := make([]chan item, len(rt.stages)+1)
	for i := range chans {
		capacity := 0
		if i < len(rt.stages) {
			capacity = rt.stages[i].opts.BoundedCapacity
		}
		chans[i] = make(chan item, capacity)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chans[0])
		var sourceErr error
		emitErr := rt.sourceFn(gctx, func(resourceID string, payload any) bool {
			select {
			case <-gctx.Done():
				return false
			default:
			}
			resourceRunID, err := rt.pctx.tracker.RecordResourceStart(resourceID, rt.pctx.ResourceType)
			if err != nil {
				sourceErr = err
				return false
			}
			rt.registerRoot(resourceID, resourceRunID)
			select {
			case chans[0] <- item{
				resourceID:    resourceID,
				resourceType:  rt.pctx.ResourceType,
				resourceRunID: resourceRunID,
				payload:       payload,
			}:
				return true
			case <-gctx.Done():
				return false
			}
		})
		if sourceErr != nil {
			return sourceErr
		}
		return emitErr
	})

	for i := range rt.stages {
		node := rt.stages[i]
		in := chans[i]
		out := chans[i+1]
		g.Go(func() error {
			defer close(out)
			sg, sgctx := errgroup.WithContext(gctx)
			if node.opts.MaxDegreeOfParallelism > 0 {
				sg.SetLimit(node.opts.MaxDegreeOfParallelism)
			}
			for {
				select {
				case it, ok := <-in:
					if !ok {
						if err := sg.Wait(); err != nil {
							return err
						}
						if node.closeFn != nil {
							// sgctx is already cancelled once sg.Wait has
							// returned, so the closing flush runs under gctx.
							for _, o := range node.closeFn(gctx) {
								select {
								case out <- o:
								case <-gctx.Done():
									return gctx.Err()
								}
							}
						}
						return nil
					}
					it := it
					sg.Go(func() error {
						outs, err := node.fn(sgctx, it)
						if err != nil {
							return err
						}
						for _, o := range outs {
							select {
							case out <- o:
							case <-sgctx.Done():
								return sgctx.Err()
							}
						}
						return nil
					})
				case <-sgctx.Done():
					if err := sg.Wait(); err != nil {
						return err
					}
					return sgctx.Err()
				}
			}
		})
	}

	g.Go(func() error {
		last := chans[len(rt.stages)]
		for it := range last {
			rt.adjustPending(it.resourceID, -1)
		}
		return nil
	})

	return g.Wait()
}
