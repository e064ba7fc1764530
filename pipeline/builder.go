package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Builder assembles a typed stage chain over a *runtime. T is the
// payload type the NEXT stage attached to this Builder will receive;
// each Transform/TransformMany/Action/Batch call returns a new Builder
// parameterized by its own output type, so the chain's static types
// follow the data through every stage despite the runtime beneath being
// fully type-erased.
type Builder[T any] struct {
	rt *runtime
}

// New starts a pipeline over source, identifying each record with the
// resource id source.Emit supplies.
func New[T any](pctx *Context, source Source[T]) (*Builder[T], error) {
	if pctx == nil {
		return nil, ErrNilContext
	}
	if source == nil {
		return nil, ErrNilSource
	}
	rt := newRuntime(pctx)
	rt.sourceFn = func(ctx context.Context, emit func(resourceID string, payload any) bool) error {
		return source.Emit(ctx, func(resourceID string, v T) bool {
			return emit(resourceID, v)
		})
	}
	return &Builder[T]{rt: rt}, nil
}

// addStage wraps a type-erased [T]->[]U worker body into a stageNode,
// handling progress recording and fan-out/drop pending bookkeeping
// uniformly for Transform, TransformMany and Action.
func addStage[T, U any](b *Builder[T], name string, opts []StageOption, fn func(ctx context.Context, pctx *Context, in T) ([]U, error)) *Builder[U] {
	so := resolveOptions(b.rt.pctx, opts)
	pctx := b.rt.pctx
	rt := b.rt

	node := stageNode{
		name: name,
		opts: so,
		fn: func(ctx context.Context, it item) ([]item, error) {
			in, ok := it.payload.(T)
			if !ok {
				return nil, &InvariantViolation{Msg: fmt.Sprintf("stage %q received payload of unexpected type %T", name, it.payload)}
			}

			start := time.Now()
			if so.EnableProgressTracking {
				pctx.tracker.RecordStepStart(it.resourceID, it.resourceRunID, name)
			}
			sctx, span := pctx.Tracer.Start(ctx, name)
			outs, err := fn(sctx, pctx, in)
			dur := time.Since(start).Milliseconds()

			if err != nil {
				span.SetError(err)
				span.End()
				if so.EnableProgressTracking {
					pctx.tracker.RecordStepFailed(it.resourceID, it.resourceRunID, name, dur, err.Error())
				}
				rt.failRoot(it, name, err)
				return nil, nil
			}
			span.End()
			if so.EnableProgressTracking {
				pctx.tracker.RecordStepComplete(it.resourceID, it.resourceRunID, name, dur)
			}
			if len(outs) != 1 {
				rt.adjustPending(it.resourceID, int64(len(outs)-1))
			}

			result := make([]item, len(outs))
			for i, o := range outs {
				result[i] = item{
					resourceID:    it.resourceID,
					resourceType:  it.resourceType,
					resourceRunID: it.resourceRunID,
					payload:       o,
				}
			}
			return result, nil
		},
	}
	rt.stages = append(rt.stages, node)
	return &Builder[U]{rt: rt}
}

// Transform maps one input to one output. A returned error fails the
// item's resource without stopping the run (spec.md §4.2 "Error
// isolation").
func Transform[T, U any](b *Builder[T], name string, fn func(ctx context.Context, pctx *Context, in T) (U, error), opts ...StageOption) *Builder[U] {
	return addStage[T, U](b, name, opts, func(ctx context.Context, pctx *Context, in T) ([]U, error) {
		out, err := fn(ctx, pctx, in)
		if err != nil {
			return nil, err
		}
		return []U{out}, nil
	})
}

// TransformMany maps one input to zero or more outputs. Zero outputs
// drops the item (its resource is considered complete once all
// siblings finish); more than one fans the resource out, and the
// resource is only marked complete once every fanned-out child reaches
// a terminal state (spec.md §4.2 "Fan-out").
func TransformMany[T, U any](b *Builder[T], name string, fn func(ctx context.Context, pctx *Context, in T) ([]U, error), opts ...StageOption) *Builder[U] {
	return addStage[T, U](b, name, opts, fn)
}

// Action runs fn for its side effects and passes the input through
// unchanged.
func Action[T any](b *Builder[T], name string, fn func(ctx context.Context, pctx *Context, in T) error, opts ...StageOption) *Builder[T] {
	return addStage[T, T](b, name, opts, func(ctx context.Context, pctx *Context, in T) ([]T, error) {
		if err := fn(ctx, pctx, in); err != nil {
			return nil, err
		}
		return []T{in}, nil
	})
}

// WithArtifact runs fn to build a capture request, stamps it with the
// item's resource_run_id, enqueues it on the context's artifact
// batcher, and passes the input through unchanged. Calling it on a
// context with no ArtifactSink configured fails every item the stage
// sees, surfacing the missing wiring through the resource's recorded
// error message rather than at construction time. Built directly
// (bypassing addStage) because the request needs the item's
// resource_run_id, which addStage's generic [T]->[]U wrapper does not
// expose to user code.
func WithArtifact[T any](b *Builder[T], name string, fn func(ctx context.Context, pctx *Context, in T) (ArtifactRequest, error), opts ...StageOption) *Builder[T] {
	so := resolveOptions(b.rt.pctx, opts)
	pctx := b.rt.pctx
	rt := b.rt

	node := stageNode{
		name: name,
		opts: so,
		fn: func(ctx context.Context, it item) ([]item, error) {
			in, ok := it.payload.(T)
			if !ok {
				return nil, &InvariantViolation{Msg: fmt.Sprintf("stage %q received payload of unexpected type %T", name, it.payload)}
			}
			start := time.Now()
			if so.EnableProgressTracking {
				pctx.tracker.RecordStepStart(it.resourceID, it.resourceRunID, name)
			}

			var stepErr error
			if pctx.batcher == nil {
				stepErr = &InvariantViolation{Msg: fmt.Sprintf("stage %q calls WithArtifact but the context has no ArtifactSink configured", name)}
			} else if req, err := fn(ctx, pctx, in); err != nil {
				stepErr = err
			} else {
				req.ResourceRunID = it.resourceRunID
				if req.StepName == "" {
					req.StepName = name
				}
				pctx.batcher.Enqueue(req)
			}
			dur := time.Since(start).Milliseconds()

			if stepErr != nil {
				if so.EnableProgressTracking {
					pctx.tracker.RecordStepFailed(it.resourceID, it.resourceRunID, name, dur, stepErr.Error())
				}
				rt.failRoot(it, name, stepErr)
				return nil, nil
			}
			if so.EnableProgressTracking {
				pctx.tracker.RecordStepComplete(it.resourceID, it.resourceRunID, name, dur)
			}
			return []item{{resourceID: it.resourceID, resourceType: it.resourceType, resourceRunID: it.resourceRunID, payload: in}}, nil
		},
	}
	rt.stages = append(rt.stages, node)
	return &Builder[T]{rt: rt}
}

// Batch accumulates items into groups of size before invoking fn once
// per group, then passes every item in the group through unchanged.
// Batch stages are single-threaded by construction: batching requires
// a stable membership, so MaxDegreeOfParallelism is forced to 1
// regardless of opts.
func Batch[T any](b *Builder[T], name string, size int, fn func(ctx context.Context, pctx *Context, group []T) error, opts ...StageOption) *Builder[T] {
	if size <= 0 {
		size = 1
	}
	so := resolveOptions(b.rt.pctx, opts)
	so.MaxDegreeOfParallelism = 1
	pctx := b.rt.pctx
	rt := b.rt

	var mu sync.Mutex
	buf := make([]item, 0, size)

	flush := func(ctx context.Context) []item {
		payloads := make([]T, len(buf))
		for i, it := range buf {
			payloads[i] = it.payload.(T)
		}
		start := time.Now()
		err := fn(ctx, pctx, payloads)
		dur := time.Since(start).Milliseconds()

		out := make([]item, 0, len(buf))
		for _, it := range buf {
			if err != nil {
				if so.EnableProgressTracking {
					pctx.tracker.RecordStepFailed(it.resourceID, it.resourceRunID, name, dur, err.Error())
				}
				rt.failRoot(it, name, err)
				continue
			}
			if so.EnableProgressTracking {
				pctx.tracker.RecordStepComplete(it.resourceID, it.resourceRunID, name, dur)
			}
			out = append(out, it)
		}
		buf = buf[:0]
		return out
	}

	node := stageNode{
		name: name,
		opts: so,
		fn: func(ctx context.Context, it item) ([]item, error) {
			if _, ok := it.payload.(T); !ok {
				return nil, &InvariantViolation{Msg: fmt.Sprintf("stage %q received payload of unexpected type %T", name, it.payload)}
			}
			if so.EnableProgressTracking {
				pctx.tracker.RecordStepStart(it.resourceID, it.resourceRunID, name)
			}
			mu.Lock()
			defer mu.Unlock()
			buf = append(buf, it)
			if len(buf) < size {
				return nil, nil
			}
			return flush(ctx), nil
		},
		// closeFn flushes a final, shorter-than-size group once the
		// stage's input has drained — spec.md §4.1 "closing flushes any
		// remainder within a bounded grace period."
		closeFn: func(ctx context.Context) []item {
			mu.Lock()
			defer mu.Unlock()
			if len(buf) == 0 {
				return nil
			}
			return flush(ctx)
		},
	}
	rt.stages = append(rt.stages, node)
	return &Builder[T]{rt: rt}
}

// Complete runs the assembled pipeline to completion. If finalFn is
// non-nil it is appended as a terminal Action stage. Complete tears
// down the context's tracker and artifact batcher exactly once,
// regardless of outcome, then returns the run's terminal error: nil on
// success, *CancelledError if ctx was cancelled mid-run, *FatalError if
// a persistence flush failed, or *InvariantViolation for a programmer
// error detected at teardown (spec.md §4.6/§7).
func Complete[T any](b *Builder[T], finalFn func(ctx context.Context, pctx *Context, out T) error) (err error) {
	if finalFn != nil {
		b = Action(b, "final", finalFn)
	}
	if len(b.rt.stages) == 0 {
		return ErrEmptyStages
	}
	pctx := b.rt.pctx

	defer func() {
		if r := recover(); r != nil {
			if iv, ok := r.(*InvariantViolation); ok {
				err = iv
				return
			}
			panic(r)
		}
	}()

	runErr := b.rt.run(pctx.Ctx)
	teardownErr := pctx.teardown()

	if runErr != nil {
		var iv *InvariantViolation
		if errors.As(runErr, &iv) {
			return iv
		}
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return &CancelledError{Err: runErr}
		}
		return runErr
	}
	return teardownErr
}
