package pipeline

import "context"

// Source produces the records a pipeline ingests. Emit must call yield
// once per record with the record's resource id and value; returning
// false from yield (ctx done, or the runtime failing to record the
// resource's start) means the
// source should stop producing and return promptly. Emit's own return
// value is the terminal error for the run's ingestion phase.
type Source[T any] interface {
	Emit(ctx context.Context, yield func(resourceID string, value T) bool) error
}

// SourceFunc adapts a plain function to Source.
type SourceFunc[T any] func(ctx context.Context, yield func(resourceID string, value T) bool) error

func (f SourceFunc[T]) Emit(ctx context.Context, yield func(resourceID string, value T) bool) error {
	return f(ctx, yield)
}

// SliceSource emits every element of a fixed slice, deriving each
// item's resource id with idFn.
func SliceSource[T any](items []T, idFn func(T) string) Source[T] {
	return SourceFunc[T](func(ctx context.Context, yield func(resourceID string, value T) bool) error {
		for _, v := range items {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if !yield(idFn(v), v) {
				return nil
			}
		}
		return nil
	})
}

// IncompleteResourceLookup is the narrow capability FreshOrRetrySource
// needs to filter a retry run down to the resources an earlier attempt
// did not finish. Storage satisfies it directly.
type IncompleteResourceLookup interface {
	GetIncompleteResourceIds(ctx context.Context, runID string) (map[string]struct{}, error)
}

// FreshOrRetrySource wraps fresh so that, on a retry run, only the
// parent run's incomplete resources are emitted — spec.md §4.7. On a
// fresh run it returns fresh unchanged.
func FreshOrRetrySource[T any](ctx context.Context, pctx *Context, lookup IncompleteResourceLookup, fresh Source[T]) (Source[T], error) {
	if pctx.RunType != RunTypeRetry || pctx.ParentRunID == "" {
		return fresh, nil
	}
	incomplete, err := lookup.GetIncompleteResourceIds(ctx, pctx.ParentRunID)
	if err != nil {
		return nil, err
	}
	return SourceFunc[T](func(ctx context.Context, yield func(resourceID string, value T) bool) error {
		return fresh.Emit(ctx, func(resourceID string, value T) bool {
			if _, ok := incomplete[resourceID]; !ok {
				return true
			}
			return yield(resourceID, value)
		})
	}), nil
}
