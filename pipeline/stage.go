package pipeline

import "context"

// item is the engine's type-erased unit of work. Every stage receives
// and returns items; the generic Builder wrappers in builder.go are
// responsible for asserting payload back to its concrete type before
// handing it to user code. resourceID/resourceRunID/resourceType stay
// fixed for the lifetime of an item's root resource, including across
// fan-out: a TransformMany call that emits several items for one input
// stamps all of them with the same root identity (spec.md §4.2 "Fan-out").
type item struct {
	resourceID    string
	resourceType  string
	resourceRunID string
	payload       any
}

// stageFunc is a stage's type-erased worker body. It receives one item
// and returns the items to hand to the next stage (zero for a dropped
// or failed item, one for a normal transform, many for fan-out). A
// returned error is a programmer-error (InvariantViolation) only — user
// function errors are caught and translated to a step-failed recording
// inside the wrapper that builds stageFunc, never returned here.
type stageFunc func(ctx context.Context, it item) ([]item, error)

// stageNode pairs a stage's worker body with its resolved options and
// the name progress records are written under. closeFn is optional:
// stages that buffer items across calls (Batch) set it to flush
// whatever remains once the stage's input channel has drained, so a
// remainder shorter than the batch size still reaches the next stage
// instead of being stranded in the buffer.
type stageNode struct {
	name    string
	opts    StageOptions
	fn      stageFunc
	closeFn func(ctx context.Context) []item
}
