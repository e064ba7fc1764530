package pipeline

import "context"

// Span is the handle returned by Tracer.Start; callers must call End.
type Span interface {
	End()
	SetError(err error)
}

// Tracer is the minimal span-creation capability the engine uses around
// the user function of Transform, TransformMany and Action stages;
// WithArtifact and Batch stages and the tracker/batcher flushes start
// no spans. A Context with no
// Tracer configured uses a no-op implementation, so tracing has no hard
// runtime dependency on a collector.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

type noopTracer struct{}

type noopSpan struct{}

func (noopSpan) End()            {}
func (noopSpan) SetError(error)  {}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}
