package pipeline

// StageOptions are the per-stage tuning knobs from spec.md §4.1.
type StageOptions struct {
	MaxDegreeOfParallelism int  // default: the context's default
	BoundedCapacity        int  // default: the context's default; 0 means an unbuffered input channel (no queueing), not an unbounded one
	EnableProgressTracking bool // default true
}

// StageOption mutates StageOptions when building a stage.
type StageOption func(*StageOptions)

// WithParallelism sets the stage's worker-pool size.
func WithParallelism(n int) StageOption {
	return func(o *StageOptions) { o.MaxDegreeOfParallelism = n }
}

// WithCapacity sets the stage's input-queue depth.
func WithCapacity(n int) StageOption {
	return func(o *StageOptions) { o.BoundedCapacity = n }
}

// WithoutProgressTracking disables progress recording for a stage.
func WithoutProgressTracking() StageOption {
	return func(o *StageOptions) { o.EnableProgressTracking = false }
}

func resolveOptions(pctx *Context, opts []StageOption) StageOptions {
	o := StageOptions{
		MaxDegreeOfParallelism: pctx.defaultMaxDegreeOfParallelism,
		BoundedCapacity:        pctx.defaultBoundedCapacity,
		EnableProgressTracking: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Config holds the tunables named in spec.md §6.4.
type Config struct {
	DefaultMaxDegreeOfParallelism int
	DefaultBoundedCapacity        int
	MaxConcurrentContexts         int

	ArtifactBatchSize     int
	ArtifactFlushInterval int // milliseconds

	ProgressBatchSizeStart    int
	ProgressBatchSizeStep     int
	ProgressBatchSizeComplete int
	ProgressFlushIntervalStartMs    int
	ProgressFlushIntervalStepMs     int
	ProgressFlushIntervalCompleteMs int
}

// DefaultConfig mirrors the batch sizes and flush intervals spec.md §4.3
// and §4.4 specify.
func DefaultConfig() Config {
	return Config{
		DefaultMaxDegreeOfParallelism: 0, // unbounded
		DefaultBoundedCapacity:        0, // unbuffered hand-off between stages
		MaxConcurrentContexts:         8,

		ArtifactBatchSize:     100,
		ArtifactFlushInterval: 2000,

		ProgressBatchSizeStart:          50,
		ProgressBatchSizeStep:           100,
		ProgressBatchSizeComplete:       100,
		ProgressFlushIntervalStartMs:    1000,
		ProgressFlushIntervalStepMs:     5000,
		ProgressFlushIntervalCompleteMs: 3000,
	}
}
