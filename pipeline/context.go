package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Context is the single runtime handle passed through the engine and
// into user stage functions. It carries run metadata, the cancellation
// signal, the logger, and references to the tracker, artifact batcher,
// resource-run cache and default stage options — the generalized,
// domain-agnostic counterpart of the teacher's jobs/runtime.Context
// (same shape: one capability-scoped handle, constructed by a builder,
// never touching storage directly).
type Context struct {
	Ctx context.Context

	RunID        string
	Category     string
	Name         string
	RunType      RunType
	ParentRunID  string
	ResourceType string

	Log    Logger
	Tracer Tracer

	storage Storage
	sink    ArtifactSink

	tracker    *tracker
	batcher    *artifactBatcher
	cache      *resourceRunCache
	handlePool *handlePool

	defaultMaxDegreeOfParallelism int
	defaultBoundedCapacity        int

	cfg Config
}

// ContextBuilder constructs a Context. Use NewContextBuilder, chain
// With* calls, then Build.
type ContextBuilder struct {
	category     string
	name         string
	runType      RunType
	parentRunID  string
	resourceType string
	runID        string
	config       Config
	configBlob   []byte
	log          Logger
	tracer       Tracer
	storage      Storage
	sink         ArtifactSink
}

// NewContextBuilder starts a builder for a run against the given
// Storage and ArtifactSink.
func NewContextBuilder(storage Storage, sink ArtifactSink) *ContextBuilder {
	return &ContextBuilder{
		runType: RunTypeFresh,
		config:  DefaultConfig(),
		storage: storage,
		sink:    sink,
	}
}

func (b *ContextBuilder) WithRunID(id string) *ContextBuilder       { b.runID = id; return b }
func (b *ContextBuilder) WithCategory(c string) *ContextBuilder     { b.category = c; return b }
func (b *ContextBuilder) WithName(n string) *ContextBuilder         { b.name = n; return b }
func (b *ContextBuilder) WithResourceType(t string) *ContextBuilder { b.resourceType = t; return b }
func (b *ContextBuilder) WithRunType(t RunType) *ContextBuilder     { b.runType = t; return b }
func (b *ContextBuilder) WithParentRunID(id string) *ContextBuilder { b.parentRunID = id; return b }
func (b *ContextBuilder) WithConfig(c Config) *ContextBuilder       { b.config = c; return b }
func (b *ContextBuilder) WithConfigBlob(v []byte) *ContextBuilder   { b.configBlob = v; return b }
func (b *ContextBuilder) WithLogger(l Logger) *ContextBuilder       { b.log = l; return b }
func (b *ContextBuilder) WithTracer(t Tracer) *ContextBuilder       { b.tracer = t; return b }

// Build constructs the Context, ensuring the PipelineRun row exists
// (create-if-absent, status=pending — spec.md §4.3 "On initialization").
func (b *ContextBuilder) Build(ctx context.Context) (*Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.storage == nil {
		return nil, fmt.Errorf("pipeline: context builder requires Storage")
	}
	if b.runID == "" {
		b.runID = uuid.NewString()
	}
	if b.log == nil {
		b.log = nopLogger{}
	}
	if b.tracer == nil {
		b.tracer = noopTracer{}
	}

	pctx := &Context{
		Ctx:                           ctx,
		RunID:                         b.runID,
		Category:                      b.category,
		Name:                          b.name,
		RunType:                       b.runType,
		ParentRunID:                   b.parentRunID,
		ResourceType:                  b.resourceType,
		Log:                           b.log.With("run_id", b.runID),
		Tracer:                        b.tracer,
		storage:                       b.storage,
		sink:                          b.sink,
		defaultMaxDegreeOfParallelism: b.config.DefaultMaxDegreeOfParallelism,
		defaultBoundedCapacity:        b.config.DefaultBoundedCapacity,
		cfg:                           b.config,
	}
	pctx.handlePool = newHandlePool(b.config.MaxConcurrentContexts)
	pctx.cache = newResourceRunCache(b.storage, pctx.handlePool)

	if err := b.storage.CreateRun(ctx, PipelineRun{
		RunID:         b.runID,
		Category:      b.category,
		Name:          b.name,
		RunType:       b.runType,
		Status:        RunPending,
		StartTime:     time.Now().UTC(),
		ParentRunID:   b.parentRunID,
		Configuration: b.configBlob,
	}); err != nil {
		return nil, fmt.Errorf("pipeline: create run: %w", err)
	}

	pctx.tracker = newTracker(pctx)
	pctx.tracker.start()
	if b.sink != nil {
		pctx.batcher = newArtifactBatcher(pctx, b.sink)
		pctx.batcher.start()
	}
	return pctx, nil
}

// teardown finalizes the tracker, then the artifact batcher — spec.md
// §4.6. Only the tracker's persistence flush can make the run fail:
// artifact-sink failures are logged and signalled on their tokens by
// the batcher itself (spec.md §4.2/§7), so batcher.finalize only ever
// returns non-nil via its own unsignalled-token invariant panic.
func (c *Context) teardown() error {
	var fatal error
	if c.tracker != nil {
		if err := c.tracker.finalize(); err != nil {
			fatal = err
		}
	}
	if c.batcher != nil {
		_ = c.batcher.finalize()
	}
	return fatal
}
