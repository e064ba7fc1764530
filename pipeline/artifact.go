package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CompletionToken is the one-shot signal returned by the artifact
// batcher for each enqueued capture. Stage code that must not proceed
// until an artifact is durably persisted calls Wait; code that fires
// and forgets can discard the token. Spec.md §4.4: "the caller receives
// a token it may wait on for durability, or discard."
type CompletionToken struct {
	done chan error
	once sync.Once
}

func newCompletionToken() *CompletionToken {
	return &CompletionToken{done: make(chan error, 1)}
}

func (t *CompletionToken) signal(err error) {
	t.once.Do(func() { t.done <- err })
}

// Wait blocks until the artifact this token represents has been
// persisted (or failed to persist), or ctx is done.
func (t *CompletionToken) Wait(ctx context.Context) error {
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type artifactJob struct {
	req ArtifactRequest
	tok *CompletionToken
}

// artifactBatcher is the single batched writer stage code enqueues
// artifact captures through, sized and paced per spec.md §4.4 (batch
// 100, flush 2s). Modeled on the same batchConsumer primitive as the
// tracker's three streams, but a sink failure never stops the
// consumer: per spec.md §4.2/§7, artifact-sink errors are logged and
// signalled on the affected tokens, not promoted to a run-fatal error
// — only the progress tracker's persistence streams can fail the run.
type artifactBatcher struct {
	pctx *Context
	sink ArtifactSink

	queue *unboundedQueue[artifactJob]
	wg    sync.WaitGroup

	outstandingMu sync.Mutex
	outstanding   map[*CompletionToken]struct{}
}

func newArtifactBatcher(pctx *Context, sink ArtifactSink) *artifactBatcher {
	return &artifactBatcher{
		pctx:        pctx,
		sink:        sink,
		queue:       newUnboundedQueue[artifactJob](),
		outstanding: make(map[*CompletionToken]struct{}),
	}
}

func (b *artifactBatcher) start() {
	b.wg.Add(1)
	go (&batchConsumer[artifactJob]{
		queue:         b.queue,
		batchSize:     b.pctx.cfg.ArtifactBatchSize,
		flushInterval: time.Duration(b.pctx.cfg.ArtifactFlushInterval) * time.Millisecond,
		flush:         b.flush,
	}).run(&b.wg)
}

func (b *artifactBatcher) untrack(tok *CompletionToken) {
	b.outstandingMu.Lock()
	delete(b.outstanding, tok)
	b.outstandingMu.Unlock()
}

// flush never returns a non-nil error: an artifact-sink failure is
// logged and signalled on every token in the batch, not promoted to a
// run-fatal error (spec.md §4.2/§7 — only the progress tracker's
// streams can fail a run). It uses a detached context so a sink write
// already in flight when the run's context is cancelled still gets a
// chance to complete instead of being aborted by the same cancellation
// it is trying to record the outcome of.
func (b *artifactBatcher) flush(batch []artifactJob) ([]artifactJob, error) {
	ctx := context.WithoutCancel(b.pctx.Ctx)
	reqs := make([]ArtifactRequest, len(batch))
	for i, j := range batch {
		reqs[i] = j.req
	}
	if err := b.pctx.handlePool.rent(ctx); err != nil {
		b.pctx.Log.Error("artifact batch dropped: handle pool unavailable", "error", err)
		for _, j := range batch {
			j.tok.signal(err)
			b.untrack(j.tok)
		}
		return nil, nil
	}
	results, err := b.sink.SaveBatch(ctx, reqs)
	b.pctx.handlePool.give()
	if err != nil {
		b.pctx.Log.Error("artifact sink batch save failed", "error", err)
		for _, j := range batch {
			j.tok.signal(err)
			b.untrack(j.tok)
		}
		return nil, nil
	}
	for i := range batch {
		var resErr error
		if i < len(results) {
			resErr = results[i].Err
		}
		batch[i].tok.signal(resErr)
		b.untrack(batch[i].tok)
	}
	return nil, nil
}

// Enqueue queues an artifact capture and returns a token the caller may
// wait on for durability.
func (b *artifactBatcher) Enqueue(req ArtifactRequest) *CompletionToken {
	tok := newCompletionToken()
	b.outstandingMu.Lock()
	b.outstanding[tok] = struct{}{}
	b.outstandingMu.Unlock()
	b.queue.push(artifactJob{req: req, tok: tok})
	return tok
}

// finalize drains the queue and verifies every issued token was
// signalled. An unsignalled token after drain means a request was lost
// between enqueue and flush — a programmer-visible invariant violation,
// not a recoverable runtime error, so it panics per spec.md §4.4/§7 and
// is recovered at the top of Complete.
func (b *artifactBatcher) finalize() error {
	b.queue.close()
	b.wg.Wait()

	b.outstandingMu.Lock()
	n := len(b.outstanding)
	b.outstandingMu.Unlock()
	if n > 0 {
		asInvariantViolation(fmt.Sprintf("%d artifact completion tokens never signalled", n))
	}
	return nil
}
