package pipeline

import "context"

// handlePool guards access to storage handles shared by the tracker,
// cache and artifact sink, sized by max_concurrent_contexts. It is a
// plain buffered-channel semaphore: the teacher's stack never imports
// golang.org/x/sync/semaphore (which would be the natural fit), so this
// stays stdlib rather than introducing a library for a single-method
// need — see DESIGN.md.
type handlePool struct {
	slots chan struct{}
}

func newHandlePool(size int) *handlePool {
	if size <= 0 {
		size = 1
	}
	return &handlePool{slots: make(chan struct{}, size)}
}

// rent blocks until a slot is free or ctx is done.
func (p *handlePool) rent(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *handlePool) give() {
	select {
	case <-p.slots:
	default:
	}
}
