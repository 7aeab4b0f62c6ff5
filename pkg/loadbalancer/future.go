package loadbalancer

import "context"

// Future represents the completion signal of an operation that may finish
// synchronously or asynchronously, such as channel creation during
// expansion. Every Future produced by this package today is already
// resolved by the time it is returned, since ChannelFactory is called
// synchronously; the type exists as the seam the jitter loop's suspension
// point is specified against (spec §5), so an asynchronous ChannelFactory
// could be layered in later without changing the control flow around it.
type Future struct {
	err error
}

// CompletedFuture returns a Future that is already resolved with err (which
// may be nil).
func CompletedFuture(err error) *Future {
	return &Future{err: err}
}

// Wait blocks until the future resolves and returns its error. Since every
// Future in this package is pre-resolved, Wait returns immediately; ctx is
// accepted for the blocking-operation signature this package's methods
// otherwise follow, and is honored if a future ever becomes genuinely
// asynchronous.
func (f *Future) Wait(ctx context.Context) error {
	if f == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return f.err
	}
}
