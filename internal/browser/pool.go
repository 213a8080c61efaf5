package browser

import (
	"context"
	"errors"
	"time"
)

// ErrAcquireTimeout is returned when no execution context became free
// within the acquire window.
var ErrAcquireTimeout = errors.New("timed out acquiring execution context")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("execution context pool is closed")

// Pool holds a fixed set of execution contexts created once at startup.
// The pool size is a hard upper bound on concurrent downloads: once every
// context is checked out, further Acquire calls block until a Release or
// their timeout. Check-out and check-in are the only mutations.
type Pool struct {
	free   chan ExecContext
	size   int
	closed chan struct{}
}

// NewPool builds a pool over the given contexts. The slice must not be
// mutated afterwards; the pool takes ownership.
func NewPool(ctxs []ExecContext) *Pool {
	free := make(chan ExecContext, len(ctxs))
	for _, c := range ctxs {
		free <- c
	}
	return &Pool{free: free, size: len(ctxs), closed: make(chan struct{})}
}

// Size returns the fixed number of contexts the pool was built with.
func (p *Pool) Size() int { return p.size }

// Idle returns how many contexts are currently checked in.
func (p *Pool) Idle() int { return len(p.free) }

// Acquire checks out a context, waiting up to timeout for one to become
// free. It honors ctx cancellation and returns ErrAcquireTimeout when the
// window elapses, or ErrPoolClosed once the pool is shut down.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (ExecContext, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-p.free:
		return c, nil
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	}
}

// Release checks a context back in. A context must always be released,
// whether its task succeeded or failed.
func (p *Pool) Release(c ExecContext) {
	if c == nil {
		return
	}
	select {
	case p.free <- c:
	default:
		// Releasing more contexts than the pool holds is a programming
		// error; dropping the extra keeps the bound intact.
	}
}

// Close stops further acquisitions. Contexts already checked out may still
// be released; pending Acquire calls fail with ErrPoolClosed.
func (p *Pool) Close() {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}
