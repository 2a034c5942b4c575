package channel

import (
	"context"

	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
)

// Future is the result of an asynchronous call: a caller
// registers a continuation instead of blocking, and the goroutine CallAsync
// spawns to run Call to completion delivers into it exactly once.
type Future struct {
	done chan struct{}
	res  []byte
	err  error
}

// Wait blocks until the call completes or ctx is done, whichever comes
// first — a bridge for callers that eventually do want to block.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the call has completed without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) deliver(res []byte, err error) {
	f.res, f.err = res, err
	close(f.done)
}

// CallAsync issues a call without blocking the caller: the retransmit loop,
// auth pipeline, and reply wait all run on a spawned goroutine, and the
// returned Future is signaled once, on completion. A continuation callback
// can be supplied to run automatically when the call settles, for
// callers that don't want to poll or block on the Future at all.
func (c *Channel) CallAsync(ctx context.Context, proc uint32, xargs []byte, protection rpcauth.ProtectionLevel, continuation func([]byte, error)) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		res, err := c.Call(ctx, proc, xargs, protection)
		f.deliver(res, err)
		if continuation != nil {
			continuation(res, err)
		}
	}()
	return f
}
