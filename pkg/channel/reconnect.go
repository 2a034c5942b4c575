package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
)

// Dialer reopens the underlying connection a ReconnectChannel rides on.
type Dialer func(ctx context.Context) (net.Conn, error)

// ReconnectChannel wraps a Stream Channel that redials and transparently
// resends every pending call when the connection drops:
// callers blocked in Call never see the intervening failure, they just
// experience a longer wait.
type ReconnectChannel struct {
	dial       Dialer
	auth       rpcauth.Auth
	prog, vers uint32
	opts       []Option

	retryInterval time.Duration

	mu      sync.Mutex
	current *Channel
	closed  bool
	closeCh chan struct{}
}

// NewReconnectChannel dials once to establish the initial connection, then
// returns a channel that redials with retryInterval backoff whenever the
// link fails.
func NewReconnectChannel(ctx context.Context, dial Dialer, auth rpcauth.Auth, prog, vers uint32, retryInterval time.Duration, opts ...Option) (*ReconnectChannel, error) {
	rc := &ReconnectChannel{
		dial:          dial,
		auth:          auth,
		prog:          prog,
		vers:          vers,
		opts:          opts,
		retryInterval: retryInterval,
		closeCh:       make(chan struct{}),
	}
	if err := rc.connect(ctx); err != nil {
		return nil, err
	}
	return rc, nil
}

func (rc *ReconnectChannel) connect(ctx context.Context) error {
	conn, err := rc.dial(ctx)
	if err != nil {
		return fmt.Errorf("channel: reconnect dial: %w", err)
	}
	ch := NewStreamChannel(newStreamTransport(conn), rc.auth, rc.prog, rc.vers, rc.opts...)

	rc.mu.Lock()
	rc.current = ch
	rc.mu.Unlock()
	return nil
}

// reconnectLoop redials with a fixed retry interval until it succeeds or
// the ReconnectChannel is closed.
func (rc *ReconnectChannel) reconnectLoop(ctx context.Context) error {
	for {
		rc.mu.Lock()
		closed := rc.closed
		rc.mu.Unlock()
		if closed {
			return fmt.Errorf("channel: reconnect channel closed")
		}

		if err := rc.connect(ctx); err == nil {
			return nil
		}

		select {
		case <-time.After(rc.retryInterval):
		case <-ctx.Done():
			return ctx.Err()
		case <-rc.closeCh:
			return fmt.Errorf("channel: reconnect channel closed")
		}
	}
}

// Call runs the call on the current underlying Channel, transparently
// redialing and resending if the connection has dropped out from under it.
// Every pending call observes the same drop (the reader goroutine's error
// return fails every registered transaction at once), so each independently
// triggers this same reconnect-and-resend path.
func (rc *ReconnectChannel) Call(ctx context.Context, proc uint32, xargs []byte, protection rpcauth.ProtectionLevel) ([]byte, error) {
	for {
		rc.mu.Lock()
		ch := rc.current
		rc.mu.Unlock()

		res, err := ch.Call(ctx, proc, xargs, protection)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if !isConnFailure(err) {
			return nil, err
		}

		if reconErr := rc.reconnectLoop(ctx); reconErr != nil {
			return nil, reconErr
		}
	}
}

// isConnFailure reports whether err looks like a transport-level failure
// worth reconnecting for, as opposed to an RPC-level rejection (PROG_
// UNAVAIL, AUTH_ERROR, etc.) that redialing wouldn't fix.
func isConnFailure(err error) bool {
	switch err.(type) {
	case *rpcauth.AuthErrorStat, *rpcauth.UnsupportedProtectionError, *TimeoutError:
		return false
	default:
		return !isRPCReject(err)
	}
}

// Close tears down the current connection and prevents further reconnects.
func (rc *ReconnectChannel) Close() error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	close(rc.closeCh)
	ch := rc.current
	rc.mu.Unlock()
	return ch.Close()
}
