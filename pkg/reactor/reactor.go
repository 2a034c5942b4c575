//go:build !windows

// Package reactor implements a single-threaded socket readiness loop: one
// goroutine polls every registered file descriptor, dispatches read-ready
// callbacks, fires expired timers from an attached timeout manager, evicts
// sockets idle past a configurable timeout, and can be woken from another
// goroutine via a self-pipe.
package reactor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oncrpcd/oncrpc/internal/logger"
	"github.com/oncrpcd/oncrpc/pkg/timeout"
)

// DefaultIdleTimeout is how long a registered socket may go without
// activity before the Reactor evicts it.
const DefaultIdleTimeout = 30 * time.Second

// Callback is invoked on the reactor's single loop goroutine when fd
// becomes readable.
type Callback func(fd int)

// EvictFunc is invoked on the reactor's loop goroutine when a socket is
// evicted for being idle past the configured timeout.
type EvictFunc func(fd int)

type registration struct {
	fd           int
	lastActivity time.Time
	onReadable   Callback
}

// Reactor owns a single poll loop over every registered fd plus an internal
// self-pipe used to interrupt a blocking poll from Register/Unregister/
// Wake calls made by other goroutines.
type Reactor struct {
	idleTimeout time.Duration
	onEvict     EvictFunc
	timers      *timeout.Manager

	mu    sync.Mutex
	socks map[int]*registration

	wakeR int
	wakeW int

	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a Reactor with the given idle timeout (DefaultIdleTimeout if
// non-positive) and eviction callback. Call Run to start the loop goroutine.
func New(idleTimeout time.Duration, onEvict EvictFunc) (*Reactor, error) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, fmt.Errorf("reactor: create wake pipe: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return nil, fmt.Errorf("reactor: set wake pipe nonblocking: %w", err)
	}
	return &Reactor{
		idleTimeout: idleTimeout,
		onEvict:     onEvict,
		timers:      timeout.New(),
		socks:       make(map[int]*registration),
		wakeR:       fds[0],
		wakeW:       fds[1],
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Timers returns the reactor's timeout manager. Timers added here fire on
// the loop goroutine; AddAfter from any goroutine wakes a blocked poll so a
// deadline earlier than the current wait is not missed.
func (r *Reactor) Timers() *timeout.Manager { return r.timers }

// AddTimer schedules fn to run on the loop goroutine after d, waking the
// poll loop so the new deadline bounds its next wait.
func (r *Reactor) AddTimer(d time.Duration, fn func()) timeout.ID {
	id := r.timers.AddAfter(d, fn)
	r.Wake()
	return id
}

// CancelTimer removes a pending timer.
func (r *Reactor) CancelTimer(id timeout.ID) { r.timers.Cancel(id) }

// Register adds fd to the poll set with a readable callback, and wakes the
// loop so the new fd is included in its next poll call.
func (r *Reactor) Register(fd int, onReadable Callback) {
	r.mu.Lock()
	r.socks[fd] = &registration{fd: fd, lastActivity: time.Now(), onReadable: onReadable}
	r.mu.Unlock()
	r.Wake()
}

// Unregister removes fd from the poll set.
func (r *Reactor) Unregister(fd int) {
	r.mu.Lock()
	delete(r.socks, fd)
	r.mu.Unlock()
	r.Wake()
}

// Touch records activity on fd, resetting its idle-eviction clock. Callers
// invoke this after every successful read or write.
func (r *Reactor) Touch(fd int) {
	r.mu.Lock()
	if reg, ok := r.socks[fd]; ok {
		reg.lastActivity = time.Now()
	}
	r.mu.Unlock()
}

// Wake interrupts a blocking poll call, for use by goroutines other than
// the loop itself after mutating the registration set.
func (r *Reactor) Wake() {
	var b [1]byte
	_, _ = unix.Write(r.wakeW, b[:])
}

// Run starts the poll loop. It blocks until Close is called, so the caller
// typically invokes it as `go reactor.Run()`. Each iteration waits at most
// until the earlier of the idle-eviction check and the timeout manager's
// next deadline, then fires due timers, dispatches readable sockets, and
// evicts idle ones.
func (r *Reactor) Run() {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		wait := r.idleTimeout / 2
		if next, ok := r.timers.Next(); ok {
			if until := time.Until(next); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}

		pollFDs := r.buildPollSet()
		n, err := unix.Poll(pollFDs, int(wait.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Warn("reactor: poll error", "error", err)
			continue
		}

		r.timers.Update(time.Now())
		if n > 0 {
			r.dispatchReadable(pollFDs)
		}
		r.evictIdle()
	}
}

func (r *Reactor) buildPollSet() []unix.PollFd {
	r.mu.Lock()
	defer r.mu.Unlock()
	fds := make([]unix.PollFd, 0, len(r.socks)+1)
	fds = append(fds, unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN})
	for fd := range r.socks {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return fds
}

func (r *Reactor) dispatchReadable(pollFDs []unix.PollFd) {
	for _, pfd := range pollFDs {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		if int(pfd.Fd) == r.wakeR {
			drainWakePipe(r.wakeR)
			continue
		}
		r.mu.Lock()
		reg, ok := r.socks[int(pfd.Fd)]
		if ok {
			reg.lastActivity = time.Now()
		}
		r.mu.Unlock()
		if ok && reg.onReadable != nil {
			reg.onReadable(reg.fd)
		}
	}
}

func drainWakePipe(fd int) {
	var b [64]byte
	for {
		n, err := unix.Read(fd, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (r *Reactor) evictIdle() {
	now := time.Now()
	var evicted []int
	r.mu.Lock()
	for fd, reg := range r.socks {
		if now.Sub(reg.lastActivity) > r.idleTimeout {
			delete(r.socks, fd)
			evicted = append(evicted, fd)
		}
	}
	r.mu.Unlock()

	for _, fd := range evicted {
		if r.onEvict != nil {
			r.onEvict(fd)
		}
	}
}

// Close stops the loop and releases the self-pipe. It blocks until the
// loop goroutine has returned.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	r.Wake()
	<-r.done
	_ = unix.Close(r.wakeR)
	_ = unix.Close(r.wakeW)
	return nil
}

// Len reports the number of currently registered sockets.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.socks)
}
