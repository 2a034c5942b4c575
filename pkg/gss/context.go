package gss

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcmturner/gokrb5/v8/types"
)

// generateHandle returns a fresh context handle: the 16 bytes of a random
// UUID, which is opaque to clients and unique enough to key the store.
func generateHandle() ([]byte, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("gss: generate context handle: %w", err)
	}
	return u[:], nil
}

// GSSContext is an established RPCSEC_GSS security context: the principal
// and session key recovered from a verified AP-REQ, plus the replay window
// and bookkeeping needed to serve DATA calls against it.
//
// LastUsed is mutated under the owning ContextStore's lock; callers outside
// the store should read it only via GetLastUsed.
type GSSContext struct {
	Handle     []byte
	Principal  string
	Realm      string
	SessionKey types.EncryptionKey
	SeqWindow  *SeqWindow
	Service    uint32
	CreatedAt  time.Time
	LastUsed   time.Time
}

// GetLastUsed returns LastUsed. Provided so callers don't read the field
// while a concurrent ContextStore.Lookup is updating it without a lock of
// their own; the store itself always holds its mutex across both.
func (c *GSSContext) GetLastUsed() time.Time {
	return c.LastUsed
}

// ContextStore holds established GSS contexts keyed by handle, evicting the
// least-recently-used context once maxContexts is exceeded and sweeping
// contexts idle past ttl on a periodic timer.
//
// Safe for concurrent use.
type ContextStore struct {
	maxContexts int
	ttl         time.Duration

	mu       sync.Mutex
	contexts map[string]*GSSContext

	stop chan struct{}
	done chan struct{}
}

// NewContextStore creates a store. maxContexts of 0 means unlimited.
func NewContextStore(maxContexts int, ttl time.Duration) *ContextStore {
	s := &ContextStore{
		maxContexts: maxContexts,
		ttl:         ttl,
		contexts:    make(map[string]*GSSContext),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *ContextStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// Store saves a context, evicting the least-recently-used entry first if
// maxContexts is positive and already reached.
func (s *ContextStore) Store(ctx *GSSContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.LastUsed.IsZero() {
		ctx.LastUsed = ctx.CreatedAt
	}
	if s.maxContexts > 0 && len(s.contexts) >= s.maxContexts {
		s.evictOldestLocked()
	}
	s.contexts[string(ctx.Handle)] = ctx
}

func (s *ContextStore) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, ctx := range s.contexts {
		if first || ctx.LastUsed.Before(oldestTime) {
			oldestKey, oldestTime, first = key, ctx.LastUsed, false
		}
	}
	if !first {
		delete(s.contexts, oldestKey)
	}
}

// Lookup finds a context by handle, touching its last-used time on success.
func (s *ContextStore) Lookup(handle []byte) (*GSSContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[string(handle)]
	if !ok {
		return nil, false
	}
	ctx.LastUsed = time.Now()
	return ctx, true
}

// Delete removes a context by handle. A no-op if the handle is unknown.
func (s *ContextStore) Delete(handle []byte) {
	s.mu.Lock()
	delete(s.contexts, string(handle))
	s.mu.Unlock()
}

// Count reports the number of active contexts.
func (s *ContextStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

// cleanup removes contexts idle past ttl. Callable directly so tests can
// trigger a sweep without waiting on the ticker.
func (s *ContextStore) cleanup() {
	if s.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ctx := range s.contexts {
		if ctx.LastUsed.Before(cutoff) {
			delete(s.contexts, key)
		}
	}
}

// Stop ends the background sweep goroutine. Safe to call multiple times.
func (s *ContextStore) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
