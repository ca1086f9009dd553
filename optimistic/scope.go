package optimistic

import (
	"context"
	"sync"
)

// Scope bounds the lifetime of one subscriber of results, such as an open
// card panel. Closing it cancels the requests it started, and every request
// carries a token so that a response overtaken by a newer request for the
// same key is discarded.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	next   uint64
	latest map[string]uint64
}

// NewScope derives a scope from parent.
func NewScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{ctx: ctx, cancel: cancel, latest: make(map[string]uint64)}
}

// Context is done once the scope is closed.
func (s *Scope) Context() context.Context { return s.ctx }

// Begin issues a fresh token for key, superseding any earlier one.
func (s *Scope) Begin(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.latest[key] = s.next
	return s.next
}

// Current reports whether a response issued under tok may still be applied.
func (s *Scope) Current(key string, tok uint64) bool {
	if s.ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[key] == tok
}

// End retires tok once its request finished. The key is forgotten only when
// tok is still the latest, so a newer request in flight keeps its claim.
func (s *Scope) End(key string, tok uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest[key] == tok {
		delete(s.latest, key)
	}
}

// Bind returns a context that is cancelled when either ctx or the scope ends.
func (s *Scope) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return bound, func() {
		stop()
		cancel()
	}
}

// Close cancels everything started under the scope.
func (s *Scope) Close() { s.cancel() }
