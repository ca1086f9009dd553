package optimistic

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Guard serializes in-flight mutations per entity key. Two writes to the same
// card wait for each other; writes to different cards never do.
type Guard struct {
	mu    sync.Mutex
	slots map[string]*guardSlot
}

type guardSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewGuard returns an empty guard.
func NewGuard() *Guard {
	return &Guard{slots: make(map[string]*guardSlot)}
}

// Acquire blocks until key is free or ctx is done. The returned release must
// be called exactly once.
func (g *Guard) Acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	slot, ok := g.slots[key]
	if !ok {
		slot = &guardSlot{sem: semaphore.NewWeighted(1)}
		g.slots[key] = slot
	}
	slot.refs++
	g.mu.Unlock()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		g.drop(key, slot)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			slot.sem.Release(1)
			g.drop(key, slot)
		})
	}, nil
}

// Busy reports whether a mutation currently holds or waits for key.
func (g *Guard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.slots[key]
	return ok
}

func (g *Guard) drop(key string, slot *guardSlot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(g.slots, key)
	}
}
