package realtime

import "sync"

const defaultWindow = 4096

// window remembers the most recent event ids, forgetting the oldest first.
type window struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = defaultWindow
	}
	return &window{ids: make(map[string]struct{}, size), ring: make([]string, size)}
}

func (w *window) has(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.ids[id]
	return ok
}

func (w *window) add(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.ids[id]; ok {
		return
	}
	if old := w.ring[w.next]; old != "" {
		delete(w.ids, old)
	}
	w.ring[w.next] = id
	w.ids[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
}
