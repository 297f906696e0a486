package chat

import (
	"sync"

	"github.com/coursechat/backend/internal/generate"
)

// History keeps a bounded rolling window of role/content entries per
// session for generator context. It is goroutine-safe and uses a ring
// buffer per session, so a long conversation costs constant memory.
type History struct {
	mu      sync.RWMutex
	limit   int
	windows map[string]*ring
}

type ring struct {
	items []generate.Message
	pos   int
	count int
}

// NewHistory creates a History holding at most limit entries per
// session (one turn contributes two entries).
func NewHistory(limit int) *History {
	return &History{
		limit:   limit,
		windows: make(map[string]*ring),
	}
}

// Append adds entries to the session's window, evicting the oldest
// once the limit is reached.
func (h *History) Append(sessionID string, msgs ...generate.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.windows[sessionID]
	if !ok {
		r = &ring{items: make([]generate.Message, h.limit)}
		h.windows[sessionID] = r
	}
	for _, m := range msgs {
		r.items[r.pos] = m
		r.pos = (r.pos + 1) % h.limit
		if r.count < h.limit {
			r.count++
		}
	}
}

// Get returns the session's window in chronological order. The result
// is a copy and safe to use without the lock.
func (h *History) Get(sessionID string) []generate.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.windows[sessionID]
	if !ok {
		return []generate.Message{}
	}

	out := make([]generate.Message, r.count)
	start := (r.pos - r.count + h.limit) % h.limit
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(start+i)%h.limit]
	}
	return out
}

// Len returns the number of entries currently windowed for a session.
func (h *History) Len(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.windows[sessionID]; ok {
		return r.count
	}
	return 0
}

// Drop discards the session's window (called on session deletion).
func (h *History) Drop(sessionID string) {
	h.mu.Lock()
	delete(h.windows, sessionID)
	h.mu.Unlock()
}
