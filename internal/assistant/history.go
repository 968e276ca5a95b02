package assistant

import (
	"container/list"
	"sync"

	"github.com/ashureev/shsh-assist/internal/domain"
)

// history is a bounded, oldest-first message log.
type history struct {
	mu      sync.RWMutex
	entries *list.List
	maxSize int
}

func newHistory(maxSize int) *history {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &history{entries: list.New(), maxSize: maxSize}
}

func (h *history) append(msgs ...domain.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range msgs {
		h.entries.PushBack(m)
	}
	for h.entries.Len() > h.maxSize {
		h.entries.Remove(h.entries.Front())
	}
}

func (h *history) snapshot() []domain.ChatMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.ChatMessage, 0, h.entries.Len())
	for e := h.entries.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(domain.ChatMessage))
	}
	return out
}

func (h *history) clear() {
	h.mu.Lock()
	h.entries.Init()
	h.mu.Unlock()
}
