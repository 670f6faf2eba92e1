package stubserver

import (
	"sync"
	"time"
)

// recentMessages is the number of messages retained per conversation.
const recentMessages = 5

// entry is one message kept for conversation summaries.
type entry struct {
	Sender string
	Text   string
	At     time.Time
}

// history keeps the last few messages of every open conversation along with
// a running total. It is goroutine-safe and uses a ring buffer internally.
type history struct {
	mu    sync.RWMutex
	convs map[string]*ringBuffer // conversation id -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of entries.
type ringBuffer struct {
	items [recentMessages]entry
	pos   int
	count int
	total int
}

func newHistory() *history {
	return &history{convs: make(map[string]*ringBuffer)}
}

// add appends a message to the conversation's buffer. If the buffer is full,
// the oldest message is overwritten.
func (h *history) add(convID string, e entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.convs[convID]
	if !ok {
		rb = &ringBuffer{}
		h.convs[convID] = rb
	}
	rb.items[rb.pos] = e
	rb.pos = (rb.pos + 1) % recentMessages
	if rb.count < recentMessages {
		rb.count++
	}
	rb.total++
}

// recent returns the retained messages oldest first and the number of
// messages ever added to the conversation.
func (h *history) recent(convID string) ([]entry, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rb, ok := h.convs[convID]
	if !ok {
		return []entry{}, 0
	}
	out := make([]entry, rb.count)
	// The oldest message is at position (pos - count) mod recentMessages.
	start := (rb.pos - rb.count + recentMessages) % recentMessages
	for i := 0; i < rb.count; i++ {
		out[i] = rb.items[(start+i)%recentMessages]
	}
	return out, rb.total
}

// remove drops a conversation's buffer once it ends.
func (h *history) remove(convID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.convs, convID)
}
