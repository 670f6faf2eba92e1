package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/whisper/chat-widget/internal/chat"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// broadcaster fans state snapshots out to subscribers. Publishing never
// blocks: snapshots are dropped for subscribers whose channels are full.
type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan chat.State
	closed      bool
	done        chan struct{} // closed by close
	logger      *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subscribers: make(map[string]chan chat.State),
		done:        make(chan struct{}),
		logger:      logger.With("component", "broadcaster"),
	}
}

// subscribe registers a subscriber. The subscription is removed and its
// channel closed when ctx is cancelled or the broadcaster is closed.
func (b *broadcaster) subscribe(ctx context.Context) <-chan chat.State {
	subID := uuid.New().String()
	ch := make(chan chat.State, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(subID)
		case <-b.done:
		}
	}()

	return ch
}

func (b *broadcaster) publish(s chat.State) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- s:
		default:
			b.logger.Debug("dropped snapshot for slow subscriber", "sub_id", id)
		}
	}
}

func (b *broadcaster) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)
	b.logger.Debug("subscriber removed", "sub_id", subID)
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.closed = true
	close(b.done)
}
