package fanout

import (
	"context"
	"sync"
)

const memorySubscriberBuffer = 64

// MemoryBus is an in-process Bus for single-instance deployments and tests.
// Each subscriber drains a buffered channel through a single goroutine, so
// per-publisher order is preserved and a slow handler sheds load instead of
// blocking publishers.
type MemoryBus struct {
	mu          sync.Mutex
	subscribers map[int64]chan Message
	nextID      int64
	closed      bool
}

// NewMemoryBus returns an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[int64]chan Message)}
}

// Publish delivers the message to every subscriber without blocking.
func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	streams := make([]chan Message, 0, len(b.subscribers))
	for _, stream := range b.subscribers {
		streams = append(streams, stream)
	}
	b.mu.Unlock()
	for _, stream := range streams {
		select {
		case stream <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers the handler and pumps messages to it until ctx ends.
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	stream := make(chan Message, memorySubscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(stream)
		return nil
	}
	b.nextID++
	id := b.nextID
	b.subscribers[id] = stream
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		}()
		for {
			select {
			case msg := <-stream:
				handler(msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops accepting subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
