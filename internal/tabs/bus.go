package tabs

import (
	"context"
	"sync"
)

const defaultBusBuffer = 64

// LocalBus is an in-process Broadcaster. Every subscriber except the sender receives each
// message.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[int64]*busSubscriber
	nextID      int64
	bufferSize  int
}

type busSubscriber struct {
	tabID  string
	stream chan Message
}

// NewLocalBus constructs an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[int64]*busSubscriber),
		bufferSize:  defaultBusBuffer,
	}
}

// Subscribe registers tabID. The subscription ends when ctx is done or cleanup runs.
func (b *LocalBus) Subscribe(ctx context.Context, tabID string) (<-chan Message, func()) {
	subscriber := &busSubscriber{tabID: tabID, stream: make(chan Message, b.bufferSize)}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = subscriber
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message without blocking. A subscriber with a full buffer misses it.
func (b *LocalBus) Publish(message Message) {
	b.mu.RLock()
	targets := make([]*busSubscriber, 0, len(b.subscribers))
	for _, subscriber := range b.subscribers {
		if subscriber.tabID != message.TabID {
			targets = append(targets, subscriber)
		}
	}
	b.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}
