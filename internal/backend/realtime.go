package backend

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
)

const defaultSubscriberBuffer = 64

// RealtimeHub fans committed row changes out to the owner's subscribers.
type RealtimeHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*hubSubscriber
	nextID      int64
	bufferSize  int
}

type hubSubscriber struct {
	id     int64
	tables map[string]bool
	stream chan remote.ChangeEvent
}

// NewRealtimeHub constructs an empty hub.
func NewRealtimeHub() *RealtimeHub {
	return &RealtimeHub{
		subscribers: make(map[string]map[int64]*hubSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a stream of the user's changes to tables. An empty table list
// receives every table. The subscription ends when ctx is done or cleanup runs.
func (h *RealtimeHub) Subscribe(ctx context.Context, userID string, tables []string) (<-chan remote.ChangeEvent, func()) {
	if userID == "" {
		ch := make(chan remote.ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &hubSubscriber{
		id:     h.nextSequence(),
		tables: make(map[string]bool, len(tables)),
		stream: make(chan remote.ChangeEvent, h.bufferSize),
	}
	for _, table := range tables {
		subscriber.tables[table] = true
	}
	h.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregisterSubscriber(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers event to the user's subscribers without blocking; a subscriber whose
// buffer is full misses the event and catches up through its next pull.
func (h *RealtimeHub) Publish(userID string, event remote.ChangeEvent) {
	if userID == "" || event.Table == "" {
		return
	}
	h.mu.RLock()
	subscribers := h.subscribers[userID]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*hubSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if len(subscriber.tables) == 0 || subscriber.tables[event.Table] {
			copies = append(copies, subscriber)
		}
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscriptions of a user.
func (h *RealtimeHub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}

func (h *RealtimeHub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *RealtimeHub) registerSubscriber(userID string, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[userID]; !ok {
		h.subscribers[userID] = make(map[int64]*hubSubscriber)
	}
	h.subscribers[userID][subscriber.id] = subscriber
}

func (h *RealtimeHub) unregisterSubscriber(userID string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, userID)
		}
	}
	h.mu.Unlock()
}
