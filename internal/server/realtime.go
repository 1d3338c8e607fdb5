package server

import (
	"context"
	"sync"
	"time"

	"github.com/whyuds/cursor-usage-server/internal/presence"
)

// PresenceStreamMessage is one presence transition delivered to watchers.
type PresenceStreamMessage struct {
	Email  string    `json:"email"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// RealtimeDispatcher fans accepted presence mutations out to stream
// subscribers. Delivery is best effort: a slow subscriber loses messages
// rather than blocking the ingestion path.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan PresenceStreamMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// PresenceChanged implements presence.Notifier.
func (d *RealtimeDispatcher) PresenceChanged(change presence.Change) {
	d.Publish(PresenceStreamMessage{
		Email:  change.Email.String(),
		Online: change.Online,
		At:     change.At,
	})
}

// Subscribe registers a watcher. The returned cleanup is also invoked when
// ctx is done.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan PresenceStreamMessage, func()) {
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan PresenceStreamMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message PresenceStreamMessage) {
	if message.Email == "" {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
