// Package bus implements the in-process publish/subscribe fabric that
// carries inbound, outbound, run-lifecycle, tool, hook, and alert events
// between the agent loop and listeners such as a dashboard or API
// surface.
//
// Publishing never blocks the publisher: a subscriber with a full buffer
// has events dropped on its behalf, and the drop is counted so operators
// can see it in metrics rather than have the scheduler stall on a slow
// listener.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/nexus/pkg/models"
)

const defaultBufferSize = 256

// Bus is a fan-out publisher of models.Event to any number of
// subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	dropped     atomic.Int64
}

type subscriber struct {
	ch     chan models.Event
	filter func(models.Event) bool
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[int64]*subscriber)}
}

// Subscription is a handle returned by Subscribe; call Close to detach.
type Subscription struct {
	id     int64
	bus    *Bus
	Events <-chan models.Event
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subscribers, s.id)
	}
}

// Subscribe registers a new listener. If filter is non-nil, only events
// for which it returns true are delivered.
func (b *Bus) Subscribe(filter func(models.Event) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{ch: make(chan models.Event, defaultBufferSize), filter: filter}
	b.subscribers[id] = sub
	return &Subscription{id: id, bus: b, Events: sub.ch}
}

// SubscribeSession returns a subscription scoped to a single session_key.
func (b *Bus) SubscribeSession(sessionKey string) *Subscription {
	return b.Subscribe(func(e models.Event) bool { return e.SessionKey == sessionKey })
}

// Publish fans e out to every matching subscriber without blocking.
func (b *Bus) Publish(e models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the cumulative count of events dropped due to a full
// subscriber buffer, for metrics export.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
