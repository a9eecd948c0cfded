package bridge

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// Event is a bridge fleet notification. The concrete variants below are
// the only implementations.
type Event interface {
	isEvent()
}

// Up is published when a bridge joins the fleet.
type Up struct {
	Bridge  jid.JID
	Version string
}

// Down is published when a bridge leaves the fleet.
type Down struct {
	Bridge jid.JID
}

// VideostreamsChanged is published when a bridge's estimated load moved.
type VideostreamsChanged struct {
	Bridge jid.JID
}

// HealthCheckFailed is published when a bridge failed its probe and the
// retry.
type HealthCheckFailed struct {
	Bridge jid.JID
}

func (Up) isEvent()                  {}
func (Down) isEvent()                {}
func (VideostreamsChanged) isEvent() {}
func (HealthCheckFailed) isEvent()   {}

// Bus is the in-process pub-sub channel for bridge events. Subscribers
// receive on buffered channels; a subscriber that falls behind loses
// events rather than blocking the publisher.
type Bus struct {
	mutex       sync.RWMutex
	closed      bool
	nextID      int
	subscribers map[int]chan Event
}

// NewBus returns a ready bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its id along with the
// receive channel.
func (b *Bus) Subscribe(buffer int) (int, <-chan Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if buffer < 1 {
		buffer = 1
	}
	id := b.nextID
	b.nextID++

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
	} else {
		b.subscribers[id] = ch
	}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
