package p2pchat

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Event types delivered to subscribers.
const (
	EventChatMessage      = "chat-message"
	EventPeersChanged     = "peers-changed"
	EventAddressesChanged = "addresses-changed"
	EventRoomPeerJoined   = "room-peer-joined"
	EventRoomPeerLeft     = "room-peer-left"
	EventPeerDiscovered   = "peer-discovered"
)

// DiscoverySourceMDNS marks peers found on the local network.
const DiscoverySourceMDNS = "mdns"

const (
	// eventQueueSize bounds the producer side. Producers only block when the
	// dispatcher itself falls this far behind.
	eventQueueSize = 1024

	// DefaultSubscriberBuffer is the per-subscriber channel capacity.
	DefaultSubscriberBuffer = 256
)

// Event is a typed notification for front ends. Payload is one of
// ChatMessage, PeersChanged, AddressesChanged, RoomPeerEvent or
// PeerDiscovered.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ChatMessage is the chat-message payload.
type ChatMessage struct {
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsSelf    bool      `json:"is_self"`
}

// PeersChanged carries the connected peer set after a change.
type PeersChanged struct {
	Peers []string `json:"peers"`
}

// AddressesChanged carries the node's listen addresses after a change.
type AddressesChanged struct {
	Addresses []string `json:"addresses"`
}

// RoomPeerEvent reports a peer subscribing to or leaving the current room.
type RoomPeerEvent struct {
	Room string `json:"room"`
	Peer string `json:"peer"`
}

// PeerDiscovered reports a peer found by a discovery mechanism, before any
// connection attempt.
type PeerDiscovered struct {
	Peer   string   `json:"peer"`
	Addrs  []string `json:"addrs"`
	Source string   `json:"source"`
}

// EventBus fans events out from internal producers to external subscribers
// through a single dispatcher goroutine. Events from one producer reach
// every subscriber in the order they were emitted. A subscriber that does
// not keep up loses events; producers are never held up by subscribers.
type EventBus struct {
	in      chan Event
	done    chan struct{}
	stopped chan struct{}
	metrics *Metrics

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	closeOnce sync.Once
}

// Subscription receives events from an EventBus.
type Subscription struct {
	bus   *EventBus
	ch    chan Event
	types []string // empty means all

	closeOnce sync.Once
}

// NewEventBus starts the dispatcher. Metrics is optional (nil-safe).
func NewEventBus(m *Metrics) *EventBus {
	b := &EventBus{
		in:      make(chan Event, eventQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: m,
		subs:    make(map[*Subscription]struct{}),
	}
	go b.dispatch()
	return b
}

// Emit queues ev for delivery. It returns immediately after the bus is closed.
func (b *EventBus) Emit(ev Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.in <- ev:
	case <-b.done:
	}
}

// Subscribe registers a subscriber for the given event types, or for all
// types when none are given. buffer <= 0 uses DefaultSubscriberBuffer.
func (b *EventBus) Subscribe(buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscription{
		bus:   b,
		ch:    make(chan Event, buffer),
		types: types,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Close stops the dispatcher and closes every subscriber channel.
// Events still queued are discarded.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		<-b.stopped

		b.mu.Lock()
		b.closed = true
		for s := range b.subs {
			close(s.ch)
		}
		clear(b.subs)
		b.mu.Unlock()
	})
}

func (b *EventBus) dispatch() {
	defer close(b.stopped)
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.in:
			b.deliver(ev)
		}
	}
}

func (b *EventBus) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slog.Debug("events: subscriber too slow, dropping event", "type", ev.Type)
			if b.metrics != nil {
				b.metrics.EventsDroppedTotal.WithLabelValues(ev.Type).Inc()
			}
		}
	}
}

// C returns the channel events are delivered on. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
	})
}

func (s *Subscription) wants(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}
