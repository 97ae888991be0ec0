// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"sync"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/resource"
)

// DefaultBuffer is the per-subscription queue depth when
// SubscribeOptions.Buffer is zero.
const DefaultBuffer = 256

// Bus fans change events out to subscriptions. Publish never blocks:
// each subscription owns a bounded queue, and when a queue overflows
// it is collapsed to a single Resync marker. Delivery is therefore
// at-most-once; a subscriber that sees Resync must re-fetch whatever
// state it depends on.
//
// Subscriptions are transient. There is no persistence and no replay;
// a new subscription observes only events published after it exists.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// SubscribeOptions filters and sizes a subscription. The zero value
// subscribes to every event with the default queue depth.
type SubscribeOptions struct {
	// IDs restricts delivery to events for these identifiers. Empty
	// means all identifiers.
	IDs []resource.ID

	// Kinds restricts delivery by event kind. The zero mask means all
	// kinds. Resync always passes regardless.
	Kinds change.Mask

	// Buffer is the queue depth. Zero means DefaultBuffer.
	Buffer int
}

// Subscribe registers a new subscription. The caller must Close it
// when done; an abandoned subscription eventually overflows to a
// single Resync and costs nothing further.
func (b *Bus) Subscribe(opts SubscribeOptions) *Subscription {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	events := make(chan change.Event, buffer)
	sub := &Subscription{
		C:      events,
		bus:    b,
		events: events,
		kinds:  opts.Kinds,
	}
	if len(opts.IDs) > 0 {
		sub.ids = make(map[resource.ID]struct{}, len(opts.IDs))
		for _, id := range opts.IDs {
			sub.ids[id] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = struct{}{}
	return sub
}

// Publish offers the event to every subscription. It never blocks and
// never fails; slow subscribers lose events to Resync collapse, not
// the publisher to backpressure.
func (b *Bus) Publish(e change.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.offer(e)
	}
}

// Close closes every subscription. Subsequent Subscribes land on an
// empty bus and work normally; Close exists so owners can end all
// consumers when a store shuts down.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shut()
	}
}

// Subscribers reports the current subscription count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Subscription is one consumer's view of a bus. Read events from C;
// the channel is closed by Close (or the bus shutting down). Events
// carry a Token stamped from this subscription's own sequence, so a
// consumer can detect gaps from overflow independent of any other
// subscriber.
type Subscription struct {
	// C delivers the subscription's events.
	C <-chan change.Event

	bus   *Bus
	ids   map[resource.ID]struct{}
	kinds change.Mask

	mu     sync.Mutex
	events chan change.Event
	closed bool
	token  uint64
}

// Close unregisters the subscription and closes C. Idempotent.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shut()
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// offer enqueues e if the subscription wants it. On a full queue the
// queued events are dropped and replaced with a single Resync marker:
// the consumer's next read tells it that it lost events, without the
// publisher ever blocking. Surviving events keep their order. This
// drops more than the minimal oldest-event-plus-marker would, but
// once any event is lost the consumer must re-fetch its full state
// anyway, so the still-queued events carry no extra information.
func (s *Subscription) offer(e change.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.wants(e) {
		return
	}

	s.token++
	e.Token = s.token
	select {
	case s.events <- e:
		return
	default:
	}

	// Queue full. Only offer sends on s.events and offer holds s.mu,
	// so after draining, the send below cannot block: the consumer
	// only removes elements.
	for {
		select {
		case <-s.events:
		default:
			s.token++
			s.events <- change.Event{Kind: change.Resync, Token: s.token}
			return
		}
	}
}

// wants applies the ID and kind filters. Resync markers pass both: a
// filtered consumer still needs to learn that it lost events.
func (s *Subscription) wants(e change.Event) bool {
	if e.Kind == change.Resync {
		return true
	}
	if !s.kinds.Has(e.Kind) {
		return false
	}
	if s.ids != nil {
		if _, ok := s.ids[e.ID]; !ok {
			return false
		}
	}
	return true
}
