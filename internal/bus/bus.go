// Package bus implements a small pub/sub fan-out for presentation-level notifications:
// stream-collection, streams-selected, buffering, duration-changed,
// element/adaptive-streaming-statistics, and error. Publish delivers on the caller's goroutine
// into per-subscriber buffered channels with drop-oldest on overflow, so a slow subscriber never
// blocks the publisher; internal/api exposes the subscription as a gorilla/websocket stream.
package bus

import (
	"sync"
	"time"
)

// Event is one notification carried on the Bus. Kind names it, e.g. "stream-collection",
// "streams-selected", "buffering", "duration-changed", "element", "error"; publishers such as
// internal/hlsout add kinds of their own.
type Event struct {
	ChannelID string    `json:"channel_id,omitempty"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

const subscriberBuffer = 64

// Bus is a non-blocking fan-out publisher. The zero value is not usable; construct with New.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	now  func() time.Time
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a new listener and returns its channel plus an Unsubscribe func. The
// channel is closed by Unsubscribe, never by Publish.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsub
}

// Publish implements collab.BusSink. It never blocks: a full subscriber channel has its oldest
// buffered event dropped to make room for the new one.
func (b *Bus) Publish(kind string, payload any) {
	b.publish(Event{Kind: kind, Payload: payload, At: b.now()})
}

// PublishChannel is Publish tagged with a channel id, for a daemon that multiplexes several
// presentations behind one Bus.
func (b *Bus) PublishChannel(channelID, kind string, payload any) {
	b.publish(Event{ChannelID: channelID, Kind: kind, Payload: payload, At: b.now()})
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest buffered event and retry once; a subscriber that still can't
			// keep up just misses this event rather than stalling the publisher.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of active subscribers, for tests and metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
