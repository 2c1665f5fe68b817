package track

import "github.com/ericcug/adaptivedemux2/internal/collab"

// storedEvent is one sticky event cached for replay, plus whether it still needs to be
// delivered on the next dequeue (P7: mark_all_undelivered / get_next_pending / mark_delivered).
type storedEvent struct {
	kind    collab.StickyKind
	item    Item
	pending bool
}

// stickyOrder fixes the delivery order required downstream:
// stream-start, then caps, then segment, then tag/custom, EOS only after everything (EOS itself
// is never sticky-stored; it flows through the normal queue).
var stickyOrder = []collab.StickyKind{
	collab.StickyStreamStart,
	collab.StickyCaps,
	collab.StickySegment,
	collab.StickyTag,
	collab.StickyCustom,
}

// EventStore is a per-track ordered cache of sticky events with a pending flag.
type EventStore struct {
	byKind map[collab.StickyKind]*storedEvent
}

// NewEventStore returns an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{byKind: make(map[collab.StickyKind]*storedEvent)}
}

// Store caches ev as the latest sticky event of its kind and marks it pending for delivery.
func (es *EventStore) Store(kind collab.StickyKind, item Item) {
	item.Sticky = true
	es.byKind[kind] = &storedEvent{kind: kind, item: item, pending: true}
}

// Get returns the cached event of a kind, if any.
func (es *EventStore) Get(kind collab.StickyKind) (Item, bool) {
	se, ok := es.byKind[kind]
	if !ok {
		return Item{}, false
	}
	return se.item, true
}

// MarkAllUndelivered flags every stored event as pending again (called on restart or slot
// reassignment so sticky events replay in full).
func (es *EventStore) MarkAllUndelivered() {
	for _, se := range es.byKind {
		se.pending = true
	}
}

// GetNextPending returns the next pending sticky event in stickyOrder, or ok=false if none are
// pending (P7).
func (es *EventStore) GetNextPending() (kind collab.StickyKind, item Item, ok bool) {
	for _, k := range stickyOrder {
		if se, found := es.byKind[k]; found && se.pending {
			return k, se.item, true
		}
	}
	return 0, Item{}, false
}

// MarkDelivered clears the pending flag for a given kind, leaving all others unchanged (P7).
func (es *EventStore) MarkDelivered(kind collab.StickyKind) {
	if se, ok := es.byKind[kind]; ok {
		se.pending = false
	}
}

// Reset discards all cached sticky events. Track.Flush does not call it; a flushed track keeps
// its sticky events.
func (es *EventStore) Reset() {
	es.byKind = make(map[collab.StickyKind]*storedEvent)
}
