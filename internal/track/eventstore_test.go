package track_test

import (
	"testing"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStoreStickyOrderRoundTrip(t *testing.T) {
	es := track.NewEventStore()
	es.Store(collab.StickyTag, track.Item{EventKind: collab.StickyTag})
	es.Store(collab.StickyStreamStart, track.Item{EventKind: collab.StickyStreamStart})
	es.Store(collab.StickySegment, track.Item{EventKind: collab.StickySegment})

	// get_next_pending returns them in sticky order regardless of store order (P7).
	kind, _, ok := es.GetNextPending()
	require.True(t, ok)
	assert.Equal(t, collab.StickyStreamStart, kind)
	es.MarkDelivered(kind)

	kind, _, ok = es.GetNextPending()
	require.True(t, ok)
	assert.Equal(t, collab.StickySegment, kind)
	es.MarkDelivered(kind)

	kind, _, ok = es.GetNextPending()
	require.True(t, ok)
	assert.Equal(t, collab.StickyTag, kind)
	es.MarkDelivered(kind)

	_, _, ok = es.GetNextPending()
	assert.False(t, ok)
}

func TestMarkAllUndeliveredMakesEveryStoredEventPendingAgain(t *testing.T) {
	es := track.NewEventStore()
	es.Store(collab.StickyStreamStart, track.Item{})
	es.Store(collab.StickyCaps, track.Item{})
	es.MarkDelivered(collab.StickyStreamStart)
	es.MarkDelivered(collab.StickyCaps)

	_, _, ok := es.GetNextPending()
	require.False(t, ok)

	es.MarkAllUndelivered()

	kind, _, ok := es.GetNextPending()
	require.True(t, ok)
	assert.Equal(t, collab.StickyStreamStart, kind)
}

func TestMarkDeliveredOnlyClearsThatKind(t *testing.T) {
	es := track.NewEventStore()
	es.Store(collab.StickyStreamStart, track.Item{})
	es.Store(collab.StickyCaps, track.Item{})

	es.MarkDelivered(collab.StickyStreamStart)

	kind, _, ok := es.GetNextPending()
	require.True(t, ok)
	assert.Equal(t, collab.StickyCaps, kind) // StreamStart cleared, Caps still pending
}
