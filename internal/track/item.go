package track

import (
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
)

// ItemKind discriminates the queued item payload variants: Buffer, Event, or Gap.
type ItemKind int

const (
	ItemBuffer ItemKind = iota
	ItemEvent
	ItemGap
)

func (k ItemKind) String() string {
	switch k {
	case ItemBuffer:
		return "buffer"
	case ItemEvent:
		return "event"
	case ItemGap:
		return "gap"
	default:
		return "unknown"
	}
}

// Item is one entry of a Track's FIFO.
type Item struct {
	Kind ItemKind

	// Buffer fields.
	Data    []byte
	Size    int
	Discont bool

	// Event fields. Sticky events additionally live in the owning Track's EventStore.
	EventKind    collab.StickyKind
	EventPayload any
	IsEOS        bool
	IsFlushStart bool
	IsFlushStop  bool
	Sticky       bool

	// Gap fields.
	GapPosition time.Duration
	GapDuration time.Duration

	// Timing, meaningful for Buffer and Gap items and for the Segment event.
	RTStart     time.Duration
	RTEnd       time.Duration
	RTBuffering time.Duration
	Untimed     bool
}

// isStickyEventKind reports whether a StickyKind is one the EventStore caches for replay.
func isStickyEventKind(_ collab.StickyKind) bool { return true }

// gapDripSlice is the duration of one drip-fed slice of a Gap event.
const gapDripSlice = 100 * time.Millisecond
