// Package slot implements the Selector/SlotManager: mapping selected Tracks onto durable
// downstream OutputSlots, handling track-switch hand-off (attach as pending, drain the old
// track, switch once the replacement is ready), and posting the streams-selected notification
// once every selected track is active. Bookkeeping is per-representation collapsed down to one
// *Slot per Kind.
package slot

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/track"
	"github.com/oklog/ulid/v2"
)

// Slot is a durable downstream sink for one Kind.
type Slot struct {
	ID              string
	Kind            collab.Kind
	Track           *track.Track
	PendingTrack    *track.Track
	LastFlow        collab.FlowStatus
	PushedTimedData bool
}

func newSlotID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// defaultReadyThreshold is how much buffered level_time a pending replacement track must
// accumulate before the pump is allowed to switch to it; SetReadyThreshold overrides it per Manager.
const defaultReadyThreshold = 500 * time.Millisecond

// Manager owns the Kind -> Slot map and the selection reconciliation logic.
type Manager struct {
	mu sync.Mutex

	slots map[collab.Kind]*Slot

	consumer  collab.Consumer
	bus       collab.BusSink
	threshold time.Duration

	selectedGeneration int
	postedSelected     int
}

// New constructs an empty Manager. consumer/bus may be nil in tests.
func New(consumer collab.Consumer, bus collab.BusSink) *Manager {
	return &Manager{
		slots:     make(map[collab.Kind]*Slot),
		consumer:  consumer,
		bus:       bus,
		threshold: defaultReadyThreshold,
	}
}

// SetReadyThreshold overrides the buffered-level watermark a pending track must reach.
func (m *Manager) SetReadyThreshold(d time.Duration) {
	m.mu.Lock()
	m.threshold = d
	m.mu.Unlock()
}

// Slots returns a snapshot of the current Kind -> Slot map.
func (m *Manager) Slots() map[collab.Kind]*Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[collab.Kind]*Slot, len(m.slots))
	for k, v := range m.slots {
		out[k] = v
	}
	return out
}

// Reconcile applies a new desired-track-per-Kind selection: slots whose pending
// track is no longer desired drop it; desired tracks without a slot either replace a draining
// slot's pending track or create a brand-new slot (stream-start + stream-collection + sticky
// replay); tracks that were selected but are no longer desired are marked draining.
func (m *Manager) Reconcile(desired map[collab.Kind]*track.Track) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.selectedGeneration++
	m.postedSelected = 0

	for _, s := range m.slots {
		if s.PendingTrack != nil {
			want, ok := desired[s.Kind]
			if !ok || want.ID != s.PendingTrack.ID {
				s.PendingTrack = nil
			}
		}
	}

	for kind, t := range desired {
		s, exists := m.slots[kind]
		if !exists {
			s = &Slot{ID: newSlotID(), Kind: kind, Track: t}
			m.slots[kind] = s
			t.SetSelected(true)
			t.SetActive(true)
			t.Events().MarkAllUndelivered()
			if m.consumer != nil {
				m.consumer.SendEvent(s.ID, collab.StickyStreamStart, nil)
			}
			if m.bus != nil {
				m.bus.Publish("stream-collection", s.ID)
			}
			continue
		}
		if s.Track != nil && s.Track.ID == t.ID {
			continue
		}
		t.SetSelected(true)
		if s.Track != nil {
			s.Track.SetDraining(true)
			s.Track.SetPendingReplacement(true)
		}
		s.PendingTrack = t
	}

	for kind, s := range m.slots {
		if _, ok := desired[kind]; !ok && s.Track != nil {
			s.Track.SetDraining(true)
		}
	}
}

// PromoteReady switches any slot whose pending track has buffered enough (or reached EOS) into
// the active position, emitting stream-start/stream-collection on the new track and replaying
// its sticky events. Called by the OutputPump each iteration.
func (m *Manager) PromoteReady() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.slots {
		if s.PendingTrack == nil {
			continue
		}
		if s.PendingTrack.LevelTime() < m.threshold && !s.PendingTrack.EOS() {
			continue
		}
		old := s.Track
		s.Track = s.PendingTrack
		s.PendingTrack = nil
		if old != nil {
			old.SetActive(false)
			old.SetDraining(false)
			old.SetPendingReplacement(false)
		}
		s.Track.SetActive(true)
		s.Track.SetDraining(false)
		s.Track.Events().MarkAllUndelivered()
		if m.consumer != nil {
			m.consumer.SendEvent(s.ID, collab.StickyStreamStart, nil)
		}
		if m.bus != nil {
			m.bus.Publish("stream-collection", s.ID)
		}
	}
}

// CheckStreamsSelected posts a streams-selected notification exactly once per reconciliation
// generation, once every slot's current track reports active=true.
func (m *Manager) CheckStreamsSelected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.postedSelected == m.selectedGeneration {
		return
	}
	for _, s := range m.slots {
		if s.Track == nil || !s.Track.Active() {
			return
		}
	}
	m.postedSelected = m.selectedGeneration
	ids := make([]string, 0, len(m.slots))
	for _, s := range m.slots {
		ids = append(ids, string(s.Track.ID))
	}
	if m.consumer != nil {
		m.consumer.SelectStreams(ids, "")
	}
	if m.bus != nil {
		m.bus.Publish("streams-selected", ids)
	}
}

// ClearPending drops any pending replacement track from every slot without promoting it,
// used by the seek/flush controller when a seek crosses a period boundary and the old period's
// in-flight replacements are no longer relevant.
func (m *Manager) ClearPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.PendingTrack != nil {
			s.PendingTrack.SetPendingReplacement(false)
			s.PendingTrack.SetDraining(false)
			s.PendingTrack = nil
		}
	}
}

// RestartPosition converts the presentation's global output running time back into the stream's
// own timeline via seg: the restart position for a Stream whose tracks just became selected is
// the current global output running time converted through the stream's own segment.
func RestartPosition(globalOutput time.Duration, seg track.Segment) time.Duration {
	if seg.Rate == 0 {
		return seg.Start
	}
	if seg.Reverse() {
		return seg.Stop - time.Duration(float64(globalOutput)*-seg.Rate)
	}
	return seg.Start + time.Duration(float64(globalOutput)*seg.Rate)
}
