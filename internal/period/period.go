// Package period models one presentation interval: an ordered set of Streams and the Tracks
// they feed, with flow-status combination, default track selection, and the selection hand-off
// used by a track switch. Period ids are ULIDs (monotonic crypto/rand entropy, time-sortable).
package period

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/stream"
	"github.com/ericcug/adaptivedemux2/internal/track"
	"github.com/oklog/ulid/v2"
)

// ID is a period's monotonic, time-sortable identity.
type ID string

// periodEntropy keeps ids minted within the same millisecond in minting order.
var (
	entropyMu     sync.Mutex
	periodEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID mints a fresh period id.
func NewID() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), periodEntropy).String())
}

// Period is one presentation interval.
type Period struct {
	mu sync.Mutex

	id ID

	streams []*stream.Stream
	tracks  map[track.ID]*track.Track
	// byStreamID indexes the period's streams by the upstream stream id a FormatCollaborator
	// assigned them.
	byStreamID map[string]*stream.Stream

	startTime time.Duration

	prepared      bool
	closed        bool
	hasNextPeriod bool
}

// New constructs an empty, unprepared Period.
func New(startTime time.Duration) *Period {
	return &Period{
		id:         NewID(),
		tracks:     make(map[track.ID]*track.Track),
		byStreamID: make(map[string]*stream.Stream),
		startTime:  startTime,
	}
}

// ID returns the period's identity.
func (p *Period) ID() ID { return p.id }

// StartTime returns the period's start in the presentation's running-time base.
func (p *Period) StartTime() time.Duration { return p.startTime }

// AddStream registers a Stream with this period.
func (p *Period) AddStream(s *stream.Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, s)
	p.byStreamID[s.ID()] = s
}

// AddTrack registers a Track fed by one of this period's streams (add_track).
func (p *Period) AddTrack(t *track.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks[t.ID] = t
}

// Streams returns a snapshot of the period's streams.
func (p *Period) Streams() []*stream.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*stream.Stream, len(p.streams))
	copy(out, p.streams)
	return out
}

// Tracks returns a snapshot of the period's tracks, keyed by track id.
func (p *Period) Tracks() map[track.ID]*track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[track.ID]*track.Track, len(p.tracks))
	for k, v := range p.tracks {
		out[k] = v
	}
	return out
}

// SetPrepared/SetClosed/SetHasNextPeriod and their getters track the period's prepared, closed,
// and has-next-period flags.
func (p *Period) SetPrepared(v bool)      { p.mu.Lock(); p.prepared = v; p.mu.Unlock() }
func (p *Period) Prepared() bool          { p.mu.Lock(); defer p.mu.Unlock(); return p.prepared }
func (p *Period) SetClosed(v bool)        { p.mu.Lock(); p.closed = v; p.mu.Unlock() }
func (p *Period) Closed() bool            { p.mu.Lock(); defer p.mu.Unlock(); return p.closed }
func (p *Period) SetHasNextPeriod(v bool) { p.mu.Lock(); p.hasNextPeriod = v; p.mu.Unlock() }
func (p *Period) HasNextPeriod() bool     { p.mu.Lock(); defer p.mu.Unlock(); return p.hasNextPeriod }

// SelectDefaultTracks picks one track per Kind, preferring tracks flagged select-by-default,
// and marks them Selected. Tracks are held in a map, so which of several equally flagged tracks
// of a Kind is picked is not defined.
func (p *Period) SelectDefaultTracks() map[collab.Kind]*track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()

	chosen := make(map[collab.Kind]*track.Track)
	preferredSet := make(map[collab.Kind]bool)

	for _, t := range p.tracks {
		kind := t.Kind
		cur, have := chosen[kind]
		switch {
		case !have:
			chosen[kind] = t
			preferredSet[kind] = t.SelectByDefault
		case t.SelectByDefault && !preferredSet[kind]:
			chosen[kind] = t
			preferredSet[kind] = true
		default:
			_ = cur
		}
	}

	for _, t := range chosen {
		t.SetSelected(true)
	}
	return chosen
}

// TransferSelection matches tracks of next (this period) against the currently selected tracks
// of current by upstream stream id, falling back to Kind when no stream-id match exists. It
// returns the tracks in `next` that should become selected.
func TransferSelection(current, next *Period) map[collab.Kind]*track.Track {
	current.mu.Lock()
	currentSelected := make(map[string]collab.Kind) // upstream stream id -> kind, for selected tracks
	for _, t := range current.tracks {
		if t.Selected() {
			currentSelected[t.UpstreamStreamID] = t.Kind
		}
	}
	current.mu.Unlock()

	next.mu.Lock()
	defer next.mu.Unlock()

	byStreamID := make(map[string]*track.Track)
	byKindFirst := make(map[collab.Kind]*track.Track)
	for _, t := range next.tracks {
		byStreamID[t.UpstreamStreamID] = t
		if _, ok := byKindFirst[t.Kind]; !ok {
			byKindFirst[t.Kind] = t
		}
	}

	result := make(map[collab.Kind]*track.Track)
	for streamID, kind := range currentSelected {
		if t, ok := byStreamID[streamID]; ok {
			result[kind] = t
			continue
		}
		if t, ok := byKindFirst[kind]; ok {
			result[kind] = t
		}
	}
	for k, t := range result {
		_ = k
		t.SetSelected(true)
	}
	return result
}

// StopTasks stops every stream in the period, used when the period is
// being torn down (flush, EOS, or replaced by a seek).
func (p *Period) StopTasks() {
	p.mu.Lock()
	streams := make([]*stream.Stream, len(p.streams))
	copy(streams, p.streams)
	p.mu.Unlock()

	for _, s := range streams {
		s.Stop()
	}
}

// HasPendingTracks reports whether any track in the period is still draining a replacement.
func (p *Period) HasPendingTracks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tracks {
		if t.Draining() {
			return true
		}
	}
	return false
}

// CheckInputWakeup calls OutputSpaceAvailable on every stream whose NextInputWakeup has elapsed
// relative to currentOutput, and returns the earliest still-pending wakeup across the period.
func (p *Period) CheckInputWakeup(currentOutput time.Duration) (time.Duration, bool) {
	p.mu.Lock()
	streams := make([]*stream.Stream, len(p.streams))
	copy(streams, p.streams)
	p.mu.Unlock()

	var earliest time.Duration
	haveEarliest := false

	for _, s := range streams {
		pos, ok := s.NextInputWakeup()
		if !ok {
			continue
		}
		if pos <= currentOutput {
			s.NotifyOutputSpaceAvailable()
			continue
		}
		if !haveEarliest || pos < earliest {
			earliest = pos
			haveEarliest = true
		}
	}
	return earliest, haveEarliest
}

// CombineFlows reduces per-stream flow-return codes to a single status for the period: Flushing
// short-circuits; NotNegotiated or Error short-circuits with that value; all NotLinked yields
// NotLinked; else all Eos yields Eos; otherwise Ok.
func CombineFlows(statuses []collab.FlowStatus) collab.FlowStatus {
	if len(statuses) == 0 {
		return collab.FlowOK
	}
	for _, s := range statuses {
		if s == collab.FlowFlushing {
			return collab.FlowFlushing
		}
	}
	for _, s := range statuses {
		if s == collab.FlowNotNegotiated || s == collab.FlowError {
			return s
		}
	}
	allNotLinked := true
	for _, s := range statuses {
		if s != collab.FlowNotLinked {
			allNotLinked = false
			break
		}
	}
	if allNotLinked {
		return collab.FlowNotLinked
	}
	allEOS := true
	for _, s := range statuses {
		if s != collab.FlowEOS {
			allEOS = false
			break
		}
	}
	if allEOS {
		return collab.FlowEOS
	}
	return collab.FlowOK
}

// String identifies a period for logging.
func (p *Period) String() string {
	return fmt.Sprintf("period(%s)", p.id)
}
