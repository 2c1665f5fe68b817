// Package seek implements the Seek/Flush Controller: validating and clipping an incoming seek,
// draining and flushing every Track, handing off to the format collaborator's own seek
// implementation, propagating FLUSH_START/FLUSH_STOP through the output slots, and restarting
// Streams at the new position. It is built against the FormatCollaborator boundary rather than
// one hardcoded manifest walk, so the same ten-step algorithm drives HLS, DASH, or any other
// manifest dialect.
package seek

import (
	"fmt"
	"sync"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/period"
	"github.com/ericcug/adaptivedemux2/internal/reactor"
	"github.com/ericcug/adaptivedemux2/internal/slot"
	"github.com/ericcug/adaptivedemux2/internal/stream"
	"github.com/ericcug/adaptivedemux2/internal/track"
	"github.com/google/uuid"
)

// Hooks bundle the presentation-level period-queue access the Controller needs without importing
// internal/demux (which in turn depends on seek), mirroring internal/pump.Hooks.
type Hooks struct {
	// CurrentPeriod returns the period currently feeding the output slots.
	CurrentPeriod func() *period.Period
	// NextPeriod returns the period queued after CurrentPeriod, or nil if the manifest has not
	// yet produced one.
	NextPeriod func() *period.Period
	// PromotePeriod installs next as the new CurrentPeriod.
	PromotePeriod func(next *period.Period)
}

// Config bundles a Controller's collaborators at construction time.
type Config struct {
	Reactor      *reactor.Loop
	Collaborator collab.FormatCollaborator
	Consumer     collab.Consumer
	Slots        *slot.Manager
	Hooks        Hooks
}

// Controller is the Seek/Flush Controller.
type Controller struct {
	mu sync.Mutex

	reactor      *reactor.Loop
	collaborator collab.FormatCollaborator
	consumer     collab.Consumer
	slots        *slot.Manager
	hooks        Hooks

	segment     track.Segment
	lastSeqnum  string
	instantRate float64
}

// New constructs a Controller.
func New(cfg Config) *Controller {
	return &Controller{
		reactor:      cfg.Reactor,
		collaborator: cfg.Collaborator,
		consumer:     cfg.Consumer,
		slots:        cfg.Slots,
		hooks:        cfg.Hooks,
		segment:      track.ZeroSegment,
		instantRate:  1,
	}
}

// CurrentSegment returns the demuxer segment installed by the most recent successful seek.
func (c *Controller) CurrentSegment() track.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segment
}

// Seek runs the ten-step flushing-seek algorithm, holding the reactor's pause guard from step 3
// through step 10; callers invoke it from the API context.
func (c *Controller) Seek(ev collab.SeekEvent) error {
	if ev.Seqnum == "" {
		ev.Seqnum = uuid.NewString()
	}

	c.mu.Lock()
	duplicate := ev.Seqnum == c.lastSeqnum
	c.mu.Unlock()
	if duplicate {
		// P3: duplicate seqnums across FLUSH_START/FLUSH_STOP/SEGMENT are dropped.
		return nil
	}

	// Step 1: instant-rate-change seeks skip steps 2-9 entirely.
	if ev.Flags&collab.SeekFlagInstantRateChange != 0 {
		c.mu.Lock()
		c.instantRate = ev.RateMultiplier
		c.lastSeqnum = ev.Seqnum
		c.mu.Unlock()
		c.broadcastRateChange(ev)
		return nil
	}

	if ev.Flags&collab.SeekFlagFlush == 0 {
		return collab.Wrap(collab.ErrIncompatibleContext, fmt.Errorf("non-flushing segment seeks are not supported"))
	}

	// Step 2: clip to the live seek range. An ACCURATE seek keeps its requested start as given,
	// trusting the caller, but the stop edge still never exceeds the live edge.
	if c.collaborator.IsLive() {
		if liveStart, liveStop, ok := c.collaborator.LiveSeekRange(); ok {
			accurate := ev.Flags&collab.SeekFlagAccurate != 0
			if ev.Start < liveStart && !accurate {
				ev.Start = liveStart
			}
			if ev.Stop > 0 && ev.Stop > liveStop {
				ev.Stop = liveStop
			}
		}
	}

	guard := c.reactor.PauseAndLock()

	current := c.hooks.CurrentPeriod()
	if current == nil {
		guard.Unlock()
		return collab.Wrap(collab.ErrNoPlayableStreams, fmt.Errorf("seek: no current period"))
	}

	// Step 3: FLUSH_START to every slot.
	c.pushToAllSlots(track.Item{Kind: track.ItemEvent, IsFlushStart: true, EventKind: collab.StickyFlushStart, EventPayload: ev.Seqnum})

	// Step 4: stop all period tasks (the manifest updater's own schedule is untouched).
	current.StopTasks()

	// Step 5: reset every track.
	for _, t := range current.Tracks() {
		t.SetActive(false)
		t.Flush()
		t.SetActive(true)
	}

	// Step 6: snap to a real fragment time before the authoritative seek.
	if ev.Flags&collab.SeekFlagSnap != 0 {
		if snapStream := activeOrDefaultStream(current); snapStream != nil {
			pos, err := snapStream.Seek(ev)
			if err != nil {
				guard.Unlock()
				return collab.Wrap(collab.ErrLostSync, err)
			}
			ev.Start = pos
		}
	}

	// Step 7: the authoritative, collaborator-specific demuxer seek.
	pos, err := c.collaborator.Seek(ev)
	if err != nil {
		guard.Unlock()
		return collab.Wrap(collab.ErrLostSync, err)
	}
	rate := ev.RateMultiplier
	if rate == 0 {
		rate = 1
	}
	if !ev.Forward {
		rate = -rate
	}
	newSegment := track.Segment{Rate: rate, Start: ev.Start, Stop: ev.Stop, Position: pos, Seqnum: ev.Seqnum}
	c.mu.Lock()
	c.segment = newSegment
	c.lastSeqnum = ev.Seqnum
	c.mu.Unlock()

	// Step 8: a period change across the seek hands selection off to the new period.
	var next *period.Period
	if c.hooks.NextPeriod != nil {
		next = c.hooks.NextPeriod()
	}
	if next != nil && next != current {
		for _, t := range current.Tracks() {
			t.QueueEvent(track.Item{Kind: track.ItemEvent, IsEOS: true})
		}
		c.slots.ClearPending()
		period.TransferSelection(current, next)
		next.SetPrepared(true)
		c.hooks.PromotePeriod(next)
		current = next
	}

	// Step 9: FLUSH_STOP with the same seqnum.
	c.pushToAllSlots(track.Item{Kind: track.ItemEvent, IsFlushStop: true, EventKind: collab.StickyFlushStop, EventPayload: ev.Seqnum})

	// Step 10: restart every stream of the (possibly new) current period from the new segment.
	for _, s := range current.Streams() {
		if t, ok := trackByUpstream(current, s.ID()); ok {
			t.SetInputSegment(newSegment)
		}
		s.Start()
	}

	guard.Unlock()
	return nil
}

func (c *Controller) pushToAllSlots(item track.Item) {
	if c.consumer == nil {
		return
	}
	for _, s := range c.slots.Slots() {
		c.consumer.Push(s.ID, item)
	}
}

func (c *Controller) broadcastRateChange(ev collab.SeekEvent) {
	if c.consumer == nil {
		return
	}
	for _, s := range c.slots.Slots() {
		c.consumer.SendEvent(s.ID, collab.StickyCustom, ev.RateMultiplier)
	}
}

// trackByUpstream finds the track fed by the stream whose id is upstreamID.
func trackByUpstream(p *period.Period, upstreamID string) (*track.Track, bool) {
	for _, t := range p.Tracks() {
		if t.UpstreamStreamID == upstreamID {
			return t, true
		}
	}
	return nil, false
}

// activeOrDefaultStream picks the stream feeding an active track, falling back to one feeding a
// select-by-default track, falling back to the period's first stream.
func activeOrDefaultStream(p *period.Period) *stream.Stream {
	streams := p.Streams()
	if len(streams) == 0 {
		return nil
	}
	tracks := p.Tracks()
	byUpstream := make(map[string]*track.Track, len(tracks))
	for _, t := range tracks {
		byUpstream[t.UpstreamStreamID] = t
	}
	for _, s := range streams {
		if t, ok := byUpstream[s.ID()]; ok && t.Active() {
			return s
		}
	}
	for _, s := range streams {
		if t, ok := byUpstream[s.ID()]; ok && t.SelectByDefault {
			return s
		}
	}
	return streams[0]
}
