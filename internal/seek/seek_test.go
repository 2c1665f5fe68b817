package seek_test

import (
	"sync"
	"testing"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/period"
	"github.com/ericcug/adaptivedemux2/internal/reactor"
	"github.com/ericcug/adaptivedemux2/internal/seek"
	"github.com/ericcug/adaptivedemux2/internal/slot"
	"github.com/ericcug/adaptivedemux2/internal/stream"
	"github.com/ericcug/adaptivedemux2/internal/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollaborator struct {
	mu        sync.Mutex
	live      bool
	liveStart time.Duration
	liveStop  time.Duration
	liveOK    bool
	seekPos   time.Duration
	seekErr   error
	seekCalls int
	lastEvent collab.SeekEvent
}

func (f *fakeCollaborator) ProcessManifest([]byte) ([]collab.StreamDescriptor, error) { return nil, nil }
func (f *fakeCollaborator) UpdateManifestData([]byte) error                           { return nil }
func (f *fakeCollaborator) Duration() (time.Duration, bool)                           { return 0, false }
func (f *fakeCollaborator) IsLive() bool                                              { return f.live }
func (f *fakeCollaborator) PeriodStartTime(string) time.Duration                      { return 0 }
func (f *fakeCollaborator) HasNextPeriod() bool                                       { return false }
func (f *fakeCollaborator) AdvancePeriod() error                                      { return nil }
func (f *fakeCollaborator) ManifestUpdateInterval() (time.Duration, bool)             { return 0, false }
func (f *fakeCollaborator) RequiresPeriodicalPlaylistUpdate() bool                    { return false }
func (f *fakeCollaborator) LiveSeekRange() (time.Duration, time.Duration, bool) {
	return f.liveStart, f.liveStop, f.liveOK
}
func (f *fakeCollaborator) Seek(ev collab.SeekEvent) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seekCalls++
	f.lastEvent = ev
	return f.seekPos, f.seekErr
}
func (f *fakeCollaborator) UpdateFragmentInfo(string) (collab.FragmentInfo, collab.UpdateResult) {
	return collab.FragmentInfo{}, collab.UpdateEOS
}
func (f *fakeCollaborator) HasNextFragment(string) bool             { return false }
func (f *fakeCollaborator) AdvanceFragment(string) error            { return nil }
func (f *fakeCollaborator) NeedAnotherChunk(string) (bool, error)   { return false, nil }
func (f *fakeCollaborator) SelectBitrate(string, int) error         { return nil }
func (f *fakeCollaborator) PresentationOffset(string) time.Duration { return 0 }

type pushedEvent struct {
	slotID string
	item   track.Item
}

type fakeConsumer struct {
	mu       sync.Mutex
	pushed   []pushedEvent
	sentKind []collab.StickyKind
	sentVal  []any
}

func (c *fakeConsumer) Push(slotID string, item any) collab.FlowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, pushedEvent{slotID: slotID, item: item.(track.Item)})
	return collab.FlowOK
}
func (c *fakeConsumer) SendEvent(_ string, kind collab.StickyKind, payload any) collab.FlowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentKind = append(c.sentKind, kind)
	c.sentVal = append(c.sentVal, payload)
	return collab.FlowOK
}
func (c *fakeConsumer) Seek(collab.SeekEvent)             {}
func (c *fakeConsumer) SelectStreams([]string, string)    {}
func (c *fakeConsumer) QoS(time.Duration)                 {}
func (c *fakeConsumer) Latency(time.Duration)              {}

func (c *fakeConsumer) snapshot() []pushedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pushedEvent, len(c.pushed))
	copy(out, c.pushed)
	return out
}

func newPeriodWithStream(t *testing.T, loop *reactor.Loop, c collab.FormatCollaborator, id string) (*period.Period, *track.Track) {
	t.Helper()
	tr := track.New(track.ID(id+"-track"), id, collab.KindVideo, true)
	s := stream.New(stream.Config{
		ID: id, Kind: collab.KindVideo, Collaborator: c,
		Downloader: nil, Scheduler: loop, Track: tr,
	})
	p := period.New(0)
	p.AddStream(s)
	p.AddTrack(tr)
	return p, tr
}

func TestSeekRejectsNonFlushingSeek(t *testing.T) {
	loop := reactor.New()
	defer loop.Stop()
	c := &fakeCollaborator{}
	p, _ := newPeriodWithStream(t, loop, c, "video-1")
	ctrl := seek.New(seek.Config{
		Reactor: loop, Collaborator: c, Consumer: &fakeConsumer{}, Slots: slot.New(nil, nil),
		Hooks: seek.Hooks{CurrentPeriod: func() *period.Period { return p }},
	})

	err := ctrl.Seek(collab.SeekEvent{Seqnum: "s1", Flags: collab.SeekFlagNone})
	require.Error(t, err)
	var wrapped *collab.Error
	require.ErrorAs(t, err, &wrapped)
	assert.Equal(t, collab.ErrIncompatibleContext, wrapped.Kind)
}

func TestInstantRateChangeSkipsFlushAndBroadcastsRate(t *testing.T) {
	loop := reactor.New()
	defer loop.Stop()
	c := &fakeCollaborator{}
	p, tr := newPeriodWithStream(t, loop, c, "video-1")
	consumer := &fakeConsumer{}
	m := slot.New(nil, nil)
	m.Reconcile(map[collab.Kind]*track.Track{collab.KindVideo: tr})
	ctrl := seek.New(seek.Config{
		Reactor: loop, Collaborator: c, Consumer: consumer, Slots: m,
		Hooks: seek.Hooks{CurrentPeriod: func() *period.Period { return p }},
	})

	err := ctrl.Seek(collab.SeekEvent{Seqnum: "s1", Flags: collab.SeekFlagInstantRateChange, RateMultiplier: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, c.seekCalls) // never reaches the authoritative collaborator seek
	assert.Empty(t, consumer.snapshot())
	assert.Equal(t, []collab.StickyKind{collab.StickyCustom}, consumer.sentKind) // rate change sent to the one slot
	assert.Equal(t, []any{2.0}, consumer.sentVal)
}

func TestDuplicateSeqnumIsDropped(t *testing.T) {
	loop := reactor.New()
	defer loop.Stop()
	c := &fakeCollaborator{seekPos: 5 * time.Second}
	p, _ := newPeriodWithStream(t, loop, c, "video-1")
	m := slot.New(nil, nil)
	m.Reconcile(map[collab.Kind]*track.Track{collab.KindVideo: p.Tracks()["video-1-track"]})
	ctrl := seek.New(seek.Config{
		Reactor: loop, Collaborator: c, Consumer: &fakeConsumer{}, Slots: m,
		Hooks: seek.Hooks{CurrentPeriod: func() *period.Period { return p }},
	})

	require.NoError(t, ctrl.Seek(collab.SeekEvent{Seqnum: "dup", Flags: collab.SeekFlagFlush, Start: time.Second, Forward: true}))
	assert.Equal(t, 1, c.seekCalls)

	require.NoError(t, ctrl.Seek(collab.SeekEvent{Seqnum: "dup", Flags: collab.SeekFlagFlush, Start: 2 * time.Second, Forward: true}))
	assert.Equal(t, 1, c.seekCalls) // duplicate seqnum never reaches the collaborator again
}

func TestLiveSeekClipsStartUnlessAccurate(t *testing.T) {
	loop := reactor.New()
	defer loop.Stop()
	c := &fakeCollaborator{live: true, liveStart: 10 * time.Second, liveStop: 60 * time.Second, liveOK: true, seekPos: 10 * time.Second}
	p, _ := newPeriodWithStream(t, loop, c, "video-1")
	ctrl := seek.New(seek.Config{
		Reactor: loop, Collaborator: c, Consumer: &fakeConsumer{}, Slots: slot.New(nil, nil),
		Hooks: seek.Hooks{CurrentPeriod: func() *period.Period { return p }},
	})

	require.NoError(t, ctrl.Seek(collab.SeekEvent{Seqnum: "s1", Flags: collab.SeekFlagFlush, Start: time.Second, Forward: true}))
	assert.Equal(t, 10*time.Second, c.lastEvent.Start) // clipped up to live window start

	require.NoError(t, ctrl.Seek(collab.SeekEvent{Seqnum: "s2", Flags: collab.SeekFlagFlush | collab.SeekFlagAccurate, Start: time.Second, Forward: true}))
	assert.Equal(t, time.Second, c.lastEvent.Start) // ACCURATE keeps the requested start
}

func TestFlushStartAndStopBracketTheSeekWithMatchingSeqnum(t *testing.T) {
	loop := reactor.New()
	defer loop.Stop()
	c := &fakeCollaborator{seekPos: 3 * time.Second}
	p, tr := newPeriodWithStream(t, loop, c, "video-1")
	m := slot.New(nil, nil)
	m.Reconcile(map[collab.Kind]*track.Track{collab.KindVideo: tr})
	consumer := &fakeConsumer{}
	ctrl := seek.New(seek.Config{
		Reactor: loop, Collaborator: c, Consumer: consumer, Slots: m,
		Hooks: seek.Hooks{CurrentPeriod: func() *period.Period { return p }},
	})

	require.NoError(t, ctrl.Seek(collab.SeekEvent{Seqnum: "s1", Flags: collab.SeekFlagFlush, Start: 3 * time.Second, Forward: true}))

	events := consumer.snapshot()
	require.Len(t, events, 2)
	assert.True(t, events[0].item.IsFlushStart)
	assert.True(t, events[1].item.IsFlushStop)
	assert.Equal(t, "s1", events[0].item.EventPayload)
	assert.Equal(t, "s1", events[1].item.EventPayload)
}

func TestSeekInstallsNewSegmentOnEachFedTrack(t *testing.T) {
	loop := reactor.New()
	defer loop.Stop()
	c := &fakeCollaborator{seekPos: 7 * time.Second}
	p, tr := newPeriodWithStream(t, loop, c, "video-1")
	ctrl := seek.New(seek.Config{
		Reactor: loop, Collaborator: c, Consumer: &fakeConsumer{}, Slots: slot.New(nil, nil),
		Hooks: seek.Hooks{CurrentPeriod: func() *period.Period { return p }},
	})

	require.NoError(t, ctrl.Seek(collab.SeekEvent{Seqnum: "s1", Flags: collab.SeekFlagFlush, Start: 7 * time.Second, Forward: true}))

	seg := tr.InputSegment()
	assert.Equal(t, 7*time.Second, seg.Start)
	assert.Equal(t, 1.0, seg.Rate)
	assert.Equal(t, ctrl.CurrentSegment(), seg)
}

func TestReverseSeekProducesNegativeRateSegment(t *testing.T) {
	loop := reactor.New()
	defer loop.Stop()
	c := &fakeCollaborator{seekPos: 9 * time.Second}
	p, tr := newPeriodWithStream(t, loop, c, "video-1")
	ctrl := seek.New(seek.Config{
		Reactor: loop, Collaborator: c, Consumer: &fakeConsumer{}, Slots: slot.New(nil, nil),
		Hooks: seek.Hooks{CurrentPeriod: func() *period.Period { return p }},
	})

	require.NoError(t, ctrl.Seek(collab.SeekEvent{Seqnum: "s1", Flags: collab.SeekFlagFlush, Start: 9 * time.Second, Forward: false}))
	assert.True(t, tr.InputSegment().Reverse())
}

func TestSnapRewritesStartFromStreamSeek(t *testing.T) {
	loop := reactor.New()
	defer loop.Stop()
	c := &fakeCollaborator{seekPos: 4 * time.Second}
	p, tr := newPeriodWithStream(t, loop, c, "video-1")
	tr.SetActive(true)
	ctrl := seek.New(seek.Config{
		Reactor: loop, Collaborator: c, Consumer: &fakeConsumer{}, Slots: slot.New(nil, nil),
		Hooks: seek.Hooks{CurrentPeriod: func() *period.Period { return p }},
	})

	require.NoError(t, ctrl.Seek(collab.SeekEvent{Seqnum: "s1", Flags: collab.SeekFlagFlush | collab.SeekFlagSnap, Start: time.Second, Forward: true}))
	// Two collaborator.Seek calls: one snap preview (via the stream), one authoritative.
	assert.Equal(t, 2, c.seekCalls)
	assert.Equal(t, 4*time.Second, c.lastEvent.Start)
}

func TestPeriodChangeTransfersSelectionAndPromotesNext(t *testing.T) {
	loop := reactor.New()
	defer loop.Stop()
	c := &fakeCollaborator{seekPos: time.Second}
	current, curTrack := newPeriodWithStream(t, loop, c, "video-1")
	curTrack.SetSelected(true)

	nextTrack := track.New("video-1-track-p2", "video-1", collab.KindVideo, true)
	nextStream := stream.New(stream.Config{ID: "video-1", Kind: collab.KindVideo, Collaborator: c, Scheduler: loop, Track: nextTrack})
	next := period.New(10 * time.Second)
	next.AddStream(nextStream)
	next.AddTrack(nextTrack)

	m := slot.New(nil, nil)
	m.Reconcile(map[collab.Kind]*track.Track{collab.KindVideo: curTrack})

	var promoted *period.Period
	ctrl := seek.New(seek.Config{
		Reactor: loop, Collaborator: c, Consumer: &fakeConsumer{}, Slots: m,
		Hooks: seek.Hooks{
			CurrentPeriod: func() *period.Period { return current },
			NextPeriod:    func() *period.Period { return next },
			PromotePeriod: func(p *period.Period) { promoted = p },
		},
	})

	require.NoError(t, ctrl.Seek(collab.SeekEvent{Seqnum: "s1", Flags: collab.SeekFlagFlush, Start: time.Second, Forward: true}))

	assert.True(t, curTrack.EOS()) // former output period's track marked EOS so the pump advances
	assert.True(t, nextTrack.Selected())
	assert.True(t, next.Prepared())
	assert.Same(t, next, promoted)
}
