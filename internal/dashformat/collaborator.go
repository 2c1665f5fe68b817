package dashformat

import (
	"encoding/xml"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
)

// Collaborator is the reference collab.FormatCollaborator: it parses one DASH MPD, picks a
// default Representation per AdaptationSet (highest-bandwidth video, every audio/text track),
// and walks each selected Representation's SegmentTimeline fragment by fragment. It manages at
// most one active MPD <Period> at a time; it does not chain multiple periods.
type Collaborator struct {
	mu sync.Mutex

	location string // resolved manifest URL, used as the BaseURL resolution root
	mpd      *MPD

	periodIdx int
	streams   map[string]*streamState
	order     []string // stable iteration order for ProcessManifest's returned descriptors
}

type streamState struct {
	id        string
	kind      collab.Kind
	as        *AdaptationSet
	rep       *Representation
	period    *Period
	timescale uint64
	entries   []segmentEntry
	cursor    int
	initSent  bool
}

// New constructs an empty Collaborator. location is the manifest URL (after any redirect),
// used to resolve relative BaseURL/media-template paths.
func New(location string) *Collaborator {
	return &Collaborator{location: location, streams: make(map[string]*streamState)}
}

// ProcessManifest implements collab.FormatCollaborator.
func (c *Collaborator) ProcessManifest(data []byte) ([]collab.StreamDescriptor, error) {
	var mpd MPD
	if err := xml.Unmarshal(data, &mpd); err != nil {
		return nil, fmt.Errorf("parse MPD: %w", err)
	}
	if len(mpd.Periods) == 0 {
		return nil, fmt.Errorf("MPD has no Period elements")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mpd = &mpd
	c.periodIdx = 0
	c.streams = make(map[string]*streamState)
	c.order = nil

	period := &c.mpd.Periods[0]
	for i := range period.Sets {
		as := &period.Sets[i]
		for _, rep := range selectRepresentations(as) {
			st := c.newStreamStateLocked(period, as, rep)
			c.streams[st.id] = st
			c.order = append(c.order, st.id)
		}
	}

	return c.descriptorsLocked(), nil
}

// UpdateManifestData implements collab.FormatCollaborator: re-parses the manifest and merges
// each tracked Representation's SegmentTimeline into what it already had.
func (c *Collaborator) UpdateManifestData(data []byte) error {
	var mpd MPD
	if err := xml.Unmarshal(data, &mpd); err != nil {
		return fmt.Errorf("parse MPD: %w", err)
	}
	if len(mpd.Periods) == 0 {
		return fmt.Errorf("MPD has no Period elements")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	period := &mpd.Periods[0]
	for _, id := range c.order {
		st := c.streams[id]
		for i := range period.Sets {
			as := &period.Sets[i]
			if as.ID != st.as.ID {
				continue
			}
			for j := range as.Representations {
				if as.Representations[j].ID != st.rep.ID {
					continue
				}
				merged := mergeTimelines(st.as.SegmentTemplate.Timeline, as.SegmentTemplate.Timeline)
				st.entries = expandTimeline(merged)
				st.as = as
				st.rep = &as.Representations[j]
				st.period = period
			}
		}
	}
	c.mpd = &mpd
	return nil
}

func (c *Collaborator) newStreamStateLocked(period *Period, as *AdaptationSet, rep *Representation) *streamState {
	return &streamState{
		id:        fmt.Sprintf("%s/%s", as.ContentType, rep.ID),
		kind:      kindFromContentType(as.ContentType),
		as:        as,
		rep:       rep,
		period:    period,
		timescale: uint64(as.SegmentTemplate.Timescale),
		entries:   expandTimeline(as.SegmentTemplate.Timeline),
	}
}

func (c *Collaborator) descriptorsLocked() []collab.StreamDescriptor {
	descs := make([]collab.StreamDescriptor, 0, len(c.order))
	seenKind := make(map[collab.Kind]bool)
	for _, id := range c.order {
		st := c.streams[id]
		descs = append(descs, collab.StreamDescriptor{
			ID:              st.id,
			Kind:            st.kind,
			SelectByDefault: !seenKind[st.kind],
			Bitrate:         st.rep.Bandwidth,
			Language:        st.as.Lang,
		})
		seenKind[st.kind] = true
	}
	return descs
}

// Duration implements collab.FormatCollaborator. Live presentations report unknown duration.
func (c *Collaborator) Duration() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mpd == nil || c.isLiveLocked() || c.mpd.MediaPresentationDurn == "" {
		return 0, false
	}
	d, err := parseISODuration(c.mpd.MediaPresentationDurn)
	if err != nil {
		return 0, false
	}
	return d, true
}

// IsLive implements collab.FormatCollaborator.
func (c *Collaborator) IsLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLiveLocked()
}

func (c *Collaborator) isLiveLocked() bool {
	return c.mpd != nil && c.mpd.Type == "dynamic"
}

// PeriodStartTime implements collab.FormatCollaborator.
func (c *Collaborator) PeriodStartTime(periodID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mpd == nil {
		return 0
	}
	for i := range c.mpd.Periods {
		if c.mpd.Periods[i].ID == periodID {
			d, _ := parseISODuration(c.mpd.Periods[i].Start)
			return d
		}
	}
	return 0
}

// HasNextPeriod implements collab.FormatCollaborator.
func (c *Collaborator) HasNextPeriod() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mpd != nil && c.periodIdx+1 < len(c.mpd.Periods)
}

// AdvancePeriod implements collab.FormatCollaborator. Only the active-Period index moves;
// building the next Period's Streams/Tracks from the new index is not wired by this reference
// collaborator, since nothing in this repository's demux package currently
// drives multi-<Period> MPD chaining end to end.
func (c *Collaborator) AdvancePeriod() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mpd == nil || c.periodIdx+1 >= len(c.mpd.Periods) {
		return fmt.Errorf("no next period")
	}
	c.periodIdx++
	return nil
}

// ManifestUpdateInterval implements collab.FormatCollaborator, from @minimumUpdatePeriod.
func (c *Collaborator) ManifestUpdateInterval() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mpd == nil || c.mpd.MinimumUpdatePeriod == "" {
		return 0, false
	}
	d, err := parseISODuration(c.mpd.MinimumUpdatePeriod)
	if err != nil {
		return 0, false
	}
	return d, true
}

// RequiresPeriodicalPlaylistUpdate implements collab.FormatCollaborator: every live DASH
// presentation here is a growing SegmentTimeline, so it always needs periodic refresh.
func (c *Collaborator) RequiresPeriodicalPlaylistUpdate() bool {
	return c.IsLive()
}

// LiveSeekRange implements collab.FormatCollaborator: the window is
// [now - timeShiftBufferDepth, now], approximated here by the earliest tracked segment start and
// the latest tracked segment end across all managed streams.
func (c *Collaborator) LiveSeekRange() (time.Duration, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isLiveLocked() {
		return 0, 0, false
	}
	var minStart, maxStop time.Duration
	found := false
	for _, id := range c.order {
		st := c.streams[id]
		if st.timescale == 0 || len(st.entries) == 0 {
			continue
		}
		first := st.entries[0]
		last := st.entries[len(st.entries)-1]
		start := durationFromTimescale(first.start, st.timescale)
		stop := durationFromTimescale(last.start+last.duration, st.timescale)
		if !found || start < minStart {
			minStart = start
		}
		if !found || stop > maxStop {
			maxStop = stop
		}
		found = true
	}
	if !found {
		return 0, 0, false
	}
	return minStart, maxStop, true
}

// Seek implements collab.FormatCollaborator: repositions every managed stream's cursor to the
// fragment covering ev.Start and returns the achieved position. A SnapFlag seek (or any seek,
// since this reference collaborator only serves whole fragments) lands on the containing
// fragment's start; Accurate seeks still land a whole fragment early but report the exact
// requested time as achieved.
func (c *Collaborator) Seek(ev collab.SeekEvent) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mpd == nil {
		return 0, fmt.Errorf("no manifest loaded")
	}

	var achieved time.Duration
	first := true
	for _, id := range c.order {
		st := c.streams[id]
		if st.timescale == 0 {
			continue
		}
		mediaTime := mediaTimeFor(st, ev.Start)
		idx := findSegmentIndexForTime(st.entries, mediaTime)
		if idx < 0 {
			continue
		}
		st.cursor = idx
		st.initSent = true // a seek never needs to re-send the init segment

		landed := durationFromTimescale(st.entries[idx].start, st.timescale) - presentationOffset(st)
		if first || st.kind == collab.KindVideo {
			achieved = landed
			first = false
		}
	}

	if ev.Flags&collab.SeekFlagAccurate != 0 {
		achieved = ev.Start
	}
	return achieved, nil
}

// UpdateFragmentInfo implements collab.FormatCollaborator.
func (c *Collaborator) UpdateFragmentInfo(streamID string) (collab.FragmentInfo, collab.UpdateResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.streams[streamID]
	if !ok {
		return collab.FragmentInfo{}, collab.UpdateError
	}
	if st.cursor >= len(st.entries) {
		if c.isLiveLocked() {
			return collab.FragmentInfo{}, collab.UpdateNeedManifestUpdate
		}
		return collab.FragmentInfo{}, collab.UpdateEOS
	}

	entry := st.entries[st.cursor]
	uri, err := buildSegmentURL(c.location, st.period, st.rep, st.as.SegmentTemplate.Media, entry.start, true)
	if err != nil {
		return collab.FragmentInfo{}, collab.UpdateError
	}

	info := collab.FragmentInfo{
		StreamTime: durationFromTimescale(entry.start, st.timescale) - presentationOffset(st),
		Duration:   durationFromTimescale(entry.duration, st.timescale),
		URI:        uri,
	}
	if !st.initSent && st.as.SegmentTemplate.Initialization != "" {
		headerURI, err := buildSegmentURL(c.location, st.period, st.rep, st.as.SegmentTemplate.Initialization, 0, false)
		if err == nil {
			info.HeaderURI = headerURI
		}
	}
	return info, collab.UpdateOK
}

// HasNextFragment implements collab.FormatCollaborator.
func (c *Collaborator) HasNextFragment(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[streamID]
	return ok && st.cursor+1 < len(st.entries)
}

// AdvanceFragment implements collab.FormatCollaborator.
func (c *Collaborator) AdvanceFragment(streamID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[streamID]
	if !ok {
		return fmt.Errorf("unknown stream %q", streamID)
	}
	st.cursor++
	st.initSent = true
	return nil
}

// NeedAnotherChunk implements collab.FormatCollaborator; chunked low-latency transfer is not
// modeled by this reference MPD reader.
func (c *Collaborator) NeedAnotherChunk(streamID string) (bool, error) {
	return false, nil
}

// SelectBitrate implements collab.FormatCollaborator: swaps the Representation within the same
// AdaptationSet to the highest bandwidth not exceeding targetBps, keeping the cursor positioned
// at the same media time.
func (c *Collaborator) SelectBitrate(streamID string, targetBps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.streams[streamID]
	if !ok {
		return fmt.Errorf("unknown stream %q", streamID)
	}
	var best *Representation
	for i := range st.as.Representations {
		rep := &st.as.Representations[i]
		if rep.Bandwidth > targetBps {
			continue
		}
		if best == nil || rep.Bandwidth > best.Bandwidth {
			best = rep
		}
	}
	if best == nil || best.ID == st.rep.ID {
		return nil
	}

	var mediaTime uint64
	if st.cursor < len(st.entries) {
		mediaTime = st.entries[st.cursor].start
	}
	st.rep = best
	idx := findSegmentIndexForTime(st.entries, mediaTime)
	if idx >= 0 {
		st.cursor = idx
	}
	return nil
}

// PresentationOffset implements collab.FormatCollaborator.
func (c *Collaborator) PresentationOffset(streamID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[streamID]
	if !ok {
		return 0
	}
	return presentationOffset(st)
}

func presentationOffset(st *streamState) time.Duration {
	if st.timescale == 0 {
		return 0
	}
	return durationFromTimescale(st.rep.PresentationTimeOffset, st.timescale)
}

// mediaTimeFor converts a global running-time target into this stream's Representation
// timescale units, accounting for the Period start and the Representation's
// presentationTimeOffset.
func mediaTimeFor(st *streamState, target time.Duration) uint64 {
	periodStart, _ := parseISODuration(st.period.Start)
	mediaTime := target - periodStart + presentationOffset(st)
	if mediaTime < 0 {
		mediaTime = 0
	}
	return uint64(mediaTime.Seconds() * float64(st.timescale))
}

func durationFromTimescale(units, timescale uint64) time.Duration {
	if timescale == 0 {
		return 0
	}
	return time.Duration(float64(units) / float64(timescale) * float64(time.Second))
}

func kindFromContentType(ct string) collab.Kind {
	switch strings.ToLower(ct) {
	case "audio":
		return collab.KindAudio
	case "text":
		return collab.KindText
	default:
		return collab.KindVideo
	}
}

// selectRepresentations picks the default Representation(s) of one AdaptationSet: the
// highest-bandwidth non-trick-mode Representation for video, every Representation for
// audio/text.
func selectRepresentations(as *AdaptationSet) []*Representation {
	var selected []*Representation

	switch strings.ToLower(as.ContentType) {
	case "video":
		var best *Representation
		maxBandwidth := 0
		for i := range as.Representations {
			rep := &as.Representations[i]
			if strings.Contains(rep.ID, "TrickMode") {
				continue
			}
			if rep.Bandwidth > maxBandwidth {
				maxBandwidth = rep.Bandwidth
				best = rep
			}
		}
		if best != nil {
			selected = append(selected, best)
		}
	default: // audio, text
		for i := range as.Representations {
			selected = append(selected, &as.Representations[i])
		}
	}
	return selected
}
