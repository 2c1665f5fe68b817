package dashformat

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// segmentEntry is one flattened (start, duration) pair expanded out of a SegmentTimeline's
// S{T,D,R} repeat-compressed entries.
type segmentEntry struct {
	start    uint64
	duration uint64
}

// expandTimeline flattens a SegmentTimeline's repeat-compressed <S t= d= r=> entries into an
// ordered list of (start, duration) pairs, produced up front instead of walked once per lookup.
func expandTimeline(tl SegmentTimeline) []segmentEntry {
	var out []segmentEntry
	var cursor uint64
	for _, s := range tl.Segments {
		if s.T > 0 || (s.T == 0 && len(out) == 0) {
			cursor = s.T
		}
		for i := 0; i <= s.R; i++ {
			out = append(out, segmentEntry{start: cursor, duration: s.D})
			cursor += s.D
		}
	}
	return out
}

// mergeTimelines combines two SegmentTimelines, removing duplicate start times and keeping the
// result sorted, so a live MPD refresh only grows the list it already had.
func mergeTimelines(oldTimeline, newTimeline SegmentTimeline) SegmentTimeline {
	seen := make(map[uint64]S)
	for _, s := range oldTimeline.Segments {
		seen[s.T] = s
	}
	for _, s := range newTimeline.Segments {
		seen[s.T] = s
	}

	merged := make([]S, 0, len(seen))
	for _, s := range seen {
		merged = append(merged, s)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].T < merged[j].T })
	return SegmentTimeline{Segments: merged}
}

// findSegmentIndexForTime returns the index of the first flattened segment whose range
// [start, start+duration) contains t, or the last segment if t is past the live edge, or -1 if
// entries is empty.
func findSegmentIndexForTime(entries []segmentEntry, t uint64) int {
	if len(entries) == 0 {
		return -1
	}
	for i, e := range entries {
		if t < e.start+e.duration {
			return i
		}
	}
	return len(entries) - 1
}

// buildSegmentURL resolves a media-template or initialization-template URL against the MPD
// location and the Period's BaseURL, substituting $RepresentationID$ and $Time$. Both the media
// and initialization cases do the same two-step base resolution followed by one substitution
// pass, so they share this one resolver.
func buildSegmentURL(mpdLocationURL string, period *Period, rep *Representation, template string, segTime uint64, hasTime bool) (string, error) {
	mpdURL, err := url.Parse(mpdLocationURL)
	if err != nil {
		return "", fmt.Errorf("invalid mpd location %q: %w", mpdLocationURL, err)
	}

	base := mpdURL
	if period.BaseURL != "" {
		periodBase, err := url.Parse(period.BaseURL)
		if err != nil {
			return "", fmt.Errorf("invalid period BaseURL %q: %w", period.BaseURL, err)
		}
		base = mpdURL.ResolveReference(periodBase)
	}

	path := strings.Replace(template, "$RepresentationID$", rep.ID, 1)
	if hasTime {
		path = strings.Replace(path, "$Time$", strconv.FormatUint(segTime, 10), 1)
	}

	resolved, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid segment path %q: %w", path, err)
	}
	return base.ResolveReference(resolved).String(), nil
}
