package track

import "time"

// Segment is the input_segment/output_segment rate/start/stop transform used to turn a parser
// timestamp into a running time. Rate is signed: negative means reverse playback.
type Segment struct {
	Rate     float64
	Start    time.Duration
	Stop     time.Duration // zero means unbounded
	Position time.Duration
	Seqnum   string
}

// ZeroSegment is the reset state applied by Track.Flush.
var ZeroSegment = Segment{Rate: 1}

// ToRunningTime converts a parser timestamp into a running time under this segment, honoring
// forward or reverse playback depending on Rate's sign. ok is false when ts falls outside the
// segment.
func (s Segment) ToRunningTime(ts time.Duration) (rt time.Duration, ok bool) {
	if ts < s.Start {
		return 0, false
	}
	if s.Stop > 0 && ts > s.Stop {
		return 0, false
	}
	rate := s.Rate
	if rate == 0 {
		rate = 1
	}
	if rate > 0 {
		return time.Duration(float64(ts-s.Start) / rate), true
	}
	// Reverse playback: running time counts down from the segment stop.
	stop := s.Stop
	if stop == 0 {
		stop = ts
	}
	return time.Duration(float64(stop-ts) / -rate), true
}

// Reverse reports whether this segment plays backwards.
func (s Segment) Reverse() bool { return s.Rate < 0 }
