// Package collab defines the boundary contracts the core scheduler consumes: the HTTP download
// helper, the elementary-stream parser sink, the demuxer-format collaborator (HLS/DASH/MSS), and
// the downstream consumer. Concrete implementations live in internal/httpfetch,
// internal/dashformat, and internal/hlsout; the scheduler itself depends only on these
// interfaces.
package collab

import (
	"context"
	"net/http"
	"time"
)

// Flags control a single download request.
type Flags uint8

const (
	FlagNone Flags = 0
	// FlagCompress requests a compressed transfer encoding where supported.
	FlagCompress Flags = 1 << iota
	// FlagForceRefresh bypasses any intermediate cache.
	FlagForceRefresh
	// FlagHeaderOnly requests only a byte-range header/index sub-request.
	FlagHeaderOnly
)

// Request describes one HTTP fetch.
type Request struct {
	URL         string
	ByteRangeOK bool
	RangeStart  int64
	RangeEnd    int64 // inclusive, 0 means "to end" when RangeStart==0 and RangeEnd==0
}

// Handle identifies an in-flight or completed download; Cancel is idempotent.
type Handle interface {
	Cancel()
}

// Stats carries the per-fragment timing used for bitrate estimation and the
// adaptive-streaming-statistics bus element.
type Stats struct {
	URL           string
	BytesReceived int64
	Started       time.Time
	Completed     time.Time
	StatusCode    int
}

// DownloadHelper is the HTTP transport boundary.
type DownloadHelper interface {
	Submit(ctx context.Context, req Request, flags Flags, onComplete func(Stats, []byte, error)) Handle
	SetUserAgent(ua string)
	SetCookies(cookies []*http.Cookie)
	SetReferer(referer string)
}

// ProgressFunc is invoked as bytes arrive for a streamed download.
type ProgressFunc func(bytesSoFar int64)

// ParserSink receives parsed elementary data for one track from the Parser collaborator. The
// core discards the parser's own stream-start/stream-collection and suppresses EOS during a
// pending replacement; see internal/track.
type ParserSink interface {
	OnBuffer(trackID string, data []byte, flags int, ts, dur time.Duration, discont bool)
	OnSticky(trackID string, kind StickyKind, payload any)
	OnSegment(trackID string, rate float64, start, stop, position time.Duration)
	OnGap(trackID string, position, duration time.Duration)
	OnEOS(trackID string)
}

// StickyKind enumerates the sticky event kinds an EventStore replays on restart/switch.
type StickyKind int

const (
	StickyStreamStart StickyKind = iota
	StickyCaps
	StickySegment
	StickyTag
	StickyCustom
	// StickyEOS and the two flush kinds are not cached for replay (EOS ends a Track, flush
	// brackets a seek) but share the EventKind field so Consumer.SendEvent always receives an
	// unambiguous kind instead of the zero value.
	StickyEOS
	StickyFlushStart
	StickyFlushStop
)

func (k StickyKind) String() string {
	switch k {
	case StickyStreamStart:
		return "stream-start"
	case StickyCaps:
		return "caps"
	case StickySegment:
		return "segment"
	case StickyTag:
		return "tag"
	case StickyCustom:
		return "custom-sticky"
	case StickyEOS:
		return "eos"
	case StickyFlushStart:
		return "flush-start"
	case StickyFlushStop:
		return "flush-stop"
	default:
		return "unknown-sticky"
	}
}

// UpdateResult is the outcome of FormatCollaborator.UpdateFragmentInfo.
type UpdateResult int

const (
	UpdateOK UpdateResult = iota
	UpdateEOS
	UpdateNeedManifestUpdate
	UpdateBusy
	UpdateError
)

// FragmentInfo describes the next fragment a Stream should download.
type FragmentInfo struct {
	StreamTime time.Duration
	Duration   time.Duration
	URI        string
	RangeStart int64
	RangeEnd   int64 // 0,0 means whole resource
	HeaderURI  string
	IndexURI   string
	ChunkSize  int64
}

// StreamDescriptor is the minimal per-stream metadata a FormatCollaborator exposes when a
// StreamCollection is (re)computed.
type StreamDescriptor struct {
	ID             string
	Kind           Kind
	SelectByDefault bool
	Bitrate        int
	Language       string
}

// Kind is the media kind of a Track/Stream.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// SeekFlags mirror the downstream consumer's seek request flags.
type SeekFlags uint8

const (
	SeekFlagNone SeekFlags = 0
	SeekFlagFlush SeekFlags = 1 << iota
	SeekFlagAccurate
	SeekFlagSnap
	SeekFlagInstantRateChange
)

// SeekEvent is the input to FormatCollaborator.Seek and internal/seek.Controller.
type SeekEvent struct {
	Seqnum       string
	Forward      bool
	Flags        SeekFlags
	Start        time.Duration
	Stop         time.Duration
	RateMultiplier float64
}

// FormatCollaborator is the single trait capturing the demuxer-format collaborator methods.
// internal/dashformat is the one concrete implementation in this repo.
type FormatCollaborator interface {
	ProcessManifest(data []byte) ([]StreamDescriptor, error)
	UpdateManifestData(data []byte) error
	Duration() (time.Duration, bool)
	IsLive() bool
	PeriodStartTime(periodID string) time.Duration
	HasNextPeriod() bool
	AdvancePeriod() error
	ManifestUpdateInterval() (time.Duration, bool)
	RequiresPeriodicalPlaylistUpdate() bool
	LiveSeekRange() (start, stop time.Duration, ok bool)
	Seek(ev SeekEvent) (time.Duration, error)
	UpdateFragmentInfo(streamID string) (FragmentInfo, UpdateResult)
	HasNextFragment(streamID string) bool
	AdvanceFragment(streamID string) error
	NeedAnotherChunk(streamID string) (bool, error)
	SelectBitrate(streamID string, targetBps int) error
	PresentationOffset(streamID string) time.Duration
}

// FlowStatus mirrors a GStreamer-like pad flow return, used by combine_flows (P5).
type FlowStatus int

const (
	FlowOK FlowStatus = iota
	FlowNotLinked
	FlowFlushing
	FlowEOS
	FlowNotNegotiated
	FlowError
)

// Consumer is the downstream sink boundary.
type Consumer interface {
	Push(slotID string, item any) FlowStatus
	SendEvent(slotID string, kind StickyKind, payload any) FlowStatus
	Seek(ev SeekEvent)
	SelectStreams(trackIDs []string, seqnum string)
	QoS(earliest time.Duration)
	Latency(d time.Duration)
}

// BusSink receives presentation notifications for fan-out to interested listeners.
// internal/bus.Bus is the one concrete implementation.
type BusSink interface {
	Publish(kind string, payload any)
}
