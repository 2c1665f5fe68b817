// Package hlsout is the reference collab.Consumer: it repackages the Pump's pushed fragments
// into a live HLS media playlist per OutputSlot and serves the result over the API router. It
// renders one playlist per Slot/Kind rather than one per DASH representation, since ABR here is
// a track replacement inside a Kind rather than several simultaneously-fetchable HLS renditions.
package hlsout

import (
	"fmt"
	"sync"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/logger"
	"github.com/ericcug/adaptivedemux2/internal/track"
)

// Rendition is the per-Kind metadata the master playlist needs, supplied by the caller once the
// format collaborator has selected its default representations.
type Rendition struct {
	Kind     collab.Kind
	Bandwidth int
	Codecs   string
	Width    int
	Height   int
	Language string
}

type segment struct {
	index    int64
	uri      string
	duration time.Duration
	discont  bool
}

type slotState struct {
	mu sync.Mutex

	kind           collab.Kind
	segments       []segment
	mediaSequence  int64
	nextIndex      int64
	initURI        string
	eos            bool
	targetDuration time.Duration
}

// Consumer is the reference collab.Consumer: a live HLS repackager keyed by OutputSlot.
type Consumer struct {
	mu sync.RWMutex

	channelID   string
	log         logger.Logger
	bus         collab.BusSink
	cache       *SegmentCache
	keys        *KeyService
	maxSegments int

	slots map[string]*slotState
}

// Config bundles a Consumer's dependencies at construction time.
type Config struct {
	ChannelID   string
	Logger      logger.Logger
	Bus         collab.BusSink
	Keys        *KeyService
	MaxSegments int // live playlist window length; 0 defaults to 6
}

// New constructs a Consumer and starts its segment cache's eviction worker.
func New(cfg Config) *Consumer {
	max := cfg.MaxSegments
	if max <= 0 {
		max = 6
	}
	c := &Consumer{
		channelID:   cfg.ChannelID,
		log:         cfg.Logger,
		bus:         cfg.Bus,
		keys:        cfg.Keys,
		maxSegments: max,
		slots:       make(map[string]*slotState),
	}
	c.cache = NewSegmentCache(cfg.Logger, c.activeSegmentKeys)
	c.cache.Start()
	return c
}

// Stop shuts down the segment cache's eviction worker.
func (c *Consumer) Stop() { c.cache.Stop() }

func (c *Consumer) slotFor(slotID string) *slotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[slotID]
	if !ok {
		s = &slotState{targetDuration: 6 * time.Second}
		c.slots[slotID] = s
	}
	return s
}

// Push implements collab.Consumer: item is the track.Item the pump dequeued, either a timed fragment Buffer or a Gap drip-feed slice.
func (c *Consumer) Push(slotID string, item any) collab.FlowStatus {
	ti, ok := item.(track.Item)
	if !ok {
		return collab.FlowError
	}
	switch ti.Kind {
	case track.ItemBuffer:
		return c.pushBuffer(slotID, ti)
	case track.ItemGap:
		return collab.FlowOK
	default:
		return collab.FlowOK
	}
}

func (c *Consumer) pushBuffer(slotID string, ti track.Item) collab.FlowStatus {
	s := c.slotFor(slotID)
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.nextIndex
	s.nextIndex++
	uri := fmt.Sprintf("%s-%d.m4s", slotID, idx)
	c.cache.Set(c.segmentKey(slotID, idx), ti.Data)

	dur := ti.RTEnd - ti.RTStart
	if dur <= 0 {
		dur = s.targetDuration
	}
	if dur > s.targetDuration {
		s.targetDuration = dur
	}

	s.segments = append(s.segments, segment{index: idx, uri: uri, duration: dur, discont: ti.Discont})
	if len(s.segments) > c.maxSegments {
		drop := len(s.segments) - c.maxSegments
		s.segments = s.segments[drop:]
		s.mediaSequence += int64(drop)
	}
	return collab.FlowOK
}

// SendEvent implements collab.Consumer: StickyCaps carries the initialization segment bytes
//; StickyEOS closes the slot's live playlist.
func (c *Consumer) SendEvent(slotID string, kind collab.StickyKind, payload any) collab.FlowStatus {
	s := c.slotFor(slotID)
	switch kind {
	case collab.StickyCaps:
		data, ok := payload.([]byte)
		if !ok {
			return collab.FlowOK
		}
		s.mu.Lock()
		s.initURI = slotID + "-init.mp4"
		s.mu.Unlock()
		c.cache.Set(c.initKey(slotID), data)
	case collab.StickyEOS:
		s.mu.Lock()
		s.eos = true
		s.mu.Unlock()
	case collab.StickyStreamStart:
		s.mu.Lock()
		s.eos = false
		s.mu.Unlock()
	}
	if c.bus != nil {
		c.bus.Publish("consumer-event", map[string]any{"slot": slotID, "kind": kind.String()})
	}
	return collab.FlowOK
}

// Seek implements collab.Consumer; the live playlist is rebuilt from whatever the pump pushes
// next, so there is nothing to reset here beyond the bus notification.
func (c *Consumer) Seek(ev collab.SeekEvent) {
	if c.bus != nil {
		c.bus.Publish("consumer-seek", ev.Seqnum)
	}
}

// SelectStreams implements collab.Consumer.
func (c *Consumer) SelectStreams(trackIDs []string, seqnum string) {
	if c.bus != nil {
		c.bus.Publish("consumer-select-streams", trackIDs)
	}
}

// QoS implements collab.Consumer.
func (c *Consumer) QoS(earliest time.Duration) {}

// Latency implements collab.Consumer.
func (c *Consumer) Latency(d time.Duration) {}

func (c *Consumer) segmentKey(slotID string, idx int64) string {
	return fmt.Sprintf("%s/%s/%d", c.channelID, slotID, idx)
}

func (c *Consumer) initKey(slotID string) string {
	return fmt.Sprintf("%s/%s/init", c.channelID, slotID)
}

// activeSegmentKeys satisfies ActiveSegmentsProvider: only segments still present in a slot's
// current live window are worth caching.
func (c *Consumer) activeSegmentKeys() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{})
	for slotID, s := range c.slots {
		s.mu.Lock()
		if s.initURI != "" {
			out[c.initKey(slotID)] = struct{}{}
		}
		for _, seg := range s.segments {
			out[c.segmentKey(slotID, seg.index)] = struct{}{}
		}
		s.mu.Unlock()
	}
	return out
}

// SegmentData returns the cached bytes for a served segment or init URI, for the API router.
func (c *Consumer) SegmentData(slotID, filename string) ([]byte, bool) {
	c.mu.RLock()
	s, ok := c.slots[slotID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	isInit := filename == s.initURI
	s.mu.Unlock()
	if isInit {
		return c.cache.Get(c.initKey(slotID))
	}
	for _, seg := range s.segments {
		if seg.uri == filename {
			return c.cache.Get(c.segmentKey(slotID, seg.index))
		}
	}
	return nil, false
}

// MediaPlaylist renders the live HLS media playlist for one slot, per §6's SAMPLE-AES key tag
// when a KeyService is configured for the channel.
func (c *Consumer) MediaPlaylist(slotID string) (string, error) {
	s := c.slotFor(slotID)
	return BuildMediaPlaylist(c.channelID, slotID, s, c.keys)
}

// MasterPlaylist renders the top-level HLS master playlist from the caller-supplied renditions.
func (c *Consumer) MasterPlaylist(renditions []Rendition, slotIDs map[collab.Kind]string) (string, error) {
	return BuildMasterPlaylist(renditions, slotIDs)
}
