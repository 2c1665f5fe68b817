// Package track implements the bounded per-track item queue, its sticky-event store, and the
// running-time/buffering-level bookkeeping that drives output pacing.
package track

import (
	"container/list"
	"sync"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
)

// ID identifies a Track, period-qualified for uniqueness.
type ID string

// Track is one selectable elementary stream outlet.
type Track struct {
	mu sync.Mutex

	ID               ID
	UpstreamStreamID string
	Kind             collab.Kind
	SelectByDefault  bool

	queue  *list.List // of Item
	events *EventStore

	inputSegment  Segment
	outputSegment Segment

	inputTime       time.Duration
	lowestInputTime time.Duration // reverse playback bookkeeping
	outputTime      time.Duration

	levelTime  time.Duration
	levelBytes int64

	maxBufferingTime time.Duration // watermark for BufferingPercent; defaults to 30s

	selected bool
	active   bool
	draining bool
	eos      bool

	pendingReplacement bool // suppresses EOS while a Slot replacement is pending

	gapActive   bool
	gapPosition time.Duration
	gapDuration time.Duration

	outputDiscont bool

	// onChange is invoked after any mutation that may unblock a waiter (the OutputPump's
	// tracks_added condition); wired by the owning Period/Presentation.
	onChange func()
}

// New creates an empty Track.
func New(id ID, upstreamStreamID string, kind collab.Kind, selectByDefault bool) *Track {
	return &Track{
		ID:               id,
		UpstreamStreamID: upstreamStreamID,
		Kind:             kind,
		SelectByDefault:  selectByDefault,
		queue:            list.New(),
		events:           NewEventStore(),
		inputSegment:     ZeroSegment,
		outputSegment:    ZeroSegment,
		maxBufferingTime: 30 * time.Second,
	}
}

// SetOnChange installs the callback invoked after a mutation that may unblock a waiting pump.
func (t *Track) SetOnChange(f func()) {
	t.mu.Lock()
	t.onChange = f
	t.mu.Unlock()
}

func (t *Track) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}

// SetMaxBufferingTime configures the watermark used by BufferingPercent.
func (t *Track) SetMaxBufferingTime(d time.Duration) {
	t.mu.Lock()
	t.maxBufferingTime = d
	t.mu.Unlock()
}

// SetPendingReplacement toggles whether EOS delivery is currently suppressed because a Slot
// replacement is pending.
func (t *Track) SetPendingReplacement(pending bool) {
	t.mu.Lock()
	t.pendingReplacement = pending
	t.mu.Unlock()
}

// SetSelected/SetActive/SetDraining mutate the track's selection-state flags.
func (t *Track) SetSelected(v bool) { t.mu.Lock(); t.selected = v; t.mu.Unlock() }
func (t *Track) SetActive(v bool)   { t.mu.Lock(); t.active = v; t.mu.Unlock() }
func (t *Track) SetDraining(v bool) { t.mu.Lock(); t.draining = v; t.mu.Unlock() }

func (t *Track) Selected() bool { t.mu.Lock(); defer t.mu.Unlock(); return t.selected }
func (t *Track) Active() bool   { t.mu.Lock(); defer t.mu.Unlock(); return t.active }
func (t *Track) Draining() bool { t.mu.Lock(); defer t.mu.Unlock(); return t.draining }
func (t *Track) EOS() bool      { t.mu.Lock(); defer t.mu.Unlock(); return t.eos }

// Empty reports whether the queue has no items left to dequeue (ignoring sticky replay).
func (t *Track) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len() == 0 && !t.gapActive
}

// Len returns the number of queued items.
func (t *Track) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}

// InputSegment/OutputSegment return copies of the current segments.
func (t *Track) InputSegment() Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputSegment
}

func (t *Track) OutputSegment() Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outputSegment
}

// SetInputSegment is used by a restart/seek to prime the track before fragments arrive.
func (t *Track) SetInputSegment(s Segment) {
	t.mu.Lock()
	t.inputSegment = s
	t.mu.Unlock()
}

// Events exposes the sticky EventStore for the Slot manager's replay-on-switch logic.
func (t *Track) Events() *EventStore {
	return t.events
}

// LevelTime/LevelBytes/OutputTime/InputTime report the current bookkeeping fields.
func (t *Track) LevelTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.levelTime
}

func (t *Track) OutputTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outputTime
}

func (t *Track) InputTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inputSegment.Reverse() {
		return t.lowestInputTime
	}
	return t.inputTime
}

// BufferingPercent returns level_time expressed as a percentage of the configured
// max-buffering-time watermark, capped at 100.
func (t *Track) BufferingPercent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxBufferingTime <= 0 {
		return 100
	}
	pct := int(t.levelTime * 100 / t.maxBufferingTime)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// recomputeLevel implements invariant (I2): level_time = max(0, input_time -
// max(output_time, global_output)). Must be called with t.mu held.
func (t *Track) recomputeLevel(globalOutput time.Duration) {
	input := t.inputTime
	if t.inputSegment.Reverse() {
		input = t.lowestInputTime
	}
	base := t.outputTime
	if globalOutput > base {
		base = globalOutput
	}
	level := input - base
	if level < 0 {
		level = 0
	}
	t.levelTime = level
}

// RecomputeLevel recomputes level_time against the current global output running time; called
// by the owning Period/Pump whenever the global output time advances, in addition to the
// recomputation done internally after each enqueue/dequeue.
func (t *Track) RecomputeLevel(globalOutput time.Duration) {
	t.mu.Lock()
	t.recomputeLevel(globalOutput)
	t.mu.Unlock()
}

// QueueData appends a Buffer item, called by the Parser delivery path; it takes the track's
// lock itself. ts/dur are parser timestamps in the stream's own clock; they are converted to running
// time via the current input_segment.
func (t *Track) QueueData(data []byte, ts, dur time.Duration, isDiscont bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rtStart, ok := t.inputSegment.ToRunningTime(ts)
	untimed := !ok
	rtEnd := rtStart + dur
	if untimed {
		rtStart = t.inputSegment.Position
		rtEnd = rtStart
	}

	item := Item{
		Kind:        ItemBuffer,
		Data:        data,
		Size:        len(data),
		Discont:     isDiscont,
		RTStart:     rtStart,
		RTEnd:       rtEnd,
		RTBuffering: rtEnd,
		Untimed:     untimed,
	}
	if t.outputDiscont {
		item.Discont = true
		t.outputDiscont = false
	}
	t.queue.PushBack(item)
	t.levelBytes += int64(len(data))

	if t.inputSegment.Reverse() {
		if isDiscont || t.lowestInputTime == 0 || rtStart < t.lowestInputTime {
			t.lowestInputTime = rtStart
		}
	} else if rtEnd > t.inputTime {
		t.inputTime = rtEnd
	}

	t.recomputeLevel(t.outputTime)
	t.notify()
}

// QueueEvent appends an Event/Gap item. Segment events update
// input_segment and are treated as discontinuity markers; sticky kinds are cached in the
// EventStore; EOS is suppressed while pendingReplacement is set; a previously queued EOS is
// dropped before a new Stream-Start is enqueued.
func (t *Track) QueueEvent(item Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if item.IsEOS && t.pendingReplacement {
		return
	}

	if item.Kind == ItemEvent && item.EventKind == collab.StickyStreamStart {
		t.dropTrailingEOSLocked()
	}

	if item.Kind == ItemEvent && item.EventKind == collab.StickySegment {
		if seg, ok := item.EventPayload.(Segment); ok {
			t.inputSegment = seg
			t.outputDiscont = true
		}
	}

	if item.Kind == ItemEvent && item.Sticky {
		t.events.Store(item.EventKind, item)
	}

	if item.IsEOS {
		t.eos = true
	}

	t.queue.PushBack(item)
	t.recomputeLevel(t.outputTime)
	t.notify()
}

// dropTrailingEOSLocked removes the queued EOS item nearest the tail of the queue, if any, before
// a new Stream-Start is appended. Must be called with t.mu held.
func (t *Track) dropTrailingEOSLocked() {
	for e := t.queue.Back(); e != nil; e = e.Prev() {
		if it, ok := e.Value.(Item); ok && it.IsEOS {
			t.queue.Remove(e)
			t.eos = false
			return
		}
	}
}

// Dequeue returns the next item in priority order: a) a pending
// undelivered sticky event if checkSticky, b) a gap-drip slice when a gap is active, c) the
// queue head (converting an overlapping Gap head into a drip cursor).
func (t *Track) Dequeue(checkSticky bool) (Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if checkSticky {
		if kind, item, ok := t.events.GetNextPending(); ok {
			t.events.MarkDelivered(kind)
			t.applySegmentLocked(item)
			return item, true
		}
	}

	if t.gapActive {
		return t.nextGapSliceLocked(), true
	}

	front := t.queue.Front()
	if front == nil {
		return Item{}, false
	}
	item := front.Value.(Item)

	if item.Kind == ItemGap && t.gapOverlapsOutputLocked(item) {
		t.queue.Remove(front)
		t.gapActive = true
		t.gapPosition = item.GapPosition
		t.gapDuration = item.GapDuration
		return t.nextGapSliceLocked(), true
	}

	t.queue.Remove(front)
	if item.Kind == ItemBuffer || item.Kind == ItemGap {
		t.outputTime = item.RTEnd
		t.levelBytes -= int64(item.Size)
		if t.levelBytes < 0 {
			t.levelBytes = 0
		}
	}
	t.applySegmentLocked(item)
	t.recomputeLevel(t.outputTime)
	return item, true
}

// applySegmentLocked updates output_segment from a Segment event's payload once that event is
// the item being dequeued, per the data model's "output_segment (updated by the Track dequeue
// when a Segment event is consumed)". Must be called with t.mu held.
func (t *Track) applySegmentLocked(item Item) {
	if item.Kind != ItemEvent || item.EventKind != collab.StickySegment {
		return
	}
	if seg, ok := item.EventPayload.(Segment); ok {
		t.outputSegment = seg
	}
}

func (t *Track) gapOverlapsOutputLocked(item Item) bool {
	seg := t.outputSegment
	end := item.GapPosition + item.GapDuration
	if seg.Stop > 0 && item.GapPosition >= seg.Stop {
		return false
	}
	if end <= seg.Start {
		return false
	}
	return true
}

// nextGapSliceLocked returns the next 100ms (or shorter, for the final slice) Gap item from the
// active drip cursor (P8). Must be called with t.mu held.
func (t *Track) nextGapSliceLocked() Item {
	remaining := t.gapDuration
	sliceDur := gapDripSlice
	if remaining < sliceDur {
		sliceDur = remaining
	}
	item := Item{
		Kind:        ItemGap,
		GapPosition: t.gapPosition,
		GapDuration: sliceDur,
		RTStart:     t.gapPosition,
		RTEnd:       t.gapPosition + sliceDur,
	}
	t.gapPosition += sliceDur
	t.gapDuration -= sliceDur
	t.outputTime = item.RTEnd
	if t.gapDuration <= 0 {
		t.gapActive = false
	}
	t.recomputeLevel(t.outputTime)
	return item
}

// Flush clears the queue and resets both segments, level bookkeeping, eos, and the gap cursor.
func (t *Track) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue.Init()
	t.inputSegment = ZeroSegment
	t.outputSegment = ZeroSegment
	t.inputTime = 0
	t.lowestInputTime = 0
	t.outputTime = 0
	t.levelTime = 0
	t.levelBytes = 0
	t.eos = false
	t.gapActive = false
	t.gapPosition = 0
	t.gapDuration = 0
	t.outputDiscont = false
}

// DrainTo discards queued items whose rt_end is before rt, marking output_discont when a
// Buffer is discarded. Gap cursors are partially consumed rather than
// dropped wholesale.
func (t *Track) DrainTo(rt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.gapActive {
		end := t.gapPosition + t.gapDuration
		if end <= rt {
			t.gapActive = false
			t.gapDuration = 0
		} else if t.gapPosition < rt {
			consumed := rt - t.gapPosition
			t.gapPosition = rt
			t.gapDuration -= consumed
		}
	}

	for e := t.queue.Front(); e != nil; {
		item := e.Value.(Item)
		next := e.Next()
		if (item.Kind == ItemBuffer || item.Kind == ItemGap) && item.RTEnd < rt {
			if item.Kind == ItemBuffer {
				t.outputDiscont = true
				t.levelBytes -= int64(item.Size)
				if t.levelBytes < 0 {
					t.levelBytes = 0
				}
			}
			t.queue.Remove(e)
			e = next
			continue
		}
		break
	}
	t.recomputeLevel(t.outputTime)
}

// OutputDiscont reports and clears the pending output-discontinuity flag, consulted by the
// OutputPump before pushing the next Buffer downstream.
func (t *Track) OutputDiscont() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.outputDiscont
	t.outputDiscont = false
	return d
}

// NextPosition returns the running time the pump should next expect from this track: the gap
// cursor's position while a gap is dripping, else the head item's rt_start. ok is false when the
// queue is empty or the head item is untimed.
func (t *Track) NextPosition() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gapActive {
		return t.gapPosition, true
	}
	front := t.queue.Front()
	if front == nil {
		return 0, false
	}
	item := front.Value.(Item)
	if item.Untimed {
		return 0, false
	}
	return item.RTStart, true
}
