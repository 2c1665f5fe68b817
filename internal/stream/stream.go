// Package stream implements the per-stream download activity: a table-driven state machine
// that walks a collab.FormatCollaborator fragment by fragment, feeds the bytes into the
// stream's track, and backs off on transient errors. It is built against the FormatCollaborator
// boundary rather than one hardcoded manifest walk, so the same state machine drives HLS, DASH,
// or any other manifest dialect.
package stream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/track"
	"golang.org/x/time/rate"
)

// Scheduler is the subset of internal/reactor.Loop a Stream needs. Streams never import
// internal/reactor directly, so a Loop satisfies this interface structurally.
type Scheduler interface {
	Call(f func()) reactorCancel
	CallAfter(d time.Duration, f func()) reactorCancel
}

type reactorCancel = func()

const (
	defaultMaxErrors   = 3
	minBackoff         = 250 * time.Millisecond
	maxBackoff         = 8 * time.Second
	liveWaitPoll       = 1 * time.Second
	busyRetryFloor     = 50 * time.Millisecond
)

// Stream is one per-representation download activity.
type Stream struct {
	mu sync.Mutex

	id   string
	kind collab.Kind

	collaborator collab.FormatCollaborator
	downloader   collab.DownloadHelper
	scheduler    Scheduler
	track        *track.Track

	state      State
	errorCount int
	maxErrors  int

	pendingHandle collab.Handle
	pendingCancel reactorCancel

	limiter    *rate.Limiter
	liveEdgeLag time.Duration

	bitrateSamples []bitrateSample
	onStateChange  func(id string, s State)
	onFatalError   func(id string, err error)
	onNeedManifest func(id string)
}

type bitrateSample struct {
	bytes int64
	took  time.Duration
}

// Config bundles a Stream's collaborators at construction time.
type Config struct {
	ID           string
	Kind         collab.Kind
	Collaborator collab.FormatCollaborator
	Downloader   collab.DownloadHelper
	Scheduler    Scheduler
	Track        *track.Track
	// LiveEdgeLag is how far behind the live edge the stream is willing to stay before
	// it pauses in StateWaitingLive.
	LiveEdgeLag time.Duration
	// OnNeedManifest is invoked (off the reactor goroutine is fine; it will hop back via
	// Scheduler.Call) when UpdateFragmentInfo reports UpdateNeedManifestUpdate, so the
	// caller can register this stream with internal/manifest.Updater's waiter list.
	OnNeedManifest func(id string)
	// OnFatalError is invoked once the retry budget is exhausted.
	OnFatalError func(id string, err error)
	// OnStateChange is invoked on every state transition, for telemetry/bus hooks.
	OnStateChange func(id string, s State)
}

// New constructs a Stopped Stream.
func New(cfg Config) *Stream {
	s := &Stream{
		id:             cfg.ID,
		kind:           cfg.Kind,
		collaborator:   cfg.Collaborator,
		downloader:     cfg.Downloader,
		scheduler:      cfg.Scheduler,
		track:          cfg.Track,
		state:          StateStopped,
		maxErrors:      defaultMaxErrors,
		liveEdgeLag:    cfg.LiveEdgeLag,
		limiter:        rate.NewLimiter(rate.Every(minBackoff), 1),
		onStateChange:  cfg.OnStateChange,
		onFatalError:   cfg.OnFatalError,
		onNeedManifest: cfg.OnNeedManifest,
	}
	return s
}

// ID returns the stream's identifier, stable for its lifetime.
func (s *Stream) ID() string { return s.id }

// State returns the current state under lock.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions a Stopped stream into StartFragment and schedules the first step.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.state != StateStopped && s.state != StateErrored {
		s.mu.Unlock()
		return
	}
	s.errorCount = 0
	s.setStateLocked(StateStartFragment)
	s.mu.Unlock()
	s.scheduler.Call(s.step)
}

// Stop cancels any in-flight download and returns the stream to Stopped.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingHandle != nil {
		s.pendingHandle.Cancel()
		s.pendingHandle = nil
	}
	if s.pendingCancel != nil {
		s.pendingCancel()
		s.pendingCancel = nil
	}
	s.setStateLocked(StateStopped)
}

// NotifyOutputSpaceAvailable is called by the owning Period/Pump when the fed track's
// buffering level has dropped back under the watermark (I2 back-pressure release).
func (s *Stream) NotifyOutputSpaceAvailable() {
	s.mu.Lock()
	if s.state != StateWaitingOutputSpace {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateStartFragment)
	s.mu.Unlock()
	s.scheduler.Call(s.step)
}

// NotifyManifestUpdated is called by internal/manifest.Updater once a refresh completes,
// waking any stream parked in StateWaitingManifestUpdate.
func (s *Stream) NotifyManifestUpdated() {
	s.mu.Lock()
	if s.state != StateWaitingManifestUpdate {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateStartFragment)
	s.mu.Unlock()
	s.scheduler.Call(s.step)
}

// Seek delegates to the format collaborator and restarts fragment walking from the new
// position, per the seek/flush controller's per-stream fan-out.
func (s *Stream) Seek(ev collab.SeekEvent) (time.Duration, error) {
	s.mu.Lock()
	if s.pendingHandle != nil {
		s.pendingHandle.Cancel()
		s.pendingHandle = nil
	}
	s.mu.Unlock()

	pos, err := s.collaborator.Seek(ev)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.errorCount = 0
	s.setStateLocked(StateStartFragment)
	s.mu.Unlock()
	s.scheduler.Call(s.step)
	return pos, nil
}

// SelectBitrate forwards an ABR decision to the format collaborator.
func (s *Stream) SelectBitrate(targetBps int) error {
	return s.collaborator.SelectBitrate(s.id, targetBps)
}

// NextInputWakeup reports the running time at which this stream's fed track will next need
// output space freed (its head item's rt_start), consulted by Period.CheckInputWakeup.
func (s *Stream) NextInputWakeup() (time.Duration, bool) {
	return s.track.NextPosition()
}

// BandwidthEstimate reports a bytes-per-second average over the last few completed fragments.
func (s *Stream) BandwidthEstimate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bitrateSamples) == 0 {
		return 0
	}
	var bytes int64
	var took time.Duration
	for _, b := range s.bitrateSamples {
		bytes += b.bytes
		took += b.took
	}
	if took <= 0 {
		return 0
	}
	return int64(float64(bytes) / took.Seconds())
}

func (s *Stream) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.onStateChange != nil {
		cb, id := s.onStateChange, s.id
		go cb(id, next)
	}
}

// step is the FSM's single entry point; it only ever runs on the reactor goroutine.
func (s *Stream) step() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateStartFragment:
		s.doStartFragment()
	default:
		// Downloading/WaitingOutputSpace/WaitingManifestUpdate/WaitingLive/EOS/Errored/Stopped
		// all resume via an explicit Notify*/callback, not by re-entering step().
	}
}

func (s *Stream) doStartFragment() {
	info, result := s.collaborator.UpdateFragmentInfo(s.id)

	switch result {
	case collab.UpdateOK:
		s.handleFragmentReady(info)
	case collab.UpdateEOS:
		s.mu.Lock()
		s.setStateLocked(StateEOS)
		s.mu.Unlock()
		s.track.QueueEvent(track.Item{Kind: track.ItemEvent, IsEOS: true, EventKind: collab.StickyEOS})
	case collab.UpdateNeedManifestUpdate:
		s.mu.Lock()
		s.setStateLocked(StateWaitingManifestUpdate)
		s.mu.Unlock()
		if s.onNeedManifest != nil {
			s.onNeedManifest(s.id)
		}
	case collab.UpdateBusy:
		delay := s.limiter.Reserve().Delay()
		if delay < busyRetryFloor {
			delay = busyRetryFloor
		}
		s.scheduler.CallAfter(delay, s.step)
	case collab.UpdateError:
		s.handleError(collab.Wrap(collab.ErrFragmentDownload, fmt.Errorf("update fragment info failed for stream %s", s.id)))
	}
}

func (s *Stream) handleFragmentReady(info collab.FragmentInfo) {
	if s.collaborator.IsLive() {
		if wait, ok := s.liveWait(info); ok {
			s.mu.Lock()
			s.setStateLocked(StateWaitingLive)
			s.mu.Unlock()
			s.scheduler.CallAfter(wait, func() {
				s.mu.Lock()
				if s.state == StateWaitingLive {
					s.setStateLocked(StateStartFragment)
				}
				s.mu.Unlock()
				s.step()
			})
			return
		}
	}

	s.mu.Lock()
	s.setStateLocked(StateDownloading)
	s.mu.Unlock()

	if info.HeaderURI != "" {
		headerReq := collab.Request{URL: info.HeaderURI}
		handle := s.downloader.Submit(context.Background(), headerReq, collab.FlagNone, func(_ collab.Stats, data []byte, err error) {
			s.scheduler.Call(func() { s.handleHeaderResult(info, data, err) })
		})
		s.mu.Lock()
		s.pendingHandle = handle
		s.mu.Unlock()
		return
	}

	s.startFragmentDownload(info)
}

// handleHeaderResult queues the fetched initialization segment as a sticky caps event ahead of
// the fragment it precedes, then continues the normal fragment download.
func (s *Stream) handleHeaderResult(info collab.FragmentInfo, data []byte, err error) {
	s.mu.Lock()
	s.pendingHandle = nil
	s.mu.Unlock()

	if err != nil {
		s.handleError(collab.Wrap(collab.ErrFragmentDownload, err))
		return
	}
	s.track.QueueEvent(track.Item{
		Kind:         track.ItemEvent,
		EventKind:    collab.StickyCaps,
		EventPayload: data,
		Sticky:       true,
	})
	s.startFragmentDownload(info)
}

func (s *Stream) startFragmentDownload(info collab.FragmentInfo) {
	req := collab.Request{URL: info.URI, RangeStart: info.RangeStart, RangeEnd: info.RangeEnd,
		ByteRangeOK: info.RangeStart != 0 || info.RangeEnd != 0}
	flags := collab.FlagNone
	handle := s.downloader.Submit(context.Background(), req, flags, func(stats collab.Stats, data []byte, err error) {
		s.scheduler.Call(func() { s.handleDownloadResult(info, stats, data, err) })
	})

	s.mu.Lock()
	s.pendingHandle = handle
	s.mu.Unlock()
}

// liveWait returns how long the stream should pause before serving a live fragment that sits
// less than liveEdgeLag behind the manifest's live seek range stop.
func (s *Stream) liveWait(info collab.FragmentInfo) (time.Duration, bool) {
	if s.liveEdgeLag <= 0 {
		return 0, false
	}
	_, liveStop, ok := s.collaborator.LiveSeekRange()
	if !ok {
		return 0, false
	}
	earliestServable := info.StreamTime + info.Duration + s.liveEdgeLag
	if earliestServable <= liveStop {
		return 0, false
	}
	wait := earliestServable - liveStop
	if wait > liveWaitPoll {
		wait = liveWaitPoll
	}
	return wait, true
}

func (s *Stream) handleDownloadResult(info collab.FragmentInfo, stats collab.Stats, data []byte, err error) {
	s.mu.Lock()
	s.pendingHandle = nil
	s.mu.Unlock()

	if err != nil {
		s.handleError(collab.Wrap(collab.ErrFragmentDownload, err))
		return
	}

	s.mu.Lock()
	s.errorCount = 0
	s.limiter.SetLimit(rate.Every(minBackoff))
	took := stats.Completed.Sub(stats.Started)
	if took > 0 {
		s.bitrateSamples = append(s.bitrateSamples, bitrateSample{bytes: stats.BytesReceived, took: took})
		if len(s.bitrateSamples) > 8 {
			s.bitrateSamples = s.bitrateSamples[1:]
		}
	}
	s.mu.Unlock()

	discont := false
	s.track.QueueData(data, info.StreamTime, info.Duration, discont)

	if err := s.collaborator.AdvanceFragment(s.id); err != nil {
		s.handleError(collab.Wrap(collab.ErrFragmentDownload, err))
		return
	}

	s.mu.Lock()
	full := s.track.BufferingPercent() >= 100
	if full {
		s.setStateLocked(StateWaitingOutputSpace)
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateStartFragment)
	s.mu.Unlock()
	s.scheduler.Call(s.step)
}

func (s *Stream) handleError(err error) {
	s.mu.Lock()
	s.errorCount++
	count := s.errorCount
	if count >= s.maxErrors {
		s.setStateLocked(StateErrored)
		s.mu.Unlock()
		if s.onFatalError != nil {
			s.onFatalError(s.id, err)
		}
		return
	}
	s.mu.Unlock()

	backoff := exponentialBackoff(count)
	s.scheduler.CallAfter(backoff, func() {
		s.mu.Lock()
		if s.state == StateErrored || s.state == StateStopped {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateStartFragment)
		s.mu.Unlock()
		s.step()
	})
}

// exponentialBackoff doubles minBackoff per retry, capped at maxBackoff, with up to 20% jitter
// to avoid every stream in a multi-track switch retrying in lockstep.
func exponentialBackoff(attempt int) time.Duration {
	d := minBackoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	return d + jitter
}
