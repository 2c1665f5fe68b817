// Package demux implements the top-level Presentation: one instance wires a reactor.Loop,
// manifest.Updater, a Period queue, a slot.Manager, an OutputPump, and a Seek/Flush Controller
// into a single coherent pipeline — one Presentation per demuxer instance, with N Streams and
// Tracks running within it.
package demux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/manifest"
	"github.com/ericcug/adaptivedemux2/internal/period"
	"github.com/ericcug/adaptivedemux2/internal/pump"
	"github.com/ericcug/adaptivedemux2/internal/reactor"
	"github.com/ericcug/adaptivedemux2/internal/seek"
	"github.com/ericcug/adaptivedemux2/internal/slot"
	"github.com/ericcug/adaptivedemux2/internal/stream"
	"github.com/ericcug/adaptivedemux2/internal/track"
)

// Config bundles a Presentation's collaborators and telemetry hooks at construction time.
type Config struct {
	ID           string
	ManifestURL  string
	Collaborator collab.FormatCollaborator
	Downloader   collab.DownloadHelper
	Consumer     collab.Consumer
	Bus          collab.BusSink
	// LiveEdgeLag is forwarded to every Stream.
	LiveEdgeLag time.Duration
	// OnGlobalOutput/OnUnhealthy are forwarded to the OutputPump.
	OnGlobalOutput func(time.Duration)
	OnUnhealthy    func()
	// OnFatalError is invoked when a Stream exhausts its retry budget.
	OnFatalError func(streamID string, err error)
	// OnManifestError is invoked when a manifest refresh fails (see manifest.Config.OnError).
	OnManifestError func(err error)
	// OnStreamStateChange is invoked on every Stream state transition, for telemetry/bus hooks.
	OnStreamStateChange func(streamID string, s stream.State)
}

// Presentation is one running demuxer instance.
type Presentation struct {
	mu sync.Mutex

	id   string
	cfg  Config
	loop *reactor.Loop

	manifestUpdater *manifest.Updater
	slots           *slot.Manager
	pump            *pump.Pump
	seekCtrl        *seek.Controller

	periods  []*period.Period // periods[0] is the current output period
	desired  map[collab.Kind]*track.Track
	flushing bool

	cancelPump context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a Presentation. It performs no I/O until Start is called.
func New(cfg Config) *Presentation {
	p := &Presentation{
		id:   cfg.ID,
		cfg:  cfg,
		loop: reactor.New(),
	}

	p.manifestUpdater = manifest.New(manifest.Config{
		ManifestURL:  cfg.ManifestURL,
		Collaborator: cfg.Collaborator,
		Downloader:   cfg.Downloader,
		Scheduler:    p.loop,
		OnError:      cfg.OnManifestError,
	})
	p.slots = slot.New(cfg.Consumer, cfg.Bus)
	p.pump = pump.New(cfg.Consumer, p.slots, pump.Hooks{
		Flushing:         p.isFlushing,
		DesiredSelection: p.desiredSelection,
		OutputPeriod:     p.currentPeriod,
		AdvancePeriod:    p.advancePeriod,
		OnGlobalOutput:   cfg.OnGlobalOutput,
		OnUnhealthy:      cfg.OnUnhealthy,
	})
	p.seekCtrl = seek.New(seek.Config{
		Reactor:      p.loop,
		Collaborator: cfg.Collaborator,
		Consumer:     cfg.Consumer,
		Slots:        p.slots,
		Hooks: seek.Hooks{
			CurrentPeriod: p.currentPeriod,
			NextPeriod:    p.nextPeriod,
			PromotePeriod: p.promotePeriod,
		},
	})
	return p
}

// Start performs the initial manifest parse, builds the first Period's Streams/Tracks, selects
// the default tracks, and starts the OutputPump and every Stream.
func (p *Presentation) Start(ctx context.Context) error {
	descs, err := p.manifestUpdater.InitialParse(ctx)
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		return collab.Wrap(collab.ErrNoPlayableStreams, fmt.Errorf("manifest produced no streams"))
	}

	first := p.buildPeriod(descs, 0)
	first.SetPrepared(true)

	p.mu.Lock()
	p.periods = []*period.Period{first}
	p.mu.Unlock()

	selected := first.SelectDefaultTracks()
	p.mu.Lock()
	p.desired = selected
	p.mu.Unlock()
	p.slots.Reconcile(selected)

	for _, s := range first.Streams() {
		p.manifestUpdater.RegisterWaiter(s)
		s.Start()
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	p.cancelPump = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pump.Run(pumpCtx)
	}()
	return nil
}

// Stop halts the OutputPump, stops every Stream across every queued Period, and shuts down the
// reactor.
func (p *Presentation) Stop() {
	if p.cancelPump != nil {
		p.cancelPump()
	}
	p.wg.Wait()

	p.mu.Lock()
	periods := make([]*period.Period, len(p.periods))
	copy(periods, p.periods)
	p.mu.Unlock()
	for _, pr := range periods {
		pr.StopTasks()
	}
	p.loop.Stop()
}

// Seek runs a flushing seek through the Seek/Flush Controller, bracketing it with the flushing
// flag the OutputPump's step 1 consults.
func (p *Presentation) Seek(ev collab.SeekEvent) error {
	p.setFlushing(true)
	defer p.setFlushing(false)
	return p.seekCtrl.Seek(ev)
}

// GlobalOutputPosition reports the OutputPump's last computed global output running time.
func (p *Presentation) GlobalOutputPosition() time.Duration {
	return p.pump.GlobalOutputPosition()
}

// SlotIDs reports the current Kind -> OutputSlot ID assignment, for a caller (internal/api) that
// needs to route HTTP requests to the right hlsout.Consumer state without guessing the slot
// manager's internally-generated ULIDs.
func (p *Presentation) SlotIDs() map[collab.Kind]string {
	out := make(map[collab.Kind]string)
	for kind, s := range p.slots.Slots() {
		out[kind] = s.ID
	}
	return out
}

// QueueNextPeriod appends a freshly built Period to the queue once the format collaborator
// reports a new one is available, e.g. from a
// manifest-refresh callback wired by the caller.
func (p *Presentation) QueueNextPeriod(descs []collab.StreamDescriptor, startTime time.Duration) *period.Period {
	next := p.buildPeriod(descs, startTime)
	p.mu.Lock()
	if len(p.periods) > 0 {
		p.periods[len(p.periods)-1].SetHasNextPeriod(true)
	}
	p.periods = append(p.periods, next)
	p.mu.Unlock()
	return next
}

func (p *Presentation) buildPeriod(descs []collab.StreamDescriptor, startTime time.Duration) *period.Period {
	pr := period.New(startTime)
	for _, d := range descs {
		trackID := track.ID(fmt.Sprintf("%s/%s", pr.ID(), d.ID))
		tr := track.New(trackID, d.ID, d.Kind, d.SelectByDefault)
		tr.SetOnChange(p.pump.Notify)
		s := stream.New(stream.Config{
			ID:             d.ID,
			Kind:           d.Kind,
			Collaborator:   p.cfg.Collaborator,
			Downloader:     p.cfg.Downloader,
			Scheduler:      p.loop,
			Track:          tr,
			LiveEdgeLag:    p.cfg.LiveEdgeLag,
			OnNeedManifest: p.onNeedManifest,
			OnFatalError:   p.cfg.OnFatalError,
			OnStateChange:  p.cfg.OnStreamStateChange,
		})
		pr.AddStream(s)
		pr.AddTrack(tr)
	}
	return pr
}

func (p *Presentation) onNeedManifest(streamID string) {
	p.manifestUpdater.Refresh(streamID)
}

func (p *Presentation) isFlushing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushing
}

func (p *Presentation) setFlushing(v bool) {
	p.mu.Lock()
	p.flushing = v
	p.mu.Unlock()
}

func (p *Presentation) desiredSelection() map[collab.Kind]*track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[collab.Kind]*track.Track, len(p.desired))
	for k, v := range p.desired {
		out[k] = v
	}
	return out
}

func (p *Presentation) currentPeriod() *period.Period {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.periods) == 0 {
		return nil
	}
	return p.periods[0]
}

func (p *Presentation) nextPeriod() *period.Period {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.periods) < 2 {
		return nil
	}
	return p.periods[1]
}

// advancePeriod pops the current output period off the queue, promoting the next one, for the
// OutputPump's step 5.
func (p *Presentation) advancePeriod() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.periods) < 2 {
		return false
	}
	current, next := p.periods[0], p.periods[1]
	p.desired = period.TransferSelection(current, next)
	p.periods = p.periods[1:]
	return true
}

// promotePeriod installs next as the new current output period, dropping anything queued ahead
// of it.
func (p *Presentation) promotePeriod(next *period.Period) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pr := range p.periods {
		if pr == next {
			p.periods = p.periods[i:]
			return
		}
	}
	p.periods = []*period.Period{next}
}
