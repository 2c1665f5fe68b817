// Package manifest implements the ManifestUpdater: it owns the collab.FormatCollaborator's
// manifest fetch/parse cycle, collapses concurrent refresh requests from multiple waiting
// Streams with a singleflight.Group, and wakes every Stream parked in
// StateWaitingManifestUpdate once a refresh completes.
package manifest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"golang.org/x/sync/singleflight"
)

// periodicFloor: even a format collaborator that reports a sub-2s update interval is re-armed
// no faster than this.
const periodicFloor = 2 * time.Second

// Scheduler is the subset of internal/reactor.Loop the updater needs.
type Scheduler interface {
	Call(f func()) func()
	CallAfter(d time.Duration, f func()) func()
}

// Waiter is implemented by internal/stream.Stream; the updater calls NotifyManifestUpdated on
// every registered waiter once a refresh succeeds.
type Waiter interface {
	NotifyManifestUpdated()
}

// Updater owns the manifest fetch/parse/refresh cycle for one presentation.
type Updater struct {
	mu sync.Mutex

	collaborator collab.FormatCollaborator
	downloader   collab.DownloadHelper
	scheduler    Scheduler
	manifestURL  string

	group singleflight.Group

	waiters      []Waiter
	cancelTicker func()

	onRefreshed func(streams []collab.StreamDescriptor)
	onError     func(err error)
}

// Config bundles an Updater's collaborators at construction time.
type Config struct {
	ManifestURL  string
	Collaborator collab.FormatCollaborator
	Downloader   collab.DownloadHelper
	Scheduler    Scheduler
	// OnRefreshed is invoked after a successful parse/refresh with the collaborator's current
	// stream collection.
	OnRefreshed func(streams []collab.StreamDescriptor)
	// OnError is invoked when a refresh (fetch or UpdateManifestData) fails; InitialParse reports
	// its failure through its return value only. After a failed refresh the next periodic refresh
	// is still armed when the collaborator is live and requires one; no other retry is made.
	OnError func(err error)
}

// New constructs an Updater. It performs no I/O until InitialParse or Refresh is called.
func New(cfg Config) *Updater {
	return &Updater{
		collaborator: cfg.Collaborator,
		downloader:   cfg.Downloader,
		scheduler:    cfg.Scheduler,
		manifestURL:  cfg.ManifestURL,
		onRefreshed:  cfg.OnRefreshed,
		onError:      cfg.OnError,
	}
}

// RegisterWaiter adds s to the set notified on the next successful refresh.
func (u *Updater) RegisterWaiter(w Waiter) {
	u.mu.Lock()
	u.waiters = append(u.waiters, w)
	u.mu.Unlock()
}

// InitialParse performs the first manifest fetch and ProcessManifest call, then arms periodic
// refresh if the collaborator is live and requires it.
func (u *Updater) InitialParse(ctx context.Context) ([]collab.StreamDescriptor, error) {
	data, err := u.fetch(ctx)
	if err != nil {
		return nil, err
	}
	streams, err := u.collaborator.ProcessManifest(data)
	if err != nil {
		return nil, collab.Wrap(collab.ErrManifestInvalid, err)
	}
	if u.onRefreshed != nil {
		u.onRefreshed(streams)
	}
	u.rearmPeriodic()
	return streams, nil
}

// ManualRefresh triggers an out-of-band refresh (e.g. an operator-initiated reload), collapsed
// against any refresh already in flight.
func (u *Updater) ManualRefresh(ctx context.Context) error {
	return u.refresh(ctx)
}

// refresh performs one fetch+UpdateManifestData cycle, collapsing concurrent callers onto a
// single in-flight HTTP request via singleflight.
func (u *Updater) refresh(ctx context.Context) error {
	_, err, _ := u.group.Do("refresh", func() (any, error) {
		data, err := u.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := u.collaborator.UpdateManifestData(data); err != nil {
			return nil, collab.Wrap(collab.ErrManifestInvalid, err)
		}
		return nil, nil
	})

	if err != nil {
		if u.onError != nil {
			u.onError(err)
		}
		u.rearmPeriodic()
		return err
	}

	u.notifyWaiters()
	u.rearmPeriodic()
	return nil
}

// Refresh triggers a refresh on the reactor goroutine, used by a Stream that just transitioned
// to StateWaitingManifestUpdate.
func (u *Updater) Refresh(streamID string) {
	u.scheduler.Call(func() {
		_ = u.refresh(context.Background())
	})
}

func (u *Updater) notifyWaiters() {
	u.mu.Lock()
	waiters := make([]Waiter, len(u.waiters))
	copy(waiters, u.waiters)
	u.mu.Unlock()

	for _, w := range waiters {
		w.NotifyManifestUpdated()
	}
}

func (u *Updater) fetch(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	handle := u.downloader.Submit(ctx, collab.Request{URL: u.manifestURL}, collab.FlagForceRefresh, func(_ collab.Stats, data []byte, err error) {
		done <- result{data, err}
	})
	select {
	case r := <-done:
		if r.err != nil {
			return nil, collab.Wrap(collab.ErrManifestUnreachable, r.err)
		}
		return r.data, nil
	case <-ctx.Done():
		handle.Cancel()
		return nil, collab.Wrap(collab.ErrManifestUnreachable, ctx.Err())
	}
}

// rearmPeriodic re-arms the next periodic refresh at the collaborator-reported interval, clamped
// to periodicFloor.
func (u *Updater) rearmPeriodic() {
	u.mu.Lock()
	if u.cancelTicker != nil {
		u.cancelTicker()
		u.cancelTicker = nil
	}
	u.mu.Unlock()

	if !u.collaborator.IsLive() || !u.collaborator.RequiresPeriodicalPlaylistUpdate() {
		return
	}
	interval, ok := u.collaborator.ManifestUpdateInterval()
	if !ok || interval < periodicFloor {
		interval = periodicFloor
	}

	cancel := u.scheduler.CallAfter(interval, func() {
		_ = u.refresh(context.Background())
	})
	u.mu.Lock()
	u.cancelTicker = cancel
	u.mu.Unlock()
}

// Stop cancels any pending periodic refresh.
func (u *Updater) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancelTicker != nil {
		u.cancelTicker()
		u.cancelTicker = nil
	}
}

// String identifies the updater for logging.
func (u *Updater) String() string {
	return fmt.Sprintf("manifest.Updater(%s)", u.manifestURL)
}
