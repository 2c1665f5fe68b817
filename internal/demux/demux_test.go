package demux_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/demux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollaborator struct {
	mu      sync.Mutex
	descs   []collab.StreamDescriptor
	seekPos time.Duration
}

func (f *fakeCollaborator) ProcessManifest([]byte) ([]collab.StreamDescriptor, error) {
	return f.descs, nil
}
func (f *fakeCollaborator) UpdateManifestData([]byte) error                { return nil }
func (f *fakeCollaborator) Duration() (time.Duration, bool)                { return 0, false }
func (f *fakeCollaborator) IsLive() bool                                   { return false }
func (f *fakeCollaborator) PeriodStartTime(string) time.Duration           { return 0 }
func (f *fakeCollaborator) HasNextPeriod() bool                            { return false }
func (f *fakeCollaborator) AdvancePeriod() error                           { return nil }
func (f *fakeCollaborator) ManifestUpdateInterval() (time.Duration, bool)  { return 0, false }
func (f *fakeCollaborator) RequiresPeriodicalPlaylistUpdate() bool         { return false }
func (f *fakeCollaborator) LiveSeekRange() (time.Duration, time.Duration, bool) {
	return 0, 0, false
}
func (f *fakeCollaborator) Seek(ev collab.SeekEvent) (time.Duration, error) {
	return f.seekPos, nil
}
func (f *fakeCollaborator) UpdateFragmentInfo(string) (collab.FragmentInfo, collab.UpdateResult) {
	return collab.FragmentInfo{}, collab.UpdateEOS
}
func (f *fakeCollaborator) HasNextFragment(string) bool             { return false }
func (f *fakeCollaborator) AdvanceFragment(string) error            { return nil }
func (f *fakeCollaborator) NeedAnotherChunk(string) (bool, error)   { return false, nil }
func (f *fakeCollaborator) SelectBitrate(string, int) error         { return nil }
func (f *fakeCollaborator) PresentationOffset(string) time.Duration { return 0 }

type fakeDownloader struct{ manifest []byte }

func (d *fakeDownloader) Submit(_ context.Context, _ collab.Request, _ collab.Flags, onComplete func(collab.Stats, []byte, error)) collab.Handle {
	onComplete(collab.Stats{}, d.manifest, nil)
	return noopHandle{}
}
func (d *fakeDownloader) SetUserAgent(string)       {}
func (d *fakeDownloader) SetCookies([]*http.Cookie) {}
func (d *fakeDownloader) SetReferer(string)         {}

type noopHandle struct{}

func (noopHandle) Cancel() {}

type fakeConsumer struct {
	mu     sync.Mutex
	pushed int
}

func (c *fakeConsumer) Push(string, any) collab.FlowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed++
	return collab.FlowOK
}
func (c *fakeConsumer) SendEvent(string, collab.StickyKind, any) collab.FlowStatus {
	return collab.FlowOK
}
func (c *fakeConsumer) Seek(collab.SeekEvent)           {}
func (c *fakeConsumer) SelectStreams([]string, string)  {}
func (c *fakeConsumer) QoS(time.Duration)               {}
func (c *fakeConsumer) Latency(time.Duration)           {}

func newPresentation() *demux.Presentation {
	c := &fakeCollaborator{descs: []collab.StreamDescriptor{
		{ID: "video-1", Kind: collab.KindVideo, SelectByDefault: true},
		{ID: "audio-1", Kind: collab.KindAudio, SelectByDefault: true},
	}}
	d := &fakeDownloader{manifest: []byte("<manifest/>")}
	return demux.New(demux.Config{
		ID: "chan-1", ManifestURL: "http://example/manifest.mpd",
		Collaborator: c, Downloader: d, Consumer: &fakeConsumer{},
	})
}

func TestStartBuildsFirstPeriodAndSelectsDefaultTracks(t *testing.T) {
	p := newPresentation()
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	// Every stream immediately reports UpdateEOS; give the reactor a moment to process it.
	time.Sleep(50 * time.Millisecond)
}

func TestSeekAfterStartSucceeds(t *testing.T) {
	p := newPresentation()
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	err := p.Seek(collab.SeekEvent{Flags: collab.SeekFlagFlush, Start: time.Second, Forward: true})
	assert.NoError(t, err)
}

func TestStartFailsWithNoStreams(t *testing.T) {
	c := &fakeCollaborator{}
	d := &fakeDownloader{manifest: []byte("<manifest/>")}
	p := demux.New(demux.Config{ID: "empty", ManifestURL: "http://example/x", Collaborator: c, Downloader: d, Consumer: &fakeConsumer{}})

	err := p.Start(context.Background())
	require.Error(t, err)
	var wrapped *collab.Error
	require.ErrorAs(t, err, &wrapped)
	assert.Equal(t, collab.ErrNoPlayableStreams, wrapped.Kind)
}

func TestGlobalOutputPositionStartsAtZero(t *testing.T) {
	p := newPresentation()
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	assert.Equal(t, time.Duration(0), p.GlobalOutputPosition())
}
