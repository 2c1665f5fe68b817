package period_test

import (
	"testing"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/period"
	"github.com/ericcug/adaptivedemux2/internal/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectDefaultTracksPicksFirstPerKindPreferringDefaultFlag(t *testing.T) {
	p := period.New(0)
	v1 := track.New("p0/v1", "video-1", collab.KindVideo, false)
	v2 := track.New("p0/v2", "video-2", collab.KindVideo, true) // flagged default, added second
	a1 := track.New("p0/a1", "audio-1", collab.KindAudio, false)
	p.AddTrack(v1)
	p.AddTrack(v2)
	p.AddTrack(a1)

	chosen := p.SelectDefaultTracks()

	require.Contains(t, chosen, collab.KindVideo)
	assert.Equal(t, v2, chosen[collab.KindVideo]) // default-flagged track wins even though added later
	assert.True(t, v2.Selected())
	assert.False(t, v1.Selected())

	require.Contains(t, chosen, collab.KindAudio)
	assert.Equal(t, a1, chosen[collab.KindAudio])
}

func TestTransferSelectionMatchesByStreamIDThenFallsBackToKind(t *testing.T) {
	current := period.New(0)
	currentVideo := track.New("p0/v1", "video-1", collab.KindVideo, false)
	currentVideo.SetSelected(true)
	current.AddTrack(currentVideo)

	next := period.New(10 * time.Second)
	nextVideoSameStream := track.New("p1/v1", "video-1", collab.KindVideo, false)
	next.AddTrack(nextVideoSameStream)

	result := period.TransferSelection(current, next)
	require.Contains(t, result, collab.KindVideo)
	assert.Equal(t, nextVideoSameStream, result[collab.KindVideo])
	assert.True(t, nextVideoSameStream.Selected())
}

func TestTransferSelectionFallsBackToKindWhenStreamIDChanges(t *testing.T) {
	current := period.New(0)
	currentAudio := track.New("p0/a1", "audio-en", collab.KindAudio, false)
	currentAudio.SetSelected(true)
	current.AddTrack(currentAudio)

	next := period.New(10 * time.Second)
	nextAudioDifferentStream := track.New("p1/a1", "audio-fr", collab.KindAudio, false)
	next.AddTrack(nextAudioDifferentStream)

	result := period.TransferSelection(current, next)
	require.Contains(t, result, collab.KindAudio)
	assert.Equal(t, nextAudioDifferentStream, result[collab.KindAudio])
}

func TestCombineFlowsFlushingShortCircuits(t *testing.T) {
	got := period.CombineFlows([]collab.FlowStatus{collab.FlowOK, collab.FlowFlushing, collab.FlowEOS})
	assert.Equal(t, collab.FlowFlushing, got)
}

func TestCombineFlowsErrorOutranksEverythingButFlushing(t *testing.T) {
	got := period.CombineFlows([]collab.FlowStatus{collab.FlowOK, collab.FlowError})
	assert.Equal(t, collab.FlowError, got)

	got = period.CombineFlows([]collab.FlowStatus{collab.FlowEOS, collab.FlowNotNegotiated})
	assert.Equal(t, collab.FlowNotNegotiated, got)
}

func TestCombineFlowsAllNotLinked(t *testing.T) {
	got := period.CombineFlows([]collab.FlowStatus{collab.FlowNotLinked, collab.FlowNotLinked})
	assert.Equal(t, collab.FlowNotLinked, got)
}

func TestCombineFlowsAllEOS(t *testing.T) {
	got := period.CombineFlows([]collab.FlowStatus{collab.FlowEOS, collab.FlowEOS})
	assert.Equal(t, collab.FlowEOS, got)
}

func TestCombineFlowsMixedYieldsOK(t *testing.T) {
	got := period.CombineFlows([]collab.FlowStatus{collab.FlowNotLinked, collab.FlowOK})
	assert.Equal(t, collab.FlowOK, got)
}

func TestHasPendingTracksReflectsDrainingFlag(t *testing.T) {
	p := period.New(0)
	tr := track.New("p0/v1", "video-1", collab.KindVideo, true)
	p.AddTrack(tr)

	assert.False(t, p.HasPendingTracks())
	tr.SetDraining(true)
	assert.True(t, p.HasPendingTracks())
}
