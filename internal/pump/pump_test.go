package pump_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ericcug/adaptivedemux2/internal/collab"
	"github.com/ericcug/adaptivedemux2/internal/period"
	"github.com/ericcug/adaptivedemux2/internal/pump"
	"github.com/ericcug/adaptivedemux2/internal/slot"
	"github.com/ericcug/adaptivedemux2/internal/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	mu     sync.Mutex
	pushed []track.Item
	events []collab.StickyKind
}

func (c *fakeConsumer) Push(_ string, item any) collab.FlowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, item.(track.Item))
	return collab.FlowOK
}
func (c *fakeConsumer) SendEvent(_ string, kind collab.StickyKind, _ any) collab.FlowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, kind)
	return collab.FlowOK
}
func (c *fakeConsumer) Seek(collab.SeekEvent)               {}
func (c *fakeConsumer) SelectStreams([]string, string)      {}
func (c *fakeConsumer) QoS(time.Duration)                   {}
func (c *fakeConsumer) Latency(time.Duration)               {}

func (c *fakeConsumer) pushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushed)
}

func newReadyTrack() *track.Track {
	tr := track.New("p0/video", "video-1", collab.KindVideo, true)
	tr.SetInputSegment(track.Segment{Rate: 1, Start: 0})
	return tr
}

func TestPumpPushesOneItemPerReadySlotPerIteration(t *testing.T) {
	consumer := &fakeConsumer{}
	manager := slot.New(consumer, nil)
	tr := newReadyTrack()
	tr.QueueData([]byte("a"), 0, time.Second, false)
	tr.QueueData([]byte("b"), time.Second, time.Second, false)
	manager.Reconcile(map[collab.Kind]*track.Track{collab.KindVideo: tr})

	p := pump.New(consumer, manager, pump.Hooks{})

	// runOnce is unexported; drive via Notify+Run in a goroutine instead, bounded by a timeout.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 2 && consumer.pushCount() < 2; i++ {
			time.Sleep(10 * time.Millisecond)
			p.Notify()
		}
		close(done)
	}()

	go p.Run(context.Background())
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	assert.GreaterOrEqual(t, consumer.pushCount(), 1)
}

func TestCombineFlowsReportsNotLinkedWhenEverySlotIsNotLinked(t *testing.T) {
	statuses := []collab.FlowStatus{collab.FlowNotLinked, collab.FlowNotLinked}
	assert.Equal(t, collab.FlowNotLinked, period.CombineFlows(statuses))
}

func TestPumpAdvancesPeriodWhenAllTracksDrainedAndNextExists(t *testing.T) {
	consumer := &fakeConsumer{}
	manager := slot.New(consumer, nil)
	tr := newReadyTrack()
	manager.Reconcile(map[collab.Kind]*track.Track{collab.KindVideo: tr})
	tr.QueueEvent(track.Item{Kind: track.ItemEvent, IsEOS: true})

	op := period.New(0)
	op.SetHasNextPeriod(true)

	var advanced int32
	hooks := pump.Hooks{
		OutputPeriod: func() *period.Period { return op },
		AdvancePeriod: func() bool {
			advanced++
			return true
		},
	}
	p := pump.New(consumer, manager, hooks)

	done := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		p.Stop()
		close(done)
	}()
	p.Run(context.Background())
	<-done

	require.GreaterOrEqual(t, int(advanced), 1)
}
