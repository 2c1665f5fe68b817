package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	chA, unsubA := b.Subscribe()
	defer unsubA()
	chB, unsubB := b.Subscribe()
	defer unsubB()

	b.Publish("stream-collection", "slot-1")

	for _, ch := range []<-chan Event{chA, chB} {
		select {
		case ev := <-ch:
			assert.Equal(t, "stream-collection", ev.Kind)
			assert.Equal(t, "slot-1", ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishDropsOldestWhenSubscriberFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("buffering", i)
	}

	// The publisher must not have blocked; the channel holds at most its buffer size and the
	// most recent event must be among the last delivered.
	var last Event
	for {
		select {
		case ev := <-ch:
			last = ev
			continue
		default:
		}
		break
	}
	require.Equal(t, "buffering", last.Kind)
	assert.Equal(t, subscriberBuffer+9, last.Payload)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestPublishChannelTagsEvent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.PublishChannel("ch1", "error", "boom")
	ev := <-ch
	assert.Equal(t, "ch1", ev.ChannelID)
	assert.Equal(t, "error", ev.Kind)
}
