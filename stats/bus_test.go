package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberReceivesEmittedEvent(t *testing.T) {
	b := NewBus(nil)
	_, ch := b.Subscribe(4)

	b.Emit(Event{Kind: KindInputRegistered, InputID: "in_1", Timestamp: time.Unix(0, 0)})

	select {
	case ev := <-ch:
		assert.Equal(t, KindInputRegistered, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEmitDropsAndCountsOnFullBuffer(t *testing.T) {
	b := NewBus(nil)
	_, ch := b.Subscribe(1)

	b.Emit(Event{Kind: KindFrameDropped})
	b.Emit(Event{Kind: KindFrameDropped}) // buffer full, should drop

	require.Equal(t, int64(1), b.Dropped())
	<-ch // drain the one that made it
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	b := NewBus(nil)
	id, ch := b.Subscribe(4)
	b.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)

	// Emitting after unsubscribe must not panic or block.
	b.Emit(Event{Kind: KindOutputDone})
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestMultipleSubscribersEachReceiveIndependently(t *testing.T) {
	b := NewBus(nil)
	_, chA := b.Subscribe(4)
	_, chB := b.Subscribe(4)

	b.Emit(Event{Kind: KindSamplesReceived, Count: 42})

	evA := <-chA
	evB := <-chB
	assert.Equal(t, int64(42), evA.Count)
	assert.Equal(t, int64(42), evB.Count)
}
