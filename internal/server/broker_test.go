package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yubzen/agentstream/internal/events"
)

func TestBrokerFansOut(t *testing.T) {
	b := NewBroker(4, nil)
	a, c := b.Subscribe(), b.Subscribe()

	assert.Equal(t, 2, b.Publish(events.NewStepStartedEvent("x")))
	assert.Equal(t, events.EventTypeStepStarted, (<-a.Events()).Type())
	assert.Equal(t, events.EventTypeStepStarted, (<-c.Events()).Type())
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	b := NewBroker(1, nil)
	slow := b.Subscribe()
	fast := b.Subscribe()

	require.Equal(t, 2, b.Publish(events.NewStepStartedEvent("one")))
	<-fast.Events()

	assert.Equal(t, 1, b.Publish(events.NewStepStartedEvent("two")))
	assert.Equal(t, 1, b.Len())

	// the buffered event is still readable, then the channel is closed
	_, ok := <-slow.Events()
	assert.True(t, ok)
	_, ok = <-slow.Events()
	assert.False(t, ok)
}

func TestBrokerUnsubscribeAndClose(t *testing.T) {
	b := NewBroker(0, nil)
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Publish(events.NewStepStartedEvent("x")))

	b.Close()
	late := b.Subscribe()
	_, ok := <-late.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Publish(nil))
}
