package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := NewBus()
	a, unsubA := b.Subscribe(EventOrderUpdate, 1)
	c, unsubC := b.Subscribe(EventOrderUpdate, 1)
	defer unsubC()

	b.Publish(EventOrderUpdate, "x")
	assert.Equal(t, "x", <-a)
	assert.Equal(t, "x", <-c)

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventOrderFill, 1)
	defer unsub()

	b.Publish(EventOrderFill, 1)
	b.Publish(EventOrderFill, 2)

	require.Len(t, ch, 1)
	assert.Equal(t, uint64(1), b.Dropped())

	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Publish(EventOrderFill, 3) })
}
