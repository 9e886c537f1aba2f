package fanout

import (
	"context"
	"testing"

	"github.com/jfarrow/channelchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_publishSubscribe(t *testing.T) {
	bus := NewBus()

	var general, random []Event
	_, err := bus.Subscribe("general", func(e Event) { general = append(general, e) })
	require.NoError(t, err)
	_, err = bus.Subscribe("random", func(e Event) { random = append(random, e) })
	require.NoError(t, err)

	msg := types.Message{Id: 1, Channel: "general", Content: "hi"}
	err = bus.Publish(context.Background(), Event{Kind: EventMessage, Channel: "general", Message: &msg})
	require.NoError(t, err)

	require.Len(t, general, 1, "expected subscriber on the published channel to receive the event")
	assert.Equal(t, EventMessage, general[0].Kind)
	assert.Equal(t, 1, general[0].Message.Id)
	assert.Empty(t, random, "expected no delivery to other channels")
}

func TestBus_unsubscribe(t *testing.T) {
	bus := NewBus()

	var got []Event
	unsub, err := bus.Subscribe("general", func(e Event) { got = append(got, e) })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Kind: EventEnter, Channel: "general"}))
	require.Len(t, got, 1)

	unsub()
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: EventEnter, Channel: "general"}))
	assert.Len(t, got, 1, "expected no delivery after unsubscribe")
}

func TestBus_multipleSubscribers(t *testing.T) {
	bus := NewBus()

	var a, b int
	_, err := bus.Subscribe("general", func(Event) { a++ })
	require.NoError(t, err)
	unsubB, err := bus.Subscribe("general", func(Event) { b++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Kind: EventLeave, Channel: "general"}))
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)

	unsubB()
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: EventLeave, Channel: "general"}))
	assert.Equal(t, 2, a)
	assert.Equal(t, 1, b, "expected unsubscribed handler to stop receiving")
}
