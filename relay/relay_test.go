package relay

import (
	"context"
	"testing"
	"time"

	"github.com/pika-msg/pika-core/nostrevt"
	"github.com/stretchr/testify/require"
)

func TestLoopbackClientDeliversToMatchingSubscription(t *testing.T) {
	c := NewLoopbackClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, []string{"mem://relay"}, nostrevt.GroupMessageFilter("g1"))
	require.NoError(t, err)

	ev := nostrevt.Event{ID: "e1", Kind: nostrevt.KindMlsGroupMessage, Tags: []nostrevt.Tag{nostrevt.HTag("g1")}}
	require.NoError(t, c.SendEventTo(ctx, []string{"mem://relay"}, ev))

	select {
	case got := <-ch:
		require.Equal(t, "e1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscription delivery")
	}
}

func TestLoopbackClientDoesNotDeliverNonMatchingEvent(t *testing.T) {
	c := NewLoopbackClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, []string{"mem://relay"}, nostrevt.GroupMessageFilter("g1"))
	require.NoError(t, err)

	ev := nostrevt.Event{ID: "e2", Kind: nostrevt.KindMlsGroupMessage, Tags: []nostrevt.Tag{nostrevt.HTag("other")}}
	require.NoError(t, c.SendEventTo(ctx, []string{"mem://relay"}, ev))

	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFetchEventsFromSearchesRetainedLog(t *testing.T) {
	c := NewLoopbackClient()
	ctx := context.Background()
	ev := nostrevt.Event{ID: "e3", Kind: nostrevt.KindMlsWelcome}
	require.NoError(t, c.SendEventTo(ctx, []string{"mem://relay"}, ev))

	found, err := c.FetchEventsFrom(ctx, []string{"mem://relay"}, nostrevt.Filter{IDs: []string{"e3"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "e3", found[0].ID)
}

func TestPublishAndConfirmSucceedsWhenEventIsEchoedBack(t *testing.T) {
	c := NewLoopbackClient()
	ev := nostrevt.Event{ID: "e4", Kind: nostrevt.KindMlsGroupMessage, Tags: []nostrevt.Tag{nostrevt.HTag("g1")}}
	err := PublishAndConfirm(context.Background(), c, []string{"mem://relay"}, ev)
	require.NoError(t, err)
}

func TestPublishAndConfirmFailsWithNoRelays(t *testing.T) {
	c := NewLoopbackClient()
	err := PublishAndConfirm(context.Background(), c, nil, nostrevt.Event{ID: "e5"})
	require.ErrorIs(t, err, ErrNoRelaysConfigured)
}

func TestSeenSetDetectsDuplicateAndEvictsOldest(t *testing.T) {
	s := NewSeenSet(2)
	require.False(t, s.CheckAndAdd("a"))
	require.True(t, s.CheckAndAdd("a"))

	require.False(t, s.CheckAndAdd("b"))
	require.False(t, s.CheckAndAdd("c")) // evicts "a"

	require.False(t, s.CheckAndAdd("a")) // "a" was evicted, so this is "new" again
}
