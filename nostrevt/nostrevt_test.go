package nostrevt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupMessageFilterMatchesOnlySameGroup(t *testing.T) {
	f := GroupMessageFilter("abc123")
	require.True(t, f.Matches(Event{Kind: KindMlsGroupMessage, Tags: []Tag{HTag("abc123")}}))
	require.False(t, f.Matches(Event{Kind: KindMlsGroupMessage, Tags: []Tag{HTag("other")}}))
	require.False(t, f.Matches(Event{Kind: KindMlsWelcome, Tags: []Tag{HTag("abc123")}}))
}

func TestGiftWrapFilterIsRecipientScopedNotAuthorScoped(t *testing.T) {
	f := GiftWrapFilter("bob")
	ev := Event{Kind: KindGiftWrap, Pubkey: "eve", Tags: []Tag{PTag("bob")}}
	require.True(t, f.Matches(ev))
}

func TestIsTypingIndicator(t *testing.T) {
	require.True(t, IsTypingIndicator(Event{Kind: KindTyping, Content: "typing"}))
	require.False(t, IsTypingIndicator(Event{Kind: KindTyping, Content: "something else"}))
	require.False(t, IsTypingIndicator(Event{Kind: KindMlsGroupMessage, Content: "typing"}))
}

func TestTagValueLookup(t *testing.T) {
	ev := Event{Tags: []Tag{HTag("g1"), PTag("p1")}}
	require.Equal(t, "g1", ev.TagValue("h"))
	require.Equal(t, "p1", ev.TagValue("p"))
	require.Equal(t, "", ev.TagValue("missing"))
}
