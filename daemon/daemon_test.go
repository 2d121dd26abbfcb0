package daemon

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pika-msg/pika-core/controller"
	"github.com/pika-msg/pika-core/groupmanager"
	"github.com/pika-msg/pika-core/identity"
	"github.com/pika-msg/pika-core/mlscore"
	"github.com/pika-msg/pika-core/nostrevt"
	"github.com/pika-msg/pika-core/relay"
	"github.com/pika-msg/pika-core/store"
)

func newTestDaemon(t *testing.T, self *identity.KeyPair, provider mlscore.Provider, relayClient relay.Client) *Daemon {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pika.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	gm := groupmanager.New(provider, st)
	return New(Config{
		Self:        self,
		Store:       st,
		GroupMgr:    gm,
		RelayClient: relayClient,
		Relays:      []string{"mem://loopback"},
		MediaTmpDir: t.TempDir(),
	})
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func drainOne(t *testing.T, ch <-chan controller.Output) controller.Output {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a controller reply")
		return controller.Output{}
	}
}

// TestInitGroupWelcomeAndMessageFlowEndToEnd exercises the daemon's three
// cooperating subsystems against a single shared provider and relay,
// mirroring the two-peer loopback pattern used by the group manager and
// call orchestrator's own tests: alice creates a group with bob, bob
// accepts the resulting gift-wrapped welcome, and alice's plaintext
// message is delivered back out as message_received.
func TestInitGroupWelcomeAndMessageFlowEndToEnd(t *testing.T) {
	provider := mlscore.NewMemoryProvider()
	relayClient := relay.NewLoopbackClient()

	alice, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	aliceD := newTestDaemon(t, alice, provider, relayClient)
	bobD := newTestDaemon(t, bob, provider, relayClient)

	ctx := context.Background()
	require.NoError(t, aliceD.Bootstrap(ctx))
	require.NoError(t, bobD.Bootstrap(ctx))

	replies := make(chan controller.Output, 16)
	writeLine := func(o controller.Output) { replies <- o }

	require.NoError(t, bobD.publishKeyPackage(ctx, nil))

	aliceD.handleCommand(ctx, controller.Command{
		Cmd: controller.CmdInitGroup,
		Raw: mustJSON(t, controller.InitGroupCmd{PeerPubkey: bob.PublicHex(), GroupName: "family"}),
	}, writeLine)
	initReply := drainOne(t, replies)
	require.Equal(t, controller.OutOK, initReply.Type)
	groupJoined, ok := initReply.Result.(controller.GroupJoinedResult)
	require.True(t, ok, "expected GroupJoinedResult, got %T", initReply.Result)
	require.Equal(t, 2, groupJoined.MemberCount)

	require.Eventually(t, func() bool {
		select {
		case ev := <-bobD.giftWraps:
			bobD.handleGiftWrap(ctx, ev, writeLine)
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "bob never received the welcome gift wrap")
	welcomeReply := drainOne(t, replies)
	require.Equal(t, controller.OutWelcomeReceived, welcomeReply.Type)
	wrapperEventID := welcomeReply.Result.(map[string]interface{})["wrapper_event_id"].(string)

	bobD.handleCommand(ctx, controller.Command{
		Cmd: controller.CmdAcceptWelcome,
		Raw: mustJSON(t, controller.AcceptWelcomeCmd{WrapperEventID: wrapperEventID}),
	}, writeLine)
	acceptReply := drainOne(t, replies)
	require.Equal(t, controller.OutOK, acceptReply.Type)

	aliceD.handleCommand(ctx, controller.Command{
		Cmd: controller.CmdSendMessage,
		Raw: mustJSON(t, controller.SendMessageCmd{NostrGroupID: groupJoined.NostrGroupID, Content: "hello bob"}),
	}, writeLine)
	sendReply := drainOne(t, replies)
	require.Equal(t, controller.OutOK, sendReply.Type)

	require.Eventually(t, func() bool {
		select {
		case delivery := <-bobD.deliveries:
			bobD.handleGroupDelivery(ctx, delivery, writeLine)
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "bob never received alice's group message")

	msgReply := drainOne(t, replies)
	require.Equal(t, controller.OutMessageReceived, msgReply.Type)
	result, ok := msgReply.Result.(controller.MessageReceivedResult)
	require.True(t, ok, "expected MessageReceivedResult, got %T", msgReply.Result)
	require.Equal(t, "hello bob", result.Content)
	require.Equal(t, alice.PublicHex(), result.SenderPubkey)
}

// TestTypingIndicatorIsDroppedNotSurfaced confirms the ingest pipeline
// filters the ephemeral typing indicator before it ever reaches
// message_received, per SPEC_FULL.md §4.4 step 4.
func TestTypingIndicatorIsDroppedNotSurfaced(t *testing.T) {
	provider := mlscore.NewMemoryProvider()
	relayClient := relay.NewLoopbackClient()

	alice, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	aliceD := newTestDaemon(t, alice, provider, relayClient)

	ctx := context.Background()
	require.NoError(t, aliceD.Bootstrap(ctx))

	var groupID mlscore.GroupID
	aliceD.nostrToGroup["deadbeef"] = groupID
	aliceD.subscribed[groupID] = "deadbeef"

	replies := make(chan controller.Output, 4)
	writeLine := func(o controller.Output) { replies <- o }

	ev := nostrevt.Event{ID: "typing-1", Pubkey: alice.PublicHex(), Kind: nostrevt.KindTyping, Content: "typing", Tags: []nostrevt.Tag{nostrevt.HTag("deadbeef")}}
	aliceD.handleGroupDelivery(ctx, groupDelivery{groupID: groupID, nostrGroupID: "deadbeef", ev: ev}, writeLine)

	select {
	case o := <-replies:
		t.Fatalf("expected no output for a typing indicator, got %+v", o)
	case <-time.After(100 * time.Millisecond):
	}
}
