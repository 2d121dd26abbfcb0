package call

import (
	"sync"
	"testing"
	"time"

	"github.com/pika-msg/pika-core/keyderivation"
	"github.com/pika-msg/pika-core/mediatransport"
	"github.com/pika-msg/pika-core/mlscore"
	"github.com/stretchr/testify/require"
)

// loopbackMessenger wires one side's published signals straight to the
// other orchestrator's HandleInboundSignal, simulating two peers sharing an
// MLS group over a relay without a real relay.
type loopbackMessenger struct {
	mu     sync.Mutex
	target *Orchestrator
	group  GroupContext
	sender string
}

func (m *loopbackMessenger) PublishCallSignal(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parsed, err := ParseCallSignal(raw)
	if err != nil {
		return err
	}
	return m.target.HandleInboundSignal(m.group, m.sender, parsed)
}

func wireOrchestrators(t *testing.T) (alice, bob *Orchestrator, groupA, groupB GroupContext, events chan Event) {
	t.Helper()
	provider := mlscore.NewMemoryProvider()
	id, _, err := provider.CreateGroup("alice", []mlscore.KeyPackageEvent{{Pubkey: "bob", Raw: []byte("kp")}}, mlscore.GroupConfig{Name: "call-test"})
	require.NoError(t, err)

	events = make(chan Event, 32)
	sink := func(ev Event) { events <- ev }

	pool := mediatransport.NewPool()
	alice = NewOrchestrator(Config{SelfPubkey: "alice", MediaPool: pool, Events: sink, PublishRetries: 1, RetryBackoff: time.Millisecond})
	bob = NewOrchestrator(Config{SelfPubkey: "bob", MediaPool: pool, Events: sink, PublishRetries: 1, RetryBackoff: time.Millisecond})

	groupA = GroupContext{Provider: provider, GroupID: id, SelfPubkey: "alice"}
	groupB = GroupContext{Provider: provider, GroupID: id, SelfPubkey: "bob"}

	alice.BindGroup(id, &loopbackMessenger{target: bob, group: groupB, sender: "alice"})
	bob.BindGroup(id, &loopbackMessenger{target: alice, group: groupA, sender: "bob"})
	return alice, bob, groupA, groupB, events
}

func waitFor(t *testing.T, events chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

func TestInviteAcceptReachesActiveOnBothSides(t *testing.T) {
	alice, bob, groupA, _, events := wireOrchestrators(t)

	tracks := []TrackSpec{{Name: "data0"}}
	require.NoError(t, alice.InviteCall(groupA, "call-1", "bob", "mem://relay", "pika/calls/call-1", tracks))

	waitFor(t, events, EventIncomingInvite)
	require.NoError(t, bob.AcceptCall("call-1"))

	waitFor(t, events, EventCallActive)
	waitFor(t, events, EventCallActive)

	require.NotNil(t, alice.active)
	require.NotNil(t, bob.active)
	require.Equal(t, ModeData, alice.active.mode)
}

// capturingMessenger records every published raw envelope without routing
// it anywhere, for tests that only need to inspect what an orchestrator
// tried to send.
type capturingMessenger struct {
	mu  sync.Mutex
	raw [][]byte
}

func (m *capturingMessenger) PublishCallSignal(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append(m.raw, raw)
	return nil
}

func (m *capturingMessenger) last(t *testing.T) *ParsedSignal {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.raw)
	parsed, err := ParseCallSignal(m.raw[len(m.raw)-1])
	require.NoError(t, err)
	return parsed
}

func TestInviteRejectedWhenBusy(t *testing.T) {
	provider := mlscore.NewMemoryProvider()
	id, _, err := provider.CreateGroup("alice", []mlscore.KeyPackageEvent{{Pubkey: "bob", Raw: []byte("kp")}}, mlscore.GroupConfig{Name: "busy-test"})
	require.NoError(t, err)
	group := GroupContext{Provider: provider, GroupID: id, SelfPubkey: "alice"}

	events := make(chan Event, 8)
	alice := NewOrchestrator(Config{SelfPubkey: "alice", MediaPool: mediatransport.NewPool(), Events: func(ev Event) { events <- ev }})
	messenger := &capturingMessenger{}
	alice.BindGroup(id, messenger)

	sharedSeed := keyderivation.SharedSeed("warm-up", "mem://relay", "pika/calls/warm-up", "alice", "bob")
	token, err := keyderivation.RelayAuthToken(group.exporterFunc(), "warm-up", "mem://relay", "pika/calls/warm-up", sharedSeed)
	require.NoError(t, err)
	raw, err := BuildCallSignalJSON(SignalInvite, "warm-up", 1, InviteBody{MoqURL: "mem://relay", BroadcastBase: "pika/calls/warm-up", Tracks: []TrackSpec{{Name: "data0"}}, RelayAuth: token})
	require.NoError(t, err)
	parsedWarmup, err := ParseCallSignal(raw)
	require.NoError(t, err)
	require.NoError(t, alice.HandleInboundSignal(group, "bob", parsedWarmup))
	waitFor(t, events, EventIncomingInvite)
	require.NoError(t, alice.AcceptCall("warm-up"))
	waitFor(t, events, EventCallActive)

	raw2, err := BuildCallSignalJSON(SignalInvite, "call-2", 2, InviteBody{MoqURL: "mem://relay", BroadcastBase: "pika/calls/call-2", Tracks: []TrackSpec{{Name: "data0"}}})
	require.NoError(t, err)
	parsed2, err := ParseCallSignal(raw2)
	require.NoError(t, err)
	require.NoError(t, alice.HandleInboundSignal(group, "carol", parsed2))

	reply := messenger.last(t)
	require.Equal(t, SignalReject, reply.Type)
	require.Equal(t, "busy", reply.Reject.Reason)
}

func TestEndCallTerminatesBothSides(t *testing.T) {
	alice, bob, groupA, _, events := wireOrchestrators(t)

	require.NoError(t, alice.InviteCall(groupA, "call-1", "bob", "mem://relay", "pika/calls/call-1", []TrackSpec{{Name: "data0"}}))
	waitFor(t, events, EventIncomingInvite)
	require.NoError(t, bob.AcceptCall("call-1"))
	waitFor(t, events, EventCallActive)
	waitFor(t, events, EventCallActive)

	require.NoError(t, alice.EndCall("call-1"))
	reasons := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := waitFor(t, events, EventCallSessionEnded)
		reasons[ev.Reason] = true
	}
	require.True(t, reasons["local_end"])
	require.True(t, reasons["remote_end"])

	require.Nil(t, alice.active)
	require.Nil(t, bob.active)
}

func TestSendCallDataDeliversToOtherSide(t *testing.T) {
	alice, bob, groupA, _, events := wireOrchestrators(t)

	require.NoError(t, alice.InviteCall(groupA, "call-1", "bob", "mem://relay", "pika/calls/call-1", []TrackSpec{{Name: "data0"}}))
	waitFor(t, events, EventIncomingInvite)
	require.NoError(t, bob.AcceptCall("call-1"))
	waitFor(t, events, EventCallActive)
	waitFor(t, events, EventCallActive)

	require.NoError(t, alice.SendCallData("call-1", "data0", []byte("hello")))

	ev := waitFor(t, events, EventCallData)
	require.Equal(t, []byte("hello"), ev.Payload)
	require.Equal(t, "data0", ev.Track)
}
