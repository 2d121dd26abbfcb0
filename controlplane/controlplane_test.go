package controlplane

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pika-msg/pika-core/pikaerr"
	"github.com/pika-msg/pika-core/provider"
)

func newTestControlPlane(t *testing.T, policy Policy) *ControlPlane {
	t.Helper()
	cp, err := New(policy, provider.NewProcessAdapter(), filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return cp
}

func TestProvisionHappyPathReachesReady(t *testing.T) {
	cp := newTestControlPlane(t, Policy{AllowAll: true})
	var statuses []Status
	rt, err := cp.Provision("alice", "req-1", "idem-1", ProvisionCmd{Protocol: "acp"}, "", []string{"acp"}, func(s Status) { statuses = append(statuses, s) })
	require.NoError(t, err)
	require.Equal(t, LifecycleReady, rt.Lifecycle)
	require.Equal(t, "alice", rt.OwnerPubkeyHex)

	require.Len(t, statuses, 3)
	require.Equal(t, LifecycleQueued, statuses[0].Lifecycle)
	require.Equal(t, LifecycleProvisioning, statuses[1].Lifecycle)
	require.Equal(t, LifecycleReady, statuses[2].Lifecycle)
}

func TestProvisionDeniedByDefaultDenyAllPolicy(t *testing.T) {
	cp := newTestControlPlane(t, Policy{})
	_, err := cp.Provision("alice", "req-1", "", ProvisionCmd{Protocol: "acp"}, "", []string{"acp"}, func(Status) {})
	require.ErrorIs(t, err, pikaerr.ErrProvisionUnauthorized)
}

func TestProvisionRejectsUnsupportedProtocol(t *testing.T) {
	cp := newTestControlPlane(t, Policy{AllowAll: true})
	_, err := cp.Provision("alice", "req-1", "", ProvisionCmd{Protocol: "acp"}, "", []string{"other-protocol"}, func(Status) {})
	require.ErrorIs(t, err, pikaerr.ErrUnsupportedProtocol)
}

func TestProvisionRejectsMismatchedRuntimeClass(t *testing.T) {
	cp := newTestControlPlane(t, Policy{AllowAll: true})
	_, err := cp.Provision("alice", "req-1", "", ProvisionCmd{Protocol: "acp", RuntimeClass: "big"}, "small", []string{"acp"}, func(Status) {})
	require.ErrorIs(t, err, pikaerr.ErrRuntimeClassUnavailable)
}

func TestProvisionIdempotentReplayReturnsCachedResult(t *testing.T) {
	cp := newTestControlPlane(t, Policy{AllowAll: true})
	rt1, err := cp.Provision("alice", "req-1", "idem-1", ProvisionCmd{Protocol: "acp"}, "", []string{"acp"}, func(Status) {})
	require.NoError(t, err)

	var statuses []Status
	rt2, err := cp.Provision("alice", "req-2", "idem-1", ProvisionCmd{Protocol: "acp"}, "", []string{"acp"}, func(s Status) { statuses = append(statuses, s) })
	require.NoError(t, err)
	require.Equal(t, rt1.RuntimeID, rt2.RuntimeID)
	require.Len(t, statuses, 1)
	require.Equal(t, "idempotent replay", statuses[0].Message)
}

func TestGetRuntimeIsOwnerScoped(t *testing.T) {
	cp := newTestControlPlane(t, Policy{AllowAll: true})
	rt, err := cp.Provision("alice", "req-1", "", ProvisionCmd{Protocol: "acp"}, "", []string{"acp"}, func(Status) {})
	require.NoError(t, err)

	_, err = cp.GetRuntime("alice", rt.RuntimeID)
	require.NoError(t, err)

	_, err = cp.GetRuntime("mallory", rt.RuntimeID)
	require.ErrorIs(t, err, pikaerr.ErrNotFound)
}

func TestLegacyRecordWithNoOwnerVisibleViaPolicy(t *testing.T) {
	cp := newTestControlPlane(t, Policy{Allowlist: map[string]bool{"alice": true}})
	cp.mu.Lock()
	cp.runtimes["legacy-1"] = Runtime{RuntimeID: "legacy-1", Lifecycle: LifecycleReady, Protocol: "acp"}
	cp.mu.Unlock()

	_, err := cp.GetRuntime("alice", "legacy-1")
	require.NoError(t, err)

	_, err = cp.GetRuntime("mallory", "legacy-1")
	require.ErrorIs(t, err, pikaerr.ErrNotFound)
}

func TestTeardownMarksLifecycleTeardown(t *testing.T) {
	cp := newTestControlPlane(t, Policy{AllowAll: true})
	rt, err := cp.Provision("alice", "req-1", "", ProvisionCmd{Protocol: "acp"}, "", []string{"acp"}, func(Status) {})
	require.NoError(t, err)

	_, err = cp.Teardown("alice", "", rt.RuntimeID)
	require.NoError(t, err)

	got, err := cp.GetRuntime("alice", rt.RuntimeID)
	require.NoError(t, err)
	require.Equal(t, LifecycleTeardown, got.Lifecycle)
}

func TestListRuntimesOnlyReturnsAccessible(t *testing.T) {
	cp := newTestControlPlane(t, Policy{AllowAll: true})
	_, err := cp.Provision("alice", "req-1", "", ProvisionCmd{Protocol: "acp"}, "", []string{"acp"}, func(Status) {})
	require.NoError(t, err)
	_, err = cp.Provision("bob", "req-2", "", ProvisionCmd{Protocol: "acp"}, "", []string{"acp"}, func(Status) {})
	require.NoError(t, err)

	aliceRuntimes := cp.ListRuntimes("alice")
	require.Len(t, aliceRuntimes, 1)
	require.Equal(t, "alice", aliceRuntimes[0].OwnerPubkeyHex)
}

func TestStateSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	cp1, err := New(Policy{AllowAll: true}, provider.NewProcessAdapter(), statePath)
	require.NoError(t, err)
	rt, err := cp1.Provision("alice", "req-1", "", ProvisionCmd{Protocol: "acp"}, "", []string{"acp"}, func(Status) {})
	require.NoError(t, err)

	cp2, err := New(Policy{AllowAll: true}, provider.NewProcessAdapter(), statePath)
	require.NoError(t, err)
	got, err := cp2.GetRuntime("alice", rt.RuntimeID)
	require.NoError(t, err)
	require.Equal(t, rt.RuntimeID, got.RuntimeID)
}
