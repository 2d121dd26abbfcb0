package groupmanager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pika-msg/pika-core/mlscore"
	"github.com/pika-msg/pika-core/store"
)

func newTestManager(t *testing.T) (*Manager, mlscore.Provider) {
	t.Helper()
	provider := mlscore.NewMemoryProvider()
	st, err := store.Open(filepath.Join(t.TempDir(), "pika.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(provider, st), provider
}

func TestCreateGroupSyncsCache(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, rumors, err := m.CreateGroup(ctx, "alice", []mlscore.KeyPackageEvent{{Pubkey: "bob", Raw: []byte("kp")}}, mlscore.GroupConfig{Name: "family"})
	require.NoError(t, err)
	require.Len(t, rumors, 1)

	groups, err := m.st.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, id, groups[0].GroupID)
	require.Equal(t, "family", groups[0].Name)
}

func TestAddMembersMergesAndSyncsCache(t *testing.T) {
	m, provider := newTestManager(t)
	ctx := context.Background()

	id, _, err := m.CreateGroup(ctx, "alice", []mlscore.KeyPackageEvent{{Pubkey: "bob", Raw: []byte("kp")}}, mlscore.GroupConfig{Name: "family"})
	require.NoError(t, err)

	_, err = m.AddMembers(ctx, id, "alice", []mlscore.KeyPackageEvent{{Pubkey: "carol", Raw: []byte("kp2")}})
	require.NoError(t, err)

	members, err := provider.Members(id)
	require.NoError(t, err)
	require.Contains(t, members, "carol")

	groups, err := m.st.ListGroups(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), groups[0].Epoch)
}

func TestAcceptWelcomeConsumesPendingRecordExactlyOnce(t *testing.T) {
	creatorMgr, creatorProvider := newTestManager(t)
	ctx := context.Background()

	id, rumors, err := creatorMgr.CreateGroup(ctx, "alice", []mlscore.KeyPackageEvent{{Pubkey: "bob", Raw: []byte("kp")}}, mlscore.GroupConfig{Name: "family"})
	require.NoError(t, err)
	require.Len(t, rumors, 1)

	bobProvider := creatorProvider // MemoryProvider is shared in this in-process test, mirroring call package's loopback tests
	bobMgr := New(bobProvider, mustStore(t))

	require.NoError(t, bobMgr.ReceiveWelcome(ctx, "wrap-1", "alice", rumors[0].WelcomeBytes))

	gotID, err := bobMgr.AcceptWelcome(ctx, "wrap-1")
	require.NoError(t, err)
	require.Equal(t, id, gotID)

	_, err = bobMgr.AcceptWelcome(ctx, "wrap-1")
	require.ErrorIs(t, err, ErrPendingWelcomeNotFound)
}

func mustStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pika.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}
