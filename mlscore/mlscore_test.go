package mlscore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func kp(pub string) KeyPackageEvent {
	return KeyPackageEvent{EventID: "ev-" + pub, Pubkey: pub, Raw: []byte("raw-" + pub)}
}

func TestCreateGroupSingleMemberRoundTrip(t *testing.T) {
	p := NewMemoryProvider()

	id, welcomes, err := p.CreateGroup("C", nil, GroupConfig{Name: "Test Group", Admins: []string{"C"}})
	require.NoError(t, err)
	require.Empty(t, welcomes)

	members, err := p.Members(id)
	require.NoError(t, err)
	require.Equal(t, []string{"C"}, members)

	data, err := p.GroupData(id)
	require.NoError(t, err)
	require.Equal(t, "Test Group", data.Name)
	require.True(t, data.Admins["C"])
}

func TestCreateGroupWithMembersProducesWelcomes(t *testing.T) {
	p := NewMemoryProvider()

	id, welcomes, err := p.CreateGroup("Alice", []KeyPackageEvent{kp("Bob"), kp("Charlie")}, GroupConfig{
		Name: "G", Admins: []string{"Alice"},
	})
	require.NoError(t, err)
	require.Len(t, welcomes, 2)

	epoch, err := p.CurrentEpoch(id)
	require.NoError(t, err)
	require.Equal(t, uint64(0), epoch)
}

func TestAdminChecksReadLiveMLSState(t *testing.T) {
	p := NewMemoryProvider()
	id, _, err := p.CreateGroup("Alice", []KeyPackageEvent{kp("Bob"), kp("Charlie")}, GroupConfig{
		Name: "G", Admins: []string{"Alice"},
	})
	require.NoError(t, err)

	isAdmin, err := p.IsAdmin(id, "Alice")
	require.NoError(t, err)
	require.True(t, isAdmin)

	isAdmin, err = p.IsAdmin(id, "Bob")
	require.NoError(t, err)
	require.False(t, isAdmin)
}

func TestRemoveTranslatesCurrentLeafIndexAcrossHoles(t *testing.T) {
	p := NewMemoryProvider()
	id, _, err := p.CreateGroup("A", []KeyPackageEvent{kp("B"), kp("C"), kp("D")}, GroupConfig{
		Name: "G", Admins: []string{"A"},
	})
	require.NoError(t, err)

	require.NoError(t, p.ProposeRemoveMembers(id, "A", []string{"C"}))
	require.NoError(t, p.MergePendingCommit(id))

	members, err := p.Members(id)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "B", "D"}, members)

	require.NoError(t, p.ProposeRemoveMembers(id, "A", []string{"D"}))
	require.NoError(t, p.MergePendingCommit(id))

	members, err = p.Members(id)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "B"}, members)
}

func TestEpochStrictlyAdvancesOnEveryMerge(t *testing.T) {
	p := NewMemoryProvider()
	id, _, err := p.CreateGroup("A", []KeyPackageEvent{kp("B")}, GroupConfig{Name: "G", Admins: []string{"A"}})
	require.NoError(t, err)

	before, _ := p.CurrentEpoch(id)
	require.NoError(t, p.ProposeSelfUpdate(id, "A"))
	require.NoError(t, p.MergePendingCommit(id))
	after, _ := p.CurrentEpoch(id)
	require.Greater(t, after, before)
}

func TestDuplicateMemberRejectedWithoutFreshKeyPackage(t *testing.T) {
	p := NewMemoryProvider()
	id, _, err := p.CreateGroup("A", []KeyPackageEvent{kp("B")}, GroupConfig{Name: "G", Admins: []string{"A"}})
	require.NoError(t, err)

	_, err = p.ProposeAddMembers(id, "A", []KeyPackageEvent{kp("B")})
	require.ErrorIs(t, err, ErrDuplicateMember)
}

func TestUpdateGroupDataClearsImageFieldsAtomically(t *testing.T) {
	p := NewMemoryProvider()
	id, _, err := p.CreateGroup("A", nil, GroupConfig{Name: "G", Admins: []string{"A"}})
	require.NoError(t, err)

	require.NoError(t, p.ProposeUpdateGroupData(id, "A", GroupDataUpdate{
		ImageHash: []byte("hash"), ImageKey: []byte("key"), ImageNonce: []byte("nonce"), ImageHashSet: true,
	}))
	require.NoError(t, p.MergePendingCommit(id))

	data, err := p.GroupData(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hash"), data.ImageHash)

	require.NoError(t, p.ProposeUpdateGroupData(id, "A", GroupDataUpdate{ImageHash: nil, ImageHashSet: true}))
	require.NoError(t, p.MergePendingCommit(id))

	data, err = p.GroupData(id)
	require.NoError(t, err)
	require.Nil(t, data.ImageHash)
	require.Nil(t, data.ImageKey)
	require.Nil(t, data.ImageNonce)
}

func TestEmptyAndNonMemberAdminUpdatesRejected(t *testing.T) {
	p := NewMemoryProvider()
	id, _, err := p.CreateGroup("A", []KeyPackageEvent{kp("B")}, GroupConfig{Name: "G", Admins: []string{"A"}})
	require.NoError(t, err)

	err = p.ProposeUpdateGroupData(id, "A", GroupDataUpdate{Admins: []string{}})
	require.ErrorIs(t, err, ErrEmptyAdminSet)

	err = p.ProposeUpdateGroupData(id, "A", GroupDataUpdate{Admins: []string{"Nobody"}})
	require.ErrorIs(t, err, ErrNonMemberAdmin)
}

func TestNonAdminMutationsRejectedWithoutStateChange(t *testing.T) {
	p := NewMemoryProvider()
	id, _, err := p.CreateGroup("A", []KeyPackageEvent{kp("B")}, GroupConfig{Name: "G", Admins: []string{"A"}})
	require.NoError(t, err)

	epochBefore, _ := p.CurrentEpoch(id)
	err = p.ProposeRemoveMembers(id, "B", []string{"A"})
	require.ErrorIs(t, err, ErrNotAdmin)
	epochAfter, _ := p.CurrentEpoch(id)
	require.Equal(t, epochBefore, epochAfter)
}

func TestWelcomeAcceptRoundTrip(t *testing.T) {
	p := NewMemoryProvider()
	id, welcomes, err := p.CreateGroup("A", []KeyPackageEvent{kp("B")}, GroupConfig{Name: "G", Admins: []string{"A"}})
	require.NoError(t, err)
	require.Len(t, welcomes, 1)

	pw, err := p.ProcessWelcome("wrapper-1", "A", welcomes[0].WelcomeBytes)
	require.NoError(t, err)
	require.Equal(t, "G", pw.GroupName)

	joinedID, err := p.AcceptWelcome("wrapper-1")
	require.NoError(t, err)
	require.Equal(t, id, joinedID)
}

func TestEncryptDecryptApplicationMessageRoundTrips(t *testing.T) {
	p := NewMemoryProvider()
	id, _, err := p.CreateGroup("A", nil, GroupConfig{Name: "G", Admins: []string{"A"}})
	require.NoError(t, err)

	ct, err := p.EncryptApplicationMessage(id, []byte("hello group"))
	require.NoError(t, err)

	res, err := p.ProcessMessage(id, ct)
	require.NoError(t, err)
	require.False(t, res.IsCommit)
	require.Equal(t, []byte("hello group"), res.Plaintext)
}
