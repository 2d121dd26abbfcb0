package keyderivation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedExporter(secret [32]byte) ExporterSecretFunc {
	return func(context, label, filename []byte) ([32]byte, error) {
		return hkdfExpand(secret, context, append(append([]byte{}, label...), filename...)), nil
	}
}

func TestSharedSeedOrdersPubkeysRegardlessOfCaller(t *testing.T) {
	a := SharedSeed("call-1", "https://moq.example", "base", "alice", "bob")
	b := SharedSeed("call-1", "https://moq.example", "base", "bob", "alice")
	require.Equal(t, a, b)
}

func TestRelayAuthTokenFormatAndDeterminism(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("group-exporter-secret-0123456789"))
	derive := fixedExporter(secret)
	seed := SharedSeed("call-1", "moq://x", "base", "alice", "bob")

	tok1, err := RelayAuthToken(derive, "call-1", "moq://x", "base", seed)
	require.NoError(t, err)
	tok2, err := RelayAuthToken(derive, "call-1", "moq://x", "base", seed)
	require.NoError(t, err)

	require.Equal(t, tok1, tok2)
	require.True(t, ValidRelayAuthTokenFormat(tok1))
	require.True(t, len(tok1) == len(TokenPrefix)+64)
}

func TestValidateRelayAuthTokenRejectsWrongToken(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("group-exporter-secret-0123456789"))
	derive := fixedExporter(secret)
	seed := SharedSeed("call-1", "moq://x", "base", "alice", "bob")

	ok, err := ValidateRelayAuthToken("capv1_deadbeef", derive, "call-1", "moq://x", "base", seed)
	require.NoError(t, err)
	require.False(t, ok)

	valid, err := RelayAuthToken(derive, "call-1", "moq://x", "base", seed)
	require.NoError(t, err)
	ok, err = ValidateRelayAuthToken(valid, derive, "call-1", "moq://x", "base", seed)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDeriveMediaKeysProducesMatchingGroupRootForBothSides(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("group-exporter-secret-0123456789"))
	derive := fixedExporter(secret)
	seed := SharedSeed("call-1", "moq://x", "base", "alice", "bob")

	txKeys, err := DeriveMediaKeys(derive, seed, "alice", "audio0", "alice", 3)
	require.NoError(t, err)
	rxKeys, err := DeriveMediaKeys(derive, seed, "alice", "audio0", "alice", 3)
	require.NoError(t, err)

	require.Equal(t, txKeys.GroupRoot, rxKeys.GroupRoot)
	require.Equal(t, txKeys.BaseKey, rxKeys.BaseKey)
	require.Equal(t, txKeys.KeyID, rxKeys.KeyID)
}

func TestParticipantLabelStableAndOpaque(t *testing.T) {
	var root [32]byte
	copy(root[:], []byte("group-root-secret-xxxxxxxxxxxxxx"))

	l1 := ParticipantLabel(root, "alice-pubkey")
	l2 := ParticipantLabel(root, "alice-pubkey")
	l3 := ParticipantLabel(root, "bob-pubkey")

	require.Equal(t, l1, l2)
	require.NotEqual(t, l1, l3)
	require.NotContains(t, l1, "alice")
}

func TestEmptyTrackRejected(t *testing.T) {
	var secret [32]byte
	derive := fixedExporter(secret)
	_, err := DeriveMediaKeys(derive, "seed", "alice", "", "alice", 0)
	require.ErrorIs(t, err, ErrEmptyTrack)
}

func TestDeriveAttachmentKeyIsDeterministicAndDistinctPerAttachment(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("group-exporter-secret-0123456789"))
	derive := fixedExporter(secret)

	k1, err := DeriveAttachmentKey(derive, "deadbeef", 2, "event-1")
	require.NoError(t, err)
	k1Again, err := DeriveAttachmentKey(derive, "deadbeef", 2, "event-1")
	require.NoError(t, err)
	require.Equal(t, k1, k1Again)

	k2, err := DeriveAttachmentKey(derive, "deadbeef", 2, "event-2")
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	k3, err := DeriveAttachmentKey(derive, "deadbeef", 3, "event-1")
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}
