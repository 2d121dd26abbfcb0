package call

import (
	"testing"

	"github.com/pika-msg/pika-core/keyderivation"
	"github.com/stretchr/testify/require"
)

func sampleKeys(t *testing.T) keyderivation.FrameKeyMaterial {
	t.Helper()
	var secret [32]byte
	copy(secret[:], []byte("group-exporter-secret-0123456789"))
	derive := func(context, label, filename []byte) ([32]byte, error) {
		return secret, nil
	}
	seed := keyderivation.SharedSeed("call-1", "moq://x", "base", "alice", "bob")
	keys, err := keyderivation.DeriveMediaKeys(derive, seed, "alice", "audio0", "alice", 7)
	require.NoError(t, err)
	return keys
}

func TestEncryptDecryptFrameRoundTrip(t *testing.T) {
	keys := sampleKeys(t)
	info := FrameInfo{Counter: 5, GroupSeq: 5, FrameIdx: 0, Keyframe: true}

	ct, err := EncryptFrame(keys, info, []byte("opus-payload-bytes"))
	require.NoError(t, err)

	pt, err := DecryptFrame(keys, info, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("opus-payload-bytes"), pt)
}

func TestDecryptFrameFailsOnTamperedInfo(t *testing.T) {
	keys := sampleKeys(t)
	info := FrameInfo{Counter: 5, GroupSeq: 5}
	ct, err := EncryptFrame(keys, info, []byte("payload"))
	require.NoError(t, err)

	tampered := FrameInfo{Counter: 6, GroupSeq: 6}
	_, err = DecryptFrame(keys, tampered, ct)
	require.ErrorIs(t, err, ErrFrameDecrypt)
}

func TestDecryptFrameRejectsWrongKeyID(t *testing.T) {
	keys := sampleKeys(t)
	info := FrameInfo{Counter: 1}
	ct, err := EncryptFrame(keys, info, []byte("payload"))
	require.NoError(t, err)

	other := keys
	other.KeyID[0] ^= 0xFF
	_, err = DecryptFrame(other, info, ct)
	require.ErrorIs(t, err, ErrKeyIDMismatch)
}
