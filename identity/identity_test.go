package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairIsRandomAndValid(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NotEqual(t, a.Secret, b.Secret)
	require.NotEqual(t, a.Public, b.Public)

	sig := a.Sign([]byte("hello"))
	var signer Ed25519Signer
	require.True(t, signer.Verify([]byte("hello"), sig, a.Public))
	require.False(t, signer.Verify([]byte("tampered"), sig, a.Public))
}

func TestLoadOrCreatePersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)

	second, err := LoadOrCreate(dir)
	require.NoError(t, err)

	require.Equal(t, first.Secret, second.Secret)
	require.Equal(t, first.Public, second.Public)
	require.FileExists(t, filepath.Join(dir, "identity.json"))
}
