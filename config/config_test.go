package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	opts, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.NotEmpty(t, opts.StateDir)
	require.Equal(t, []string{"wss://relay.pika.chat"}, opts.Relays)
	require.False(t, opts.ControlPlane.AllowAll)
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pika.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"state_dir": "/var/lib/pika",
		"relays": ["wss://a", "wss://b"],
		"blossom_servers": ["https://blossom.example"],
		"allow_video": true,
		"control_plane": {"allow_all": true}
	}`), 0o600))

	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/pika", opts.StateDir)
	require.Equal(t, []string{"wss://a", "wss://b"}, opts.Relays)
	require.Equal(t, []string{"https://blossom.example"}, opts.BlossomServers)
	require.True(t, opts.AllowVideo)
	require.True(t, opts.ControlPlane.AllowAll)
}

func TestEnvOverridesStateDirAndRelays(t *testing.T) {
	t.Setenv("PIKA_STATE_DIR", "/tmp/pika-env")
	t.Setenv("PIKA_RELAYS", "wss://x,wss://y")

	opts, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/tmp/pika-env", opts.StateDir)
	require.Equal(t, []string{"wss://x", "wss://y"}, opts.Relays)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pika.json")
	original := Default()
	original.Relays = []string{"wss://roundtrip"}
	original.ControlPlane = ControlPlanePolicy{Allowlist: []string{"deadbeef"}}
	require.NoError(t, Save(path, original))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, original.Relays, loaded.Relays)
	require.Equal(t, map[string]bool{"deadbeef": true}, loaded.Allowlist())
}
