package controller

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandUnmarshalRetainsRawForTypedDecode(t *testing.T) {
	line := []byte(`{"cmd":"invite_call","request_id":"r1","nostr_group_id":"g1","peer_pubkey":"bob","moq_url":"mem://relay"}`)

	var cmd Command
	require.NoError(t, json.Unmarshal(line, &cmd))
	require.Equal(t, CmdInviteCall, cmd.Cmd)
	require.Equal(t, "r1", cmd.RequestID)

	var invite InviteCallCmd
	require.NoError(t, json.Unmarshal(cmd.Raw, &invite))
	require.Equal(t, "bob", invite.PeerPubkey)
	require.Equal(t, "mem://relay", invite.MoqURL)
}

func TestOutputMarshalsErrorEnvelope(t *testing.T) {
	out := Output{Type: OutError, RequestID: "r1", Code: "not_found", Message: "no such call"}
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "error", decoded["type"])
	require.Equal(t, "not_found", decoded["code"])
}

func TestMessageReceivedResultIncludesMediaRefs(t *testing.T) {
	result := MessageReceivedResult{
		NostrGroupID: "g1",
		SenderPubkey: "alice",
		Content:      "hi",
		Media:        []MediaRef{{LocalPath: "/tmp/x.jpg", MimeType: "image/jpeg"}},
	}
	data, err := json.Marshal(result)
	require.NoError(t, err)
	require.Contains(t, string(data), `"local_path":"/tmp/x.jpg"`)
}
