// Package controller defines the line-delimited JSON wire protocol
// between a daemon process and its controller (stdin/stdout, or an
// `--exec` child's stdout), per SPEC_FULL.md §6. One Go struct per
// command/output variant with json tags matching the spec's snake_case
// wire names, grounded on the teacher's JSON-tagged wire-struct
// conventions (messaging/message.go).
package controller

import "encoding/json"

// Command is the envelope every inbound controller line decodes into
// first; Cmd selects which typed payload to further unmarshal from Raw.
type Command struct {
	Cmd       string          `json:"cmd"`
	RequestID string          `json:"request_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full line in Raw so a dispatcher can re-decode
// it into the concrete command type selected by Cmd.
func (c *Command) UnmarshalJSON(data []byte) error {
	type alias Command
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Command(a)
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Command names, per SPEC_FULL.md §6.
const (
	CmdPublishKeypackage    = "publish_keypackage"
	CmdSetRelays            = "set_relays"
	CmdListPendingWelcomes  = "list_pending_welcomes"
	CmdAcceptWelcome        = "accept_welcome"
	CmdListGroups           = "list_groups"
	CmdInitGroup            = "init_group"
	CmdSendMessage          = "send_message"
	CmdSendHypernote        = "send_hypernote"
	CmdReact                = "react"
	CmdSubmitHypernoteAction = "submit_hypernote_action"
	CmdSendMedia            = "send_media"
	CmdSendTyping           = "send_typing"
	CmdInviteCall           = "invite_call"
	CmdAcceptCall           = "accept_call"
	CmdRejectCall           = "reject_call"
	CmdEndCall              = "end_call"
	CmdSendAudioResponse    = "send_audio_response"
	CmdSendAudioFile        = "send_audio_file"
	CmdSendCallData         = "send_call_data"
	CmdShutdown             = "shutdown"
)

// PublishKeypackageCmd requests a MlsKeyPackage publish.
type PublishKeypackageCmd struct {
	RequestID string   `json:"request_id,omitempty"`
	Relays    []string `json:"relays,omitempty"`
}

// SetRelaysCmd replaces the configured relay set.
type SetRelaysCmd struct {
	RequestID string   `json:"request_id,omitempty"`
	Relays    []string `json:"relays"`
}

// AcceptWelcomeCmd accepts a previously materialized pending welcome.
type AcceptWelcomeCmd struct {
	RequestID      string `json:"request_id,omitempty"`
	WrapperEventID string `json:"wrapper_event_id"`
}

// InitGroupCmd creates a new two-party group with peer_pubkey.
type InitGroupCmd struct {
	RequestID   string `json:"request_id,omitempty"`
	PeerPubkey  string `json:"peer_pubkey"`
	GroupName   string `json:"group_name,omitempty"`
}

// SendMessageCmd sends plaintext content into a group.
type SendMessageCmd struct {
	RequestID     string `json:"request_id,omitempty"`
	NostrGroupID  string `json:"nostr_group_id"`
	Content       string `json:"content"`
}

// ReactCmd sends an emoji reaction to a prior event. NostrGroupID is not
// named in the spec's react{event_id, emoji} shorthand; it is extended here
// exactly as SendMediaCmd's NostrGroupID field is, so the reaction can be
// routed to a group without a reverse event_id→group lookup.
type ReactCmd struct {
	RequestID    string `json:"request_id,omitempty"`
	NostrGroupID string `json:"nostr_group_id"`
	EventID      string `json:"event_id"`
	Emoji        string `json:"emoji"`
}

// SendMediaCmd sends an encrypted media attachment. NostrGroupID is not
// named in the spec's send_media shorthand, which collapses it alongside
// send_typing; both are extended here to carry it explicitly so an agent
// with more than one active group can target a specific one, matching
// send_message's own required nostr_group_id.
type SendMediaCmd struct {
	RequestID      string   `json:"request_id,omitempty"`
	NostrGroupID   string   `json:"nostr_group_id"`
	FilePath       string   `json:"file_path"`
	MimeType       string   `json:"mime_type,omitempty"`
	Filename       string   `json:"filename,omitempty"`
	Caption        string   `json:"caption,omitempty"`
	BlossomServers []string `json:"blossom_servers,omitempty"`
}

// SendTypingCmd sends the ephemeral typing indicator into a group.
type SendTypingCmd struct {
	RequestID    string `json:"request_id,omitempty"`
	NostrGroupID string `json:"nostr_group_id"`
}

// InviteCallCmd starts an outgoing call invite.
type InviteCallCmd struct {
	RequestID     string `json:"request_id,omitempty"`
	NostrGroupID  string `json:"nostr_group_id"`
	PeerPubkey    string `json:"peer_pubkey"`
	CallID        string `json:"call_id,omitempty"`
	MoqURL        string `json:"moq_url"`
	BroadcastBase string `json:"broadcast_base,omitempty"`
	TrackName     string `json:"track_name,omitempty"`
	TrackCodec    string `json:"track_codec,omitempty"`
	RelayAuth     string `json:"relay_auth,omitempty"`
}

// AcceptCallCmd accepts a pending incoming invite.
type AcceptCallCmd struct {
	RequestID string `json:"request_id,omitempty"`
	CallID    string `json:"call_id"`
}

// RejectCallCmd rejects a pending incoming invite.
type RejectCallCmd struct {
	RequestID string `json:"request_id,omitempty"`
	CallID    string `json:"call_id"`
	Reason    string `json:"reason,omitempty"`
}

// EndCallCmd ends an active call.
type EndCallCmd struct {
	RequestID string `json:"request_id,omitempty"`
	CallID    string `json:"call_id"`
	Reason    string `json:"reason,omitempty"`
}

// SendCallDataCmd sends one data-track payload, hex-encoded on the wire.
type SendCallDataCmd struct {
	RequestID string `json:"request_id,omitempty"`
	CallID    string `json:"call_id"`
	PayloadHex string `json:"payload_hex"`
	TrackName string `json:"track_name,omitempty"`
}

// SendAudioFileCmd streams a local audio file as call audio.
type SendAudioFileCmd struct {
	RequestID  string `json:"request_id,omitempty"`
	CallID     string `json:"call_id"`
	AudioPath  string `json:"audio_path"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels,omitempty"`
}

// SendAudioResponseCmd hands a block of synthesized-speech text to the
// active call's audio publish path. Text-to-speech synthesis itself is the
// external collaborator named in SPEC_FULL.md §1: this command only carries
// the text through to wherever a TTS engine is wired in.
type SendAudioResponseCmd struct {
	RequestID string `json:"request_id,omitempty"`
	CallID    string `json:"call_id"`
	TTSText   string `json:"tts_text"`
}

// SendHypernoteCmd publishes a Hypernote-style interactive card into a
// group, per spec.md §6's bare send_hypernote command. NostrGroupID and
// Content are extended in exactly the way SendMediaCmd's NostrGroupID is.
type SendHypernoteCmd struct {
	RequestID    string `json:"request_id,omitempty"`
	NostrGroupID string `json:"nostr_group_id"`
	Content      string `json:"content"`
}

// SubmitHypernoteActionCmd submits one interactive action back to the group
// that published the originating Hypernote card, per spec.md §6's
// submit_hypernote_action{event_id, action, form}. NostrGroupID is
// extended the same way ReactCmd's is, for the same reason.
type SubmitHypernoteActionCmd struct {
	RequestID    string `json:"request_id,omitempty"`
	NostrGroupID string `json:"nostr_group_id"`
	EventID      string `json:"event_id"`
	Action       string `json:"action"`
	Form         string `json:"form,omitempty"`
}

// Output type tags, per SPEC_FULL.md §6.
const (
	OutReady                  = "ready"
	OutOK                     = "ok"
	OutError                  = "error"
	OutKeypackagePublished    = "keypackage_published"
	OutWelcomeReceived        = "welcome_received"
	OutGroupJoined            = "group_joined"
	OutGroupCreated           = "group_created"
	OutMessageReceived        = "message_received"
	OutCallInviteReceived     = "call_invite_received"
	OutCallSessionStarted     = "call_session_started"
	OutCallSessionEnded       = "call_session_ended"
	OutCallDebug              = "call_debug"
	OutCallAudioChunk         = "call_audio_chunk"
	OutCallData               = "call_data"
	OutSendAudioFileOk        = "send_audio_file_ok"
)

// Output is the envelope every outbound controller line marshals from.
type Output struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// MediaRef is one decrypted media attachment reference on message_received.
type MediaRef struct {
	LocalPath string `json:"local_path"`
	MimeType  string `json:"mime_type,omitempty"`
}

// MessageReceivedResult is message_received's payload.
type MessageReceivedResult struct {
	NostrGroupID string     `json:"nostr_group_id"`
	SenderPubkey string     `json:"sender_pubkey"`
	Content      string     `json:"content,omitempty"`
	Media        []MediaRef `json:"media,omitempty"`
}

// GroupJoinedResult is group_joined's payload.
type GroupJoinedResult struct {
	NostrGroupID string `json:"nostr_group_id"`
	MlsGroupID   string `json:"mls_group_id"`
	MemberCount  int    `json:"member_count"`
}

// CallDebugResult is call_debug's payload.
type CallDebugResult struct {
	TxFrames  uint64 `json:"tx_frames"`
	RxFrames  uint64 `json:"rx_frames"`
	RxDropped uint64 `json:"rx_dropped"`
}

// CallAudioChunkResult is call_audio_chunk's payload.
type CallAudioChunkResult struct {
	AudioPath  string `json:"audio_path"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// CallDataResult is call_data's payload.
type CallDataResult struct {
	PayloadHex string `json:"payload_hex"`
	TrackName  string `json:"track_name,omitempty"`
}

// SendAudioFileOkResult is send_audio_file_ok's payload: the call_id the
// file was queued for and the real frame count once the whole file has
// been read, resampled, and split to the track's frame size.
type SendAudioFileOkResult struct {
	CallID     string `json:"call_id"`
	FrameCount int    `json:"frame_count"`
}
