package daemon

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/pika-msg/pika-core/audio"
	"github.com/pika-msg/pika-core/call"
	"github.com/pika-msg/pika-core/controller"
	"github.com/pika-msg/pika-core/keyderivation"
	"github.com/pika-msg/pika-core/media"
	"github.com/pika-msg/pika-core/mlscore"
	"github.com/pika-msg/pika-core/nostrevt"
	"github.com/pika-msg/pika-core/pikaerr"
	"github.com/pika-msg/pika-core/relay"
)

// handleCommand dispatches one decoded controller.Command to the matching
// subsystem and writes exactly one reply line (ok/error, plus any typed
// result payload).
func (d *Daemon) handleCommand(ctx context.Context, cmd controller.Command, writeLine func(controller.Output)) {
	reply := func(err error, result interface{}) {
		if err != nil {
			writeLine(controller.Output{Type: controller.OutError, RequestID: cmd.RequestID, Code: pikaerr.Code(err), Message: err.Error()})
			return
		}
		if result != nil {
			writeLine(controller.Output{Type: controller.OutOK, RequestID: cmd.RequestID, Result: result})
			return
		}
		writeLine(controller.Output{Type: controller.OutOK, RequestID: cmd.RequestID})
	}

	switch cmd.Cmd {
	case controller.CmdPublishKeypackage:
		var c controller.PublishKeypackageCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.publishKeyPackage(ctx, c.Relays), nil)

	case controller.CmdSetRelays:
		var c controller.SetRelaysCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		if len(c.Relays) == 0 {
			reply(pikaerr.ErrBadRelays, nil)
			return
		}
		d.setRelays(c.Relays)
		reply(nil, nil)

	case controller.CmdListPendingWelcomes:
		pending, err := d.cfg.Store.ListPendingWelcomes(ctx)
		if err != nil {
			reply(err, nil)
			return
		}
		out := make([]map[string]interface{}, 0, len(pending))
		for _, p := range pending {
			out = append(out, map[string]interface{}{
				"wrapper_event_id": p.WrapperEventID,
				"sender":           p.Sender,
				"nostr_group_id":   hex.EncodeToString(p.NostrGroupID[:]),
				"group_name":       p.GroupName,
			})
		}
		reply(nil, out)

	case controller.CmdAcceptWelcome:
		var c controller.AcceptWelcomeCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		groupID, err := d.cfg.GroupMgr.AcceptWelcome(ctx, c.WrapperEventID)
		if err != nil {
			reply(err, nil)
			return
		}
		data, err := d.cfg.GroupMgr.Provider().GroupData(groupID)
		if err != nil {
			reply(err, nil)
			return
		}
		nostrGroupIDHex := hex.EncodeToString(data.NostrGroupID[:])
		d.subscribeGroup(ctx, groupID, nostrGroupIDHex)
		members, _ := d.cfg.GroupMgr.Provider().Members(groupID)
		reply(nil, controller.GroupJoinedResult{NostrGroupID: nostrGroupIDHex, MlsGroupID: groupID.String(), MemberCount: len(members)})

	case controller.CmdListGroups:
		groups, err := d.cfg.Store.ListGroups(ctx)
		if err != nil {
			reply(err, nil)
			return
		}
		out := make([]map[string]interface{}, 0, len(groups))
		for _, g := range groups {
			out = append(out, map[string]interface{}{
				"nostr_group_id": hex.EncodeToString(g.NostrGroupID[:]),
				"mls_group_id":   g.GroupID.String(),
				"name":           g.Name,
			})
		}
		reply(nil, out)

	case controller.CmdInitGroup:
		var c controller.InitGroupCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		result, err := d.initGroup(ctx, c)
		reply(err, result)

	case controller.CmdSendMessage:
		var c controller.SendMessageCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.sendGroupPayload(ctx, c.NostrGroupID, payload{Content: c.Content}), nil)

	case controller.CmdReact:
		var c controller.ReactCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		if c.Emoji == "" {
			reply(pikaerr.ErrBadEmoji, nil)
			return
		}
		reply(d.sendGroupPayload(ctx, c.NostrGroupID, payload{Reaction: &reactionPayload{EventID: c.EventID, Emoji: c.Emoji}}), nil)

	case controller.CmdSendHypernote:
		var c controller.SendHypernoteCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.sendGroupPayload(ctx, c.NostrGroupID, payload{Content: c.Content, Hypernote: true}), nil)

	case controller.CmdSubmitHypernoteAction:
		var c controller.SubmitHypernoteActionCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		if c.Action == "" {
			reply(pikaerr.ErrBadAction, nil)
			return
		}
		reply(d.sendGroupPayload(ctx, c.NostrGroupID, payload{HypernoteAction: &hypernoteActionPayload{EventID: c.EventID, Action: c.Action, Form: c.Form}}), nil)

	case controller.CmdSendTyping:
		var c controller.SendTypingCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.sendTyping(ctx, c), nil)

	case controller.CmdSendMedia:
		var c controller.SendMediaCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.sendMedia(ctx, c), nil)

	case controller.CmdInviteCall:
		var c controller.InviteCallCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.inviteCall(c), nil)

	case controller.CmdAcceptCall:
		var c controller.AcceptCallCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.orch.AcceptCall(c.CallID), nil)

	case controller.CmdRejectCall:
		var c controller.RejectCallCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.orch.RejectCall(c.CallID, c.Reason), nil)

	case controller.CmdEndCall:
		var c controller.EndCallCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.orch.EndCall(c.CallID), nil)

	case controller.CmdSendCallData:
		var c controller.SendCallDataCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		payloadBytes, err := hex.DecodeString(c.PayloadHex)
		if err != nil {
			reply(fmt.Errorf("%w: payload_hex: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		track := c.TrackName
		if track == "" {
			track = "data0"
		}
		reply(d.orch.SendCallData(c.CallID, track, payloadBytes), nil)

	case controller.CmdSendAudioFile:
		var c controller.SendAudioFileCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.sendAudioFile(c, writeLine), nil)

	case controller.CmdSendAudioResponse:
		var c controller.SendAudioResponseCmd
		if err := json.Unmarshal(cmd.Raw, &c); err != nil {
			reply(fmt.Errorf("%w: %v", pikaerr.ErrInvalidCommandJSON, err), nil)
			return
		}
		reply(d.sendAudioResponse(ctx, c), nil)

	default:
		reply(fmt.Errorf("%w: unrecognized command %q", pikaerr.ErrBadRequest, cmd.Cmd), nil)
	}
}

func (d *Daemon) publishKeyPackage(ctx context.Context, relaysOverride []string) error {
	relays := d.currentRelays()
	if len(relaysOverride) > 0 {
		relays = relaysOverride
	}
	ev := d.buildEvent(nostrevt.KindMlsKeyPackage, nil, hex.EncodeToString([]byte(d.cfg.Self.PublicHex())))
	if err := relay.PublishKeyPackage(ctx, d.cfg.RelayClient, relays, ev); err != nil {
		return fmt.Errorf("%w: %v", pikaerr.ErrPublishFailed, err)
	}
	return nil
}

func (d *Daemon) initGroup(ctx context.Context, c controller.InitGroupCmd) (controller.GroupJoinedResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, relay.FetchConfirmTimeout)
	defer cancel()
	events, err := d.cfg.RelayClient.FetchEventsFrom(fetchCtx, d.currentRelays(), nostrevt.Filter{Kinds: []nostrevt.Kind{nostrevt.KindMlsKeyPackage}, Authors: []string{c.PeerPubkey}, Limit: 1})
	if err != nil || len(events) == 0 {
		return controller.GroupJoinedResult{}, fmt.Errorf("%w: no key package available for %s", pikaerr.ErrNoKeyPackages, c.PeerPubkey)
	}
	kpEvent := events[0]
	kpRaw, err := hex.DecodeString(kpEvent.Content)
	if err != nil {
		kpRaw = []byte(kpEvent.Content)
	}

	groupID, rumors, err := d.cfg.GroupMgr.CreateGroup(ctx, d.cfg.Self.PublicHex(), []mlscore.KeyPackageEvent{{EventID: kpEvent.ID, Pubkey: c.PeerPubkey, Raw: kpRaw}}, mlscore.GroupConfig{
		Name:     c.GroupName,
		Admins:   []string{d.cfg.Self.PublicHex()},
		RelaySet: d.currentRelays(),
	})
	if err != nil {
		return controller.GroupJoinedResult{}, err
	}

	data, err := d.cfg.GroupMgr.Provider().GroupData(groupID)
	if err != nil {
		return controller.GroupJoinedResult{}, err
	}
	nostrGroupIDHex := hex.EncodeToString(data.NostrGroupID[:])
	d.subscribeGroup(ctx, groupID, nostrGroupIDHex)

	for _, rumor := range rumors {
		if err := d.sendGiftWrap(ctx, rumor); err != nil {
			d.log.WithError(err).WithField("recipient", rumor.RecipientPub).Warn("failed to deliver welcome gift wrap")
		}
	}

	members, _ := d.cfg.GroupMgr.Provider().Members(groupID)
	return controller.GroupJoinedResult{NostrGroupID: nostrGroupIDHex, MlsGroupID: groupID.String(), MemberCount: len(members)}, nil
}

// sendGiftWrap publishes a welcome rumor wrapped for its recipient.
// NIP-44 content encryption under the recipient's pubkey is the external
// collaborator named in SPEC_FULL.md §1; this core hex-encodes the raw
// welcome bytes as the wrapper's content and relies on the p-tag for
// routing, matching this core's other at-rest/on-wire encryption
// boundaries (encrypt externally, carry opaque bytes internally).
func (d *Daemon) sendGiftWrap(ctx context.Context, rumor mlscore.WelcomeRumor) error {
	ev := d.buildEvent(nostrevt.KindGiftWrap, []nostrevt.Tag{nostrevt.PTag(rumor.RecipientPub)}, hex.EncodeToString(rumor.WelcomeBytes))
	return relay.PublishAndConfirm(ctx, d.cfg.RelayClient, d.currentRelays(), ev)
}

func (d *Daemon) sendGroupPayload(ctx context.Context, nostrGroupIDHex string, p payload) error {
	d.groupsMu.Lock()
	groupID, ok := d.nostrToGroup[nostrGroupIDHex]
	d.groupsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown group %s", pikaerr.ErrNotFound, nostrGroupIDHex)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return d.publishGroupMessage(ctx, groupID, nostrGroupIDHex, raw)
}

func (d *Daemon) sendTyping(ctx context.Context, c controller.SendTypingCmd) error {
	ev := d.buildEvent(nostrevt.KindTyping, []nostrevt.Tag{nostrevt.HTag(c.NostrGroupID), nostrevt.DTag("pika")}, "typing")
	return relay.PublishKeyPackage(ctx, d.cfg.RelayClient, d.currentRelays(), ev) // best-effort, same as key-package publish
}

// sendMedia encrypts the local file under a fresh per-attachment key,
// uploads it to the configured Blossom servers, and sends a group message
// whose imeta tag carries the resulting reference, per SPEC_FULL.md §4.4
// step 6's send-side mirror.
func (d *Daemon) sendMedia(ctx context.Context, c controller.SendMediaCmd) error {
	d.groupsMu.Lock()
	groupID, ok := d.nostrToGroup[c.NostrGroupID]
	d.groupsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown group %s", pikaerr.ErrNotFound, c.NostrGroupID)
	}

	plaintext, err := os.ReadFile(c.FilePath)
	if err != nil {
		return fmt.Errorf("%w: %v", pikaerr.ErrFileError, err)
	}

	attachmentID := randomCallID()
	epoch, err := d.cfg.GroupMgr.Provider().CurrentEpoch(groupID)
	if err != nil {
		return err
	}
	key, err := keyderivation.DeriveAttachmentKey(d.exporterFunc(groupID), c.NostrGroupID, epoch, attachmentID)
	if err != nil {
		return err
	}

	up := d.cfg.Uploader
	if up == nil {
		up = media.HTTPUploader{}
	}
	servers := c.BlossomServers
	if len(servers) == 0 {
		servers = d.cfg.BlossomServers
	}
	ref, err := media.EncryptAndUpload(ctx, up, servers, key, plaintext, c.MimeType, c.Filename)
	if err != nil {
		return fmt.Errorf("%w: %v", pikaerr.ErrUploadFailed, err)
	}

	return d.sendGroupPayload(ctx, c.NostrGroupID, payload{
		Content:      c.Caption,
		Imeta:        []imetaTagRow{{Value: media.BuildImeta(ref)}},
		AttachmentID: attachmentID,
	})
}

func (d *Daemon) inviteCall(c controller.InviteCallCmd) error {
	d.groupsMu.Lock()
	groupID, ok := d.nostrToGroup[c.NostrGroupID]
	d.groupsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown group %s", pikaerr.ErrNotFound, c.NostrGroupID)
	}

	callID := c.CallID
	if callID == "" {
		callID = randomCallID()
	}
	var tracks []call.TrackSpec
	if c.TrackName != "" {
		tracks = append(tracks, call.TrackSpec{Name: c.TrackName, Codec: c.TrackCodec, SampleRate: 48000, Channels: 1, FrameMs: 20})
	}
	return d.orch.InviteCall(d.groupContext(groupID), callID, c.PeerPubkey, c.MoqURL, c.BroadcastBase, tracks)
}

// sendAudioFile reads a raw PCM16LE file from disk, synchronously prepares
// its frames and checks that the Active call's sequence range has room for
// them (the range is not reserved; numbers are assigned as each frame is
// published), then spawns the blocking publisher in the background,
// emitting send_audio_file_ok once the whole file has been queued.
func (d *Daemon) sendAudioFile(c controller.SendAudioFileCmd, writeLine func(controller.Output)) error {
	raw, err := os.ReadFile(c.AudioPath)
	if err != nil {
		return fmt.Errorf("%w: %v", pikaerr.ErrFileError, err)
	}
	pcm := audio.DecodePCM16LE(raw)
	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}

	frames, err := d.orch.PrepareAudioFile(c.CallID, pcm, uint32(c.SampleRate), channels)
	if err != nil {
		return err
	}

	go func() {
		n, err := d.orch.PublishAudioFrames(c.CallID, frames)
		if err != nil {
			d.log.WithError(err).WithField("call_id", c.CallID).Warn("audio file publish did not complete")
			return
		}
		writeLine(controller.Output{Type: controller.OutSendAudioFileOk, Result: controller.SendAudioFileOkResult{CallID: c.CallID, FrameCount: n}})
	}()
	return nil
}

// sendAudioResponse synthesizes c.TTSText via the configured TextToSpeech
// engine and queues the result onto the Active call's audio publish path.
func (d *Daemon) sendAudioResponse(ctx context.Context, c controller.SendAudioResponseCmd) error {
	if d.cfg.TTS == nil {
		return pikaerr.ErrNoTTSEngine
	}
	pcm, sampleRate, err := d.cfg.TTS.Synthesize(ctx, c.TTSText)
	if err != nil {
		return err
	}
	return d.orch.PublishAudioPCM(c.CallID, pcm, sampleRate, 1)
}

func randomCallID() string {
	return uuid.NewString()
}
