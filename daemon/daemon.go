// Package daemon implements the agent's single-threaded cooperative
// scheduler from SPEC_FULL.md §4.4/§5: one goroutine selects over inbound
// controller commands, relay subscription deliveries, and call-orchestrator
// events, dispatching each to completion before picking up the next. Media
// workers run on their own goroutines (call.Orchestrator's audio/data
// workers) and communicate back only through the bounded callEvents
// channel, so no lock here is ever held across a channel receive.
//
// Grounded on the teacher's toxcore.Iterate single-threaded event-loop
// idiom (toxcore.go), generalized from a fixed-tick poll loop to a
// select-driven one since this core's event sources are channels rather
// than a single UDP socket.
package daemon

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pika-msg/pika-core/audio"
	"github.com/pika-msg/pika-core/call"
	"github.com/pika-msg/pika-core/controller"
	"github.com/pika-msg/pika-core/groupmanager"
	"github.com/pika-msg/pika-core/identity"
	"github.com/pika-msg/pika-core/keyderivation"
	"github.com/pika-msg/pika-core/media"
	"github.com/pika-msg/pika-core/mlscore"
	"github.com/pika-msg/pika-core/nostrevt"
	"github.com/pika-msg/pika-core/pikaerr"
	"github.com/pika-msg/pika-core/relay"
	"github.com/pika-msg/pika-core/store"
)

// Config wires every subsystem a Daemon needs. All fields are required
// except BlossomServers/Downloader/Uploader: a nil Downloader or Uploader
// falls back to media.HTTPDownloader{} or media.HTTPUploader{}.
type Config struct {
	Self        *identity.KeyPair
	Store       *store.Store
	GroupMgr    *groupmanager.Manager
	RelayClient relay.Client
	Relays      []string
	MediaTmpDir string

	BlossomServers []string
	Downloader     media.Downloader
	Uploader       media.Uploader

	// TTS synthesizes send_audio_response's text into PCM for the active
	// call's audio track. Speech synthesis itself is an external
	// collaborator per SPEC_FULL.md §1; send_audio_response fails with
	// ErrNoTTSEngine if this is left nil.
	TTS TextToSpeech

	AllowVideo bool
}

// TextToSpeech synthesizes text into mono PCM16 samples at sampleRate, the
// boundary send_audio_response publishes through.
type TextToSpeech interface {
	Synthesize(ctx context.Context, text string) (pcm []int16, sampleRate uint32, err error)
}

// groupDelivery fans in one event received on a group's subscription
// channel, tagged with enough context to route and reply.
type groupDelivery struct {
	groupID      mlscore.GroupID
	nostrGroupID string
	ev           nostrevt.Event
}

// Daemon is one running agent instance.
type Daemon struct {
	cfg  Config
	log  *logrus.Entry
	orch *call.Orchestrator
	seen *relay.SeenSet

	relaysMu sync.Mutex
	relays   []string

	groupsMu     sync.Mutex
	subscribed   map[mlscore.GroupID]string // groupID -> nostr_group_id hex
	nostrToGroup map[string]mlscore.GroupID

	deliveries chan groupDelivery
	giftWraps  chan nostrevt.Event
	callEvents chan call.Event

	audioChunksMu sync.Mutex
	audioChunkSeq map[string]uint64 // call_id -> next chunk file sequence
}

// New constructs a Daemon. Call Run to start its loop.
func New(cfg Config) *Daemon {
	d := &Daemon{
		cfg:          cfg,
		log:          logrus.WithField("component", "daemon"),
		seen:         relay.NewSeenSet(8192),
		relays:       append([]string(nil), cfg.Relays...),
		subscribed:   make(map[mlscore.GroupID]string),
		nostrToGroup: make(map[string]mlscore.GroupID),
		deliveries:   make(chan groupDelivery, 256),
		giftWraps:    make(chan nostrevt.Event, 64),
		callEvents:   make(chan call.Event, 256),
		audioChunkSeq: make(map[string]uint64),
	}
	d.orch = call.NewOrchestrator(call.Config{
		SelfPubkey: cfg.Self.PublicHex(),
		AllowVideo: cfg.AllowVideo,
		Events:     func(ev call.Event) { d.callEvents <- ev },
	})
	return d
}

func (d *Daemon) currentRelays() []string {
	d.relaysMu.Lock()
	defer d.relaysMu.Unlock()
	return append([]string(nil), d.relays...)
}

func (d *Daemon) setRelays(relays []string) {
	d.relaysMu.Lock()
	d.relays = append([]string(nil), relays...)
	d.relaysMu.Unlock()
}

// Bootstrap re-subscribes to every group the store already knows about and
// to this identity's GiftWrap inbox, per SPEC_FULL.md §4.4's restart
// behavior.
func (d *Daemon) Bootstrap(ctx context.Context) error {
	groups, err := d.cfg.Store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("daemon: bootstrap list groups: %w", err)
	}
	for _, g := range groups {
		d.subscribeGroup(ctx, g.GroupID, hex.EncodeToString(g.NostrGroupID[:]))
	}

	ch, err := d.cfg.RelayClient.Subscribe(ctx, d.currentRelays(), nostrevt.GiftWrapFilter(d.cfg.Self.PublicHex()))
	if err != nil {
		return fmt.Errorf("daemon: subscribe gift wraps: %w", err)
	}
	go func() {
		for ev := range ch {
			d.giftWraps <- ev
		}
	}()
	return nil
}

func (d *Daemon) subscribeGroup(ctx context.Context, groupID mlscore.GroupID, nostrGroupIDHex string) {
	d.groupsMu.Lock()
	if _, ok := d.subscribed[groupID]; ok {
		d.groupsMu.Unlock()
		return
	}
	d.subscribed[groupID] = nostrGroupIDHex
	d.nostrToGroup[nostrGroupIDHex] = groupID
	d.groupsMu.Unlock()

	d.orch.BindGroup(groupID, &groupMessenger{d: d, groupID: groupID, nostrGroupIDHex: nostrGroupIDHex})

	ch, err := d.cfg.RelayClient.Subscribe(ctx, d.currentRelays(), nostrevt.GroupMessageFilter(nostrGroupIDHex))
	if err != nil {
		d.log.WithError(err).WithField("nostr_group_id", nostrGroupIDHex).Error("failed to subscribe to group")
		return
	}
	go func() {
		for ev := range ch {
			d.deliveries <- groupDelivery{groupID: groupID, nostrGroupID: nostrGroupIDHex, ev: ev}
		}
	}()
}

// Run drives the cooperative scheduler until ctx is canceled or a shutdown
// command arrives. Commands are read line-delimited from in; responses are
// written line-delimited to out.
func (d *Daemon) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.Bootstrap(ctx); err != nil {
		return err
	}

	writeMu := sync.Mutex{}
	writeLine := func(o controller.Output) {
		data, err := json.Marshal(o)
		if err != nil {
			d.log.WithError(err).Error("failed to marshal controller output")
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = out.Write(append(data, '\n'))
	}

	commands := make(chan controller.Command, 64)
	scanErrs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var cmd controller.Command
			if err := json.Unmarshal(line, &cmd); err != nil {
				writeLine(controller.Output{Type: controller.OutError, Code: "invalid_command_json", Message: err.Error()})
				continue
			}
			commands <- cmd
		}
		scanErrs <- scanner.Err()
		close(commands)
	}()

	writeLine(controller.Output{Type: controller.OutReady})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd, ok := <-commands:
			if !ok {
				return nil
			}
			if cmd.Cmd == controller.CmdShutdown {
				writeLine(controller.Output{Type: controller.OutOK, RequestID: cmd.RequestID})
				return nil
			}
			d.handleCommand(ctx, cmd, writeLine)

		case delivery := <-d.deliveries:
			d.handleGroupDelivery(ctx, delivery, writeLine)

		case ev := <-d.giftWraps:
			d.handleGiftWrap(ctx, ev, writeLine)

		case ev := <-d.callEvents:
			d.handleCallEvent(ev, writeLine)

		case err := <-scanErrs:
			if err != nil {
				return err
			}
		}
	}
}

func (d *Daemon) handleCallEvent(ev call.Event, writeLine func(controller.Output)) {
	switch ev.Kind {
	case call.EventIncomingInvite:
		writeLine(controller.Output{Type: controller.OutCallInviteReceived, Result: map[string]interface{}{"call_id": ev.CallID, "mode": ev.Mode}})
	case call.EventCallActive:
		writeLine(controller.Output{Type: controller.OutCallSessionStarted, Result: map[string]interface{}{"call_id": ev.CallID, "mode": ev.Mode}})
	case call.EventCallSessionEnded:
		writeLine(controller.Output{Type: controller.OutCallSessionEnded, Result: map[string]interface{}{"call_id": ev.CallID, "reason": ev.Reason}})
	case call.EventCallData:
		writeLine(controller.Output{Type: controller.OutCallData, Result: controller.CallDataResult{PayloadHex: hex.EncodeToString(ev.Payload), TrackName: ev.Track}})
	case call.EventCallDebug:
		writeLine(controller.Output{Type: controller.OutCallDebug, Result: controller.CallDebugResult{TxFrames: ev.TxFrames, RxFrames: ev.RxFrames, RxDropped: ev.RxDropped}})
	case call.EventAudioChunk:
		path, err := d.writeAudioChunk(ev)
		if err != nil {
			d.log.WithError(err).WithField("call_id", ev.CallID).Warn("failed to write audio chunk to disk")
			return
		}
		writeLine(controller.Output{Type: controller.OutCallAudioChunk, Result: controller.CallAudioChunkResult{
			AudioPath:  path,
			SampleRate: int(ev.SampleRate),
			Channels:   ev.Channels,
		}})
	}
}

// writeAudioChunk wraps one decoded PCM chunk in a WAV header and writes it
// to a per-call chunk file under MediaTmpDir, tmp-then-rename like the
// media package's attachment writes, returning the final path.
func (d *Daemon) writeAudioChunk(ev call.Event) (string, error) {
	d.audioChunksMu.Lock()
	seq := d.audioChunkSeq[ev.CallID]
	d.audioChunkSeq[ev.CallID] = seq + 1
	d.audioChunksMu.Unlock()

	destDir := filepath.Join(d.cfg.MediaTmpDir, "calls", ev.CallID)
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return "", fmt.Errorf("%w: create call audio dir: %v", pikaerr.ErrFileError, err)
	}

	wav := audio.EncodeWAV(ev.Payload, ev.SampleRate, ev.Channels)
	finalPath := filepath.Join(destDir, fmt.Sprintf("chunk-%06d.wav", seq))
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, wav, 0o600); err != nil {
		return "", fmt.Errorf("%w: write temp chunk file: %v", pikaerr.ErrFileError, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("%w: rename chunk into place: %v", pikaerr.ErrFileError, err)
	}
	return finalPath, nil
}

// handleGroupDelivery implements the message-ingest pipeline from
// SPEC_FULL.md §4.4: dedupe, drop the typing indicator, process through
// MLS, filter non-member senders and call signals, and otherwise surface a
// message_received with resolved media.
func (d *Daemon) handleGroupDelivery(ctx context.Context, delivery groupDelivery, writeLine func(controller.Output)) {
	ev := delivery.ev
	log := d.log.WithFields(logrus.Fields{"event_id": ev.ID, "nostr_group_id": delivery.nostrGroupID})

	if d.seen.CheckAndAdd(ev.ID) {
		return
	}
	if processed, err := d.cfg.Store.WasProcessed(ctx, ev.ID); err == nil && processed {
		return
	}

	// The typing indicator is sent unencrypted (see sendTyping), so it never
	// goes through MLS processing below; check for it first.
	if nostrevt.IsTypingIndicator(ev) {
		return
	}

	wire, err := hex.DecodeString(ev.Content)
	if err != nil {
		log.WithError(err).Warn("dropping group message with non-hex content")
		return
	}

	result, err := d.cfg.GroupMgr.ProcessInbound(ctx, delivery.groupID, wire)
	if err != nil {
		log.WithError(err).Warn("failed to process inbound group message")
		_ = d.cfg.Store.MarkProcessed(ctx, ev.ID, delivery.groupID, store.Failed, nowUnix())
		return
	}
	status := store.ProcessedMessage
	if result.IsCommit {
		status = store.ProcessedCommit
	}
	_ = d.cfg.Store.MarkProcessed(ctx, ev.ID, delivery.groupID, status, nowUnix())
	if result.IsCommit {
		return
	}

	members, err := d.cfg.GroupMgr.Provider().Members(delivery.groupID)
	if err != nil {
		log.WithError(err).Warn("failed to read members for sender-allowlist check")
		return
	}
	if !containsString(members, ev.Pubkey) {
		log.WithField("sender", ev.Pubkey).Warn("dropping message from non-member sender")
		return
	}

	if parsed, err := call.ParseCallSignal(result.Plaintext); err == nil {
		group := d.groupContext(delivery.groupID)
		if dispatchErr := d.orch.HandleInboundSignal(group, ev.Pubkey, parsed); dispatchErr != nil {
			log.WithError(dispatchErr).Warn("call signal dispatch failed")
		}
		return
	}

	msgResult, mediaRefs := d.resolveMessage(ctx, delivery, result.Plaintext, ev)
	writeLine(controller.Output{Type: controller.OutMessageReceived, Result: controller.MessageReceivedResult{
		NostrGroupID: delivery.nostrGroupID,
		SenderPubkey: ev.Pubkey,
		Content:      msgResult,
		Media:        mediaRefs,
	}})
}

// handleGiftWrap materializes an inbound welcome GiftWrap into a pending
// welcome record. NIP-44 unwrapping of the GiftWrap's true sender/content
// is an external collaborator per SPEC_FULL.md §1; this core reads the
// wrapper's own p-tag recipient and hex-decodes its content directly, the
// same "encrypt externally, carry opaque bytes internally" convention used
// for group messages and media attachments.
func (d *Daemon) handleGiftWrap(ctx context.Context, ev nostrevt.Event, writeLine func(controller.Output)) {
	if d.seen.CheckAndAdd(ev.ID) {
		return
	}
	welcomeBytes, err := hex.DecodeString(ev.Content)
	if err != nil {
		d.log.WithError(err).WithField("event_id", ev.ID).Warn("dropping gift wrap with non-hex content")
		return
	}
	if err := d.cfg.GroupMgr.ReceiveWelcome(ctx, ev.ID, ev.Pubkey, welcomeBytes); err != nil {
		d.log.WithError(err).WithField("event_id", ev.ID).Warn("failed to materialize welcome from gift wrap")
		return
	}
	writeLine(controller.Output{Type: controller.OutWelcomeReceived, Result: map[string]interface{}{
		"wrapper_event_id": ev.ID,
		"sender":           ev.Pubkey,
	}})
}

// payload is the JSON shape of one application message sent into a group:
// a plain chat message, a Hypernote card, a reaction, or a submitted
// Hypernote action, distinguished by which optional field is set. imeta
// mirrors a subset of the controller protocol's media attachment fields.
type payload struct {
	Content         string                  `json:"content,omitempty"`
	Imeta           []imetaTagRow           `json:"imeta,omitempty"`
	AttachmentID    string                  `json:"attachment_id,omitempty"`
	Hypernote       bool                    `json:"hypernote,omitempty"`
	Reaction        *reactionPayload        `json:"reaction,omitempty"`
	HypernoteAction *hypernoteActionPayload `json:"hypernote_action,omitempty"`
}

type imetaTagRow struct {
	Value string `json:"value"`
}

// reactionPayload is one react{event_id, emoji} application message.
type reactionPayload struct {
	EventID string `json:"event_id"`
	Emoji   string `json:"emoji"`
}

// hypernoteActionPayload is one submit_hypernote_action{event_id, action,
// form} application message.
type hypernoteActionPayload struct {
	EventID string `json:"event_id"`
	Action  string `json:"action"`
	Form    string `json:"form,omitempty"`
}

func (d *Daemon) resolveMessage(ctx context.Context, delivery groupDelivery, plaintext []byte, ev nostrevt.Event) (string, []controller.MediaRef) {
	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return string(plaintext), nil
	}

	var refs []controller.MediaRef
	if len(p.Imeta) > 0 {
		epoch, err := d.cfg.GroupMgr.Provider().CurrentEpoch(delivery.groupID)
		if err == nil {
			attachmentID := p.AttachmentID
			if attachmentID == "" {
				attachmentID = ev.ID
			}
			key, kerr := keyderivation.DeriveAttachmentKey(d.exporterFunc(delivery.groupID), delivery.nostrGroupID, epoch, attachmentID)
			if kerr == nil {
				for _, row := range p.Imeta {
					ref, perr := media.ParseImeta(row.Value)
					if perr != nil {
						continue
					}
					dl := d.cfg.Downloader
					if dl == nil {
						dl = media.HTTPDownloader{}
					}
					destDir := filepath.Join(d.cfg.MediaTmpDir, delivery.nostrGroupID)
					path, ferr := media.FetchAndDecrypt(ctx, dl, ref, key, destDir)
					if ferr != nil {
						d.log.WithError(ferr).Warn("failed to fetch/decrypt media attachment")
						continue
					}
					refs = append(refs, controller.MediaRef{LocalPath: path, MimeType: ref.MimeType})
				}
			}
		}
	}
	return p.Content, refs
}

func (d *Daemon) exporterFunc(groupID mlscore.GroupID) keyderivation.ExporterSecretFunc {
	return func(_, _, _ []byte) ([32]byte, error) {
		epoch, err := d.cfg.GroupMgr.Provider().CurrentEpoch(groupID)
		if err != nil {
			return [32]byte{}, err
		}
		return d.cfg.GroupMgr.Provider().ExporterSecret(groupID, epoch)
	}
}

func (d *Daemon) groupContext(groupID mlscore.GroupID) call.GroupContext {
	return call.GroupContext{
		Provider:   d.cfg.GroupMgr.Provider(),
		GroupID:    groupID,
		SelfPubkey: d.cfg.Self.PublicHex(),
	}
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
