// Package call implements the call orchestrator from SPEC_FULL.md §4.2: a
// state machine translating in-band call signals into a single active
// call, key derivation for the media relay, and the tx/rx workers that
// publish and consume encrypted frames.
//
// Grounded on the teacher's session/handle registries (transport handle
// pooling, reference-counted resources) generalized to one process-wide,
// at-most-one-call invariant per SPEC_FULL.md §4.2's "enforce
// at-most-one-call" responsibility statement.
package call

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pika-msg/pika-core/keyderivation"
	"github.com/pika-msg/pika-core/mlscore"
	"github.com/sirupsen/logrus"
)

// Orchestrator owns the process's single Active call slot and the map of
// calls this process has invited out but not yet heard back on.
type Orchestrator struct {
	cfg Config
	log *logrus.Entry

	active  *session
	pending map[string]*session // PendingInvite and PendingOutgoing, keyed by call_id

	messengers map[mlscore.GroupID]GroupMessenger
}

// NewOrchestrator constructs an Orchestrator with at most one Active call.
func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		log:        logrus.WithField("component", "call.Orchestrator"),
		pending:    make(map[string]*session),
		messengers: make(map[mlscore.GroupID]GroupMessenger),
	}
}

// BindGroup registers the messenger used to publish call signals for a
// group. Must be called before InviteCall/HandleInboundSignal touch that
// group.
func (o *Orchestrator) BindGroup(id mlscore.GroupID, messenger GroupMessenger) {
	o.messengers[id] = messenger
}

func (o *Orchestrator) messenger(id mlscore.GroupID) (GroupMessenger, error) {
	m, ok := o.messengers[id]
	if !ok {
		return nil, fmt.Errorf("call: no messenger bound for group %s", id)
	}
	return m, nil
}

func (o *Orchestrator) emit(ev Event) {
	if o.cfg.Events != nil {
		o.cfg.Events(ev)
	}
}

// InviteCall starts an outgoing call: publishes call.invite (retrying up
// to cfg.PublishRetries times with cfg.RetryBackoff spacing) and records
// the call in the pending-outgoing map only once the publish succeeds, per
// SPEC_FULL.md §4.2.
func (o *Orchestrator) InviteCall(group GroupContext, callID, peerPubkey, moqURL, broadcastBase string, tracks []TrackSpec) error {
	if o.active != nil {
		return ErrBusy
	}

	sharedSeed := keyderivation.SharedSeed(callID, moqURL, broadcastBase, group.SelfPubkey, peerPubkey)
	token, err := keyderivation.RelayAuthToken(group.exporterFunc(), callID, moqURL, broadcastBase, sharedSeed)
	if err != nil {
		return fmt.Errorf("call: derive relay-auth token: %w", err)
	}

	raw, err := BuildCallSignalJSON(SignalInvite, callID, nowMs(), InviteBody{
		MoqURL:        moqURL,
		BroadcastBase: broadcastBase,
		Tracks:        tracks,
		RelayAuth:     token,
	})
	if err != nil {
		return err
	}

	messenger, err := o.messenger(group.GroupID)
	if err != nil {
		return err
	}

	if err := publishWithRetry(messenger, raw, o.cfg.retries(), o.cfg.backoff()); err != nil {
		return ErrPublishRetriesExhausted
	}

	mode := ModeData
	if _, ok := firstAudioTrack(tracks); ok {
		mode = ModeAudio
	}

	o.pending[callID] = &session{
		callID: callID, state: StatePendingOutgoing, mode: mode, group: group,
		peerPubkey: peerPubkey, moqURL: moqURL, broadcastBase: broadcastBase,
		tracks: tracks, sharedSeed: sharedSeed,
	}
	o.log.WithFields(logrus.Fields{"call_id": callID, "peer": peerPubkey}).Info("published outgoing call invite")
	return nil
}

func publishWithRetry(messenger GroupMessenger, raw []byte, attempts int, backoff time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := messenger.PublishCallSignal(raw); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < attempts-1 {
			time.Sleep(backoff)
		}
	}
	return lastErr
}

// HandleInboundSignal processes one parsed call-signal envelope received
// from senderPubkey in group.
func (o *Orchestrator) HandleInboundSignal(group GroupContext, senderPubkey string, parsed *ParsedSignal) error {
	switch parsed.Type {
	case SignalInvite:
		return o.handleInvite(group, senderPubkey, parsed)
	case SignalAccept:
		return o.handleAccept(group, senderPubkey, parsed)
	case SignalReject:
		return o.handleReject(senderPubkey, parsed)
	case SignalEnd:
		return o.handleEnd(senderPubkey, parsed)
	default:
		return ErrUnrecognizedSignal
	}
}

func (o *Orchestrator) handleInvite(group GroupContext, senderPubkey string, parsed *ParsedSignal) error {
	if o.active != nil {
		return o.replyReject(group, parsed.CallID, "busy")
	}
	if hasVideoTrack(parsed.Invite.Tracks) && !o.cfg.AllowVideo {
		return o.replyReject(group, parsed.CallID, "unsupported_video")
	}

	mode := ModeData
	if _, ok := firstAudioTrack(parsed.Invite.Tracks); ok {
		mode = ModeAudio
	}
	sharedSeed := keyderivation.SharedSeed(parsed.CallID, parsed.Invite.MoqURL, parsed.Invite.BroadcastBase, group.SelfPubkey, senderPubkey)

	o.pending[parsed.CallID] = &session{
		callID: parsed.CallID, state: StatePendingInvite, mode: mode, group: group,
		peerPubkey: senderPubkey, moqURL: parsed.Invite.MoqURL, broadcastBase: parsed.Invite.BroadcastBase,
		tracks: parsed.Invite.Tracks, sharedSeed: sharedSeed, inviteRelayAuth: parsed.Invite.RelayAuth,
	}
	o.emit(Event{Kind: EventIncomingInvite, CallID: parsed.CallID, Mode: mode})
	return nil
}

func (o *Orchestrator) handleAccept(group GroupContext, senderPubkey string, parsed *ParsedSignal) error {
	s, ok := o.pending[parsed.CallID]
	if !ok || s.state != StatePendingOutgoing || s.peerPubkey != senderPubkey {
		return nil // stray accept for an unknown/mismatched call: ignore
	}

	valid, err := keyderivation.ValidateRelayAuthToken(parsed.Accept.RelayAuth, s.group.exporterFunc(),
		s.callID, s.moqURL, s.broadcastBase, s.sharedSeed)
	if err != nil {
		return err
	}
	if !valid {
		delete(o.pending, s.callID)
		return ErrAuthFailed
	}

	delete(o.pending, s.callID)
	return o.activate(s)
}

func (o *Orchestrator) handleReject(senderPubkey string, parsed *ParsedSignal) error {
	if o.active != nil && o.active.callID == parsed.CallID && o.active.peerPubkey == senderPubkey {
		o.stopActive("reject:" + parsed.Reject.Reason)
		return nil
	}
	s, ok := o.pending[parsed.CallID]
	if !ok || s.peerPubkey != senderPubkey {
		return nil
	}
	delete(o.pending, parsed.CallID)
	o.emit(Event{Kind: EventCallSessionEnded, CallID: parsed.CallID, Reason: "reject:" + parsed.Reject.Reason})
	return nil
}

func (o *Orchestrator) handleEnd(senderPubkey string, parsed *ParsedSignal) error {
	if o.active != nil && o.active.callID == parsed.CallID && o.active.peerPubkey == senderPubkey {
		o.stopActive("remote_end")
		return nil
	}
	if s, ok := o.pending[parsed.CallID]; ok && s.peerPubkey == senderPubkey {
		delete(o.pending, parsed.CallID)
		o.emit(Event{Kind: EventCallSessionEnded, CallID: parsed.CallID, Reason: "remote_end"})
	}
	return nil
}

func (o *Orchestrator) replyReject(group GroupContext, callID, reason string) error {
	messenger, err := o.messenger(group.GroupID)
	if err != nil {
		return err
	}
	raw, err := BuildCallSignalJSON(SignalReject, callID, nowMs(), RejectBody{Reason: reason})
	if err != nil {
		return err
	}
	return messenger.PublishCallSignal(raw)
}

// AcceptCall accepts a PendingInvite call: validates the invite's
// relay-auth token against the locally derivable expectation before
// starting workers, publishing call.reject{auth_failed} instead if it
// does not validate.
func (o *Orchestrator) AcceptCall(callID string) error {
	s, ok := o.pending[callID]
	if !ok || s.state != StatePendingInvite {
		return ErrNotPendingInvite
	}

	peerToken, err := findInviteToken(s)
	if err != nil {
		return err
	}
	valid, err := keyderivation.ValidateRelayAuthToken(peerToken, s.group.exporterFunc(), s.callID, s.moqURL, s.broadcastBase, s.sharedSeed)
	if err != nil {
		return err
	}
	if !valid {
		delete(o.pending, callID)
		_ = o.replyReject(s.group, callID, "auth_failed")
		return ErrAuthFailed
	}

	ourToken, err := keyderivation.RelayAuthToken(s.group.exporterFunc(), s.callID, s.moqURL, s.broadcastBase, s.sharedSeed)
	if err != nil {
		return err
	}
	messenger, err := o.messenger(s.group.GroupID)
	if err != nil {
		return err
	}
	raw, err := BuildCallSignalJSON(SignalAccept, callID, nowMs(), AcceptBody{RelayAuth: ourToken})
	if err != nil {
		return err
	}
	if err := messenger.PublishCallSignal(raw); err != nil {
		return err
	}

	delete(o.pending, callID)
	return o.activate(s)
}

// findInviteToken returns the invite's carried token, stashed on the session
// as inviteRelayAuth, so AcceptCall can re-validate it without re-parsing
// the original envelope.
func findInviteToken(s *session) (string, error) {
	if s.inviteRelayAuth == "" {
		return "", ErrAuthFailed
	}
	return s.inviteRelayAuth, nil
}

// RejectCall declines a PendingInvite call.
func (o *Orchestrator) RejectCall(callID, reason string) error {
	s, ok := o.pending[callID]
	if !ok || s.state != StatePendingInvite {
		return ErrNotPendingInvite
	}
	delete(o.pending, callID)
	return o.replyReject(s.group, callID, reason)
}

// EndCall tears down the Active call.
func (o *Orchestrator) EndCall(callID string) error {
	if o.active == nil || o.active.callID != callID {
		return ErrNotActive
	}
	messenger, err := o.messenger(o.active.group.GroupID)
	if err == nil {
		raw, buildErr := BuildCallSignalJSON(SignalEnd, callID, nowMs(), EndBody{Reason: "hangup"})
		if buildErr == nil {
			_ = messenger.PublishCallSignal(raw)
		}
	}
	o.stopActive("local_end")
	return nil
}

func (o *Orchestrator) activate(s *session) error {
	s.state = StateActive
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	o.active = s

	switch s.mode {
	case ModeAudio:
		s.audioTxCh = make(chan []int16, 32)
		go o.runAudioWorker(s)
	case ModeData:
		go o.runDataWorker(s)
	}

	o.emit(Event{Kind: EventCallActive, CallID: s.callID, Mode: s.mode})
	return nil
}

func (o *Orchestrator) stopActive(reason string) {
	if o.active == nil {
		return
	}
	s := o.active
	s.mu.Lock()
	if !s.stopping {
		s.stopping = true
		close(s.stopCh)
	}
	s.mu.Unlock()
	<-s.doneCh
	o.active = nil
	if s.mode == ModeAudio {
		o.emit(Event{
			Kind:      EventCallDebug,
			CallID:    s.callID,
			TxFrames:  atomic.LoadUint64(&s.txFrames),
			RxFrames:  atomic.LoadUint64(&s.rxFrames),
			RxDropped: atomic.LoadUint64(&s.rxDropped),
		})
	}
	o.emit(Event{Kind: EventCallSessionEnded, CallID: s.callID, Reason: reason})
}
