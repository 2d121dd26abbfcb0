package call

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/pika-msg/pika-core/audio"
	"github.com/pika-msg/pika-core/keyderivation"
	"github.com/pika-msg/pika-core/mediatransport"
)

// sideKeys derives the FrameKeyMaterial for one unidirectional media
// stream on a track: sidePubkey identifies whose stream it is, so both
// ends of a call derive identical values for the same sidePubkey.
func sideKeys(s *session, sidePubkey, track string) (keyderivation.FrameKeyMaterial, error) {
	epoch, err := s.group.Provider.CurrentEpoch(s.group.GroupID)
	if err != nil {
		return keyderivation.FrameKeyMaterial{}, err
	}
	return keyderivation.DeriveMediaKeys(s.group.exporterFunc(), s.sharedSeed, sidePubkey, track, sidePubkey, epoch)
}

func (o *Orchestrator) acquireTransport(s *session) (mediatransport.Handle, func(), error) {
	if o.cfg.MediaPool == nil {
		return nil, nil, ErrNoSuchCall
	}
	if looksLikeNetworkURL(s.moqURL) {
		return o.cfg.MediaPool.AcquireNetwork(context.Background(), s.moqURL)
	}
	return o.cfg.MediaPool.AcquireMemory(s.moqURL, s.broadcastBase)
}

func looksLikeNetworkURL(moqURL string) bool {
	return len(moqURL) >= 2 && (moqURL[:2] == "ws" || (len(moqURL) >= 4 && moqURL[:4] == "http"))
}

// runAudioWorker drives the first Opus track's 20ms publish/subscribe
// cadence for an Active audio call, per SPEC_FULL.md §4.2. Outgoing PCM is
// supplied by PublishAudioPCM onto s.audioTxCh; the ticker below paces
// transmission at roughly real-time regardless of how it arrives.
func (o *Orchestrator) runAudioWorker(s *session) {
	defer close(s.doneCh)
	log := o.log.WithField("call_id", s.callID)

	track, ok := firstAudioTrack(s.tracks)
	if !ok {
		return
	}

	handle, release, err := o.acquireTransport(s)
	if err != nil {
		log.WithError(err).Error("audio worker: transport acquire failed")
		return
	}
	defer release()

	txKeys, err := sideKeys(s, s.group.SelfPubkey, track.Name)
	if err != nil {
		log.WithError(err).Error("audio worker: tx key derivation failed")
		return
	}
	rxKeys, err := sideKeys(s, s.peerPubkey, track.Name)
	if err != nil {
		log.WithError(err).Error("audio worker: rx key derivation failed")
		return
	}

	txLabel := keyderivation.ParticipantLabel(txKeys.GroupRoot, s.group.SelfPubkey)
	rxLabel := keyderivation.ParticipantLabel(rxKeys.GroupRoot, s.peerPubkey)
	txTrack := handle.Broadcast(s.broadcastBase + "/" + txLabel).Track(track.Name)
	rxTrack := handle.Broadcast(s.broadcastBase + "/" + rxLabel).Track(track.Name)

	rxCh, unsub, err := rxTrack.Subscribe()
	if err != nil {
		log.WithError(err).Error("audio worker: subscribe failed")
		return
	}
	defer unsub()

	codec := audio.NewOpusCodec(uint32(track.SampleRate))

	rxDone := make(chan struct{})
	go func() {
		defer close(rxDone)
		for {
			select {
			case <-s.stopCh:
				return
			case frame, ok := <-rxCh:
				if !ok {
					return
				}
				o.deliverAudioFrame(s, codec, rxKeys, frame)
			}
		}
	}()

	ticker := time.NewTicker(time.Duration(track.FrameMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			<-rxDone
			return
		case <-ticker.C:
			select {
			case pcm := <-s.audioTxCh:
				o.publishAudioFrame(s, txTrack, codec, txKeys, pcm)
			default:
				// no outgoing audio queued this tick; nothing to send.
			}
		}
	}
}

// PublishAudioPCM downmixes, resamples, and pads/splits a raw PCM buffer
// into the Active audio call's negotiated frame size, queuing each frame
// for the worker's cadence loop. Frames are dropped (not blocked on) if the
// queue is full, keeping the caller from stalling on a slow tick.
func (o *Orchestrator) PublishAudioPCM(callID string, pcm []int16, inputRate uint32, inputChannels int) error {
	if o.active == nil || o.active.callID != callID {
		return ErrNotActive
	}
	s := o.active
	if s.mode != ModeAudio {
		return ErrWrongMode
	}
	track, ok := firstAudioTrack(s.tracks)
	if !ok {
		return ErrWrongMode
	}

	mono := audio.Downmix(pcm, inputChannels)
	resampled := audio.Resample(mono, inputRate, uint32(track.SampleRate))
	frameSamples := audio.FrameSamples(uint32(track.SampleRate), track.FrameMs)
	for _, frame := range audio.PadOrSplit(resampled, frameSamples) {
		select {
		case s.audioTxCh <- frame:
		default:
		}
	}
	return nil
}

// PrepareAudioFile downmixes, resamples, and pads/splits a whole audio
// file's PCM into the Active call's negotiated frame size, synchronously
// checking that the resulting frame count fits the remaining next_voice_seq
// range before any publishing begins. The check does not reserve that
// range: the counter is left unchanged, and sequence numbers are assigned
// one at a time by nextSeq as each frame is published, so frames published
// in the meantime draw from the same range. The returned frames are queued
// by a subsequent call to PublishAudioFrames.
func (o *Orchestrator) PrepareAudioFile(callID string, pcm []int16, inputRate uint32, inputChannels int) ([][]int16, error) {
	if o.active == nil || o.active.callID != callID {
		return nil, ErrNotActive
	}
	s := o.active
	if s.mode != ModeAudio {
		return nil, ErrWrongMode
	}
	track, ok := firstAudioTrack(s.tracks)
	if !ok {
		return nil, ErrWrongMode
	}

	mono := audio.Downmix(pcm, inputChannels)
	resampled := audio.Resample(mono, inputRate, uint32(track.SampleRate))
	frameSamples := audio.FrameSamples(uint32(track.SampleRate), track.FrameMs)
	frames := audio.PadOrSplit(resampled, frameSamples)

	if !s.hasSeqCapacity(&s.nextVoiceSeq, uint64(len(frames))) {
		return nil, ErrSeqExhausted
	}
	return frames, nil
}

// PublishAudioFrames is the blocking publisher SPEC_FULL.md §5 describes
// for send_audio_file: unlike PublishAudioPCM's drop-if-full live-mic path,
// it blocks on each frame until the worker's ticker drains the queue (or
// the call ends), guaranteeing the whole file is delivered in order.
func (o *Orchestrator) PublishAudioFrames(callID string, frames [][]int16) (int, error) {
	if o.active == nil || o.active.callID != callID {
		return 0, ErrNotActive
	}
	s := o.active
	for i, frame := range frames {
		select {
		case s.audioTxCh <- frame:
		case <-s.stopCh:
			return i, ErrNotActive
		}
	}
	return len(frames), nil
}

func (o *Orchestrator) publishAudioFrame(s *session, txTrack mediatransport.Track, codec *audio.OpusCodec, txKeys keyderivation.FrameKeyMaterial, pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	encoded, err := codec.EncodeFrame(pcm)
	if err != nil {
		return
	}
	seq, ok := s.nextSeq(&s.nextVoiceSeq)
	if !ok {
		o.fatalSeqExhaustion(s)
		return
	}
	info := FrameInfo{Counter: uint32(seq), GroupSeq: seq, FrameIdx: 0, Keyframe: true}
	ct, err := EncryptFrame(txKeys, info, encoded)
	if err != nil {
		return
	}
	if err := txTrack.Publish(mediatransport.NewFrame(seq, 20, true, ct)); err == nil {
		atomic.AddUint64(&s.txFrames, 1)
	}
}

func (o *Orchestrator) deliverAudioFrame(s *session, codec *audio.OpusCodec, rxKeys keyderivation.FrameKeyMaterial, frame mediatransport.Frame) {
	info := FrameInfo{Counter: uint32(frame.Seq), GroupSeq: frame.Seq, FrameIdx: 0, Keyframe: frame.Keyframe}
	pt, err := DecryptFrame(rxKeys, info, frame.Payload)
	if err != nil {
		atomic.AddUint64(&s.rxDropped, 1)
		return
	}
	atomic.AddUint64(&s.rxFrames, 1)

	switch o.cfg.AudioSink {
	case AudioSinkChunks:
		pcm, err := codec.DecodeFrame(pt)
		if err != nil {
			atomic.AddUint64(&s.rxDropped, 1)
			return
		}
		track, _ := firstAudioTrack(s.tracks)
		o.emit(Event{Kind: EventAudioChunk, CallID: s.callID, Track: "audio0", Payload: pcmToBytes(pcm), SampleRate: uint32(track.SampleRate), Channels: 1})
	case AudioSinkTranscript:
		// A real deployment feeds pt into an STT pipeline and emits only
		// final transcripts; no STT engine ships in this core.
	default: // AudioSinkEcho
		o.emit(Event{Kind: EventAudioChunk, CallID: s.callID, Track: "audio0", Payload: pt})
	}
}

func pcmToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}

type dataSub struct {
	track string
	ch    <-chan mediatransport.Frame
	unsub mediatransport.Unsubscribe
	keys  keyderivation.FrameKeyMaterial
}

// runDataWorker subscribes to every track in the session and delivers
// decrypted payloads as CallData events, per SPEC_FULL.md §4.2.
func (o *Orchestrator) runDataWorker(s *session) {
	defer close(s.doneCh)
	log := o.log.WithField("call_id", s.callID)

	handle, release, err := o.acquireTransport(s)
	if err != nil {
		log.WithError(err).Error("data worker: transport acquire failed")
		return
	}
	defer release()

	var subs []dataSub
	for _, t := range s.tracks {
		keys, err := sideKeys(s, s.peerPubkey, t.Name)
		if err != nil {
			continue
		}
		label := keyderivation.ParticipantLabel(keys.GroupRoot, s.peerPubkey)
		tr := handle.Broadcast(s.broadcastBase + "/" + label).Track(t.Name)
		ch, unsub, err := tr.Subscribe()
		if err != nil {
			continue
		}
		subs = append(subs, dataSub{track: t.Name, ch: ch, unsub: unsub, keys: keys})
	}
	defer func() {
		for _, su := range subs {
			su.unsub()
		}
	}()

	type delivery struct {
		track string
		frame mediatransport.Frame
	}
	deliveries := make(chan delivery)
	for _, su := range subs {
		su := su
		go func() {
			for f := range su.ch {
				select {
				case deliveries <- delivery{track: su.track, frame: f}:
				case <-s.stopCh:
					return
				}
			}
		}()
	}

	for {
		select {
		case <-s.stopCh:
			return
		case d := <-deliveries:
			o.deliverDataFrame(s, subs, d.track, d.frame)
		}
	}
}

func (o *Orchestrator) deliverDataFrame(s *session, subs []dataSub, track string, f mediatransport.Frame) {
	for _, su := range subs {
		if su.track != track {
			continue
		}
		info := FrameInfo{Counter: uint32(f.Seq), GroupSeq: f.Seq, Keyframe: f.Keyframe}
		pt, err := DecryptFrame(su.keys, info, f.Payload)
		if err != nil {
			return
		}
		o.emit(Event{Kind: EventCallData, CallID: s.callID, Track: track, Payload: pt})
		return
	}
}

// SendCallData publishes one data payload on track for the Active call.
func (o *Orchestrator) SendCallData(callID, track string, payload []byte) error {
	if o.active == nil || o.active.callID != callID {
		return ErrNotActive
	}
	s := o.active
	if s.mode != ModeData {
		return ErrWrongMode
	}
	keys, err := sideKeys(s, s.group.SelfPubkey, track)
	if err != nil {
		return err
	}
	handle, release, err := o.acquireTransport(s)
	if err != nil {
		return err
	}
	defer release()

	label := keyderivation.ParticipantLabel(keys.GroupRoot, s.group.SelfPubkey)
	tr := handle.Broadcast(s.broadcastBase + "/" + label).Track(track)

	seq, ok := s.nextSeq(&s.nextDataSeq)
	if !ok {
		o.fatalSeqExhaustion(s)
		return ErrSeqExhausted
	}
	info := FrameInfo{Counter: uint32(seq), GroupSeq: seq, Keyframe: true}
	ct, err := EncryptFrame(keys, info, payload)
	if err != nil {
		return err
	}
	return tr.Publish(mediatransport.NewFrame(seq, 0, true, ct))
}

// nextSeq increments the given per-call monotonic counter, returning false
// once it would overflow u32 — counter exhaustion is fatal for the call,
// per SPEC_FULL.md §4.2.
func (s *session) nextSeq(counter *uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *counter >= 0xFFFFFFFF {
		return 0, false
	}
	v := *counter
	*counter++
	return v, true
}

// hasSeqCapacity reports whether estimate more frames can still be assigned
// from counter before it would overflow u32, without consuming any of that
// range itself — actual sequence numbers are still assigned one at a time,
// at publish time, by nextSeq.
func (s *session) hasSeqCapacity(counter *uint64, estimate uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *counter+estimate <= 0xFFFFFFFF
}

func (o *Orchestrator) fatalSeqExhaustion(s *session) {
	o.log.WithField("call_id", s.callID).Error("sequence counter exhausted, ending call")
	go func() { _ = o.EndCall(s.callID) }()
}
