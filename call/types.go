package call

import (
	"sync"
	"time"

	"github.com/pika-msg/pika-core/keyderivation"
	"github.com/pika-msg/pika-core/mediatransport"
	"github.com/pika-msg/pika-core/mlscore"
)

// Mode is the media kind of an Active call, per spec.md §3.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeData  Mode = "data"
)

// State is one of the four call-lifecycle states from SPEC_FULL.md §4.2.
type State string

const (
	StateIdle            State = "idle"
	StatePendingInvite    State = "pending_invite"
	StatePendingOutgoing  State = "pending_outgoing"
	StateActive           State = "active"
)

// GroupContext scopes a call to one MLS group and the local identity acting
// within it — the thin abstraction the orchestrator and its workers use
// instead of threading a bare mlscore.Provider and pubkey through every
// call.
type GroupContext struct {
	Provider   mlscore.Provider
	GroupID    mlscore.GroupID
	SelfPubkey string
}

func (g GroupContext) exporterFunc() keyderivation.ExporterSecretFunc {
	return func(_, _, _ []byte) ([32]byte, error) {
		epoch, err := g.Provider.CurrentEpoch(g.GroupID)
		if err != nil {
			return [32]byte{}, err
		}
		return g.Provider.ExporterSecret(g.GroupID, epoch)
	}
}

// GroupMessenger publishes and is notified of one group's application
// messages — the call signaling channel. An implementation is expected to
// encrypt via the group's Provider and hand the ciphertext to a relay
// client; this package only depends on the narrow interface.
type GroupMessenger interface {
	PublishCallSignal(raw []byte) error
}

// EventKind discriminates the terminal/notable occurrences the orchestrator
// reports to its caller.
type EventKind string

const (
	EventIncomingInvite   EventKind = "incoming_invite"
	EventCallActive       EventKind = "call_active"
	EventCallSessionEnded EventKind = "call_session_ended"
	EventCallData         EventKind = "call_data"
	EventAudioChunk       EventKind = "audio_chunk"
	EventAudioTranscript  EventKind = "audio_transcript"
	EventCallDebug        EventKind = "call_debug"
)

// Event is one notification the orchestrator emits via its EventSink.
type Event struct {
	Kind       EventKind
	CallID     string
	Mode       Mode
	Reason     string // populated for CallSessionEnded
	Track      string // populated for CallData / AudioChunk
	Payload    []byte
	Transcript string

	SampleRate uint32 // populated for AudioChunk
	Channels   int    // populated for AudioChunk

	TxFrames  uint64 // populated for CallDebug
	RxFrames  uint64 // populated for CallDebug
	RxDropped uint64 // populated for CallDebug
}

// EventSink receives orchestrator events. Implementations must not block;
// the orchestrator's workers deliver on this synchronously.
type EventSink func(Event)

// AudioSinkMode selects what the audio worker's subscribe path does with
// decrypted incoming audio, per spec.md §4.2(a)/(b)/(c).
type AudioSinkMode int

const (
	AudioSinkEcho AudioSinkMode = iota
	AudioSinkChunks
	AudioSinkTranscript
)

// Config configures one Orchestrator instance.
type Config struct {
	SelfPubkey     string
	AllowVideo     bool
	PublishRetries int           // default 3
	RetryBackoff   time.Duration // default ~750ms
	MediaPool      *mediatransport.Pool
	Events         EventSink
	AudioSink      AudioSinkMode
}

func (c Config) retries() int {
	if c.PublishRetries <= 0 {
		return 3
	}
	return c.PublishRetries
}

func (c Config) backoff() time.Duration {
	if c.RetryBackoff <= 0 {
		return 750 * time.Millisecond
	}
	return c.RetryBackoff
}

// session is the orchestrator's internal record of one call, covering both
// PendingInvite/PendingOutgoing and Active.
type session struct {
	callID        string
	state         State
	mode          Mode
	group         GroupContext
	peerPubkey    string
	moqURL        string
	broadcastBase string
	tracks        []TrackSpec
	sharedSeed    string
	inviteRelayAuth string // the token carried in an inbound call.invite, checked by AcceptCall

	nextVoiceSeq uint64
	nextDataSeq  uint64

	txFrames  uint64
	rxFrames  uint64
	rxDropped uint64

	mu       sync.Mutex
	stopping bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	audioTxCh chan []int16
}

func firstAudioTrack(tracks []TrackSpec) (TrackSpec, bool) {
	for _, t := range tracks {
		if t.Channels > 0 && t.SampleRate > 0 {
			return t, true
		}
	}
	return TrackSpec{}, false
}

func hasVideoTrack(tracks []TrackSpec) bool {
	for _, t := range tracks {
		if t.Name == "video0" {
			return true
		}
	}
	return false
}
