package call

import (
	"encoding/json"
)

// Namespace is the call-signal envelope's fixed "ns" tag.
const Namespace = "pika.call"

// Signal type names carried in the envelope's "type" field.
const (
	SignalInvite = "call.invite"
	SignalAccept = "call.accept"
	SignalReject = "call.reject"
	SignalEnd    = "call.end"
)

// Envelope is the wire shape of every call signal: a group application
// message with a JSON envelope, per SPEC_FULL.md §4.2.
type Envelope struct {
	V      int             `json:"v"`
	NS     string          `json:"ns"`
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	TsMs   int64           `json:"ts_ms"`
	Body   json.RawMessage `json:"body"`
}

// TrackSpec describes one negotiated media track.
type TrackSpec struct {
	Name       string `json:"name"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	FrameMs    int    `json:"frame_ms"`
}

// InviteBody is call.invite's body.
type InviteBody struct {
	MoqURL        string      `json:"moq_url"`
	BroadcastBase string      `json:"broadcast_base"`
	Tracks        []TrackSpec `json:"tracks"`
	RelayAuth     string      `json:"relay_auth"`
}

// AcceptBody is call.accept's body.
type AcceptBody struct {
	RelayAuth string `json:"relay_auth"`
}

// RejectBody is call.reject's body.
type RejectBody struct {
	Reason string `json:"reason"`
}

// EndBody is call.end's body.
type EndBody struct {
	Reason string `json:"reason"`
}

// ParsedSignal is the decoded, type-discriminated result of ParseCallSignal.
type ParsedSignal struct {
	Type   string
	CallID string
	TsMs   int64
	Invite *InviteBody
	Accept *AcceptBody
	Reject *RejectBody
	End    *EndBody
}

// BuildCallSignalJSON serializes an envelope with a typed body to the wire
// format consumed by ParseCallSignal.
func BuildCallSignalJSON(signalType, callID string, tsMs int64, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{V: 1, NS: Namespace, Type: signalType, CallID: callID, TsMs: tsMs, Body: raw})
}

// ParseCallSignal accepts three compat wrappings of a call-signal message:
//   - a plain envelope object
//   - a JSON string containing an encoded envelope object
//   - an object with a nested "content" or "rumor.content" string field
//
// holding an encoded envelope, matching the wire shapes group-message
// senders in the wild are known to produce.
func ParseCallSignal(raw []byte) (*ParsedSignal, error) {
	if env, ok := tryParseEnvelope(raw); ok {
		return buildParsed(env)
	}

	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		if env, ok := tryParseEnvelope([]byte(asString)); ok {
			return buildParsed(env)
		}
	}

	var wrapper struct {
		Content string `json:"content"`
		Rumor   struct {
			Content string `json:"content"`
		} `json:"rumor"`
	}
	if json.Unmarshal(raw, &wrapper) == nil {
		if wrapper.Content != "" {
			if env, ok := tryParseEnvelope([]byte(wrapper.Content)); ok {
				return buildParsed(env)
			}
		}
		if wrapper.Rumor.Content != "" {
			if env, ok := tryParseEnvelope([]byte(wrapper.Rumor.Content)); ok {
				return buildParsed(env)
			}
		}
	}

	return nil, ErrMalformedSignal
}

func tryParseEnvelope(raw []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false
	}
	if env.NS != Namespace || env.CallID == "" {
		return Envelope{}, false
	}
	switch env.Type {
	case SignalInvite, SignalAccept, SignalReject, SignalEnd:
		return env, true
	default:
		return Envelope{}, false
	}
}

func buildParsed(env Envelope) (*ParsedSignal, error) {
	p := &ParsedSignal{Type: env.Type, CallID: env.CallID, TsMs: env.TsMs}
	switch env.Type {
	case SignalInvite:
		var body InviteBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, ErrMalformedSignal
		}
		p.Invite = &body
	case SignalAccept:
		var body AcceptBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, ErrMalformedSignal
		}
		p.Accept = &body
	case SignalReject:
		var body RejectBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, ErrMalformedSignal
		}
		p.Reject = &body
	case SignalEnd:
		var body EndBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return nil, ErrMalformedSignal
		}
		p.End = &body
	default:
		return nil, ErrUnrecognizedSignal
	}
	return p, nil
}
