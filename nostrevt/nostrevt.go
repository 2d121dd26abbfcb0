// Package nostrevt defines the Nostr-style event kinds, tags, and filters
// this core publishes and subscribes to, per SPEC_FULL.md §6's "Nostr event
// surface". Signing and the relay wire protocol itself are external
// collaborators (SPEC_FULL.md §1); this package only names the shapes the
// rest of the core builds and reads.
package nostrevt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind is a Nostr event kind number.
type Kind int

const (
	KindMlsKeyPackage  Kind = 443
	KindGiftWrap       Kind = 1059
	KindMlsWelcome     Kind = 444
	KindMlsGroupMessage Kind = 445
	// KindCallSignal carries call.invite/accept/reject/end envelopes as an
	// MLS application message, per SPEC_FULL.md §6.
	KindCallSignal Kind = 10
	// KindTyping is the ephemeral typing indicator, content "typing".
	KindTyping Kind = 20067
)

// ControlCmdKind is the control-plane command event kind; the concrete
// value is deployment-specific (server operators coordinate it
// out-of-band), so it is configured rather than hardcoded here.
type ControlCmdKind = Kind

// Tag is one Nostr event tag: [name, value, extra...].
type Tag []string

func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// HTag builds the group-routing tag used on MlsGroupMessage events:
// h = hex(nostr_group_id).
func HTag(nostrGroupIDHex string) Tag { return Tag{"h", nostrGroupIDHex} }

// PTag builds the recipient tag used on GiftWrap and control-plane events.
func PTag(recipientPubkeyHex string) Tag { return Tag{"p", recipientPubkeyHex} }

// DTag builds a parameterized-replaceable-event identifier tag (used by
// the typing indicator: d=pika).
func DTag(value string) Tag { return Tag{"d", value} }

// ExpirationTag builds NIP-40's expiration tag, a unix timestamp string.
func ExpirationTag(unixSeconds string) Tag { return Tag{"expiration", unixSeconds} }

// Event is the wire shape this core reads/writes. Real ID computation and
// signing belong to the signing library (identity.Signer / an external
// Nostr SDK); this struct only carries the fields the rest of the core
// inspects or sets.
type Event struct {
	ID        string `json:"id,omitempty"`
	Pubkey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      Kind   `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig,omitempty"`
}

// TagValue returns the value of the first tag named name, or "".
func (e Event) TagValue(name string) string {
	for _, t := range e.Tags {
		if t.Name() == name {
			return t.Value()
		}
	}
	return ""
}

// Filter is a Nostr subscription filter (REQ message body), narrowed to
// the fields this core issues: kinds, authors, ids, single-value tag
// equality, since and limit — e.g. the daemon's per-group
// `{kind=MlsGroupMessage, h=nostr_group_id}` subscription from
// SPEC_FULL.md §4.4.
type Filter struct {
	Kinds   []Kind            `json:"kinds,omitempty"`
	Authors []string          `json:"authors,omitempty"`
	IDs     []string          `json:"ids,omitempty"`
	Tags    map[string]string `json:"-"` // single-value tag-equality filters, e.g. {"h": groupIDHex}
	Since   int64             `json:"since,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

// Matches reports whether ev satisfies f — used by LoopbackClient and unit
// tests; a real relay performs this filtering server-side.
func (f Filter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.Pubkey) {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	for name, want := range f.Tags {
		if ev.TagValue(name) != want {
			return false
		}
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	return true
}

func containsKind(ks []Kind, k Kind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// GroupMessageFilter builds the daemon's per-group subscription filter,
// per SPEC_FULL.md §4.4: "{kind=MlsGroupMessage, h=nostr_group_id}". The
// ephemeral typing indicator rides the same h-tagged subscription (it is
// sent unencrypted, outside the MLS wire format, so it is filtered out by
// content rather than by a separate subscription).
func GroupMessageFilter(nostrGroupIDHex string) Filter {
	return Filter{Kinds: []Kind{KindMlsGroupMessage, KindTyping}, Tags: map[string]string{"h": nostrGroupIDHex}}
}

// GiftWrapFilter builds the recipient-scoped GiftWrap subscription filter —
// GiftWraps are filtered by recipient p-tag, never by author, per
// SPEC_FULL.md §4.4.
func GiftWrapFilter(recipientPubkeyHex string) Filter {
	return Filter{Kinds: []Kind{KindGiftWrap}, Tags: map[string]string{"p": recipientPubkeyHex}}
}

// IsTypingIndicator reports whether ev is the ephemeral typing indicator
// event, per SPEC_FULL.md §4.4 step 4 ("drop if it is a typing indicator").
func IsTypingIndicator(ev Event) bool {
	return ev.Kind == KindTyping && ev.Content == "typing"
}

// EventID computes this core's deterministic event id: a sha256 digest of
// the event's pubkey, created_at, kind, content, and tags. Real Nostr id
// computation (NIP-01's canonical JSON serialization) is an external
// collaborator per SPEC_FULL.md §1; this core only needs an id that is a
// deterministic function of the event's own fields, so that
// publish-and-confirm's fetch-by-id round trip works end to end in tests
// and in the loopback client.
func EventID(ev Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s", ev.Pubkey, ev.CreatedAt, ev.Kind, ev.Content)
	for _, t := range ev.Tags {
		for _, field := range t {
			h.Write([]byte{0})
			h.Write([]byte(field))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildSignedEvent fills in id/pubkey/created_at/sig for a not-yet-signed
// event, calling sign over the computed id.
func BuildSignedEvent(pubkeyHex string, sign func([]byte) []byte, kind Kind, tags []Tag, content string) Event {
	ev := Event{
		Pubkey:    pubkeyHex,
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	ev.ID = EventID(ev)
	ev.Sig = hex.EncodeToString(sign([]byte(ev.ID)))
	return ev
}
