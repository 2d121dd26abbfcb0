package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pika-msg/pika-core/mlscore"
	"github.com/pika-msg/pika-core/nostrevt"
	"github.com/pika-msg/pika-core/relay"
)

// groupMessenger adapts one bound group to call.GroupMessenger: it
// encrypts the call-signal envelope under the group's MLS state and
// publishes it with publish-and-confirm semantics, per SPEC_FULL.md §4.4.
type groupMessenger struct {
	d               *Daemon
	groupID         mlscore.GroupID
	nostrGroupIDHex string
}

func (m *groupMessenger) PublishCallSignal(raw []byte) error {
	return m.d.publishGroupMessage(context.Background(), m.groupID, m.nostrGroupIDHex, raw)
}

// publishGroupMessage encrypts plaintext under the group's current MLS
// epoch and publishes it as a MlsGroupMessage event, confirming delivery
// against the configured relays.
func (d *Daemon) publishGroupMessage(ctx context.Context, groupID mlscore.GroupID, nostrGroupIDHex string, plaintext []byte) error {
	ciphertext, err := d.cfg.GroupMgr.Provider().EncryptApplicationMessage(groupID, plaintext)
	if err != nil {
		return fmt.Errorf("daemon: encrypt group message: %w", err)
	}

	ev := d.buildEvent(nostrevt.KindMlsGroupMessage, []nostrevt.Tag{nostrevt.HTag(nostrGroupIDHex)}, hex.EncodeToString(ciphertext))
	return relay.PublishAndConfirm(ctx, d.cfg.RelayClient, d.currentRelays(), ev)
}

// buildEvent fills in the id/pubkey/created_at/sig fields of a
// not-yet-signed event. Real Nostr id computation (NIP-01's canonical JSON
// serialization) and the signing scheme itself are external collaborators
// per SPEC_FULL.md §1; this core only needs id/sig to be deterministic
// functions of the event's own fields so publish-and-confirm's
// fetch-by-id round trip works end to end in tests and in the loopback
// client.
func (d *Daemon) buildEvent(kind nostrevt.Kind, tags []nostrevt.Tag, content string) nostrevt.Event {
	ev := nostrevt.Event{
		Pubkey:    d.cfg.Self.PublicHex(),
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	ev.ID = eventID(ev)
	ev.Sig = hex.EncodeToString(d.cfg.Self.Sign([]byte(ev.ID)))
	return ev
}

func eventID(ev nostrevt.Event) string {
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
