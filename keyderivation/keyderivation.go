// Package keyderivation implements the pure, stateless derivation formulas
// from SPEC_FULL.md §4.2: the relay-auth capability token and the
// per-participant, per-track media frame keys, both rooted in an MLS group
// exporter secret. Nothing here touches the network or the MLS state
// store — every function is a deterministic function of its inputs, which
// is what lets both call participants compute matching values
// independently.
//
// Derivation follows the teacher's ECDH-then-HKDF shape
// (crypto.DeriveSharedSecret, crypto.SessionKeys) generalized from a
// pairwise shared secret to an MLS exporter secret.
package keyderivation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// TokenPrefix is the required prefix of every relay-auth capability token.
const TokenPrefix = "capv1_"

// ExporterSecretFunc derives an MLS exporter secret for a group at a given
// epoch, context, label, and filename. It is supplied by the mlscore
// Provider boundary (the MLS primitive itself is out of scope here).
type ExporterSecretFunc func(context, label, filename []byte) ([32]byte, error)

func h(parts ...[]byte) [32]byte {
	hasher := sha256.New()
	for _, p := range parts {
		hasher.Write(p)
	}
	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// SharedSeed computes the call's shared_seed string per SPEC_FULL.md §4.2,
// ordering the pairing pubkeys by ASCII compare so both sides agree
// regardless of who is the caller vs callee.
func SharedSeed(callID, moqURL, broadcastBase, pubkeyA, pubkeyB string) string {
	lo, hi := pubkeyA, pubkeyB
	if hi < lo {
		lo, hi = hi, lo
	}
	return strings.Join([]string{"pika-call-media-v1", callID, moqURL, broadcastBase, lo, hi}, "|")
}

func mlsExporterDerive(derive ExporterSecretFunc, context []byte, label, filename string) ([32]byte, error) {
	return derive(context, []byte(label), []byte(filename))
}

// hkdfExpand is the standard way this core turns an exporter secret plus
// context bytes into usable key material, mirroring the
// hkdf.New(sha256.New, ...) idiom used for the group's epoch chain.
func hkdfExpand(secret [32]byte, salt, info []byte) [32]byte {
	r := hkdf.New(sha256.New, secret[:], salt, info)
	var out [32]byte
	_, _ = io.ReadFull(r, out[:])
	return out
}

// RelayAuthToken derives the relay-auth capability token for a call.
// derive must resolve the group's *current* epoch exporter secret — per
// SPEC_FULL.md §9, this implementation deliberately does not reconcile
// cross-epoch derivation between initiator and accepter.
func RelayAuthToken(derive ExporterSecretFunc, callID, moqURL, broadcastBase, sharedSeed string) (string, error) {
	seedHash := h([]byte("pika.call.relay.auth.seed.v1"), []byte(sharedSeed), []byte(callID))
	authKey, err := mlsExporterDerive(derive, seedHash[:], "application/pika-call-auth", "call/"+callID+"/relay-auth")
	if err != nil {
		return "", err
	}
	tokenHash := h([]byte("pika.call.relay.auth.token.v1"), authKey[:], []byte(callID), []byte(moqURL), []byte(broadcastBase))
	return TokenPrefix + hex.EncodeToString(tokenHash[:]), nil
}

// ValidRelayAuthTokenFormat checks only the syntactic shape of a token:
// exact prefix and a 64-lowercase-hex-character body.
func ValidRelayAuthTokenFormat(token string) bool {
	if !strings.HasPrefix(token, TokenPrefix) {
		return false
	}
	body := token[len(TokenPrefix):]
	if len(body) != 64 {
		return false
	}
	for _, r := range body {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// ValidateRelayAuthToken validates a received token against the locally
// derived expectation: exact format plus exact equality.
func ValidateRelayAuthToken(received string, derive ExporterSecretFunc, callID, moqURL, broadcastBase, sharedSeed string) (bool, error) {
	if !ValidRelayAuthTokenFormat(received) {
		return false, nil
	}
	expected, err := RelayAuthToken(derive, callID, moqURL, broadcastBase, sharedSeed)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(received), []byte(expected)), nil
}

// FrameKeyMaterial is the per-participant, per-track key state a media
// worker needs to encrypt or decrypt frames (spec.md §3).
type FrameKeyMaterial struct {
	BaseKey    [32]byte
	KeyID      [8]byte
	Epoch      uint64
	Generation uint64
	Track      string
	GroupRoot  [32]byte
}

var ErrEmptyTrack = errors.New("keyderivation: track name must not be empty")

// DeriveMediaKeys derives the base key and group-root secret for one side
// (tx or rx) of a call's media on a given track, per SPEC_FULL.md §4.2.
func DeriveMediaKeys(derive ExporterSecretFunc, sharedSeed, sidePubkey, track, senderID string, epoch uint64) (FrameKeyMaterial, error) {
	if track == "" {
		return FrameKeyMaterial{}, ErrEmptyTrack
	}

	baseHash := h([]byte("pika.call.media.base.v1"), []byte(sharedSeed), []byte(sidePubkey), []byte(track))
	rootHash := h([]byte("pika.call.media.root.v1"), []byte(sharedSeed), []byte(track))

	filenameBase := "call/" + callIDFromSeed(sharedSeed) + "/" + track + "/" + sidePubkey
	filenameRoot := "call/" + callIDFromSeed(sharedSeed) + "/" + track + "/group-root"

	baseKey, err := mlsExporterDerive(derive, baseHash[:], "application/pika-call", filenameBase)
	if err != nil {
		return FrameKeyMaterial{}, err
	}
	groupRoot, err := mlsExporterDerive(derive, rootHash[:], "application/pika-call", filenameRoot)
	if err != nil {
		return FrameKeyMaterial{}, err
	}

	keyIDHash := h([]byte("pika.call.media.keyid.v1"), []byte(senderID))
	var keyID [8]byte
	copy(keyID[:], keyIDHash[:8])

	return FrameKeyMaterial{
		BaseKey:    baseKey,
		KeyID:      keyID,
		Epoch:      epoch,
		Generation: 0,
		Track:      track,
		GroupRoot:  groupRoot,
	}, nil
}

// callIDFromSeed is a sub-extraction convenience: SharedSeed embeds the
// call id as its second '|'-delimited field, so filenames can reference it
// without callers threading call_id through every derivation call.
func callIDFromSeed(sharedSeed string) string {
	parts := strings.SplitN(sharedSeed, "|", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// GenerationKey derives the symmetric key actually used to encrypt/decrypt
// one frame generation, ratcheting BaseKey forward by generation number.
func (f FrameKeyMaterial) GenerationKey(generation uint64) [32]byte {
	var info [16]byte
	binary.BigEndian.PutUint64(info[:8], f.Epoch)
	binary.BigEndian.PutUint64(info[8:], generation)
	return hkdfExpand(f.BaseKey, []byte(f.Track), info[:])
}

// ParticipantLabel derives an opaque, stable-per-(groupRoot,pubkey) label
// used as the media relay's broadcast-path segment instead of a raw public
// key, hiding real identity from anyone who does not already know the
// group root secret.
func ParticipantLabel(groupRoot [32]byte, pubkey string) string {
	mac := hmac.New(sha256.New, groupRoot[:])
	mac.Write([]byte("pika.call.participant.label.v1|" + pubkey))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// DeriveAttachmentKey derives the symmetric key used to encrypt or decrypt
// one media attachment sent via send_media, independent of any call.
// Unlike DeriveMediaKeys it is rooted directly in the group's exporter
// secret at a chosen epoch rather than a call's shared_seed, since an
// attachment has no associated call; attachmentID should be the id of the
// Nostr event carrying the imeta tag, so each attachment gets its own key
// even within the same group and epoch.
func DeriveAttachmentKey(derive ExporterSecretFunc, nostrGroupIDHex string, epoch uint64, attachmentID string) ([32]byte, error) {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)
	context := h([]byte("pika.media.attachment.v1"), []byte(nostrGroupIDHex), epochBytes[:], []byte(attachmentID))
	filename := "group/" + nostrGroupIDHex + "/attachment/" + attachmentID
	return mlsExporterDerive(derive, context[:], "application/pika-media-attachment", filename)
}
