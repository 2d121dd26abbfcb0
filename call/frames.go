package call

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/pika-msg/pika-core/keyderivation"
	"golang.org/x/crypto/nacl/secretbox"
)

// FrameInfo is the public metadata carried alongside an encrypted media
// frame — the fields the receiver already knows from the relay's Frame
// header (seq, timestamp, keyframe) and therefore can use, unsecretly, to
// reconstruct the same per-frame nonce the sender used.
type FrameInfo struct {
	Counter   uint32 // low 32 bits of the sender's monotonic seq
	GroupSeq  uint64 // the full sender-ordered sequence counter
	FrameIdx  uint32
	Keyframe  bool
}

var (
	ErrKeyIDMismatch  = errors.New("call: frame key id does not match recipient keys")
	ErrFrameDecrypt   = errors.New("call: frame decryption failed")
	ErrFrameTooShort  = errors.New("call: encrypted frame shorter than key id")
)

func frameNonce(keyID [8]byte, info FrameInfo) [24]byte {
	h := sha256.New()
	h.Write(keyID[:])
	var buf [17]byte
	binary.BigEndian.PutUint32(buf[0:4], info.Counter)
	binary.BigEndian.PutUint64(buf[4:12], info.GroupSeq)
	binary.BigEndian.PutUint32(buf[12:16], info.FrameIdx)
	if info.Keyframe {
		buf[16] = 1
	}
	h.Write(buf[:])
	sum := h.Sum(nil)
	var nonce [24]byte
	copy(nonce[:], sum[:24])
	return nonce
}

// EncryptFrame encrypts one media frame's plaintext payload with the given
// per-call, per-track key material, binding the ciphertext to info via the
// frame nonce so tampering with seq/keyframe/frame_idx is detected.
func EncryptFrame(keys keyderivation.FrameKeyMaterial, info FrameInfo, plaintext []byte) ([]byte, error) {
	key := keys.GenerationKey(keys.Generation)
	nonce := frameNonce(keys.KeyID, info)

	out := make([]byte, 0, 8+len(plaintext)+secretbox.Overhead)
	out = append(out, keys.KeyID[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &key)
	return out, nil
}

// DecryptFrame reverses EncryptFrame. It is the identity function composed
// with EncryptFrame when tx and rx derive from the same
// (shared_seed, track, group_root) and agree on epoch (spec.md §8).
func DecryptFrame(keys keyderivation.FrameKeyMaterial, info FrameInfo, wire []byte) ([]byte, error) {
	if len(wire) < 8 {
		return nil, ErrFrameTooShort
	}
	if !bytes.Equal(wire[:8], keys.KeyID[:]) {
		return nil, ErrKeyIDMismatch
	}
	key := keys.GenerationKey(keys.Generation)
	nonce := frameNonce(keys.KeyID, info)

	pt, ok := secretbox.Open(nil, wire[8:], &nonce, &key)
	if !ok {
		return nil, ErrFrameDecrypt
	}
	return pt, nil
}
