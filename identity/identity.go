// Package identity manages the long-lived process keypair that anchors a
// daemon instance: the same keypair signs relay events, receives GiftWraps,
// and identifies the process to the control plane.
//
// The Nostr event-signing library itself is an external collaborator (see
// SPEC_FULL.md §1) — this package only owns key generation, hex encoding,
// and at-rest persistence, and exposes a Signer interface so the concrete
// signature scheme can be swapped without touching callers.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// KeyPair is the process identity: a 32-byte secret key and its derived
// public key, both hex-encoded at rest.
//
//export PikaKeyPair
type KeyPair struct {
	Secret [32]byte
	Public [32]byte
}

// Signer abstracts the Nostr event-signing scheme. The concrete
// implementation wired into a daemon is an external collaborator; Ed25519Signer
// below exists so this core can be exercised without that dependency.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	Verify(message, sig []byte, pub [32]byte) bool
}

// Ed25519Signer implements Signer using Go's standard Ed25519, following the
// teacher's crypto.Sign/crypto.Verify idiom (32-byte-seed private keys).
type Ed25519Signer struct{}

func (Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return nil, errors.New("Ed25519Signer.Sign requires a keypair; use KeyPair.Sign")
}

func (Ed25519Signer) Verify(message, sig []byte, pub [32]byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, sig)
}

// GenerateKeyPair creates a new random identity keypair.
func GenerateKeyPair() (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{"component": "identity", "function": "GenerateKeyPair"})

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		logger.WithError(err).Error("failed to read entropy for identity keypair")
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	kp := &KeyPair{}
	copy(kp.Secret[:], seed)
	copy(kp.Public[:], pub)

	logger.WithField("public_key_hex", hex.EncodeToString(kp.Public[:8])).Info("generated new identity keypair")
	return kp, nil
}

// Sign signs message with the identity's Ed25519 secret.
func (kp *KeyPair) Sign(message []byte) []byte {
	priv := ed25519.NewKeyFromSeed(kp.Secret[:])
	return ed25519.Sign(priv, message)
}

// PublicHex returns the lowercase hex-encoded public key.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public[:])
}

// SecretHex returns the lowercase hex-encoded secret key.
func (kp *KeyPair) SecretHex() string {
	return hex.EncodeToString(kp.Secret[:])
}

// persistedIdentity mirrors SPEC_FULL.md §6: <state_dir>/identity.json.
type persistedIdentity struct {
	SecretKeyHex string `json:"secret_key_hex"`
	PublicKeyHex string `json:"public_key_hex"`
}

// LoadOrCreate loads the identity at <stateDir>/identity.json, creating and
// persisting a new one on first start. Writes use tmp-then-rename, matching
// the teacher's crypto.EncryptedKeyStore persistence pattern.
func LoadOrCreate(stateDir string) (*KeyPair, error) {
	path := filepath.Join(stateDir, "identity.json")
	logger := logrus.WithFields(logrus.Fields{"component": "identity", "path": path})

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var p persistedIdentity
		if jerr := json.Unmarshal(data, &p); jerr != nil {
			return nil, fmt.Errorf("parse identity file: %w", jerr)
		}
		secret, derr := hex.DecodeString(p.SecretKeyHex)
		if derr != nil || len(secret) != 32 {
			return nil, errors.New("identity file: malformed secret_key_hex")
		}
		kp := &KeyPair{}
		copy(kp.Secret[:], secret)
		pub := ed25519.NewKeyFromSeed(kp.Secret[:]).Public().(ed25519.PublicKey)
		copy(kp.Public[:], pub)
		logger.Debug("loaded existing identity")
		return kp, nil
	case os.IsNotExist(err):
		kp, gerr := GenerateKeyPair()
		if gerr != nil {
			return nil, gerr
		}
		if serr := save(path, kp); serr != nil {
			return nil, serr
		}
		logger.Info("created new identity")
		return kp, nil
	default:
		return nil, fmt.Errorf("read identity file: %w", err)
	}
}

func save(path string, kp *KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	payload, err := json.Marshal(persistedIdentity{
		SecretKeyHex: kp.SecretHex(),
		PublicKeyHex: kp.PublicHex(),
	})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write identity tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename identity tmp file: %w", err)
	}
	return nil
}
