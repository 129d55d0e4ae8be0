package secio

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/postalsys/secio/peerid"
)

// SecretKeySize is the size of a raw secp256k1 secret key in bytes.
const SecretKeySize = 32

var (
	// ErrInvalidSecretKey is returned when secret key material cannot be
	// used.
	ErrInvalidSecretKey = errors.New("invalid secret key")
)

// KeyPair is a long-lived secp256k1 identity key pair. Its public key,
// serialized in SEC1 compressed form, is the canonical input to PeerID
// derivation.
type KeyPair struct {
	priv *secp256k1.PrivateKey
}

// GenerateKeyPair creates a fresh random identity.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromBytes restores an identity from raw secret key bytes.
func KeyPairFromBytes(b []byte) (*KeyPair, error) {
	if len(b) != SecretKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSecretKey, len(b), SecretKeySize)
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero key", ErrInvalidSecretKey)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromHex restores an identity from a hex-encoded secret key.
func KeyPairFromHex(s string) (*KeyPair, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretKey, err)
	}
	return KeyPairFromBytes(b)
}

// SecretBytes returns the raw secret key.
func (k *KeyPair) SecretBytes() []byte {
	return k.priv.Serialize()
}

// PublicKey returns the SEC1 compressed public key serialization.
func (k *KeyPair) PublicKey() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

// PeerID returns the peer identifier derived from the public key.
func (k *KeyPair) PeerID() peerid.PeerID {
	return peerid.FromPublicKey(k.PublicKey())
}

// Sign produces a DER-encoded ECDSA signature over sha256(msg).
func (k *KeyPair) Sign(msg []byte) []byte {
	digest := sha256.Sum256(msg)
	return ecdsa.Sign(k.priv, digest[:]).Serialize()
}

// verifySignature checks a DER-encoded ECDSA signature over sha256(msg)
// against a SEC1 serialized public key.
func verifySignature(pubkey, msg, sig []byte) error {
	pk, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return fmt.Errorf("parse remote public key: %w", err)
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	digest := sha256.Sum256(msg)
	if !parsed.Verify(digest[:], pk) {
		return ErrBadSignature
	}
	return nil
}
