package secio

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	a := testKey(t)
	b := testKey(t)

	if bytes.Equal(a.SecretBytes(), b.SecretBytes()) {
		t.Error("two generated keys are identical")
	}
	if len(a.PublicKey()) != 33 {
		t.Errorf("compressed public key length = %d, want 33", len(a.PublicKey()))
	}
}

func TestKeyPairFromBytes(t *testing.T) {
	key := testKey(t)

	restored, err := KeyPairFromBytes(key.SecretBytes())
	if err != nil {
		t.Fatalf("KeyPairFromBytes() error = %v", err)
	}
	if !bytes.Equal(restored.PublicKey(), key.PublicKey()) {
		t.Error("restored key has a different public key")
	}
	if !restored.PeerID().Equal(key.PeerID()) {
		t.Error("restored key has a different peer ID")
	}

	if _, err := KeyPairFromBytes(make([]byte, 16)); !errors.Is(err, ErrInvalidSecretKey) {
		t.Errorf("KeyPairFromBytes() short input error = %v, want ErrInvalidSecretKey", err)
	}
	if _, err := KeyPairFromBytes(make([]byte, 32)); !errors.Is(err, ErrInvalidSecretKey) {
		t.Errorf("KeyPairFromBytes() zero key error = %v, want ErrInvalidSecretKey", err)
	}
}

func TestKeyPairFromHex(t *testing.T) {
	key := testKey(t)

	restored, err := KeyPairFromHex(hex.EncodeToString(key.SecretBytes()))
	if err != nil {
		t.Fatalf("KeyPairFromHex() error = %v", err)
	}
	if !restored.PeerID().Equal(key.PeerID()) {
		t.Error("hex round trip changed the identity")
	}

	if _, err := KeyPairFromHex("not hex"); !errors.Is(err, ErrInvalidSecretKey) {
		t.Errorf("KeyPairFromHex() invalid input error = %v, want ErrInvalidSecretKey", err)
	}
}

func TestSignAndVerify(t *testing.T) {
	key := testKey(t)
	msg := []byte("handshake transcript")

	sig := key.Sign(msg)
	if err := verifySignature(key.PublicKey(), msg, sig); err != nil {
		t.Errorf("verifySignature() error = %v", err)
	}

	if err := verifySignature(key.PublicKey(), []byte("other message"), sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("verifySignature() wrong message error = %v, want ErrBadSignature", err)
	}

	other := testKey(t)
	if err := verifySignature(other.PublicKey(), msg, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("verifySignature() wrong key error = %v, want ErrBadSignature", err)
	}

	if err := verifySignature([]byte{0x01}, msg, sig); err == nil {
		t.Error("verifySignature() with garbage public key should fail")
	}
	if err := verifySignature(key.PublicKey(), msg, []byte{0x01}); err == nil {
		t.Error("verifySignature() with garbage signature should fail")
	}
}

func TestPeerIDMatchesPublicKey(t *testing.T) {
	key := testKey(t)
	if !key.PeerID().MatchesPublicKey(key.PublicKey()) {
		t.Error("PeerID() does not match its own public key")
	}
}
