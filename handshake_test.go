package secio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func testKey(t *testing.T) *KeyPair {
	t.Helper()
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return key
}

// handshakePair runs both sides of a handshake across an in-memory
// connection and returns the two sessions.
func handshakePair(t *testing.T, cfgA, cfgB Config) (*Session, *Session, error, error) {
	t.Helper()

	connA, connB := net.Pipe()

	type result struct {
		session *Session
		err     error
	}
	chA := make(chan result, 1)
	chB := make(chan result, 1)

	go func() {
		s, err := cfgA.Handshake(context.Background(), connA)
		chA <- result{s, err}
	}()
	go func() {
		s, err := cfgB.Handshake(context.Background(), connB)
		chB <- result{s, err}
	}()

	var ra, rb result
	for i := 0; i < 2; i++ {
		select {
		case ra = <-chA:
			chA = nil
		case rb = <-chB:
			chB = nil
		case <-time.After(10 * time.Second):
			t.Fatal("handshake did not complete")
		}
	}

	t.Cleanup(func() {
		if ra.session != nil {
			ra.session.Stream.Close()
		}
		if rb.session != nil {
			rb.session.Stream.Close()
		}
	})

	return ra.session, rb.session, ra.err, rb.err
}

func TestHandshakeEstablishesDuplexChannel(t *testing.T) {
	keyA := testKey(t)
	keyB := testKey(t)

	sessA, sessB, errA, errB := handshakePair(t, NewConfig(keyA), NewConfig(keyB))
	if errA != nil {
		t.Fatalf("A Handshake() error = %v", errA)
	}
	if errB != nil {
		t.Fatalf("B Handshake() error = %v", errB)
	}

	// Each side identified the other.
	if !sessA.RemotePeer.Equal(keyB.PeerID()) {
		t.Error("A's view of the remote peer does not match B's identity")
	}
	if !sessB.RemotePeer.Equal(keyA.PeerID()) {
		t.Error("B's view of the remote peer does not match A's identity")
	}
	if !bytes.Equal(sessA.RemotePublicKey, keyB.PublicKey()) {
		t.Error("A received the wrong remote public key")
	}
	if len(sessA.EphemeralPublicKey) == 0 {
		t.Error("A has no ephemeral public key")
	}

	// Data flows both ways.
	go func() {
		sessA.Handle.Write([]byte("ping"))
		sessA.Handle.Flush()
	}()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(sessB.Handle, buf); err != nil {
		t.Fatalf("B read error = %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("B read %q, want %q", buf, "ping")
	}

	go func() {
		sessB.Handle.Write([]byte("pong"))
		sessB.Handle.Flush()
	}()

	if _, err := io.ReadFull(sessA.Handle, buf); err != nil {
		t.Fatalf("A read error = %v", err)
	}
	if string(buf) != "pong" {
		t.Errorf("A read %q, want %q", buf, "pong")
	}
}

func TestHandshakeAllCipherSuites(t *testing.T) {
	for _, cipher := range DefaultCiphers {
		for _, digest := range DefaultDigests {
			t.Run(cipher+"/"+digest, func(t *testing.T) {
				cfgA := NewConfig(testKey(t))
				cfgA.Ciphers = []string{cipher}
				cfgA.Digests = []string{digest}
				cfgB := NewConfig(testKey(t))
				cfgB.Ciphers = []string{cipher}
				cfgB.Digests = []string{digest}

				sessA, sessB, errA, errB := handshakePair(t, cfgA, cfgB)
				if errA != nil || errB != nil {
					t.Fatalf("Handshake() errors = %v, %v", errA, errB)
				}

				go func() {
					sessA.Handle.Write([]byte("hello world"))
					sessA.Handle.Flush()
				}()

				buf := make([]byte, 11)
				if _, err := io.ReadFull(sessB.Handle, buf); err != nil {
					t.Fatalf("read error = %v", err)
				}
				if string(buf) != "hello world" {
					t.Errorf("read %q, want %q", buf, "hello world")
				}
			})
		}
	}
}

func TestHandshakeExpectedPeer(t *testing.T) {
	keyA := testKey(t)
	keyB := testKey(t)

	t.Run("match", func(t *testing.T) {
		cfgA := NewConfig(keyA)
		cfgA.ExpectedPeer = keyB.PeerID()

		_, _, errA, errB := handshakePair(t, cfgA, NewConfig(keyB))
		if errA != nil {
			t.Errorf("A Handshake() error = %v", errA)
		}
		if errB != nil {
			t.Errorf("B Handshake() error = %v", errB)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		stranger := testKey(t)
		cfgA := NewConfig(keyA)
		cfgA.ExpectedPeer = stranger.PeerID()

		_, _, errA, _ := handshakePair(t, cfgA, NewConfig(keyB))
		if !errors.Is(errA, ErrPeerMismatch) {
			t.Errorf("A Handshake() error = %v, want ErrPeerMismatch", errA)
		}
	})
}

func TestHandshakeNoCommonAlgorithm(t *testing.T) {
	cfgA := NewConfig(testKey(t))
	cfgA.Ciphers = []string{"AES-256"}
	cfgB := NewConfig(testKey(t))
	cfgB.Ciphers = []string{"TwofishCTR"}

	_, _, errA, errB := handshakePair(t, cfgA, cfgB)
	if errA == nil && errB == nil {
		t.Fatal("handshake with disjoint cipher proposals should fail")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	// The far end never answers.
	connA, connB := net.Pipe()
	defer connB.Close()

	cfg := NewConfig(testKey(t))
	cfg.HandshakeTimeout = 100 * time.Millisecond

	_, err := cfg.Handshake(context.Background(), connA)
	if err == nil {
		t.Fatal("Handshake() against a silent peer should fail")
	}
}

func TestHandshakeRequiresKey(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	var cfg Config
	if _, err := cfg.Handshake(context.Background(), connA); err == nil {
		t.Fatal("Handshake() without an identity key should fail")
	}
}

func TestSelectBest(t *testing.T) {
	local := []string{"AES-256", "AES-128"}

	got, err := selectBest(1, local, nil, "AES-128,AES-256")
	if err != nil {
		t.Fatalf("selectBest() error = %v", err)
	}
	if got != "AES-256" {
		t.Errorf("selectBest(order>0) = %q, want local preference %q", got, "AES-256")
	}

	got, err = selectBest(-1, local, nil, "AES-128,AES-256")
	if err != nil {
		t.Fatalf("selectBest() error = %v", err)
	}
	if got != "AES-128" {
		t.Errorf("selectBest(order<0) = %q, want remote preference %q", got, "AES-128")
	}

	if _, err := selectBest(1, local, nil, "TwofishCTR"); !errors.Is(err, ErrNoCommonAlgorithm) {
		t.Errorf("selectBest() disjoint error = %v, want ErrNoCommonAlgorithm", err)
	}
}

func TestGenerateEphemeralAgreement(t *testing.T) {
	for _, agreement := range DefaultKeyAgreements {
		t.Run(agreement, func(t *testing.T) {
			pubA, sharedA, err := generateEphemeral(agreement)
			if err != nil {
				t.Fatalf("generateEphemeral() error = %v", err)
			}
			pubB, sharedB, err := generateEphemeral(agreement)
			if err != nil {
				t.Fatalf("generateEphemeral() error = %v", err)
			}

			secretA, err := sharedA(pubB)
			if err != nil {
				t.Fatalf("shared secret A error = %v", err)
			}
			secretB, err := sharedB(pubA)
			if err != nil {
				t.Fatalf("shared secret B error = %v", err)
			}

			if !bytes.Equal(secretA, secretB) {
				t.Error("the two sides derived different shared secrets")
			}
		})
	}

	if _, _, err := generateEphemeral("P-521"); err == nil {
		t.Error("generateEphemeral() with unsupported agreement should fail")
	}
}

func TestStretchKeysHalvesDiffer(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)

	k1, k2, err := stretchKeys("AES-256", secret)
	if err != nil {
		t.Fatalf("stretchKeys() error = %v", err)
	}

	if bytes.Equal(k1.cipherKey, k2.cipherKey) {
		t.Error("both directions received the same cipher key")
	}
	if bytes.Equal(k1.macKey, k2.macKey) {
		t.Error("both directions received the same MAC key")
	}
	if len(k1.iv) != 16 || len(k1.cipherKey) != 32 || len(k1.macKey) != macKeySize {
		t.Errorf("unexpected key sizes: iv=%d key=%d mac=%d", len(k1.iv), len(k1.cipherKey), len(k1.macKey))
	}

	// Derivation is deterministic.
	again1, again2, err := stretchKeys("AES-256", secret)
	if err != nil {
		t.Fatalf("stretchKeys() error = %v", err)
	}
	if !bytes.Equal(k1.cipherKey, again1.cipherKey) || !bytes.Equal(k2.cipherKey, again2.cipherKey) {
		t.Error("stretchKeys() is not deterministic")
	}
}
