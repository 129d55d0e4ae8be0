package secio

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/postalsys/secio/codec"
	"github.com/postalsys/secio/framing"
	"github.com/postalsys/secio/hmac"
	"github.com/postalsys/secio/internal/logging"
	"github.com/postalsys/secio/internal/metrics"
	"github.com/postalsys/secio/peerid"
	"github.com/postalsys/secio/streamcipher"
)

const (
	// nonceSize is the size of handshake nonces in bytes.
	nonceSize = 16

	// macKeySize is the per-direction MAC key length produced by key
	// stretching.
	macKeySize = 20

	// hkdfInfo is the context string for session key derivation.
	hkdfInfo = "secio key expansion"
)

// Session is an established secure channel.
type Session struct {
	// Handle is the caller's duplex endpoint.
	Handle *codec.StreamHandle

	// Stream is the underlying frame engine; its Done and Err expose
	// session termination.
	Stream *codec.SecureStream

	// RemotePublicKey is the peer's identity key in SEC1 compressed
	// form.
	RemotePublicKey []byte

	// RemotePeer is the peer ID derived from RemotePublicKey.
	RemotePeer peerid.PeerID

	// EphemeralPublicKey is the local ephemeral key used for this
	// session's key agreement.
	EphemeralPublicKey []byte
}

// Handshake negotiates a secure channel over conn. On success the local
// nonce has been sent as the first encrypted payload; the peer's nonce
// echo is verified inside the stream before any plaintext reaches the
// handle.
//
// The connection is closed on failure. Both ends of a connection may run
// Handshake concurrently.
func (c Config) Handshake(ctx context.Context, conn io.ReadWriteCloser) (*Session, error) {
	if c.Key == nil {
		return nil, errors.New("config has no identity key")
	}

	timeout := c.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := c.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	hs := &handshake{
		cfg:     c,
		conn:    conn,
		logger:  logger.With(logging.KeyComponent, "handshake"),
		metrics: metrics.Default(),
	}

	start := time.Now()

	type outcome struct {
		session *Session
		err     error
	}
	result := make(chan outcome, 1)
	go func() {
		s, err := hs.run()
		result <- outcome{s, err}
	}()

	select {
	case <-ctx.Done():
		// State unknown; the connection cannot be reused.
		_ = conn.Close()
		<-result
		hs.metrics.HandshakeErrors.WithLabelValues("timeout").Inc()
		return nil, ctx.Err()
	case r := <-result:
		if r.err != nil {
			_ = conn.Close()
			return nil, r.err
		}
		hs.metrics.HandshakeLatency.Observe(time.Since(start).Seconds())
		return r.session, nil
	}
}

// handshake holds the in-flight state of one negotiation.
type handshake struct {
	cfg     Config
	conn    io.ReadWriteCloser
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// run performs the blocking handshake sequence: propose, select,
// exchange, verify, stretch keys, then bring up the secure stream.
func (hs *handshake) run() (*Session, error) {
	framer := framing.New(hs.conn, hs.cfg.MaxFrameLength)

	// Propose: nonce, identity key, supported algorithms.
	nonceOut := make([]byte, nonceSize)
	if _, err := rand.Read(nonceOut); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	localPubkey := hs.cfg.Key.PublicKey()
	proposeOut := &propose{
		Rand:      nonceOut,
		Pubkey:    localPubkey,
		Exchanges: proposition(hs.cfg.KeyAgreements, DefaultKeyAgreements),
		Ciphers:   proposition(hs.cfg.Ciphers, DefaultCiphers),
		Hashes:    proposition(hs.cfg.Digests, DefaultDigests),
	}
	proposeOutBytes := proposeOut.encode()

	proposeInBytes, err := exchangeMsg(framer, proposeOutBytes)
	if err != nil {
		hs.metrics.HandshakeErrors.WithLabelValues("propose").Inc()
		return nil, fmt.Errorf("propose exchange: %w", err)
	}
	proposeIn, err := decodePropose(proposeInBytes)
	if err != nil {
		hs.metrics.HandshakeErrors.WithLabelValues("propose").Inc()
		return nil, err
	}

	// Identify the remote and check it against expectations.
	remotePeer := peerid.FromPublicKey(proposeIn.Pubkey)
	if !hs.cfg.ExpectedPeer.IsZero() && !remotePeer.Equal(hs.cfg.ExpectedPeer) {
		hs.metrics.HandshakeErrors.WithLabelValues("identify").Inc()
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrPeerMismatch, hs.cfg.ExpectedPeer, remotePeer)
	}

	// Selection order: cmp(H(remote_pubkey || local_rand),
	// H(local_pubkey || remote_rand)). Equal hashes mean both sides
	// presented the same keys and nonces.
	oh1 := sha256.Sum256(concat(proposeIn.Pubkey, nonceOut))
	oh2 := sha256.Sum256(concat(localPubkey, proposeIn.Rand))
	order := bytes.Compare(oh1[:], oh2[:])
	if order == 0 {
		hs.metrics.HandshakeErrors.WithLabelValues("identify").Inc()
		return nil, ErrSelfConnection
	}

	agreement, err := selectBest(order, hs.cfg.KeyAgreements, DefaultKeyAgreements, proposeIn.Exchanges)
	if err != nil {
		hs.metrics.HandshakeErrors.WithLabelValues("select").Inc()
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	cipherName, err := selectBest(order, hs.cfg.Ciphers, DefaultCiphers, proposeIn.Ciphers)
	if err != nil {
		hs.metrics.HandshakeErrors.WithLabelValues("select").Inc()
		return nil, fmt.Errorf("cipher: %w", err)
	}
	digestName, err := selectBest(order, hs.cfg.Digests, DefaultDigests, proposeIn.Hashes)
	if err != nil {
		hs.metrics.HandshakeErrors.WithLabelValues("select").Inc()
		return nil, fmt.Errorf("digest: %w", err)
	}
	cipher := streamcipher.Cipher(cipherName)
	digest := hmac.Digest(digestName)

	hs.logger.Debug("selected algorithms",
		logging.KeyExchange, agreement,
		logging.KeyCipher, cipherName,
		logging.KeyDigest, digestName)

	// Exchange: signed ephemeral keys.
	ephemeralPub, sharedSecretFn, err := generateEphemeral(agreement)
	if err != nil {
		hs.metrics.HandshakeErrors.WithLabelValues("exchange").Inc()
		return nil, err
	}

	corpusOut := concat(proposeOutBytes, proposeInBytes, ephemeralPub)
	exchangeOut := &exchange{
		Epubkey:   ephemeralPub,
		Signature: hs.cfg.Key.Sign(corpusOut),
	}

	exchangeInBytes, err := exchangeMsg(framer, exchangeOut.encode())
	if err != nil {
		hs.metrics.HandshakeErrors.WithLabelValues("exchange").Inc()
		return nil, fmt.Errorf("exchange: %w", err)
	}
	exchangeIn, err := decodeExchange(exchangeInBytes)
	if err != nil {
		hs.metrics.HandshakeErrors.WithLabelValues("exchange").Inc()
		return nil, err
	}

	// Verify the remote signature over its view of the transcript.
	corpusIn := concat(proposeInBytes, proposeOutBytes, exchangeIn.Epubkey)
	if err := verifySignature(proposeIn.Pubkey, corpusIn, exchangeIn.Signature); err != nil {
		hs.metrics.HandshakeErrors.WithLabelValues("verify").Inc()
		return nil, err
	}

	// Derive per-direction keys from the shared secret. The same order
	// that decided the proposals decides which half is ours.
	sharedSecret, err := sharedSecretFn(exchangeIn.Epubkey)
	if err != nil {
		hs.metrics.HandshakeErrors.WithLabelValues("verify").Inc()
		return nil, fmt.Errorf("shared secret: %w", err)
	}

	k1, k2, err := stretchKeys(cipher, sharedSecret)
	if err != nil {
		return nil, err
	}
	localKeys, remoteKeys := k1, k2
	if order < 0 {
		localKeys, remoteKeys = remoteKeys, localKeys
	}

	cipherOut, err := streamcipher.New(cipher, localKeys.cipherKey, localKeys.iv)
	if err != nil {
		return nil, err
	}
	cipherIn, err := streamcipher.New(cipher, remoteKeys.cipherKey, remoteKeys.iv)
	if err != nil {
		return nil, err
	}
	hmacOut, err := hmac.New(digest, localKeys.macKey)
	if err != nil {
		return nil, err
	}
	hmacIn, err := hmac.New(digest, remoteKeys.macKey)
	if err != nil {
		return nil, err
	}

	secure, err := codec.NewSecureStream(hs.conn, codec.Config{
		CipherOut:      cipherOut,
		CipherIn:       cipherIn,
		HmacOut:        hmacOut,
		HmacIn:         hmacIn,
		NonceExpect:    proposeIn.Rand,
		MaxFrameLength: hs.cfg.MaxFrameLength,
		Logger:         hs.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	handle, err := secure.CreateHandle()
	if err != nil {
		return nil, err
	}
	secure.Start()

	// Send our proposed nonce as the very first encrypted payload; the
	// peer verifies the echo before delivering anything to its caller.
	if _, err := handle.Write(nonceOut); err != nil {
		return nil, fmt.Errorf("send nonce: %w", err)
	}
	if err := handle.Flush(); err != nil {
		return nil, fmt.Errorf("send nonce: %w", err)
	}

	hs.metrics.NegotiatedCiphers.WithLabelValues(cipherName, digestName).Inc()
	hs.logger.Debug("secure channel established", logging.KeyPeerID, remotePeer.Base58())

	return &Session{
		Handle:             handle,
		Stream:             secure,
		RemotePublicKey:    proposeIn.Pubkey,
		RemotePeer:         remotePeer,
		EphemeralPublicKey: ephemeralPub,
	}, nil
}

// exchangeMsg writes one frame and reads one frame concurrently, so two
// peers can run the same step against each other without deadlocking on
// an unbuffered transport.
func exchangeMsg(framer *framing.Framer, out []byte) ([]byte, error) {
	writeErr := make(chan error, 1)
	go func() {
		if err := framer.WriteFrame(out); err != nil {
			writeErr <- err
			return
		}
		writeErr <- framer.Flush()
	}()

	in, err := framer.ReadFrame()
	if werr := <-writeErr; werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

// proposition renders an algorithm preference list for the wire.
func proposition(list, fallback []string) string {
	if len(list) == 0 {
		list = fallback
	}
	return strings.Join(list, ",")
}

// selectBest picks the first algorithm both sides support, iterating the
// winner's preference order.
func selectBest(order int, local, fallback []string, remote string) (string, error) {
	if len(local) == 0 {
		local = fallback
	}
	remoteList := strings.Split(remote, ",")

	first, second := local, remoteList
	if order < 0 {
		first, second = remoteList, local
	}

	for _, candidate := range first {
		for _, other := range second {
			if candidate == other {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: local %v, remote %q", ErrNoCommonAlgorithm, local, remote)
}

// generateEphemeral creates an ephemeral key pair for the chosen
// agreement and returns the public key plus a function deriving the
// shared secret from the remote public key.
func generateEphemeral(agreement string) ([]byte, func([]byte) ([]byte, error), error) {
	switch agreement {
	case "X25519":
		var priv [curve25519.ScalarSize]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		// Clamp per the X25519 spec.
		priv[0] &= 248
		priv[31] &= 127
		priv[31] |= 64

		pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, nil, fmt.Errorf("derive ephemeral public key: %w", err)
		}

		shared := func(remote []byte) ([]byte, error) {
			return curve25519.X25519(priv[:], remote)
		}
		return pub, shared, nil

	case "P-256":
		priv, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
		}

		shared := func(remote []byte) ([]byte, error) {
			remoteKey, err := ecdh.P256().NewPublicKey(remote)
			if err != nil {
				return nil, fmt.Errorf("parse remote ephemeral key: %w", err)
			}
			return priv.ECDH(remoteKey)
		}
		return priv.PublicKey().Bytes(), shared, nil

	default:
		return nil, nil, fmt.Errorf("%w: key agreement %q", ErrNoCommonAlgorithm, agreement)
	}
}

// directionKeys is one direction's worth of stretched key material.
type directionKeys struct {
	iv        []byte
	cipherKey []byte
	macKey    []byte
}

// stretchKeys expands the shared secret into two sets of IV, cipher key
// and MAC key via HKDF-SHA256.
func stretchKeys(cipher streamcipher.Cipher, sharedSecret []byte) (directionKeys, directionKeys, error) {
	keySize, err := cipher.KeySize()
	if err != nil {
		return directionKeys{}, directionKeys{}, err
	}
	ivSize, err := cipher.IVSize()
	if err != nil {
		return directionKeys{}, directionKeys{}, err
	}

	half := ivSize + keySize + macKeySize
	material := make([]byte, 2*half)
	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, material); err != nil {
		return directionKeys{}, directionKeys{}, fmt.Errorf("stretch keys: %w", err)
	}

	split := func(b []byte) directionKeys {
		return directionKeys{
			iv:        b[:ivSize],
			cipherKey: b[ivSize : ivSize+keySize],
			macKey:    b[ivSize+keySize:],
		}
	}
	return split(material[:half]), split(material[half:]), nil
}

// concat joins byte slices into a fresh buffer.
func concat(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
