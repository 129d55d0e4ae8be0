// Package secio implements a libp2p-style encrypted transport: after a
// handshake over an untrusted bidirectional byte stream, both sides hold
// a duplex handle onto an authenticated, confidential, length-framed
// message channel.
//
// The wire discipline is encrypt-then-MAC with per-direction CTR
// keystreams: every frame is ciphertext followed by a fixed-width MAC
// tag, wrapped in 4-byte big-endian length framing. The first encrypted
// payload each side sends is the random nonce it proposed during the
// handshake; the receiver verifies the echo before delivering any
// plaintext. This format predates AEAD constructions and must not be
// silently upgraded, or wire compatibility with existing peers breaks.
//
// Entry point is Config.Handshake. The frame engine itself lives in the
// codec package; peer identifiers in peerid.
package secio

import "errors"

var (
	// ErrInvalidHandshake is returned when a handshake message is
	// malformed.
	ErrInvalidHandshake = errors.New("invalid handshake message")

	// ErrBadSignature is returned when the peer's exchange signature
	// does not verify against its announced public key.
	ErrBadSignature = errors.New("bad handshake signature")

	// ErrSelfConnection is returned when both sides present identical
	// keys and nonces, i.e. one side is talking to itself.
	ErrSelfConnection = errors.New("same keys and nonces, connected to self")

	// ErrPeerMismatch is returned when the remote identity does not
	// match the expected peer ID.
	ErrPeerMismatch = errors.New("remote peer ID mismatch")

	// ErrNoCommonAlgorithm is returned when proposal negotiation finds
	// no overlap.
	ErrNoCommonAlgorithm = errors.New("no common algorithm")
)
