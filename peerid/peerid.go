// Package peerid implements the content-addressed peer identifier: the
// SHA-256 multihash of a peer's canonical public key serialization.
package peerid

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

const (
	// sha256Code is the multihash code for SHA2-256.
	sha256Code = 0x12

	// sha256Size is the digest length in bytes.
	sha256Size = 32
)

var (
	// ErrEmpty is returned when parsing zero bytes.
	ErrEmpty = errors.New("empty peer ID")

	// ErrUnknownHashCode is returned when the multihash code is not SHA2-256.
	ErrUnknownHashCode = errors.New("peer ID multihash code is not sha2-256")

	// ErrInvalidLength is returned when the digest length does not match.
	ErrInvalidLength = errors.New("invalid peer ID length")

	// ErrInvalidBase58 is returned when the string form does not decode.
	ErrInvalidBase58 = errors.New("invalid base58 peer ID")
)

// PeerID identifies a peer of the network. The underlying bytes are the
// multihash varint(0x12) || 0x20 || sha256(public key). The zero value is
// not a valid identifier.
//
// PeerID is comparable and usable as a map key; equality, ordering and
// hashing are all over the full multihash layout.
type PeerID struct {
	inner string
}

// FromPublicKey builds the PeerID of the given canonically serialized
// public key.
func FromPublicKey(pubkey []byte) PeerID {
	sum, err := mh.Sum(pubkey, mh.SHA2_256, -1)
	if err != nil {
		// mh.Sum only fails for unknown hash selections.
		panic(fmt.Sprintf("peerid: sha2-256 multihash: %v", err))
	}
	return PeerID{inner: string(sum)}
}

// FromBytes parses a PeerID from its multihash byte layout.
func FromBytes(data []byte) (PeerID, error) {
	if len(data) == 0 {
		return PeerID{}, ErrEmpty
	}

	code, n, err := varint.FromUvarint(data)
	if err != nil {
		return PeerID{}, fmt.Errorf("decode multihash code: %w", err)
	}
	if code != sha256Code {
		return PeerID{}, fmt.Errorf("%w: 0x%x", ErrUnknownHashCode, code)
	}

	rest := data[n:]
	if len(rest) != sha256Size+1 {
		return PeerID{}, fmt.Errorf("%w: got %d bytes after code, want %d", ErrInvalidLength, len(rest), sha256Size+1)
	}
	if rest[0] != sha256Size {
		return PeerID{}, fmt.Errorf("%w: digest length byte is %d, want %d", ErrInvalidLength, rest[0], sha256Size)
	}

	return PeerID{inner: string(data)}, nil
}

// FromBase58 parses a PeerID from its base58 string form.
func FromBase58(s string) (PeerID, error) {
	data, err := base58.Decode(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("%w: %v", ErrInvalidBase58, err)
	}
	return FromBytes(data)
}

// Bytes returns a copy of the multihash byte layout.
func (p PeerID) Bytes() []byte {
	return []byte(p.inner)
}

// Digest returns the raw 32 hash bytes, without the multihash header.
func (p PeerID) Digest() []byte {
	if len(p.inner) < sha256Size {
		return nil
	}
	return []byte(p.inner[len(p.inner)-sha256Size:])
}

// Base58 returns the base58 string form of the full multihash layout.
func (p PeerID) Base58() string {
	return base58.Encode([]byte(p.inner))
}

// String implements fmt.Stringer.
func (p PeerID) String() string {
	return p.Base58()
}

// Equal reports whether two PeerIDs are identical.
func (p PeerID) Equal(other PeerID) bool {
	return p.inner == other.inner
}

// IsZero reports whether the PeerID is the zero value.
func (p PeerID) IsZero() bool {
	return p.inner == ""
}

// Compare orders two PeerIDs by their multihash bytes. It returns -1, 0
// or +1.
func (p PeerID) Compare(other PeerID) int {
	switch {
	case p.inner < other.inner:
		return -1
	case p.inner > other.inner:
		return 1
	default:
		return 0
	}
}

// MatchesPublicKey reports whether the PeerID was derived from the given
// canonically serialized public key.
func (p PeerID) MatchesPublicKey(pubkey []byte) bool {
	return p.Equal(FromPublicKey(pubkey))
}

// MarshalText implements encoding.TextMarshaler.
func (p PeerID) MarshalText() ([]byte, error) {
	return []byte(p.Base58()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PeerID) UnmarshalText(text []byte) error {
	parsed, err := FromBase58(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
