// Package hmac provides the keyed MACs appended to every encrypted frame.
package hmac

import (
	stdhmac "crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
)

// ErrUnknownDigest is returned for an unrecognized digest name.
var ErrUnknownDigest = errors.New("unknown digest")

// Digest identifies the hash function backing the MAC.
type Digest string

const (
	Sha256 Digest = "SHA256"
	Sha512 Digest = "SHA512"
)

// TagSize returns the MAC tag length in bytes for the digest.
func (d Digest) TagSize() (int, error) {
	switch d {
	case Sha256:
		return sha256.Size, nil
	case Sha512:
		return sha512.Size, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDigest, d)
	}
}

// Hmac signs and verifies frame contents. It is owned by a single
// goroutine and is not safe for concurrent use; Clone produces an
// independent equivalent signer.
type Hmac struct {
	digest Digest
	key    []byte
	mac    hash.Hash
}

// New creates an Hmac keyed with the given secret.
func New(d Digest, key []byte) (*Hmac, error) {
	var newHash func() hash.Hash
	switch d {
	case Sha256:
		newHash = sha256.New
	case Sha512:
		newHash = sha512.New
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDigest, d)
	}

	k := make([]byte, len(key))
	copy(k, key)

	return &Hmac{
		digest: d,
		key:    k,
		mac:    stdhmac.New(newHash, k),
	}, nil
}

// Sign computes the MAC tag over buf.
func (h *Hmac) Sign(buf []byte) []byte {
	h.mac.Reset()
	h.mac.Write(buf)
	return h.mac.Sum(nil)
}

// Verify reports whether tag is the valid MAC for buf.
// The comparison is constant time.
func (h *Hmac) Verify(buf, tag []byte) bool {
	return stdhmac.Equal(h.Sign(buf), tag)
}

// TagSize returns the length of tags produced by Sign.
func (h *Hmac) TagSize() int {
	return h.mac.Size()
}

// Clone returns an independent Hmac with the same digest and key.
func (h *Hmac) Clone() *Hmac {
	clone, err := New(h.digest, h.key)
	if err != nil {
		// The receiver was constructed with a valid digest.
		panic(fmt.Sprintf("hmac clone: %v", err))
	}
	return clone
}
