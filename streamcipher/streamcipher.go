// Package streamcipher implements the counter-mode keystreams used on the
// secure channel. Each direction of a session gets its own instance; the
// counter advances with every byte processed and is never reset.
package streamcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/twofish"
)

var (
	// ErrUnknownCipher is returned for an unrecognized cipher name.
	ErrUnknownCipher = errors.New("unknown cipher")

	// ErrBadKeyLength is returned when the key does not match the cipher.
	ErrBadKeyLength = errors.New("bad key length")

	// ErrBadIVLength is returned when the IV does not match the block size.
	ErrBadIVLength = errors.New("bad IV length")
)

// Cipher identifies a stream cipher algorithm.
type Cipher string

const (
	Aes128     Cipher = "AES-128"
	Aes256     Cipher = "AES-256"
	TwofishCtr Cipher = "TwofishCTR"
)

// BlockSize is the block size shared by all supported ciphers.
// IVs must be exactly this long.
const BlockSize = 16

// KeySize returns the key length in bytes for the cipher.
func (c Cipher) KeySize() (int, error) {
	switch c {
	case Aes128:
		return 16, nil
	case Aes256, TwofishCtr:
		return 32, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCipher, c)
	}
}

// IVSize returns the IV length in bytes for the cipher.
func (c Cipher) IVSize() (int, error) {
	if _, err := c.KeySize(); err != nil {
		return 0, err
	}
	return BlockSize, nil
}

// StreamCipher applies a CTR keystream to byte buffers in place.
// It is owned by a single goroutine and is not safe for concurrent use.
type StreamCipher struct {
	ctr cipher.Stream
}

// New creates a StreamCipher seeded with the given key and IV.
func New(c Cipher, key, iv []byte) (*StreamCipher, error) {
	keySize, err := c.KeySize()
	if err != nil {
		return nil, err
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrBadKeyLength, c, keySize, len(key))
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrBadIVLength, BlockSize, len(iv))
	}

	var block cipher.Block
	switch c {
	case Aes128, Aes256:
		block, err = aes.NewCipher(key)
	case TwofishCtr:
		block, err = twofish.NewCipher(key)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s cipher: %w", c, err)
	}

	return &StreamCipher{ctr: cipher.NewCTR(block, iv)}, nil
}

// Encrypt XORs the keystream into buf in place and advances the counter
// by len(buf) bytes.
func (s *StreamCipher) Encrypt(buf []byte) {
	s.ctr.XORKeyStream(buf, buf)
}

// Decrypt is the inverse of Encrypt. CTR mode is symmetric, so the two
// only differ in intent.
func (s *StreamCipher) Decrypt(buf []byte) {
	s.ctr.XORKeyStream(buf, buf)
}
