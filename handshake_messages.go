package secio

import (
	"encoding/binary"
	"fmt"
)

// Handshake messages travel as length-framed packets before any
// encryption is in place. Every field is prefixed by a big-endian 16-bit
// length.
//
//	propose:  rand || pubkey || exchanges || ciphers || hashes
//	exchange: epubkey || signature

// propose announces a random nonce, the sender's identity key and its
// supported algorithms as comma-separated propositions.
type propose struct {
	Rand      []byte
	Pubkey    []byte
	Exchanges string
	Ciphers   string
	Hashes    string
}

// encode serializes the propose message.
func (p *propose) encode() []byte {
	fields := [][]byte{p.Rand, p.Pubkey, []byte(p.Exchanges), []byte(p.Ciphers), []byte(p.Hashes)}

	size := 0
	for _, f := range fields {
		size += 2 + len(f)
	}

	buf := make([]byte, size)
	offset := 0
	for _, f := range fields {
		binary.BigEndian.PutUint16(buf[offset:], uint16(len(f)))
		offset += 2
		copy(buf[offset:], f)
		offset += len(f)
	}

	return buf
}

// decodePropose deserializes a propose message.
func decodePropose(buf []byte) (*propose, error) {
	fields, err := splitFields(buf, 5)
	if err != nil {
		return nil, fmt.Errorf("%w: propose: %v", ErrInvalidHandshake, err)
	}
	return &propose{
		Rand:      fields[0],
		Pubkey:    fields[1],
		Exchanges: string(fields[2]),
		Ciphers:   string(fields[3]),
		Hashes:    string(fields[4]),
	}, nil
}

// exchange carries the signed ephemeral public key.
type exchange struct {
	Epubkey   []byte
	Signature []byte
}

// encode serializes the exchange message.
func (e *exchange) encode() []byte {
	buf := make([]byte, 2+len(e.Epubkey)+2+len(e.Signature))
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(e.Epubkey)))
	offset += 2
	copy(buf[offset:], e.Epubkey)
	offset += len(e.Epubkey)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(e.Signature)))
	offset += 2
	copy(buf[offset:], e.Signature)

	return buf
}

// decodeExchange deserializes an exchange message.
func decodeExchange(buf []byte) (*exchange, error) {
	fields, err := splitFields(buf, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange: %v", ErrInvalidHandshake, err)
	}
	return &exchange{
		Epubkey:   fields[0],
		Signature: fields[1],
	}, nil
}

// splitFields reads exactly n length-prefixed fields covering the whole
// buffer.
func splitFields(buf []byte, n int) ([][]byte, error) {
	fields := make([][]byte, 0, n)
	offset := 0

	for i := 0; i < n; i++ {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("field %d length missing", i)
		}
		fieldLen := int(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
		if offset+fieldLen > len(buf) {
			return nil, fmt.Errorf("field %d truncated", i)
		}
		field := make([]byte, fieldLen)
		copy(field, buf[offset:offset+fieldLen])
		offset += fieldLen
		fields = append(fields, field)
	}

	if offset != len(buf) {
		return nil, fmt.Errorf("%d trailing bytes", len(buf)-offset)
	}

	return fields, nil
}
