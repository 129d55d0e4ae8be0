// Package framing implements big-endian length-prefixed framing over a
// byte stream.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LengthFieldSize is the size of the frame length prefix in bytes.
	LengthFieldSize = 4

	// DefaultMaxFrameLength bounds encode and decode when no limit is
	// configured.
	DefaultMaxFrameLength = 8 * 1024 * 1024
)

// ErrFrameTooLong is returned when a frame exceeds the configured maximum
// in either direction.
var ErrFrameTooLong = errors.New("frame exceeds maximum length")

// Framer splits a byte stream into frames prefixed by a 4-byte big-endian
// length. Reads and writes may be driven by different goroutines, but each
// side is single-owner.
type Framer struct {
	r              io.Reader
	w              *writer
	maxFrameLength int
	header         [LengthFieldSize]byte
}

// writer is a small buffered writer so several frames can be coalesced
// before one socket write on Flush.
type writer struct {
	w   io.Writer
	buf []byte
}

func (bw *writer) write(p []byte) {
	bw.buf = append(bw.buf, p...)
}

func (bw *writer) flush() error {
	if len(bw.buf) == 0 {
		return nil
	}
	_, err := bw.w.Write(bw.buf)
	bw.buf = bw.buf[:0]
	return err
}

// New creates a Framer over rw. A maxFrameLength of 0 selects
// DefaultMaxFrameLength.
func New(rw io.ReadWriter, maxFrameLength int) *Framer {
	if maxFrameLength <= 0 {
		maxFrameLength = DefaultMaxFrameLength
	}
	return &Framer{
		r:              rw,
		w:              &writer{w: rw},
		maxFrameLength: maxFrameLength,
	}
}

// ReadFrame reads the next length-prefixed frame. A clean EOF on the frame
// boundary is reported as io.EOF; an EOF mid-frame as io.ErrUnexpectedEOF.
func (f *Framer) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(f.header[:])
	if int(length) > f.maxFrameLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLong, length, f.maxFrameLength)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(f.r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return payload, nil
}

// WriteFrame buffers one length-prefixed frame. Call Flush to push
// buffered frames to the underlying stream.
func (f *Framer) WriteFrame(payload []byte) error {
	if len(payload) > f.maxFrameLength {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLong, len(payload), f.maxFrameLength)
	}

	var header [LengthFieldSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	f.w.write(header[:])
	f.w.write(payload)
	return nil
}

// Flush writes all buffered frames to the underlying stream.
func (f *Framer) Flush() error {
	return f.w.flush()
}

// MaxFrameLength returns the configured frame size limit.
func (f *Framer) MaxFrameLength() int {
	return f.maxFrameLength
}
