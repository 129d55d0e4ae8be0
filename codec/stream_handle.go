package codec

import (
	"io"
	"sync"
)

// StreamHandle is the caller-facing duplex endpoint of a SecureStream.
// Reads surface decoded plaintext in wire order; writes are buffered and
// framed on Flush or when the buffer reaches the framing limit.
//
// A handle may be shared between goroutines: the read and write sides are
// independently locked, and every emitted frame is an indivisible unit on
// the wire.
type StreamHandle struct {
	stream *SecureStream

	readMu  sync.Mutex
	scratch []byte
	readEOF bool

	writeMu     sync.Mutex
	wbuf        []byte
	writeClosed bool

	// chunkSize is the largest plaintext that still fits one frame once
	// the MAC tag is appended.
	chunkSize int
}

// Read returns up to len(p) bytes of decoded plaintext, pulling the next
// frame from the stream when the scratch buffer is empty. After the
// stream terminates and buffered data is drained it returns io.EOF; a
// fatal session error is available from the stream's Err.
func (h *StreamHandle) Read(p []byte) (int, error) {
	h.readMu.Lock()
	defer h.readMu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	for len(h.scratch) == 0 {
		if h.readEOF {
			return 0, io.EOF
		}
		data, ok := <-h.stream.dataCh
		if !ok {
			h.readEOF = true
			return 0, io.EOF
		}
		h.scratch = data
	}

	n := copy(p, h.scratch)
	h.scratch = h.scratch[n:]
	return n, nil
}

// Write buffers p on the write side. Data is framed and handed to the
// stream once the buffer reaches the framing limit, or on Flush. When the
// command channel is full the write suspends; bytes are never dropped.
func (h *StreamHandle) Write(p []byte) (int, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.writeClosed {
		return 0, ErrStreamClosed
	}
	select {
	case <-h.stream.closed:
		return 0, h.closedErr()
	default:
	}

	h.wbuf = append(h.wbuf, p...)
	for len(h.wbuf) >= h.chunkSize {
		frame := make([]byte, h.chunkSize)
		copy(frame, h.wbuf)
		h.wbuf = h.wbuf[:copy(h.wbuf, h.wbuf[h.chunkSize:])]
		if err := h.emit(frame); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Flush frames any buffered bytes and blocks until the stream has pushed
// everything to the socket. An error means the stream died before
// acknowledging and the write must be treated as undefined.
func (h *StreamHandle) Flush() error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.writeClosed {
		return ErrStreamClosed
	}
	if err := h.flushBufferLocked(); err != nil {
		return err
	}

	ack := make(chan struct{})
	select {
	case h.stream.cmdCh <- streamEvent{kind: eventFlush, ack: ack}:
	case <-h.stream.closed:
		return h.closedErr()
	}

	select {
	case <-ack:
		return nil
	case <-h.stream.closed:
		return h.closedErr()
	}
}

// Close flushes buffered bytes best effort and tells the stream to shut
// down. It is safe to call more than once.
func (h *StreamHandle) Close() error {
	h.writeMu.Lock()
	if h.writeClosed {
		h.writeMu.Unlock()
		return nil
	}
	h.writeClosed = true
	_ = h.flushBufferLocked()
	h.writeMu.Unlock()

	select {
	case h.stream.cmdCh <- streamEvent{kind: eventClose}:
	case <-h.stream.closed:
	}
	return nil
}

// flushBufferLocked frames the write buffer. writeMu must be held.
func (h *StreamHandle) flushBufferLocked() error {
	if len(h.wbuf) == 0 {
		return nil
	}
	frame := make([]byte, len(h.wbuf))
	copy(frame, h.wbuf)
	h.wbuf = h.wbuf[:0]
	return h.emit(frame)
}

// emit hands one frame to the stream task, suspending while the command
// channel is full.
func (h *StreamHandle) emit(frame []byte) error {
	select {
	case h.stream.cmdCh <- streamEvent{kind: eventFrame, frame: frame}:
		return nil
	case <-h.stream.closed:
		return h.closedErr()
	}
}

func (h *StreamHandle) closedErr() error {
	if err := h.stream.Err(); err != nil {
		return err
	}
	return ErrStreamClosed
}
