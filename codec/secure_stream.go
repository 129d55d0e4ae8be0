// Package codec implements the encrypted frame engine of the secure
// channel: the SecureStream task that encrypts, authenticates and frames
// outbound data, verifies and decrypts inbound data, and the StreamHandle
// callers use to read and write bytes.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/postalsys/secio/framing"
	"github.com/postalsys/secio/hmac"
	"github.com/postalsys/secio/internal/logging"
	"github.com/postalsys/secio/internal/metrics"
	"github.com/postalsys/secio/streamcipher"
)

// DefaultChannelCapacity bounds the command and data channels between a
// SecureStream and its handle. Oversize bursts suspend the sender.
const DefaultChannelCapacity = 1024

type eventKind uint8

const (
	eventFrame eventKind = iota
	eventFlush
	eventClose
)

// streamEvent is one command from the handle to the stream task.
type streamEvent struct {
	kind  eventKind
	frame []byte
	ack   chan struct{}
}

// Config carries the per-direction crypto state the handshake derived.
// Cipher and MAC instances must already be bound to the correct direction
// keys; the SecureStream takes exclusive ownership of all of them.
type Config struct {
	CipherOut *streamcipher.StreamCipher
	CipherIn  *streamcipher.StreamCipher
	HmacOut   *hmac.Hmac
	HmacIn    *hmac.Hmac

	// NonceExpect is the byte sequence the peer promised to send first.
	// No plaintext is delivered to the handle until it has been matched
	// in full.
	NonceExpect []byte

	// MaxFrameLength bounds frames in both directions. 0 selects the
	// framing default (8 MiB).
	MaxFrameLength int

	// ChannelCapacity overrides DefaultChannelCapacity when positive.
	ChannelCapacity int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// SecureStream drives one encrypted channel over an untrusted byte
// stream. All cipher and MAC state is private to its two internal
// goroutines: the run loop owns the outbound direction and the socket
// writes, the receive loop owns the inbound direction.
type SecureStream struct {
	conn   io.ReadWriteCloser
	framer *framing.Framer

	// Owned by the run loop.
	cipherOut *streamcipher.StreamCipher
	hmacOut   *hmac.Hmac

	// Owned by the receive loop.
	cipherIn    *streamcipher.StreamCipher
	hmacIn      *hmac.Hmac
	nonceExpect []byte

	cmdCh  chan streamEvent
	dataCh chan []byte

	mu          sync.Mutex
	err         error
	handleTaken bool

	started  atomic.Bool
	failed   atomic.Bool
	recvDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSecureStream wraps conn in a SecureStream. The stream does not touch
// the socket until Start is called.
func NewSecureStream(conn io.ReadWriteCloser, cfg Config) (*SecureStream, error) {
	if cfg.CipherOut == nil || cfg.CipherIn == nil {
		return nil, errors.New("both direction ciphers are required")
	}
	if cfg.HmacOut == nil || cfg.HmacIn == nil {
		return nil, errors.New("both direction MACs are required")
	}
	if cfg.MaxFrameLength != 0 && cfg.MaxFrameLength <= cfg.HmacOut.TagSize() {
		return nil, fmt.Errorf("max frame length %d leaves no room for the %d byte MAC tag",
			cfg.MaxFrameLength, cfg.HmacOut.TagSize())
	}

	capacity := cfg.ChannelCapacity
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	nonce := make([]byte, len(cfg.NonceExpect))
	copy(nonce, cfg.NonceExpect)

	return &SecureStream{
		conn:        conn,
		framer:      framing.New(conn, cfg.MaxFrameLength),
		cipherOut:   cfg.CipherOut,
		hmacOut:     cfg.HmacOut,
		cipherIn:    cfg.CipherIn,
		hmacIn:      cfg.HmacIn,
		nonceExpect: nonce,
		cmdCh:       make(chan streamEvent, capacity),
		dataCh:      make(chan []byte, capacity),
		recvDone:    make(chan struct{}),
		closed:      make(chan struct{}),
		logger:      logger.With(logging.KeyComponent, "secure_stream"),
		metrics:     m,
	}, nil
}

// CreateHandle returns the unique duplex handle for this stream.
// Repeated calls fail with ErrHandleAlreadyTaken.
func (s *SecureStream) CreateHandle() (*StreamHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handleTaken {
		return nil, ErrHandleAlreadyTaken
	}
	s.handleTaken = true

	return &StreamHandle{
		stream:    s,
		chunkSize: s.framer.MaxFrameLength() - s.hmacOut.TagSize(),
	}, nil
}

// Start launches the stream task. It must be called exactly once.
func (s *SecureStream) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.metrics.SessionsActive.Inc()
	s.metrics.SessionsTotal.Inc()
	go s.run()
}

// Done is closed when the stream has terminated for any reason.
func (s *SecureStream) Done() <-chan struct{} {
	return s.closed
}

// Err returns the fatal error that terminated the stream, or nil after a
// clean shutdown (peer EOF or local close).
func (s *SecureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the stream immediately, closing the underlying socket.
func (s *SecureStream) Close() error {
	s.terminate(nil)
	return nil
}

// run owns the outbound direction: it consumes handle commands, encodes
// frames and drives socket writes until the stream dies.
func (s *SecureStream) run() {
	go s.recvLoop()

	for {
		select {
		case <-s.recvDone:
			// Peer EOF or fatal inbound error. Push out whatever the
			// handle already queued, then stop.
			s.drainPending()
			s.terminate(nil)
			return
		case ev := <-s.cmdCh:
			if !s.handleEvent(ev) {
				return
			}
			// Coalesce everything already queued before flushing once.
			for drained := false; !drained; {
				select {
				case ev := <-s.cmdCh:
					if !s.handleEvent(ev) {
						return
					}
				default:
					drained = true
				}
			}
			if err := s.framer.Flush(); err != nil {
				s.terminate(fmt.Errorf("flush: %w", err))
				return
			}
		}
	}
}

// handleEvent processes one command. It returns false when the stream
// has terminated.
func (s *SecureStream) handleEvent(ev streamEvent) bool {
	switch ev.kind {
	case eventFrame:
		if s.failed.Load() {
			// Writes queued after a fatal error are dropped.
			return true
		}
		s.metrics.BytesSent.Add(float64(len(ev.frame)))
		frame := s.encode(ev.frame)
		if err := s.framer.WriteFrame(frame); err != nil {
			s.terminate(fmt.Errorf("write frame: %w", err))
			return false
		}
		s.metrics.FramesSent.Inc()
	case eventFlush:
		err := s.framer.Flush()
		close(ev.ack)
		if err != nil {
			s.terminate(fmt.Errorf("flush: %w", err))
			return false
		}
	case eventClose:
		_ = s.framer.Flush()
		s.terminate(nil)
		return false
	}
	return true
}

// drainPending sends commands that are already queued, best effort, and
// acknowledges pending flushes. It never blocks.
func (s *SecureStream) drainPending() {
	for {
		select {
		case ev := <-s.cmdCh:
			if !s.handleEvent(ev) {
				return
			}
		default:
			_ = s.framer.Flush()
			return
		}
	}
}

// recvLoop owns the inbound direction: it pulls frames off the socket,
// decodes them and forwards plaintext to the handle. The send into the
// data channel blocks when the handle lags, which in turn stops socket
// reads; the handle's backpressure is authoritative.
func (s *SecureStream) recvLoop() {
	defer close(s.recvDone)
	defer close(s.dataCh)

	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debug("peer closed the channel")
				return
			}
			select {
			case <-s.closed:
				// Local close raced with the blocked read.
			default:
				s.fail(fmt.Errorf("read frame: %w", err), errorKind(err))
			}
			return
		}
		s.metrics.FramesReceived.Inc()

		plain, err := s.decode(frame)
		if err != nil {
			s.logger.Warn("decoding inbound frame failed", logging.KeyError, err)
			s.fail(err, errorKind(err))
			return
		}
		if len(plain) == 0 {
			continue
		}

		select {
		case s.dataCh <- plain:
			s.metrics.BytesReceived.Add(float64(len(plain)))
		case <-s.closed:
			return
		}
	}
}

// encode encrypts buf in place and appends the MAC tag.
func (s *SecureStream) encode(buf []byte) []byte {
	s.cipherOut.Encrypt(buf)
	return append(buf, s.hmacOut.Sign(buf)...)
}

// decode verifies and decrypts one inbound frame, consuming the expected
// nonce prefix while it is still outstanding.
func (s *SecureStream) decode(frame []byte) ([]byte, error) {
	tagSize := s.hmacIn.TagSize()
	if len(frame) < tagSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrFrameTooShort, len(frame), tagSize)
	}

	content := len(frame) - tagSize
	ciphertext, tag := frame[:content], frame[content:]

	if !s.hmacIn.Verify(ciphertext, tag) {
		return nil, ErrHmacNotMatching
	}

	s.cipherIn.Decrypt(ciphertext)
	plain := ciphertext

	if len(s.nonceExpect) > 0 {
		n := min(len(plain), len(s.nonceExpect))
		if !bytes.Equal(plain[:n], s.nonceExpect[:n]) {
			return nil, ErrNonceVerificationFailed
		}
		s.nonceExpect = s.nonceExpect[n:]
		plain = plain[n:]
	}

	return plain, nil
}

// fail records the first fatal error and closes the socket so both loops
// unwind. The reader side of the handle observes EOF.
func (s *SecureStream) fail(err error, kind string) {
	s.failed.Store(true)
	s.setErr(err)
	s.metrics.DecodeErrors.WithLabelValues(kind).Inc()
	_ = s.conn.Close()
}

// terminate moves the stream to its terminal state exactly once.
func (s *SecureStream) terminate(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.setErr(err)
		}
		_ = s.conn.Close()
		close(s.closed)
		if s.started.Load() {
			s.metrics.SessionsActive.Dec()
		}
	})
}

func (s *SecureStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// errorKind maps a fatal decode error to its metric label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrFrameTooShort):
		return "frame_too_short"
	case errors.Is(err, ErrHmacNotMatching):
		return "hmac_mismatch"
	case errors.Is(err, ErrNonceVerificationFailed):
		return "nonce_mismatch"
	case errors.Is(err, framing.ErrFrameTooLong):
		return "frame_too_long"
	default:
		return "transport"
	}
}
