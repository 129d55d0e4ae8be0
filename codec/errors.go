package codec

import "errors"

var (
	// ErrFrameTooShort is returned when an inbound frame is smaller than
	// the MAC tag. Fatal to the session.
	ErrFrameTooShort = errors.New("frame shorter than MAC tag")

	// ErrHmacNotMatching is returned when MAC verification fails.
	// Fatal to the session.
	ErrHmacNotMatching = errors.New("hmac mismatch")

	// ErrNonceVerificationFailed is returned when the initial nonce echo
	// does not match the expected bytes. Fatal to the session.
	ErrNonceVerificationFailed = errors.New("nonce verification failed")

	// ErrHandleAlreadyTaken is returned by CreateHandle after the first
	// successful call. The stream itself is unaffected.
	ErrHandleAlreadyTaken = errors.New("stream handle already taken")

	// ErrStreamClosed is returned for writes and flushes after the
	// handle was closed or the stream shut down without a fatal error.
	// After a fatal error, writes and flushes return that error instead.
	ErrStreamClosed = errors.New("secure stream closed")
)
