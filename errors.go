package go_ctrstream

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrReadTimeout    = errors.New("read timed out")
	ErrReleased       = errors.New("player released")
	ErrUnknownBitrate = errors.New("unknown bitrate")

	// ErrMalformedResponse is wrapped by a TransportError when the server
	// answered with headers that contradict the request.
	ErrMalformedResponse = errors.New("malformed response")
)

// ConfigurationError is returned when the parameters of a stream are invalid.
// It is never worth retrying.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// TransportError is returned when the HTTP transport fails to open or read.
type TransportError struct {
	Op         string
	StatusCode int
	Status     string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s failed: %s", e.Op, e.Status)
	}

	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether reopening the stream may succeed. A server that
// sends malformed responses will keep doing so.
func (e *TransportError) Temporary() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, ErrMalformedResponse)
	}

	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// CipherError is returned when decryption cannot be performed. The read that
// produced it must fail, ciphertext is never handed out as plaintext.
type CipherError struct {
	Offset int64
	Err    error
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("decryption failed at offset %d: %v", e.Offset, e.Err)
}

func (e *CipherError) Unwrap() error {
	return e.Err
}

// ProtocolViolation describes a server whose declared length does not match
// what it actually sent. It is logged and tolerated, the smaller length wins.
type ProtocolViolation struct {
	Declared int64
	Observed int64
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("declared length %d contradicted by observed length %d", e.Declared, e.Observed)
}
