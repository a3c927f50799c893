package quicore

import (
	"errors"
	"fmt"
)

// Synchronous usage errors, surfaced directly to the caller that triggered them.
var (
	// ErrBufferClosed is returned by OutputBuffer.Append once the buffer is closed.
	ErrBufferClosed = errors.New("quicore: buffer closed")
	// ErrConsumeOverflow is returned by InputBuffer.Consume when asked to drop
	// more bytes than are currently buffered.
	ErrConsumeOverflow = errors.New("quicore: consume past end of input buffer")
	// ErrNoMoreStreams is returned by Connection.OpenBidirectionalStream /
	// OpenUnidirectionalStream when the engine has no stream credit left.
	ErrNoMoreStreams = errors.New("quicore: no more streams available")
	// ErrConnectionClosed is returned by operations attempted after disconnect.
	ErrConnectionClosed = errors.New("quicore: connection closed")
	// ErrUnknownStream is returned when an operation names a stream id the
	// connection's stream table does not hold.
	ErrUnknownStream = errors.New("quicore: unknown stream")
	// ErrSocketNotListening is returned by operations that need a bound socket.
	ErrSocketNotListening = errors.New("quicore: socket not listening")
)

// InvariantError marks an internal bug: duplicate stream id, over-acknowledgement,
// consuming past the end of a buffer through an internal call path, etc. Per
// spec, an Invariant fault aborts the owning Connection, never the Dispatcher.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("quicore: invariant violated: %s", e.Detail)
}

func newInvariant(format string, args ...interface{}) *InvariantError {
	return &InvariantError{Detail: fmt.Sprintf(format, args...)}
}

// EngineError wraps an opaque error code reported by the packet engine
// (transport liberror) or the TLS layer (alert code), per spec §4.7/§7.
type EngineError struct {
	// Code is the engine's opaque error code. Its meaning is defined entirely
	// by the engine; the core only compares it against the sentinel Status
	// values it is told to recognize.
	Code uint64
	// TLS reports whether Code is a TLS alert rather than a transport error.
	TLS bool
	// Message is an optional human-readable diagnostic from the engine.
	Message string
}

func (e *EngineError) Error() string {
	kind := "transport"
	if e.TLS {
		kind = "tls"
	}
	if e.Message != "" {
		return fmt.Sprintf("quicore: %s error 0x%x: %s", kind, e.Code, e.Message)
	}
	return fmt.Sprintf("quicore: %s error 0x%x", kind, e.Code)
}

// SocketError wraps an OS-level I/O failure that is not a would-block or
// EINTR condition (those are handled internally as retry/Timeout).
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("quicore: socket %s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// ResolutionFailed is returned by Address resolution helpers.
type ResolutionFailed struct {
	Host    string
	Service string
	Err     error
}

func (e *ResolutionFailed) Error() string {
	return fmt.Sprintf("quicore: resolve %s:%s: %v", e.Host, e.Service, e.Err)
}

func (e *ResolutionFailed) Unwrap() error { return e.Err }

// CIDGenerationFailed wraps a failure from the secure random source or the
// engine's stateless-reset-token crypto helper while servicing
// GetNewConnectionID.
type CIDGenerationFailed struct {
	Err error
}

func (e *CIDGenerationFailed) Error() string {
	return fmt.Sprintf("quicore: connection id generation failed: %v", e.Err)
}

func (e *CIDGenerationFailed) Unwrap() error { return e.Err }
