package xcache

import "fmt"

// Sentinel errors for the client-visible taxonomy described by the error
// handling design: unsupported features, broken channels, and local
// operations that never touch the wire.
var (
	// ErrChannelClosed is returned for any outstanding or new request once
	// the owning channel has been observed closed or broken. All requests
	// in flight on a dead channel fail with this error.
	ErrChannelClosed = fmt.Errorf("xcache: channel closed")

	// ErrExplicitlyStopped is returned by SafeService/SafeNamedCache
	// operations once the SafeService has been stopped with Stop. Unlike
	// ErrChannelClosed, it never triggers a reconnect attempt.
	ErrExplicitlyStopped = fmt.Errorf("xcache: service explicitly stopped")

	// ErrUnsupportedByProxy is returned when the negotiated proxy protocol
	// version does not support the requested operation (truncate, or
	// priming listeners over in-key-set filters pre version 6).
	ErrUnsupportedByProxy = fmt.Errorf("xcache: unsupported by proxy")

	// ErrWildcardLock is returned by Lock when the caller passes the
	// wildcard "lock entire cache" key, which this client forbids locally.
	ErrWildcardLock = fmt.Errorf("xcache: wildcard lock of entire cache is not supported")

	// ErrUnexpectedMessageKind indicates a response arrived whose kind did
	// not match the request that was sent: a protocol framing error.
	ErrUnexpectedMessageKind = fmt.Errorf("xcache: unexpected response message kind")

	// ErrCacheReleased is returned by operations on a NamedCacheHandle
	// after it has been released or destroyed.
	ErrCacheReleased = fmt.Errorf("xcache: cache handle released")
)

// ServerError wraps a failure response returned by the proxy. If the proxy
// encoded a remote exception, Message carries its text and Remote is true.
// Otherwise the payload was opaque and Message is a generic description.
type ServerError struct {
	Message string
	Remote  bool
}

func (e *ServerError) Error() string {
	if e.Remote {
		return fmt.Sprintf("xcache: server exception: %s", e.Message)
	}
	return fmt.Sprintf("xcache: server failure: %s", e.Message)
}

// NewServerError builds a ServerError from a failure response payload. It is
// the client-side equivalent of the server's "response.is_failure" signal in
// the wire contract.
func NewServerError(message string, remote bool) *ServerError {
	return &ServerError{Message: message, Remote: remote}
}
