// Package amcp implements the client side of the AMCP-style ASCII protocol
// spoken by the remote playout engines: command batches framed by
// DEFER/RESUME, one persistent TCP connection per engine address, strict
// one-batch-in-flight serialization, and reconnect with bounded backoff.
package amcp

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for operations on a connection that has been closed.
var ErrClosed = errors.New("amcp: connection closed")

// NetworkError is a transport failure: dial, write, or read on the TCP
// session failed or timed out. The connection drops its queue and
// reconnects; the caller sees the failure for the batch that was in flight.
type NetworkError struct {
	Op   string
	Addr string
	Err  error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("amcp %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *NetworkError) Unwrap() error { return e.Err }

// RemoteError is a protocol-level rejection from the remote: the session is
// intact, the command was refused. Does not trigger a reconnect.
type RemoteError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("amcp: remote replied %d: %s", e.Code, e.Message)
}

// ProtocolError is a malformed reply from the remote. The session state can
// no longer be trusted, so the connection is dropped and redialed.
type ProtocolError struct {
	Line   string
	Reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("amcp: protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("amcp: protocol error: %s: %q", e.Reason, e.Line)
}

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsRemoteError reports whether err is (or wraps) a RemoteError.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
