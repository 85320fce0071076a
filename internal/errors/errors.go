package errors

import "errors"

var (
	// TransportError covers socket read/write failures on the local side.
	TransportError = errors.New("Transport error")
	// ProtocolError covers malformed frames: unknown op codes and truncated
	// length-prefixed fields. Fatal to the connection it occurred on.
	ProtocolError = errors.New("Protocol error")
	// PeerFailure is surfaced to waiters whose pending pull was aborted by a
	// connection-level failure outside their own call.
	PeerFailure = errors.New("Peer failure")
	// TimeoutError is local to the caller whose deadline expired.
	TimeoutError = errors.New("Timeout")

	RatelimitExceededError = errors.New("Ratelimit exceeded")
)
